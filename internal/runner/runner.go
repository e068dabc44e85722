// Package runner wires the Connection Manager, Actor Registry, Event
// Journal, KV Broker, and Tunnel Liaison into the process-wide Runner
// singleton described in spec.md §3, and owns the background maintenance
// (journal pruning, KV expiration sweeps) and graceful shutdown sequencing
// those components don't own individually.
package runner

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rivet-gg/runner-core/internal/connection"
	"github.com/rivet-gg/runner-core/internal/journal"
	"github.com/rivet-gg/runner-core/internal/kv"
	"github.com/rivet-gg/runner-core/internal/registry"
	"github.com/rivet-gg/runner-core/internal/tunnel"
	"github.com/rivet-gg/runner-core/internal/wire"
)

// DefaultActorCallbackTimeout bounds on_actor_start/on_actor_stop when the
// caller doesn't override it (spec.md §9/SPEC_FULL.md §6.8).
const DefaultActorCallbackTimeout = 30 * time.Second

// State is the Runner's lifecycle state (Start/Shutdown progress). The
// control socket's connection state is tracked separately by
// connection.Manager.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateShuttingDown
	StateStopped
)

// Callbacks groups every user-supplied hook (spec.md §6).
type Callbacks struct {
	OnConnected    func()
	OnDisconnected func()
	OnShutdown     func()
	OnActorStart   func(ctx context.Context, actorID string, generation uint64, cfg registry.ActorConfig) error
	OnActorStop    func(ctx context.Context, actorID string, generation uint64) error
	Fetch          func(actorID string, w http.ResponseWriter, r *http.Request)
	WebSocket      func(actorID string, conn *websocket.Conn)
}

// Config carries every recognized option from spec.md §6's table.
type Config struct {
	Endpoint              string
	PegboardEndpoint      string
	PegboardRelayEndpoint string
	Version               int32
	Namespace             string
	RunnerName            string
	RunnerKey             string
	TotalSlots            int32
	PrepopulateActorNames map[string]wire.PrepopulateEntry
	Metadata              string
	Callbacks             Callbacks
	NoAutoShutdown        bool
	Logger                *zap.Logger
	ActorCallbackTimeout  time.Duration
}

func (c Config) controlEndpoint() string {
	if c.PegboardEndpoint != "" {
		return c.PegboardEndpoint
	}
	return c.Endpoint
}

func (c Config) relayEndpoint() string {
	if c.PegboardRelayEndpoint != "" {
		return c.PegboardRelayEndpoint
	}
	if c.PegboardEndpoint != "" {
		return c.PegboardEndpoint
	}
	return c.Endpoint
}

// connSenderProxy breaks the construction cycle between the Connection
// Manager (which needs a Registry/Journal/KvBroker to dispatch into) and
// the Journal/KvBroker (which need the Manager as their outbound Sender).
// It's built empty, handed to journal.New/kv.New, then pointed at the real
// *connection.Manager once that's constructed — one indirection instead of
// building every component twice.
type connSenderProxy struct {
	mgr *connection.Manager
}

func (p *connSenderProxy) SendEvents(events []wire.EventWrapper) {
	if p.mgr != nil {
		p.mgr.SendEvents(events)
	}
}

func (p *connSenderProxy) SendKvRequest(req *wire.ToServerKvRequest) bool {
	if p.mgr == nil {
		return false
	}
	return p.mgr.SendKvRequest(req)
}

// Runner is the process-wide singleton (spec.md §3).
type Runner struct {
	cfg    Config
	logger *zap.Logger

	registry *registry.Registry
	journal  *journal.Journal
	kv       *kv.Broker
	conn     *connection.Manager
	tun      *tunnel.Tunnel

	mu           sync.Mutex
	state        State
	cancelRun    context.CancelFunc
	stopSignal   context.CancelFunc
	shutdownOnce sync.Once
}

// New builds a Runner and its component graph, but does not start it.
func New(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	callbackTimeout := cfg.ActorCallbackTimeout
	if callbackTimeout <= 0 {
		callbackTimeout = DefaultActorCallbackTimeout
	}

	r := &Runner{cfg: cfg, logger: logger.Named("runner")}

	r.tun = tunnel.New(tunnel.Config{
		Endpoint:   cfg.relayEndpoint(),
		Namespace:  cfg.Namespace,
		RunnerName: cfg.RunnerName,
		RunnerKey:  cfg.RunnerKey,
	}, logger)

	sender := &connSenderProxy{}
	r.journal = journal.New(logger, sender)
	r.kv = kv.New(logger, sender)

	r.registry = registry.New(logger, r.journal, r.tun, registry.Callbacks{
		OnActorStart: cfg.Callbacks.OnActorStart,
		OnActorStop:  cfg.Callbacks.OnActorStop,
	}, callbackTimeout)

	r.conn = connection.New(connection.Config{
		Endpoint:              cfg.controlEndpoint(),
		Namespace:             cfg.Namespace,
		RunnerName:            cfg.RunnerName,
		RunnerKey:             cfg.RunnerKey,
		Version:               cfg.Version,
		TotalSlots:            cfg.TotalSlots,
		PrepopulateActorNames: cfg.PrepopulateActorNames,
		Metadata:              cfg.Metadata,
	}, logger, r.registry, r.journal, r.kv, connection.Callbacks{
		OnConnected:    cfg.Callbacks.OnConnected,
		OnDisconnected: cfg.Callbacks.OnDisconnected,
	})
	sender.mgr = r.conn

	return r
}

// Registry exposes the Actor Registry for the host process's fetch/
// websocket dispatch path (spec.md §4.6: "Runner looks the actor up in
// the registry before dispatching").
func (r *Runner) Registry() *registry.Registry { return r.registry }

// KV exposes the KV Broker for actor-facing storage calls.
func (r *Runner) KV() *kv.Broker { return r.kv }

// State reports the current lifecycle state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start may be called once (spec.md §3). It brings the Tunnel up first —
// so actors can receive traffic the moment they're announced running —
// then opens the control WebSocket, per spec.md §2's data-flow note.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateIdle {
		r.mu.Unlock()
		return fmt.Errorf("runner: Start called more than once")
	}
	r.state = StateRunning
	r.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)

	if !r.cfg.NoAutoShutdown {
		sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		r.mu.Lock()
		r.stopSignal = stop
		r.mu.Unlock()
		go func() {
			<-sigCtx.Done()
			r.logger.Info("shutdown signal received")
			r.Shutdown(false)
		}()
	}

	if err := r.tun.Start(runCtx); err != nil {
		cancel()
		r.mu.Lock()
		r.state = StateIdle
		r.mu.Unlock()
		return fmt.Errorf("runner: tunnel start failed: %w", err)
	}

	r.mu.Lock()
	r.cancelRun = cancel
	r.mu.Unlock()

	go r.conn.Run(runCtx)
	go r.maintenanceLoop(runCtx)

	return nil
}

// maintenanceLoop runs the periodic upkeep spec.md ties to the Event
// Journal (§4.4, prune every 60s) and KV Broker (§4.5, sweep every 15s).
// Neither depends on connection state, so it lives here rather than in
// either component's own package.
func (r *Runner) maintenanceLoop(ctx context.Context) {
	pruneTicker := time.NewTicker(journal.PruneInterval)
	defer pruneTicker.Stop()
	sweepTicker := time.NewTicker(kv.SweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pruneTicker.C:
			r.journal.Prune(time.Now())
		case <-sweepTicker.C:
			r.kv.SweepExpired(time.Now())
		}
	}
}

// Shutdown is idempotent (spec.md §3). With immediate=false it stops every
// registered actor first (Open Question decision #3's strengthening),
// then sends ToServerStopping and closes the control socket with code
// 1000 (spec.md §5), then fires the configured on_shutdown callback.
func (r *Runner) Shutdown(immediate bool) {
	r.shutdownOnce.Do(func() {
		r.mu.Lock()
		r.state = StateShuttingDown
		cancelRun := r.cancelRun
		stopSignal := r.stopSignal
		r.mu.Unlock()

		r.registry.SetShuttingDown(true)

		if !immediate {
			r.stopAllActors()
		}

		r.conn.Shutdown()

		if cancelRun != nil {
			cancelRun()
		}
		if stopSignal != nil {
			stopSignal()
		}

		if r.cfg.Callbacks.OnShutdown != nil {
			r.cfg.Callbacks.OnShutdown()
		}

		r.mu.Lock()
		r.state = StateStopped
		r.mu.Unlock()
	})
}

func (r *Runner) stopAllActors() {
	instances := r.registry.All()
	var wg sync.WaitGroup
	wg.Add(len(instances))
	for _, inst := range instances {
		inst := inst
		go func() {
			defer wg.Done()
			r.registry.StopActor(context.Background(), inst.ActorID, inst.Generation)
		}()
	}
	wg.Wait()
}
