// Package connection owns the control WebSocket: dialing, the ToServerInit
// handshake, the ping/ack timers, reconnect-with-backoff, and dispatch of
// decoded inbound frames to the Actor Registry and KV Broker. It folds in
// what spec.md calls the Protocol Handler — decode-and-dispatch has no
// state of its own beyond last_command_idx, which the control socket's
// owner already has to track for the handshake and ack timer, so splitting
// it into a second package would only add an interface with no
// independent lifecycle (see DESIGN.md).
package connection

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rivet-gg/runner-core/internal/backoff"
	"github.com/rivet-gg/runner-core/internal/registry"
	"github.com/rivet-gg/runner-core/internal/wire"
)

const (
	pingInterval = 1 * time.Second
	ackInterval  = 5 * time.Minute
)

// State mirrors spec.md §3's Runner connection state, restricted to what
// the connection manager itself tracks.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// Registry is the subset of *registry.Registry the manager dispatches
// commands to.
type Registry interface {
	StartActor(ctx context.Context, actorID string, generation uint64, cfg registry.ActorConfig)
	StopActor(ctx context.Context, actorID string, generation uint64)
	BulkTeardown(ctx context.Context)
	SetShuttingDown(v bool)
}

// Journal is the subset of *journal.Journal the manager drives on handshake.
type Journal interface {
	SendReplay(lastEventIdx int64)
}

// KvBroker is the subset of *kv.Broker the manager drives: flushing queued
// requests after the handshake, routing KV responses, and rejecting pending
// requests on shutdown.
type KvBroker interface {
	FlushPending()
	HandleResponse(requestID uint32, data wire.KvResponseData)
	Shutdown()
}

// Callbacks are fired on connection state transitions (spec.md §6).
type Callbacks struct {
	OnConnected    func()
	OnDisconnected func()
}

// Config carries the handshake parameters sent in ToServerInit and the URL
// components (spec.md §6).
type Config struct {
	// Endpoint is the control channel endpoint: pegboard_endpoint if set,
	// else the base endpoint.
	Endpoint              string
	Namespace             string
	RunnerName            string
	RunnerKey             string
	Version               int32
	TotalSlots            int32
	PrepopulateActorNames map[string]wire.PrepopulateEntry
	Metadata              string
}

// Manager owns the control WebSocket's lifecycle.
type Manager struct {
	cfg       Config
	logger    *zap.Logger
	reg       Registry
	jrnl      Journal
	kvBroker  KvBroker
	callbacks Callbacks
	backoff   *backoff.Backoff

	writeMu sync.Mutex // serializes writes to conn (gorilla/websocket requires this)

	mu                  sync.Mutex
	conn                *websocket.Conn
	state               State
	sessionID           string
	runnerID            string
	lastCommandIdx      int64
	runnerLostThreshold *time.Duration
	runnerLostTimer     *time.Timer
	shuttingDown        bool
}

// New creates a Manager. lastCommandIdx starts at -1 (spec.md §3).
func New(cfg Config, logger *zap.Logger, reg Registry, jrnl Journal, kvBroker KvBroker, callbacks Callbacks) *Manager {
	return &Manager{
		cfg:            cfg,
		logger:         logger.Named("connection"),
		reg:            reg,
		jrnl:           jrnl,
		kvBroker:       kvBroker,
		callbacks:      callbacks,
		backoff:        backoff.New(backoff.Default),
		lastCommandIdx: -1,
	}
}

// LastCommandIdx reports the highest applied command index (test/diagnostic
// helper, also used by the ack timer).
func (m *Manager) LastCommandIdx() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCommandIdx
}

// Run dials, handshakes, and services the control socket until ctx is
// cancelled, reconnecting with backoff on every failure (spec.md §4.1).
func (m *Manager) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if m.isShuttingDown() {
			return
		}

		err := m.connect(ctx)

		m.mu.Lock()
		sessionID := m.sessionID
		m.conn = nil
		m.sessionID = ""
		m.state = StateDisconnected
		m.mu.Unlock()

		if ctx.Err() != nil {
			return
		}

		if err != nil {
			m.logger.Warn("control connection lost, reconnecting", zap.String("session_id", sessionID), zap.Error(err))
		}

		if m.callbacks.OnDisconnected != nil {
			m.callbacks.OnDisconnected()
		}

		if m.isShuttingDown() {
			return
		}

		m.armRunnerLostTimer()

		d := m.backoff.Next()
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
	}
}

// connect performs one dial-handshake-serve cycle. Returns when the
// connection ends, always with a non-nil error saying why (including the
// read error that follows a shutdown-initiated close).
func (m *Manager) connect(ctx context.Context) error {
	u, err := controlURL(m.cfg)
	if err != nil {
		return fmt.Errorf("connection: building control url: %w", err)
	}

	m.mu.Lock()
	m.state = StateConnecting
	m.mu.Unlock()

	header := http.Header{}
	header.Set("x-rivet-target", "runner")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, header)
	if err != nil {
		return fmt.Errorf("connection: dial failed: %w", err)
	}
	defer conn.Close()

	sessionID := uuid.NewString()

	m.mu.Lock()
	m.conn = conn
	m.sessionID = sessionID
	m.backoff.Reset()
	m.cancelRunnerLostTimerLocked()
	m.mu.Unlock()

	m.logger.Info("control connection established", zap.String("session_id", sessionID))

	if err := m.sendInit(); err != nil {
		return fmt.Errorf("connection: sending init: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go m.pingLoop(sessionCtx)
	go m.ackLoop(sessionCtx)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("connection: read failed: %w", err)
		}
		msg, err := wire.DecodeToClient(data)
		if err != nil {
			return fmt.Errorf("connection: invalid frame: %w", err)
		}
		m.dispatch(ctx, msg)
	}
}

func (m *Manager) sendInit() error {
	var lastCommandIdx int64
	var hasLastCommandIdx bool
	if idx := m.LastCommandIdx(); idx >= 0 {
		lastCommandIdx = idx
		hasLastCommandIdx = true
	}

	return m.sendFrame(wire.ToServer{Init: &wire.ToServerInit{
		Name:                  m.cfg.RunnerName,
		Version:               m.cfg.Version,
		TotalSlots:            m.cfg.TotalSlots,
		HasLastCommandIdx:     hasLastCommandIdx,
		LastCommandIdx:        lastCommandIdx,
		PrepopulateActorNames: m.cfg.PrepopulateActorNames,
		Metadata:              m.cfg.Metadata,
	}})
}

func (m *Manager) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.sendFrame(wire.ToServer{Ping: &wire.ToServerPing{TS: time.Now().UnixMilli()}}); err != nil {
				m.logger.Debug("ping send failed", zap.Error(err))
			}
		}
	}
}

func (m *Manager) ackLoop(ctx context.Context) {
	ticker := time.NewTicker(ackInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idx := m.LastCommandIdx()
			if idx < 0 {
				continue
			}
			if err := m.sendFrame(wire.ToServer{AckCommands: &wire.ToServerAckCommands{LastCommandIdx: idx}}); err != nil {
				m.logger.Debug("ack send failed", zap.Error(err))
			}
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, msg wire.ToClient) {
	switch {
	case msg.Init != nil:
		m.handleInit(msg.Init)
	case msg.Commands != nil:
		m.handleCommands(ctx, msg.Commands)
	case msg.AckEvents != nil:
		// spec.md §4.2/§9 open item 2: truncation is deferred to time-based
		// pruning; we only log receipt.
		m.logger.Debug("ack_events received", zap.Uint64("index", msg.AckEvents.Index))
	case msg.KvResponse != nil:
		m.kvBroker.HandleResponse(msg.KvResponse.RequestID, msg.KvResponse.Data)
	}
}

func (m *Manager) handleInit(init *wire.ToClientInit) {
	m.mu.Lock()
	m.runnerID = init.RunnerID
	m.state = StateConnected
	if init.HasRunnerLostThreshold {
		threshold := init.RunnerLostThreshold
		m.runnerLostThreshold = &threshold
	}
	m.mu.Unlock()

	// Only flush queued KV requests once the handshake has completed and
	// isOpen() actually reports true — flushing earlier (e.g. right after
	// dial) would have every SendKvRequest call rejected by isOpen's
	// StateConnected gate, leaving entries queued until they time out.
	m.kvBroker.FlushPending()

	m.jrnl.SendReplay(init.LastEventIdx)

	if m.callbacks.OnConnected != nil {
		m.callbacks.OnConnected()
	}
}

// handleCommands applies one ordered batch (spec.md §4.2). A batch whose
// indices are all <= the current last_command_idx is a resend after
// reconnect and is ignored wholesale.
func (m *Manager) handleCommands(ctx context.Context, batch *wire.ToClientCommands) {
	current := m.LastCommandIdx()

	allStale := true
	for _, cw := range batch.Commands {
		if cw.Index > current {
			allStale = false
			break
		}
	}
	if allStale && len(batch.Commands) > 0 {
		m.logger.Debug("ignoring stale command batch", zap.Int64("last_command_idx", current))
		return
	}

	for _, cw := range batch.Commands {
		switch cmd := cw.Inner.(type) {
		case wire.CommandStartActor:
			m.reg.StartActor(ctx, cmd.ActorID, cmd.Generation, cmd.Config)
		case wire.CommandStopActor:
			m.reg.StopActor(ctx, cmd.ActorID, cmd.Generation)
		default:
			m.logger.Warn("unknown command variant, ignoring", zap.Int64("index", cw.Index))
		}

		m.mu.Lock()
		if cw.Index > m.lastCommandIdx {
			m.lastCommandIdx = cw.Index
		}
		m.mu.Unlock()
	}
}

// SendEvents implements journal.Sender.
func (m *Manager) SendEvents(events []wire.EventWrapper) {
	if err := m.sendFrame(wire.ToServer{Events: &wire.ToServerEvents{Events: events}}); err != nil {
		m.logger.Debug("event send failed (socket likely closed)", zap.Error(err))
	}
}

// SendKvRequest implements kv.Sender.
func (m *Manager) SendKvRequest(req *wire.ToServerKvRequest) bool {
	if !m.isOpen() {
		return false
	}
	if err := m.sendFrame(wire.ToServer{KvRequest: req}); err != nil {
		m.logger.Debug("kv request send failed", zap.Error(err))
		return false
	}
	return true
}

func (m *Manager) isOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil && m.state == StateConnected
}

func (m *Manager) sendFrame(msg wire.ToServer) error {
	payload, err := wire.EncodeToServer(msg)
	if err != nil {
		return fmt.Errorf("connection: encode failed: %w", err)
	}

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("connection: not connected")
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, payload)
}

// Shutdown sends ToServerStopping and initiates a normal close (spec.md §5,
// "Graceful shutdown sends a ToServerStopping frame, then initiates a
// normal close with code 1000"). The caller (internal/runner) is
// responsible for having already waited for actors to stop, per Open
// Question decision #3.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shuttingDown = true
	m.cancelRunnerLostTimerLocked()
	conn := m.conn
	m.mu.Unlock()

	m.reg.SetShuttingDown(true)
	m.kvBroker.Shutdown()

	if conn == nil {
		return
	}

	if err := m.sendFrame(wire.ToServer{Stopping: &wire.ToServerStopping{}}); err != nil {
		m.logger.Debug("stopping frame send failed", zap.Error(err))
	}

	m.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Stopping"),
		time.Now().Add(time.Second))
	m.writeMu.Unlock()
}

func (m *Manager) isShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shuttingDown
}

func (m *Manager) armRunnerLostTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shuttingDown || m.runnerLostThreshold == nil || m.runnerLostTimer != nil {
		return
	}
	threshold := *m.runnerLostThreshold
	m.runnerLostTimer = time.AfterFunc(threshold, func() {
		m.logger.Warn("runner_lost_threshold exceeded, tearing down all actors", zap.Duration("threshold", threshold))
		m.reg.BulkTeardown(context.Background())
	})
}

func (m *Manager) cancelRunnerLostTimerLocked() {
	if m.runnerLostTimer != nil {
		m.runnerLostTimer.Stop()
		m.runnerLostTimer = nil
	}
}

// controlURL derives the control WebSocket URL (spec.md §6).
func controlURL(cfg Config) (string, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("protocol_version", "1")
	q.Set("namespace", cfg.Namespace)
	q.Set("runner_key", cfg.RunnerKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
