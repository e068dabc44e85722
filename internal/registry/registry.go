// Package registry owns the in-memory map of live actor instances. It
// invokes the user-supplied lifecycle callbacks and emits state/intent
// events through an EventEmitter collaborator (the Event Journal).
//
// spec.md §5 describes the core as single-threaded cooperative, with user
// callbacks as the only suspension points. on_actor_start runs on its own
// goroutine (so a slow callback never blocks command dispatch) and posts a
// failure back by calling stopActorInternal directly — the one place that
// crosses a goroutine boundary into shared state. on_actor_stop is awaited
// inside the stop path (bounded by the callback timeout), so a stop returns
// only once it has finished. A single coarse mutex guards the actor map and
// the shuttingDown flag; the "assign, append, send must be atomic wrt other
// emitters" invariant from spec.md §5 is held by the Event Journal's lock.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rivet-gg/runner-core/internal/wire"
)

// ActorConfig mirrors wire.ActorConfig; kept distinct so the registry
// package doesn't leak wire framing details to callback signatures.
type ActorConfig = wire.ActorConfig

// Instance is one hosted actor. Fields mirror spec.md §3's ActorInstance.
type Instance struct {
	ActorID    string
	Generation uint64
	Config     ActorConfig
}

// EventEmitter is implemented by the Event Journal. Registry emits through
// this interface instead of depending on the journal package directly, so
// tests can substitute a recording fake.
type EventEmitter interface {
	Emit(inner wire.EventInner)
}

// Callbacks groups the user-supplied actor lifecycle hooks (spec.md §6).
type Callbacks struct {
	OnActorStart func(ctx context.Context, actorID string, generation uint64, cfg ActorConfig) error
	OnActorStop  func(ctx context.Context, actorID string, generation uint64) error
}

// Tunnel is the subset of the Tunnel Liaison the registry needs: announcing
// an actor on start and removing its tracked request/WebSocket state on
// stop (spec.md §4.3/§4.6).
type Tunnel interface {
	RegisterActor(actorID string, ready chan<- struct{})
	UnregisterActor(actorID string)
}

// Registry owns the actor_id -> Instance map.
type Registry struct {
	logger          *zap.Logger
	emitter         EventEmitter
	tunnel          Tunnel
	callbacks       Callbacks
	callbackTimeout time.Duration

	mu     sync.Mutex
	actors map[string]*Instance

	// shuttingDown suppresses new emissions once true (spec.md §4.3).
	shuttingDown bool
}

// New creates a Registry. callbackTimeout bounds on_actor_start/
// on_actor_stop (spec.md §9's recommended strengthening); pass 0 to
// disable the timeout (callbacks run to completion).
func New(logger *zap.Logger, emitter EventEmitter, tunnel Tunnel, callbacks Callbacks, callbackTimeout time.Duration) *Registry {
	return &Registry{
		logger:          logger.Named("registry"),
		emitter:         emitter,
		tunnel:          tunnel,
		callbacks:       callbacks,
		callbackTimeout: callbackTimeout,
		actors:          make(map[string]*Instance),
	}
}

// SetShuttingDown suppresses further event emission once the runner begins
// graceful shutdown (spec.md §4.3, "All outbound event emissions are
// rejected once the runner has entered ShuttingDown").
func (r *Registry) SetShuttingDown(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shuttingDown = v
}

// Get returns the live instance for actorID, if any.
func (r *Registry) Get(actorID string) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.actors[actorID]
	return inst, ok
}

// Len reports how many actors are currently registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

// All returns a snapshot slice of every currently registered instance, used
// by bulk teardown (spec.md §4.3).
func (r *Registry) All() []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Instance, 0, len(r.actors))
	for _, inst := range r.actors {
		out = append(out, inst)
	}
	return out
}

// StartActor handles CommandStartActor. A StartActor for an actor_id
// already present is a protocol violation (spec.md §3's invariant) — we
// log and overwrite, preserving server-driven truth.
func (r *Registry) StartActor(ctx context.Context, actorID string, generation uint64, cfg ActorConfig) {
	r.mu.Lock()
	if existing, ok := r.actors[actorID]; ok {
		r.logger.Warn("StartActor for actor_id already present, overwriting",
			zap.String("actor_id", actorID),
			zap.Uint64("existing_generation", existing.Generation),
			zap.Uint64("new_generation", generation),
		)
	}

	inst := &Instance{ActorID: actorID, Generation: generation, Config: cfg}
	r.actors[actorID] = inst
	r.mu.Unlock()

	if r.tunnel != nil {
		ready := make(chan struct{})
		r.tunnel.RegisterActor(actorID, ready)
		<-ready
	}

	r.emit(wire.ActorStateUpdate{
		ActorID:    actorID,
		Generation: generation,
		State:      wire.ActorStateRunning{},
	})

	if r.callbacks.OnActorStart == nil {
		return
	}

	go func() {
		if err := r.runCallback(ctx, func(cctx context.Context) error {
			return r.callbacks.OnActorStart(cctx, actorID, generation, cfg)
		}); err != nil {
			r.logger.Error("on_actor_start failed, stopping actor",
				zap.String("actor_id", actorID),
				zap.Uint64("generation", generation),
				zap.Error(err),
			)
			r.stopActorInternal(context.Background(), actorID, generation, wire.StopCodeError, err.Error())
		}
	}()
}

// StopActor handles an explicit CommandStopActor (spec.md §4.3). reason is
// always StopCodeOk for a server-initiated stop.
func (r *Registry) StopActor(ctx context.Context, actorID string, generation uint64) {
	r.stopActorInternal(ctx, actorID, generation, wire.StopCodeOk, "")
}

// stopActorInternal is shared by explicit stop, start-failure stop, and
// bulk teardown. The generation check guards against a stale callback
// arriving after the actor has already been replaced (spec.md §9).
func (r *Registry) stopActorInternal(ctx context.Context, actorID string, generation uint64, code wire.StopCode, message string) {
	r.mu.Lock()
	inst, ok := r.actors[actorID]
	if !ok || inst.Generation != generation {
		r.mu.Unlock()
		r.logger.Debug("stopActor: no matching instance (already stopped or replaced)",
			zap.String("actor_id", actorID),
			zap.Uint64("generation", generation),
		)
		return
	}
	delete(r.actors, actorID)
	r.mu.Unlock()

	if r.tunnel != nil {
		r.tunnel.UnregisterActor(actorID)
	}

	if r.callbacks.OnActorStop != nil {
		if err := r.runCallback(ctx, func(cctx context.Context) error {
			return r.callbacks.OnActorStop(cctx, actorID, generation)
		}); err != nil {
			// Per spec.md §7: logged, stop event still emitted.
			r.logger.Warn("on_actor_stop failed",
				zap.String("actor_id", actorID),
				zap.Uint64("generation", generation),
				zap.Error(err),
			)
		}
	}

	r.emit(wire.ActorStateUpdate{
		ActorID:    actorID,
		Generation: generation,
		State:      wire.ActorStateStopped{Code: code, Message: message},
	})
}

// SleepActor handles an actor-initiated sleep (spec.md §4.3): emits intent,
// keeps the instance registered until the server sends CommandStopActor.
func (r *Registry) SleepActor(actorID string, generation uint64) error {
	r.mu.Lock()
	inst, ok := r.actors[actorID]
	r.mu.Unlock()
	if !ok || inst.Generation != generation {
		return fmt.Errorf("registry: no actor %s generation %d", actorID, generation)
	}
	r.emit(wire.ActorIntent{ActorID: actorID, Generation: generation, Intent: wire.ActorIntentSleep{}})
	return nil
}

// SetAlarm handles both set_alarm and clear_alarm (spec.md §4.3):
// clear_alarm is set_alarm with alarmTS = nil.
func (r *Registry) SetAlarm(actorID string, generation uint64, alarmTS *int64) {
	ev := wire.ActorSetAlarm{ActorID: actorID, Generation: generation}
	if alarmTS != nil {
		ev.HasAlarmTS = true
		ev.AlarmTS = *alarmTS
	}
	r.emit(ev)
}

// BulkTeardown stops every currently registered actor as if each had
// received a CommandStopActor (spec.md §4.3, "runner lost").
func (r *Registry) BulkTeardown(ctx context.Context) {
	for _, inst := range r.All() {
		r.stopActorInternal(ctx, inst.ActorID, inst.Generation, wire.StopCodeRunnerLost, "runner lost: disconnected past runner_lost_threshold")
	}
}

func (r *Registry) emit(inner wire.EventInner) {
	r.mu.Lock()
	shuttingDown := r.shuttingDown
	r.mu.Unlock()
	if shuttingDown {
		r.logger.Debug("emission suppressed during shutdown")
		return
	}
	r.emitter.Emit(inner)
}

func (r *Registry) runCallback(ctx context.Context, fn func(context.Context) error) error {
	if r.callbackTimeout <= 0 {
		return fn(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, r.callbackTimeout)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- fn(cctx) }()
	select {
	case err := <-errCh:
		return err
	case <-cctx.Done():
		return fmt.Errorf("callback deadline exceeded: %w", cctx.Err())
	}
}
