// Package tunnel is the liaison between the Runner core and the external
// Tunnel collaborator that multiplexes inbound HTTP/WebSocket traffic to
// hosted actors (spec.md §4.6/§6). The tunneling machinery itself — request
// demultiplexing, proxying bytes to an actor's fetch/websocket handler — is
// explicitly out of scope (spec.md §1: "treated as a black-box collaborator
// whose only contract with the core is described in §6"). This package
// implements exactly that contract and nothing past it: dial the relay
// endpoint before the control socket opens, register/unregister actors, and
// reconnect quietly afterward. It does not attempt to reconstruct the
// relay's actual data-plane wire format, which spec.md never specifies.
package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rivet-gg/runner-core/internal/backoff"
)

// frameKind tags the liaison's minimal registration announcements. This is
// not the relay's actual data-plane protocol (unspecified by spec.md) — it
// exists only so RegisterActor/UnregisterActor have something concrete to
// send over the liaison connection.
type frameKind string

const (
	frameRegister   frameKind = "register"
	frameUnregister frameKind = "unregister"
)

type announceFrame struct {
	Kind    frameKind `json:"kind"`
	ActorID string    `json:"actor_id"`
}

// Config carries the relay URL components (spec.md §6).
type Config struct {
	// Endpoint is the tunnel endpoint: pegboard_relay_endpoint ||
	// pegboard_endpoint || endpoint, per spec.md §4.6.
	Endpoint   string
	Namespace  string
	RunnerName string
	RunnerKey  string
}

// Tunnel is the liaison's concrete implementation of the contract
// internal/runner depends on.
type Tunnel struct {
	cfg     Config
	logger  *zap.Logger
	backoff *backoff.Backoff

	writeMu sync.Mutex // serializes writes to conn (gorilla/websocket requires this)

	mu         sync.Mutex
	conn       *websocket.Conn
	registered map[string]chan<- struct{}
}

// New creates a Tunnel liaison.
func New(cfg Config, logger *zap.Logger) *Tunnel {
	return &Tunnel{
		cfg:        cfg,
		logger:     logger.Named("tunnel"),
		backoff:    backoff.New(backoff.Default),
		registered: make(map[string]chan<- struct{}),
	}
}

// Start dials the tunnel URL once; first-attempt failure is fatal to
// Runner.Start (spec.md §4.6). On success it returns immediately and keeps
// the connection alive in the background, reconnecting quietly on later
// failures — those are the Tunnel's own responsibility to recover from,
// not the caller's.
func (t *Tunnel) Start(ctx context.Context) error {
	u, err := relayURL(t.cfg)
	if err != nil {
		return fmt.Errorf("tunnel: building relay url: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("tunnel: initial dial failed: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	go t.run(ctx, u)
	return nil
}

// run keeps the liaison connection open, reconnecting with backoff on
// failures after the first successful dial.
func (t *Tunnel) run(ctx context.Context, u string) {
	for {
		t.drain(ctx)

		if ctx.Err() != nil {
			return
		}

		d := t.backoff.Next()
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
		if err != nil {
			t.logger.Warn("tunnel reconnect failed", zap.Error(err))
			continue
		}
		t.backoff.Reset()
		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()
		t.reannounce()
	}
}

// drain reads (and discards) frames until the connection fails; the data
// plane content is out of scope here, we only care about connection
// liveness.
func (t *Tunnel) drain(ctx context.Context) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			t.logger.Debug("tunnel connection closed", zap.Error(err))
			t.mu.Lock()
			if t.conn == conn {
				t.conn = nil
			}
			t.mu.Unlock()
			return
		}
	}
}

// RegisterActor announces actorID to the relay and signals ready once the
// announcement has been sent (or immediately if currently disconnected —
// reconnection re-announces every registered actor, so the relay converges
// without the caller needing to retry).
func (t *Tunnel) RegisterActor(actorID string, ready chan<- struct{}) {
	t.mu.Lock()
	t.registered[actorID] = ready
	t.mu.Unlock()

	t.send(announceFrame{Kind: frameRegister, ActorID: actorID})
	close(ready)
}

// UnregisterActor announces actorID's removal to the relay (spec.md §4.3,
// invoked whenever the registry removes an actor).
func (t *Tunnel) UnregisterActor(actorID string) {
	t.mu.Lock()
	delete(t.registered, actorID)
	t.mu.Unlock()

	t.send(announceFrame{Kind: frameUnregister, ActorID: actorID})
}

func (t *Tunnel) reannounce() {
	t.mu.Lock()
	actorIDs := make([]string, 0, len(t.registered))
	for id := range t.registered {
		actorIDs = append(actorIDs, id)
	}
	t.mu.Unlock()

	for _, id := range actorIDs {
		t.send(announceFrame{Kind: frameRegister, ActorID: id})
	}
}

func (t *Tunnel) send(frame announceFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		t.logger.Error("tunnel: failed to marshal announce frame", zap.Error(err))
		return
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		t.logger.Debug("tunnel: not connected, dropping announce frame", zap.String("actor_id", frame.ActorID))
		return
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.logger.Warn("tunnel: announce send failed", zap.Error(err))
	}
}

// relayURL derives the tunnel WebSocket URL (spec.md §6).
func relayURL(cfg Config) (string, error) {
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
	q.Set("runner_name", cfg.RunnerName)
	q.Set("runner_key", cfg.RunnerKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Callbacks groups the user-supplied fetch/websocket handlers the Runner
// dispatches to once it has looked the actor up in the registry (spec.md
// §4.6). The liaison itself never calls these directly — it has no
// demultiplexed request to hand them, since the relay's data-plane wire
// format is out of scope. runner.Callbacks declares Fetch/WebSocket fields
// with the same signatures; nothing in this module references this type.
type Callbacks struct {
	Fetch     func(actorID string, w http.ResponseWriter, r *http.Request)
	WebSocket func(actorID string, conn *websocket.Conn)
}
