package runner

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rivet-gg/runner-core/internal/wire"
)

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// newEchoTunnelServer accepts and holds the connection open, acking nothing
// — sufficient for Tunnel.Start's first-dial-succeeds contract.
func newEchoTunnelServer(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

// newControlServer immediately sends ToClientInit so the Runner reaches a
// connected state, then keeps the socket open.
func newControlServer(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		payload, _ := wire.EncodeToClient(wire.ToClient{Init: &wire.ToClientInit{RunnerID: "R1", LastEventIdx: -1}})
		conn.WriteMessage(websocket.BinaryMessage, payload)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestStartFailsWhenTunnelUnreachable(t *testing.T) {
	r := New(Config{
		Endpoint:              "http://127.0.0.1:1",
		PegboardRelayEndpoint: "http://127.0.0.1:1",
		Namespace:             "ns",
		RunnerName:            "runner-1",
		RunnerKey:             "key",
		NoAutoShutdown:        true,
		Logger:                zap.NewNop(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := r.Start(ctx); err == nil {
		t.Fatal("expected tunnel dial failure to fail Start")
	}
	if r.State() != StateIdle {
		t.Fatalf("expected state to reset to Idle after failed Start, got %v", r.State())
	}
}

func TestStartAndIdempotentShutdown(t *testing.T) {
	tunSrv := newEchoTunnelServer(t)
	defer tunSrv.Close()
	ctrlSrv := newControlServer(t)
	defer ctrlSrv.Close()

	var shutdownCalls int32
	var mu sync.Mutex

	r := New(Config{
		Endpoint:              wsURL(ctrlSrv.URL),
		PegboardRelayEndpoint: wsURL(tunSrv.URL),
		Namespace:             "ns",
		RunnerName:            "runner-1",
		RunnerKey:             "key",
		NoAutoShutdown:        true,
		Logger:                zap.NewNop(),
		Callbacks: Callbacks{
			OnShutdown: func() {
				mu.Lock()
				shutdownCalls++
				mu.Unlock()
			},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(ctx); err == nil {
		t.Fatal("expected second Start call to fail")
	}

	waitFor(t, func() bool { return r.State() == StateRunning })

	r.Shutdown(true)
	r.Shutdown(true) // idempotent, must not panic or double-fire OnShutdown

	waitFor(t, func() bool { return r.State() == StateStopped })

	mu.Lock()
	calls := shutdownCalls
	mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected OnShutdown called exactly once, got %d", calls)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}
