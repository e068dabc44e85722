package connection

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

	"github.com/rivet-gg/runner-core/internal/registry"
	"github.com/rivet-gg/runner-core/internal/wire"
)

type fakeRegistry struct {
	mu      sync.Mutex
	started []string
	stopped []string
}

func (r *fakeRegistry) StartActor(ctx context.Context, actorID string, generation uint64, cfg registry.ActorConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, actorID)
}

func (r *fakeRegistry) StopActor(ctx context.Context, actorID string, generation uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, actorID)
}

func (r *fakeRegistry) BulkTeardown(ctx context.Context) {}
func (r *fakeRegistry) SetShuttingDown(v bool)           {}

func (r *fakeRegistry) snapshot() ([]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...), append([]string(nil), r.stopped...)
}

type fakeJournal struct {
	mu       sync.Mutex
	replays  []int64
}

func (j *fakeJournal) SendReplay(lastEventIdx int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.replays = append(j.replays, lastEventIdx)
}

type fakeKv struct {
	mu      sync.Mutex
	flushed int
}

func (k *fakeKv) FlushPending() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.flushed++
}
func (k *fakeKv) HandleResponse(requestID uint32, data wire.KvResponseData) {}
func (k *fakeKv) Shutdown()                                                 {}

// newTestServer upgrades every connection and hands the raw *websocket.Conn
// to handle for the test to script.
func newTestServer(t *testing.T, handle func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		handle(conn)
	}))
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestHandshakeReplayAndCommandDispatch(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()

		// Read ToServerInit.
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}

		// Send ToClientInit.
		initPayload, err := wire.EncodeToClient(wire.ToClient{Init: &wire.ToClientInit{
			RunnerID:     "R1",
			LastEventIdx: 2,
		}})
		if err != nil {
			t.Errorf("encode init: %v", err)
			return
		}
		conn.WriteMessage(websocket.BinaryMessage, initPayload)

		// Send a command batch: StartActor then StopActor.
		cmdPayload, err := wire.EncodeToClient(wire.ToClient{Commands: &wire.ToClientCommands{
			Commands: []wire.CommandWrapper{
				{Index: 0, Inner: wire.CommandStartActor{ActorID: "A", Generation: 1, Config: wire.ActorConfig{Name: "worker"}}},
				{Index: 1, Inner: wire.CommandStopActor{ActorID: "A", Generation: 1}},
			},
		}})
		if err != nil {
			t.Errorf("encode commands: %v", err)
			return
		}
		conn.WriteMessage(websocket.BinaryMessage, cmdPayload)

		// Keep the connection open until the client disconnects.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	reg := &fakeRegistry{}
	jrnl := &fakeJournal{}
	kvb := &fakeKv{}
	connected := make(chan struct{}, 1)

	mgr := New(Config{
		Endpoint:   wsURL(srv.URL),
		Namespace:  "ns",
		RunnerName: "runner-1",
		RunnerKey:  "key",
		Version:    1,
		TotalSlots: 10,
	}, zap.NewNop(), reg, jrnl, kvb, Callbacks{
		OnConnected: func() { connected <- struct{}{} },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnected never fired")
	}

	waitForDispatch(t, func() bool {
		started, stopped := reg.snapshot()
		return len(started) == 1 && len(stopped) == 1
	})

	started, stopped := reg.snapshot()
	if started[0] != "A" || stopped[0] != "A" {
		t.Fatalf("unexpected dispatch: started=%v stopped=%v", started, stopped)
	}
	if mgr.LastCommandIdx() != 1 {
		t.Fatalf("expected last_command_idx=1, got %d", mgr.LastCommandIdx())
	}

	jrnl.mu.Lock()
	replays := jrnl.replays
	jrnl.mu.Unlock()
	if len(replays) != 1 || replays[0] != 2 {
		t.Fatalf("expected one replay call with lastEventIdx=2, got %v", replays)
	}

	kvb.mu.Lock()
	flushed := kvb.flushed
	kvb.mu.Unlock()
	if flushed != 1 {
		t.Fatalf("expected FlushPending called once, got %d", flushed)
	}
}

func TestStaleCommandBatchIgnored(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		initPayload, _ := wire.EncodeToClient(wire.ToClient{Init: &wire.ToClientInit{RunnerID: "R1", LastEventIdx: -1}})
		conn.WriteMessage(websocket.BinaryMessage, initPayload)

		// First batch establishes last_command_idx = 5.
		batch1, _ := wire.EncodeToClient(wire.ToClient{Commands: &wire.ToClientCommands{
			Commands: []wire.CommandWrapper{{Index: 5, Inner: wire.CommandStopActor{ActorID: "A", Generation: 1}}},
		}})
		conn.WriteMessage(websocket.BinaryMessage, batch1)

		time.Sleep(50 * time.Millisecond)

		// Stale resend: every index <= 5, must be ignored wholesale.
		batch2, _ := wire.EncodeToClient(wire.ToClient{Commands: &wire.ToClientCommands{
			Commands: []wire.CommandWrapper{{Index: 3, Inner: wire.CommandStartActor{ActorID: "B", Generation: 1}}},
		}})
		conn.WriteMessage(websocket.BinaryMessage, batch2)

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	reg := &fakeRegistry{}
	mgr := New(Config{Endpoint: wsURL(srv.URL), Namespace: "ns", RunnerName: "r", RunnerKey: "k"}, zap.NewNop(), reg, &fakeJournal{}, &fakeKv{}, Callbacks{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	waitForDispatch(t, func() bool { return mgr.LastCommandIdx() == 5 })
	time.Sleep(100 * time.Millisecond)

	started, _ := reg.snapshot()
	if len(started) != 0 {
		t.Fatalf("expected stale batch to be ignored, got started=%v", started)
	}
}

func waitForDispatch(t *testing.T, cond func() bool) {
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
