package tunnel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type recordingRelay struct {
	mu     sync.Mutex
	frames []announceFrame
}

func (r *recordingRelay) record(f announceFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *recordingRelay) snapshot() []announceFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]announceFrame(nil), r.frames...)
}

func newRelayServer(t *testing.T, relay *recordingRelay) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f announceFrame
			if err := json.Unmarshal(data, &f); err != nil {
				t.Errorf("unmarshal frame: %v", err)
				continue
			}
			relay.record(f)
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestStartFailsFatalOnFirstDial(t *testing.T) {
	tun := New(Config{Endpoint: "http://127.0.0.1:1"}, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tun.Start(ctx); err == nil {
		t.Fatal("expected first-attempt dial failure to be fatal")
	}
}

func TestRegisterAndUnregisterAnnounce(t *testing.T) {
	relay := &recordingRelay{}
	srv := newRelayServer(t, relay)
	defer srv.Close()

	tun := New(Config{Endpoint: wsURL(srv.URL), Namespace: "ns", RunnerName: "r1", RunnerKey: "k"}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tun.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ready := make(chan struct{})
	tun.RegisterActor("A", ready)
	<-ready

	tun.UnregisterActor("A")

	waitFor(t, func() bool {
		frames := relay.snapshot()
		return len(frames) == 2
	})

	frames := relay.snapshot()
	if frames[0].Kind != frameRegister || frames[0].ActorID != "A" {
		t.Fatalf("expected register frame for A, got %+v", frames[0])
	}
	if frames[1].Kind != frameUnregister || frames[1].ActorID != "A" {
		t.Fatalf("expected unregister frame for A, got %+v", frames[1])
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
