package kv

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rivet-gg/runner-core/internal/wire"
)

// recordingSender simulates the control socket: openness is toggled with
// setOpen, and every accepted request is recorded so tests can reply via
// HandleResponse.
type recordingSender struct {
	mu    sync.Mutex
	open  bool
	sent  []*wire.ToServerKvRequest
}

func (s *recordingSender) SendKvRequest(req *wire.ToServerKvRequest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return false
	}
	s.sent = append(s.sent, req)
	return true
}

func (s *recordingSender) setOpen(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = v
}

func (s *recordingSender) lastSent() *wire.ToServerKvRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return nil
	}
	return s.sent[len(s.sent)-1]
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func TestGetReordersAndFillsMissingKeys(t *testing.T) {
	sender := &recordingSender{open: true}
	b := New(zap.NewNop(), sender)

	resultCh := make(chan struct {
		vals [][]byte
		err  error
	}, 1)
	go func() {
		vals, err := b.Get(context.Background(), "actor-a", [][]byte{[]byte("b"), []byte("a"), []byte("missing")})
		resultCh <- struct {
			vals [][]byte
			err  error
		}{vals, err}
	}()

	waitForSent(t, sender, 1)
	req := sender.lastSent()

	b.HandleResponse(req.RequestID, wire.KvGetResponse{
		Keys:   [][]byte{[]byte("a"), []byte("b")},
		Values: [][]byte{[]byte("val-a"), []byte("val-b")},
	})

	res := <-resultCh
	if res.err != nil {
		t.Fatalf("Get: %v", res.err)
	}
	if string(res.vals[0]) != "val-b" || string(res.vals[1]) != "val-a" || res.vals[2] != nil {
		t.Fatalf("unexpected reordered values: %+v", res.vals)
	}
}

func TestGetDuplicateKeysResolveIndependently(t *testing.T) {
	sender := &recordingSender{open: true}
	b := New(zap.NewNop(), sender)

	resultCh := make(chan [][]byte, 1)
	go func() {
		vals, _ := b.Get(context.Background(), "actor-a", [][]byte{[]byte("a"), []byte("a")})
		resultCh <- vals
	}()

	waitForSent(t, sender, 1)
	req := sender.lastSent()
	b.HandleResponse(req.RequestID, wire.KvGetResponse{
		Keys:   [][]byte{[]byte("a")},
		Values: [][]byte{[]byte("val-a")},
	})

	vals := <-resultCh
	if len(vals) != 2 || string(vals[0]) != "val-a" || string(vals[1]) != "val-a" {
		t.Fatalf("expected both duplicate positions resolved to val-a, got %+v", vals)
	}
}

func TestErrorResponseReturnsError(t *testing.T) {
	sender := &recordingSender{open: true}
	b := New(zap.NewNop(), sender)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Get(context.Background(), "actor-a", [][]byte{[]byte("a")})
		errCh <- err
	}()

	waitForSent(t, sender, 1)
	req := sender.lastSent()
	b.HandleResponse(req.RequestID, wire.KvErrorResponse{Message: "disk full"})

	if err := <-errCh; err == nil {
		t.Fatal("expected an error")
	}
}

func TestDisconnectedRequestQueuesThenFlushes(t *testing.T) {
	sender := &recordingSender{open: false}
	b := New(zap.NewNop(), sender)

	doneCh := make(chan error, 1)
	go func() {
		err := b.Put(context.Background(), "actor-a", []KeyValue{{Key: []byte("k"), Value: []byte("v")}})
		doneCh <- err
	}()

	// Give the goroutine a moment to enqueue; it must not have sent anything
	// since the sender reports closed.
	time.Sleep(20 * time.Millisecond)
	if sender.count() != 0 {
		t.Fatalf("expected no sends while disconnected, got %d", sender.count())
	}
	if b.Pending() != 1 {
		t.Fatalf("expected 1 pending entry while disconnected, got %d", b.Pending())
	}

	sender.setOpen(true)
	b.FlushPending()

	waitForSent(t, sender, 1)
	req := sender.lastSent()
	b.HandleResponse(req.RequestID, wire.KvAck{})

	if err := <-doneCh; err != nil {
		t.Fatalf("Put: %v", err)
	}
}

func TestSweepExpiredRejectsStaleEntries(t *testing.T) {
	sender := &recordingSender{open: true}
	b := New(zap.NewNop(), sender)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Get(context.Background(), "actor-a", [][]byte{[]byte("a")})
		errCh <- err
	}()

	waitForSent(t, sender, 1)
	b.mu.Lock()
	for _, id := range b.order {
		b.pending[id].Timestamp = time.Now().Add(-Expire - time.Second)
	}
	b.mu.Unlock()

	b.SweepExpired(time.Now())

	if err := <-errCh; err == nil {
		t.Fatal("expected expiration error")
	}
	if b.Pending() != 0 {
		t.Fatalf("expected 0 pending after sweep, got %d", b.Pending())
	}
}

func TestShutdownRejectsAllPending(t *testing.T) {
	sender := &recordingSender{open: false}
	b := New(zap.NewNop(), sender)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Get(context.Background(), "actor-a", [][]byte{[]byte("a")})
		errCh <- err
	}()

	waitFor(t, func() bool { return b.Pending() == 1 })
	b.Shutdown()

	if err := <-errCh; err == nil {
		t.Fatal("expected shutdown error")
	}
}

func TestListAllReturnsKeyValuePairs(t *testing.T) {
	sender := &recordingSender{open: true}
	b := New(zap.NewNop(), sender)

	resCh := make(chan []KeyValue, 1)
	go func() {
		kvs, _ := b.ListAll(context.Background(), "actor-a", ListOpts{})
		resCh <- kvs
	}()

	waitForSent(t, sender, 1)
	req := sender.lastSent()
	if _, ok := req.Data.(wire.KvList); !ok {
		t.Fatalf("expected KvList request, got %T", req.Data)
	}
	b.HandleResponse(req.RequestID, wire.KvListResponse{
		Keys:   [][]byte{[]byte("a"), []byte("b")},
		Values: [][]byte{[]byte("1"), []byte("2")},
	})

	kvs := <-resCh
	if len(kvs) != 2 || string(kvs[0].Key) != "a" || string(kvs[1].Value) != "2" {
		t.Fatalf("unexpected list result: %+v", kvs)
	}
}

func waitForSent(t *testing.T, sender *recordingSender, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sender.count() >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("sender never reached %d sent requests", n)
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
