package journal

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rivet-gg/runner-core/internal/wire"
)

type recordingSender struct {
	mu    sync.Mutex
	sent  [][]wire.EventWrapper
}

func (s *recordingSender) SendEvents(events []wire.EventWrapper) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]wire.EventWrapper, len(events))
	copy(cp, events)
	s.sent = append(s.sent, cp)
}

func TestEmitAssignsMonotonicIndices(t *testing.T) {
	j := New(zap.NewNop(), nil)
	for i := 0; i < 5; i++ {
		j.Emit(wire.ActorStateUpdate{ActorID: "A", Generation: 1, State: wire.ActorStateRunning{}})
	}
	if j.NextIndex() != 5 {
		t.Fatalf("NextIndex() = %d, want 5", j.NextIndex())
	}
	for i, rec := range j.ReplaySince(-1) {
		if rec.Index != uint64(i) {
			t.Fatalf("entry %d has index %d, want %d", i, rec.Index, i)
		}
	}
}

func TestReplaySinceReturnsOnlyNewerEntries(t *testing.T) {
	j := New(zap.NewNop(), nil)
	for i := 0; i < 5; i++ {
		j.Emit(wire.ActorStateUpdate{ActorID: "A", Generation: 1, State: wire.ActorStateRunning{}})
	}
	replay := j.ReplaySince(2)
	if len(replay) != 2 {
		t.Fatalf("expected 2 entries (indices 3,4), got %d", len(replay))
	}
	if replay[0].Index != 3 || replay[1].Index != 4 {
		t.Fatalf("unexpected replay indices: %+v", replay)
	}
}

func TestSendReplaySendsSingleBatch(t *testing.T) {
	sender := &recordingSender{}
	j := New(zap.NewNop(), sender)
	for i := 0; i < 5; i++ {
		j.Emit(wire.ActorStateUpdate{ActorID: "A", Generation: 1, State: wire.ActorStateRunning{}})
	}
	// Clear what Emit already sent per-event, to isolate SendReplay's batch.
	sender.mu.Lock()
	sender.sent = nil
	sender.mu.Unlock()

	j.SendReplay(2)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one ToServerEvents batch, got %d", len(sender.sent))
	}
	batch := sender.sent[0]
	if len(batch) != 2 || batch[0].Index != 3 || batch[1].Index != 4 {
		t.Fatalf("unexpected batch contents: %+v", batch)
	}
}

func TestPruneRemovesAgedEntries(t *testing.T) {
	j := New(zap.NewNop(), nil)
	j.Emit(wire.ActorStateUpdate{ActorID: "A", Generation: 1, State: wire.ActorStateRunning{}})
	j.Emit(wire.ActorStateUpdate{ActorID: "A", Generation: 1, State: wire.ActorStateRunning{}})

	// Simulate the first entry aging out.
	j.mu.Lock()
	j.history[0].Timestamp = time.Now().Add(-Retention - time.Second)
	j.mu.Unlock()

	j.Prune(time.Now())

	if j.Len() != 1 {
		t.Fatalf("expected 1 entry remaining after prune, got %d", j.Len())
	}
	remaining := j.ReplaySince(-1)
	if remaining[0].Index != 1 {
		t.Fatalf("expected remaining entry to have index 1, got %d", remaining[0].Index)
	}
}

func TestTruncateDropsAckedEntries(t *testing.T) {
	j := New(zap.NewNop(), nil)
	for i := 0; i < 5; i++ {
		j.Emit(wire.ActorStateUpdate{ActorID: "A", Generation: 1, State: wire.ActorStateRunning{}})
	}
	j.Truncate(2)
	remaining := j.ReplaySince(-1)
	if len(remaining) != 2 {
		t.Fatalf("expected 2 entries remaining (indices 3,4), got %d", len(remaining))
	}
}
