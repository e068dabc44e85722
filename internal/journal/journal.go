// Package journal assigns monotonic indices to outbound events, buffers
// recent history for reconnect replay, and prunes aged entries.
//
// Indices never reset across reconnects — only a fresh process restarts
// the counter (spec.md §4.4). The journal is intentionally in-memory only:
// spec.md §3's non-goals forbid persisting actor state to disk, and the
// journal's history exists solely to replay events the server may not have
// durably recorded yet.
package journal

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rivet-gg/runner-core/internal/wire"
)

// Retention is how long a history entry is kept before pruning (spec.md
// §3: "pruned when older than 5 minutes").
const Retention = 5 * time.Minute

// PruneInterval is how often the prune sweep runs (spec.md §4.4: "every
// 60s").
const PruneInterval = 60 * time.Second

// Record is one journaled event.
type Record struct {
	Index     uint64
	Inner     wire.EventInner
	Timestamp time.Time
}

// Sender is implemented by the Connection Manager / Protocol Handler:
// receives a single outbound frame to send over the control socket.
type Sender interface {
	SendEvents(events []wire.EventWrapper)
}

// Journal owns outbound event indexing and history.
type Journal struct {
	logger *zap.Logger
	sender Sender

	mu      sync.Mutex
	nextIdx uint64
	history []Record
}

// New creates a Journal. sender may be nil in tests that only want to
// inspect indexing/pruning behavior without a transport.
func New(logger *zap.Logger, sender Sender) *Journal {
	return &Journal{
		logger: logger.Named("journal"),
		sender: sender,
	}
}

// Emit implements registry.EventEmitter: assigns the next index, appends
// to history, and sends the single-event frame immediately if a sender is
// wired. Assigning the index, appending history and sending happen under
// the same lock so concurrent emitters (registry callbacks on separate
// goroutines) never observe a gap or duplicate (spec.md invariant 1) and
// frames reach the sender in index order.
func (j *Journal) Emit(inner wire.EventInner) {
	j.mu.Lock()
	defer j.mu.Unlock()
	idx := j.nextIdx
	j.nextIdx++
	rec := Record{Index: idx, Inner: inner, Timestamp: time.Now()}
	j.history = append(j.history, rec)

	if j.sender != nil {
		j.sender.SendEvents([]wire.EventWrapper{{Index: idx, Inner: inner}})
	}
}

// NextIndex reports the index that would be assigned to the next emission,
// without assigning it (used for diagnostics/invariant tests).
func (j *Journal) NextIndex() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextIdx
}

// ReplaySince returns, in ascending index order, every history entry with
// Index > lastEventIdx (spec.md §4.1/§4.4). lastEventIdx of -1 means
// "nothing acknowledged yet" — every entry is replayed.
func (j *Journal) ReplaySince(lastEventIdx int64) []wire.EventWrapper {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]wire.EventWrapper, 0, len(j.history))
	for _, rec := range j.history {
		if int64(rec.Index) > lastEventIdx {
			out = append(out, wire.EventWrapper{Index: rec.Index, Inner: rec.Inner})
		}
	}
	return out
}

// SendReplay sends every entry with Index > lastEventIdx in a single
// ToServerEvents frame, as spec.md §4.4 requires ("resend ... in a single
// ToServerEvents frame"). No-op if there is nothing to replay.
func (j *Journal) SendReplay(lastEventIdx int64) {
	events := j.ReplaySince(lastEventIdx)
	if len(events) == 0 || j.sender == nil {
		return
	}
	j.sender.SendEvents(events)
}

// Prune removes history entries older than Retention. Called periodically
// by the Runner's maintenance loop.
func (j *Journal) Prune(now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()

	cutoff := now.Add(-Retention)
	i := 0
	for ; i < len(j.history); i++ {
		if j.history[i].Timestamp.After(cutoff) {
			break
		}
	}
	if i == 0 {
		return
	}
	j.logger.Debug("pruning aged journal entries", zap.Int("count", i))
	j.history = append([]Record(nil), j.history[i:]...)
}

// Truncate drops history entries with Index <= ackedIdx.
//
// TODO(ack-events): ToClientAckEvents currently only logs the acked index
// (see connection.Manager) and never calls this — the journal still relies
// solely on time-based pruning, matching spec.md §4.2's documented open
// item. Wiring AckEvents.Index through to this method is the follow-up.
func (j *Journal) Truncate(ackedIdx uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()

	i := 0
	for ; i < len(j.history); i++ {
		if j.history[i].Index > ackedIdx {
			break
		}
	}
	j.history = append([]Record(nil), j.history[i:]...)
}

// Len reports the current history length (test/diagnostic helper).
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.history)
}
