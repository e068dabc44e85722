// Package kv brokers key-value storage requests made by hosted actor code:
// it allocates request IDs, tracks pending requests while the control
// socket is connected or disconnected, flushes queued requests on
// reconnect, and expires requests that never get a response.
package kv

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rivet-gg/runner-core/internal/wire"
)

// Expire is how long a pending request is allowed to wait for a response
// before it is rejected (spec.md §4.5: "KV_EXPIRE = 30000ms").
const Expire = 30 * time.Second

// SweepInterval is how often the expiration sweep runs (spec.md §4.5:
// "every 15s").
const SweepInterval = 15 * time.Second

// Entry is one pending request (spec.md §3's KvRequestEntry).
type Entry struct {
	RequestID uint32
	ActorID   string
	Data      wire.KvRequestData
	Sent      bool
	Timestamp time.Time

	done chan result
}

type result struct {
	data wire.KvResponseData
	err  error
}

// Sender is implemented by the Connection Manager: sends one KV request
// frame over the control socket.
type Sender interface {
	// SendKvRequest returns true if the frame was actually written (the
	// socket was OPEN), matching spec.md §4.5's "if OPEN, sent is set true".
	SendKvRequest(req *wire.ToServerKvRequest) bool
}

// Broker owns the request_id -> Entry map and the monotonic request ID
// counter.
type Broker struct {
	logger *zap.Logger
	sender Sender

	mu        sync.Mutex
	nextReqID uint32
	pending   map[uint32]*Entry
	// order preserves insertion order for flush-on-reconnect (spec.md
	// §4.5: "flushed in insertion order").
	order []uint32
}

// New creates a Broker.
func New(logger *zap.Logger, sender Sender) *Broker {
	return &Broker{
		logger:  logger.Named("kv"),
		sender:  sender,
		pending: make(map[uint32]*Entry),
	}
}

func (b *Broker) enqueue(ctx context.Context, actorID string, data wire.KvRequestData) (wire.KvResponseData, error) {
	b.mu.Lock()
	reqID := b.nextReqID
	b.nextReqID++
	entry := &Entry{
		RequestID: reqID,
		ActorID:   actorID,
		Data:      data,
		Timestamp: time.Now(),
		done:      make(chan result, 1),
	}
	b.pending[reqID] = entry
	b.order = append(b.order, reqID)
	b.mu.Unlock()

	b.trySend(entry)

	select {
	case res := <-entry.done:
		return res.data, res.err
	case <-ctx.Done():
		b.remove(reqID)
		return nil, ctx.Err()
	}
}

// trySend attempts an immediate send; entry stays queued (Sent=false) if
// the sender reports the socket was not OPEN.
func (b *Broker) trySend(entry *Entry) {
	sent := b.sender.SendKvRequest(&wire.ToServerKvRequest{
		ActorID:   entry.ActorID,
		RequestID: entry.RequestID,
		Data:      entry.Data,
	})
	b.mu.Lock()
	entry.Sent = sent
	if sent {
		entry.Timestamp = time.Now()
	}
	b.mu.Unlock()
}

// FlushPending resends every entry with Sent == false, in insertion order,
// on (re)connect (spec.md §4.1/§4.5).
func (b *Broker) FlushPending() {
	b.mu.Lock()
	ids := make([]uint32, len(b.order))
	copy(ids, b.order)
	b.mu.Unlock()

	for _, id := range ids {
		b.mu.Lock()
		entry, ok := b.pending[id]
		alreadySent := ok && entry.Sent
		b.mu.Unlock()
		if !ok || alreadySent {
			continue
		}
		b.trySend(entry)
	}
}

// HandleResponse resolves the pending entry for requestID. Unknown IDs are
// logged and dropped (spec.md §4.5/§7).
func (b *Broker) HandleResponse(requestID uint32, data wire.KvResponseData) {
	b.mu.Lock()
	entry, ok := b.pending[requestID]
	b.mu.Unlock()
	if !ok {
		b.logger.Warn("kv response for unknown request_id, dropping", zap.Uint32("request_id", requestID))
		return
	}

	var res result
	if errResp, isErr := data.(wire.KvErrorResponse); isErr {
		res = result{err: fmt.Errorf("kv: %s", errResp.Message)}
	} else {
		res = result{data: data}
	}

	b.remove(requestID)
	entry.done <- res
}

func (b *Broker) remove(requestID uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, requestID)
	for i, id := range b.order {
		if id == requestID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// SweepExpired rejects every pending entry older than Expire (measured
// from its most recent send timestamp) and removes it.
func (b *Broker) SweepExpired(now time.Time) {
	b.mu.Lock()
	var expired []*Entry
	for _, id := range b.order {
		entry := b.pending[id]
		if now.Sub(entry.Timestamp) > Expire {
			expired = append(expired, entry)
		}
	}
	b.mu.Unlock()

	for _, entry := range expired {
		b.remove(entry.RequestID)
		entry.done <- result{err: fmt.Errorf("kv: request %d timed out after %s", entry.RequestID, Expire)}
	}
}

// Shutdown rejects every pending entry (sent or not) with a shutdown error
// (spec.md §4.5/§8 scenario vi).
func (b *Broker) Shutdown() {
	b.mu.Lock()
	entries := make([]*Entry, 0, len(b.pending))
	for _, id := range b.order {
		entries = append(entries, b.pending[id])
	}
	b.pending = make(map[uint32]*Entry)
	b.order = nil
	b.mu.Unlock()

	for _, entry := range entries {
		entry.done <- result{err: fmt.Errorf("kv: connection closed during shutdown")}
	}
}

// Pending reports how many requests are currently tracked (test/diagnostic
// helper, also used by invariant checks).
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// ─── actor-facing API (spec.md §4.5) ─────────────────────────────────────

// Get fetches values for keys, preserving requested order; a key absent
// from the server's response resolves to nil at that position (spec.md
// invariant 5 and open item 4: duplicate keys each resolve independently).
func (b *Broker) Get(ctx context.Context, actorID string, keys [][]byte) ([][]byte, error) {
	data, err := b.enqueue(ctx, actorID, wire.KvGet{Keys: keys})
	if err != nil {
		return nil, err
	}
	resp, ok := data.(wire.KvGetResponse)
	if !ok {
		return nil, fmt.Errorf("kv: unexpected response type for get")
	}

	byKey := make(map[string][]byte, len(resp.Keys))
	for i, k := range resp.Keys {
		if i < len(resp.Values) {
			byKey[string(k)] = resp.Values[i]
		}
	}

	out := make([][]byte, len(keys))
	for i, k := range keys {
		if v, ok := byKey[string(k)]; ok {
			out[i] = v
		}
	}
	return out, nil
}

// KeyValue is a single key/value pair returned by a list operation.
type KeyValue struct {
	Key   []byte
	Value []byte
}

func (b *Broker) list(ctx context.Context, actorID string, query wire.KvListQuery, reverse bool, limit *uint64) ([]KeyValue, error) {
	req := wire.KvList{Query: query, Reverse: reverse}
	if limit != nil {
		req.HasLimit = true
		req.Limit = *limit
	}
	data, err := b.enqueue(ctx, actorID, req)
	if err != nil {
		return nil, err
	}
	resp, ok := data.(wire.KvListResponse)
	if !ok {
		return nil, fmt.Errorf("kv: unexpected response type for list")
	}
	out := make([]KeyValue, 0, len(resp.Keys))
	for i, k := range resp.Keys {
		var v []byte
		if i < len(resp.Values) {
			v = resp.Values[i]
		}
		out = append(out, KeyValue{Key: k, Value: v})
	}
	return out, nil
}

// ListOpts carries the optional reverse/limit parameters shared by every
// list operation (spec.md §4.5).
type ListOpts struct {
	Reverse bool
	Limit   *uint64
}

func (b *Broker) ListAll(ctx context.Context, actorID string, opts ListOpts) ([]KeyValue, error) {
	return b.list(ctx, actorID, wire.KvListAll{}, opts.Reverse, opts.Limit)
}

func (b *Broker) ListRange(ctx context.Context, actorID string, start, end []byte, exclusive bool, opts ListOpts) ([]KeyValue, error) {
	return b.list(ctx, actorID, wire.KvListRange{Start: start, End: end, Exclusive: exclusive}, opts.Reverse, opts.Limit)
}

func (b *Broker) ListPrefix(ctx context.Context, actorID string, prefix []byte, opts ListOpts) ([]KeyValue, error) {
	return b.list(ctx, actorID, wire.KvListPrefix{Key: prefix}, opts.Reverse, opts.Limit)
}

func (b *Broker) Put(ctx context.Context, actorID string, entries []KeyValue) error {
	wireEntries := make([]wire.KvEntry, len(entries))
	for i, e := range entries {
		wireEntries[i] = wire.KvEntry{Key: e.Key, Value: e.Value}
	}
	_, err := b.enqueue(ctx, actorID, wire.KvPut{Entries: wireEntries})
	return err
}

func (b *Broker) Delete(ctx context.Context, actorID string, keys [][]byte) error {
	_, err := b.enqueue(ctx, actorID, wire.KvDelete{Keys: keys})
	return err
}

func (b *Broker) Drop(ctx context.Context, actorID string) error {
	_, err := b.enqueue(ctx, actorID, wire.KvDrop{})
	return err
}
