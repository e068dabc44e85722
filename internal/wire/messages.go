// Package wire defines the tagged-union messages exchanged on the control
// WebSocket and their binary, length-prefixed encoding.
//
// The wire format is intentionally simple: every encoded message is
// [1-byte tag][tag-specific payload], sent as one WebSocket binary message
// with no extra prefix; Frame adds a [4-byte big-endian length] prefix for
// byte-stream transports. Variable length fields (strings, byte slices,
// repeated elements) are themselves length-prefixed. This mirrors the framing style used by length-prefixed
// request/response wire protocols elsewhere in the ecosystem (e.g. Kafka's
// broker protocol) without adopting any of their actual byte layouts.
package wire

import "time"

// StopCode identifies why an actor was stopped, carried in
// ActorStateStopped so the server can distinguish crash-loops from clean
// shutdowns.
type StopCode uint8

const (
	StopCodeOk StopCode = iota
	StopCodeError
	StopCodeEvicted
	StopCodeRunnerLost
)

func (c StopCode) String() string {
	switch c {
	case StopCodeOk:
		return "ok"
	case StopCodeError:
		return "error"
	case StopCodeEvicted:
		return "evicted"
	case StopCodeRunnerLost:
		return "runner_lost"
	default:
		return "unknown"
	}
}

// ActorConfig is the actor configuration carried in CommandStartActor.
type ActorConfig struct {
	Name     string
	Key      *string
	CreateTS int64 // ms since epoch
	Input    []byte
}

// ─── ToClient (inbound) ──────────────────────────────────────────────────

// ToClient is the tagged union of every message the server can send.
// Exactly one of the fields is non-nil.
type ToClient struct {
	Init       *ToClientInit
	Commands   *ToClientCommands
	AckEvents  *ToClientAckEvents
	KvResponse *ToClientKvResponse
}

// ToClientInit is the first frame on a fresh connection, delivering the
// runner's server-assigned identity and event replay watermark.
type ToClientInit struct {
	RunnerID          string
	LastEventIdx      int64
	HasMetadata       bool
	RunnerLostThreshold time.Duration // zero if HasMetadata is false or not set
	HasRunnerLostThreshold bool
}

// CommandWrapper pairs a command with its server-assigned index.
type CommandWrapper struct {
	Index int64
	Inner CommandInner
}

// CommandInner is the tagged union of command payloads.
type CommandInner interface {
	isCommandInner()
}

type CommandStartActor struct {
	ActorID    string
	Generation uint64
	Config     ActorConfig
}

type CommandStopActor struct {
	ActorID    string
	Generation uint64
}

func (CommandStartActor) isCommandInner() {}
func (CommandStopActor) isCommandInner()  {}

type ToClientCommands struct {
	Commands []CommandWrapper
}

// ToClientAckEvents acknowledges delivery of events up to Index.
type ToClientAckEvents struct {
	Index uint64
}

// KvResponseData is the tagged union of KV response payloads.
type KvResponseData interface {
	isKvResponseData()
}

type KvGetResponse struct {
	Keys   [][]byte
	Values [][]byte
}

type KvListResponse struct {
	Keys   [][]byte
	Values [][]byte
}

type KvErrorResponse struct {
	Message string
}

type KvAck struct{}

func (KvGetResponse) isKvResponseData()   {}
func (KvListResponse) isKvResponseData()  {}
func (KvErrorResponse) isKvResponseData() {}
func (KvAck) isKvResponseData()           {}

type ToClientKvResponse struct {
	RequestID uint32
	Data      KvResponseData
}

// ─── ToServer (outbound) ─────────────────────────────────────────────────

// ToServer is the tagged union of every message the runner can send.
type ToServer struct {
	Init        *ToServerInit
	Ping        *ToServerPing
	Events      *ToServerEvents
	AckCommands *ToServerAckCommands
	Stopping    *ToServerStopping
	KvRequest   *ToServerKvRequest
}

type PrepopulateEntry struct {
	Metadata string // JSON-encoded, opaque to the core
}

// ToServerInit is sent once, immediately after the control socket opens.
type ToServerInit struct {
	Name                  string
	Version               int32
	TotalSlots            int32
	HasLastCommandIdx     bool
	LastCommandIdx        int64
	PrepopulateActorNames map[string]PrepopulateEntry
	Metadata              string // JSON-encoded, opaque to the core
}

type ToServerPing struct {
	TS int64 // ms epoch
}

// ActorState is the tagged union carried in ActorStateUpdate.
type ActorState interface {
	isActorState()
}

type ActorStateRunning struct{}

type ActorStateStopped struct {
	Code    StopCode
	Message string
}

func (ActorStateRunning) isActorState() {}
func (ActorStateStopped) isActorState() {}

// ActorIntentKind is the tagged union carried in ActorIntent.
type ActorIntentKind interface {
	isActorIntentKind()
}

type ActorIntentSleep struct{}

func (ActorIntentSleep) isActorIntentKind() {}

// EventInner is the tagged union of outbound event payloads.
type EventInner interface {
	isEventInner()
}

type ActorStateUpdate struct {
	ActorID    string
	Generation uint64
	State      ActorState
}

type ActorIntent struct {
	ActorID    string
	Generation uint64
	Intent     ActorIntentKind
}

type ActorSetAlarm struct {
	ActorID      string
	Generation   uint64
	HasAlarmTS   bool
	AlarmTS      int64
}

func (ActorStateUpdate) isEventInner() {}
func (ActorIntent) isEventInner()      {}
func (ActorSetAlarm) isEventInner()    {}

type EventWrapper struct {
	Index uint64
	Inner EventInner
}

type ToServerEvents struct {
	Events []EventWrapper
}

type ToServerAckCommands struct {
	LastCommandIdx int64
}

type ToServerStopping struct{}

// KvListQuery is the tagged union of list-operation query shapes.
type KvListQuery interface {
	isKvListQuery()
}

type KvListAll struct{}

type KvListRange struct {
	Start     []byte
	End       []byte
	Exclusive bool
}

type KvListPrefix struct {
	Key []byte
}

func (KvListAll) isKvListQuery()   {}
func (KvListRange) isKvListQuery() {}
func (KvListPrefix) isKvListQuery() {}

// KvRequestData is the tagged union of KV request payloads.
type KvRequestData interface {
	isKvRequestData()
}

type KvGet struct {
	Keys [][]byte
}

type KvList struct {
	Query     KvListQuery
	Reverse   bool
	HasLimit  bool
	Limit     uint64
}

type KvEntry struct {
	Key   []byte
	Value []byte
}

type KvPut struct {
	Entries []KvEntry
}

type KvDelete struct {
	Keys [][]byte
}

type KvDrop struct{}

func (KvGet) isKvRequestData()    {}
func (KvList) isKvRequestData()   {}
func (KvPut) isKvRequestData()    {}
func (KvDelete) isKvRequestData() {}
func (KvDrop) isKvRequestData()   {}

type ToServerKvRequest struct {
	ActorID   string
	RequestID uint32
	Data      KvRequestData
}
