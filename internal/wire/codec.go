package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

func timeMs(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Frame wraps an encoded payload with its 4-byte big-endian length prefix.
// Callers writing to a WebSocket binary message pass the payload alone —
// gorilla/websocket already frames messages — Frame/Unframe exist for
// transports (tests, alternate transports) that multiplex a byte stream.
func Frame(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

// Unframe reads one length-prefixed frame from r.
func Unframe(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

type writer struct {
	buf bytes.Buffer
}

func (w *writer) u8(v uint8)   { w.buf.WriteByte(v) }
func (w *writer) bl(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}
func (w *writer) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}
func (w *writer) u64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}
func (w *writer) i64(v int64) { w.u64(uint64(v)) }
func (w *writer) bytes(v []byte) {
	w.u32(uint32(len(v)))
	w.buf.Write(v)
}
func (w *writer) str(v string) { w.bytes([]byte(v)) }

type reader struct {
	buf *bytes.Reader
}

func newReader(data []byte) *reader { return &reader{buf: bytes.NewReader(data)} }

func (r *reader) u8() (uint8, error) {
	b, err := r.buf.ReadByte()
	return b, err
}
func (r *reader) bl() (bool, error) {
	b, err := r.u8()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}
func (r *reader) u32() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r.buf, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
func (r *reader) u64() (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r.buf, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
func (r *reader) i64() (int64, error) {
	v, err := r.u64()
	return int64(v), err
}
func (r *reader) bytes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r.buf, out); err != nil {
		return nil, err
	}
	return out, nil
}
func (r *reader) str() (string, error) {
	b, err := r.bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ─── outer tags ───────────────────────────────────────────────────────────

const (
	tagToClientInit = iota
	tagToClientCommands
	tagToClientAckEvents
	tagToClientKvResponse
)

const (
	tagToServerInit = iota
	tagToServerPing
	tagToServerEvents
	tagToServerAckCommands
	tagToServerStopping
	tagToServerKvRequest
)

const (
	tagCommandStartActor = iota
	tagCommandStopActor
)

const (
	tagKvRespGet = iota
	tagKvRespList
	tagKvRespError
	tagKvRespAck
)

const (
	tagActorStateRunning = iota
	tagActorStateStopped
)

const tagActorIntentSleep = 0

const (
	tagEventStateUpdate = iota
	tagEventIntent
	tagEventSetAlarm
)

const (
	tagKvListAll = iota
	tagKvListRange
	tagKvListPrefix
)

const (
	tagKvReqGet = iota
	tagKvReqList
	tagKvReqPut
	tagKvReqDelete
	tagKvReqDrop
)

// EncodeToServer serializes an outbound message to its binary payload
// (without the length prefix — the WebSocket transport frames messages).
func EncodeToServer(msg ToServer) ([]byte, error) {
	w := &writer{}
	switch {
	case msg.Init != nil:
		w.u8(tagToServerInit)
		writeToServerInit(w, msg.Init)
	case msg.Ping != nil:
		w.u8(tagToServerPing)
		w.i64(msg.Ping.TS)
	case msg.Events != nil:
		w.u8(tagToServerEvents)
		writeToServerEvents(w, msg.Events)
	case msg.AckCommands != nil:
		w.u8(tagToServerAckCommands)
		w.i64(msg.AckCommands.LastCommandIdx)
	case msg.Stopping != nil:
		w.u8(tagToServerStopping)
	case msg.KvRequest != nil:
		w.u8(tagToServerKvRequest)
		writeKvRequest(w, msg.KvRequest)
	default:
		return nil, fmt.Errorf("wire: ToServer message has no set variant")
	}
	return w.buf.Bytes(), nil
}

func writeToServerInit(w *writer, m *ToServerInit) {
	w.str(m.Name)
	w.u32(uint32(m.Version))
	w.u32(uint32(m.TotalSlots))
	w.bl(m.HasLastCommandIdx)
	w.i64(m.LastCommandIdx)
	w.u32(uint32(len(m.PrepopulateActorNames)))
	for name, entry := range m.PrepopulateActorNames {
		w.str(name)
		w.str(entry.Metadata)
	}
	w.str(m.Metadata)
}

func writeToServerEvents(w *writer, m *ToServerEvents) {
	w.u32(uint32(len(m.Events)))
	for _, ev := range m.Events {
		w.u64(ev.Index)
		writeEventInner(w, ev.Inner)
	}
}

func writeEventInner(w *writer, inner EventInner) {
	switch v := inner.(type) {
	case ActorStateUpdate:
		w.u8(tagEventStateUpdate)
		w.str(v.ActorID)
		w.u64(v.Generation)
		writeActorState(w, v.State)
	case ActorIntent:
		w.u8(tagEventIntent)
		w.str(v.ActorID)
		w.u64(v.Generation)
		writeActorIntentKind(w, v.Intent)
	case ActorSetAlarm:
		w.u8(tagEventSetAlarm)
		w.str(v.ActorID)
		w.u64(v.Generation)
		w.bl(v.HasAlarmTS)
		w.i64(v.AlarmTS)
	}
}

func writeActorState(w *writer, s ActorState) {
	switch v := s.(type) {
	case ActorStateRunning:
		w.u8(tagActorStateRunning)
	case ActorStateStopped:
		w.u8(tagActorStateStopped)
		w.u8(uint8(v.Code))
		w.str(v.Message)
	}
}

func writeActorIntentKind(w *writer, k ActorIntentKind) {
	switch k.(type) {
	case ActorIntentSleep:
		w.u8(tagActorIntentSleep)
	}
}

func writeKvRequest(w *writer, m *ToServerKvRequest) {
	w.str(m.ActorID)
	w.u32(m.RequestID)
	switch v := m.Data.(type) {
	case KvGet:
		w.u8(tagKvReqGet)
		writeByteSlices(w, v.Keys)
	case KvList:
		w.u8(tagKvReqList)
		writeKvListQuery(w, v.Query)
		w.bl(v.Reverse)
		w.bl(v.HasLimit)
		w.u64(v.Limit)
	case KvPut:
		w.u8(tagKvReqPut)
		w.u32(uint32(len(v.Entries)))
		for _, e := range v.Entries {
			w.bytes(e.Key)
			w.bytes(e.Value)
		}
	case KvDelete:
		w.u8(tagKvReqDelete)
		writeByteSlices(w, v.Keys)
	case KvDrop:
		w.u8(tagKvReqDrop)
	}
}

func writeKvListQuery(w *writer, q KvListQuery) {
	switch v := q.(type) {
	case KvListAll:
		w.u8(tagKvListAll)
	case KvListRange:
		w.u8(tagKvListRange)
		w.bytes(v.Start)
		w.bytes(v.End)
		w.bl(v.Exclusive)
	case KvListPrefix:
		w.u8(tagKvListPrefix)
		w.bytes(v.Key)
	}
}

func writeByteSlices(w *writer, vs [][]byte) {
	w.u32(uint32(len(vs)))
	for _, v := range vs {
		w.bytes(v)
	}
}

// DecodeToServer parses a binary payload produced by EncodeToServer. It is
// primarily used by tests that stand in for the server side of the socket.
func DecodeToServer(data []byte) (ToServer, error) {
	r := newReader(data)
	tag, err := r.u8()
	if err != nil {
		return ToServer{}, err
	}
	switch tag {
	case tagToServerInit:
		m, err := readToServerInit(r)
		return ToServer{Init: m}, err
	case tagToServerPing:
		ts, err := r.i64()
		return ToServer{Ping: &ToServerPing{TS: ts}}, err
	case tagToServerEvents:
		m, err := readToServerEvents(r)
		return ToServer{Events: m}, err
	case tagToServerAckCommands:
		idx, err := r.i64()
		return ToServer{AckCommands: &ToServerAckCommands{LastCommandIdx: idx}}, err
	case tagToServerStopping:
		return ToServer{Stopping: &ToServerStopping{}}, nil
	case tagToServerKvRequest:
		m, err := readKvRequest(r)
		return ToServer{KvRequest: m}, err
	default:
		return ToServer{}, fmt.Errorf("wire: unknown ToServer tag %d", tag)
	}
}

func readToServerInit(r *reader) (*ToServerInit, error) {
	m := &ToServerInit{}
	var err error
	if m.Name, err = r.str(); err != nil {
		return nil, err
	}
	v, err := r.u32()
	if err != nil {
		return nil, err
	}
	m.Version = int32(v)
	if v, err = r.u32(); err != nil {
		return nil, err
	}
	m.TotalSlots = int32(v)
	if m.HasLastCommandIdx, err = r.bl(); err != nil {
		return nil, err
	}
	if m.LastCommandIdx, err = r.i64(); err != nil {
		return nil, err
	}
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	m.PrepopulateActorNames = make(map[string]PrepopulateEntry, n)
	for i := uint32(0); i < n; i++ {
		name, err := r.str()
		if err != nil {
			return nil, err
		}
		meta, err := r.str()
		if err != nil {
			return nil, err
		}
		m.PrepopulateActorNames[name] = PrepopulateEntry{Metadata: meta}
	}
	if m.Metadata, err = r.str(); err != nil {
		return nil, err
	}
	return m, nil
}

func readToServerEvents(r *reader) (*ToServerEvents, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	events := make([]EventWrapper, 0, n)
	for i := uint32(0); i < n; i++ {
		idx, err := r.u64()
		if err != nil {
			return nil, err
		}
		inner, err := readEventInner(r)
		if err != nil {
			return nil, err
		}
		events = append(events, EventWrapper{Index: idx, Inner: inner})
	}
	return &ToServerEvents{Events: events}, nil
}

func readEventInner(r *reader) (EventInner, error) {
	tag, err := r.u8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagEventStateUpdate:
		actorID, err := r.str()
		if err != nil {
			return nil, err
		}
		gen, err := r.u64()
		if err != nil {
			return nil, err
		}
		state, err := readActorState(r)
		if err != nil {
			return nil, err
		}
		return ActorStateUpdate{ActorID: actorID, Generation: gen, State: state}, nil
	case tagEventIntent:
		actorID, err := r.str()
		if err != nil {
			return nil, err
		}
		gen, err := r.u64()
		if err != nil {
			return nil, err
		}
		intent, err := readActorIntentKind(r)
		if err != nil {
			return nil, err
		}
		return ActorIntent{ActorID: actorID, Generation: gen, Intent: intent}, nil
	case tagEventSetAlarm:
		actorID, err := r.str()
		if err != nil {
			return nil, err
		}
		gen, err := r.u64()
		if err != nil {
			return nil, err
		}
		has, err := r.bl()
		if err != nil {
			return nil, err
		}
		ts, err := r.i64()
		if err != nil {
			return nil, err
		}
		return ActorSetAlarm{ActorID: actorID, Generation: gen, HasAlarmTS: has, AlarmTS: ts}, nil
	default:
		return nil, fmt.Errorf("wire: unknown EventInner tag %d", tag)
	}
}

func readActorState(r *reader) (ActorState, error) {
	tag, err := r.u8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagActorStateRunning:
		return ActorStateRunning{}, nil
	case tagActorStateStopped:
		code, err := r.u8()
		if err != nil {
			return nil, err
		}
		msg, err := r.str()
		if err != nil {
			return nil, err
		}
		return ActorStateStopped{Code: StopCode(code), Message: msg}, nil
	default:
		return nil, fmt.Errorf("wire: unknown ActorState tag %d", tag)
	}
}

func readActorIntentKind(r *reader) (ActorIntentKind, error) {
	tag, err := r.u8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagActorIntentSleep:
		return ActorIntentSleep{}, nil
	default:
		return nil, fmt.Errorf("wire: unknown ActorIntentKind tag %d", tag)
	}
}

func readKvRequest(r *reader) (*ToServerKvRequest, error) {
	actorID, err := r.str()
	if err != nil {
		return nil, err
	}
	reqID, err := r.u32()
	if err != nil {
		return nil, err
	}
	tag, err := r.u8()
	if err != nil {
		return nil, err
	}
	var data KvRequestData
	switch tag {
	case tagKvReqGet:
		keys, err := readByteSlices(r)
		if err != nil {
			return nil, err
		}
		data = KvGet{Keys: keys}
	case tagKvReqList:
		query, err := readKvListQuery(r)
		if err != nil {
			return nil, err
		}
		reverse, err := r.bl()
		if err != nil {
			return nil, err
		}
		hasLimit, err := r.bl()
		if err != nil {
			return nil, err
		}
		limit, err := r.u64()
		if err != nil {
			return nil, err
		}
		data = KvList{Query: query, Reverse: reverse, HasLimit: hasLimit, Limit: limit}
	case tagKvReqPut:
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		entries := make([]KvEntry, 0, n)
		for i := uint32(0); i < n; i++ {
			key, err := r.bytes()
			if err != nil {
				return nil, err
			}
			val, err := r.bytes()
			if err != nil {
				return nil, err
			}
			entries = append(entries, KvEntry{Key: key, Value: val})
		}
		data = KvPut{Entries: entries}
	case tagKvReqDelete:
		keys, err := readByteSlices(r)
		if err != nil {
			return nil, err
		}
		data = KvDelete{Keys: keys}
	case tagKvReqDrop:
		data = KvDrop{}
	default:
		return nil, fmt.Errorf("wire: unknown KvRequestData tag %d", tag)
	}
	return &ToServerKvRequest{ActorID: actorID, RequestID: reqID, Data: data}, nil
}

func readKvListQuery(r *reader) (KvListQuery, error) {
	tag, err := r.u8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagKvListAll:
		return KvListAll{}, nil
	case tagKvListRange:
		start, err := r.bytes()
		if err != nil {
			return nil, err
		}
		end, err := r.bytes()
		if err != nil {
			return nil, err
		}
		excl, err := r.bl()
		if err != nil {
			return nil, err
		}
		return KvListRange{Start: start, End: end, Exclusive: excl}, nil
	case tagKvListPrefix:
		key, err := r.bytes()
		if err != nil {
			return nil, err
		}
		return KvListPrefix{Key: key}, nil
	default:
		return nil, fmt.Errorf("wire: unknown KvListQuery tag %d", tag)
	}
}

func readByteSlices(r *reader) ([][]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		v, err := r.bytes()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// EncodeToClient serializes an inbound message. Used by tests that
// stand in for the server.
func EncodeToClient(msg ToClient) ([]byte, error) {
	w := &writer{}
	switch {
	case msg.Init != nil:
		w.u8(tagToClientInit)
		w.str(msg.Init.RunnerID)
		w.i64(msg.Init.LastEventIdx)
		w.bl(msg.Init.HasMetadata)
		w.bl(msg.Init.HasRunnerLostThreshold)
		w.i64(int64(msg.Init.RunnerLostThreshold / 1_000_000))
	case msg.Commands != nil:
		w.u8(tagToClientCommands)
		w.u32(uint32(len(msg.Commands.Commands)))
		for _, c := range msg.Commands.Commands {
			w.i64(c.Index)
			writeCommandInner(w, c.Inner)
		}
	case msg.AckEvents != nil:
		w.u8(tagToClientAckEvents)
		w.u64(msg.AckEvents.Index)
	case msg.KvResponse != nil:
		w.u8(tagToClientKvResponse)
		w.u32(msg.KvResponse.RequestID)
		writeKvResponseData(w, msg.KvResponse.Data)
	default:
		return nil, fmt.Errorf("wire: ToClient message has no set variant")
	}
	return w.buf.Bytes(), nil
}

func writeCommandInner(w *writer, inner CommandInner) {
	switch v := inner.(type) {
	case CommandStartActor:
		w.u8(tagCommandStartActor)
		w.str(v.ActorID)
		w.u64(v.Generation)
		w.str(v.Config.Name)
		hasKey := v.Config.Key != nil
		w.bl(hasKey)
		if hasKey {
			w.str(*v.Config.Key)
		} else {
			w.str("")
		}
		w.i64(v.Config.CreateTS)
		w.bytes(v.Config.Input)
	case CommandStopActor:
		w.u8(tagCommandStopActor)
		w.str(v.ActorID)
		w.u64(v.Generation)
	}
}

func writeKvResponseData(w *writer, data KvResponseData) {
	switch v := data.(type) {
	case KvGetResponse:
		w.u8(tagKvRespGet)
		writeByteSlices(w, v.Keys)
		writeByteSlices(w, v.Values)
	case KvListResponse:
		w.u8(tagKvRespList)
		writeByteSlices(w, v.Keys)
		writeByteSlices(w, v.Values)
	case KvErrorResponse:
		w.u8(tagKvRespError)
		w.str(v.Message)
	case KvAck:
		w.u8(tagKvRespAck)
	}
}

// DecodeToClient parses a binary payload produced by EncodeToClient.
func DecodeToClient(data []byte) (ToClient, error) {
	r := newReader(data)
	tag, err := r.u8()
	if err != nil {
		return ToClient{}, err
	}
	switch tag {
	case tagToClientInit:
		runnerID, err := r.str()
		if err != nil {
			return ToClient{}, err
		}
		lastEventIdx, err := r.i64()
		if err != nil {
			return ToClient{}, err
		}
		hasMeta, err := r.bl()
		if err != nil {
			return ToClient{}, err
		}
		hasThreshold, err := r.bl()
		if err != nil {
			return ToClient{}, err
		}
		thresholdMs, err := r.i64()
		if err != nil {
			return ToClient{}, err
		}
		return ToClient{Init: &ToClientInit{
			RunnerID:               runnerID,
			LastEventIdx:           lastEventIdx,
			HasMetadata:            hasMeta,
			HasRunnerLostThreshold: hasThreshold,
			RunnerLostThreshold:    timeMs(thresholdMs),
		}}, nil
	case tagToClientCommands:
		n, err := r.u32()
		if err != nil {
			return ToClient{}, err
		}
		cmds := make([]CommandWrapper, 0, n)
		for i := uint32(0); i < n; i++ {
			idx, err := r.i64()
			if err != nil {
				return ToClient{}, err
			}
			inner, err := readCommandInner(r)
			if err != nil {
				return ToClient{}, err
			}
			cmds = append(cmds, CommandWrapper{Index: idx, Inner: inner})
		}
		return ToClient{Commands: &ToClientCommands{Commands: cmds}}, nil
	case tagToClientAckEvents:
		idx, err := r.u64()
		return ToClient{AckEvents: &ToClientAckEvents{Index: idx}}, err
	case tagToClientKvResponse:
		reqID, err := r.u32()
		if err != nil {
			return ToClient{}, err
		}
		data, err := readKvResponseData(r)
		if err != nil {
			return ToClient{}, err
		}
		return ToClient{KvResponse: &ToClientKvResponse{RequestID: reqID, Data: data}}, nil
	default:
		return ToClient{}, fmt.Errorf("wire: unknown ToClient tag %d", tag)
	}
}

func readCommandInner(r *reader) (CommandInner, error) {
	tag, err := r.u8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagCommandStartActor:
		actorID, err := r.str()
		if err != nil {
			return nil, err
		}
		gen, err := r.u64()
		if err != nil {
			return nil, err
		}
		name, err := r.str()
		if err != nil {
			return nil, err
		}
		hasKey, err := r.bl()
		if err != nil {
			return nil, err
		}
		keyStr, err := r.str()
		if err != nil {
			return nil, err
		}
		createTS, err := r.i64()
		if err != nil {
			return nil, err
		}
		input, err := r.bytes()
		if err != nil {
			return nil, err
		}
		var key *string
		if hasKey {
			key = &keyStr
		}
		return CommandStartActor{
			ActorID:    actorID,
			Generation: gen,
			Config: ActorConfig{
				Name:     name,
				Key:      key,
				CreateTS: createTS,
				Input:    input,
			},
		}, nil
	case tagCommandStopActor:
		actorID, err := r.str()
		if err != nil {
			return nil, err
		}
		gen, err := r.u64()
		if err != nil {
			return nil, err
		}
		return CommandStopActor{ActorID: actorID, Generation: gen}, nil
	default:
		return nil, fmt.Errorf("wire: unknown CommandInner tag %d", tag)
	}
}

func readKvResponseData(r *reader) (KvResponseData, error) {
	tag, err := r.u8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagKvRespGet:
		keys, err := readByteSlices(r)
		if err != nil {
			return nil, err
		}
		values, err := readByteSlices(r)
		if err != nil {
			return nil, err
		}
		return KvGetResponse{Keys: keys, Values: values}, nil
	case tagKvRespList:
		keys, err := readByteSlices(r)
		if err != nil {
			return nil, err
		}
		values, err := readByteSlices(r)
		if err != nil {
			return nil, err
		}
		return KvListResponse{Keys: keys, Values: values}, nil
	case tagKvRespError:
		msg, err := r.str()
		if err != nil {
			return nil, err
		}
		return KvErrorResponse{Message: msg}, nil
	case tagKvRespAck:
		return KvAck{}, nil
	default:
		return nil, fmt.Errorf("wire: unknown KvResponseData tag %d", tag)
	}
}
