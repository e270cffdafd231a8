package common

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ValentinKolb/dFrame/lib/codec"
	"github.com/ValentinKolb/dFrame/lib/errs"
)

// --------------------------------------------------------------------------
// Services
// --------------------------------------------------------------------------

// Service ids are carried in the frame header and select the server adapter.
const (
	ServiceCluster uint64 = iota + 1
	ServiceDKV
	ServiceTask
	ServiceLock
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single message used for both requests and responses.
// Which fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// General fields
	Key         string `json:"key,omitempty"`         // key, frame or task id the message refers to
	Value       []byte `json:"value,omitempty"`       // Used for: Put, CompareAndPut (request), Get, Status (response)
	Stamp       uint64 `json:"stamp,omitempty"`       // write stamp of a value
	Expect      uint64 `json:"expect,omitempty"`      // expected stamp of CompareAndPut
	Replication int32  `json:"replication,omitempty"` // number of copies of a Put
	From        string `json:"from,omitempty"`        // sending node, or the job of a lock request
	Mode        uint8  `json:"mode,omitempty"`        // lock mode
	Flags       uint8  `json:"flags,omitempty"`       // flags of a fetched value
	WaitMs      uint64 `json:"wait_ms,omitempty"`     // max time a blocking request may wait

	// Body is a record encoded with codec.Encode (heartbeats, proposals, commands, dispatches)
	Body []byte `json:"body,omitempty"`

	Ok  bool   `json:"ok,omitempty"`  // Used for: Get, Has, CompareAndPut (response), fresh Get (request)
	Err *Error `json:"err,omitempty"` // nil if no error
}

// SetBody encodes rec into the body of the message. A nil record leaves the body empty.
func (m *Message) SetBody(rec codec.Record) error {
	if rec == nil {
		m.Body = nil
		return nil
	}
	data, err := codec.Encode(rec)
	if err != nil {
		return err
	}
	m.Body = data
	return nil
}

// Record decodes the body of the message (nil for an empty body).
func (m *Message) Record() (codec.Record, error) {
	if len(m.Body) == 0 {
		return nil, nil
	}
	return codec.Decode(m.Body)
}

// Error returns the error carried by a response.
func (m *Message) Error() error {
	if m.Err == nil {
		if m.MsgType == MsgTError {
			return &errs.InvalidOperationError{Msg: "error response without details"}
		}
		return nil
	}
	return m.Err.Err()
}

// Bit flags to indicate which optional fields are present
const (
	hasKey    byte = 1 << 0
	hasValue  byte = 1 << 1
	hasStamps byte = 1 << 2
	hasFrom   byte = 1 << 3
	hasMeta   byte = 1 << 4
	hasBody   byte = 1 << 5
	hasOk     byte = 1 << 6
	hasErr    byte = 1 << 7
)

func (m *Message) MarshalWire(w *codec.Writer) {
	var flags byte
	if m.Key != "" {
		flags |= hasKey
	}
	if m.Value != nil {
		flags |= hasValue
	}
	if m.Stamp != 0 || m.Expect != 0 || m.Replication != 0 {
		flags |= hasStamps
	}
	if m.From != "" {
		flags |= hasFrom
	}
	if m.Mode != 0 || m.Flags != 0 || m.WaitMs != 0 {
		flags |= hasMeta
	}
	if m.Body != nil {
		flags |= hasBody
	}
	if m.Ok {
		flags |= hasOk
	}
	if m.Err != nil {
		flags |= hasErr
	}

	w.PutU8(uint8(m.MsgType))
	w.PutU8(flags)
	if flags&hasKey != 0 {
		w.PutString(m.Key)
	}
	if flags&hasValue != 0 {
		w.PutBytes(m.Value)
	}
	if flags&hasStamps != 0 {
		w.PutU64(m.Stamp)
		w.PutU64(m.Expect)
		w.PutI32(m.Replication)
	}
	if flags&hasFrom != 0 {
		w.PutString(m.From)
	}
	if flags&hasMeta != 0 {
		w.PutU8(m.Mode)
		w.PutU8(m.Flags)
		w.PutU64(m.WaitMs)
	}
	if flags&hasBody != 0 {
		w.PutBytes(m.Body)
	}
	if flags&hasErr != 0 {
		m.Err.MarshalWire(w)
	}
}

func (m *Message) UnmarshalWire(r *codec.Reader) {
	*m = Message{MsgType: MessageType(r.U8())}
	flags := r.U8()
	if flags&hasKey != 0 {
		m.Key = r.Str()
	}
	if flags&hasValue != 0 {
		m.Value = r.Bytes()
		if m.Value == nil && r.Err() == nil {
			m.Value = []byte{}
		}
	}
	if flags&hasStamps != 0 {
		m.Stamp = r.U64()
		m.Expect = r.U64()
		m.Replication = r.I32()
	}
	if flags&hasFrom != 0 {
		m.From = r.Str()
	}
	if flags&hasMeta != 0 {
		m.Mode = r.U8()
		m.Flags = r.U8()
		m.WaitMs = r.U64()
	}
	if flags&hasBody != 0 {
		m.Body = r.Bytes()
	}
	m.Ok = flags&hasOk != 0
	if flags&hasErr != 0 {
		m.Err = &Error{}
		m.Err.UnmarshalWire(r)
	}
}

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

// Error is an error as it crosses the wire. It keeps the structured fields of the typed
// errors of the errs package so the receiver can rebuild them.
type Error struct {
	Code      errs.Code `json:"code"`
	Msg       string    `json:"msg"`
	Node      string    `json:"node,omitempty"`
	Chunk     int32     `json:"chunk,omitempty"`
	Lo        int32     `json:"lo,omitempty"`
	Hi        int32     `json:"hi,omitempty"`
	Frame     string    `json:"frame,omitempty"`
	Holder    string    `json:"holder,omitempty"`
	Requester string    `json:"requester,omitempty"`
}

// NewError converts err to its wire form (nil for a nil error).
func NewError(err error) *Error {
	if err == nil {
		return nil
	}
	e := &Error{Code: errs.CodeOf(err), Msg: err.Error()}

	var taskErr *errs.TaskError
	var partErr *errs.PartitionUnavailableError
	var lockErr *errs.LockConflictError
	var nodeErr *errs.NodeUnavailableError
	switch {
	case e.Code == errs.CodeTask && errors.As(err, &taskErr) && taskErr.Chunk >= 0:
		e.Chunk, e.Node = int32(taskErr.Chunk), taskErr.Node
		if taskErr.Cause != nil {
			e.Msg = taskErr.Cause.Error()
		}
	case e.Code == errs.CodePartitionUnavailable && errors.As(err, &partErr) && partErr.Lo >= 0:
		e.Lo, e.Hi, e.Node = int32(partErr.Lo), int32(partErr.Hi), partErr.Node
	case e.Code == errs.CodeLockConflict && errors.As(err, &lockErr) && lockErr.Frame != "":
		e.Frame, e.Holder, e.Requester, e.Msg = lockErr.Frame, lockErr.Holder, lockErr.Requester, lockErr.Msg
	case e.Code == errs.CodeNodeUnavailable && errors.As(err, &nodeErr) && nodeErr.Node != "":
		e.Node = nodeErr.Node
		if nodeErr.Cause != nil {
			e.Msg = nodeErr.Cause.Error()
		}
	}
	return e
}

// Err rebuilds the typed error.
func (e *Error) Err() error {
	switch {
	case e.Code == errs.CodeTask && e.Node != "":
		return &errs.TaskError{Chunk: int(e.Chunk), Node: e.Node, Cause: errors.New(e.Msg)}
	case e.Code == errs.CodePartitionUnavailable && e.Node != "":
		return &errs.PartitionUnavailableError{Lo: int(e.Lo), Hi: int(e.Hi), Node: e.Node}
	case e.Code == errs.CodeLockConflict && e.Frame != "":
		return &errs.LockConflictError{Frame: e.Frame, Holder: e.Holder, Requester: e.Requester, Msg: e.Msg}
	case e.Code == errs.CodeNodeUnavailable && e.Node != "":
		return &errs.NodeUnavailableError{Node: e.Node, Cause: errors.New(e.Msg)}
	}
	return errs.FromWire(e.Code, e.Msg)
}

func (e *Error) MarshalWire(w *codec.Writer) {
	w.PutU16(uint16(e.Code))
	w.PutString(e.Msg)
	w.PutString(e.Node)
	w.PutI32(e.Chunk)
	w.PutI32(e.Lo)
	w.PutI32(e.Hi)
	w.PutString(e.Frame)
	w.PutString(e.Holder)
	w.PutString(e.Requester)
}

func (e *Error) UnmarshalWire(r *codec.Reader) {
	e.Code = errs.Code(r.U16())
	e.Msg = r.Str()
	e.Node = r.Str()
	e.Chunk = r.I32()
	e.Lo = r.I32()
	e.Hi = r.I32()
	e.Frame = r.Str()
	e.Holder = r.Str()
	e.Requester = r.Str()
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewRequest creates a request carrying rec in its body.
func NewRequest(t MessageType, from string, rec codec.Record) (*Message, error) {
	msg := &Message{MsgType: t, From: from}
	if err := msg.SetBody(rec); err != nil {
		return nil, err
	}
	return msg, nil
}

// NewResponse creates the response to a request of type t carrying rec or err.
func NewResponse(t MessageType, rec codec.Record, err error) *Message {
	msg := &Message{MsgType: t.ResponseType()}
	if err != nil {
		return NewErrorResponse(err)
	}
	if err := msg.SetBody(rec); err != nil {
		return NewErrorResponse(err)
	}
	return msg
}

// NewErrorResponse creates an error response
func NewErrorResponse(err error) *Message {
	return &Message{
		MsgType: MsgTError,
		Err:     NewError(err),
	}
}

// NewGetRequest creates a new Get request
func NewGetRequest(key string, fresh bool) *Message {
	return &Message{
		MsgType: MsgTKVGet,
		Key:     key,
		Ok:      fresh,
	}
}

// NewPutRequest creates a new Put request
func NewPutRequest(key string, value []byte, replication int) *Message {
	return &Message{
		MsgType:     MsgTKVPut,
		Key:         key,
		Value:       value,
		Replication: int32(replication),
	}
}

// NewRemoveRequest creates a new Remove request
func NewRemoveRequest(key string) *Message {
	return &Message{
		MsgType: MsgTKVRemove,
		Key:     key,
	}
}

// NewCompareAndPutRequest creates a new CompareAndPut request
func NewCompareAndPutRequest(key string, value []byte, expect uint64) *Message {
	return &Message{
		MsgType: MsgTKVCompareAndPut,
		Key:     key,
		Value:   value,
		Expect:  expect,
	}
}

// NewHasRequest creates a new Has request
func NewHasRequest(key string) *Message {
	return &Message{
		MsgType: MsgTKVHas,
		Key:     key,
	}
}

// NewLockRequest creates a lock request of type t (acquire, try acquire, release or status).
func NewLockRequest(t MessageType, frame, job string, mode uint8, wait uint64) *Message {
	return &Message{
		MsgType: t,
		Key:     frame,
		From:    job,
		Mode:    mode,
		WaitMs:  wait,
	}
}

// --------------------------------------------------------------------------
// Message Type
// --------------------------------------------------------------------------

// MessageType defines the operation of a message
type MessageType uint8

// ResponseType returns the type of the response to a request of type t.
func (t MessageType) ResponseType() MessageType {
	if t == MsgTPropose {
		return MsgTAck
	}
	return t
}

// Service returns the service a message type belongs to.
func (t MessageType) Service() uint64 {
	switch {
	case t >= MsgTHeartbeat && t <= MsgTCommit:
		return ServiceCluster
	case t >= MsgTDKVFetch && t <= MsgTFrameRestore:
		return ServiceDKV
	case t == MsgTTaskDispatch || t == MsgTTaskCancel:
		return ServiceTask
	case t >= MsgTLockAcquire && t <= MsgTLockStatus:
		return ServiceLock
	default:
		return 0
	}
}

var messageTypeNames = map[MessageType]string{
	MsgTUnknown:         "unknown",
	MsgTSuccess:         "success",
	MsgTError:           "error",
	MsgTHeartbeat:       "heartbeat",
	MsgTPropose:         "propose",
	MsgTAck:             "ack",
	MsgTCommit:          "commit",
	MsgTDKVFetch:        "fetch",
	MsgTDKVApply:        "apply",
	MsgTKVGet:           "get",
	MsgTKVPut:           "put",
	MsgTKVRemove:        "remove",
	MsgTKVCompareAndPut: "compareAndPut",
	MsgTKVHas:           "has",
	MsgTFrameSave:       "frameSave",
	MsgTFrameRestore:    "frameRestore",
	MsgTTaskDispatch:    "dispatch",
	MsgTTaskCancel:      "cancel",
	MsgTLockAcquire:     "acquire",
	MsgTLockTryAcquire:  "tryAcquire",
	MsgTLockRelease:     "release",
	MsgTLockStatus:      "status",
}

// String returns the string representation of the message type
func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
// This allows MessageType to be deserialized from a string in JSON.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for mt, name := range messageTypeNames {
		if name == s {
			*t = mt
			return nil
		}
	}
	return fmt.Errorf("unknown message type: %s", s)
}

// --------------------------------------------------------------------------
// Message Type Constants
// --------------------------------------------------------------------------

const (
	// General message types

	MsgTUnknown MessageType = iota
	MsgTSuccess             // Indicates a successful operation
	MsgTError               // Indicates an error occurred

	// Membership (ServiceCluster)

	MsgTHeartbeat // Exchange heartbeats
	MsgTPropose   // Propose a view
	MsgTAck       // Answer to a proposal
	MsgTCommit    // Commit a proposed view

	// DKV (ServiceDKV)

	MsgTDKVFetch        // Read a key from its home (node to node)
	MsgTDKVApply        // Apply a write command (node to node)
	MsgTKVGet           // Get a value by key (client)
	MsgTKVPut           // Put a value (client)
	MsgTKVRemove        // Remove a key (client)
	MsgTKVCompareAndPut // Conditional put (client)
	MsgTKVHas           // Check if a key exists (client)
	MsgTFrameSave       // Save a frame to a snapshot target (client)
	MsgTFrameRestore    // Restore a frame from a snapshot (client)

	// Tasks (ServiceTask)

	MsgTTaskDispatch // Run a chunk range of a task
	MsgTTaskCancel   // Cancel a task

	// Locks (ServiceLock)

	MsgTLockAcquire    // Acquire a frame lock, waiting until it is granted
	MsgTLockTryAcquire // Acquire a frame lock without waiting
	MsgTLockRelease    // Release a frame lock
	MsgTLockStatus     // Read the lock state of a frame
)

// --------------------------------------------------------------------------
// Key List (result of a frame restore)
// --------------------------------------------------------------------------

// KeyList is a list of keys in their string form.
type KeyList struct {
	Keys []string
}

func (l *KeyList) MarshalWire(w *codec.Writer)   { w.PutStrings(l.Keys) }
func (l *KeyList) UnmarshalWire(r *codec.Reader) { l.Keys = r.Strings() }
