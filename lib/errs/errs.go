package errs

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Error Codes
// --------------------------------------------------------------------------

// Code identifies the kind of error when it is transported between nodes.
type Code uint16

const (
	// CodeNone is used for successful responses
	CodeNone Code = iota
	// CodeInternal is used for errors without a more specific kind
	CodeInternal
	// CodeDecode signals a payload that could not be decoded
	CodeDecode
	// CodeTruncated signals a payload that ended before a value was complete
	CodeTruncated
	// CodeNodeUnavailable signals that a remote node could not be reached
	CodeNodeUnavailable
	// CodePartitionUnavailable signals a chunk range without a reachable holder
	CodePartitionUnavailable
	// CodeLockConflict signals a violated lock discipline
	CodeLockConflict
	// CodeNotConverged signals an operation attempted during a membership change
	CodeNotConverged
	// CodeTask signals a failed map or reduce step
	CodeTask
	// CodeCanceled signals a cancelled task
	CodeCanceled
	// CodeInvalidOperation signals a request the receiver does not understand
	CodeInvalidOperation
)

func (c Code) String() string {
	switch c {
	case CodeNone:
		return "None"
	case CodeInternal:
		return "Internal"
	case CodeDecode:
		return "Decode"
	case CodeTruncated:
		return "Truncated"
	case CodeNodeUnavailable:
		return "NodeUnavailable"
	case CodePartitionUnavailable:
		return "PartitionUnavailable"
	case CodeLockConflict:
		return "LockConflict"
	case CodeNotConverged:
		return "NotConverged"
	case CodeTask:
		return "Task"
	case CodeCanceled:
		return "Canceled"
	case CodeInvalidOperation:
		return "InvalidOperation"
	default:
		return fmt.Sprintf("Code(%d)", uint16(c))
	}
}

// Coded is implemented by every error of this package.
type Coded interface {
	error
	Code() Code
}

// --------------------------------------------------------------------------
// Error Types
// --------------------------------------------------------------------------

// DecodeError is returned when a payload references an unknown type or is malformed.
type DecodeError struct {
	TypeID uint16
	Msg    string
}

func (e *DecodeError) Error() string {
	if e.TypeID == 0 && e.Msg != "" {
		return e.Msg
	}
	if e.Msg == "" {
		return fmt.Sprintf("decode error: unknown type id %d", e.TypeID)
	}
	return fmt.Sprintf("decode error (type id %d): %s", e.TypeID, e.Msg)
}

func (e *DecodeError) Code() Code { return CodeDecode }

// TruncatedInputError is returned when the input ends in the middle of a value.
type TruncatedInputError struct {
	What string // the value that was being read
	Need int    // bytes required (0 if unknown)
	Msg  string // set when rebuilt from a remote response
}

func (e *TruncatedInputError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Need > 0 {
		return fmt.Sprintf("truncated input: need %d bytes for %s", e.Need, e.What)
	}
	return fmt.Sprintf("truncated input while reading %s", e.What)
}

func (e *TruncatedInputError) Code() Code { return CodeTruncated }

// NodeUnavailableError is returned when a remote node (usually a key's home) cannot be reached.
type NodeUnavailableError struct {
	Node  string
	Cause error
}

func (e *NodeUnavailableError) Error() string {
	if e.Node == "" && e.Cause != nil {
		return e.Cause.Error()
	}
	if e.Cause == nil {
		return fmt.Sprintf("node %s unavailable", e.Node)
	}
	return fmt.Sprintf("node %s unavailable: %v", e.Node, e.Cause)
}

func (e *NodeUnavailableError) Code() Code    { return CodeNodeUnavailable }
func (e *NodeUnavailableError) Unwrap() error { return e.Cause }

// PartitionUnavailableError is returned when neither the home nor any replica of a chunk range responds.
type PartitionUnavailableError struct {
	Lo, Hi int // chunk range [Lo, Hi)
	Node   string
	Msg    string // set when rebuilt from a remote response
}

func (e *PartitionUnavailableError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return fmt.Sprintf("chunks [%d,%d) unavailable: home %s and all replicas unreachable", e.Lo, e.Hi, e.Node)
}

func (e *PartitionUnavailableError) Code() Code { return CodePartitionUnavailable }

// LockConflictError is returned when the lock discipline is violated.
type LockConflictError struct {
	Frame     string
	Holder    string
	Requester string
	Msg       string
}

func (e *LockConflictError) Error() string {
	if e.Frame == "" {
		return e.Msg
	}
	return fmt.Sprintf("lock conflict on %s: requested by %s, held by %s: %s", e.Frame, e.Requester, e.Holder, e.Msg)
}

func (e *LockConflictError) Code() Code { return CodeLockConflict }

// MembershipNotConvergedError is returned when an operation needs a stable view that does not exist yet.
type MembershipNotConvergedError struct {
	Version uint64
	Reason  string
	raw     string
}

func (e *MembershipNotConvergedError) Error() string {
	if e.raw != "" {
		return e.raw
	}
	return fmt.Sprintf("membership not converged (view %d): %s", e.Version, e.Reason)
}

func (e *MembershipNotConvergedError) Code() Code { return CodeNotConverged }

// TaskError is returned when a map or reduce step fails. The whole task is aborted.
type TaskError struct {
	Chunk int
	Node  string
	Cause error
}

func (e *TaskError) Error() string {
	if e.Chunk < 0 && e.Cause != nil {
		return e.Cause.Error()
	}
	return fmt.Sprintf("task failed at chunk %d on node %s: %v", e.Chunk, e.Node, e.Cause)
}

func (e *TaskError) Code() Code    { return CodeTask }
func (e *TaskError) Unwrap() error { return e.Cause }

// CanceledError is returned by tasks that were cancelled before completion.
type CanceledError struct {
	Task string
	raw  string
}

func (e *CanceledError) Error() string {
	if e.raw != "" {
		return e.raw
	}
	return fmt.Sprintf("task %s canceled", e.Task)
}

func (e *CanceledError) Code() Code { return CodeCanceled }

// InvalidOperationError is returned for requests the receiver cannot process.
type InvalidOperationError struct {
	Msg string
}

func (e *InvalidOperationError) Error() string { return e.Msg }
func (e *InvalidOperationError) Code() Code    { return CodeInvalidOperation }

// --------------------------------------------------------------------------
// Wire Helpers
// --------------------------------------------------------------------------

// CodeOf returns the code of the first coded error in err's chain (CodeInternal otherwise).
func CodeOf(err error) Code {
	if err == nil {
		return CodeNone
	}
	var c Coded
	if errors.As(err, &c) {
		return c.Code()
	}
	return CodeInternal
}

// remoteError keeps the original message of an error that was raised on another node.
type remoteError struct {
	msg string
}

func (e *remoteError) Error() string { return e.msg }

// FromWire rebuilds an error from the code and message carried by a response.
// The returned error matches the typed error of the code with errors.As; the structured
// fields that cannot be recovered from the message are left at their zero value.
func FromWire(code Code, msg string) error {
	cause := &remoteError{msg: msg}
	switch code {
	case CodeNone:
		return nil
	case CodeDecode:
		return &DecodeError{Msg: msg}
	case CodeTruncated:
		return &TruncatedInputError{Msg: msg}
	case CodeNodeUnavailable:
		return &NodeUnavailableError{Cause: cause}
	case CodePartitionUnavailable:
		return &PartitionUnavailableError{Lo: -1, Hi: -1, Msg: msg}
	case CodeLockConflict:
		return &LockConflictError{Msg: msg}
	case CodeNotConverged:
		return &MembershipNotConvergedError{Reason: msg, raw: msg}
	case CodeTask:
		return &TaskError{Chunk: -1, Cause: cause}
	case CodeCanceled:
		return &CanceledError{raw: msg}
	case CodeInvalidOperation:
		return &InvalidOperationError{Msg: msg}
	default:
		return cause
	}
}
