package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dFrame/lib/db"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// DBFactory is a function type that creates a new db used by the store.
// This is used to abstract the creation of the db from the store implementation.
type DBFactory func() db.KVDB

// Value is a stored payload together with its write stamp and flags.
type Value struct {
	Payload []byte
	Stamp   uint64
	Flags   db.Flags
}

// PutOptions configure a single write.
type PutOptions struct {
	// Replication is the total number of copies (including the home). 0 uses the store default.
	Replication int
	// Flags are stored with the value (e.g. db.FlagDurableCache).
	Flags db.Flags
}

// PutOption modifies PutOptions.
type PutOption func(*PutOptions)

// WithReplication sets the number of copies of the value.
func WithReplication(n int) PutOption { return func(o *PutOptions) { o.Replication = n } }

// WithFlags stores flags with the value.
func WithFlags(f db.Flags) PutOption { return func(o *PutOptions) { o.Flags |= f } }

// BuildPutOptions applies opts to the zero options.
func BuildPutOptions(opts []PutOption) PutOptions {
	var o PutOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// IStore is the key–value store interface shared by the single node and the distributed store.
// A missing key is not an error: Get returns loaded=false and a nil error.
type IStore interface {
	// Get returns the value of a key.
	Get(ctx context.Context, key Key) (value Value, loaded bool, err error)
	// Put writes a value and blocks until the key's home acknowledged the write.
	Put(ctx context.Context, key Key, payload []byte, opts ...PutOption) (err error)
	// PutAsync writes a value without waiting. The write is visible to the caller immediately;
	// the returned Future completes when the home acknowledged it.
	PutAsync(ctx context.Context, key Key, payload []byte, opts ...PutOption) *Future
	// Remove deletes a key. Removing a missing key is not an error.
	Remove(ctx context.Context, key Key) (err error)
	// CompareAndPut writes the payload only if the current value of the key has the stamp expect
	// (0 = key missing). It returns the stamp of the new value and whether it was written.
	CompareAndPut(ctx context.Context, key Key, payload []byte, expect uint64) (stamp uint64, ok bool, err error)
	// Has returns whether a key exists.
	Has(ctx context.Context, key Key) (loaded bool, err error)
	// LocalKeys returns the keys of the given kind stored on this node (authoritative and replicas).
	LocalKeys(kind Kind) []Key
	// GetDBInfo returns metadata about the database underlying the store.
	// It is not guaranteed that all fields are filled in or that the information is up-to-date!
	GetDBInfo() (info db.DatabaseInfo, err error)
}

// --------------------------------------------------------------------------
// Fresh reads
// --------------------------------------------------------------------------

type freshReadKey struct{}

// FreshRead returns a context under which Get skips locally cached copies of remote values
// and asks the home for the current value.
func FreshRead(ctx context.Context) context.Context {
	return context.WithValue(ctx, freshReadKey{}, true)
}

// IsFreshRead reports whether ctx was marked by FreshRead.
func IsFreshRead(ctx context.Context) bool {
	fresh, _ := ctx.Value(freshReadKey{}).(bool)
	return fresh
}

// --------------------------------------------------------------------------
// Write Stamps
// --------------------------------------------------------------------------

// Clock produces write stamps: unix nanoseconds, strictly increasing per clock and raised to
// any stamp observed from other nodes, so that later writes carry higher stamps even across
// nodes with slightly skewed clocks.
type Clock struct {
	last atomic.Uint64
}

// Next returns a new stamp greater than every stamp returned or observed before.
func (c *Clock) Next() uint64 {
	for {
		now := uint64(time.Now().UnixNano())
		last := c.last.Load()
		next := max(now, last+1)
		if c.last.CompareAndSwap(last, next) {
			return next
		}
	}
}

// Observe raises the clock to stamp.
func (c *Clock) Observe(stamp uint64) {
	for {
		last := c.last.Load()
		if stamp <= last || c.last.CompareAndSwap(last, stamp) {
			return
		}
	}
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a return code (of type RetCode)
// and an error message.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message.
}

// Error implements the error interface.
func (e *Error) Error() string {
	errorCode := ""
	switch e.Code {
	case RetCInternalError:
		errorCode = "InternalError"
	case RetCUnsupportedOperation:
		errorCode = "UnsupportedOperation"
	case RetCInvalidOperation:
		errorCode = "InvalidOperation"
	default:
		errorCode = "Unknown"
	}

	return fmt.Sprintf("KVStoreError (code %s): %s", errorCode, e.Msg)
}

// NewError creates a new KVStoreError with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess              RetCode = iota // 0: Command executed successfully.
	RetCInternalError                       // 1: Command failed due to an internal error.
	RetCUnsupportedOperation                // 2: Operation is not supported by underlying database.
	RetCInvalidOperation                    // 3: Invalid operation.
)
