package codec

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/ValentinKolb/dFrame/lib/errs"
	"github.com/cespare/xxhash/v2"
)

// Record is a value that can be written with a Writer and read back with a Reader.
// Implementations must be pointer types so that UnmarshalWire can fill the receiver.
type Record interface {
	MarshalWire(w *Writer)
	UnmarshalWire(r *Reader)
}

// Factory creates an empty record of a registered type.
type Factory func() Record

// Registry maps record types to compact numeric type ids.
//
// Types are registered by name (usually from package init functions). The ids are assigned
// when the registry is frozen, in sorted name order, so every process that registered the
// same set of names derives the same ids independent of package initialisation order.
// The registry freezes itself on first use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	types     map[reflect.Type]string
	ids       map[string]uint16
	names     []string // names[id-1]
	frozen    bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		types:     make(map[reflect.Type]string),
		ids:       make(map[string]uint16),
	}
}

// Default is the process-wide registry used when no registry option is given.
var Default = NewRegistry()

// Register adds a record type to the default registry.
func Register(name string, f Factory) { Default.Register(name, f) }

// Register adds a record type. It panics on duplicate names or types, and after the registry was frozen.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic(fmt.Sprintf("codec: Register(%q) after the registry was frozen", name))
	}
	if _, ok := r.factories[name]; ok {
		panic(fmt.Sprintf("codec: type %q registered twice", name))
	}
	t := reflect.TypeOf(f())
	if other, ok := r.types[t]; ok {
		panic(fmt.Sprintf("codec: %v already registered as %q", t, other))
	}
	r.factories[name] = f
	r.types[t] = name
}

// Freeze assigns the type ids. Calling it more than once has no effect.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.freezeLocked()
}

func (r *Registry) freezeLocked() {
	if r.frozen {
		return
	}
	r.names = make([]string, 0, len(r.factories))
	for name := range r.factories {
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	for i, name := range r.names {
		r.ids[name] = uint16(i + 1)
	}
	r.frozen = true
}

func (r *Registry) ensureFrozen() {
	r.mu.RLock()
	frozen := r.frozen
	r.mu.RUnlock()
	if !frozen {
		r.Freeze()
	}
}

// ID returns the type id registered for name.
func (r *Registry) ID(name string) (uint16, bool) {
	r.ensureFrozen()
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.ids[name]
	return id, ok
}

// Name returns the name registered for a type id.
func (r *Registry) Name(id uint16) (string, bool) {
	r.ensureFrozen()
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id == 0 || int(id) > len(r.names) {
		return "", false
	}
	return r.names[id-1], true
}

// IDOf returns the type id of rec's dynamic type.
func (r *Registry) IDOf(rec Record) (uint16, error) {
	r.ensureFrozen()
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.types[reflect.TypeOf(rec)]
	if !ok {
		return 0, fmt.Errorf("codec: type %T is not registered", rec)
	}
	return r.ids[name], nil
}

// New creates an empty record for a type id.
func (r *Registry) New(id uint16) (Record, error) {
	name, ok := r.Name(id)
	if !ok {
		return nil, &errs.DecodeError{TypeID: id}
	}
	r.mu.RLock()
	f := r.factories[name]
	r.mu.RUnlock()
	return f(), nil
}

// Fingerprint hashes the sorted type names. Two registries with equal fingerprints assign
// equal ids, so nodes compare fingerprints before exchanging records.
func (r *Registry) Fingerprint() uint64 {
	r.ensureFrozen()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var buf bytes.Buffer
	for _, name := range r.names {
		buf.WriteString(name)
		buf.WriteByte(0)
	}
	return xxhash.Sum64(buf.Bytes())
}

// TypeMap returns the id to name mapping of the registry.
func (r *Registry) TypeMap() TypeMap {
	r.ensureFrozen()
	r.mu.RLock()
	defer r.mu.RUnlock()
	tm := make(TypeMap, len(r.names))
	for i, name := range r.names {
		tm[uint16(i+1)] = name
	}
	return tm
}

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

type options struct {
	registry *Registry
	typeMap  TypeMap
}

// Option configures a Writer or Reader.
type Option func(*options)

// WithRegistry uses reg instead of the default registry.
func WithRegistry(reg *Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithTypeMap makes a Reader translate the type ids of records through tm before they are
// resolved in the registry. Used to read data that was written by a process with a
// different set of registered types.
func WithTypeMap(tm TypeMap) Option {
	return func(o *options) { o.typeMap = tm }
}

func buildOptions(opts []Option) options {
	o := options{registry: Default}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
