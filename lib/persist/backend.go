package persist

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/lni/dragonboat/v4/logger"
	"go.uber.org/multierr"
)

var log = logger.GetLogger("persist")

// Backend stores named byte objects on some durable medium. Paths are the part of a URI after
// "scheme://" and use "/" as separator.
type Backend interface {
	// Read returns n bytes of the object at path starting at off (n < 0 reads to the end).
	Read(ctx context.Context, path string, off, n int64) ([]byte, error)
	// Write creates or replaces the object at path. The object is complete after Close.
	Write(ctx context.Context, path string) (io.WriteCloser, error)
	Exists(ctx context.Context, path string) (bool, error)
	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, path string) error
	// List returns the paths of all objects starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// ParseURI splits "scheme://path" into its parts.
func ParseURI(uri string) (scheme, path string, err error) {
	scheme, path, ok := strings.Cut(uri, "://")
	if !ok || scheme == "" {
		return "", "", fmt.Errorf("invalid persist uri %q: want scheme://path", uri)
	}
	return scheme, path, nil
}

// Manager selects the Backend of a URI by its scheme.
type Manager struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewManager creates a manager with the "file" and "mem" backends. More backends (e.g. "bolt",
// see OpenBoltBackend) are added with Register.
func NewManager() *Manager {
	m := &Manager{backends: map[string]Backend{}}
	m.Register("file", NewFileBackend())
	m.Register("mem", NewMemBackend())
	return m
}

// Register adds or replaces the backend of scheme.
func (m *Manager) Register(scheme string, b Backend) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.backends[scheme]; ok && old != b {
		if err := old.Close(); err != nil {
			log.Warningf("closing replaced %s backend: %v", scheme, err)
		}
	}
	m.backends[scheme] = b
}

// Resolve returns the backend and the path of uri.
func (m *Manager) Resolve(uri string) (Backend, string, error) {
	scheme, path, err := ParseURI(uri)
	if err != nil {
		return nil, "", err
	}
	m.mu.RLock()
	b, ok := m.backends[scheme]
	m.mu.RUnlock()
	if !ok {
		return nil, "", fmt.Errorf("no persist backend for scheme %q", scheme)
	}
	return b, path, nil
}

// Close closes every backend.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result error
	for _, b := range m.backends {
		result = multierr.Append(result, b.Close())
	}
	m.backends = map[string]Backend{}
	return result
}
