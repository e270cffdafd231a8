package mem

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dFrame/rpc/common"
	"github.com/ValentinKolb/dFrame/rpc/transport"
)

// Scheme is the prefix of in-process endpoints, e.g. mem://n0
const Scheme = "mem://"

var (
	serversMu sync.RWMutex
	servers   = map[string]*serverTransport{}
)

func lookup(endpoint string) (*serverTransport, bool) {
	serversMu.RLock()
	defer serversMu.RUnlock()
	s, ok := servers[endpoint]
	return s, ok
}

// --------------------------------------------------------------------------
// Server
// --------------------------------------------------------------------------

type serverTransport struct {
	handler  transport.ServerHandleFunc
	endpoint string
	done     chan struct{}
	once     sync.Once
}

// NewMemServerTransport creates a new in-process server transport
func NewMemServerTransport() transport.IRPCServerTransport {
	return &serverTransport{done: make(chan struct{})}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCServerTransport)
// --------------------------------------------------------------------------

func (s *serverTransport) RegisterHandler(handler transport.ServerHandleFunc) {
	s.handler = handler
}

func (s *serverTransport) Listen(config common.ServerConfig) error {
	if s.handler == nil {
		return fmt.Errorf("no handler registered")
	}
	if !strings.HasPrefix(config.Endpoint, Scheme) {
		return fmt.Errorf("mem endpoint must start with %s, got %q", Scheme, config.Endpoint)
	}
	serversMu.Lock()
	if _, taken := servers[config.Endpoint]; taken {
		serversMu.Unlock()
		return fmt.Errorf("endpoint %s is already in use", config.Endpoint)
	}
	select {
	case <-s.done:
		serversMu.Unlock()
		return nil
	default:
	}
	s.endpoint = config.Endpoint
	servers[config.Endpoint] = s
	serversMu.Unlock()

	<-s.done
	return nil
}

func (s *serverTransport) Close() error {
	s.once.Do(func() {
		serversMu.Lock()
		if servers[s.endpoint] == s {
			delete(servers, s.endpoint)
		}
		serversMu.Unlock()
		close(s.done)
	})
	return nil
}

// --------------------------------------------------------------------------
// Client
// --------------------------------------------------------------------------

type clientTransport struct {
	endpoints []string
	next      atomic.Uint64
	closed    atomic.Bool
}

// NewMemClientTransport creates a new in-process client transport
func NewMemClientTransport() transport.IRPCClientTransport {
	return &clientTransport{}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (c *clientTransport) Connect(config common.ClientConfig) error {
	if len(config.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}
	c.endpoints = config.Endpoints
	c.closed.Store(false)
	for _, ep := range config.Endpoints {
		if _, ok := lookup(ep); ok {
			return nil
		}
	}
	return fmt.Errorf("failed to connect to any endpoint of %v", config.Endpoints)
}

func (c *clientTransport) Send(ctx context.Context, service uint64, req []byte) ([]byte, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("transport is closed")
	}
	endpoint := c.endpoints[c.next.Add(1)%uint64(len(c.endpoints))]
	s, ok := lookup(endpoint)
	if !ok {
		return nil, fmt.Errorf("endpoint %s is not reachable", endpoint)
	}

	in := append([]byte(nil), req...)
	result := make(chan []byte, 1)
	go func() {
		resp := s.handler(service, in)
		result <- append([]byte(nil), resp...)
	}()

	select {
	case resp := <-result:
		return resp, nil
	case <-s.done:
		return nil, fmt.Errorf("connection to %s lost: server closed", endpoint)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *clientTransport) Close() error {
	c.closed.Store(true)
	return nil
}
