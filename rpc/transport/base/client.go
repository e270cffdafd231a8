package base

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dFrame/rpc/common"
	"github.com/ValentinKolb/dFrame/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/jpillora/backoff"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("transport/rpc")

// ErrClosed is returned for requests on a closed transport.
var ErrClosed = errors.New("transport is closed")

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IClientConnector defines the interface for transport-specific connection operations
type IClientConnector interface {
	// Connect establishes a single connection to endpoint
	Connect(endpoint string, timeout time.Duration) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn, config common.ClientConfig) error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// responseResult contains the result of a request
type responseResult struct {
	data []byte
	err  error
}

// wireConn is one established net connection and the requests waiting for a response on it
type wireConn struct {
	conn    net.Conn
	pending *xsync.MapOf[uint64, chan responseResult]
	writeMu sync.Mutex
	broken  atomic.Bool
}

// fail closes the connection and fails all waiting requests with err
func (w *wireConn) fail(err error) {
	if !w.broken.CompareAndSwap(false, true) {
		return
	}
	_ = w.conn.Close()
	w.pending.Range(func(id uint64, ch chan responseResult) bool {
		select {
		case ch <- responseResult{err: err}:
		default:
		}
		return true
	})
}

// clientConnection is a slot of the connection pool. The net connection of a slot is
// re-established on demand after it broke.
type clientConnection struct {
	endpoint string
	parent   *clientTransport
	mu       sync.Mutex // protects current
	current  *wireConn
}

// clientTransport implements the core client transport functionality
// independent of the specific transport medium (unix, tcp, etc.)
type clientTransport struct {
	connector     IClientConnector
	config        common.ClientConfig
	connections   []*clientConnection
	connectionsMu sync.RWMutex
	nextConnIndex atomic.Uint64 // Round Robin
	nextRequestID atomic.Uint64 // unique request IDs
	stopping      atomic.Bool
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseClientTransport creates a new base client transport with the specified connector
func NewBaseClientTransport(connector IClientConnector) transport.IRPCClientTransport {
	return &clientTransport{
		connector: connector,
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *clientTransport) Connect(config common.ClientConfig) error {
	if len(config.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}

	// Close all existing connections
	t.closeConnections()
	t.config = config
	t.stopping.Store(false)

	// Set default value for ConnectionsPerEndpoint
	connectionsPerEP := max(1, config.ConnectionsPerEndpoint)

	connections := make([]*clientConnection, 0, len(config.Endpoints)*connectionsPerEP)
	connected := 0
	for _, endpoint := range config.Endpoints {
		// Create multiple connections per endpoint
		for i := 0; i < connectionsPerEP; i++ {
			c := &clientConnection{endpoint: endpoint, parent: t}
			connections = append(connections, c)

			// Establish the initial connection, failed slots are retried on use
			if _, err := c.get(); err != nil {
				Logger.Warningf("Failed to connect to %s (connection %d/%d): %v", endpoint, i+1, connectionsPerEP, err)
				continue
			}
			connected++
		}
	}

	t.connectionsMu.Lock()
	t.connections = connections
	t.connectionsMu.Unlock()

	// Check if we have at least one connection
	if connected == 0 {
		return fmt.Errorf("failed to connect to any endpoint of %v", config.Endpoints)
	}

	Logger.Debugf("Connected %d out of %d connections to %d endpoints using %s transport",
		connected, len(connections), len(config.Endpoints), t.connector.GetName())
	return nil
}

func (t *clientTransport) Send(ctx context.Context, service uint64, req []byte) ([]byte, error) {
	if t.stopping.Load() {
		return nil, ErrClosed
	}
	requestID := t.nextRequestID.Add(1)

	// We always try at least once, and up to RetryCount times
	attempts := max(1, t.config.RetryCount)
	b := &backoff.Backoff{Min: 50 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: true}

	var lastErr error
	for i := 0; i < attempts; i++ {
		c := t.getNextConnection()
		if c == nil {
			return nil, fmt.Errorf("no connections available")
		}

		data, sent, err := c.send(ctx, service, requestID, req)
		if err == nil {
			return data, nil
		}

		// a request that reached the server is not repeated
		if sent || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		metrics.GetOrCreateCounter(`dframe_rpc_client_retries_total`).Inc()
		Logger.Debugf("Request attempt %d/%d to %s failed: %v", i+1, attempts, c.endpoint, err)

		if i+1 < attempts {
			select {
			case <-time.After(b.Duration()):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	// All attempts failed
	return nil, fmt.Errorf("failed to send request after %d attempts: %w", attempts, lastErr)
}

func (t *clientTransport) Close() error {
	t.stopping.Store(true)
	t.closeConnections()
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// getNextConnection selects the next connection via Round Robin
func (t *clientTransport) getNextConnection() *clientConnection {
	t.connectionsMu.RLock()
	defer t.connectionsMu.RUnlock()

	if len(t.connections) == 0 {
		return nil
	}
	if len(t.connections) == 1 {
		return t.connections[0]
	}
	index := t.nextConnIndex.Add(1) % uint64(len(t.connections))
	return t.connections[index]
}

// closeConnections closes all active connections
func (t *clientTransport) closeConnections() {
	t.connectionsMu.Lock()
	defer t.connectionsMu.Unlock()

	for _, c := range t.connections {
		c.mu.Lock()
		if c.current != nil {
			c.current.fail(ErrClosed)
			c.current = nil
		}
		c.mu.Unlock()
	}
	t.connections = nil
}

// get returns the live connection of the slot, connecting if necessary
func (c *clientConnection) get() (*wireConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil && !c.current.broken.Load() {
		return c.current, nil
	}
	if c.parent.stopping.Load() {
		return nil, ErrClosed
	}

	conn, err := c.parent.connector.Connect(c.endpoint, c.parent.config.Timeout())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.endpoint, err)
	}

	// Upgrade the connection with protocol-specific settings
	if err := c.parent.connector.UpgradeConnection(conn, c.parent.config); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to upgrade connection to %s: %w", c.endpoint, err)
	}

	w := &wireConn{conn: conn, pending: xsync.NewMapOf[uint64, chan responseResult]()}
	c.current = w

	// Start the response reader
	go c.readResponses(w)
	return w, nil
}

// send writes one request and waits for its response. sent reports whether the request
// was written to the connection.
func (c *clientConnection) send(ctx context.Context, service, requestID uint64, req []byte) (data []byte, sent bool, err error) {
	w, err := c.get()
	if err != nil {
		return nil, false, err
	}

	// Register the request before writing it
	respCh := make(chan responseResult, 1)
	w.pending.Store(requestID, respCh)
	defer w.pending.Delete(requestID)

	w.writeMu.Lock()
	if timeout := c.parent.config.Timeout(); timeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	err = writeFrame(w.conn, service, requestID, req)
	w.writeMu.Unlock()
	if err != nil {
		w.fail(err)
		return nil, false, err
	}

	// Wait for the response, the connection may break in the meantime
	select {
	case result := <-respCh:
		return result.data, true, result.err
	case <-ctx.Done():
		return nil, true, ctx.Err()
	}
}

// readResponses reads responses in a loop and distributes them to waiting requests
func (c *clientConnection) readResponses(w *wireConn) {
	for {
		service, requestID, data, err := readFrame(w.conn, nil)
		if err != nil {
			if !w.broken.Load() && !c.parent.stopping.Load() {
				Logger.Debugf("Connection to %s broke: %v", c.endpoint, err)
			}
			w.fail(fmt.Errorf("connection to %s lost: %w", c.endpoint, err))
			return
		}

		// Find the corresponding request channel
		respCh, found := w.pending.Load(requestID)
		if !found {
			// the request was abandoned (timeout or cancel)
			Logger.Debugf("Received response for unknown request ID %d of service %d", requestID, service)
			continue
		}
		select {
		case respCh <- responseResult{data: data}:
		default:
		}
	}
}
