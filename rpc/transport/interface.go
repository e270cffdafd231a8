package transport

import (
	"context"

	"github.com/ValentinKolb/dFrame/rpc/common"
)

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// ServerHandleFunc is a function type that handles incoming requests
// This function is called by a server transport layer when a request is received
// It takes a service id and a request as parameters and returns a response.
// The request buffer must not be retained after the function returned.
type ServerHandleFunc func(service uint64, req []byte) (resp []byte)

// IRPCServerTransport is the interface for the RPC transport layer
// It must accept a ServerConfig as a parameter
type IRPCServerTransport interface {
	// RegisterHandler registers a handler for the transport layer
	// This handler should be called when a request is received
	// The handler is responsible for routing the request to the appropriate service
	RegisterHandler(handler ServerHandleFunc)
	// Listen starts the transport layer and serves incoming requests until Close is called
	Listen(config common.ServerConfig) error
	// Close stops listening and closes all open connections
	Close() error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// IRPCClientTransport is the interface for the RPC client transport
type IRPCClientTransport interface {
	// Connect initializes the transport with the given configuration
	Connect(config common.ClientConfig) error
	// Send sends a request to the server and returns the response.
	// Requests that could not be written are retried, a request that reached the server is not.
	Send(ctx context.Context, service uint64, req []byte) (resp []byte, err error)
	// Close closes the transport connection
	Close() error
}

// ClientFactory creates unconnected client transports.
type ClientFactory func() IRPCClientTransport
