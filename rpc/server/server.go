package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"github.com/ValentinKolb/dFrame/lib/errs"
	"github.com/ValentinKolb/dFrame/rpc/common"
	"github.com/ValentinKolb/dFrame/rpc/serializer"
	"github.com/ValentinKolb/dFrame/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"go.uber.org/multierr"
)

var Logger = logger.GetLogger("rpc")

// NewRPCServer creates a new RPC server running one cluster node
// It takes a config, the server transport, a factory for the client transports used to
// reach other nodes and a serializer as parameters
//
// Usage:
//
//	s, err := server.NewRPCServer(
//		config,
//		tcp.NewTCPServerTransport(),
//		tcp.NewTCPClientTransport,
//		serializer.NewBinarySerializer(),
//	)
//	if err != nil {
//		panic(err)
//	}
//
//	if err := s.Serve(); err != nil {
//		panic(err)
//	}
func NewRPCServer(
	config common.ServerConfig,
	transport transport.IRPCServerTransport,
	clientFactory transport.ClientFactory,
	serializer serializer.IRPCSerializer,
) (*RPCServer, error) {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	node, err := newNode(config, clientFactory, serializer)
	if err != nil {
		return nil, err
	}

	Logger.Infof("Created RPC Server")
	Logger.Infof("%s", config.String())

	ctx, cancel := context.WithCancel(context.Background())

	// Create the RPC server
	return &RPCServer{
		config:     config,
		transport:  transport,
		serializer: serializer,
		node:       node,
		adapters: map[uint64]IRPCServerAdapter{
			common.ServiceCluster: NewClusterServerAdapter(),
			common.ServiceDKV:     NewIStoreServerAdapter(config.SnapshotURI),
			common.ServiceTask:    NewTaskServerAdapter(),
			common.ServiceLock:    NewLockManagerServerAdapter(config.Timeout()),
		},
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// RPCServer serves the requests of clients and other nodes for one node.
type RPCServer struct {
	config     common.ServerConfig
	transport  transport.IRPCServerTransport
	serializer serializer.IRPCSerializer
	node       *Node
	adapters   map[uint64]IRPCServerAdapter

	// ctx is cancelled on Close and aborts running requests
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	metrics   *http.Server
}

// Node returns the components of the node served.
func (s *RPCServer) Node() *Node { return s.node }

// handle processes one serialized request
func (s *RPCServer) handle(service uint64, req []byte) []byte {
	s.node.Load.MarkRPC()

	var respMsg *common.Message
	var msg common.Message

	// Get appropriate adapter
	adapter, ok := s.adapters[service]
	if !ok {
		respMsg = common.NewErrorResponse(&errs.InvalidOperationError{Msg: fmt.Sprintf("unknown service %d", service)})
	} else if err := s.serializer.Deserialize(req, &msg); err != nil {
		respMsg = common.NewErrorResponse(fmt.Errorf("failed to deserialize request: %w", err))
	} else {
		// Let the adapter handle the request
		respMsg = adapter.Handle(s.ctx, &msg, s.node)
	}

	// Return result
	val, err := s.serializer.Serialize(*respMsg)
	if err != nil {
		Logger.Errorf("failed to serialize %s response: %v", respMsg.MsgType, err)
		val, _ = s.serializer.Serialize(*common.NewErrorResponse(fmt.Errorf("failed to serialize response: %w", err)))
	}
	return val
}

// Serve starts the node and the transport layer
// This function blocks until the server is closed
func (s *RPCServer) Serve() error {
	s.transport.RegisterHandler(s.handle)

	if err := s.node.start(s.config); err != nil {
		return err
	}
	s.serveMetrics()

	Logger.Infof("dFrame node %s setup completed successfully", s.config.Name)

	err := s.transport.Listen(s.config)
	if err != nil {
		_ = s.Close()
	}
	return err
}

// serveMetrics exposes the metrics in the prometheus text format
func (s *RPCServer) serveMetrics() {
	if s.config.MetricsEndpoint == "" {
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	s.metrics = &http.Server{Addr: s.config.MetricsEndpoint, Handler: mux}
	go func() {
		Logger.Infof("serving metrics on %s/metrics", s.config.MetricsEndpoint)
		if err := s.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Logger.Errorf("metrics server: %v", err)
		}
	}()
}

// Close leaves the cluster, aborts running requests and stops the transport.
func (s *RPCServer) Close() error {
	var result error
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout())
		defer cancel()

		s.cancel()
		result = multierr.Append(result, s.node.stop(ctx))
		result = multierr.Append(result, s.transport.Close())
		if s.metrics != nil {
			result = multierr.Append(result, s.metrics.Shutdown(ctx))
		}
	})
	return result
}
