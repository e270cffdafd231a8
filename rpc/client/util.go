package client

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dFrame/lib/codec"
	"github.com/ValentinKolb/dFrame/lib/errs"
	"github.com/ValentinKolb/dFrame/rpc/common"
	"github.com/ValentinKolb/dFrame/rpc/serializer"
	"github.com/ValentinKolb/dFrame/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	Logger = logger.GetLogger("rpc")
)

// rpcClientAdapter is a struct that stores all data needed for an implementation of an RPC client
// Used by the RPCStore and RPCLockMgr with composition pattern
type rpcClientAdapter struct {
	config     common.ClientConfig
	transport  transport.IRPCClientTransport
	serializer serializer.IRPCSerializer
}

// withTimeout bounds ctx by the configured request timeout
func (a *rpcClientAdapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if t := a.config.Timeout(); t > 0 {
		return context.WithTimeout(ctx, t)
	}
	return context.WithCancel(ctx)
}

// invoke sends req with the configured timeout
func (a *rpcClientAdapter) invoke(ctx context.Context, req *common.Message) (*common.Message, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	resp, err := invokeRPCRequest(ctx, req, a.transport, a.serializer)
	if te, ok := err.(*transportError); ok {
		return nil, te.err
	}
	return resp, err
}

// transportError marks errors of the transport layer (the request may not have reached the server)
type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// invokeRPCRequest is a helper function used for all RPC Clients to send requests
// It takes a request message, a transport layer and a serializer as parameters
// It returns a response message and an error if any occurs
// This method also checks if the response is an error response and if the type of the response is the expected type
func invokeRPCRequest(ctx context.Context, req *common.Message, transport transport.IRPCClientTransport, serializer serializer.IRPCSerializer) (*common.Message, error) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`dframe_rpc_client_requests_total{type=%q}`, req.MsgType.String())).Inc()

	// Serialize the request
	reqBytes, err := serializer.Serialize(*req)
	if err != nil {
		return nil, err
	}

	// Send the request
	respBytes, err := transport.Send(ctx, req.MsgType.Service(), reqBytes)
	if err != nil {
		return nil, &transportError{err: err}
	}

	// Deserialize the response
	resp := &common.Message{}
	if err := serializer.Deserialize(respBytes, resp); err != nil {
		return nil, fmt.Errorf("failed to deserialize %s response: %w", req.MsgType, err)
	}

	// Check if the response is an error response
	if err := resp.Error(); err != nil {
		return nil, err
	}

	// Check if the type of the response is the expected type
	if resp.MsgType != req.MsgType.ResponseType() {
		return nil, &errs.InvalidOperationError{
			Msg: fmt.Sprintf("unexpected message type: %s, expected %s", resp.MsgType, req.MsgType.ResponseType()),
		}
	}

	return resp, nil
}

// bodyOf decodes the body of resp as a T
func bodyOf[T codec.Record](resp *common.Message) (T, error) {
	var zero T
	rec, err := resp.Record()
	if err != nil {
		return zero, err
	}
	out, ok := rec.(T)
	if !ok {
		return zero, &errs.InvalidOperationError{Msg: fmt.Sprintf("unexpected body %T in %s response", rec, resp.MsgType)}
	}
	return out, nil
}
