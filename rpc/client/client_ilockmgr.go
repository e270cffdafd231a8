package client

import (
	"context"
	"time"

	"github.com/ValentinKolb/dFrame/lib/codec"
	"github.com/ValentinKolb/dFrame/lib/lockmgr"
	"github.com/ValentinKolb/dFrame/lib/store"
	"github.com/ValentinKolb/dFrame/rpc/common"
	"github.com/ValentinKolb/dFrame/rpc/serializer"
	"github.com/ValentinKolb/dFrame/rpc/transport"
)

// NewRPCLockMgr creates a new RPC lock manager
// The function takes a config, a transport and a serializer as parameters
// It returns a lockmgr.ILockManager whose locks are held by the nodes the transport connects to
func NewRPCLockMgr(
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (lockmgr.ILockManager, error) {

	// Connect the transport
	err := transport.Connect(config)
	if err != nil {
		return nil, err
	}

	// Create a new RPC lock manager
	l := rpcLockMgr{
		rpcClientAdapter{
			config:     config,
			transport:  transport,
			serializer: serializer,
		},
	}

	// Return the RPC lock manager
	return &l, nil
}

type rpcLockMgr struct {
	rpcClientAdapter
}

// --------------------------------------------------------------------------
// Interface Methods (docu see lockmgr.ILockManager)
// --------------------------------------------------------------------------

// Lock waits on the server as long as the deadline of ctx allows. Without a deadline the
// server waits up to its own request timeout.
func (l *rpcLockMgr) Lock(ctx context.Context, frame store.Key, job string, mode lockmgr.Mode) error {
	var wait uint64
	if deadline, ok := ctx.Deadline(); ok {
		wait = uint64(max(time.Until(deadline).Milliseconds(), 1))
	}
	req := common.NewLockRequest(common.MsgTLockAcquire, frame.String(), job, uint8(mode), wait)

	// the server bounds the wait, the client must not give up before it answered
	_, err := invokeRPCRequest(ctx, req, l.transport, l.serializer)
	if te, ok := err.(*transportError); ok {
		return te.err
	}
	return err
}

func (l *rpcLockMgr) TryLock(ctx context.Context, frame store.Key, job string, mode lockmgr.Mode) error {
	_, err := l.invoke(ctx, common.NewLockRequest(common.MsgTLockTryAcquire, frame.String(), job, uint8(mode), 0))
	return err
}

func (l *rpcLockMgr) Unlock(ctx context.Context, frame store.Key, job string) error {
	_, err := l.invoke(ctx, common.NewLockRequest(common.MsgTLockRelease, frame.String(), job, 0, 0))
	return err
}

func (l *rpcLockMgr) Status(ctx context.Context, frame store.Key) (*lockmgr.State, error) {
	resp, err := l.invoke(ctx, common.NewLockRequest(common.MsgTLockStatus, frame.String(), "", 0, 0))
	if err != nil {
		return nil, err
	}
	state := &lockmgr.State{}
	if err := codec.Unmarshal(resp.Value, state); err != nil {
		return nil, err
	}
	return state, nil
}
