package client

import (
	"context"
	"errors"
	"sync"

	"github.com/ValentinKolb/dFrame/lib/cluster"
	"github.com/ValentinKolb/dFrame/lib/db"
	"github.com/ValentinKolb/dFrame/lib/errs"
	"github.com/ValentinKolb/dFrame/lib/store"
	"github.com/ValentinKolb/dFrame/lib/store/dstore"
	"github.com/ValentinKolb/dFrame/lib/task"
	"github.com/ValentinKolb/dFrame/rpc/common"
	"github.com/ValentinKolb/dFrame/rpc/serializer"
	"github.com/ValentinKolb/dFrame/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
)

// PeerPool sends the requests of a node to the other nodes of the cluster.
// It keeps one client transport per peer endpoint and implements dstore.Remote,
// cluster.Messenger and task.Dispatcher. Errors of unreachable peers are returned
// as *errs.NodeUnavailableError.
type PeerPool struct {
	self       string
	config     common.ClientConfig
	factory    transport.ClientFactory
	serializer serializer.IRPCSerializer
	peers      *xsync.MapOf[string, *peerConn]
}

type peerConn struct {
	mu sync.Mutex
	t  transport.IRPCClientTransport
}

var (
	_ dstore.Remote     = (*PeerPool)(nil)
	_ cluster.Messenger = (*PeerPool)(nil)
	_ task.Dispatcher   = (*PeerPool)(nil)
)

// NewPeerPool creates a pool for the node self. config.Endpoints is ignored; every peer
// gets its own transport created by factory.
func NewPeerPool(self string, config common.ClientConfig, factory transport.ClientFactory, serializer serializer.IRPCSerializer) *PeerPool {
	return &PeerPool{
		self:       self,
		config:     config,
		factory:    factory,
		serializer: serializer,
		peers:      xsync.NewMapOf[string, *peerConn](),
	}
}

// Forget closes the connection to endpoint (e.g. after the node left the view).
func (p *PeerPool) Forget(endpoint string) {
	if pc, ok := p.peers.LoadAndDelete(endpoint); ok {
		pc.mu.Lock()
		if pc.t != nil {
			_ = pc.t.Close()
		}
		pc.mu.Unlock()
	}
}

// Close closes all connections.
func (p *PeerPool) Close() error {
	p.peers.Range(func(endpoint string, _ *peerConn) bool {
		p.Forget(endpoint)
		return true
	})
	return nil
}

// client returns the connected transport of endpoint
func (p *PeerPool) client(endpoint string) (transport.IRPCClientTransport, error) {
	pc, _ := p.peers.LoadOrCompute(endpoint, func() *peerConn { return &peerConn{} })
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.t != nil {
		return pc.t, nil
	}

	cfg := p.config
	cfg.Endpoints = []string{endpoint}
	t := p.factory()
	if err := t.Connect(cfg); err != nil {
		_ = t.Close()
		return nil, err
	}
	pc.t = t
	return t, nil
}

// invoke sends req to node. bounded requests are limited by the configured timeout.
func (p *PeerPool) invoke(ctx context.Context, node cluster.NodeInfo, req *common.Message, bounded bool) (*common.Message, error) {
	callCtx := ctx
	if t := p.config.Timeout(); bounded && t > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	name := node.Name
	if name == "" {
		name = node.Endpoint
	}

	t, err := p.client(node.Endpoint)
	if err != nil {
		return nil, &errs.NodeUnavailableError{Node: name, Cause: err}
	}
	resp, err := invokeRPCRequest(callCtx, req, t, p.serializer)
	var te *transportError
	if errors.As(err, &te) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &errs.NodeUnavailableError{Node: name, Cause: te.err}
	}
	return resp, err
}

// --------------------------------------------------------------------------
// Interface Methods (docu see cluster.Messenger)
// --------------------------------------------------------------------------

func (p *PeerPool) Heartbeat(ctx context.Context, to cluster.NodeInfo, hb *cluster.Heartbeat) (*cluster.Heartbeat, error) {
	req, err := common.NewRequest(common.MsgTHeartbeat, p.self, hb)
	if err != nil {
		return nil, err
	}
	resp, err := p.invoke(ctx, to, req, true)
	if err != nil {
		return nil, err
	}
	return bodyOf[*cluster.Heartbeat](resp)
}

func (p *PeerPool) Propose(ctx context.Context, to cluster.NodeInfo, prop *cluster.Proposal) (*cluster.Ack, error) {
	req, err := common.NewRequest(common.MsgTPropose, p.self, prop)
	if err != nil {
		return nil, err
	}
	resp, err := p.invoke(ctx, to, req, true)
	if err != nil {
		return nil, err
	}
	return bodyOf[*cluster.Ack](resp)
}

func (p *PeerPool) Commit(ctx context.Context, to cluster.NodeInfo, c *cluster.Commit) error {
	req, err := common.NewRequest(common.MsgTCommit, p.self, c)
	if err != nil {
		return err
	}
	_, err = p.invoke(ctx, to, req, true)
	return err
}

// --------------------------------------------------------------------------
// Interface Methods (docu see dstore.Remote)
// --------------------------------------------------------------------------

func (p *PeerPool) Fetch(ctx context.Context, node cluster.NodeInfo, key store.Key) (store.Value, bool, error) {
	req := &common.Message{MsgType: common.MsgTDKVFetch, Key: key.String(), From: p.self}
	resp, err := p.invoke(ctx, node, req, true)
	if err != nil {
		return store.Value{}, false, err
	}
	if !resp.Ok {
		return store.Value{}, false, nil
	}
	return store.Value{Payload: resp.Value, Stamp: resp.Stamp, Flags: db.Flags(resp.Flags)}, true, nil
}

func (p *PeerPool) Apply(ctx context.Context, node cluster.NodeInfo, cmd *dstore.Command) (dstore.Result, error) {
	req, err := common.NewRequest(common.MsgTDKVApply, p.self, cmd)
	if err != nil {
		return dstore.Result{}, err
	}
	resp, err := p.invoke(ctx, node, req, true)
	if err != nil {
		return dstore.Result{}, err
	}
	res, err := bodyOf[*dstore.Result](resp)
	if err != nil {
		return dstore.Result{}, err
	}
	return *res, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see task.Dispatcher)
// --------------------------------------------------------------------------

// Dispatch waits for the remote range as long as ctx allows; the task is cancelled through ctx.
func (p *PeerPool) Dispatch(ctx context.Context, node cluster.NodeInfo, dr *task.DispatchRequest) (task.Result, error) {
	req, err := common.NewRequest(common.MsgTTaskDispatch, p.self, dr)
	if err != nil {
		return nil, err
	}
	resp, err := p.invoke(ctx, node, req, false)
	if err != nil {
		return nil, err
	}
	return resp.Record()
}

func (p *PeerPool) Cancel(ctx context.Context, node cluster.NodeInfo, taskID string) error {
	req := &common.Message{MsgType: common.MsgTTaskCancel, Key: taskID, From: p.self}
	_, err := p.invoke(ctx, node, req, true)
	return err
}
