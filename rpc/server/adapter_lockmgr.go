package server

import (
	"context"
	"time"

	"github.com/ValentinKolb/dFrame/lib/codec"
	"github.com/ValentinKolb/dFrame/lib/lockmgr"
	"github.com/ValentinKolb/dFrame/lib/store"
	"github.com/ValentinKolb/dFrame/rpc/common"
)

// NewLockManagerServerAdapter serves frame locks. A blocking acquire waits at most the time
// the request allows, or maxWait if it names none.
func NewLockManagerServerAdapter(maxWait time.Duration) IRPCServerAdapter {
	return &lockMgrServerAdapter{maxWait: maxWait}
}

type lockMgrServerAdapter struct {
	maxWait time.Duration
}

func (adapter *lockMgrServerAdapter) Handle(ctx context.Context, req *common.Message, node *Node) *common.Message {
	frame, err := store.ParseKey(req.Key)
	if err != nil {
		return common.NewErrorResponse(err)
	}
	resp := &common.Message{MsgType: req.MsgType.ResponseType()}

	// Handle different message types
	switch req.MsgType {
	case common.MsgTLockAcquire:
		wait := adapter.maxWait
		if req.WaitMs > 0 {
			wait = time.Duration(req.WaitMs) * time.Millisecond
		}
		ctx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		err = node.Locks.Lock(ctx, frame, req.From, lockmgr.Mode(req.Mode))
	case common.MsgTLockTryAcquire:
		err = node.Locks.TryLock(ctx, frame, req.From, lockmgr.Mode(req.Mode))
	case common.MsgTLockRelease:
		err = node.Locks.Unlock(ctx, frame, req.From)
	case common.MsgTLockStatus:
		var state *lockmgr.State
		state, err = node.Locks.Status(ctx, frame)
		if err == nil {
			resp.Value, err = codec.Marshal(state)
		}
	default:
		return unsupported("LockManagerAdapter", req)
	}
	if err != nil {
		return common.NewErrorResponse(err)
	}
	return resp
}
