package server

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dFrame/lib/cluster"
	"github.com/ValentinKolb/dFrame/lib/errs"
	"github.com/ValentinKolb/dFrame/rpc/common"
)

func NewClusterServerAdapter() IRPCServerAdapter {
	return &clusterServerAdapter{}
}

type clusterServerAdapter struct{}

func (adapter *clusterServerAdapter) Handle(_ context.Context, req *common.Message, node *Node) *common.Message {
	rec, err := req.Record()
	if err != nil {
		return common.NewErrorResponse(err)
	}

	switch req.MsgType {
	case common.MsgTHeartbeat:
		hb, ok := rec.(*cluster.Heartbeat)
		if !ok {
			return unexpectedBody(req, rec)
		}
		reply, err := node.Members.HandleHeartbeat(hb)
		return common.NewResponse(req.MsgType, reply, err)
	case common.MsgTPropose:
		p, ok := rec.(*cluster.Proposal)
		if !ok {
			return unexpectedBody(req, rec)
		}
		return common.NewResponse(req.MsgType, node.Members.HandlePropose(p), nil)
	case common.MsgTCommit:
		c, ok := rec.(*cluster.Commit)
		if !ok {
			return unexpectedBody(req, rec)
		}
		node.Members.HandleCommit(c)
		return common.NewResponse(req.MsgType, nil, nil)
	default:
		return unsupported("ClusterAdapter", req)
	}
}

func unexpectedBody(req *common.Message, rec any) *common.Message {
	return common.NewErrorResponse(&errs.InvalidOperationError{
		Msg: fmt.Sprintf("unexpected body %T in %s request", rec, req.MsgType),
	})
}

func unsupported(adapter string, req *common.Message) *common.Message {
	return common.NewErrorResponse(&errs.InvalidOperationError{
		Msg: fmt.Sprintf("RPC %s - Unsupported message type: %s", adapter, req.MsgType),
	})
}
