package server

import (
	"context"

	"github.com/ValentinKolb/dFrame/lib/task"
	"github.com/ValentinKolb/dFrame/rpc/common"
)

func NewTaskServerAdapter() IRPCServerAdapter {
	return &taskServerAdapter{}
}

type taskServerAdapter struct{}

// Handle runs dispatched ranges under ctx; remote cancellation arrives as a cancel request.
func (adapter *taskServerAdapter) Handle(ctx context.Context, req *common.Message, node *Node) *common.Message {
	switch req.MsgType {
	case common.MsgTTaskDispatch:
		rec, err := req.Record()
		if err != nil {
			return common.NewErrorResponse(err)
		}
		dr, ok := rec.(*task.DispatchRequest)
		if !ok {
			return unexpectedBody(req, rec)
		}
		res, err := node.Engine.HandleDispatch(ctx, dr)
		return common.NewResponse(req.MsgType, res, err)
	case common.MsgTTaskCancel:
		node.Engine.HandleCancel(req.Key)
		return common.NewResponse(req.MsgType, nil, nil)
	default:
		return unsupported("TaskAdapter", req)
	}
}
