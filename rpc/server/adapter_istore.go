package server

import (
	"context"

	"github.com/ValentinKolb/dFrame/lib/codec"
	"github.com/ValentinKolb/dFrame/lib/db"
	"github.com/ValentinKolb/dFrame/lib/store"
	"github.com/ValentinKolb/dFrame/lib/store/dstore"
	"github.com/ValentinKolb/dFrame/rpc/common"
)

// NewIStoreServerAdapter handles the DKV service: node to node fetches and writes, the
// key-value operations of clients and frame snapshots.
func NewIStoreServerAdapter(snapshotURI string) IRPCServerAdapter {
	return &iStoreServerAdapterImpl{snapshotURI: snapshotURI}
}

type iStoreServerAdapterImpl struct {
	snapshotURI string // used when a snapshot request names no uri
}

func (adapter *iStoreServerAdapterImpl) Handle(ctx context.Context, req *common.Message, node *Node) *common.Message {
	// Node to node
	switch req.MsgType {
	case common.MsgTDKVApply:
		rec, err := req.Record()
		if err != nil {
			return common.NewErrorResponse(err)
		}
		cmd, ok := rec.(*dstore.Command)
		if !ok {
			return unexpectedBody(req, rec)
		}
		res, err := node.Store.Apply(cmd)
		return common.NewResponse(req.MsgType, &res, err)
	case common.MsgTFrameRestore:
		keys, err := node.Persist.Restore(ctx, node.Store, adapter.uri(req))
		if err != nil {
			return common.NewErrorResponse(err)
		}
		list := &common.KeyList{Keys: make([]string, len(keys))}
		for i, k := range keys {
			list.Keys[i] = k.String()
		}
		data, err := codec.Marshal(list)
		if err != nil {
			return common.NewErrorResponse(err)
		}
		return &common.Message{MsgType: req.MsgType.ResponseType(), Value: data}
	}

	key, err := store.ParseKey(req.Key)
	if err != nil {
		return common.NewErrorResponse(err)
	}
	resp := &common.Message{MsgType: req.MsgType.ResponseType()}

	// Handle different message types
	switch req.MsgType {
	case common.MsgTDKVFetch:
		v, ok := node.Store.HandleFetch(req.From, key)
		resp.Value, resp.Stamp, resp.Flags, resp.Ok = v.Payload, v.Stamp, uint8(v.Flags), ok
	case common.MsgTKVGet:
		if req.Ok {
			ctx = store.FreshRead(ctx)
		}
		v, ok, err := node.Store.Get(ctx, key)
		if err != nil {
			return common.NewErrorResponse(err)
		}
		resp.Value, resp.Stamp, resp.Flags, resp.Ok = v.Payload, v.Stamp, uint8(v.Flags), ok
	case common.MsgTKVPut:
		opts := []store.PutOption{store.WithFlags(db.Flags(req.Flags))}
		if req.Replication > 0 {
			opts = append(opts, store.WithReplication(int(req.Replication)))
		}
		if err := node.Store.Put(ctx, key, req.Value, opts...); err != nil {
			return common.NewErrorResponse(err)
		}
	case common.MsgTKVRemove:
		if err := node.Store.Remove(ctx, key); err != nil {
			return common.NewErrorResponse(err)
		}
	case common.MsgTKVCompareAndPut:
		stamp, ok, err := node.Store.CompareAndPut(ctx, key, req.Value, req.Expect)
		if err != nil {
			return common.NewErrorResponse(err)
		}
		resp.Stamp, resp.Ok = stamp, ok
	case common.MsgTKVHas:
		ok, err := node.Store.Has(ctx, key)
		if err != nil {
			return common.NewErrorResponse(err)
		}
		resp.Ok = ok
	case common.MsgTFrameSave:
		if err := node.Persist.SaveFrame(ctx, node.Store, adapter.uri(req), key); err != nil {
			return common.NewErrorResponse(err)
		}
	default:
		return unsupported("IStoreAdapter", req)
	}
	return resp
}

// uri returns the snapshot location of a frame request
func (adapter *iStoreServerAdapterImpl) uri(req *common.Message) string {
	if len(req.Value) > 0 {
		return string(req.Value)
	}
	return adapter.snapshotURI
}
