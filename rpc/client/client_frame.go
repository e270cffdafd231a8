package client

import (
	"context"

	"github.com/ValentinKolb/dFrame/lib/codec"
	"github.com/ValentinKolb/dFrame/lib/store"
	"github.com/ValentinKolb/dFrame/rpc/common"
	"github.com/ValentinKolb/dFrame/rpc/serializer"
	"github.com/ValentinKolb/dFrame/rpc/transport"
)

// FrameClient saves and restores frames through a node.
type FrameClient struct {
	rpcClientAdapter
}

// NewRPCFrameClient creates a new frame client
func NewRPCFrameClient(
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (*FrameClient, error) {
	if err := transport.Connect(config); err != nil {
		return nil, err
	}
	return &FrameClient{rpcClientAdapter{config: config, transport: transport, serializer: serializer}}, nil
}

// SaveFrame writes a snapshot of frame and its chunks to uri. The node resolves uri
// with its own backends.
func (c *FrameClient) SaveFrame(ctx context.Context, frame store.Key, uri string) error {
	req := &common.Message{MsgType: common.MsgTFrameSave, Key: frame.String(), Value: []byte(uri)}
	_, err := invokeRPCRequest(ctx, req, c.transport, c.serializer)
	if te, ok := err.(*transportError); ok {
		return te.err
	}
	return err
}

// Restore loads the snapshot at uri into the cluster and returns the restored keys.
func (c *FrameClient) Restore(ctx context.Context, uri string) ([]store.Key, error) {
	req := &common.Message{MsgType: common.MsgTFrameRestore, Value: []byte(uri)}
	resp, err := invokeRPCRequest(ctx, req, c.transport, c.serializer)
	if te, ok := err.(*transportError); ok {
		return nil, te.err
	}
	if err != nil {
		return nil, err
	}

	var list common.KeyList
	if err := codec.Unmarshal(resp.Value, &list); err != nil {
		return nil, err
	}
	keys := make([]store.Key, 0, len(list.Keys))
	for _, s := range list.Keys {
		k, err := store.ParseKey(s)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// Close closes the transport.
func (c *FrameClient) Close() error {
	return c.transport.Close()
}
