package server

import (
	"context"

	"github.com/ValentinKolb/dFrame/rpc/common"
)

// IRPCServerAdapter is the interface for all RPC server adapters
// It is responsible for handling the requests of one service
type IRPCServerAdapter interface {
	// Handle handles a request and returns a response
	// It takes the request and the node whose components serve it.
	// If an error occurs, it should be set in the response
	Handle(ctx context.Context, req *common.Message, node *Node) (resp *common.Message)
}
