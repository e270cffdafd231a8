package client

import (
	"context"
	"errors"

	"github.com/ValentinKolb/dFrame/lib/db"
	"github.com/ValentinKolb/dFrame/lib/store"
	"github.com/ValentinKolb/dFrame/rpc/common"
	"github.com/ValentinKolb/dFrame/rpc/serializer"
	"github.com/ValentinKolb/dFrame/rpc/transport"
)

// NewRPCStore creates a new RPC store
// The function takes a config, a transport and a serializer as parameters
// It returns a store.IStore backed by the DKV of the nodes the transport connects to
func NewRPCStore(
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (store.IStore, error) {

	// Connect the transport
	err := transport.Connect(config)
	if err != nil {
		return nil, err
	}

	// Create a new RPC store
	s := rpcStore{
		rpcClientAdapter{
			config:     config,
			transport:  transport,
			serializer: serializer,
		},
	}

	// Return the RPC store
	return &s, nil
}

type rpcStore struct {
	rpcClientAdapter
}

// --------------------------------------------------------------------------
// Interface Methods (docu see the store package in interface.go)
// --------------------------------------------------------------------------

func (s *rpcStore) Get(ctx context.Context, key store.Key) (store.Value, bool, error) {
	resp, err := s.invoke(ctx, common.NewGetRequest(key.String(), store.IsFreshRead(ctx)))
	if err != nil {
		return store.Value{}, false, err
	}
	if !resp.Ok {
		return store.Value{}, false, nil
	}
	return store.Value{Payload: resp.Value, Stamp: resp.Stamp, Flags: db.Flags(resp.Flags)}, true, nil
}

func (s *rpcStore) Put(ctx context.Context, key store.Key, payload []byte, opts ...store.PutOption) error {
	o := store.BuildPutOptions(opts)
	req := common.NewPutRequest(key.String(), payload, o.Replication)
	req.Flags = uint8(o.Flags)
	_, err := s.invoke(ctx, req)
	return err
}

func (s *rpcStore) PutAsync(ctx context.Context, key store.Key, payload []byte, opts ...store.PutOption) *store.Future {
	f := store.NewFuture()
	go func() {
		f.Resolve(s.Put(ctx, key, payload, opts...))
	}()
	return f
}

func (s *rpcStore) Remove(ctx context.Context, key store.Key) error {
	_, err := s.invoke(ctx, common.NewRemoveRequest(key.String()))
	return err
}

func (s *rpcStore) CompareAndPut(ctx context.Context, key store.Key, payload []byte, expect uint64) (uint64, bool, error) {
	resp, err := s.invoke(ctx, common.NewCompareAndPutRequest(key.String(), payload, expect))
	if err != nil {
		return 0, false, err
	}
	return resp.Stamp, resp.Ok, nil
}

func (s *rpcStore) Has(ctx context.Context, key store.Key) (bool, error) {
	resp, err := s.invoke(ctx, common.NewHasRequest(key.String()))
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

// LocalKeys returns nil, a client holds no keys.
func (s *rpcStore) LocalKeys(store.Kind) []store.Key {
	return nil
}

func (s *rpcStore) GetDBInfo() (db.DatabaseInfo, error) {
	return db.DatabaseInfo{}, errors.New("the database info is not available over rpc")
}
