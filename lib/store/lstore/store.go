package lstore

import (
	"context"

	"github.com/ValentinKolb/dFrame/lib/db"
	"github.com/ValentinKolb/dFrame/lib/store"
)

type storeImpl struct {
	db    db.KVDB
	clock store.Clock
}

// NewLocalStore creates a new local store instance.
// This store implementation is not distributed and only works on a single node.
// Every key is homed locally, so asynchronous writes complete immediately.
func NewLocalStore(factory store.DBFactory) store.IStore {
	return &storeImpl{
		db: factory(),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Get(_ context.Context, key store.Key) (store.Value, bool, error) {
	if !s.db.SupportsFeature(db.FeatureGet) {
		return store.Value{}, false, store.NewError(store.RetCUnsupportedOperation, "Get operation is not supported")
	}
	e, ok := s.db.Get(key.String())
	if !ok {
		return store.Value{}, false, nil
	}
	return store.Value{Payload: e.Value, Stamp: e.Stamp, Flags: e.Flags}, true, nil
}

func (s *storeImpl) Put(_ context.Context, key store.Key, payload []byte, opts ...store.PutOption) error {
	if !s.db.SupportsFeature(db.FeatureSet) {
		return store.NewError(store.RetCUnsupportedOperation, "Set operation is not supported")
	}
	o := store.BuildPutOptions(opts)
	s.db.Set(key.String(), payload, s.clock.Next(), o.Flags)
	return nil
}

func (s *storeImpl) PutAsync(ctx context.Context, key store.Key, payload []byte, opts ...store.PutOption) *store.Future {
	return store.CompletedFuture(s.Put(ctx, key, payload, opts...))
}

func (s *storeImpl) Remove(_ context.Context, key store.Key) error {
	if !s.db.SupportsFeature(db.FeatureDelete) {
		return store.NewError(store.RetCUnsupportedOperation, "Delete operation is not supported")
	}
	s.db.Delete(key.String(), s.clock.Next())
	return nil
}

func (s *storeImpl) CompareAndPut(_ context.Context, key store.Key, payload []byte, expect uint64) (uint64, bool, error) {
	if !s.db.SupportsFeature(db.FeatureCompareAndSet) {
		return 0, false, store.NewError(store.RetCUnsupportedOperation, "CompareAndSet operation is not supported")
	}
	stamp := s.clock.Next()
	if !s.db.CompareAndSet(key.String(), payload, stamp, 0, expect) {
		return 0, false, nil
	}
	return stamp, true, nil
}

func (s *storeImpl) Has(_ context.Context, key store.Key) (bool, error) {
	if !s.db.SupportsFeature(db.FeatureHas) {
		return false, store.NewError(store.RetCUnsupportedOperation, "Has operation is not supported")
	}
	return s.db.Has(key.String()), nil
}

func (s *storeImpl) LocalKeys(kind store.Kind) []store.Key {
	return store.ScanKeys(s.db, kind)
}

func (s *storeImpl) GetDBInfo() (db.DatabaseInfo, error) {
	return s.db.GetInfo(), nil
}
