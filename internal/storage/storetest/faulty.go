package storetest

import (
	"context"
	"sync"

	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

// Faulty wraps a store and fails the operations named in its fault set.
type Faulty struct {
	types.Store

	mu     sync.Mutex
	faults map[string]error
}

// NewFaulty wraps s.
func NewFaulty(s types.Store) *Faulty {
	return &Faulty{Store: s, faults: make(map[string]error)}
}

// Fail makes op ("open", "put", "get", "delete", "add", "remove",
// "get_all", "clear") return err. A nil err heals the operation.
func (f *Faulty) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.faults, op)
		return
	}
	f.faults[op] = err
}

func (f *Faulty) fault(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.faults[op]
}

func (f *Faulty) Open(ctx context.Context, schema types.Schema) error {
	if err := f.fault("open"); err != nil {
		return err
	}
	return f.Store.Open(ctx, schema)
}

func (f *Faulty) Put(ctx context.Context, partition, key string, value []byte) error {
	if err := f.fault("put"); err != nil {
		return err
	}
	return f.Store.Put(ctx, partition, key, value)
}

func (f *Faulty) Get(ctx context.Context, partition, key string) (types.Record, error) {
	if err := f.fault("get"); err != nil {
		return types.Record{}, err
	}
	return f.Store.Get(ctx, partition, key)
}

func (f *Faulty) Delete(ctx context.Context, partition, key string) error {
	if err := f.fault("delete"); err != nil {
		return err
	}
	return f.Store.Delete(ctx, partition, key)
}

func (f *Faulty) Add(ctx context.Context, partition string, value []byte) (int64, error) {
	if err := f.fault("add"); err != nil {
		return 0, err
	}
	return f.Store.Add(ctx, partition, value)
}

func (f *Faulty) Remove(ctx context.Context, partition string, id int64) error {
	if err := f.fault("remove"); err != nil {
		return err
	}
	return f.Store.Remove(ctx, partition, id)
}

func (f *Faulty) GetAll(ctx context.Context, partition string) ([]types.Record, error) {
	if err := f.fault("get_all"); err != nil {
		return nil, err
	}
	return f.Store.GetAll(ctx, partition)
}

func (f *Faulty) Clear(ctx context.Context, partition string) error {
	if err := f.fault("clear"); err != nil {
		return err
	}
	return f.Store.Clear(ctx, partition)
}
