// Package memory implements types.Store in process memory. It backs tests
// and stands in when the durable store cannot be opened.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

var _ types.Store = (*Store)(nil)

// Store keeps partitions in maps guarded by a mutex. Data survives Close
// and a later Open on the same Store, mirroring a database file.
type Store struct {
	mu         sync.RWMutex
	open       bool
	version    int
	partitions map[string]*partition

	init singleflight.Group
	now  func() time.Time
}

type partition struct {
	auto    bool
	lastID  int64
	records map[int64]*types.Record
	byKey   map[string]int64
}

// NewStore creates an empty, unopened store.
func NewStore() *Store {
	return &Store{
		partitions: make(map[string]*partition),
		now:        time.Now,
	}
}

// Open runs the schema upgrade when needed. Concurrent callers share one
// initialization.
func (s *Store) Open(ctx context.Context, schema types.Schema) error {
	if err := schema.Validate(); err != nil {
		return err
	}
	_, err, _ := s.init.Do("open", func() (any, error) {
		return nil, s.openLocked(schema)
	})
	return err
}

func (s *Store) openLocked(schema types.Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return nil
	}
	if s.version > schema.Version {
		return types.ErrVersionDowngrade
	}
	if s.version < schema.Version {
		if err := schema.Upgrade(upgrader{s}, s.version, schema.Version); err != nil {
			return err
		}
		s.version = schema.Version
	}
	s.open = true
	return nil
}

// Close marks the store closed. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

type upgrader struct{ s *Store }

func (u upgrader) CreatePartition(p types.Partition) error {
	if err := types.ValidatePartitionName(p.Name); err != nil {
		return err
	}
	if _, ok := u.s.partitions[p.Name]; ok {
		return nil
	}
	u.s.partitions[p.Name] = &partition{
		auto:    p.AutoIncrement,
		records: make(map[int64]*types.Record),
		byKey:   make(map[string]int64),
	}
	return nil
}

func (u upgrader) DeletePartition(name string) error {
	delete(u.s.partitions, name)
	return nil
}

// lookup returns the named partition. The caller must hold s.mu.
func (s *Store) lookup(name string, auto bool, checkKind bool) (*partition, error) {
	if !s.open {
		return nil, types.ErrStoreClosed
	}
	p, ok := s.partitions[name]
	if !ok {
		return nil, types.ErrPartitionNotFound
	}
	if checkKind && p.auto != auto {
		return nil, types.ErrPartitionMismatch
	}
	return p, nil
}

func (s *Store) Put(ctx context.Context, partition, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.lookup(partition, false, true)
	if err != nil {
		return err
	}
	if id, ok := p.byKey[key]; ok {
		rec := p.records[id]
		rec.Value = clone(value)
		rec.UpdatedAt = s.now()
		return nil
	}
	p.lastID++
	p.records[p.lastID] = &types.Record{ID: p.lastID, Key: key, Value: clone(value), UpdatedAt: s.now()}
	p.byKey[key] = p.lastID
	return nil
}

func (s *Store) Get(ctx context.Context, partition, key string) (types.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := s.lookup(partition, false, true)
	if err != nil {
		return types.Record{}, err
	}
	id, ok := p.byKey[key]
	if !ok {
		return types.Record{}, types.ErrNotFound
	}
	return copyRecord(p.records[id]), nil
}

func (s *Store) Delete(ctx context.Context, partition, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.lookup(partition, false, true)
	if err != nil {
		return err
	}
	if id, ok := p.byKey[key]; ok {
		delete(p.records, id)
		delete(p.byKey, key)
	}
	return nil
}

func (s *Store) Add(ctx context.Context, partition string, value []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.lookup(partition, true, true)
	if err != nil {
		return 0, err
	}
	p.lastID++
	p.records[p.lastID] = &types.Record{ID: p.lastID, Value: clone(value), UpdatedAt: s.now()}
	return p.lastID, nil
}

func (s *Store) Remove(ctx context.Context, partition string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.lookup(partition, true, true)
	if err != nil {
		return err
	}
	delete(p.records, id)
	return nil
}

func (s *Store) GetAll(ctx context.Context, partition string) ([]types.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := s.lookup(partition, false, false)
	if err != nil {
		return nil, err
	}
	out := make([]types.Record, 0, len(p.records))
	for _, rec := range p.records {
		out = append(out, copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Clear(ctx context.Context, partition string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.lookup(partition, false, false)
	if err != nil {
		return err
	}
	p.records = make(map[int64]*types.Record)
	p.byKey = make(map[string]int64)
	return nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func copyRecord(r *types.Record) types.Record {
	c := *r
	c.Value = clone(r.Value)
	return c
}
