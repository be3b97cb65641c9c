// Package jsonl implements types.Store as a directory of JSON Lines files.
// Every partition is one <name>.jsonl file holding its records in id order;
// meta.json records the schema version, the partition catalog and the next
// id of each auto-increment partition. All writes are atomic renames, and
// meta.json is written last so an interrupted upgrade is retried on the
// next Open.
//
// Several processes may open the same directory. Every operation holds a
// flock on the .lock file and re-reads its partition and the id counters
// before touching them.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

var _ types.Store = (*Store)(nil)

const (
	metaFile = "meta.json"
	lockName = ".lock"
)

type metaJSON struct {
	Version    int             `json:"version"`
	Partitions []partitionJSON `json:"partitions"`
}

type partitionJSON struct {
	Name          string `json:"name"`
	AutoIncrement bool   `json:"auto_increment"`
	NextID        int64  `json:"next_id"`
}

type recordJSON struct {
	ID        int64  `json:"id"`
	Key       string `json:"key,omitempty"`
	Value     []byte `json:"value"`
	UpdatedAt int64  `json:"updated_at"`
}

type partition struct {
	auto    bool
	nextID  int64
	records []types.Record
}

// Store implements types.Store on JSONL files under a data directory.
type Store struct {
	mu      sync.Mutex
	dir     string
	root    string
	open    bool
	version int
	parts   map[string]*partition
	lock    *os.File

	init singleflight.Group
	now  func() time.Time
}

// NewStore returns a store rooted at dir. Files are written to
// dir/<schema name>/ when the store is opened.
func NewStore(dir string) *Store {
	return &Store{dir: dir, now: time.Now}
}

func (s *Store) Open(ctx context.Context, schema types.Schema) error {
	if err := schema.Validate(); err != nil {
		return err
	}
	_, err, _ := s.init.Do("open", func() (any, error) {
		return nil, s.openLocked(ctx, schema)
	})
	return err
}

func (s *Store) openLocked(ctx context.Context, schema types.Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	root := filepath.Join(s.dir, schema.Name)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w: %w", types.ErrStorage, err)
	}

	lock, err := os.OpenFile(filepath.Join(root, lockName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w: %w", types.ErrStorage, err)
	}
	if err := lockFile(lock, true); err != nil {
		lock.Close()
		return fmt.Errorf("lock %s: %w: %w", root, types.ErrStorage, err)
	}
	defer unlockFile(lock)
	ok := false
	defer func() {
		if !ok {
			lock.Close()
		}
	}()

	meta, err := readMeta(root)
	if err != nil {
		return err
	}
	if meta.Version > schema.Version {
		return fmt.Errorf("%w: stored %d, requested %d", types.ErrVersionDowngrade, meta.Version, schema.Version)
	}

	if meta.Version < schema.Version {
		u := newUpgrader(root, meta)
		if err := schema.Upgrade(u, meta.Version, schema.Version); err != nil {
			return fmt.Errorf("upgrade %s from %d to %d: %w", schema.Name, meta.Version, schema.Version, err)
		}
		if err := u.commit(); err != nil {
			return err
		}
		meta = u.meta
		meta.Version = schema.Version
		if err := writeMeta(root, meta); err != nil {
			return err
		}
	}

	parts := make(map[string]*partition, len(meta.Partitions))
	for _, pj := range meta.Partitions {
		recs, err := loadPartition(root, pj.Name)
		if err != nil {
			return err
		}
		p := &partition{auto: pj.AutoIncrement, nextID: pj.NextID, records: recs}
		for _, r := range recs {
			if r.ID >= p.nextID {
				p.nextID = r.ID + 1
			}
		}
		if p.nextID < 1 {
			p.nextID = 1
		}
		parts[pj.Name] = p
	}

	s.root = root
	s.version = meta.Version
	s.parts = parts
	s.lock = lock
	s.open = true
	ok = true
	return nil
}

// Close marks the store closed. Data is already on disk. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	s.parts = nil
	if s.lock == nil {
		return nil
	}
	err := s.lock.Close()
	s.lock = nil
	return err
}

// acquire takes the directory lock and reloads the named partition and
// the id counters from disk. The caller must hold s.mu and call the
// returned release when done.
func (s *Store) acquire(name string, exclusive bool) (func(), error) {
	if err := lockFile(s.lock, exclusive); err != nil {
		return nil, fmt.Errorf("lock %s: %w: %w", s.root, types.ErrStorage, err)
	}
	release := func() { unlockFile(s.lock) }
	if err := s.reload(name); err != nil {
		release()
		return nil, err
	}
	return release, nil
}

func (s *Store) reload(name string) error {
	meta, err := readMeta(s.root)
	if err != nil {
		return err
	}
	if meta.Version > s.version {
		return fmt.Errorf("%w: schema upgraded to version %d by another process", types.ErrStorage, meta.Version)
	}
	for _, pj := range meta.Partitions {
		if p, ok := s.parts[pj.Name]; ok && pj.NextID > p.nextID {
			p.nextID = pj.NextID
		}
	}
	recs, err := loadPartition(s.root, name)
	if err != nil {
		return err
	}
	p := s.parts[name]
	p.records = recs
	for _, r := range recs {
		if r.ID >= p.nextID {
			p.nextID = r.ID + 1
		}
	}
	return nil
}

// locked looks up the partition, then runs fn under the directory lock
// on freshly loaded records.
func (s *Store) locked(name string, auto, checkKind, exclusive bool, fn func(p *partition) error) error {
	p, err := s.lookup(name, auto, checkKind)
	if err != nil {
		return err
	}
	release, err := s.acquire(name, exclusive)
	if err != nil {
		return err
	}
	defer release()
	return fn(p)
}

func (s *Store) lookup(name string, auto, checkKind bool) (*partition, error) {
	if !s.open {
		return nil, types.ErrStoreClosed
	}
	p, ok := s.parts[name]
	if !ok {
		return nil, types.ErrPartitionNotFound
	}
	if checkKind && p.auto != auto {
		return nil, types.ErrPartitionMismatch
	}
	return p, nil
}

func (s *Store) Put(ctx context.Context, name, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.locked(name, false, true, true, func(p *partition) error {
		rec := types.Record{Key: key, Value: slices.Clone(value), UpdatedAt: s.now()}
		next := slices.Clone(p.records)
		if i := indexByKey(next, key); i >= 0 {
			rec.ID = next[i].ID
			next[i] = rec
		} else {
			rec.ID = p.nextID
			next = append(next, rec)
		}
		nextID := max(p.nextID, rec.ID+1)
		if err := s.persist(name, next, nextID, p.auto); err != nil {
			return err
		}
		p.records = next
		p.nextID = nextID
		return nil
	})
}

func (s *Store) Get(ctx context.Context, name, key string) (types.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec types.Record
	err := s.locked(name, false, true, false, func(p *partition) error {
		i := indexByKey(p.records, key)
		if i < 0 {
			return types.ErrNotFound
		}
		rec = cloneRecord(p.records[i])
		return nil
	})
	return rec, err
}

func (s *Store) Delete(ctx context.Context, name, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.locked(name, false, true, true, func(p *partition) error {
		i := indexByKey(p.records, key)
		if i < 0 {
			return nil
		}
		next := slices.Delete(slices.Clone(p.records), i, i+1)
		if err := s.persist(name, next, p.nextID, p.auto); err != nil {
			return err
		}
		p.records = next
		return nil
	})
}

func (s *Store) Add(ctx context.Context, name string, value []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	err := s.locked(name, true, true, true, func(p *partition) error {
		rec := types.Record{ID: p.nextID, Value: slices.Clone(value), UpdatedAt: s.now()}
		next := append(slices.Clone(p.records), rec)
		if err := s.persist(name, next, p.nextID+1, p.auto); err != nil {
			return err
		}
		p.records = next
		p.nextID++
		id = rec.ID
		return nil
	})
	return id, err
}

func (s *Store) Remove(ctx context.Context, name string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.locked(name, true, true, true, func(p *partition) error {
		i := slices.IndexFunc(p.records, func(r types.Record) bool { return r.ID == id })
		if i < 0 {
			return nil
		}
		next := slices.Delete(slices.Clone(p.records), i, i+1)
		if err := s.persist(name, next, p.nextID, p.auto); err != nil {
			return err
		}
		p.records = next
		return nil
	})
}

func (s *Store) GetAll(ctx context.Context, name string) ([]types.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.Record
	err := s.locked(name, false, false, false, func(p *partition) error {
		out = make([]types.Record, 0, len(p.records))
		for _, r := range p.records {
			out = append(out, cloneRecord(r))
		}
		return nil
	})
	return out, err
}

func (s *Store) Clear(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.locked(name, false, false, true, func(p *partition) error {
		if err := s.persist(name, nil, p.nextID, p.auto); err != nil {
			return err
		}
		p.records = nil
		return nil
	})
}

// persist writes the partition file and, for auto-increment partitions,
// the advanced id counter. The caller must hold s.mu.
func (s *Store) persist(name string, records []types.Record, nextID int64, auto bool) error {
	if err := writePartition(s.root, name, records); err != nil {
		return err
	}
	if !auto {
		return nil
	}
	meta := metaJSON{Version: s.version}
	for pname, p := range s.parts {
		pj := partitionJSON{Name: pname, AutoIncrement: p.auto, NextID: p.nextID}
		if pname == name {
			pj.NextID = nextID
		}
		meta.Partitions = append(meta.Partitions, pj)
	}
	slices.SortFunc(meta.Partitions, func(a, b partitionJSON) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return writeMeta(s.root, meta)
}

func indexByKey(records []types.Record, key string) int {
	return slices.IndexFunc(records, func(r types.Record) bool { return r.Key == key })
}

func cloneRecord(r types.Record) types.Record {
	r.Value = slices.Clone(r.Value)
	return r
}

func partitionPath(root, name string) string {
	return filepath.Join(root, name+".jsonl")
}

func loadPartition(root, name string) ([]types.Record, error) {
	lines, err := readLines(partitionPath(root, name))
	if err != nil {
		return nil, fmt.Errorf("load partition %s: %w: %w", name, types.ErrStorage, err)
	}
	recs := make([]types.Record, 0, len(lines))
	for _, line := range lines {
		var rj recordJSON
		if err := json.Unmarshal(line, &rj); err != nil {
			continue
		}
		recs = append(recs, types.Record{
			ID:        rj.ID,
			Key:       rj.Key,
			Value:     rj.Value,
			UpdatedAt: time.UnixMilli(rj.UpdatedAt),
		})
	}
	slices.SortStableFunc(recs, func(a, b types.Record) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return recs, nil
}

func writePartition(root, name string, records []types.Record) error {
	lines := make([]json.RawMessage, 0, len(records))
	for _, r := range records {
		line, err := json.Marshal(recordJSON{
			ID:        r.ID,
			Key:       r.Key,
			Value:     r.Value,
			UpdatedAt: r.UpdatedAt.UnixMilli(),
		})
		if err != nil {
			return fmt.Errorf("encode %s/%d: %w: %w", name, r.ID, types.ErrStorage, err)
		}
		lines = append(lines, line)
	}
	if err := writeLines(partitionPath(root, name), lines); err != nil {
		return fmt.Errorf("write partition %s: %w: %w", name, types.ErrStorage, err)
	}
	return nil
}

func readMeta(root string) (metaJSON, error) {
	var meta metaJSON
	data, err := os.ReadFile(filepath.Join(root, metaFile))
	if errors.Is(err, os.ErrNotExist) {
		return meta, nil
	}
	if err != nil {
		return meta, fmt.Errorf("read %s: %w: %w", metaFile, types.ErrStorage, err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("decode %s: %w: %w", metaFile, types.ErrStorage, err)
	}
	return meta, nil
}

func writeMeta(root string, meta metaJSON) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w: %w", metaFile, types.ErrStorage, err)
	}
	err = writeAtomic(filepath.Join(root, metaFile), func(w *bufio.Writer) error {
		_, err := w.Write(data)
		return err
	})
	if err != nil {
		return fmt.Errorf("write %s: %w: %w", metaFile, types.ErrStorage, err)
	}
	return nil
}

// upgrader stages partition changes against a copy of the catalog. Files
// are created or removed in commit, before the new meta.json is written.
type upgrader struct {
	root    string
	meta    metaJSON
	created []string
	deleted []string
}

func newUpgrader(root string, meta metaJSON) *upgrader {
	return &upgrader{root: root, meta: metaJSON{
		Version:    meta.Version,
		Partitions: slices.Clone(meta.Partitions),
	}}
}

func (u *upgrader) CreatePartition(p types.Partition) error {
	if err := types.ValidatePartitionName(p.Name); err != nil {
		return err
	}
	if slices.ContainsFunc(u.meta.Partitions, func(pj partitionJSON) bool { return pj.Name == p.Name }) {
		return nil
	}
	u.meta.Partitions = append(u.meta.Partitions, partitionJSON{Name: p.Name, AutoIncrement: p.AutoIncrement, NextID: 1})
	u.created = append(u.created, p.Name)
	u.deleted = slices.DeleteFunc(u.deleted, func(n string) bool { return n == p.Name })
	return nil
}

func (u *upgrader) DeletePartition(name string) error {
	if err := types.ValidatePartitionName(name); err != nil {
		return err
	}
	u.meta.Partitions = slices.DeleteFunc(u.meta.Partitions, func(pj partitionJSON) bool { return pj.Name == name })
	u.created = slices.DeleteFunc(u.created, func(n string) bool { return n == name })
	u.deleted = append(u.deleted, name)
	return nil
}

func (u *upgrader) commit() error {
	for _, name := range u.deleted {
		if err := os.Remove(partitionPath(u.root, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove partition %s: %w: %w", name, types.ErrStorage, err)
		}
	}
	for _, name := range u.created {
		path := partitionPath(u.root, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := writeLines(path, nil); err != nil {
			return fmt.Errorf("create partition %s: %w: %w", name, types.ErrStorage, err)
		}
	}
	return nil
}
