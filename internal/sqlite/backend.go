// Package sqlite implements types.Store on an embedded SQLite database.
// Each partition is its own table; schema versions and the partition
// catalog live in two bookkeeping tables.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

var _ types.Store = (*Backend)(nil)

// DefaultBusyTimeout bounds how long a connection waits on a lock held by
// another process.
const DefaultBusyTimeout = 5 * time.Second

// FileName is the database file created inside the data directory.
const FileName = "fieldsync.db"

// Backend implements types.Store using SQLite.
type Backend struct {
	mu         sync.RWMutex
	path       string
	db         *sql.DB
	open       bool
	partitions map[string]types.Partition

	init singleflight.Group
	now  func() time.Time
}

// NewBackend creates a backend for the database file at path. The file is
// created on Open. The path ":memory:" opens a private in-memory database.
func NewBackend(path string) *Backend {
	return &Backend{
		path: path,
		now:  time.Now,
	}
}

// dsn builds the connection string. The path is escaped into a file: URI
// so characters such as '?' and '#' stay part of the file name.
// _txlock=immediate makes every transaction take the write lock up front,
// so two processes opening the same file run their upgrades one after the
// other.
func dsn(path string) string {
	if path == ":memory:" {
		return path
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	p := filepath.ToSlash(path)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	u := url.URL{
		Scheme:   "file",
		Path:     p,
		RawQuery: fmt.Sprintf("_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_txlock=immediate", DefaultBusyTimeout.Milliseconds()),
	}
	return u.String()
}

// Open creates the database if needed and applies the schema upgrade.
// Concurrent callers share one initialization.
func (b *Backend) Open(ctx context.Context, schema types.Schema) error {
	if err := schema.Validate(); err != nil {
		return err
	}
	_, err, _ := b.init.Do("open", func() (any, error) {
		return nil, b.openLocked(ctx, schema)
	})
	return err
}

func (b *Backend) openLocked(ctx context.Context, schema types.Schema) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.open {
		return nil
	}

	if b.path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
			return fmt.Errorf("create data directory: %w: %w", types.ErrStorage, err)
		}
	}

	db, err := sql.Open("sqlite", dsn(b.path))
	if err != nil {
		return fmt.Errorf("open database: %w: %w", types.ErrStorage, err)
	}
	// One connection serializes writers within the process and keeps
	// ":memory:" databases on a single handle.
	db.SetMaxOpenConns(1)

	if err := migrate(ctx, db, schema, b.now()); err != nil {
		db.Close()
		return err
	}

	parts, err := loadPartitions(ctx, db)
	if err != nil {
		db.Close()
		return err
	}

	b.db = db
	b.partitions = parts
	b.open = true
	return nil
}

// migrate brings the database up to schema.Version inside one transaction.
func migrate(ctx context.Context, db *sql.DB, schema types.Schema, now time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upgrade: %w: %w", types.ErrStorage, err)
	}
	defer tx.Rollback()

	for _, stmt := range bootstrapDDL {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create bookkeeping tables: %w: %w", types.ErrStorage, err)
		}
	}

	var version int
	err = tx.QueryRowContext(ctx, "SELECT version FROM fieldsync_meta WHERE name = ?", schema.Name).Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read schema version: %w: %w", types.ErrStorage, err)
	}

	if version > schema.Version {
		return fmt.Errorf("%w: stored %d, requested %d", types.ErrVersionDowngrade, version, schema.Version)
	}
	if version == schema.Version {
		return nil
	}

	if err := schema.Upgrade(&upgrader{ctx: ctx, tx: tx}, version, schema.Version); err != nil {
		return fmt.Errorf("upgrade %s from %d to %d: %w", schema.Name, version, schema.Version, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO fieldsync_meta (name, version, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			version = excluded.version,
			updated_at = excluded.updated_at`,
		schema.Name, schema.Version, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("write schema version: %w: %w", types.ErrStorage, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upgrade: %w: %w", types.ErrStorage, err)
	}
	return nil
}

// upgrader applies partition changes inside the upgrade transaction.
type upgrader struct {
	ctx context.Context
	tx  *sql.Tx
}

func (u *upgrader) CreatePartition(p types.Partition) error {
	if err := types.ValidatePartitionName(p.Name); err != nil {
		return err
	}
	if _, err := u.tx.ExecContext(u.ctx, createPartitionSQL(p.Name)); err != nil {
		return fmt.Errorf("create partition %s: %w: %w", p.Name, types.ErrStorage, err)
	}
	_, err := u.tx.ExecContext(u.ctx,
		"INSERT INTO fieldsync_partitions (name, auto_increment) VALUES (?, ?) ON CONFLICT(name) DO NOTHING",
		p.Name, boolToInt(p.AutoIncrement))
	if err != nil {
		return fmt.Errorf("register partition %s: %w: %w", p.Name, types.ErrStorage, err)
	}
	return nil
}

func (u *upgrader) DeletePartition(name string) error {
	if err := types.ValidatePartitionName(name); err != nil {
		return err
	}
	if _, err := u.tx.ExecContext(u.ctx, "DROP TABLE IF EXISTS "+tableName(name)); err != nil {
		return fmt.Errorf("drop partition %s: %w: %w", name, types.ErrStorage, err)
	}
	if _, err := u.tx.ExecContext(u.ctx, "DELETE FROM fieldsync_partitions WHERE name = ?", name); err != nil {
		return fmt.Errorf("unregister partition %s: %w: %w", name, types.ErrStorage, err)
	}
	return nil
}

func loadPartitions(ctx context.Context, db *sql.DB) (map[string]types.Partition, error) {
	rows, err := db.QueryContext(ctx, "SELECT name, auto_increment FROM fieldsync_partitions")
	if err != nil {
		return nil, fmt.Errorf("load partitions: %w: %w", types.ErrStorage, err)
	}
	defer rows.Close()

	parts := make(map[string]types.Partition)
	for rows.Next() {
		var p types.Partition
		var auto int
		if err := rows.Scan(&p.Name, &auto); err != nil {
			return nil, fmt.Errorf("scan partition: %w: %w", types.ErrStorage, err)
		}
		p.AutoIncrement = auto != 0
		parts[p.Name] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load partitions: %w: %w", types.ErrStorage, err)
	}
	return parts, nil
}

// Close releases the database handle. Idempotent.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return nil
	}
	b.open = false
	b.partitions = nil
	db := b.db
	b.db = nil
	if err := db.Close(); err != nil {
		return fmt.Errorf("close database: %w: %w", types.ErrStorage, err)
	}
	return nil
}

// table resolves a partition to its table name and checks its kind. The
// caller must hold b.mu.
func (b *Backend) table(partition string, auto, checkKind bool) (string, error) {
	if !b.open {
		return "", types.ErrStoreClosed
	}
	p, ok := b.partitions[partition]
	if !ok {
		return "", types.ErrPartitionNotFound
	}
	if checkKind && p.AutoIncrement != auto {
		return "", types.ErrPartitionMismatch
	}
	return tableName(partition), nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
