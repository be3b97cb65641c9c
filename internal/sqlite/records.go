package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

func (b *Backend) Put(ctx context.Context, partition, key string, value []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	tbl, err := b.table(partition, false, true)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (record_key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(record_key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`, tbl),
		key, value, b.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("put %s/%s: %w: %w", partition, key, types.ErrStorage, err)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, partition, key string) (types.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	tbl, err := b.table(partition, false, true)
	if err != nil {
		return types.Record{}, err
	}
	row := b.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT id, record_key, value, updated_at FROM %s WHERE record_key = ?", tbl), key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Record{}, types.ErrNotFound
	}
	if err != nil {
		return types.Record{}, fmt.Errorf("get %s/%s: %w: %w", partition, key, types.ErrStorage, err)
	}
	return rec, nil
}

func (b *Backend) Delete(ctx context.Context, partition, key string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	tbl, err := b.table(partition, false, true)
	if err != nil {
		return err
	}
	if _, err := b.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE record_key = ?", tbl), key); err != nil {
		return fmt.Errorf("delete %s/%s: %w: %w", partition, key, types.ErrStorage, err)
	}
	return nil
}

func (b *Backend) Add(ctx context.Context, partition string, value []byte) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	tbl, err := b.table(partition, true, true)
	if err != nil {
		return 0, err
	}
	res, err := b.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (value, updated_at) VALUES (?, ?)", tbl),
		value, b.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("add %s: %w: %w", partition, types.ErrStorage, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("add %s: %w: %w", partition, types.ErrStorage, err)
	}
	return id, nil
}

func (b *Backend) Remove(ctx context.Context, partition string, id int64) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	tbl, err := b.table(partition, true, true)
	if err != nil {
		return err
	}
	if _, err := b.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", tbl), id); err != nil {
		return fmt.Errorf("remove %s/%d: %w: %w", partition, id, types.ErrStorage, err)
	}
	return nil
}

func (b *Backend) GetAll(ctx context.Context, partition string) ([]types.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	tbl, err := b.table(partition, false, false)
	if err != nil {
		return nil, err
	}
	rows, err := b.db.QueryContext(ctx,
		fmt.Sprintf("SELECT id, record_key, value, updated_at FROM %s ORDER BY id", tbl))
	if err != nil {
		return nil, fmt.Errorf("get all %s: %w: %w", partition, types.ErrStorage, err)
	}
	defer rows.Close()

	var out []types.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w: %w", partition, types.ErrStorage, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get all %s: %w: %w", partition, types.ErrStorage, err)
	}
	return out, nil
}

func (b *Backend) Clear(ctx context.Context, partition string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	tbl, err := b.table(partition, false, false)
	if err != nil {
		return err
	}
	if _, err := b.db.ExecContext(ctx, "DELETE FROM "+tbl); err != nil {
		return fmt.Errorf("clear %s: %w: %w", partition, types.ErrStorage, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (types.Record, error) {
	var rec types.Record
	var key sql.NullString
	var updatedAt int64
	if err := s.Scan(&rec.ID, &key, &rec.Value, &updatedAt); err != nil {
		return types.Record{}, err
	}
	rec.Key = key.String
	rec.UpdatedAt = time.UnixMilli(updatedAt)
	return rec, nil
}
