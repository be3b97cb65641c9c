package jsonl

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/fieldsync/internal/storage/storetest"
	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, dir string) types.Store {
		return NewStore(dir)
	}, storetest.Options{Durable: true})
}

func TestFilesCreatedOnOpen(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	require.NoError(t, s.Open(context.Background(), types.DefaultSchema()))
	defer s.Close()

	for _, name := range []string{
		metaFile,
		types.DatasetsPartition + ".jsonl",
		types.PendingActionsPartition + ".jsonl",
		types.DeadActionsPartition + ".jsonl",
	} {
		path := filepath.Join(dir, types.SchemaName, name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			t.Errorf("expected %s to be created", name)
		}
	}
}

func TestRecordsWrittenOnePerLine(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := NewStore(dir)
	require.NoError(t, s.Open(ctx, types.DefaultSchema()))
	defer s.Close()

	_, err := s.Add(ctx, types.PendingActionsPartition, []byte(`{"type":"CREATE_TASK"}`))
	require.NoError(t, err)
	_, err = s.Add(ctx, types.PendingActionsPartition, []byte(`{"type":"UPDATE_JOB"}`))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, types.SchemaName, types.PendingActionsPartition+".jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"id":1`)
	assert.Contains(t, lines[1], `"id":2`)
}

func TestMalformedLinesSkipped(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s1 := NewStore(dir)
	require.NoError(t, s1.Open(ctx, types.DefaultSchema()))
	require.NoError(t, s1.Put(ctx, types.DatasetsPartition, "jobs", []byte("[]")))
	require.NoError(t, s1.Close())

	path := filepath.Join(dir, types.SchemaName, types.DatasetsPartition+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2 := NewStore(dir)
	require.NoError(t, s2.Open(ctx, types.DefaultSchema()))
	defer s2.Close()

	all, err := s2.GetAll(ctx, types.DatasetsPartition)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "jobs", all[0].Key)
}

func TestNoTempFilesLeftBehind(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := NewStore(dir)
	require.NoError(t, s.Open(ctx, types.DefaultSchema()))
	defer s.Close()

	for range 5 {
		require.NoError(t, s.Put(ctx, types.DatasetsPartition, "jobs", []byte("[]")))
	}

	entries, err := os.ReadDir(filepath.Join(dir, types.SchemaName))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "leftover %s", e.Name())
	}
}

// Two handles on one directory stand in for two processes.
func TestConcurrentHandlesShareIDs(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	handles := make([]*Store, 2)
	for i := range handles {
		handles[i] = NewStore(dir)
		require.NoError(t, handles[i].Open(ctx, types.DefaultSchema()))
		defer handles[i].Close()
	}

	const perHandle = 10
	var wg sync.WaitGroup
	errs := make(chan error, 2*perHandle)
	for _, h := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perHandle {
				_, err := h.Add(ctx, types.PendingActionsPartition, []byte(`{}`))
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	fresh := NewStore(dir)
	require.NoError(t, fresh.Open(ctx, types.DefaultSchema()))
	defer fresh.Close()
	all, err := fresh.GetAll(ctx, types.PendingActionsPartition)
	require.NoError(t, err)
	require.Len(t, all, 2*perHandle)
	seen := make(map[int64]bool)
	for _, r := range all {
		assert.False(t, seen[r.ID], "duplicate id %d", r.ID)
		seen[r.ID] = true
	}

	_, err = os.Stat(filepath.Join(dir, types.SchemaName, lockName))
	assert.NoError(t, err)
}
