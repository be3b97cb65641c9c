// Package storetest is a conformance suite every types.Store backend runs.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

// Factory creates a store rooted at dir. Durable backends must return a
// store that sees data written by an earlier store on the same dir.
type Factory func(t *testing.T, dir string) types.Store

// Options describes backend capabilities.
type Options struct {
	Durable bool
}

// V1Schema is the default schema as it was before dead_actions existed.
func V1Schema() types.Schema {
	s := types.DefaultSchema()
	s.Version = 1
	return s
}

// Run executes the suite.
func Run(t *testing.T, newStore Factory, opts Options) {
	t.Run("OperationsBeforeOpen", func(t *testing.T) { testBeforeOpen(t, newStore) })
	t.Run("PutReplaces", func(t *testing.T) { testPutReplaces(t, newStore) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore) })
	t.Run("EmptyValueIsFound", func(t *testing.T) { testEmptyValue(t, newStore) })
	t.Run("DeleteIdempotent", func(t *testing.T) { testDelete(t, newStore) })
	t.Run("GetAllInsertionOrder", func(t *testing.T) { testGetAllOrder(t, newStore) })
	t.Run("AddRemove", func(t *testing.T) { testAddRemove(t, newStore) })
	t.Run("ConcurrentAdd", func(t *testing.T) { testConcurrentAdd(t, newStore) })
	t.Run("PartitionKinds", func(t *testing.T) { testPartitionKinds(t, newStore) })
	t.Run("Clear", func(t *testing.T) { testClear(t, newStore) })
	t.Run("ConcurrentOpen", func(t *testing.T) { testConcurrentOpen(t, newStore) })
	t.Run("CloseIdempotent", func(t *testing.T) { testClose(t, newStore) })
	if opts.Durable {
		t.Run("Reopen", func(t *testing.T) { testReopen(t, newStore) })
		t.Run("UpgradeFromV1", func(t *testing.T) { testUpgrade(t, newStore) })
		t.Run("VersionDowngrade", func(t *testing.T) { testDowngrade(t, newStore) })
		t.Run("IDsSurviveReopen", func(t *testing.T) { testIDsSurviveReopen(t, newStore) })
		t.Run("SharedDirectory", func(t *testing.T) { testSharedDirectory(t, newStore) })
	}
}

func openStore(t *testing.T, newStore Factory, dir string) types.Store {
	t.Helper()
	s := newStore(t, dir)
	require.NoError(t, s.Open(context.Background(), types.DefaultSchema()))
	t.Cleanup(func() { s.Close() })
	return s
}

func testBeforeOpen(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, t.TempDir())

	err := s.Put(ctx, types.DatasetsPartition, "jobs", []byte("[]"))
	assert.ErrorIs(t, err, types.ErrStoreClosed)
	_, err = s.Get(ctx, types.DatasetsPartition, "jobs")
	assert.ErrorIs(t, err, types.ErrStoreClosed)
	_, err = s.Add(ctx, types.PendingActionsPartition, []byte("{}"))
	assert.ErrorIs(t, err, types.ErrStoreClosed)
	_, err = s.GetAll(ctx, types.PendingActionsPartition)
	assert.ErrorIs(t, err, types.ErrStoreClosed)
}

func testPutReplaces(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := openStore(t, newStore, t.TempDir())

	require.NoError(t, s.Put(ctx, types.DatasetsPartition, "jobs", []byte(`{"a":1,"b":2}`)))
	require.NoError(t, s.Put(ctx, types.DatasetsPartition, "jobs", []byte(`{"c":3}`)))

	rec, err := s.Get(ctx, types.DatasetsPartition, "jobs")
	require.NoError(t, err)
	assert.Equal(t, "jobs", rec.Key)
	assert.Equal(t, `{"c":3}`, string(rec.Value))
	assert.False(t, rec.UpdatedAt.IsZero())

	all, err := s.GetAll(ctx, types.DatasetsPartition)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testGetMissing(t *testing.T, newStore Factory) {
	s := openStore(t, newStore, t.TempDir())
	_, err := s.Get(context.Background(), types.DatasetsPartition, "nope")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func testEmptyValue(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := openStore(t, newStore, t.TempDir())

	require.NoError(t, s.Put(ctx, types.DatasetsPartition, "empty", []byte{}))
	rec, err := s.Get(ctx, types.DatasetsPartition, "empty")
	require.NoError(t, err)
	assert.Empty(t, rec.Value)
}

func testDelete(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := openStore(t, newStore, t.TempDir())

	require.NoError(t, s.Put(ctx, types.DatasetsPartition, "tasks", []byte("[]")))
	require.NoError(t, s.Delete(ctx, types.DatasetsPartition, "tasks"))
	require.NoError(t, s.Delete(ctx, types.DatasetsPartition, "tasks"))
	_, err := s.Get(ctx, types.DatasetsPartition, "tasks")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func testGetAllOrder(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := openStore(t, newStore, t.TempDir())

	for _, k := range []string{"projects", "jobs", "tasks"} {
		require.NoError(t, s.Put(ctx, types.DatasetsPartition, k, []byte(k)))
	}
	// Replacing a key keeps its position.
	require.NoError(t, s.Put(ctx, types.DatasetsPartition, "projects", []byte("v2")))

	all, err := s.GetAll(ctx, types.DatasetsPartition)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "projects", all[0].Key)
	assert.Equal(t, "v2", string(all[0].Value))
	assert.Equal(t, "jobs", all[1].Key)
	assert.Equal(t, "tasks", all[2].Key)
}

func testAddRemove(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := openStore(t, newStore, t.TempDir())

	var ids []int64
	for i := range 3 {
		id, err := s.Add(ctx, types.PendingActionsPartition, []byte(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Less(t, ids[0], ids[1])
	assert.Less(t, ids[1], ids[2])

	require.NoError(t, s.Remove(ctx, types.PendingActionsPartition, ids[1]))
	require.NoError(t, s.Remove(ctx, types.PendingActionsPartition, ids[1]))

	all, err := s.GetAll(ctx, types.PendingActionsPartition)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, ids[0], all[0].ID)
	assert.Equal(t, `{"n":0}`, string(all[0].Value))
	assert.Equal(t, ids[2], all[1].ID)
	assert.Empty(t, all[1].Key)

	// Ids are never reused after removal.
	next, err := s.Add(ctx, types.PendingActionsPartition, []byte(`{}`))
	require.NoError(t, err)
	assert.Greater(t, next, ids[2])
}

func testConcurrentAdd(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := openStore(t, newStore, t.TempDir())

	const n = 20
	var wg sync.WaitGroup
	ids := make([]int64, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids[i], errs[i] = s.Add(ctx, types.PendingActionsPartition, []byte(`{}`))
		}()
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for i := range n {
		require.NoError(t, errs[i])
		assert.False(t, seen[ids[i]], "duplicate id %d", ids[i])
		seen[ids[i]] = true
	}
	all, err := s.GetAll(ctx, types.PendingActionsPartition)
	require.NoError(t, err)
	assert.Len(t, all, n)
}

func testPartitionKinds(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := openStore(t, newStore, t.TempDir())

	err := s.Put(ctx, types.PendingActionsPartition, "k", []byte("v"))
	assert.ErrorIs(t, err, types.ErrPartitionMismatch)
	_, err = s.Add(ctx, types.DatasetsPartition, []byte("v"))
	assert.ErrorIs(t, err, types.ErrPartitionMismatch)
	err = s.Put(ctx, "invoices", "k", []byte("v"))
	assert.ErrorIs(t, err, types.ErrPartitionNotFound)
	_, err = s.GetAll(ctx, "invoices")
	assert.ErrorIs(t, err, types.ErrPartitionNotFound)
}

func testClear(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := openStore(t, newStore, t.TempDir())

	require.NoError(t, s.Put(ctx, types.DatasetsPartition, "jobs", []byte("[]")))
	_, err := s.Add(ctx, types.PendingActionsPartition, []byte("{}"))
	require.NoError(t, err)

	require.NoError(t, s.Clear(ctx, types.DatasetsPartition))

	all, err := s.GetAll(ctx, types.DatasetsPartition)
	require.NoError(t, err)
	assert.Empty(t, all)
	pending, err := s.GetAll(ctx, types.PendingActionsPartition)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "clearing one partition leaves others intact")
}

func testConcurrentOpen(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, t.TempDir())
	t.Cleanup(func() { s.Close() })

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.Open(ctx, types.DefaultSchema())
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	require.NoError(t, s.Open(ctx, types.DefaultSchema()))

	for _, p := range []string{types.PendingActionsPartition, types.DeadActionsPartition} {
		_, err := s.Add(ctx, p, []byte("{}"))
		require.NoError(t, err, p)
	}
	require.NoError(t, s.Put(ctx, types.DatasetsPartition, "jobs", []byte("[]")))
}

func testClose(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, t.TempDir())
	require.NoError(t, s.Open(ctx, types.DefaultSchema()))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Get(ctx, types.DatasetsPartition, "jobs")
	assert.ErrorIs(t, err, types.ErrStoreClosed)
}

func testReopen(t *testing.T, newStore Factory) {
	ctx := context.Background()
	dir := t.TempDir()

	s1 := newStore(t, dir)
	require.NoError(t, s1.Open(ctx, types.DefaultSchema()))
	require.NoError(t, s1.Put(ctx, types.DatasetsPartition, "jobs", []byte(`[{"id":1}]`)))
	_, err := s1.Add(ctx, types.PendingActionsPartition, []byte(`{"type":"UPDATE_JOB"}`))
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2 := openStore(t, newStore, dir)
	rec, err := s2.Get(ctx, types.DatasetsPartition, "jobs")
	require.NoError(t, err)
	assert.Equal(t, `[{"id":1}]`, string(rec.Value))
	pending, err := s2.GetAll(ctx, types.PendingActionsPartition)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func testUpgrade(t *testing.T, newStore Factory) {
	ctx := context.Background()
	dir := t.TempDir()

	s1 := newStore(t, dir)
	require.NoError(t, s1.Open(ctx, V1Schema()))
	require.NoError(t, s1.Put(ctx, types.DatasetsPartition, "projects", []byte(`[]`)))
	_, err := s1.Add(ctx, types.DeadActionsPartition, []byte(`{}`))
	assert.ErrorIs(t, err, types.ErrPartitionNotFound)
	require.NoError(t, s1.Close())

	s2 := openStore(t, newStore, dir)
	_, err = s2.Add(ctx, types.DeadActionsPartition, []byte(`{}`))
	require.NoError(t, err)
	rec, err := s2.Get(ctx, types.DatasetsPartition, "projects")
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(rec.Value))
}

func testDowngrade(t *testing.T, newStore Factory) {
	ctx := context.Background()
	dir := t.TempDir()

	s1 := newStore(t, dir)
	require.NoError(t, s1.Open(ctx, types.DefaultSchema()))
	require.NoError(t, s1.Close())

	s2 := newStore(t, dir)
	t.Cleanup(func() { s2.Close() })
	err := s2.Open(ctx, V1Schema())
	assert.ErrorIs(t, err, types.ErrVersionDowngrade)
}

func testIDsSurviveReopen(t *testing.T, newStore Factory) {
	ctx := context.Background()
	dir := t.TempDir()

	s1 := newStore(t, dir)
	require.NoError(t, s1.Open(ctx, types.DefaultSchema()))
	first, err := s1.Add(ctx, types.PendingActionsPartition, []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, s1.Remove(ctx, types.PendingActionsPartition, first))
	require.NoError(t, s1.Close())

	s2 := openStore(t, newStore, dir)
	next, err := s2.Add(ctx, types.PendingActionsPartition, []byte(`{}`))
	require.NoError(t, err)
	assert.Greater(t, next, first)
}

// testSharedDirectory opens two handles on one directory, as a running
// server and a shell command would.
func testSharedDirectory(t *testing.T, newStore Factory) {
	ctx := context.Background()
	dir := t.TempDir()
	a := openStore(t, newStore, dir)
	b := openStore(t, newStore, dir)

	idA, err := a.Add(ctx, types.PendingActionsPartition, []byte(`"from-a"`))
	require.NoError(t, err)
	idB, err := b.Add(ctx, types.PendingActionsPartition, []byte(`"from-b"`))
	require.NoError(t, err)
	assert.NotEqual(t, idA, idB)

	require.NoError(t, a.Put(ctx, types.DatasetsPartition, "jobs", []byte("[1]")))
	require.NoError(t, b.Put(ctx, types.DatasetsPartition, "tasks", []byte("[2]")))
	got, err := b.Get(ctx, types.DatasetsPartition, "jobs")
	require.NoError(t, err)
	assert.Equal(t, "[1]", string(got.Value))

	c := openStore(t, newStore, dir)
	all, err := c.GetAll(ctx, types.PendingActionsPartition)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, `"from-a"`, string(all[0].Value))
	assert.Equal(t, `"from-b"`, string(all[1].Value))

	datasets, err := c.GetAll(ctx, types.DatasetsPartition)
	require.NoError(t, err)
	assert.Len(t, datasets, 2)

	require.NoError(t, a.Remove(ctx, types.PendingActionsPartition, idB))
	all, err = b.GetAll(ctx, types.PendingActionsPartition)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, idA, all[0].ID)
}
