package offline

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/fieldsync/internal/cache"
	"github.com/mesh-intelligence/fieldsync/internal/memory"
	"github.com/mesh-intelligence/fieldsync/internal/remote/remotetest"
	"github.com/mesh-intelligence/fieldsync/internal/storage/storetest"
	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

func newService(t *testing.T, online bool, mutate func(*Options)) (*Service, *remotetest.Fake) {
	t.Helper()
	remote := remotetest.New()
	opts := Options{
		Config:        types.DefaultConfig(),
		Store:         memory.NewStore(),
		Remote:        remote,
		InitialOnline: online,
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s, remote
}

// The offline edit, reconnect, automatic replay round trip.
func TestOfflineEditReplayedOnReconnect(t *testing.T) {
	ctx := context.Background()
	s, remote := newService(t, true, func(o *Options) {
		o.Now = func() time.Time { return time.UnixMilli(1000) }
	})

	s.CacheData(ctx, "jobs", json.RawMessage(`[{"id":1,"status":"open"}]`))
	cached, ok := s.GetCachedData(ctx, "jobs")
	require.True(t, ok)
	assert.Equal(t, int64(1000), cached.Timestamp)

	s.Monitor().Set(false)
	assert.False(t, s.IsOnline())

	called := false
	res, err := s.Load(ctx, "jobs", func(context.Context) (json.RawMessage, error) {
		called = true
		return json.RawMessage(`[]`), nil
	})
	require.NoError(t, err)
	assert.False(t, called, "fetch must not run while offline")
	assert.Equal(t, cache.SourceCache, res.Source)
	assert.JSONEq(t, `[{"id":1,"status":"open"}]`, string(res.Dataset.Data))

	_, err = s.QueueAction(ctx, "UPDATE_JOB", json.RawMessage(`{"id":1,"status":"closed"}`))
	require.NoError(t, err)
	require.Len(t, s.PendingActions(), 1)

	s.Monitor().Set(true)

	require.Eventually(t, func() bool {
		return len(s.PendingActions()) == 0 && !s.IsSyncing()
	}, 2*time.Second, 5*time.Millisecond)

	calls := remote.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "update", calls[0].Op)
	assert.Equal(t, "jobs", calls[0].Table)
	assert.Equal(t, "1", calls[0].ID)
	assert.JSONEq(t, `{"status":"closed"}`, string(calls[0].Record))
}

func TestGoingOfflineDoesNotSync(t *testing.T) {
	s, remote := newService(t, true, nil)
	_, err := s.QueueAction(context.Background(), "CREATE_TASK", json.RawMessage(`{}`))
	require.NoError(t, err)

	s.Monitor().Set(false)
	s.Close()
	assert.Empty(t, remote.Calls())
}

func TestMutatePolicies(t *testing.T) {
	tests := []struct {
		name        string
		online      bool
		policies    map[string]string
		typ         types.ActionType
		wantApplied bool
		wantQueued  bool
		wantErr     error
	}{
		{name: "online applies", online: true, typ: "CREATE_PROJECT", wantApplied: true},
		{name: "offline queues jobs", typ: "UPDATE_JOB", wantQueued: true},
		{name: "offline queues tasks", typ: "CREATE_TASK", wantQueued: true},
		{name: "offline blocks projects", typ: "CREATE_PROJECT", wantErr: types.ErrOfflineBlocked},
		{
			name:       "configured policy",
			policies:   map[string]string{"projects": "queue"},
			typ:        "CREATE_PROJECT",
			wantQueued: true,
		},
		{name: "unknown type", online: true, typ: "CREATE_INVOICE", wantErr: types.ErrUnknownAction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, remote := newService(t, tt.online, func(o *Options) {
				if tt.policies != nil {
					o.Config.Policies = tt.policies
				}
			})
			res, err := s.Mutate(context.Background(), tt.typ, json.RawMessage(`{"id":"x1","name":"n"}`))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, s.PendingActions())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantApplied, res.Applied)
			assert.Equal(t, tt.wantQueued, res.Queued)
			if tt.wantQueued {
				assert.Len(t, s.PendingActions(), 1)
				assert.Empty(t, remote.Calls())
			}
			if tt.wantApplied {
				assert.Len(t, remote.Calls(), 1)
				assert.Empty(t, s.PendingActions())
			}
		})
	}
}

// updateStatuses lists the status field of every update sent to the
// remote, in call order.
func updateStatuses(t *testing.T, remote *remotetest.Fake) []string {
	t.Helper()
	var out []string
	for _, c := range remote.Calls() {
		if c.Op != "update" {
			continue
		}
		var row struct {
			Status string `json:"status"`
		}
		require.NoError(t, json.Unmarshal(c.Record, &row))
		out = append(out, row.Status)
	}
	return out
}

func TestOnlineMutateKeepsEntityOrder(t *testing.T) {
	tests := []struct {
		name        string
		recover     bool
		wantQueued  bool
		wantUpdates []string
	}{
		{
			name:        "queue drains before the mutation",
			recover:     true,
			wantUpdates: []string{"closed", "closed", "open"},
		},
		{
			name:        "mutation queued behind a stuck action",
			wantQueued:  true,
			wantUpdates: []string{"closed", "closed", "closed", "open"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s, remote := newService(t, true, nil)

			_, err := s.QueueAction(ctx, "UPDATE_JOB", json.RawMessage(`{"id":1,"status":"closed"}`))
			require.NoError(t, err)
			remote.FailWith(types.ErrRemote)
			report, err := s.Sync(ctx)
			require.NoError(t, err)
			require.Equal(t, 1, report.Failed)

			if tt.recover {
				remote.SetHandler(nil)
			}
			res, err := s.Mutate(ctx, "UPDATE_JOB", json.RawMessage(`{"id":1,"status":"open"}`))
			require.NoError(t, err)
			assert.Equal(t, tt.wantQueued, res.Queued)
			assert.Equal(t, !tt.wantQueued, res.Applied)

			if tt.wantQueued {
				pending := s.PendingActions()
				require.Len(t, pending, 2)
				assert.JSONEq(t, `{"id":1,"status":"open"}`, string(pending[1].Payload))
				remote.SetHandler(nil)
				_, err = s.Sync(ctx)
				require.NoError(t, err)
			}

			assert.Empty(t, s.PendingActions())
			assert.Equal(t, tt.wantUpdates, updateStatuses(t, remote))
		})
	}
}

func TestOnlineMutateIgnoresOtherEntities(t *testing.T) {
	ctx := context.Background()
	s, remote := newService(t, true, nil)

	_, err := s.QueueAction(ctx, "CREATE_TASK", json.RawMessage(`{"name":"t"}`))
	require.NoError(t, err)
	remote.FailWith(types.ErrRemote)
	_, err = s.Sync(ctx)
	require.NoError(t, err)
	remote.SetHandler(nil)

	res, err := s.Mutate(ctx, "UPDATE_JOB", json.RawMessage(`{"id":1,"status":"open"}`))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Len(t, s.PendingActions(), 1)
	assert.Equal(t, []string{"open"}, updateStatuses(t, remote))
}

func TestInvalidPolicyConfig(t *testing.T) {
	cfg := types.DefaultConfig()
	cfg.Policies = map[string]string{"invoices": "queue"}
	_, err := New(Options{Config: cfg, Store: memory.NewStore()})
	assert.ErrorIs(t, err, types.ErrUnknownEntity)
}

func TestConcurrentSyncRunsOneDrain(t *testing.T) {
	ctx := context.Background()
	s, remote := newService(t, true, nil)
	_, err := s.QueueAction(ctx, "CREATE_TASK", json.RawMessage(`{}`))
	require.NoError(t, err)

	release := make(chan struct{})
	var inFlight atomic.Int32
	remote.SetHandler(func(ctx context.Context, c remotetest.Call) (json.RawMessage, error) {
		inFlight.Add(1)
		<-release
		return c.Record, nil
	})

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.SyncPendingActions(ctx))
		}()
	}
	require.Eventually(t, func() bool { return inFlight.Load() == 1 }, time.Second, time.Millisecond)
	assert.True(t, s.IsSyncing())
	close(release)
	wg.Wait()

	assert.Len(t, remote.Calls(), 1)
	assert.Empty(t, s.PendingActions())
}

func TestFallbackToMemoryStore(t *testing.T) {
	ctx := context.Background()
	broken := storetest.NewFaulty(memory.NewStore())
	broken.Fail("open", types.ErrStorage)

	s, _ := newService(t, false, func(o *Options) { o.Store = broken })
	assert.True(t, s.UsingFallbackStore())

	s.CacheData(ctx, "tasks", json.RawMessage(`[]`))
	_, ok := s.GetCachedData(ctx, "tasks")
	assert.True(t, ok)
	_, err := s.QueueAction(ctx, "CREATE_TASK", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Len(t, s.PendingActions(), 1)
}

func TestStorageFaultsDegrade(t *testing.T) {
	ctx := context.Background()
	store := storetest.NewFaulty(memory.NewStore())
	s, _ := newService(t, false, func(o *Options) { o.Store = store })

	store.Fail("put", types.ErrStorage)
	store.Fail("get", types.ErrStorage)
	assert.NotPanics(t, func() { s.CacheData(ctx, "jobs", json.RawMessage(`[]`)) })
	_, ok := s.GetCachedData(ctx, "jobs")
	assert.False(t, ok)
}

func TestWatch(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t, false, nil)

	var mu sync.Mutex
	var seen []Status
	unsubscribe := s.Watch(func(st Status) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})

	_, err := s.QueueAction(ctx, "CREATE_JOB", json.RawMessage(`{}`))
	require.NoError(t, err)

	mu.Lock()
	require.NotEmpty(t, seen)
	assert.Equal(t, Status{Online: false, Pending: 1}, seen[len(seen)-1])
	mu.Unlock()

	s.Monitor().Set(true)
	require.Eventually(t, func() bool { return s.Status() == Status{Online: true} }, time.Second, 5*time.Millisecond)
	s.bg.Wait()

	unsubscribe()
	mu.Lock()
	n := len(seen)
	mu.Unlock()
	s.Monitor().Set(false)
	mu.Lock()
	assert.Equal(t, n, len(seen))
	mu.Unlock()
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t, false, nil)
	s.CacheData(ctx, "projects", json.RawMessage(`[{"id":1}]`))
	_, err := s.QueueAction(ctx, "CREATE_TASK", json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, s.Reset(ctx))
	_, ok := s.GetCachedData(ctx, "projects")
	assert.False(t, ok)
	assert.Empty(t, s.PendingActions())
}

func TestDeleteAndClearCache(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t, false, nil)
	s.CacheData(ctx, "projects", json.RawMessage(`[]`))
	s.CacheData(ctx, "jobs", json.RawMessage(`[]`))
	_, err := s.QueueAction(ctx, "CREATE_TASK", json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, s.DeleteCachedData(ctx, "projects"))
	_, ok := s.GetCachedData(ctx, "projects")
	assert.False(t, ok)
	_, ok = s.GetCachedData(ctx, "jobs")
	assert.True(t, ok)

	require.NoError(t, s.ClearCache(ctx))
	all, err := s.CachedDatasets(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Len(t, s.PendingActions(), 1, "clearing the cache keeps the queue")
}

func TestDeadLetterAndRequeue(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	s, remote := newService(t, true, func(o *Options) {
		o.Store = store
		o.Config.Sync.DeadLetterUnknown = true
	})

	_, err := store.Add(ctx, types.PendingActionsPartition,
		[]byte(`{"type":"ARCHIVE_JOB","payload":{"id":1},"timestamp":1,"status":"pending"}`))
	require.NoError(t, err)

	require.NoError(t, s.SyncPendingActions(ctx))
	assert.Empty(t, s.PendingActions())
	assert.Empty(t, remote.Calls())

	dead, err := s.DeadActions(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, types.ActionType("ARCHIVE_JOB"), dead[0].Type)

	a, err := s.Requeue(ctx, dead[0].ID)
	require.NoError(t, err)
	require.Len(t, s.PendingActions(), 1)
	assert.Equal(t, a.ID, s.PendingActions()[0].ID)
}

func TestRemoveAndClearActions(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t, false, nil)
	a, err := s.QueueAction(ctx, "CREATE_TASK", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = s.QueueAction(ctx, "CREATE_TASK", json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, s.RemoveAction(ctx, a.ID))
	assert.Len(t, s.PendingActions(), 1)
	require.NoError(t, s.ClearActions(ctx))
	assert.Empty(t, s.PendingActions())
}

func TestRefreshUsesRemote(t *testing.T) {
	ctx := context.Background()
	s, remote := newService(t, true, nil)
	remote.SetData("tasks", json.RawMessage(`[{"id":"t1"}]`))

	res, err := s.Refresh(ctx, "tasks", nil)
	require.NoError(t, err)
	assert.Equal(t, cache.SourceRemote, res.Source)

	d, ok := s.GetCachedData(ctx, "tasks")
	require.True(t, ok)
	assert.JSONEq(t, `[{"id":"t1"}]`, string(d.Data))
}

func TestNoRemoteConfigured(t *testing.T) {
	s, err := New(Options{Config: types.DefaultConfig(), Store: memory.NewStore(), InitialOnline: true})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	_, err = s.Refresh(context.Background(), "jobs", nil)
	assert.ErrorIs(t, err, types.ErrRemote)
	assert.ErrorIs(t, err, ErrNoRemote)
}

func TestNotStarted(t *testing.T) {
	s, err := New(Options{Config: types.DefaultConfig(), Store: memory.NewStore()})
	require.NoError(t, err)

	_, err = s.QueueAction(context.Background(), "CREATE_TASK", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.ErrorIs(t, s.SyncPendingActions(context.Background()), ErrNotStarted)
	_, ok := s.GetCachedData(context.Background(), "jobs")
	assert.False(t, ok)
	assert.False(t, s.IsSyncing())
}

func TestCloseIdempotent(t *testing.T) {
	s, _ := newService(t, false, nil)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.QueueAction(context.Background(), "CREATE_TASK", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, types.ErrStoreClosed)
}

func TestPendingSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	cfg := types.DefaultConfig()
	cfg.DataDir = t.TempDir()

	s1, err := New(Options{Config: cfg})
	require.NoError(t, err)
	require.NoError(t, s1.Start(ctx))
	_, err = s1.QueueAction(ctx, "UPDATE_TASK", json.RawMessage(`{"id":"t1","done":true}`))
	require.NoError(t, err)
	s1.CacheData(ctx, "tasks", json.RawMessage(`[{"id":"t1"}]`))
	require.NoError(t, s1.Close())

	s2, err := New(Options{Config: cfg})
	require.NoError(t, err)
	require.NoError(t, s2.Start(ctx))
	defer s2.Close()

	assert.False(t, s2.UsingFallbackStore())
	require.Len(t, s2.PendingActions(), 1)
	assert.Equal(t, types.ActionType("UPDATE_TASK"), s2.PendingActions()[0].Type)
	_, ok := s2.GetCachedData(ctx, "tasks")
	assert.True(t, ok)
}
