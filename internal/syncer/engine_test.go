package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/fieldsync/internal/memory"
	"github.com/mesh-intelligence/fieldsync/internal/queue"
	"github.com/mesh-intelligence/fieldsync/internal/remote/remotetest"
	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

type switchConn struct{ online atomic.Bool }

func (c *switchConn) Online() bool { return c.online.Load() }

func online() *switchConn {
	c := &switchConn{}
	c.online.Store(true)
	return c
}

type fixture struct {
	store  *memory.Store
	queue  *queue.Queue
	remote *remotetest.Fake
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	s := memory.NewStore()
	require.NoError(t, s.Open(context.Background(), types.DefaultSchema()))
	return fixture{store: s, queue: queue.New(s, nil, queue.Options{}), remote: remotetest.New()}
}

func (f fixture) enqueue(t *testing.T, typ types.ActionType, payload string) types.PendingAction {
	t.Helper()
	a, err := f.queue.Enqueue(context.Background(), typ, json.RawMessage(payload))
	require.NoError(t, err)
	return a
}

func TestDrainEmptyQueue(t *testing.T) {
	f := newFixture(t)
	e := New(f.queue, f.remote, online(), Options{})

	report, err := e.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{}, report)
	assert.False(t, e.Syncing())
	assert.Empty(t, f.remote.Calls())
}

func TestDrainOfflineSkips(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "CREATE_TASK", `{"name":"a"}`)
	e := New(f.queue, f.remote, &switchConn{}, Options{})

	report, err := e.Drain(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Empty(t, f.remote.Calls())

	pending, err := f.queue.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestDrainDispatch(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "CREATE_PROJECT", `{"name":"Bridge"}`)
	f.enqueue(t, "UPDATE_JOB", `{"id":"j1","status":"done"}`)
	f.enqueue(t, "UPDATE_TASK", `{"id":17,"hours":3}`)
	f.enqueue(t, "DELETE_TASK", `"t9"`)
	f.enqueue(t, "DELETE_JOB", `{"id":42}`)
	e := New(f.queue, f.remote, online(), Options{})

	report, err := e.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Attempted: 5, Replayed: 5}, report)

	calls := f.remote.Calls()
	require.Len(t, calls, 5)
	assert.Equal(t, remotetest.Call{Op: "insert", Table: "projects", Record: json.RawMessage(`{"name":"Bridge"}`)}, calls[0])
	assert.Equal(t, "update", calls[1].Op)
	assert.Equal(t, "jobs", calls[1].Table)
	assert.Equal(t, "j1", calls[1].ID)
	assert.JSONEq(t, `{"status":"done"}`, string(calls[1].Record))
	assert.Equal(t, "17", calls[2].ID)
	assert.JSONEq(t, `{"hours":3}`, string(calls[2].Record))
	assert.Equal(t, remotetest.Call{Op: "delete", Table: "tasks", ID: "t9"}, calls[3])
	assert.Equal(t, remotetest.Call{Op: "delete", Table: "jobs", ID: "42"}, calls[4])
}

func TestDrainSequentialFIFO(t *testing.T) {
	f := newFixture(t)
	for i := range 3 {
		f.enqueue(t, "CREATE_TASK", fmt.Sprintf(`{"n":%d}`, i))
	}

	var mu sync.Mutex
	var events []string
	f.remote.SetHandler(func(ctx context.Context, c remotetest.Call) (json.RawMessage, error) {
		var p struct{ N int }
		_ = json.Unmarshal(c.Record, &p)
		mu.Lock()
		events = append(events, fmt.Sprintf("start %d", p.N))
		mu.Unlock()
		if p.N == 0 {
			time.Sleep(50 * time.Millisecond)
		}
		mu.Lock()
		events = append(events, fmt.Sprintf("end %d", p.N))
		mu.Unlock()
		return c.Record, nil
	})

	e := New(f.queue, f.remote, online(), Options{})
	report, err := e.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Replayed)
	assert.Equal(t, []string{"start 0", "end 0", "start 1", "end 1", "start 2", "end 2"}, events)
}

func TestAtMostOneDrain(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "CREATE_JOB", `{}`)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.remote.SetHandler(func(ctx context.Context, c remotetest.Call) (json.RawMessage, error) {
		once.Do(func() { close(entered) })
		<-release
		return c.Record, nil
	})
	e := New(f.queue, f.remote, online(), Options{})

	first := make(chan Report, 1)
	go func() {
		r, _ := e.Drain(context.Background())
		first <- r
	}()
	<-entered
	assert.True(t, e.Syncing())

	second, err := e.Drain(context.Background())
	require.NoError(t, err)
	assert.True(t, second.Skipped)

	close(release)
	r := <-first
	assert.False(t, r.Skipped)
	assert.Equal(t, 1, r.Replayed)
	assert.False(t, e.Syncing())
	assert.Len(t, f.remote.Calls(), 1)
}

func TestConcurrentDrainsReplayOnce(t *testing.T) {
	f := newFixture(t)
	for range 5 {
		f.enqueue(t, "CREATE_TASK", `{}`)
	}
	f.remote.SetHandler(func(ctx context.Context, c remotetest.Call) (json.RawMessage, error) {
		time.Sleep(5 * time.Millisecond)
		return c.Record, nil
	})
	e := New(f.queue, f.remote, online(), Options{})

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.Drain(context.Background())
		}()
	}
	wg.Wait()
	assert.Len(t, f.remote.Calls(), 5, "each action replayed exactly once")
}

func TestFailedReplayRetained(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "CREATE_TASK", `{"n":0}`)
	bad := f.enqueue(t, "CREATE_TASK", `{"n":1}`)
	f.enqueue(t, "CREATE_TASK", `{"n":2}`)

	f.remote.SetHandler(func(ctx context.Context, c remotetest.Call) (json.RawMessage, error) {
		if string(c.Record) == `{"n":1}` {
			return nil, &types.RemoteError{Op: "insert", Table: c.Table, Status: 500}
		}
		return c.Record, nil
	})

	var published []types.PendingAction
	e := New(f.queue, f.remote, online(), Options{
		OnChange: func(p []types.PendingAction) { published = p },
	})
	report, err := e.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Attempted: 3, Replayed: 2, Failed: 1, Remaining: 1}, report)

	require.Len(t, published, 1)
	assert.Equal(t, bad.ID, published[0].ID)

	// The failed entry is retried on the next drain.
	f.remote.SetHandler(nil)
	report, err = e.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Attempted: 1, Replayed: 1}, report)
}

func TestInvalidPayloadIsReplayFailure(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "UPDATE_JOB", `{"status":"done"}`)
	f.enqueue(t, "DELETE_JOB", `[1,2]`)
	e := New(f.queue, f.remote, online(), Options{})

	report, err := e.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Attempted: 2, Failed: 2, Remaining: 2}, report)
	assert.Empty(t, f.remote.Calls())
}

func TestUnknownActionType(t *testing.T) {
	tests := []struct {
		name       string
		deadLetter bool
		wantQueued int
		wantDead   int
	}{
		{name: "kept", wantQueued: 1},
		{name: "dead-lettered", deadLetter: true, wantDead: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			_, err := f.store.Add(ctx, types.PendingActionsPartition,
				[]byte(`{"type":"ARCHIVE_JOB","payload":{},"timestamp":1,"status":"pending"}`))
			require.NoError(t, err)
			f.enqueue(t, "CREATE_JOB", `{}`)

			e := New(f.queue, f.remote, online(), Options{DeadLetterUnknown: tt.deadLetter})
			report, err := e.Drain(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, report.Unknown)
			assert.Equal(t, 1, report.Replayed)
			assert.Equal(t, tt.wantQueued, report.Remaining)

			dead, err := f.queue.ListDead(ctx)
			require.NoError(t, err)
			assert.Len(t, dead, tt.wantDead)
		})
	}
}

func TestActionTimeout(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "CREATE_JOB", `{}`)
	f.remote.SetHandler(func(ctx context.Context, c remotetest.Call) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	e := New(f.queue, f.remote, online(), Options{ActionTimeout: 20 * time.Millisecond})

	report, err := e.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Remaining)
}

func TestCancelStopsDrain(t *testing.T) {
	f := newFixture(t)
	for range 3 {
		f.enqueue(t, "CREATE_TASK", `{}`)
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.remote.SetHandler(func(_ context.Context, c remotetest.Call) (json.RawMessage, error) {
		cancel()
		return c.Record, nil
	})
	e := New(f.queue, f.remote, online(), Options{})

	report, err := e.Drain(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, report.Attempted)
	assert.Equal(t, 2, report.Remaining)
	assert.False(t, e.Syncing())
}

func TestSyncingCallback(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "CREATE_TASK", `{}`)

	var flips []bool
	e := New(f.queue, f.remote, online(), Options{OnSyncing: func(v bool) { flips = append(flips, v) }})
	_, err := e.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, flips)
}

func TestApply(t *testing.T) {
	f := newFixture(t)
	e := New(f.queue, f.remote, online(), Options{})
	ctx := context.Background()

	row, err := e.Apply(ctx, "CREATE_PROJECT", json.RawMessage(`{"name":"Dam"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Dam"}`, string(row))

	_, err = e.Apply(ctx, "RENAME_PROJECT", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, types.ErrUnknownAction)

	_, err = e.Apply(ctx, "CREATE_PROJECT", json.RawMessage(`{`))
	assert.ErrorIs(t, err, types.ErrInvalidPayload)

	boom := errors.New("boom")
	f.remote.FailWith(boom)
	_, err = e.Apply(ctx, "DELETE_PROJECT", json.RawMessage(`"p1"`))
	assert.ErrorIs(t, err, types.ErrReplay)
	assert.ErrorIs(t, err, boom)

	pending, err := f.queue.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "Apply never queues")
}
