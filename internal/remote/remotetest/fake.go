// Package remotetest provides an in-memory types.Remote for tests.
package remotetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

var _ types.Remote = (*Fake)(nil)

// Call records one request made to the fake.
type Call struct {
	Op     string // "fetch", "insert", "update", "delete"
	Table  string
	ID     string
	Record json.RawMessage
}

// Fake answers requests through Handler, or with canned data when Handler
// is nil. Fetch returns Data[table], or "[]".
type Fake struct {
	mu      sync.Mutex
	calls   []Call
	data    map[string]json.RawMessage
	handler func(ctx context.Context, c Call) (json.RawMessage, error)
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{data: make(map[string]json.RawMessage)}
}

// SetData sets what Fetch returns for table.
func (f *Fake) SetData(table string, data json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[table] = data
}

// SetHandler replaces the response logic. The handler runs without the
// fake's lock held, so it may block.
func (f *Fake) SetHandler(h func(ctx context.Context, c Call) (json.RawMessage, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

// FailWith makes every request fail with err.
func (f *Fake) FailWith(err error) {
	f.SetHandler(func(context.Context, Call) (json.RawMessage, error) {
		return nil, err
	})
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *Fake) call(ctx context.Context, c Call) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	h := f.handler
	data, ok := f.data[c.Table]
	f.mu.Unlock()

	if h != nil {
		return h(ctx, c)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrRemote, err)
	}
	switch c.Op {
	case "fetch":
		if !ok {
			return json.RawMessage("[]"), nil
		}
		return data, nil
	case "delete":
		return nil, nil
	default:
		return c.Record, nil
	}
}

func (f *Fake) Fetch(ctx context.Context, table string, query types.Query) (json.RawMessage, error) {
	return f.call(ctx, Call{Op: "fetch", Table: table})
}

func (f *Fake) Insert(ctx context.Context, table string, record json.RawMessage) (json.RawMessage, error) {
	return f.call(ctx, Call{Op: "insert", Table: table, Record: record})
}

func (f *Fake) Update(ctx context.Context, table, id string, record json.RawMessage) (json.RawMessage, error) {
	return f.call(ctx, Call{Op: "update", Table: table, ID: id, Record: record})
}

func (f *Fake) Delete(ctx context.Context, table, id string) error {
	_, err := f.call(ctx, Call{Op: "delete", Table: table, ID: id})
	return err
}
