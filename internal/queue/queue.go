// Package queue is the durable FIFO of pending actions. Entries live in
// the pending_actions partition, ordered by their store-assigned id, until
// a replay succeeds. Entries that should leave the replay path without
// being replayed move to the dead_actions partition.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/fieldsync/internal/logging"
	"github.com/mesh-intelligence/fieldsync/internal/metrics"
	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

// Options configures a Queue.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Collector
	Now     func() time.Time
}

// Queue appends, lists and removes pending actions.
type Queue struct {
	store    types.Store
	registry *types.Registry
	logger   *zap.Logger
	metrics  *metrics.Collector
	now      func() time.Time
}

// New creates a queue over an opened store. A nil registry uses
// types.DefaultRegistry.
func New(store types.Store, registry *types.Registry, opts Options) *Queue {
	if registry == nil {
		registry = types.DefaultRegistry()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Queue{
		store:    store,
		registry: registry,
		logger:   logging.OrNop(opts.Logger).Named("queue"),
		metrics:  opts.Metrics,
		now:      now,
	}
}

// Registry returns the registry actions are validated against.
func (q *Queue) Registry() *types.Registry {
	return q.registry
}

// Enqueue appends an action. The type must resolve in the registry and
// the payload must be valid JSON.
func (q *Queue) Enqueue(ctx context.Context, t types.ActionType, payload json.RawMessage) (types.PendingAction, error) {
	if _, err := q.registry.Parse(t); err != nil {
		return types.PendingAction{}, err
	}
	if !json.Valid(payload) {
		return types.PendingAction{}, fmt.Errorf("%w: %s", types.ErrInvalidPayload, t)
	}

	action := types.PendingAction{
		Type:      t,
		Payload:   slices.Clone(payload),
		Timestamp: q.now().UnixMilli(),
		Status:    types.ActionStatusPending,
	}
	value, err := json.Marshal(action)
	if err != nil {
		return types.PendingAction{}, fmt.Errorf("encoding %s: %w", t, err)
	}
	id, err := q.store.Add(ctx, types.PendingActionsPartition, value)
	if err != nil {
		q.metrics.StorageFault("add")
		return types.PendingAction{}, fmt.Errorf("queueing %s: %w", t, err)
	}
	action.ID = id

	q.metrics.ActionEnqueued(string(t))
	q.logger.Debug("action queued", zap.Int64("action_id", id), zap.String("type", string(t)))
	return action, nil
}

// List returns the queued actions in insertion order. Undecodable entries
// are logged and skipped.
func (q *Queue) List(ctx context.Context) ([]types.PendingAction, error) {
	recs, err := q.store.GetAll(ctx, types.PendingActionsPartition)
	if err != nil {
		q.metrics.StorageFault("get_all")
		return nil, fmt.Errorf("listing pending actions: %w", err)
	}
	out := make([]types.PendingAction, 0, len(recs))
	for _, rec := range recs {
		var a types.PendingAction
		if err := json.Unmarshal(rec.Value, &a); err != nil {
			q.logger.Warn("skipping unreadable pending action", zap.Int64("action_id", rec.ID), zap.Error(err))
			continue
		}
		a.ID = rec.ID
		if a.Status == "" {
			a.Status = types.ActionStatusPending
		}
		out = append(out, a)
	}
	return out, nil
}

// Remove deletes an entry. Removing a missing id is a no-op.
func (q *Queue) Remove(ctx context.Context, id int64) error {
	if err := q.store.Remove(ctx, types.PendingActionsPartition, id); err != nil {
		q.metrics.StorageFault("remove")
		return fmt.Errorf("removing action %d: %w", id, err)
	}
	return nil
}

// Clear drops every pending action.
func (q *Queue) Clear(ctx context.Context) error {
	if err := q.store.Clear(ctx, types.PendingActionsPartition); err != nil {
		q.metrics.StorageFault("clear")
		return fmt.Errorf("clearing pending actions: %w", err)
	}
	return nil
}

// DeadLetter moves a pending action to the dead-action partition. The dead
// copy is written before the pending entry is removed, so a crash between
// the two leaves a duplicate rather than a loss.
func (q *Queue) DeadLetter(ctx context.Context, action types.PendingAction, reason string) (types.DeadAction, error) {
	dead := types.DeadAction{
		PendingAction: action,
		Reason:        reason,
		DeadAt:        q.now().UnixMilli(),
		SourceID:      action.ID,
	}
	value, err := json.Marshal(dead)
	if err != nil {
		return types.DeadAction{}, fmt.Errorf("encoding dead action %d: %w", action.ID, err)
	}
	id, err := q.store.Add(ctx, types.DeadActionsPartition, value)
	if err != nil {
		q.metrics.StorageFault("add")
		return types.DeadAction{}, fmt.Errorf("dead-lettering action %d: %w", action.ID, err)
	}
	if err := q.Remove(ctx, action.ID); err != nil {
		return types.DeadAction{}, err
	}
	dead.ID = id

	q.logger.Warn("action dead-lettered",
		zap.Int64("action_id", action.ID),
		zap.String("type", string(action.Type)),
		zap.String("reason", reason))
	return dead, nil
}

// ListDead returns dead-lettered actions in the order they died.
func (q *Queue) ListDead(ctx context.Context) ([]types.DeadAction, error) {
	recs, err := q.store.GetAll(ctx, types.DeadActionsPartition)
	if err != nil {
		q.metrics.StorageFault("get_all")
		return nil, fmt.Errorf("listing dead actions: %w", err)
	}
	out := make([]types.DeadAction, 0, len(recs))
	for _, rec := range recs {
		var d types.DeadAction
		if err := json.Unmarshal(rec.Value, &d); err != nil {
			q.logger.Warn("skipping unreadable dead action", zap.Int64("dead_id", rec.ID), zap.Error(err))
			continue
		}
		d.ID = rec.ID
		out = append(out, d)
	}
	return out, nil
}

// Requeue moves a dead action back to the tail of the pending queue. Its
// type is not re-validated, so an action dead-lettered as unknown can be
// retried after the registry learns about it. Unknown ids return
// types.ErrNotFound.
func (q *Queue) Requeue(ctx context.Context, deadID int64) (types.PendingAction, error) {
	dead, err := q.ListDead(ctx)
	if err != nil {
		return types.PendingAction{}, err
	}
	i := slices.IndexFunc(dead, func(d types.DeadAction) bool { return d.ID == deadID })
	if i < 0 {
		return types.PendingAction{}, fmt.Errorf("dead action %d: %w", deadID, types.ErrNotFound)
	}

	action := dead[i].PendingAction
	action.ID = 0
	action.Status = types.ActionStatusPending
	value, err := json.Marshal(action)
	if err != nil {
		return types.PendingAction{}, fmt.Errorf("encoding action: %w", err)
	}
	id, err := q.store.Add(ctx, types.PendingActionsPartition, value)
	if err != nil {
		q.metrics.StorageFault("add")
		return types.PendingAction{}, fmt.Errorf("requeueing dead action %d: %w", deadID, err)
	}
	if err := q.store.Remove(ctx, types.DeadActionsPartition, deadID); err != nil {
		q.metrics.StorageFault("remove")
		return types.PendingAction{}, fmt.Errorf("removing dead action %d: %w", deadID, err)
	}
	action.ID = id
	return action, nil
}

// ClearDead drops every dead action.
func (q *Queue) ClearDead(ctx context.Context) error {
	if err := q.store.Clear(ctx, types.DeadActionsPartition); err != nil {
		q.metrics.StorageFault("clear")
		return fmt.Errorf("clearing dead actions: %w", err)
	}
	return nil
}
