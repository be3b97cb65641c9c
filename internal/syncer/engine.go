// Package syncer replays the pending-action queue against the remote
// service. A drain walks the queue once, in insertion order, one action at
// a time; successes leave the queue and failures stay for the next drain.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/fieldsync/internal/logging"
	"github.com/mesh-intelligence/fieldsync/internal/metrics"
	"github.com/mesh-intelligence/fieldsync/internal/queue"
	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

// Connectivity reports the current online state.
type Connectivity interface {
	Online() bool
}

// Report summarizes one drain. Skipped is set when the drain did not run
// because the client was offline or another drain held the flag.
type Report struct {
	Skipped   bool `json:"skipped"`
	Attempted int  `json:"attempted"`
	Replayed  int  `json:"replayed"`
	Failed    int  `json:"failed"`
	Unknown   int  `json:"unknown"`
	Remaining int  `json:"remaining"`
}

// Options configures an Engine.
type Options struct {
	// ActionTimeout bounds each replay. Zero means no bound.
	ActionTimeout time.Duration
	// DeadLetterUnknown moves actions with unrecognized types to the
	// dead-action partition instead of keeping them queued.
	DeadLetterUnknown bool
	// OnChange receives the queue contents after every drain that ran.
	OnChange func([]types.PendingAction)
	// OnSyncing receives the syncing flag when it flips.
	OnSyncing func(bool)

	Logger  *zap.Logger
	Metrics *metrics.Collector
}

// Engine drains the queue.
type Engine struct {
	queue    *queue.Queue
	remote   types.Remote
	conn     Connectivity
	registry *types.Registry
	opts     Options
	logger   *zap.Logger
	metrics  *metrics.Collector

	syncing atomic.Bool
}

// New creates an engine. A nil conn counts as always online.
func New(q *queue.Queue, remote types.Remote, conn Connectivity, opts Options) *Engine {
	return &Engine{
		queue:    q,
		remote:   remote,
		conn:     conn,
		registry: q.Registry(),
		opts:     opts,
		logger:   logging.OrNop(opts.Logger).Named("syncer"),
		metrics:  opts.Metrics,
	}
}

// Syncing reports whether a drain is running.
func (e *Engine) Syncing() bool {
	return e.syncing.Load()
}

func (e *Engine) online() bool {
	return e.conn == nil || e.conn.Online()
}

func (e *Engine) setSyncing(v bool) {
	e.metrics.SetSyncing(v)
	if e.opts.OnSyncing != nil {
		e.opts.OnSyncing(v)
	}
}

// Drain replays every queued action once. It returns a skipped report,
// without error, when offline or when another drain is running. Replay
// failures are not errors: they are counted and the entries stay queued.
// The error result reports a queue that could not be read or a cancelled
// context.
func (e *Engine) Drain(ctx context.Context) (Report, error) {
	if !e.online() {
		return Report{Skipped: true}, nil
	}
	if !e.syncing.CompareAndSwap(false, true) {
		return Report{Skipped: true}, nil
	}
	start := time.Now()
	e.setSyncing(true)
	defer func() {
		e.syncing.Store(false)
		e.setSyncing(false)
		e.metrics.ObserveDrain(time.Since(start))
	}()

	actions, err := e.queue.List(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("draining queue: %w", err)
	}
	if len(actions) == 0 {
		return Report{}, nil
	}

	var report Report
	for _, a := range actions {
		if ctx.Err() != nil {
			break
		}
		e.drainOne(ctx, a, &report)
	}

	// Reload even when ctx was cancelled so callers see what is left.
	remaining, err := e.queue.List(context.WithoutCancel(ctx))
	if err != nil {
		e.logger.Error("reloading queue after drain", zap.Error(err))
	} else {
		report.Remaining = len(remaining)
		e.metrics.SetPending(len(remaining))
		if e.opts.OnChange != nil {
			e.opts.OnChange(remaining)
		}
	}

	e.logger.Info("drain finished",
		zap.Int("attempted", report.Attempted),
		zap.Int("replayed", report.Replayed),
		zap.Int("failed", report.Failed),
		zap.Int("unknown", report.Unknown),
		zap.Int("remaining", report.Remaining))

	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("drain interrupted: %w", err)
	}
	return report, nil
}

func (e *Engine) drainOne(ctx context.Context, a types.PendingAction, report *Report) {
	log := e.logger.With(zap.Int64("action_id", a.ID), zap.String("type", string(a.Type)))

	action, err := e.registry.Parse(a.Type)
	if err != nil {
		report.Unknown++
		if e.opts.DeadLetterUnknown {
			if _, derr := e.queue.DeadLetter(ctx, a, err.Error()); derr != nil {
				log.Error("dead-lettering unknown action", zap.Error(derr))
			}
			e.metrics.Replay(metrics.OutcomeDead)
			return
		}
		log.Warn("unknown action type left in queue")
		e.metrics.Replay(metrics.OutcomeUnknown)
		return
	}

	report.Attempted++
	if _, err := e.replay(ctx, action, a.Payload); err != nil {
		report.Failed++
		log.Warn("replay failed, keeping action", zap.Error(err))
		e.metrics.Replay(metrics.OutcomeFailed)
		return
	}
	report.Replayed++
	e.metrics.Replay(metrics.OutcomeReplayed)

	// The replay happened; record it even if ctx was cancelled meanwhile.
	if err := e.queue.Remove(context.WithoutCancel(ctx), a.ID); err != nil {
		// The action will replay again on the next drain.
		log.Error("removing replayed action", zap.Error(err))
	}
}

// Apply replays a single mutation directly, without queueing it.
func (e *Engine) Apply(ctx context.Context, t types.ActionType, payload json.RawMessage) (json.RawMessage, error) {
	action, err := e.registry.Parse(t)
	if err != nil {
		return nil, err
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: %s", types.ErrInvalidPayload, t)
	}
	return e.replay(ctx, action, payload)
}

func (e *Engine) replay(ctx context.Context, a types.Action, payload json.RawMessage) (json.RawMessage, error) {
	if e.opts.ActionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.ActionTimeout)
		defer cancel()
	}

	table := a.Entity.Table
	var (
		row json.RawMessage
		err error
	)
	switch a.Op {
	case types.OpCreate:
		row, err = e.remote.Insert(ctx, table, payload)
	case types.OpUpdate:
		var id string
		var record json.RawMessage
		if id, record, err = splitRecord(payload); err == nil {
			row, err = e.remote.Update(ctx, table, id, record)
		}
	case types.OpDelete:
		var id string
		if id, err = recordID(payload); err == nil {
			err = e.remote.Delete(ctx, table, id)
		}
	default:
		err = fmt.Errorf("%w: op %s", types.ErrUnknownAction, a.Op)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", types.ErrReplay, a.Type(), err)
	}
	return row, nil
}
