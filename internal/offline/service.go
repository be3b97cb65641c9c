// Package offline composes the store, cache, queue, connectivity monitor
// and sync engine into the service the UI layer consumes. It is built once
// at startup and handed to consumers; nothing here is global.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/fieldsync/internal/cache"
	"github.com/mesh-intelligence/fieldsync/internal/connectivity"
	"github.com/mesh-intelligence/fieldsync/internal/logging"
	"github.com/mesh-intelligence/fieldsync/internal/memory"
	"github.com/mesh-intelligence/fieldsync/internal/metrics"
	"github.com/mesh-intelligence/fieldsync/internal/queue"
	"github.com/mesh-intelligence/fieldsync/internal/storage"
	"github.com/mesh-intelligence/fieldsync/internal/syncer"
	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

var _ types.OfflineState = (*Service)(nil)

// Service errors.
var (
	ErrNotStarted = errors.New("offline service not started")
	ErrNoRemote   = errors.New("no remote data service configured")
)

// Options wires a Service. Zero fields get defaults: the store comes from
// Config.Backend, the monitor starts in InitialOnline, the registry uses
// the default entities with Config.Policies applied.
type Options struct {
	Config        types.Config
	Store         types.Store
	Remote        types.Remote
	Monitor       *connectivity.Monitor
	InitialOnline bool
	Registry      *types.Registry
	Logger        *zap.Logger
	Metrics       *metrics.Collector
	Now           func() time.Time
}

// Status is the snapshot published to watchers.
type Status struct {
	Online  bool `json:"online"`
	Syncing bool `json:"syncing"`
	Pending int  `json:"pending"`
}

// MutationResult reports how Mutate handled a mutation: applied directly
// against the remote, or queued for later.
type MutationResult struct {
	Applied bool                `json:"applied"`
	Row     json.RawMessage     `json:"row,omitempty"`
	Queued  bool                `json:"queued"`
	Action  types.PendingAction `json:"action,omitzero"`
}

// Service is the offline state of one client.
type Service struct {
	cfg      types.Config
	registry *types.Registry
	remote   types.Remote
	monitor  *connectivity.Monitor
	logger   *zap.Logger
	metrics  *metrics.Collector
	now      func() time.Time

	store    types.Store
	fallback bool
	cache    *cache.Cache
	queue    *queue.Queue
	engine   *syncer.Engine

	mu          sync.RWMutex
	started     bool
	closed      bool
	pending     []types.PendingAction
	watchers    map[int]func(Status)
	nextWatcher int
	unsubscribe func()

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// New validates opts and builds an unstarted service.
func New(opts Options) (*Service, error) {
	registry := opts.Registry
	if registry == nil {
		registry = types.DefaultRegistry()
	}
	if len(opts.Config.Policies) > 0 {
		var err error
		registry, err = registry.WithPolicies(opts.Config.PolicyMap())
		if err != nil {
			return nil, fmt.Errorf("applying offline policies: %w", err)
		}
	}

	store := opts.Store
	if store == nil {
		var err error
		if store, err = storage.New(opts.Config); err != nil {
			return nil, err
		}
	}

	monitor := opts.Monitor
	if monitor == nil {
		monitor = connectivity.NewMonitor(opts.InitialOnline)
	}
	remote := opts.Remote
	if remote == nil {
		remote = unavailable{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Service{
		cfg:      opts.Config,
		registry: registry,
		remote:   remote,
		monitor:  monitor,
		logger:   logging.OrNop(opts.Logger),
		metrics:  opts.Metrics,
		now:      now,
		store:    store,
		watchers: make(map[int]func(Status)),
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
	}, nil
}

// Start opens the store, loads the queue snapshot and begins following
// connectivity. If the configured store cannot be opened the service keeps
// working on an in-memory store; nothing it holds then survives a restart.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.ErrStoreClosed
	}
	if s.started {
		return nil
	}

	if err := s.store.Open(ctx, types.DefaultSchema()); err != nil {
		if errors.Is(err, types.ErrVersionDowngrade) {
			return err
		}
		s.logger.Error("local store unavailable, continuing in memory", zap.Error(err))
		s.metrics.StorageFault("open")
		mem := memory.NewStore()
		if err := mem.Open(ctx, types.DefaultSchema()); err != nil {
			return fmt.Errorf("opening fallback store: %w", err)
		}
		s.store = mem
		s.fallback = true
	}

	s.cache = cache.New(s.store, s.monitor, cache.Options{
		Compress: s.cfg.Cache.Compress,
		Logger:   s.logger,
		Metrics:  s.metrics,
		Now:      s.now,
	})
	s.queue = queue.New(s.store, s.registry, queue.Options{
		Logger:  s.logger,
		Metrics: s.metrics,
		Now:     s.now,
	})
	s.engine = syncer.New(s.queue, s.remote, s.monitor, syncer.Options{
		ActionTimeout:     s.cfg.Sync.ActionTimeout,
		DeadLetterUnknown: s.cfg.Sync.DeadLetterUnknown,
		OnChange:          s.setPending,
		OnSyncing:         func(bool) { s.publish() },
		Logger:            s.logger,
		Metrics:           s.metrics,
	})

	pending, err := s.queue.List(ctx)
	if err != nil {
		s.logger.Error("loading pending actions", zap.Error(err))
	}
	s.pending = pending
	s.metrics.SetPending(len(pending))
	s.metrics.SetOnline(s.monitor.Online())
	s.unsubscribe = s.monitor.Subscribe(s.onConnectivity)
	s.started = true

	s.logger.Info("offline service started",
		zap.String("backend", s.cfg.Backend),
		zap.Bool("fallback_store", s.fallback),
		zap.Bool("online", s.monitor.Online()),
		zap.Int("pending", len(pending)))
	return nil
}

// onConnectivity runs on the monitor's notifying goroutine, so the drain
// is started on its own.
func (s *Service) onConnectivity(online bool) {
	s.metrics.SetOnline(online)
	s.publish()
	if online {
		s.logger.Info("connectivity restored, syncing pending actions")
		s.BackgroundSync()
	} else {
		s.logger.Info("connectivity lost")
	}
}

// Close stops following connectivity, waits for background drains and
// closes the store. Idempotent.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	unsubscribe := s.unsubscribe
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.bgCancel()
	s.bg.Wait()
	return s.store.Close()
}

func (s *Service) ready() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return types.ErrStoreClosed
	}
	if !s.started {
		return ErrNotStarted
	}
	return nil
}

// Monitor returns the connectivity monitor host adapters report to.
func (s *Service) Monitor() *connectivity.Monitor {
	return s.monitor
}

// UsingFallbackStore reports whether the configured store failed to open
// and the service runs on an in-memory store.
func (s *Service) UsingFallbackStore() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fallback
}

// IsOnline reports the connectivity state.
func (s *Service) IsOnline() bool {
	return s.monitor.Online()
}

// IsSyncing reports whether a drain is running.
func (s *Service) IsSyncing() bool {
	if s.ready() != nil {
		return false
	}
	return s.engine.Syncing()
}

// PendingActions returns the queue snapshot taken after the last enqueue
// or drain.
func (s *Service) PendingActions() []types.PendingAction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.pending)
}

// Status returns the current snapshot of the three signals.
func (s *Service) Status() Status {
	s.mu.RLock()
	pending := len(s.pending)
	s.mu.RUnlock()
	return Status{
		Online:  s.IsOnline(),
		Syncing: s.IsSyncing(),
		Pending: pending,
	}
}

// Watch calls fn with the new status whenever online, syncing or the
// pending count changes. fn must not block.
func (s *Service) Watch(fn func(Status)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextWatcher
	s.nextWatcher++
	s.watchers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
		})
	}
}

func (s *Service) publish() {
	st := s.Status()
	s.mu.RLock()
	fns := make([]func(Status), 0, len(s.watchers))
	for id := 0; id < s.nextWatcher; id++ {
		if fn, ok := s.watchers[id]; ok {
			fns = append(fns, fn)
		}
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(st)
	}
}

func (s *Service) setPending(p []types.PendingAction) {
	s.mu.Lock()
	s.pending = p
	s.mu.Unlock()
	s.metrics.SetPending(len(p))
	s.publish()
}

func (s *Service) refreshPending(ctx context.Context) {
	p, err := s.queue.List(ctx)
	if err != nil {
		s.logger.Error("reloading pending actions", zap.Error(err))
		return
	}
	s.setPending(p)
}

// QueueAction appends an action to the durable queue and refreshes the
// pending snapshot.
func (s *Service) QueueAction(ctx context.Context, t types.ActionType, payload json.RawMessage) (types.PendingAction, error) {
	if err := s.ready(); err != nil {
		return types.PendingAction{}, err
	}
	a, err := s.queue.Enqueue(ctx, t, payload)
	if err != nil {
		return types.PendingAction{}, err
	}
	s.refreshPending(ctx)
	return a, nil
}

// SyncPendingActions runs one drain. It is a no-op while offline or while
// another drain is running.
func (s *Service) SyncPendingActions(ctx context.Context) error {
	_, err := s.Sync(ctx)
	return err
}

// Sync runs one drain and returns its report.
func (s *Service) Sync(ctx context.Context) (syncer.Report, error) {
	if err := s.ready(); err != nil {
		return syncer.Report{}, err
	}
	return s.engine.Drain(ctx)
}

// BackgroundSync starts a drain on its own goroutine and returns at once.
// Close waits for it.
func (s *Service) BackgroundSync() {
	s.mu.RLock()
	if !s.started || s.closed {
		s.mu.RUnlock()
		return
	}
	s.bg.Add(1)
	s.mu.RUnlock()

	go func() {
		defer s.bg.Done()
		if _, err := s.engine.Drain(s.bgCtx); err != nil && s.bgCtx.Err() == nil {
			s.logger.Error("background sync failed", zap.Error(err))
		}
	}()
}

// CacheData stores data under key. Failures are logged, never returned.
func (s *Service) CacheData(ctx context.Context, key string, data json.RawMessage) {
	if err := s.ready(); err != nil {
		s.logger.Warn("cache write before start", zap.String("dataset", key), zap.Error(err))
		return
	}
	if _, err := s.cache.Put(ctx, key, data); err != nil {
		s.logger.Warn("cache write dropped", zap.String("dataset", key), zap.Error(err))
	}
}

// GetCachedData returns the cached dataset for key. A storage fault reads
// as a miss.
func (s *Service) GetCachedData(ctx context.Context, key string) (types.Dataset, bool) {
	if s.ready() != nil {
		return types.Dataset{}, false
	}
	return s.cache.Get(ctx, key)
}

// CachedDatasets lists every cached dataset.
func (s *Service) CachedDatasets(ctx context.Context) ([]types.Dataset, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.cache.List(ctx)
}

// DeleteCachedData drops one cached dataset.
func (s *Service) DeleteCachedData(ctx context.Context, key string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.cache.Delete(ctx, key)
}

// ClearCache drops every cached dataset and leaves the queue alone.
func (s *Service) ClearCache(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.cache.Clear(ctx)
}

// Load is the read-through load of one dataset with a caller-supplied
// fetch.
func (s *Service) Load(ctx context.Context, key string, fetch cache.FetchFunc) (cache.LoadResult, error) {
	if err := s.ready(); err != nil {
		return cache.LoadResult{Source: cache.SourceNone}, err
	}
	return s.cache.Load(ctx, key, fetch)
}

// Refresh loads a dataset from the remote table of the same name.
func (s *Service) Refresh(ctx context.Context, table string, query types.Query) (cache.LoadResult, error) {
	return s.Load(ctx, table, func(ctx context.Context) (json.RawMessage, error) {
		return s.remote.Fetch(ctx, table, query)
	})
}

// Mutate applies a mutation under its entity's offline policy: online it
// goes straight to the remote; offline it is queued or refused with
// types.ErrOfflineBlocked. Online, a mutation never overtakes queued
// actions on the same entity: the queue is drained first, and if actions
// for the entity are still pending the mutation joins the queue behind
// them.
func (s *Service) Mutate(ctx context.Context, t types.ActionType, payload json.RawMessage) (MutationResult, error) {
	if err := s.ready(); err != nil {
		return MutationResult{}, err
	}
	action, err := s.registry.Parse(t)
	if err != nil {
		return MutationResult{}, err
	}

	if s.monitor.Online() {
		behind, err := s.pendingFor(ctx, action.Entity.Table)
		if err != nil {
			return MutationResult{}, err
		}
		if behind {
			a, err := s.QueueAction(ctx, t, payload)
			if err != nil {
				return MutationResult{}, err
			}
			s.logger.Info("mutation queued behind pending actions",
				zap.String("type", string(t)), zap.Int64("action_id", a.ID))
			return MutationResult{Queued: true, Action: a}, nil
		}
		row, err := s.engine.Apply(ctx, t, payload)
		if err != nil {
			return MutationResult{}, err
		}
		return MutationResult{Applied: true, Row: row}, nil
	}

	switch action.Entity.Policy {
	case types.PolicyQueue:
		a, err := s.QueueAction(ctx, t, payload)
		if err != nil {
			return MutationResult{}, err
		}
		return MutationResult{Queued: true, Action: a}, nil
	case types.PolicyBlock:
		return MutationResult{}, fmt.Errorf("%w: %s", types.ErrOfflineBlocked, t)
	default:
		return MutationResult{}, fmt.Errorf("%w: %s has policy %q", types.ErrOfflineBlocked, t, action.Entity.Policy)
	}
}

// pendingFor reports whether actions for table are still queued. When
// some are, it drains once and checks again.
func (s *Service) pendingFor(ctx context.Context, table string) (bool, error) {
	queued := func() (bool, error) {
		pending, err := s.queue.List(ctx)
		if err != nil {
			return false, err
		}
		return slices.ContainsFunc(pending, func(a types.PendingAction) bool {
			action, err := s.registry.Parse(a.Type)
			return err == nil && action.Entity.Table == table
		}), nil
	}
	behind, err := queued()
	if err != nil || !behind {
		return behind, err
	}
	if _, err := s.engine.Drain(ctx); err != nil {
		return false, err
	}
	return queued()
}

// RemoveAction drops one pending action without replaying it.
func (s *Service) RemoveAction(ctx context.Context, id int64) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.queue.Remove(ctx, id); err != nil {
		return err
	}
	s.refreshPending(ctx)
	return nil
}

// ClearActions drops every pending action.
func (s *Service) ClearActions(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.queue.Clear(ctx); err != nil {
		return err
	}
	s.refreshPending(ctx)
	return nil
}

// DeadActions lists dead-lettered actions.
func (s *Service) DeadActions(ctx context.Context) ([]types.DeadAction, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.queue.ListDead(ctx)
}

// Requeue moves a dead action back to the tail of the pending queue.
func (s *Service) Requeue(ctx context.Context, deadID int64) (types.PendingAction, error) {
	if err := s.ready(); err != nil {
		return types.PendingAction{}, err
	}
	a, err := s.queue.Requeue(ctx, deadID)
	if err != nil {
		return types.PendingAction{}, err
	}
	s.refreshPending(ctx)
	return a, nil
}

// Reset clears every cached dataset and every queued or dead action, as on
// logout.
func (s *Service) Reset(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	err := errors.Join(
		s.cache.Clear(ctx),
		s.queue.Clear(ctx),
		s.queue.ClearDead(ctx),
	)
	s.refreshPending(ctx)
	if err != nil {
		return fmt.Errorf("resetting offline state: %w", err)
	}
	s.logger.Info("offline state reset")
	return nil
}

// unavailable stands in when no remote is configured.
type unavailable struct{}

func (unavailable) Fetch(context.Context, string, types.Query) (json.RawMessage, error) {
	return nil, fmt.Errorf("%w: %w", types.ErrRemote, ErrNoRemote)
}

func (unavailable) Insert(context.Context, string, json.RawMessage) (json.RawMessage, error) {
	return nil, fmt.Errorf("%w: %w", types.ErrRemote, ErrNoRemote)
}

func (unavailable) Update(context.Context, string, string, json.RawMessage) (json.RawMessage, error) {
	return nil, fmt.Errorf("%w: %w", types.ErrRemote, ErrNoRemote)
}

func (unavailable) Delete(context.Context, string, string) error {
	return fmt.Errorf("%w: %w", types.ErrRemote, ErrNoRemote)
}
