package types

import (
	"context"
	"encoding/json"
)

// OfflineState is the surface the UI layer consumes: the three signals
// (online, syncing, pending) and the cache and queue facilities.
type OfflineState interface {
	IsOnline() bool
	IsSyncing() bool
	PendingActions() []PendingAction

	QueueAction(ctx context.Context, t ActionType, payload json.RawMessage) (PendingAction, error)
	SyncPendingActions(ctx context.Context) error

	CacheData(ctx context.Context, key string, data json.RawMessage)
	GetCachedData(ctx context.Context, key string) (Dataset, bool)

	Close() error
}
