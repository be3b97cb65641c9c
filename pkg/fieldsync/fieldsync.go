// Package fieldsync is the public entry point of the offline-data layer.
//
// A client builds one OfflineState at startup and hands it to the UI:
//
//	state, err := fieldsync.New(ctx, cfg, nil, logger)
//	if err != nil {
//	    return err
//	}
//	defer state.Close()
package fieldsync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/fieldsync/internal/offline"
	"github.com/mesh-intelligence/fieldsync/internal/remote"
	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

// Version is the fieldsync release.
const Version = "0.1.0"

// New validates cfg, builds the offline service and starts it. When r is
// nil and cfg.Remote.URL is set, the REST client is used; with neither,
// queued actions stay queued until a remote is configured. The returned
// state assumes the client is online until told otherwise.
func New(ctx context.Context, cfg types.Config, r types.Remote, logger *zap.Logger) (types.OfflineState, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if r == nil && cfg.Remote.URL != "" {
		client, err := remote.New(cfg.Remote, remote.Options{Logger: logger})
		if err != nil {
			return nil, err
		}
		r = client
	}
	svc, err := offline.New(offline.Options{
		Config:        cfg,
		Remote:        r,
		InitialOnline: true,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	if err := svc.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting offline service: %w", err)
	}
	return svc, nil
}
