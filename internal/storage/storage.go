// Package storage selects and constructs the configured types.Store.
package storage

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/mesh-intelligence/fieldsync/internal/jsonl"
	"github.com/mesh-intelligence/fieldsync/internal/memory"
	"github.com/mesh-intelligence/fieldsync/internal/sqlite"
	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

// ErrDataDirEmpty reports a durable backend configured without a data
// directory.
var ErrDataDirEmpty = errors.New("data_dir must not be empty for a durable backend")

// New returns an unopened store for cfg.Backend.
func New(cfg types.Config) (types.Store, error) {
	switch cfg.Backend {
	case types.BackendSQLite:
		if cfg.DataDir == "" {
			return nil, ErrDataDirEmpty
		}
		return sqlite.NewBackend(filepath.Join(cfg.DataDir, sqlite.FileName)), nil
	case types.BackendJSONL:
		if cfg.DataDir == "" {
			return nil, ErrDataDirEmpty
		}
		return jsonl.NewStore(cfg.DataDir), nil
	case types.BackendMemory:
		return memory.NewStore(), nil
	case "":
		return nil, types.ErrBackendEmpty
	default:
		return nil, fmt.Errorf("%w: %s", types.ErrBackendUnknown, cfg.Backend)
	}
}
