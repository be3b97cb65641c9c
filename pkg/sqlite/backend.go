// Package sqlite exposes the embedded-database store to callers outside
// this module while keeping its implementation internal.
package sqlite

import (
	"path/filepath"

	"github.com/mesh-intelligence/fieldsync/internal/sqlite"
	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

// FileName is the database file created inside the data directory.
const FileName = sqlite.FileName

// NewStore returns an unopened store backed by dataDir/fieldsync.db.
//
// Example:
//
//	store := sqlite.NewStore(".fieldsync")
//	if err := store.Open(ctx, types.DefaultSchema()); err != nil {
//	    return err
//	}
//	defer store.Close()
func NewStore(dataDir string) types.Store {
	return sqlite.NewBackend(filepath.Join(dataDir, FileName))
}
