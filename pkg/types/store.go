package types

import (
	"context"
	"errors"
	"regexp"
	"time"
)

// Store is the transactional key-value port behind the offline cache and
// the pending-action queue. Records live in named partitions declared by a
// Schema; a partition is either keyed (Put/Get/Delete) or auto-increment
// (Add/Remove). GetAll and Clear work on both kinds.
type Store interface {
	// Open prepares the store for the given schema and runs its upgrade
	// callback when the stored version is older. Concurrent calls collapse
	// into one initialization; calls after a successful Open are no-ops.
	Open(ctx context.Context, schema Schema) error

	// Close releases backend resources. Idempotent.
	Close() error

	// Put creates or fully replaces the record stored under key.
	Put(ctx context.Context, partition, key string, value []byte) error

	// Get returns the record stored under key, or ErrNotFound.
	Get(ctx context.Context, partition, key string) (Record, error)

	// Delete removes the record stored under key. Missing keys are a no-op.
	Delete(ctx context.Context, partition, key string) error

	// Add appends value to an auto-increment partition and returns its id.
	Add(ctx context.Context, partition string, value []byte) (int64, error)

	// Remove deletes the record with the given id. Missing ids are a no-op.
	Remove(ctx context.Context, partition string, id int64) error

	// GetAll returns every record of the partition in insertion order.
	GetAll(ctx context.Context, partition string) ([]Record, error)

	// Clear removes every record of the partition.
	Clear(ctx context.Context, partition string) error
}

// Record is one stored value. ID reflects insertion order in every
// partition; Key is empty for auto-increment partitions.
type Record struct {
	ID        int64
	Key       string
	Value     []byte
	UpdatedAt time.Time
}

// Partition declares a named record space.
type Partition struct {
	Name          string
	AutoIncrement bool
}

// Upgrader is handed to a schema upgrade callback. Both methods are
// idempotent so an upgrade can be replayed safely.
type Upgrader interface {
	CreatePartition(p Partition) error
	DeletePartition(name string) error
}

// UpgradeFunc migrates a store from oldVersion to newVersion. oldVersion is
// zero for a fresh store.
type UpgradeFunc func(u Upgrader, oldVersion, newVersion int) error

// Schema names a database, its version, and the upgrade that brings older
// versions up to date.
type Schema struct {
	Name    string
	Version int
	Upgrade UpgradeFunc
}

// Validate checks the schema name and version.
func (s Schema) Validate() error {
	if !partitionNamePattern.MatchString(s.Name) {
		return ErrInvalidSchema
	}
	if s.Version < 1 || s.Upgrade == nil {
		return ErrInvalidSchema
	}
	return nil
}

var partitionNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidatePartitionName reports ErrInvalidPartition for names that are not
// lower-case identifiers. Backends interpolate partition names into table
// and file names, so this check guards every CreatePartition.
func ValidatePartitionName(name string) error {
	if !partitionNamePattern.MatchString(name) {
		return ErrInvalidPartition
	}
	return nil
}

// Store errors.
var (
	ErrStorage           = errors.New("storage fault")
	ErrStoreClosed       = errors.New("store is not open")
	ErrNotFound          = errors.New("record not found")
	ErrPartitionNotFound = errors.New("partition not found")
	ErrPartitionMismatch = errors.New("operation does not match partition kind")
	ErrInvalidPartition  = errors.New("invalid partition name")
	ErrInvalidSchema     = errors.New("invalid schema")
	ErrVersionDowngrade  = errors.New("stored schema version is newer than requested")
)
