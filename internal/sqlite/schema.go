package sqlite

import "fmt"

// Bookkeeping tables. They are created on every Open so a fresh database
// and an upgraded one look the same.
const (
	createMeta = `CREATE TABLE IF NOT EXISTS fieldsync_meta (
    name TEXT PRIMARY KEY,
    version INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);`

	createPartitions = `CREATE TABLE IF NOT EXISTS fieldsync_partitions (
    name TEXT PRIMARY KEY,
    auto_increment INTEGER NOT NULL
);`
)

// partitionTableDDL is the layout shared by keyed and auto-increment
// partitions. AUTOINCREMENT keeps ids monotonic across deletes, and id
// order is insertion order for both kinds.
const partitionTableDDL = `CREATE TABLE IF NOT EXISTS %s (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    record_key TEXT UNIQUE,
    value BLOB,
    updated_at INTEGER NOT NULL
);`

// bootstrapDDL lists the statements run before the schema upgrade.
var bootstrapDDL = []string{
	createMeta,
	createPartitions,
}

// tableName maps a validated partition name to its SQLite table.
func tableName(partition string) string {
	return "p_" + partition
}

func createPartitionSQL(partition string) string {
	return fmt.Sprintf(partitionTableDDL, tableName(partition))
}
