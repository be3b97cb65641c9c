package types

// Standard partition names.
const (
	DatasetsPartition       = "datasets"
	PendingActionsPartition = "pending_actions"
	DeadActionsPartition    = "dead_actions"
)

// Standard dataset keys read and written by the application.
const (
	ProjectsDataset = "projects"
	JobsDataset     = "jobs"
	TasksDataset    = "tasks"
)

// SchemaName is the database name used by DefaultSchema.
const SchemaName = "fieldsync"

// SchemaVersion is the current schema version.
//
//	1: datasets, pending_actions
//	2: dead_actions
const SchemaVersion = 2

// DefaultSchema returns the schema every fieldsync store is opened with.
func DefaultSchema() Schema {
	return Schema{
		Name:    SchemaName,
		Version: SchemaVersion,
		Upgrade: upgradeDefault,
	}
}

func upgradeDefault(u Upgrader, oldVersion, newVersion int) error {
	if oldVersion < 1 && newVersion >= 1 {
		if err := u.CreatePartition(Partition{Name: DatasetsPartition}); err != nil {
			return err
		}
		if err := u.CreatePartition(Partition{Name: PendingActionsPartition, AutoIncrement: true}); err != nil {
			return err
		}
	}
	if oldVersion < 2 && newVersion >= 2 {
		if err := u.CreatePartition(Partition{Name: DeadActionsPartition, AutoIncrement: true}); err != nil {
			return err
		}
	}
	return nil
}
