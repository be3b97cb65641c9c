package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ActionType names a deferred mutation, e.g. "UPDATE_JOB". The prefix
// selects the Op and the remainder selects the Entity.
type ActionType string

// ActionStatusPending is the only persisted status of a queued action.
const ActionStatusPending = "pending"

// PendingAction is a durably queued mutation intent awaiting remote replay.
type PendingAction struct {
	ID        int64           `json:"id"`
	Type      ActionType      `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"` // ms since epoch
	Status    string          `json:"status"`
}

// DeadAction is a pending action moved out of the replay path.
type DeadAction struct {
	PendingAction
	Reason   string `json:"reason"`
	DeadAt   int64  `json:"dead_at"`
	SourceID int64  `json:"source_id"`
}

// Op is the closed set of replayable operations.
type Op int

const (
	OpCreate Op = iota + 1
	OpUpdate
	OpDelete
)

// Ops lists every Op in declaration order.
var Ops = []Op{OpCreate, OpUpdate, OpDelete}

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "CREATE"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

func parseOp(s string) (Op, bool) {
	for _, o := range Ops {
		if o.String() == s {
			return o, true
		}
	}
	return 0, false
}

// Policy decides what a mutation does while offline.
type Policy string

const (
	PolicyBlock Policy = "block"
	PolicyQueue Policy = "queue"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	return p == PolicyBlock || p == PolicyQueue
}

// Entity binds an action-type suffix to a remote table and an offline policy.
type Entity struct {
	Name   string // action-type suffix, upper case: "PROJECT"
	Table  string // remote table and dataset key: "projects"
	Policy Policy
}

// Action is a parsed ActionType.
type Action struct {
	Op     Op
	Entity Entity
}

// Type renders the action back into its ActionType.
func (a Action) Type() ActionType {
	return ActionType(a.Op.String() + "_" + a.Entity.Name)
}

// Registry resolves action types against a set of entities.
type Registry struct {
	byName  map[string]Entity
	byTable map[string]Entity
}

// DefaultEntities returns the entities of the field-operations tracker.
func DefaultEntities() []Entity {
	return []Entity{
		{Name: "PROJECT", Table: ProjectsDataset, Policy: PolicyBlock},
		{Name: "JOB", Table: JobsDataset, Policy: PolicyQueue},
		{Name: "TASK", Table: TasksDataset, Policy: PolicyQueue},
	}
}

// NewRegistry builds a registry. Later entities with the same name or table
// replace earlier ones.
func NewRegistry(entities ...Entity) *Registry {
	r := &Registry{
		byName:  make(map[string]Entity),
		byTable: make(map[string]Entity),
	}
	for _, e := range entities {
		e.Name = strings.ToUpper(e.Name)
		if !e.Policy.Valid() {
			e.Policy = PolicyBlock
		}
		r.byName[e.Name] = e
		r.byTable[e.Table] = e
	}
	return r
}

// DefaultRegistry returns a registry over DefaultEntities.
func DefaultRegistry() *Registry {
	return NewRegistry(DefaultEntities()...)
}

// WithPolicies returns a copy of r whose entities use the given policies,
// keyed by table name. Unknown tables return ErrUnknownEntity.
func (r *Registry) WithPolicies(policies map[string]Policy) (*Registry, error) {
	entities := r.Entities()
	for table, p := range policies {
		if !p.Valid() {
			return nil, fmt.Errorf("%w: %q for %s", ErrPolicyInvalid, p, table)
		}
		found := false
		for i := range entities {
			if entities[i].Table == table {
				entities[i].Policy = p
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, table)
		}
	}
	return NewRegistry(entities...), nil
}

// Entities returns the registered entities sorted by table.
func (r *Registry) Entities() []Entity {
	out := make([]Entity, 0, len(r.byName))
	for _, e := range r.byName {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Table < out[j].Table })
	return out
}

// Entity looks up an entity by table name.
func (r *Registry) Entity(table string) (Entity, bool) {
	e, ok := r.byTable[table]
	return e, ok
}

// Parse resolves t into an Action. It returns ErrUnknownAction when the
// operation prefix or the entity suffix is not recognized.
func (r *Registry) Parse(t ActionType) (Action, error) {
	prefix, suffix, ok := strings.Cut(string(t), "_")
	if !ok {
		return Action{}, fmt.Errorf("%w: %q", ErrUnknownAction, t)
	}
	op, ok := parseOp(prefix)
	if !ok {
		return Action{}, fmt.Errorf("%w: %q", ErrUnknownAction, t)
	}
	e, ok := r.byName[suffix]
	if !ok {
		return Action{}, fmt.Errorf("%w: %q", ErrUnknownAction, t)
	}
	return Action{Op: op, Entity: e}, nil
}

// Types lists every ActionType the registry accepts.
func (r *Registry) Types() []ActionType {
	var out []ActionType
	for _, e := range r.Entities() {
		for _, o := range Ops {
			out = append(out, Action{Op: o, Entity: e}.Type())
		}
	}
	return out
}

// Action errors.
var (
	ErrUnknownAction  = errors.New("unknown action type")
	ErrUnknownEntity  = errors.New("unknown entity")
	ErrInvalidPayload = errors.New("invalid action payload")
	ErrReplay         = errors.New("action replay failed")
	ErrOfflineBlocked = errors.New("operation unavailable while offline")
)
