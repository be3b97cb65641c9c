package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryParse(t *testing.T) {
	r := DefaultRegistry()

	tests := []struct {
		in      ActionType
		wantOp  Op
		wantTbl string
		wantErr bool
	}{
		{in: "CREATE_PROJECT", wantOp: OpCreate, wantTbl: "projects"},
		{in: "UPDATE_JOB", wantOp: OpUpdate, wantTbl: "jobs"},
		{in: "DELETE_TASK", wantOp: OpDelete, wantTbl: "tasks"},
		{in: "ARCHIVE_JOB", wantErr: true},
		{in: "UPDATE_INVOICE", wantErr: true},
		{in: "UPDATE", wantErr: true},
		{in: "", wantErr: true},
		{in: "update_job", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			a, err := r.Parse(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnknownAction)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOp, a.Op)
			assert.Equal(t, tt.wantTbl, a.Entity.Table)
			assert.Equal(t, tt.in, a.Type())
		})
	}
}

func TestRegistryTypesRoundTrip(t *testing.T) {
	r := DefaultRegistry()
	types := r.Types()
	require.Len(t, types, len(DefaultEntities())*len(Ops))
	for _, at := range types {
		a, err := r.Parse(at)
		require.NoError(t, err, at)
		assert.Equal(t, at, a.Type())
	}
}

func TestOpString(t *testing.T) {
	for _, o := range Ops {
		got, ok := parseOp(o.String())
		require.True(t, ok, o.String())
		assert.Equal(t, o, got)
	}
	assert.Equal(t, "Op(9)", Op(9).String())
}

func TestRegistryWithPolicies(t *testing.T) {
	r := DefaultRegistry()

	t.Run("overrides policy by table", func(t *testing.T) {
		got, err := r.WithPolicies(map[string]Policy{ProjectsDataset: PolicyQueue})
		require.NoError(t, err)
		e, ok := got.Entity(ProjectsDataset)
		require.True(t, ok)
		assert.Equal(t, PolicyQueue, e.Policy)

		orig, _ := r.Entity(ProjectsDataset)
		assert.Equal(t, PolicyBlock, orig.Policy, "original registry is unchanged")
	})

	t.Run("rejects unknown table", func(t *testing.T) {
		_, err := r.WithPolicies(map[string]Policy{"invoices": PolicyQueue})
		require.ErrorIs(t, err, ErrUnknownEntity)
	})

	t.Run("rejects invalid policy", func(t *testing.T) {
		_, err := r.WithPolicies(map[string]Policy{JobsDataset: "drop"})
		require.ErrorIs(t, err, ErrPolicyInvalid)
	})
}

func TestNewRegistryDefaultsInvalidPolicyToBlock(t *testing.T) {
	r := NewRegistry(Entity{Name: "crew", Table: "crews"})
	e, ok := r.Entity("crews")
	require.True(t, ok)
	assert.Equal(t, "CREW", e.Name)
	assert.Equal(t, PolicyBlock, e.Policy)

	a, err := r.Parse("DELETE_CREW")
	require.NoError(t, err)
	assert.Equal(t, OpDelete, a.Op)
}
