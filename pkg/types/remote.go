package types

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Remote is the hosted relational data service. Records are opaque JSON.
type Remote interface {
	Fetch(ctx context.Context, table string, query Query) (json.RawMessage, error)
	Insert(ctx context.Context, table string, record json.RawMessage) (json.RawMessage, error)
	Update(ctx context.Context, table, id string, record json.RawMessage) (json.RawMessage, error)
	Delete(ctx context.Context, table, id string) error
}

// Query holds filter parameters passed through to the remote service,
// e.g. {"status": "eq.open"}.
type Query map[string]string

// ErrRemote marks every failure of the remote data service.
var ErrRemote = errors.New("remote data service error")

// RemoteError is a non-success response from the remote service.
type RemoteError struct {
	Op     string
	Table  string
	Status int
	Body   string
}

func (e *RemoteError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Op, e.Table, e.Status)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Op, e.Table, e.Status, e.Body)
}

// Unwrap lets errors.Is(err, ErrRemote) match.
func (e *RemoteError) Unwrap() error { return ErrRemote }
