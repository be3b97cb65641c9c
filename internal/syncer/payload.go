package syncer

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

// recordID extracts the row id from a delete payload: either a bare id
// ("j1", 42) or an object with an "id" field.
func recordID(payload json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("%w: %w", types.ErrInvalidPayload, err)
	}
	if obj, ok := v.(map[string]any); ok {
		v = obj["id"]
	}
	return idString(v)
}

// splitRecord separates the id of an update payload from the fields to
// write.
func splitRecord(payload json.RawMessage) (string, json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return "", nil, fmt.Errorf("%w: update payload must be an object", types.ErrInvalidPayload)
	}
	raw, ok := fields["id"]
	if !ok {
		return "", nil, fmt.Errorf("%w: update payload has no id", types.ErrInvalidPayload)
	}
	id, err := recordID(raw)
	if err != nil {
		return "", nil, err
	}
	delete(fields, "id")
	record, err := json.Marshal(fields)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", types.ErrInvalidPayload, err)
	}
	return id, record, nil
}

func idString(v any) (string, error) {
	switch id := v.(type) {
	case string:
		if id != "" {
			return id, nil
		}
	case json.Number:
		return id.String(), nil
	}
	return "", fmt.Errorf("%w: missing or empty id", types.ErrInvalidPayload)
}
