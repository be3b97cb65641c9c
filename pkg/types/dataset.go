package types

import (
	"encoding/json"
	"errors"
	"time"
)

// Dataset is a cached collection of domain records. Data is opaque to the
// cache and returned verbatim.
type Dataset struct {
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"` // ms since epoch of last refresh
}

// Age reports how long ago the dataset was refreshed. Staleness is
// informational only; nothing is evicted by age.
func (d Dataset) Age(now time.Time) time.Duration {
	if d.Timestamp == 0 {
		return 0
	}
	return now.Sub(time.UnixMilli(d.Timestamp))
}

// ErrNoCachedData reports that no cached copy exists for a dataset, as
// opposed to a cached empty collection.
var ErrNoCachedData = errors.New("no cached data available")
