package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// value returns the value of the named metric with the given label pair,
// or of the unlabeled metric when label is empty.
func value(t *testing.T, reg *prometheus.Registry, name, label, labelValue string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if label != "" && !hasLabel(m, label, labelValue) {
				continue
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	t.Fatalf("metric %s{%s=%q} not found", name, label, labelValue)
	return 0
}

func hasLabel(m *dto.Metric, name, value string) bool {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}
	return false
}

func TestCollectorRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.CacheLoad("remote")
	c.CacheLoad("remote")
	c.CacheLoad("cache")
	c.StorageFault("put")
	c.ActionEnqueued("UPDATE_JOB")
	c.Replay(OutcomeReplayed)
	c.Replay(OutcomeFailed)
	c.ObserveDrain(20 * time.Millisecond)
	c.SetPending(3)
	c.SetSyncing(true)
	c.SetOnline(false)

	assert.Equal(t, 2.0, value(t, reg, "fieldsync_cache_loads_total", "source", "remote"))
	assert.Equal(t, 1.0, value(t, reg, "fieldsync_cache_loads_total", "source", "cache"))
	assert.Equal(t, 1.0, value(t, reg, "fieldsync_storage_faults_total", "op", "put"))
	assert.Equal(t, 1.0, value(t, reg, "fieldsync_actions_enqueued_total", "type", "UPDATE_JOB"))
	assert.Equal(t, 1.0, value(t, reg, "fieldsync_replays_total", "outcome", OutcomeFailed))
	assert.Equal(t, 1.0, value(t, reg, "fieldsync_drain_duration_seconds", "", ""))
	assert.Equal(t, 3.0, value(t, reg, "fieldsync_pending_actions", "", ""))
	assert.Equal(t, 1.0, value(t, reg, "fieldsync_syncing", "", ""))
	assert.Equal(t, 0.0, value(t, reg, "fieldsync_online", "", ""))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.CacheLoad("remote")
		c.StorageFault("get")
		c.ActionEnqueued("CREATE_TASK")
		c.Replay(OutcomeUnknown)
		c.ObserveDrain(time.Second)
		c.SetPending(1)
		c.SetSyncing(true)
		c.SetOnline(true)
	})
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.SetPending(7)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "fieldsync_pending_actions 7")
}
