package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordOutcome(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RecordOutcome("ok")
	m.RecordOutcome("ok")
	m.RecordOutcome("invalid")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.events.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("invalid")))
}

func TestShareMountedGauge(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.SetShareMounted(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.shareMounted))
	m.SetShareMounted(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.shareMounted))
}

func TestRecordPersistExposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.RecordPersist("file", 3*time.Millisecond)

	count, err := testutil.GatherAndCount(reg, Prefix+"persist_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	expected := `
# HELP clickrelay_dead_lettered_total Number of failed events written to the dead-letter spool
# TYPE clickrelay_dead_lettered_total counter
clickrelay_dead_lettered_total 1
`
	m.RecordDeadLetter()
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), Prefix+"dead_lettered_total"))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordOutcome("ok")
		m.RecordPersist("file", time.Second)
		m.SetShareMounted(true)
		m.RecordDeadLetter()
	})
}
