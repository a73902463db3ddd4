package observability

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCounterAccumulates(t *testing.T) {
	m := NewPrometheusMetrics("test")

	m.IncrementCounter("reconcile_fallback_total", 1, nil)
	m.IncrementCounter("reconcile_fallback_total", 2, nil)

	vec, ok := m.counters["reconcile_fallback_total"]
	require.True(t, ok)
	assert.Equal(t, 3.0, testutil.ToFloat64(vec))
}

func TestPrometheusRegistersEachNameOnce(t *testing.T) {
	m := NewPrometheusMetrics("test")

	m.RecordHistogram("http_request_seconds", 0.01, map[string]string{"route": "/messages/"})
	m.RecordHistogram("http_request_seconds", 0.02, map[string]string{"route": "/messages/"})
	m.RecordGauge("sessions_open", 3, nil)

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]int)
	for _, family := range families {
		names[family.GetName()]++
	}
	assert.Equal(t, 1, names["test_http_request_seconds"])
	assert.Equal(t, 1, names["test_sessions_open"])
}

func TestPrometheusMetricsConcurrentAccess(t *testing.T) {
	m := NewPrometheusMetrics("test")

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				m.IncrementCounter("http_requests_total", 1, map[string]string{"route": "/messages/"})
				m.RecordHistogram("http_request_seconds", 0.01, map[string]string{"route": "/messages/"})
				m.RecordGauge("sessions_open", float64(i), nil)
				m.RecordOperation("engine", "add", true, time.Millisecond)
			}
		}()
	}
	wg.Wait()

	vec, ok := m.counters["http_requests_total"]
	require.True(t, ok)
	assert.Equal(t, 800.0, testutil.ToFloat64(vec))
}

func TestRecordOperationLabelsOutcome(t *testing.T) {
	m := NewPrometheusMetrics("test")

	m.RecordOperation("engine", "add", true, 5*time.Millisecond)
	m.RecordOperation("engine", "add", false, 5*time.Millisecond)
	m.RecordOperation("engine", "add", false, 5*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.opTotal.WithLabelValues("engine", "add", "true")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.opTotal.WithLabelValues("engine", "add", "false")))
}
