package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersMove(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.TaskGenerated("rules", 3)
	m.TaskGenerated("chain", 1)
	m.TaskSkipped("duplicate")
	m.RuleFailed("assignment")
	m.Transition("COMPLETED", 1)
	m.DispatchFailed("lead.created")
	m.JobProcessed("automation.generate", "retried", 10*time.Millisecond)
	m.Swept(4, nil)
	m.Swept(0, errors.New("db locked"))

	assert.Equal(t, 3.0, testutil.ToFloat64(m.TasksGenerated.WithLabelValues("rules")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksGenerated.WithLabelValues("chain")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksSkipped.WithLabelValues("duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RuleFailures.WithLabelValues("assignment")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TaskTransitions.WithLabelValues("COMPLETED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DispatchFailures.WithLabelValues("lead.created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsProcessed.WithLabelValues("automation.generate", "retried")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.TasksExpired))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SweepRuns.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SweepRuns.WithLabelValues("error")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.TaskGenerated("rules", 1)
	m.TaskSkipped("duplicate")
	m.RuleFailed("assignment")
	m.Transition("CANCELLED", 2)
	m.DispatchFailed("lead.moved")
	m.JobProcessed("x", "failed", time.Second)
	m.Swept(1, nil)
}

func TestExposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.TaskGenerated("rules", 2)

	rec := httptest.NewRecorder()
	promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `clinicrm_tasks_generated_total{source="rules"} 2`))
}
