package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsIndependent(t *testing.T) {
	a := New()
	b := New()

	a.Pulls.WithLabelValues("android", ResultOK).Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.Pulls.WithLabelValues("android", ResultOK)))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Pulls.WithLabelValues("android", ResultOK)))
}

func TestResult(t *testing.T) {
	assert.Equal(t, ResultOK, Result(nil))
	assert.Equal(t, ResultError, Result(errors.New("x")))
}

func TestObserveStage(t *testing.T) {
	m := New()
	m.ObserveStage("pull", time.Now().Add(-time.Second))
	assert.Equal(t, 1, testutil.CollectAndCount(m.StageDuration))

	var nilMetrics *Metrics
	nilMetrics.ObserveStage("pull", time.Now())
}

func TestHandler(t *testing.T) {
	m := New()
	m.Mutations.WithLabelValues("Update").Add(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `flippio_mutations_total{operation="Update"} 3`))
	assert.True(t, strings.Contains(body, "flippio_uptime_seconds"))
}
