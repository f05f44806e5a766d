package telemetry

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics()
	m.RecordInvocation("null", "create", "ok", 10*time.Millisecond)
	m.RecordInvocation("null", "create", "ok", 20*time.Millisecond)
	m.RecordAdoption("null")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.invocations.WithLabelValues("null", "create", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.adoptions.WithLabelValues("null")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "reconcilr_invocations_total")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordInvocation("a", "b", "c", time.Second)
		m.RecordProviderCall("a", "read")
		m.RecordReadiness("a", "ready", 3)
		m.RecordAdoption("a")
		m.RecordSkippedUpdate("a")
	})
	assert.Nil(t, m.Registry())
}

func TestTracer_Stdout(t *testing.T) {
	var buf bytes.Buffer
	tr, err := NewTracer(TracingConfig{Enabled: true, Exporter: "stdout", Writer: &buf}, "test")
	require.NoError(t, err)

	_, span := tr.StartInvocation(context.Background(), "null", "create", "r-1")
	End(span, errors.New("boom"))
	require.NoError(t, tr.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), "reconcile.create")
	assert.Contains(t, buf.String(), "boom")
}

func TestTracer_UnknownExporter(t *testing.T) {
	_, err := NewTracer(TracingConfig{Enabled: true, Exporter: "zipkin"}, "test")
	assert.Error(t, err)
}
