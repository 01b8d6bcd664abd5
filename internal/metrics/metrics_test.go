// ABOUTME: Tests for the Prometheus metrics wrapper
// ABOUTME: Verifies counters register, nil receivers are safe, and the handler serves text format

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SubscriptionOpened("messages")
		m.SubscriptionClosed("messages")
		m.SubscriberDropped()
		m.Dispatched("ok", 0.1)
		m.Reconciled("client_id")
		m.Upload("ok")
		m.PresenceChanged("online")
	})
}

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.SubscriptionOpened("messages")
	m.SubscriptionOpened("messages")
	m.SubscriptionClosed("messages")
	m.Reconciled("heuristic")
	m.Dispatched("ok", 0.01)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.subscriptions.WithLabelValues("messages")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconciled.WithLabelValues("heuristic")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatched.WithLabelValues("ok")))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.PresenceChanged("busy")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `coven_chat_presence_changes_total{status="busy"} 1`))
}
