// ABOUTME: Tests for broadcast metric recording and the metrics handler
// ABOUTME: Reads counters back with prometheus testutil

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordBroadcast(t *testing.T) {
	broadcasts := testutil.ToFloat64(BroadcastsTotal.WithLabelValues("test_envelope"))
	delivered := testutil.ToFloat64(DeliveriesTotal.WithLabelValues("delivered"))
	failed := testutil.ToFloat64(DeliveriesTotal.WithLabelValues("failed"))

	RecordBroadcast("test_envelope", 3, 1)
	RecordBroadcast("test_envelope", 0, 0)

	assert.InDelta(t, broadcasts+2, testutil.ToFloat64(BroadcastsTotal.WithLabelValues("test_envelope")), 0)
	assert.InDelta(t, delivered+3, testutil.ToFloat64(DeliveriesTotal.WithLabelValues("delivered")), 0)
	assert.InDelta(t, failed+1, testutil.ToFloat64(DeliveriesTotal.WithLabelValues("failed")), 0)
}

func TestHandlerExposesNamespace(t *testing.T) {
	ActiveConnections.Set(0)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "livechat_registry_active_connections")
	assert.Contains(t, string(body), "livechat_feed_active_subscriptions")
}
