package stats

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReport(t *testing.T) {
	r := NewReporter()
	ctx := context.Background()

	r.Report(ctx, "signedTransaction", map[string]any{"chainId": uint64(10), "success": true})
	r.Report(ctx, "signedTransaction", map[string]any{"chainId": uint64(10), "success": true})
	r.Report(ctx, "submitTransaction", map[string]any{"chainId": uint64(10), "success": false})
	r.Report(ctx, "submitTransaction", nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.events.WithLabelValues("signedTransaction", "10", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.events.WithLabelValues("submitTransaction", "10", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.events.WithLabelValues("submitTransaction", "", "")))
}

func TestObserveRequestAndHandler(t *testing.T) {
	r := NewReporter()
	r.ObserveRequest("ethChainId", "ok", 2*time.Millisecond)
	r.ObserveRequest("personalSign", "user_rejected", time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.requests.WithLabelValues("personalSign", "user_rejected")))

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `provider_rpc_requests_total{method="ethChainId",outcome="ok"} 1`)
	assert.Contains(t, string(body), "provider_rpc_duration_seconds_bucket")
}
