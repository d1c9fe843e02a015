package gnosis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/better-wallet/dapp-provider/internal/provider"
)

const (
	testSafe = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	testHash = "0xabc123"
)

// safeService confirms the message once polls reaches confirmAfter
func safeService(t *testing.T, threshold int, confirmAfter int32, polls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/safes/" + testSafe + "/":
			_ = json.NewEncoder(w).Encode(map[string]any{"threshold": threshold})
		case "/api/v1/messages/" + testHash + "/":
			n := polls.Add(1)
			msg := map[string]any{
				"messageHash":       testHash,
				"confirmations":     []map[string]any{{"owner": "0x1", "signature": "0x01"}},
				"preparedSignature": nil,
			}
			if n >= confirmAfter {
				msg["confirmations"] = []map[string]any{
					{"owner": "0x1", "signature": "0x01"},
					{"owner": "0x2", "signature": "0x02"},
				}
				msg["preparedSignature"] = "0x0102"
			}
			_ = json.NewEncoder(w).Encode(msg)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWatchMessageUntilConfirmed(t *testing.T) {
	var polls atomic.Int32
	srv := safeService(t, 2, 3, &polls)
	w := NewWatcher(srv.URL+"/", 5*time.Millisecond)

	sig, err := w.WatchMessage(context.Background(), &provider.SafeMessage{SafeAddress: testSafe, MessageHash: testHash, ChainID: 1})
	require.NoError(t, err)
	assert.Equal(t, "0x0102", sig)
	assert.Equal(t, int32(3), polls.Load())
}

func TestWatchMessageUsesGivenThreshold(t *testing.T) {
	var polls atomic.Int32
	srv := safeService(t, 5, 100, &polls)
	w := NewWatcher(srv.URL, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := w.WatchMessage(ctx, &provider.SafeMessage{SafeAddress: testSafe, MessageHash: testHash, Threshold: 1})
	assert.ErrorIs(t, err, context.DeadlineExceeded, "no prepared signature yet")
	assert.Greater(t, polls.Load(), int32(1))
}

func TestWatchMessageErrors(t *testing.T) {
	w := NewWatcher("http://127.0.0.1:1", time.Millisecond)
	_, err := w.WatchMessage(context.Background(), &provider.SafeMessage{})
	assert.ErrorContains(t, err, "hash is required")

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	w = NewWatcher(srv.URL, time.Millisecond)
	_, err = w.WatchMessage(context.Background(), &provider.SafeMessage{SafeAddress: testSafe, MessageHash: testHash})
	assert.ErrorContains(t, err, "failed to load safe")
}
