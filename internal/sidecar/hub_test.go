package sidecar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/better-wallet/dapp-provider/internal/provider"
	apperrors "github.com/better-wallet/dapp-provider/pkg/errors"
)

const testToken = "sidecar-secret"

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testToken), bcrypt.MinCost)
	require.NoError(t, err)

	hub := NewHub(Config{TokenHash: string(hash)})
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })

	var hello provider.SidecarEvent
	require.NoError(t, wsjson.Read(ctx, conn, &hello))
	require.Equal(t, EventHello, hello.Type)
	return conn
}

func TestPendingApprovals(t *testing.T) {
	hub := NewHub(Config{})

	ch, err := hub.RegisterPendingApproval("a")
	require.NoError(t, err)
	assert.True(t, hub.HasPendingApproval("a"))

	_, err = hub.RegisterPendingApproval("a")
	assert.ErrorIs(t, err, ErrDuplicatePending)

	assert.True(t, hub.ResolvePending("a", json.RawMessage(`{"tx":{"nonce":"0x9"}}`)))
	out := <-ch
	require.NoError(t, out.Err)
	assert.JSONEq(t, `{"tx":{"nonce":"0x9"}}`, string(out.Value))
	assert.False(t, hub.HasPendingApproval("a"))
	assert.False(t, hub.ResolvePending("a", nil), "settled once")

	ch, err = hub.RegisterPendingApproval("b")
	require.NoError(t, err)
	assert.True(t, hub.RejectPending("b", apperrors.UserRejected("nope")))
	assert.Error(t, (<-ch).Err)

	_, err = hub.RegisterPendingApproval("c")
	require.NoError(t, err)
	hub.RemovePendingApproval("c")
	assert.False(t, hub.RejectPending("c", nil))
}

func TestUnauthorizedSidecar(t *testing.T) {
	hub, srv := newTestHub(t)

	for _, token := range []string{"", "wrong"} {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		url := "ws" + strings.TrimPrefix(srv.URL, "http")
		_, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
			HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
		})
		cancel()
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	assert.False(t, hub.IsAttached())
}

func TestTokenQueryParameter(t *testing.T) {
	hub, srv := newTestHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + testToken
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.Eventually(t, hub.IsAttached, time.Second, 5*time.Millisecond)
}

func TestBroadcastAndApprovalResponse(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv, testToken)
	require.Eventually(t, hub.IsAttached, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pending, err := hub.RegisterPendingApproval("appr-1")
	require.NoError(t, err)

	hub.Broadcast(ctx, provider.SidecarEvent{Type: provider.EventConfirmation, ID: "appr-1"})
	var ev provider.SidecarEvent
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	assert.Equal(t, provider.EventConfirmation, ev.Type)
	assert.Equal(t, "appr-1", ev.ID)
	assert.NotZero(t, ev.Timestamp)

	require.NoError(t, wsjson.Write(ctx, conn, Frame{
		Type:     FrameApprovalResponse,
		ID:       "appr-1",
		Approved: true,
		Result:   json.RawMessage(`{"tx":{"gas":"0x5208"}}`),
	}))

	select {
	case out := <-pending:
		require.NoError(t, out.Err)
		assert.JSONEq(t, `{"tx":{"gas":"0x5208"}}`, string(out.Value))
	case <-ctx.Done():
		t.Fatal("approval response not delivered")
	}
}

func TestRejectionFrame(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv, testToken)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pending, err := hub.RegisterPendingApproval("appr-2")
	require.NoError(t, err)
	require.NoError(t, wsjson.Write(ctx, conn, Frame{Type: FrameApprovalResponse, ID: "appr-2", Reason: "too expensive"}))

	select {
	case out := <-pending:
		require.Error(t, out.Err)
		assert.True(t, apperrors.IsKind(out.Err, apperrors.KindUserRejected))
		rpcErr, ok := apperrors.AsRPCError(out.Err)
		require.True(t, ok)
		assert.Equal(t, "too expensive", rpcErr.Message)
	case <-ctx.Done():
		t.Fatal("rejection not delivered")
	}
}

func TestPing(t *testing.T) {
	_, srv := newTestHub(t)
	conn := dial(t, srv, testToken)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, wsjson.Write(ctx, conn, Frame{Type: FramePing}))
	var ev provider.SidecarEvent
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	assert.Equal(t, "pong", ev.Type)
}

func TestDetach(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv, testToken)
	require.Eventually(t, hub.IsAttached, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool { return !hub.IsAttached() }, time.Second, 5*time.Millisecond)

	hub.Broadcast(context.Background(), provider.SidecarEvent{Type: provider.EventAutoSigned})
}
