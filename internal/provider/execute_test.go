package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/better-wallet/dapp-provider/pkg/errors"
	"github.com/better-wallet/dapp-provider/pkg/types"
)

// =============================================================================
// Retry adjustment
// =============================================================================

func TestBumpFee(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0x64", "0x82"},             // 100 -> 130
		{"0x7", "0x9"},               // 9.1 floors to 9
		{"0x3b9aca00", "0x4d7c6d00"}, // 1 gwei -> 1.3 gwei
		{"0x0", "0x0"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := bumpFee(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := bumpFee("0xzz")
	assert.Error(t, err)
}

func TestNextNonce(t *testing.T) {
	got, err := nextNonce("0x5", "0x5")
	require.NoError(t, err)
	assert.Equal(t, "0x6", got)

	got, err = nextNonce("0x5", "0x9")
	require.NoError(t, err)
	assert.Equal(t, "0x9", got)

	got, err = nextNonce("", "0x3")
	require.NoError(t, err)
	assert.Equal(t, "0x3", got)
}

// retryContext builds a send-transaction context whose handler records the tx it receives
func retryContext(tx *types.TxParams) (*RequestContext, *[]*types.TxParams) {
	var seen []*types.TxParams
	rc := NewRequestContext("req-1", request("eth_sendTransaction"))
	rc.Method = methodSendTransaction
	rc.Entry = &MethodEntry{
		Name: methodSendTransaction,
		Handler: func(_ context.Context, _ *RequestContext, res *ApprovalResult) (any, error) {
			seen = append(seen, res.Tx)
			return "0xhash", nil
		},
		Approval: &ApprovalSpec{Type: ApprovalSignTx},
	}
	rc.Approval = &ApprovalResult{Tx: tx}
	return rc, &seen
}

func TestDeferredRetryNonceIsPure(t *testing.T) {
	h := newHarness()
	h.preexec.nonce = "0x5"
	h.gateway.retryType = RetryNonce

	rc, seen := retryContext(&types.TxParams{From: testAddress, Nonce: "0x5", ChainID: 1})
	deferred := h.flow.deferredRequest(rc)

	_, err := deferred(context.Background(), true)
	require.NoError(t, err)
	_, err = deferred(context.Background(), true)
	require.NoError(t, err)

	require.Len(t, *seen, 2)
	assert.Equal(t, "0x6", (*seen)[0].Nonce)
	assert.Equal(t, "0x6", (*seen)[1].Nonce)
	assert.Equal(t, "0x5", rc.Approval.Tx.Nonce, "original approval must not change")

	h.preexec.nonce = "0x8"
	_, err = deferred(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "0x8", (*seen)[2].Nonce)
}

func TestDeferredRetryGasPrice(t *testing.T) {
	h := newHarness()
	h.gateway.retryType = RetryGasPrice

	rc, seen := retryContext(&types.TxParams{From: testAddress, GasPrice: "0x64", MaxFeePerGas: "0xa", ChainID: 1})
	deferred := h.flow.deferredRequest(rc)

	for i := 0; i < 2; i++ {
		_, err := deferred(context.Background(), true)
		require.NoError(t, err)
	}
	for _, tx := range *seen {
		assert.Equal(t, "0x82", tx.GasPrice)
		assert.Equal(t, "0xd", tx.MaxFeePerGas)
	}
}

func TestDeferredFirstRunIsNotAdjusted(t *testing.T) {
	h := newHarness()
	rc, seen := retryContext(&types.TxParams{From: testAddress, Nonce: "0x5", GasPrice: "0x64"})

	_, err := h.flow.deferredRequest(rc)(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "0x5", (*seen)[0].Nonce)
	assert.Equal(t, "0x64", (*seen)[0].GasPrice)
}

func TestDeferredGnosisWithoutMessageResolvesEmpty(t *testing.T) {
	h := newHarness()
	rc, seen := retryContext(nil)
	rc.Approval = &ApprovalResult{IsGnosis: true}

	res, err := h.flow.deferredRequest(rc)(context.Background(), false)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Empty(t, *seen)
}

// =============================================================================
// Sign finished notification
// =============================================================================

func TestSignFinishedEvents(t *testing.T) {
	h := newHarness(withSidecar(true))
	rc, _ := retryContext(&types.TxParams{From: testAddress})

	t.Run("success", func(t *testing.T) {
		_, err := h.flow.deferredRequest(rc)(context.Background(), false)
		require.NoError(t, err)
		require.Len(t, h.gateway.uiEvents, 1)
		assert.Equal(t, UIEventSignFinished, h.gateway.uiEvents[0])
		assert.Equal(t, map[string]any{"success": true, "data": "0xhash"}, h.gateway.uiParams[0])
		assert.Contains(t, h.sidecar.eventTypes(), EventSignFinished)
	})

	t.Run("failure", func(t *testing.T) {
		rc.Entry.Handler = func(context.Context, *RequestContext, *ApprovalResult) (any, error) {
			return nil, apperrors.Internal(errors.New("device disconnected"))
		}
		_, err := h.flow.deferredRequest(rc)(context.Background(), false)
		require.Error(t, err)
		assert.Equal(t, map[string]any{"success": false, "errorMsg": "device disconnected"}, h.gateway.uiParams[1])
	})

	t.Run("custom_ui_event", func(t *testing.T) {
		rc.Entry.Handler = func(context.Context, *RequestContext, *ApprovalResult) (any, error) {
			return nil, &UIEventError{Method: "LEDGER_WEBHID_FAILED", Message: "reconnect the device"}
		}
		_, err := h.flow.deferredRequest(rc)(context.Background(), false)
		require.Error(t, err)
		assert.Equal(t, "LEDGER_WEBHID_FAILED", h.gateway.uiEvents[2])
		assert.Equal(t, "reconnect the device", h.gateway.uiParams[2])
	})

	t.Run("wallet_locked", func(t *testing.T) {
		rc.Entry.Handler = func(context.Context, *RequestContext, *ApprovalResult) (any, error) {
			return nil, &UIEventError{Method: UIEventWalletLocked, Message: walletLockedMessage, Err: apperrors.Unauthorized(walletLockedMessage)}
		}
		_, err := h.flow.deferredRequest(rc)(context.Background(), false)
		assert.Equal(t, apperrors.CodeUnauthorized, requireRPCError(t, err).Code)
		assert.Equal(t, UIEventWalletLocked, h.gateway.uiEvents[3])
		assert.Equal(t, walletLockedMessage, h.gateway.uiParams[3])
	})
}

// =============================================================================
// Stats and cleanup
// =============================================================================

func TestReportStatsExactlyOnce(t *testing.T) {
	h := newHarness()
	rc := NewRequestContext("req-1", request("eth_sendTransaction"))
	rc.Method = methodSendTransaction
	rc.RecordSigned(1, true)
	rc.RecordSubmitted(1, false)

	h.flow.reportStats(context.Background(), rc)
	h.flow.reportStats(context.Background(), rc)
	h.flow.cleanup(context.Background(), rc)

	require.Len(t, h.stats.events, 2)
	assert.Equal(t, StatsSignedTransaction, h.stats.events[0].event)
	assert.Equal(t, true, h.stats.events[0].payload["success"])
	assert.Equal(t, StatsSubmitTransaction, h.stats.events[1].event)
	assert.Equal(t, false, h.stats.events[1].payload["success"])
	assert.Equal(t, testOrigin, h.stats.events[1].payload["origin"])
}

func TestReportStatsSkipsUnsignedContext(t *testing.T) {
	h := newHarness()
	rc := NewRequestContext("req-1", request("eth_chainId"))
	h.flow.cleanup(context.Background(), rc)
	assert.Empty(t, h.stats.events)
}

func TestCleanupReleasesBusyOnlyWhenRequested(t *testing.T) {
	h := newHarness()

	quiet := NewRequestContext("a", request("eth_chainId"))
	h.flow.cleanup(context.Background(), quiet)
	assert.Equal(t, 0, h.gateway.releasedCount())

	prompted := NewRequestContext("b", request("personal_sign"))
	prompted.markRequestedApproval()
	h.flow.cleanup(context.Background(), prompted)
	h.flow.cleanup(context.Background(), prompted)
	assert.Equal(t, 1, h.gateway.releasedCount())
}

func TestApprovalResultClone(t *testing.T) {
	orig := &ApprovalResult{
		Tx:          &types.TxParams{Nonce: "0x1"},
		Account:     &types.Account{Address: testAddress},
		Extra:       map[string]any{"k": "v"},
		SafeMessage: &SafeMessage{MessageHash: "0xabc"},
	}
	c := orig.Clone()
	c.Tx.Nonce = "0x2"
	c.Account.Address = testTo
	c.Extra["k"] = "changed"
	c.SafeMessage.MessageHash = "0xdef"

	assert.Equal(t, "0x1", orig.Tx.Nonce)
	assert.Equal(t, testAddress, orig.Account.Address)
	assert.Equal(t, "v", orig.Extra["k"])
	assert.Equal(t, "0xabc", orig.SafeMessage.MessageHash)

	var nilResult *ApprovalResult
	assert.Nil(t, nilResult.Clone())
}
