package approval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/better-wallet/dapp-provider/internal/provider"
	apperrors "github.com/better-wallet/dapp-provider/pkg/errors"
)

// waitPending polls until n approvals are parked
func waitPending(t *testing.T, m *Manager, n int) []Pending {
	t.Helper()
	var list []Pending
	require.Eventually(t, func() bool {
		list = m.List()
		return len(list) == n
	}, time.Second, 5*time.Millisecond)
	return list
}

type approvalOutcome struct {
	res *provider.ApprovalResult
	err error
}

func requestAsync(m *Manager, ctx context.Context, req *provider.ApprovalRequest) <-chan approvalOutcome {
	done := make(chan approvalOutcome, 1)
	go func() {
		res, err := m.RequestApproval(ctx, req, provider.ApprovalOptions{Height: 600})
		done <- approvalOutcome{res, err}
	}()
	return done
}

func TestRequestApprovalResolve(t *testing.T) {
	m := NewManager(time.Second)
	ctx := context.Background()
	events, cancel := m.Subscribe()
	defer cancel()

	done := requestAsync(m, ctx, &provider.ApprovalRequest{Component: "SignText", Type: provider.ApprovalSignText})

	list := waitPending(t, m, 1)
	assert.Equal(t, 600, list[0].Height)
	assert.True(t, m.IsBusy())

	ev := <-events
	assert.Equal(t, UIEventApprovalRequested, ev.Method)

	require.NoError(t, m.Resolve(ctx, list[0].ID, &provider.ApprovalResult{ChainID: 10}))
	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, uint64(10), out.res.ChainID)
	assert.Empty(t, m.List())
	assert.True(t, m.IsBusy(), "busy stays until the pipeline releases it")

	assert.ErrorIs(t, m.Resolve(ctx, list[0].ID, nil), ErrNotFound)
}

func TestRequestApprovalReject(t *testing.T) {
	m := NewManager(time.Second)
	ctx := context.Background()

	done := requestAsync(m, ctx, &provider.ApprovalRequest{Component: "Connect", Type: provider.ApprovalConnect})
	list := waitPending(t, m, 1)

	require.NoError(t, m.Reject(ctx, list[0].ID, ""))
	out := <-done
	require.Error(t, out.err)
	assert.True(t, apperrors.IsKind(out.err, apperrors.KindUserRejected))
}

func TestRequestApprovalContextCancel(t *testing.T) {
	m := NewManager(time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	done := requestAsync(m, ctx, &provider.ApprovalRequest{Component: "SignTx", Type: provider.ApprovalSignTx})
	waitPending(t, m, 1)

	cancel()
	out := <-done
	assert.ErrorIs(t, out.err, context.Canceled)
	assert.Empty(t, m.List())
}

func TestUnlock(t *testing.T) {
	m := NewManager(time.Second)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- m.Unlock(ctx) }()
	other := requestAsync(m, ctx, &provider.ApprovalRequest{Component: "SignText", Type: provider.ApprovalSignText})

	waitPending(t, m, 2)
	assert.Equal(t, 1, m.ResolveUnlock(ctx))
	require.NoError(t, <-done)

	list := waitPending(t, m, 1)
	assert.Equal(t, provider.ApprovalSignText, list[0].Request.Type, "only unlock prompts are settled")
	require.NoError(t, m.Reject(ctx, list[0].ID, "no"))
	<-other

	assert.Zero(t, m.ResolveUnlock(ctx))
}

func TestListOrdersUnshiftedFirst(t *testing.T) {
	m := NewManager(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	requestAsync(m, ctx, &provider.ApprovalRequest{Component: "first"})
	waitPending(t, m, 1)
	time.Sleep(2 * time.Millisecond)
	requestAsync(m, ctx, &provider.ApprovalRequest{Component: "second"})
	waitPending(t, m, 2)
	requestAsync(m, ctx, &provider.ApprovalRequest{Component: "urgent", IsUnshift: true})

	list := waitPending(t, m, 3)
	got := []string{list[0].Request.Component, list[1].Request.Component, list[2].Request.Component}
	assert.Equal(t, []string{"urgent", "first", "second"}, got)
}

func TestReleaseBusy(t *testing.T) {
	m := NewManager(time.Second)
	ctx := context.Background()

	done := requestAsync(m, ctx, &provider.ApprovalRequest{Component: "SignText"})
	list := waitPending(t, m, 1)
	require.NoError(t, m.Resolve(ctx, list[0].ID, nil))
	out := <-done
	require.NoError(t, out.err)
	assert.NotNil(t, out.res, "nil result resolves to an empty one")

	m.ReleaseBusy()
	assert.False(t, m.IsBusy())
}

func TestRetrySlot(t *testing.T) {
	m := NewManager(time.Second)
	ctx := context.Background()

	_, err := m.Retry(ctx)
	assert.ErrorIs(t, err, ErrNoRetry)

	req := &provider.Request{Method: "eth_sendTransaction", Session: provider.Session{Origin: "https://a.example"}}
	var calls []string
	m.SetDeferredRetry(provider.NewRequestContext("first", req), func(_ context.Context, isRetry bool) (any, error) {
		calls = append(calls, "first")
		return nil, nil
	})
	m.SetDeferredRetry(provider.NewRequestContext("second", req), func(_ context.Context, isRetry bool) (any, error) {
		assert.True(t, isRetry)
		calls = append(calls, "second")
		return "0xhash", nil
	})

	res, err := m.Retry(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0xhash", res)
	assert.Equal(t, []string{"second"}, calls, "last writer wins")
}

func TestRetryType(t *testing.T) {
	m := NewManager(time.Second)
	assert.Equal(t, provider.RetryNonce, m.RetryType())

	require.NoError(t, m.SetRetryType(provider.RetryGasPrice))
	assert.Equal(t, provider.RetryGasPrice, m.RetryType())

	assert.ErrorIs(t, m.SetRetryType("speedup"), ErrRetryType)
	assert.Equal(t, provider.RetryGasPrice, m.RetryType())
}

func TestWaitSignComponentMounted(t *testing.T) {
	t.Run("already_mounted", func(t *testing.T) {
		m := NewManager(time.Second)
		m.SignComponentMounted()
		m.SignComponentMounted()
		assert.NoError(t, m.WaitSignComponentMounted(context.Background()))
	})

	t.Run("mounted_later", func(t *testing.T) {
		m := NewManager(time.Second)
		go func() {
			time.Sleep(10 * time.Millisecond)
			m.SignComponentMounted()
		}()
		assert.NoError(t, m.WaitSignComponentMounted(context.Background()))
	})

	t.Run("timeout", func(t *testing.T) {
		m := NewManager(20 * time.Millisecond)
		assert.ErrorIs(t, m.WaitSignComponentMounted(context.Background()), ErrNotMounted)
	})

	t.Run("reset_on_release", func(t *testing.T) {
		m := NewManager(20 * time.Millisecond)
		m.SignComponentMounted()
		m.ReleaseBusy()
		assert.ErrorIs(t, m.WaitSignComponentMounted(context.Background()), ErrNotMounted)
	})

	t.Run("caller_cancel", func(t *testing.T) {
		m := NewManager(time.Second)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := m.WaitSignComponentMounted(ctx)
		assert.True(t, errors.Is(err, context.Canceled))
	})
}

func TestEmitUIEvent(t *testing.T) {
	m := NewManager(time.Second)
	ctx := context.Background()

	events, cancel := m.Subscribe()
	m.EmitUIEvent(ctx, provider.UIEventSignFinished, map[string]any{"success": true})
	ev := <-events
	assert.Equal(t, provider.UIEventSignFinished, ev.Method)

	// a full listener drops events instead of blocking the pipeline
	for i := 0; i < uiEventBuffer+5; i++ {
		m.EmitUIEvent(ctx, "tick", i)
	}
	assert.Len(t, events, uiEventBuffer)

	cancel()
	cancel()
	m.EmitUIEvent(ctx, "after", nil)
}
