package preexec

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/better-wallet/dapp-provider/pkg/types"
)

type revertErr struct{}

func (revertErr) Error() string  { return "execution reverted" }
func (revertErr) ErrorCode() int { return 3 }
func (revertErr) ErrorData() any { return "0x08c379a0" }

type fakeBackend struct {
	callErr     error
	estimate    uint64
	estimateErr error
	nonce       uint64
	blockLimit  uint64
	limitErr    error
	lastMsg     ethereum.CallMsg
}

func (b *fakeBackend) CallContract(_ context.Context, _ uint64, msg ethereum.CallMsg) ([]byte, error) {
	b.lastMsg = msg
	return nil, b.callErr
}

func (b *fakeBackend) EstimateGasExact(_ context.Context, _ uint64, msg ethereum.CallMsg) (uint64, error) {
	b.lastMsg = msg
	return b.estimate, b.estimateErr
}

func (b *fakeBackend) PendingNonce(context.Context, uint64, common.Address) (uint64, error) {
	return b.nonce, nil
}

func (b *fakeBackend) BlockGasLimit(context.Context, uint64) (uint64, error) {
	return b.blockLimit, b.limitErr
}

var testTx = &types.TxParams{
	From:    "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
	To:      "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359",
	Gas:     "0x7530",
	ChainID: 1,
}

func TestSimulate(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		b := &fakeBackend{estimate: 46000}
		res, err := NewService(b).Simulate(context.Background(), testTx)
		require.NoError(t, err)
		assert.True(t, res.Gas.Success)
		assert.Equal(t, uint64(46000), res.Gas.GasUsed)
		assert.Equal(t, uint64(30000), res.Gas.GasLimit)
		assert.Zero(t, b.lastMsg.Gas, "estimate runs without the dapp gas cap")
	})

	t.Run("revert", func(t *testing.T) {
		b := &fakeBackend{callErr: revertErr{}}
		res, err := NewService(b).Simulate(context.Background(), testTx)
		require.NoError(t, err)
		assert.False(t, res.Gas.Success)
		assert.True(t, res.Reverted)
		assert.Equal(t, "execution reverted: 0x08c379a0", res.Error)
	})

	t.Run("transport_failure", func(t *testing.T) {
		b := &fakeBackend{callErr: errors.New("connection refused")}
		_, err := NewService(b).Simulate(context.Background(), testTx)
		assert.ErrorContains(t, err, "connection refused")
	})

	t.Run("estimate_reverts", func(t *testing.T) {
		b := &fakeBackend{estimateErr: revertErr{}}
		res, err := NewService(b).Simulate(context.Background(), testTx)
		require.NoError(t, err)
		assert.False(t, res.Gas.Success)
		assert.NotEmpty(t, res.Error)
	})
}

func TestRecommendNonce(t *testing.T) {
	svc := NewService(&fakeBackend{nonce: 26})
	nonce, err := svc.RecommendNonce(context.Background(), testTx.From, 1)
	require.NoError(t, err)
	assert.Equal(t, "0x1a", nonce)

	_, err = svc.RecommendNonce(context.Background(), "bad", 1)
	assert.Error(t, err)
}

func TestRecommendGas(t *testing.T) {
	tests := []struct {
		name     string
		used     uint64
		limit    uint64
		limitErr error
		want     int64
	}{
		{"scaled", 21000, 30_000_000, nil, 31500},
		{"odd_floors", 21001, 30_000_000, nil, 31501},
		{"capped_at_95_percent", 29_000_000, 30_000_000, nil, 28_500_000},
		{"no_block_limit", 100, 0, errors.New("header unavailable"), 150},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(&fakeBackend{blockLimit: tt.limit, limitErr: tt.limitErr})
			gas, err := svc.RecommendGas(context.Background(), tt.used, testTx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, gas.Int64())
		})
	}
}
