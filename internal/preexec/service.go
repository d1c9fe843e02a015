// Package preexec simulates dapp transactions before they are signed and
// recommends nonce and gas for automated approvals.
package preexec

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/better-wallet/dapp-provider/internal/eth"
	"github.com/better-wallet/dapp-provider/internal/logger"
	"github.com/better-wallet/dapp-provider/pkg/types"
)

// Gas recommendation: used × 3/2, capped at 95% of the block gas limit
const (
	gasMultiplierNum = 3
	gasMultiplierDen = 2
	blockCapPercent  = 95
)

// Backend is the chain access the service needs
type Backend interface {
	CallContract(ctx context.Context, chainID uint64, msg ethereum.CallMsg) ([]byte, error)
	EstimateGasExact(ctx context.Context, chainID uint64, msg ethereum.CallMsg) (uint64, error)
	PendingNonce(ctx context.Context, chainID uint64, from common.Address) (uint64, error)
	BlockGasLimit(ctx context.Context, chainID uint64) (uint64, error)
}

// Service runs pre-execution against a chain backend
type Service struct {
	backend Backend
}

// NewService creates a pre-execution service
func NewService(backend Backend) *Service {
	return &Service{backend: backend}
}

// Simulate executes tx against latest state. A revert is reported in the
// result, not as an error; errors mean the node could not be asked.
func (s *Service) Simulate(ctx context.Context, tx *types.TxParams) (*types.PreExecResult, error) {
	msg, err := eth.CallMsg(tx)
	if err != nil {
		return nil, err
	}

	res := &types.PreExecResult{Gas: types.GasResult{GasLimit: msg.Gas}}

	if _, err := s.backend.CallContract(ctx, tx.ChainID, msg); err != nil {
		if !isExecutionError(err) {
			return nil, fmt.Errorf("simulate call: %w", err)
		}
		res.Reverted = true
		res.Error = revertReason(err)
		logger.Debug(ctx, "pre-execution reverted", "chain_id", tx.ChainID, "to", tx.To, "reason", res.Error)
		return res, nil
	}

	// estimate without the dapp's gas cap so the real usage is visible
	estimateMsg := msg
	estimateMsg.Gas = 0
	used, err := s.backend.EstimateGasExact(ctx, tx.ChainID, estimateMsg)
	if err != nil {
		if !isExecutionError(err) {
			return nil, fmt.Errorf("simulate estimate: %w", err)
		}
		res.Error = revertReason(err)
		return res, nil
	}

	res.Gas.Success = true
	res.Gas.GasUsed = used
	if res.Gas.GasLimit == 0 {
		res.Gas.GasLimit = used
	}
	return res, nil
}

// RecommendNonce returns the pending nonce of from as 0x-hex
func (s *Service) RecommendNonce(ctx context.Context, from string, chainID uint64) (string, error) {
	if !common.IsHexAddress(from) {
		return "", fmt.Errorf("invalid address %q", from)
	}
	nonce, err := s.backend.PendingNonce(ctx, chainID, common.HexToAddress(from))
	if err != nil {
		return "", err
	}
	return hexutil.EncodeUint64(nonce), nil
}

// RecommendGas scales gasUsed and caps it below the block gas limit
func (s *Service) RecommendGas(ctx context.Context, gasUsed uint64, tx *types.TxParams) (*big.Int, error) {
	gas := new(big.Int).SetUint64(gasUsed)
	gas.Mul(gas, big.NewInt(gasMultiplierNum))
	gas.Quo(gas, big.NewInt(gasMultiplierDen))

	limit, err := s.backend.BlockGasLimit(ctx, tx.ChainID)
	if err != nil {
		logger.Warn(ctx, "block gas limit unavailable, gas recommendation uncapped", "chain_id", tx.ChainID, "error", err)
		return gas, nil
	}
	ceiling := new(big.Int).SetUint64(limit)
	ceiling.Mul(ceiling, big.NewInt(blockCapPercent))
	ceiling.Quo(ceiling, big.NewInt(100))
	if gas.Cmp(ceiling) > 0 {
		return ceiling, nil
	}
	return gas, nil
}

// isExecutionError reports whether the node rejected the call itself, as
// opposed to a transport failure
func isExecutionError(err error) bool {
	var rpcErr rpc.Error
	return errors.As(err, &rpcErr)
}

func revertReason(err error) string {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if data, ok := dataErr.ErrorData().(string); ok && data != "" {
			return fmt.Sprintf("%s: %s", err.Error(), data)
		}
	}
	return err.Error()
}
