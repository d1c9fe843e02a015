package provider

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/better-wallet/dapp-provider/internal/validation"
	"github.com/better-wallet/dapp-provider/pkg/types"
)

// buildTransaction converts dapp tx params into an unsigned go-ethereum
// transaction and rejects ones that fail the sanity checks
func buildTransaction(tx *types.TxParams, chainID *big.Int) (*ethtypes.Transaction, error) {
	unsigned, err := newTransaction(tx, chainID)
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateTransaction(unsigned); err != nil {
		return nil, err
	}
	return unsigned, nil
}

func newTransaction(tx *types.TxParams, chainID *big.Int) (*ethtypes.Transaction, error) {
	nonce, err := quantityUint64(tx.Nonce, "nonce")
	if err != nil {
		return nil, err
	}
	gas, err := quantityUint64(tx.Gas, "gas")
	if err != nil {
		return nil, err
	}
	value, err := types.ParseQuantity(tx.Value)
	if err != nil {
		return nil, fmt.Errorf("invalid value: %w", err)
	}

	var data []byte
	if tx.Data != "" {
		if data, err = hexutil.Decode(tx.Data); err != nil {
			return nil, fmt.Errorf("invalid data: %w", err)
		}
	}

	if tx.IsEIP1559() {
		feeCap, err := types.ParseQuantity(tx.MaxFeePerGas)
		if err != nil {
			return nil, fmt.Errorf("invalid maxFeePerGas: %w", err)
		}
		tipCap, err := types.ParseQuantity(tx.MaxPriorityFeePerGas)
		if err != nil {
			return nil, fmt.Errorf("invalid maxPriorityFeePerGas: %w", err)
		}
		return ethtypes.NewTx(&ethtypes.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: tipCap,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        tx.ToAddress(),
			Value:     value,
			Data:      data,
		}), nil
	}

	gasPrice, err := types.ParseQuantity(tx.GasPrice)
	if err != nil {
		return nil, fmt.Errorf("invalid gasPrice: %w", err)
	}
	return ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       tx.ToAddress(),
		Value:    value,
		Data:     data,
	}), nil
}

func quantityUint64(s, field string) (uint64, error) {
	v, err := types.ParseQuantity(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("invalid %s: out of range", field)
	}
	return v.Uint64(), nil
}
