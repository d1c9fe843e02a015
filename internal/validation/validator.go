// Package validation holds sanity checks applied to dapp transactions before
// they reach the signer.
package validation

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
)

// MaxDataSize matches the node txpool limit on transaction size
const MaxDataSize = 128 * 1024

// maxFeeCap rejects fee caps above 100000 gwei, almost always a unit mistake
var maxFeeCap = new(big.Int).Mul(big.NewInt(100_000), big.NewInt(params.GWei))

// ValidateGasParameters checks the gas limit and fee fields
func ValidateGasParameters(gasLimit uint64, gasFeeCap, gasTipCap *big.Int) error {
	if gasLimit < params.TxGas {
		return fmt.Errorf("gas limit too low: minimum %d", params.TxGas)
	}
	if gasFeeCap == nil || gasFeeCap.Sign() < 0 {
		return fmt.Errorf("gas fee cap cannot be negative")
	}
	if gasTipCap == nil || gasTipCap.Sign() < 0 {
		return fmt.Errorf("gas tip cap cannot be negative")
	}
	if gasTipCap.Cmp(gasFeeCap) > 0 {
		return fmt.Errorf("gas tip cap cannot exceed gas fee cap")
	}
	if gasFeeCap.Cmp(maxFeeCap) > 0 {
		return fmt.Errorf("gas fee cap too high: maximum 100000 Gwei")
	}
	return nil
}

// ValidateTransactionData validates transaction data (calldata)
func ValidateTransactionData(data []byte) error {
	if len(data) > MaxDataSize {
		return fmt.Errorf("transaction data too large: %d bytes > %d bytes max", len(data), MaxDataSize)
	}
	return nil
}

// ValidateTransaction runs every check on an unsigned transaction. A nil
// recipient is a contract creation and must carry init code.
func ValidateTransaction(tx *ethtypes.Transaction) error {
	if tx == nil {
		return fmt.Errorf("transaction is required")
	}

	if to := tx.To(); to != nil {
		if *to == (common.Address{}) {
			return fmt.Errorf("invalid recipient address: cannot send to zero address")
		}
	} else if len(tx.Data()) == 0 {
		return fmt.Errorf("contract creation requires data")
	}

	if tx.Value().Sign() < 0 {
		return fmt.Errorf("invalid value: cannot be negative")
	}
	if err := ValidateGasParameters(tx.Gas(), tx.GasFeeCap(), tx.GasTipCap()); err != nil {
		return fmt.Errorf("invalid gas parameters: %w", err)
	}
	if err := ValidateTransactionData(tx.Data()); err != nil {
		return err
	}
	return nil
}
