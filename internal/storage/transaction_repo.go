package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/better-wallet/dapp-provider/pkg/types"
)

// Signing transaction statuses
const (
	SigningTxStatusSigning   = "signing"
	SigningTxStatusSubmitted = "submitted"
	SigningTxStatusFailed    = "failed"
)

// SigningTx is a transaction that entered the signing path for a dapp
type SigningTx struct {
	ID                   uuid.UUID
	Origin               string
	ChainID              int64
	FromAddress          string
	ToAddress            *string
	Value                *string
	Data                 *string
	Nonce                *string
	GasLimit             *string
	GasPrice             *string
	MaxFeePerGas         *string
	MaxPriorityFeePerGas *string
	Status               string
	TxHash               *string
	ErrorMessage         *string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// TransactionRepository handles signing transaction storage
type TransactionRepository struct {
	store *Store
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(store *Store) *TransactionRepository {
	return &TransactionRepository{store: store}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Begin records a new signing transaction in the signing state
func (r *TransactionRepository) Begin(ctx context.Context, id, origin string, tx *types.TxParams) error {
	txID, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid signing tx id: %w", err)
	}

	query := `
		INSERT INTO signing_transactions (
			id, origin, chain_id, from_address, to_address, value, data,
			nonce, gas_limit, gas_price, max_fee_per_gas, max_priority_fee_per_gas, status
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)
	`
	_, err = r.store.pool.Exec(ctx, query,
		txID,
		origin,
		int64(tx.ChainID),
		tx.From,
		optional(tx.To),
		optional(tx.Value),
		optional(tx.Data),
		optional(tx.Nonce),
		optional(tx.Gas),
		optional(tx.GasPrice),
		optional(tx.MaxFeePerGas),
		optional(tx.MaxPriorityFeePerGas),
		SigningTxStatusSigning,
	)
	if err != nil {
		return fmt.Errorf("failed to create signing transaction: %w", err)
	}
	return nil
}

// MarkSubmitted stores the broadcast hash
func (r *TransactionRepository) MarkSubmitted(ctx context.Context, id, txHash string) error {
	return r.setStatus(ctx, id, SigningTxStatusSubmitted, &txHash, nil)
}

// MarkFailed stores the failure reason
func (r *TransactionRepository) MarkFailed(ctx context.Context, id, reason string) error {
	return r.setStatus(ctx, id, SigningTxStatusFailed, nil, &reason)
}

func (r *TransactionRepository) setStatus(ctx context.Context, id, status string, txHash, reason *string) error {
	txID, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid signing tx id: %w", err)
	}

	tag, err := r.store.pool.Exec(ctx, `
		UPDATE signing_transactions
		SET status = $2, tx_hash = COALESCE($3, tx_hash), error_message = $4, updated_at = NOW()
		WHERE id = $1
	`, txID, status, txHash, reason)
	if err != nil {
		return fmt.Errorf("failed to update signing transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("signing transaction not found: %s", id)
	}
	return nil
}

// GetByID retrieves a signing transaction by ID
func (r *TransactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*SigningTx, error) {
	query := `
		SELECT id, origin, chain_id, from_address, to_address, value, data,
			nonce, gas_limit, gas_price, max_fee_per_gas, max_priority_fee_per_gas,
			status, tx_hash, error_message, created_at, updated_at
		FROM signing_transactions
		WHERE id = $1
	`

	var tx SigningTx
	err := r.store.pool.QueryRow(ctx, query, id).Scan(
		&tx.ID,
		&tx.Origin,
		&tx.ChainID,
		&tx.FromAddress,
		&tx.ToAddress,
		&tx.Value,
		&tx.Data,
		&tx.Nonce,
		&tx.GasLimit,
		&tx.GasPrice,
		&tx.MaxFeePerGas,
		&tx.MaxPriorityFeePerGas,
		&tx.Status,
		&tx.TxHash,
		&tx.ErrorMessage,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get signing transaction: %w", err)
	}

	return &tx, nil
}
