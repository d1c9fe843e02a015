package storage

import (
	"context"
	"fmt"

	"github.com/better-wallet/dapp-provider/pkg/types"
)

// ChainRepo persists custom networks registered by the user or by auto chain sync
type ChainRepo struct {
	store *Store
}

// NewChainRepo creates a new custom chain repository
func NewChainRepo(store *Store) *ChainRepo {
	return &ChainRepo{store: store}
}

// List returns all custom chains ordered by id
func (r *ChainRepo) List(ctx context.Context) ([]types.Chain, error) {
	rows, err := r.store.pool.Query(ctx, `
		SELECT chain_id, enum, name, native_symbol, rpc_url, explorer_url
		FROM custom_chains
		ORDER BY chain_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list custom chains: %w", err)
	}
	defer rows.Close()

	var chains []types.Chain
	for rows.Next() {
		var (
			c  types.Chain
			id int64
		)
		if err := rows.Scan(&id, &c.Enum, &c.Name, &c.NativeSymbol, &c.RPCURL, &c.ExplorerURL); err != nil {
			return nil, fmt.Errorf("failed to scan custom chain: %w", err)
		}
		c.ID = uint64(id)
		c.IsCustom = true
		chains = append(chains, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate custom chains: %w", err)
	}
	return chains, nil
}

// Upsert stores chain, replacing any previous record with the same id
func (r *ChainRepo) Upsert(ctx context.Context, chain types.Chain) error {
	_, err := r.store.pool.Exec(ctx, `
		INSERT INTO custom_chains (chain_id, enum, name, native_symbol, rpc_url, explorer_url)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chain_id) DO UPDATE SET
			enum = EXCLUDED.enum,
			name = EXCLUDED.name,
			native_symbol = EXCLUDED.native_symbol,
			rpc_url = EXCLUDED.rpc_url,
			explorer_url = EXCLUDED.explorer_url,
			updated_at = NOW()
	`,
		int64(chain.ID),
		chain.Enum,
		chain.Name,
		chain.NativeSymbol,
		chain.RPCURL,
		chain.ExplorerURL,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert custom chain: %w", err)
	}
	return nil
}

// Delete removes a custom chain
func (r *ChainRepo) Delete(ctx context.Context, chainID uint64) error {
	_, err := r.store.pool.Exec(ctx, `DELETE FROM custom_chains WHERE chain_id = $1`, int64(chainID))
	if err != nil {
		return fmt.Errorf("failed to delete custom chain: %w", err)
	}
	return nil
}
