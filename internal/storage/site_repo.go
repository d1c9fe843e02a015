package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/better-wallet/dapp-provider/pkg/types"
)

// SiteRepo persists connected sites, the permission record of a dapp origin
type SiteRepo struct {
	store *Store
}

// NewSiteRepo creates a new connected site repository
func NewSiteRepo(store *Store) *SiteRepo {
	return &SiteRepo{store: store}
}

const siteColumns = `
	origin, name, icon, chain_id, account_address, account_type, account_brand,
	is_signed, is_connected, is_top, created_at, last_used_at
`

func scanSite(row pgx.Row) (*types.ConnectedSite, error) {
	var (
		site                      types.ConnectedSite
		address, accType, accBrand *string
		chainID                   int64
	)
	if err := row.Scan(
		&site.Origin,
		&site.Name,
		&site.Icon,
		&chainID,
		&address,
		&accType,
		&accBrand,
		&site.IsSigned,
		&site.IsConnected,
		&site.IsTop,
		&site.CreatedAt,
		&site.LastUsedAt,
	); err != nil {
		return nil, err
	}
	site.ChainID = uint64(chainID)
	if address != nil {
		site.Account = &types.Account{Address: *address}
		if accType != nil {
			site.Account.Type = *accType
		}
		if accBrand != nil {
			site.Account.BrandName = *accBrand
		}
	}
	return &site, nil
}

func accountColumns(acc *types.Account) (address, accType, brand *string) {
	if acc == nil {
		return nil, nil, nil
	}
	return &acc.Address, &acc.Type, &acc.BrandName
}

// HasPermission reports whether origin has a connected site record
func (r *SiteRepo) HasPermission(ctx context.Context, origin string) (bool, error) {
	var exists bool
	err := r.store.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM connected_sites WHERE origin = $1 AND is_connected)`,
		origin,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check site permission: %w", err)
	}
	return exists, nil
}

// GetSite returns the site for origin, or nil when there is none
func (r *SiteRepo) GetSite(ctx context.Context, origin string) (*types.ConnectedSite, error) {
	query := `SELECT ` + siteColumns + ` FROM connected_sites WHERE origin = $1`

	site, err := scanSite(r.store.pool.QueryRow(ctx, query, origin))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get connected site: %w", err)
	}
	return site, nil
}

// ListSites returns all connected sites, most recently used first
func (r *SiteRepo) ListSites(ctx context.Context) ([]*types.ConnectedSite, error) {
	query := `SELECT ` + siteColumns + ` FROM connected_sites ORDER BY is_top DESC, last_used_at DESC`

	rows, err := r.store.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list connected sites: %w", err)
	}
	defer rows.Close()

	var sites []*types.ConnectedSite
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connected site: %w", err)
		}
		sites = append(sites, site)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate connected sites: %w", err)
	}
	return sites, nil
}

// AddConnectedSite inserts or replaces the record for site.Origin
func (r *SiteRepo) AddConnectedSite(ctx context.Context, site *types.ConnectedSite) error {
	now := time.Now().UTC()
	if site.CreatedAt.IsZero() {
		site.CreatedAt = now
	}
	if site.LastUsedAt.IsZero() {
		site.LastUsedAt = now
	}
	address, accType, brand := accountColumns(site.Account)

	query := `
		INSERT INTO connected_sites (` + siteColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (origin) DO UPDATE SET
			name = EXCLUDED.name,
			icon = EXCLUDED.icon,
			chain_id = EXCLUDED.chain_id,
			account_address = EXCLUDED.account_address,
			account_type = EXCLUDED.account_type,
			account_brand = EXCLUDED.account_brand,
			is_connected = EXCLUDED.is_connected,
			last_used_at = EXCLUDED.last_used_at
	`
	_, err := r.store.pool.Exec(ctx, query,
		site.Origin,
		site.Name,
		site.Icon,
		int64(site.ChainID),
		address,
		accType,
		brand,
		site.IsSigned,
		site.IsConnected,
		site.IsTop,
		site.CreatedAt,
		site.LastUsedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add connected site: %w", err)
	}
	return nil
}

// UpdateConnectedSite applies patch to the site; touch also bumps last_used_at
func (r *SiteRepo) UpdateConnectedSite(ctx context.Context, origin string, patch types.SitePatch, touch bool) error {
	return r.store.InTx(ctx, func(tx pgx.Tx) error {
		query := `SELECT ` + siteColumns + ` FROM connected_sites WHERE origin = $1 FOR UPDATE`
		site, err := scanSite(tx.QueryRow(ctx, query, origin))
		if err != nil {
			if isNoRows(err) {
				return fmt.Errorf("connected site not found: %s", origin)
			}
			return fmt.Errorf("failed to load connected site: %w", err)
		}

		patch.Apply(site)
		if touch {
			site.LastUsedAt = time.Now().UTC()
		}
		address, accType, brand := accountColumns(site.Account)

		_, err = tx.Exec(ctx, `
			UPDATE connected_sites
			SET name = $2, icon = $3, chain_id = $4, account_address = $5,
				account_type = $6, account_brand = $7, is_signed = $8, last_used_at = $9
			WHERE origin = $1
		`,
			origin,
			site.Name,
			site.Icon,
			int64(site.ChainID),
			address,
			accType,
			brand,
			site.IsSigned,
			site.LastUsedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to update connected site: %w", err)
		}
		return nil
	})
}

// TouchConnectedSite bumps last_used_at
func (r *SiteRepo) TouchConnectedSite(ctx context.Context, origin string) error {
	_, err := r.store.pool.Exec(ctx,
		`UPDATE connected_sites SET last_used_at = NOW() WHERE origin = $1`,
		origin,
	)
	if err != nil {
		return fmt.Errorf("failed to touch connected site: %w", err)
	}
	return nil
}

// RemoveConnectedSite deletes the permission record for origin
func (r *SiteRepo) RemoveConnectedSite(ctx context.Context, origin string) error {
	_, err := r.store.pool.Exec(ctx, `DELETE FROM connected_sites WHERE origin = $1`, origin)
	if err != nil {
		return fmt.Errorf("failed to remove connected site: %w", err)
	}
	return nil
}
