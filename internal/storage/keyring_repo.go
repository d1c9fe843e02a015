package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// KeyringAccount is an account whose private key is stored KMS-encrypted
type KeyringAccount struct {
	Address      string
	Type         string
	BrandName    string
	KeyEncrypted []byte
	KMSKeyID     string
	Hidden       bool
	CreatedAt    time.Time
}

// KeyringRepository handles keyring account storage
type KeyringRepository struct {
	store *Store
}

// NewKeyringRepository creates a new KeyringRepository
func NewKeyringRepository(store *Store) *KeyringRepository {
	return &KeyringRepository{store: store}
}

// Create stores a new account
func (r *KeyringRepository) Create(ctx context.Context, acc *KeyringAccount) error {
	return r.CreateTx(ctx, r.store.pool, acc)
}

// CreateTx stores a new account using the provided transaction or connection
func (r *KeyringRepository) CreateTx(ctx context.Context, db DBTX, acc *KeyringAccount) error {
	query := `
		INSERT INTO keyring_accounts (address, account_type, brand_name, key_encrypted, kms_key_id, hidden)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := db.Exec(ctx, query,
		strings.ToLower(acc.Address),
		acc.Type,
		acc.BrandName,
		acc.KeyEncrypted,
		acc.KMSKeyID,
		acc.Hidden,
	)
	if err != nil {
		return fmt.Errorf("failed to create keyring account: %w", err)
	}
	return nil
}

// List returns every stored account in creation order
func (r *KeyringRepository) List(ctx context.Context) ([]*KeyringAccount, error) {
	rows, err := r.store.pool.Query(ctx, `
		SELECT address, account_type, brand_name, key_encrypted, kms_key_id, hidden, created_at
		FROM keyring_accounts
		ORDER BY created_at, address
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list keyring accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*KeyringAccount
	for rows.Next() {
		var (
			acc      KeyringAccount
			kmsKeyID *string
		)
		if err := rows.Scan(
			&acc.Address,
			&acc.Type,
			&acc.BrandName,
			&acc.KeyEncrypted,
			&kmsKeyID,
			&acc.Hidden,
			&acc.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan keyring account: %w", err)
		}
		if kmsKeyID != nil {
			acc.KMSKeyID = *kmsKeyID
		}
		accounts = append(accounts, &acc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate keyring accounts: %w", err)
	}
	return accounts, nil
}

// PreferenceRepository stores small JSON wallet preferences by key
type PreferenceRepository struct {
	store *Store
}

// NewPreferenceRepository creates a new PreferenceRepository
func NewPreferenceRepository(store *Store) *PreferenceRepository {
	return &PreferenceRepository{store: store}
}

// Get decodes the preference into dst; found is false when the key is unset
func (r *PreferenceRepository) Get(ctx context.Context, key string, dst any) (bool, error) {
	var raw []byte
	err := r.store.pool.QueryRow(ctx, `SELECT value FROM preferences WHERE key = $1`, key).Scan(&raw)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get preference %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("failed to decode preference %s: %w", key, err)
	}
	return true, nil
}

// Set stores value under key
func (r *PreferenceRepository) Set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode preference %s: %w", key, err)
	}
	_, err = r.store.pool.Exec(ctx, `
		INSERT INTO preferences (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, key, raw)
	if err != nil {
		return fmt.Errorf("failed to set preference %s: %w", key, err)
	}
	return nil
}
