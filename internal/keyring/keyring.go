// Package keyring holds the wallet accounts. Private keys are stored
// encrypted and only live in memory between Unlock and Lock.
package keyring

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"golang.org/x/crypto/bcrypt"

	"github.com/better-wallet/dapp-provider/internal/logger"
	"github.com/better-wallet/dapp-provider/internal/storage"
	"github.com/better-wallet/dapp-provider/pkg/types"
)

const currentAccountKey = "currentAccount"

var (
	ErrLocked          = errors.New("keyring is locked")
	ErrBadPassword     = errors.New("incorrect password")
	ErrUnknownAccount  = errors.New("no signing key for account")
	ErrAccountExists   = errors.New("account already exists")
	ErrAccountNotFound = errors.New("account not found")
)

// AccountStore persists encrypted accounts
type AccountStore interface {
	List(ctx context.Context) ([]*storage.KeyringAccount, error)
	Create(ctx context.Context, acc *storage.KeyringAccount) error
}

// PreferenceStore keeps small JSON preferences
type PreferenceStore interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, value any) error
}

// Keyring implements provider.Keyring and provider.Signer
type Keyring struct {
	accounts     AccountStore
	prefs        PreferenceStore
	cipher       KeyCipher
	passwordHash []byte

	mu       sync.RWMutex
	unlocked bool
	keys     map[common.Address]*ecdsa.PrivateKey
}

// New creates a locked keyring. passwordHash is the bcrypt hash of the unlock password.
func New(accounts AccountStore, prefs PreferenceStore, cipher KeyCipher, passwordHash string) *Keyring {
	return &Keyring{
		accounts:     accounts,
		prefs:        prefs,
		cipher:       cipher,
		passwordHash: []byte(passwordHash),
		keys:         make(map[common.Address]*ecdsa.PrivateKey),
	}
}

func (k *Keyring) IsUnlocked() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.unlocked
}

// Unlock verifies password and decrypts every stored key into memory
func (k *Keyring) Unlock(ctx context.Context, password string) error {
	if err := bcrypt.CompareHashAndPassword(k.passwordHash, []byte(password)); err != nil {
		logger.Warn(ctx, "keyring unlock rejected")
		return ErrBadPassword
	}

	stored, err := k.accounts.List(ctx)
	if err != nil {
		return err
	}

	keys := make(map[common.Address]*ecdsa.PrivateKey, len(stored))
	for _, acc := range stored {
		if len(acc.KeyEncrypted) == 0 {
			continue
		}
		key, err := k.decryptKey(ctx, acc)
		if err != nil {
			zeroKeys(keys)
			return fmt.Errorf("failed to decrypt key for %s: %w", acc.Address, err)
		}
		keys[common.HexToAddress(acc.Address)] = key
	}

	k.mu.Lock()
	zeroKeys(k.keys)
	k.keys = keys
	k.unlocked = true
	k.mu.Unlock()

	logger.Info(ctx, "keyring unlocked", "keys", len(keys))
	return nil
}

func (k *Keyring) decryptKey(ctx context.Context, acc *storage.KeyringAccount) (*ecdsa.PrivateKey, error) {
	raw, err := k.cipher.Decrypt(ctx, acc.Address, acc.KeyEncrypted)
	if err != nil {
		return nil, err
	}
	defer clear(raw)

	key, err := ethcrypto.ToECDSA(raw)
	if err != nil {
		return nil, err
	}
	if got := ethcrypto.PubkeyToAddress(key.PublicKey); got != common.HexToAddress(acc.Address) {
		key.D.SetInt64(0)
		return nil, fmt.Errorf("decrypted key belongs to %s", got.Hex())
	}
	return key, nil
}

// Lock forgets every decrypted key
func (k *Keyring) Lock(ctx context.Context) {
	k.mu.Lock()
	zeroKeys(k.keys)
	k.keys = make(map[common.Address]*ecdsa.PrivateKey)
	k.unlocked = false
	k.mu.Unlock()
	logger.Info(ctx, "keyring locked")
}

func zeroKeys(keys map[common.Address]*ecdsa.PrivateKey) {
	for addr, key := range keys {
		if key != nil && key.D != nil {
			key.D.SetInt64(0)
		}
		delete(keys, addr)
	}
}

// VisibleAccounts lists accounts not hidden by the user, in creation order
func (k *Keyring) VisibleAccounts(ctx context.Context) ([]types.Account, error) {
	stored, err := k.accounts.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.Account, 0, len(stored))
	for _, acc := range stored {
		if acc.Hidden {
			continue
		}
		out = append(out, types.Account{
			Address:   common.HexToAddress(acc.Address).Hex(),
			Type:      acc.Type,
			BrandName: acc.BrandName,
		})
	}
	return out, nil
}

// CurrentAccount returns the selected account, nil when none is selected or
// the selection is no longer visible
func (k *Keyring) CurrentAccount(ctx context.Context) (*types.Account, error) {
	var current types.Account
	found, err := k.prefs.Get(ctx, currentAccountKey, &current)
	if err != nil || !found {
		return nil, err
	}

	visible, err := k.VisibleAccounts(ctx)
	if err != nil {
		return nil, err
	}
	for i := range visible {
		if visible[i].Equal(&current) {
			return &visible[i], nil
		}
	}
	return nil, nil
}

// SetCurrentAccount selects a visible account
func (k *Keyring) SetCurrentAccount(ctx context.Context, address string) (*types.Account, error) {
	visible, err := k.VisibleAccounts(ctx)
	if err != nil {
		return nil, err
	}
	want := &types.Account{Address: address}
	for i := range visible {
		if visible[i].Equal(want) {
			if err := k.prefs.Set(ctx, currentAccountKey, visible[i]); err != nil {
				return nil, err
			}
			return &visible[i], nil
		}
	}
	return nil, ErrAccountNotFound
}

// ImportPrivateKey stores a hex private key encrypted and, when unlocked,
// makes it available for signing right away
func (k *Keyring) ImportPrivateKey(ctx context.Context, hexKey string) (*types.Account, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	address := ethcrypto.PubkeyToAddress(key.PublicKey)

	if err := k.ensureNew(ctx, address); err != nil {
		key.D.SetInt64(0)
		return nil, err
	}

	raw := ethcrypto.FromECDSA(key)
	encrypted, err := k.cipher.Encrypt(ctx, address.Hex(), raw)
	clear(raw)
	if err != nil {
		key.D.SetInt64(0)
		return nil, fmt.Errorf("failed to encrypt key: %w", err)
	}

	acc := &storage.KeyringAccount{
		Address:      address.Hex(),
		Type:         types.KeyringTypeSimple,
		KeyEncrypted: encrypted,
		KMSKeyID:     k.cipher.Name(),
	}
	if err := k.accounts.Create(ctx, acc); err != nil {
		key.D.SetInt64(0)
		return nil, err
	}

	k.mu.Lock()
	if k.unlocked {
		k.keys[address] = key
	} else {
		key.D.SetInt64(0)
	}
	k.mu.Unlock()

	logger.Info(ctx, "account imported", "address", address.Hex())
	return &types.Account{Address: address.Hex(), Type: acc.Type}, nil
}

// AddWatchAddress stores an account that can be connected but never signs
func (k *Keyring) AddWatchAddress(ctx context.Context, address string) (*types.Account, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid address %q", address)
	}
	addr := common.HexToAddress(address)
	if err := k.ensureNew(ctx, addr); err != nil {
		return nil, err
	}
	acc := &storage.KeyringAccount{Address: addr.Hex(), Type: types.KeyringTypeWatch}
	if err := k.accounts.Create(ctx, acc); err != nil {
		return nil, err
	}
	return &types.Account{Address: addr.Hex(), Type: acc.Type}, nil
}

func (k *Keyring) ensureNew(ctx context.Context, address common.Address) error {
	stored, err := k.accounts.List(ctx)
	if err != nil {
		return err
	}
	for _, acc := range stored {
		if common.HexToAddress(acc.Address) == address {
			return fmt.Errorf("%w: %s", ErrAccountExists, address.Hex())
		}
	}
	return nil
}

// signingKey must be called with k.mu held for reading
func (k *Keyring) signingKey(from common.Address) (*ecdsa.PrivateKey, error) {
	if !k.unlocked {
		return nil, ErrLocked
	}
	key, ok := k.keys[from]
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrUnknownAccount, from.Hex())
	}
	return key, nil
}

// signHash produces a 65 byte signature with V in {27, 28}
func (k *Keyring) signHash(from common.Address, hash []byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, err := k.signingKey(from)
	if err != nil {
		return nil, err
	}
	sig, err := ethcrypto.Sign(hash, key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	sig[ethcrypto.RecoveryIDOffset] += 27
	return sig, nil
}

// SignPersonalMessage signs msg with the EIP-191 prefix
func (k *Keyring) SignPersonalMessage(_ context.Context, from common.Address, msg []byte) ([]byte, error) {
	return k.signHash(from, accounts.TextHash(msg))
}

// SignTypedData signs an EIP-712 payload
func (k *Keyring) SignTypedData(_ context.Context, from common.Address, data apitypes.TypedData) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, fmt.Errorf("invalid typed data: %w", err)
	}
	return k.signHash(from, hash)
}

// SignTransaction signs tx for chainID with the London signer
func (k *Keyring) SignTransaction(_ context.Context, from common.Address, tx *ethtypes.Transaction, chainID *big.Int) (*ethtypes.Transaction, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, err := k.signingKey(from)
	if err != nil {
		return nil, err
	}
	signed, err := ethtypes.SignTx(tx, ethtypes.NewLondonSigner(chainID), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}
