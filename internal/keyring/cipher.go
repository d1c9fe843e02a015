package keyring

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	vault "github.com/hashicorp/vault/api"
)

// KeyCipher encrypts private keys at rest. The account address is bound to
// the ciphertext where the backend supports it, so a blob cannot be swapped
// onto another account row.
type KeyCipher interface {
	Encrypt(ctx context.Context, address string, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, address string, ciphertext []byte) ([]byte, error)
	// Name identifies the backend and is stored next to each key
	Name() string
}

// Backend names
const (
	CipherLocal  = "local"
	CipherAWSKMS = "aws-kms"
	CipherVault  = "vault"
)

// CipherConfig selects and configures a KeyCipher
type CipherConfig struct {
	Provider string

	LocalMasterKey string

	AWSKeyID  string
	AWSRegion string

	VaultAddress    string
	VaultToken      string
	VaultTransitKey string
}

// NewCipher builds the backend named by cfg.Provider. Empty means local.
func NewCipher(ctx context.Context, cfg CipherConfig) (KeyCipher, error) {
	switch cfg.Provider {
	case CipherLocal, "":
		return NewLocalCipher(cfg.LocalMasterKey)
	case CipherAWSKMS:
		return NewAWSKMSCipher(ctx, cfg.AWSKeyID, cfg.AWSRegion)
	case CipherVault:
		return NewVaultCipher(cfg.VaultAddress, cfg.VaultToken, cfg.VaultTransitKey)
	default:
		return nil, fmt.Errorf("unsupported KMS provider: %s (supported: %s, %s, %s)",
			cfg.Provider, CipherLocal, CipherAWSKMS, CipherVault)
	}
}

// LocalCipher is AES-256-GCM under a master key held by the process
type LocalCipher struct {
	aead cipher.AEAD
}

// NewLocalCipher accepts a 64 character hex key; any other non-empty value
// is stretched with SHA-256
func NewLocalCipher(masterKey string) (*LocalCipher, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("master key is required for local KMS provider")
	}

	key, err := hex.DecodeString(strings.TrimPrefix(masterKey, "0x"))
	if err != nil || len(key) != 32 {
		sum := sha256.Sum256([]byte(masterKey))
		key = sum[:]
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &LocalCipher{aead: aead}, nil
}

func (c *LocalCipher) Encrypt(_ context.Context, address string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, associatedData(address)), nil
}

func (c *LocalCipher) Decrypt(_ context.Context, address string, ciphertext []byte) ([]byte, error) {
	n := c.aead.NonceSize()
	if len(ciphertext) < n {
		return nil, fmt.Errorf("ciphertext too short")
	}
	plaintext, err := c.aead.Open(nil, ciphertext[:n], ciphertext[n:], associatedData(address))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func (c *LocalCipher) Name() string { return CipherLocal }

func associatedData(address string) []byte {
	return []byte(strings.ToLower(address))
}

// kmsAPI is the part of the AWS KMS client the cipher calls
type kmsAPI interface {
	Encrypt(ctx context.Context, in *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// AWSKMSCipher encrypts with an AWS KMS symmetric key, using the address as
// encryption context
type AWSKMSCipher struct {
	keyID  string
	client kmsAPI
}

// NewAWSKMSCipher loads the default AWS credential chain for region
func NewAWSKMSCipher(ctx context.Context, keyID, region string) (*AWSKMSCipher, error) {
	if keyID == "" {
		return nil, fmt.Errorf("AWS KMS key ID is required")
	}
	if region == "" {
		return nil, fmt.Errorf("AWS region is required")
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &AWSKMSCipher{keyID: keyID, client: kms.NewFromConfig(cfg)}, nil
}

func (c *AWSKMSCipher) Encrypt(ctx context.Context, address string, plaintext []byte) ([]byte, error) {
	out, err := c.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:             aws.String(c.keyID),
		Plaintext:         plaintext,
		EncryptionContext: map[string]string{"address": strings.ToLower(address)},
	})
	if err != nil {
		return nil, fmt.Errorf("AWS KMS encrypt failed: %w", err)
	}
	return out.CiphertextBlob, nil
}

func (c *AWSKMSCipher) Decrypt(ctx context.Context, address string, ciphertext []byte) ([]byte, error) {
	out, err := c.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:             aws.String(c.keyID),
		CiphertextBlob:    ciphertext,
		EncryptionContext: map[string]string{"address": strings.ToLower(address)},
	})
	if err != nil {
		return nil, fmt.Errorf("AWS KMS decrypt failed: %w", err)
	}
	return out.Plaintext, nil
}

func (c *AWSKMSCipher) Name() string { return CipherAWSKMS }

// VaultCipher uses the Vault transit engine. Transit only accepts a context
// for derived keys, so the address is not bound here.
type VaultCipher struct {
	transitKey string
	client     *vault.Client
}

func NewVaultCipher(address, token, transitKey string) (*VaultCipher, error) {
	if address == "" {
		return nil, fmt.Errorf("Vault address is required")
	}
	if token == "" {
		return nil, fmt.Errorf("Vault token is required")
	}
	if transitKey == "" {
		return nil, fmt.Errorf("Vault transit key name is required")
	}

	cfg := vault.DefaultConfig()
	cfg.Address = address
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	client.SetToken(token)
	return &VaultCipher{transitKey: transitKey, client: client}, nil
}

func (c *VaultCipher) Encrypt(ctx context.Context, _ string, plaintext []byte) ([]byte, error) {
	secret, err := c.client.Logical().WriteWithContext(ctx, "transit/encrypt/"+c.transitKey, map[string]any{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	})
	if err != nil {
		return nil, fmt.Errorf("Vault transit encrypt failed: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("Vault transit encrypt returned empty response")
	}
	ciphertext, ok := secret.Data["ciphertext"].(string)
	if !ok {
		return nil, fmt.Errorf("Vault transit encrypt: ciphertext not found in response")
	}
	return []byte(ciphertext), nil
}

func (c *VaultCipher) Decrypt(ctx context.Context, _ string, ciphertext []byte) ([]byte, error) {
	secret, err := c.client.Logical().WriteWithContext(ctx, "transit/decrypt/"+c.transitKey, map[string]any{
		"ciphertext": string(ciphertext),
	})
	if err != nil {
		return nil, fmt.Errorf("Vault transit decrypt failed: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("Vault transit decrypt returned empty response")
	}
	encoded, ok := secret.Data["plaintext"].(string)
	if !ok {
		return nil, fmt.Errorf("Vault transit decrypt: plaintext not found in response")
	}
	plaintext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("Vault transit decrypt: failed to decode plaintext: %w", err)
	}
	return plaintext, nil
}

func (c *VaultCipher) Name() string { return CipherVault }

var (
	_ KeyCipher = (*LocalCipher)(nil)
	_ KeyCipher = (*AWSKMSCipher)(nil)
	_ KeyCipher = (*VaultCipher)(nil)
)
