package keyring

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAddress = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

func TestNewLocalCipher(t *testing.T) {
	t.Run("hex key", func(t *testing.T) {
		c, err := NewLocalCipher("0x" + strings.Repeat("11", 32))
		require.NoError(t, err)
		assert.Equal(t, CipherLocal, c.Name())
	})

	t.Run("passphrase is stretched", func(t *testing.T) {
		_, err := NewLocalCipher("short passphrase")
		require.NoError(t, err)
	})

	t.Run("empty key", func(t *testing.T) {
		_, err := NewLocalCipher("")
		assert.ErrorContains(t, err, "master key is required")
	})
}

func TestLocalCipherRoundTrip(t *testing.T) {
	c, err := NewLocalCipher(strings.Repeat("ab", 32))
	require.NoError(t, err)
	ctx := context.Background()
	plaintext := []byte("private key bytes")

	ct1, err := c.Encrypt(ctx, testAddress, plaintext)
	require.NoError(t, err)
	ct2, err := c.Encrypt(ctx, testAddress, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, ct1, ct2, "fresh nonce per encryption")

	got, err := c.Decrypt(ctx, strings.ToLower(testAddress), ct1)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got, "address binding is case insensitive")

	_, err = c.Decrypt(ctx, "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359", ct1)
	assert.Error(t, err, "ciphertext is bound to its address")

	_, err = c.Decrypt(ctx, testAddress, []byte{1, 2})
	assert.ErrorContains(t, err, "ciphertext too short")

	other, err := NewLocalCipher(strings.Repeat("cd", 32))
	require.NoError(t, err)
	_, err = other.Decrypt(ctx, testAddress, ct1)
	assert.Error(t, err)
}

type fakeKMS struct {
	lastContext map[string]string
}

func (f *fakeKMS) Encrypt(_ context.Context, in *kms.EncryptInput, _ ...func(*kms.Options)) (*kms.EncryptOutput, error) {
	f.lastContext = in.EncryptionContext
	return &kms.EncryptOutput{CiphertextBlob: append([]byte("kms:"), in.Plaintext...)}, nil
}

func (f *fakeKMS) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	f.lastContext = in.EncryptionContext
	return &kms.DecryptOutput{Plaintext: []byte(strings.TrimPrefix(string(in.CiphertextBlob), "kms:"))}, nil
}

func TestAWSKMSCipherBindsAddress(t *testing.T) {
	api := &fakeKMS{}
	c := &AWSKMSCipher{keyID: "alias/wallet", client: api}
	ctx := context.Background()

	ct, err := c.Encrypt(ctx, testAddress, []byte("secret"))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"address": strings.ToLower(testAddress)}, api.lastContext)

	pt, err := c.Decrypt(ctx, testAddress, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), pt)
	assert.Equal(t, CipherAWSKMS, c.Name())
}

func TestNewAWSKMSCipherValidation(t *testing.T) {
	_, err := NewAWSKMSCipher(context.Background(), "", "us-east-1")
	assert.ErrorContains(t, err, "key ID is required")
	_, err = NewAWSKMSCipher(context.Background(), "alias/wallet", "")
	assert.ErrorContains(t, err, "region is required")
}

func newTransitServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		data := map[string]any{}
		switch {
		case strings.HasPrefix(r.URL.Path, "/v1/transit/encrypt/wallet"):
			data["ciphertext"] = "vault:v1:" + req["plaintext"]
		case strings.HasPrefix(r.URL.Path, "/v1/transit/decrypt/wallet"):
			data["plaintext"] = strings.TrimPrefix(req["ciphertext"], "vault:v1:")
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVaultCipherRoundTrip(t *testing.T) {
	srv := newTransitServer(t)
	c, err := NewVaultCipher(srv.URL, "root", "wallet")
	require.NoError(t, err)
	ctx := context.Background()

	ct, err := c.Encrypt(ctx, testAddress, []byte("secret"))
	require.NoError(t, err)
	assert.Equal(t, "vault:v1:"+base64.StdEncoding.EncodeToString([]byte("secret")), string(ct))

	pt, err := c.Decrypt(ctx, testAddress, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), pt)
}

func TestNewCipher(t *testing.T) {
	tests := []struct {
		name    string
		cfg     CipherConfig
		want    string
		wantErr string
	}{
		{"default_local", CipherConfig{LocalMasterKey: "k"}, CipherLocal, ""},
		{"vault", CipherConfig{Provider: CipherVault, VaultAddress: "http://127.0.0.1:8200", VaultToken: "t", VaultTransitKey: "wallet"}, CipherVault, ""},
		{"vault_missing_key", CipherConfig{Provider: CipherVault, VaultAddress: "http://127.0.0.1:8200", VaultToken: "t"}, "", "transit key"},
		{"unknown", CipherConfig{Provider: "gcp-kms"}, "", "unsupported KMS provider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCipher(context.Background(), tt.cfg)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Name())
		})
	}
}
