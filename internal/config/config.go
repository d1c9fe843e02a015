package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds process-level configuration for the provider gateway
type Config struct {
	// Database
	PostgresDSN string

	// Server
	Port int

	// Chains
	DefaultChainID   uint64
	ChainRPCURLs     map[uint64]string
	ChainMetadataURL string
	SafeServiceURL   string

	// Keyring encryption backend
	KMSProvider         string // local, aws-kms or vault
	KMSLocalMasterKey   string
	KMSAWSKeyID         string
	KMSAWSRegion        string
	KMSVaultAddress     string
	KMSVaultToken       string
	KMSVaultTransitKey  string
	KeyringPasswordHash string
	DappAccountEnabled  bool

	// Automation sidecar
	SidecarTokenHash      string
	SidecarAllowedOrigins []string
	SidecarConfirmTimeout time.Duration
	AutoApproveContracts  string

	// Popup UI
	SignMountTimeout time.Duration

	// Rate limiting, keyed by dapp origin
	RateLimitRPS     int
	RateLimitBurst   int
	RateLimitEnabled bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	rpcURLs, err := parseChainURLs(getEnv("CHAIN_RPC_URLS", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg := &Config{
		PostgresDSN:           getEnv("POSTGRES_DSN", ""),
		Port:                  getEnvInt("PORT", 8080),
		DefaultChainID:        uint64(getEnvInt("DEFAULT_CHAIN_ID", 1)),
		ChainRPCURLs:          rpcURLs,
		ChainMetadataURL:      getEnv("CHAIN_METADATA_URL", "https://chainid.network/chains.json"),
		SafeServiceURL:        getEnv("SAFE_SERVICE_URL", "https://safe-transaction-mainnet.safe.global"),
		KMSProvider:           getEnv("KMS_PROVIDER", "local"),
		KMSLocalMasterKey:     getEnv("KMS_LOCAL_MASTER_KEY", ""),
		KMSAWSKeyID:           getEnv("KMS_AWS_KEY_ID", ""),
		KMSAWSRegion:          getEnv("KMS_AWS_REGION", ""),
		KMSVaultAddress:       getEnv("KMS_VAULT_ADDRESS", ""),
		KMSVaultToken:         getEnv("KMS_VAULT_TOKEN", ""),
		KMSVaultTransitKey:    getEnv("KMS_VAULT_TRANSIT_KEY", ""),
		KeyringPasswordHash:   getEnv("KEYRING_PASSWORD_HASH", ""),
		DappAccountEnabled:    getEnvBool("DAPP_ACCOUNT_ENABLED", false),
		SidecarTokenHash:      getEnv("SIDECAR_TOKEN_HASH", ""),
		SidecarAllowedOrigins: getEnvList("SIDECAR_ALLOWED_ORIGINS"),
		SidecarConfirmTimeout: getEnvDuration("SIDECAR_CONFIRM_TIMEOUT", 60*time.Second),
		AutoApproveContracts:  getEnv("AUTO_APPROVE_CONTRACTS", ""),
		SignMountTimeout:      getEnvDuration("SIGN_MOUNT_TIMEOUT", 5*time.Second),
		RateLimitRPS:          getEnvInt("RATE_LIMIT_RPS", 20),
		RateLimitBurst:        getEnvInt("RATE_LIMIT_BURST", 40),
		RateLimitEnabled:      getEnvBool("RATE_LIMIT_ENABLED", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required")
	}

	if c.DefaultChainID == 0 {
		return fmt.Errorf("DEFAULT_CHAIN_ID must be positive")
	}

	switch c.KMSProvider {
	case "local", "":
		if c.KMSLocalMasterKey == "" {
			return fmt.Errorf("KMS_LOCAL_MASTER_KEY is required when KMS_PROVIDER is 'local'")
		}
	case "aws-kms":
		if c.KMSAWSKeyID == "" {
			return fmt.Errorf("KMS_AWS_KEY_ID is required when KMS_PROVIDER is 'aws-kms'")
		}
		if c.KMSAWSRegion == "" {
			return fmt.Errorf("KMS_AWS_REGION is required when KMS_PROVIDER is 'aws-kms'")
		}
	case "vault":
		if c.KMSVaultAddress == "" {
			return fmt.Errorf("KMS_VAULT_ADDRESS is required when KMS_PROVIDER is 'vault'")
		}
		if c.KMSVaultToken == "" {
			return fmt.Errorf("KMS_VAULT_TOKEN is required when KMS_PROVIDER is 'vault'")
		}
		if c.KMSVaultTransitKey == "" {
			return fmt.Errorf("KMS_VAULT_TRANSIT_KEY is required when KMS_PROVIDER is 'vault'")
		}
	default:
		return fmt.Errorf("unsupported KMS_PROVIDER: %s", c.KMSProvider)
	}

	if c.KeyringPasswordHash == "" {
		return fmt.Errorf("KEYRING_PASSWORD_HASH is required")
	}

	if c.SidecarConfirmTimeout <= 0 {
		return fmt.Errorf("SIDECAR_CONFIRM_TIMEOUT must be positive")
	}

	if _, err := url.ParseRequestURI(c.ChainMetadataURL); err != nil {
		return fmt.Errorf("CHAIN_METADATA_URL is invalid: %w", err)
	}

	return nil
}

// parseChainURLs parses "1=https://a,10=https://b"
func parseChainURLs(raw string) (map[uint64]string, error) {
	out := make(map[uint64]string)
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, rpcURL, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("CHAIN_RPC_URLS entry %q must be <chainId>=<url>", part)
		}
		chainID, err := strconv.ParseUint(strings.TrimSpace(id), 10, 64)
		if err != nil || chainID == 0 {
			return nil, fmt.Errorf("CHAIN_RPC_URLS entry %q has an invalid chain id", part)
		}
		out[chainID] = strings.TrimSpace(rpcURL)
	}
	return out, nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	valueStr = strings.ToLower(valueStr)
	return valueStr == "true" || valueStr == "1" || valueStr == "yes"
}

// getEnvDuration accepts Go durations ("90s") or plain milliseconds ("60000")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if ms, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return d
}

func getEnvList(key string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
