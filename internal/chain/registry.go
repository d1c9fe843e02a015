// Package chain keeps the set of networks the wallet knows: built-in chains,
// custom chains persisted by the user or by automated chain sync, and the
// public chain list used to discover networks a dapp asks for.
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/jellydator/ttlcache/v3"

	"github.com/better-wallet/dapp-provider/internal/logger"
	"github.com/better-wallet/dapp-provider/pkg/types"
)

const (
	metadataTTL        = time.Hour
	metadataMaxEntries = 1
)

// Store persists custom chains
type Store interface {
	List(ctx context.Context) ([]types.Chain, error)
	Upsert(ctx context.Context, chain types.Chain) error
}

// Builtin returns the networks shipped with the wallet
func Builtin() []types.Chain {
	return []types.Chain{
		{ID: 1, Enum: "ETH", Name: "Ethereum", NativeSymbol: "ETH", RPCURL: "https://eth.llamarpc.com", ExplorerURL: "https://etherscan.io"},
		{ID: 10, Enum: "OP", Name: "OP Mainnet", NativeSymbol: "ETH", RPCURL: "https://mainnet.optimism.io", ExplorerURL: "https://optimistic.etherscan.io"},
		{ID: 56, Enum: "BSC", Name: "BNB Chain", NativeSymbol: "BNB", RPCURL: "https://bsc-dataseed.bnbchain.org", ExplorerURL: "https://bscscan.com"},
		{ID: 137, Enum: "POLYGON", Name: "Polygon", NativeSymbol: "POL", RPCURL: "https://polygon-rpc.com", ExplorerURL: "https://polygonscan.com"},
		{ID: 8453, Enum: "BASE", Name: "Base", NativeSymbol: "ETH", RPCURL: "https://mainnet.base.org", ExplorerURL: "https://basescan.org"},
		{ID: 42161, Enum: "ARBITRUM", Name: "Arbitrum One", NativeSymbol: "ETH", RPCURL: "https://arb1.arbitrum.io/rpc", ExplorerURL: "https://arbiscan.io"},
	}
}

// Registry resolves chains by id. It implements provider.ChainRegistry and eth.ChainLookup.
type Registry struct {
	mu      sync.RWMutex
	builtin map[uint64]types.Chain
	custom  map[uint64]types.Chain

	store       Store
	metadataURL string
	http        *retryablehttp.Client
	metadata    *ttlcache.Cache[string, []remoteChain]
}

// NewRegistry creates a registry over the built-in chains. rpcOverrides
// replaces the default endpoint of a built-in chain. store may be nil, in
// which case custom chains live in memory only.
func NewRegistry(store Store, metadataURL string, rpcOverrides map[uint64]string) *Registry {
	builtin := make(map[uint64]types.Chain)
	for _, c := range Builtin() {
		if u, ok := rpcOverrides[c.ID]; ok && u != "" {
			c.RPCURL = u
		}
		builtin[c.ID] = c
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = nil

	cache := ttlcache.New[string, []remoteChain](
		ttlcache.WithTTL[string, []remoteChain](metadataTTL),
		ttlcache.WithCapacity[string, []remoteChain](metadataMaxEntries),
	)
	go cache.Start()

	return &Registry{
		builtin:     builtin,
		custom:      make(map[uint64]types.Chain),
		store:       store,
		metadataURL: metadataURL,
		http:        client,
		metadata:    cache,
	}
}

// Load reads persisted custom chains into memory
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	chains, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load custom chains: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range chains {
		if _, ok := r.builtin[c.ID]; ok {
			continue
		}
		c.IsCustom = true
		r.custom[c.ID] = c
	}
	logger.Info(ctx, "custom chains loaded", "count", len(chains))
	return nil
}

// Close stops the metadata cache janitor
func (r *Registry) Close() {
	r.metadata.Stop()
}

// FindChain returns the chain with id, built-in chains first
func (r *Registry) FindChain(_ context.Context, id uint64) (*types.Chain, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.builtin[id]; ok {
		return &c, true
	}
	if c, ok := r.custom[id]; ok {
		return &c, true
	}
	return nil, false
}

// List returns every known chain ordered by id
func (r *Registry) List() []types.Chain {
	r.mu.RLock()
	out := make([]types.Chain, 0, len(r.builtin)+len(r.custom))
	for _, c := range r.builtin {
		out = append(out, c)
	}
	for _, c := range r.custom {
		out = append(out, c)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b types.Chain) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// RegisterCustomChain validates and persists a custom network
func (r *Registry) RegisterCustomChain(ctx context.Context, chain types.Chain) error {
	if chain.ID == 0 {
		return fmt.Errorf("chain id is required")
	}
	if err := validateRPCURL(chain.RPCURL); err != nil {
		return err
	}

	r.mu.RLock()
	_, isBuiltin := r.builtin[chain.ID]
	r.mu.RUnlock()
	if isBuiltin {
		return fmt.Errorf("chain %d is built in", chain.ID)
	}

	if chain.Enum == "" {
		chain.Enum = fmt.Sprintf("CUSTOM_%d", chain.ID)
	}
	if chain.Name == "" {
		chain.Name = chain.Enum
	}
	if chain.NativeSymbol == "" {
		chain.NativeSymbol = "ETH"
	}
	chain.IsCustom = true

	if r.store != nil {
		if err := r.store.Upsert(ctx, chain); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.custom[chain.ID] = chain
	r.mu.Unlock()
	return nil
}

func validateRPCURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("rpc url is required")
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return fmt.Errorf("invalid rpc url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid rpc url scheme %q", u.Scheme)
	}
	return nil
}

// remoteChain is one entry of the public chain list
type remoteChain struct {
	ChainID        uint64   `json:"chainId"`
	Name           string   `json:"name"`
	ShortName      string   `json:"shortName"`
	RPC            []string `json:"rpc"`
	NativeCurrency struct {
		Symbol string `json:"symbol"`
	} `json:"nativeCurrency"`
	Explorers []struct {
		URL string `json:"url"`
	} `json:"explorers"`
}

// FetchChainMetadata returns the public chain list entries for id. An
// unknown id yields an empty slice.
func (r *Registry) FetchChainMetadata(ctx context.Context, id uint64) ([]types.Chain, error) {
	list, err := r.chainList(ctx)
	if err != nil {
		return nil, err
	}

	var out []types.Chain
	for _, rc := range list {
		if rc.ChainID != id {
			continue
		}
		c, ok := rc.toChain()
		if !ok {
			logger.Debug(ctx, "chain metadata has no usable rpc", "chain_id", id)
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *Registry) chainList(ctx context.Context) ([]remoteChain, error) {
	if item := r.metadata.Get(r.metadataURL); item != nil {
		return item.Value(), nil
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, r.metadataURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create chain list request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chain list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chain list returned status %d", resp.StatusCode)
	}

	var list []remoteChain
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("failed to decode chain list: %w", err)
	}

	r.metadata.Set(r.metadataURL, list, ttlcache.DefaultTTL)
	logger.Debug(ctx, "chain list refreshed", "entries", len(list))
	return list, nil
}

// toChain picks the first RPC endpoint that needs no API key substitution
func (rc remoteChain) toChain() (types.Chain, bool) {
	c := types.Chain{
		ID:           rc.ChainID,
		Enum:         strings.ToUpper(rc.ShortName),
		Name:         rc.Name,
		NativeSymbol: rc.NativeCurrency.Symbol,
	}
	for _, u := range rc.RPC {
		if strings.Contains(u, "${") || validateRPCURL(u) != nil {
			continue
		}
		c.RPCURL = u
		break
	}
	if len(rc.Explorers) > 0 {
		c.ExplorerURL = rc.Explorers[0].URL
	}
	return c, c.RPCURL != ""
}
