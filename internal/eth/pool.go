package eth

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/better-wallet/dapp-provider/internal/logger"
	"github.com/better-wallet/dapp-provider/pkg/types"
)

// ChainLookup resolves the RPC endpoint of chains added at runtime
type ChainLookup interface {
	FindChain(ctx context.Context, id uint64) (*types.Chain, bool)
}

// Pool keeps one client per chain, dialed on first use
type Pool struct {
	mu      sync.Mutex
	urls    map[uint64]string
	clients map[uint64]*Client
	chains  ChainLookup
}

// NewPool creates a pool over the configured RPC endpoints. chains may be nil.
func NewPool(urls map[uint64]string, chains ChainLookup) *Pool {
	return &Pool{
		urls:    maps.Clone(urls),
		clients: make(map[uint64]*Client),
		chains:  chains,
	}
}

// SetChainLookup installs the registry used for chains without a configured endpoint
func (p *Pool) SetChainLookup(chains ChainLookup) {
	p.mu.Lock()
	p.chains = chains
	p.mu.Unlock()
}

// Client returns the client for chainID, dialing it if needed
func (p *Pool) Client(ctx context.Context, chainID uint64) (*Client, error) {
	p.mu.Lock()
	if c, ok := p.clients[chainID]; ok {
		p.mu.Unlock()
		return c, nil
	}
	rpcURL, ok := p.urls[chainID]
	chains := p.chains
	p.mu.Unlock()

	if !ok && chains != nil {
		if chain, found := chains.FindChain(ctx, chainID); found {
			rpcURL, ok = chain.RPCURL, chain.RPCURL != ""
		}
	}
	if !ok {
		return nil, fmt.Errorf("no RPC endpoint for chain %d", chainID)
	}

	c, err := NewClient(ctx, rpcURL, chainID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.clients[chainID]; ok {
		c.Close()
		return existing, nil
	}
	p.clients[chainID] = c
	logger.Info(ctx, "chain client connected", "chain_id", chainID)
	return c, nil
}

// Close closes every dialed client
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, c := range p.clients {
		c.Close()
		delete(p.clients, id)
	}
}

// Call relays a raw JSON-RPC method to the chain's node
func (p *Pool) Call(ctx context.Context, chainID uint64, method string, params []any) (json.RawMessage, error) {
	c, err := p.Client(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, method, params)
}

// PendingNonce returns the next nonce of from on chainID
func (p *Pool) PendingNonce(ctx context.Context, chainID uint64, from common.Address) (uint64, error) {
	c, err := p.Client(ctx, chainID)
	if err != nil {
		return 0, err
	}
	return c.PendingNonce(ctx, from)
}

// EstimateGas estimates a buffered gas limit for tx
func (p *Pool) EstimateGas(ctx context.Context, chainID uint64, tx *types.TxParams) (uint64, error) {
	msg, err := CallMsg(tx)
	if err != nil {
		return 0, err
	}
	c, err := p.Client(ctx, chainID)
	if err != nil {
		return 0, err
	}
	return c.EstimateGas(ctx, msg)
}

// EstimateGasExact estimates gas for msg without a buffer
func (p *Pool) EstimateGasExact(ctx context.Context, chainID uint64, msg ethereum.CallMsg) (uint64, error) {
	c, err := p.Client(ctx, chainID)
	if err != nil {
		return 0, err
	}
	return c.EstimateGasExact(ctx, msg)
}

// CallContract runs msg against latest state
func (p *Pool) CallContract(ctx context.Context, chainID uint64, msg ethereum.CallMsg) ([]byte, error) {
	c, err := p.Client(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return c.CallContract(ctx, msg)
}

// BlockGasLimit returns the latest block gas limit on chainID
func (p *Pool) BlockGasLimit(ctx context.Context, chainID uint64) (uint64, error) {
	c, err := p.Client(ctx, chainID)
	if err != nil {
		return 0, err
	}
	return c.BlockGasLimit(ctx)
}

// SuggestGasPrice returns the legacy gas price suggestion
func (p *Pool) SuggestGasPrice(ctx context.Context, chainID uint64) (*big.Int, error) {
	c, err := p.Client(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return c.SuggestGasPrice(ctx)
}

// SuggestGasTipCap returns the priority fee suggestion
func (p *Pool) SuggestGasTipCap(ctx context.Context, chainID uint64) (*big.Int, error) {
	c, err := p.Client(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return c.SuggestGasTipCap(ctx)
}

// SendTransaction broadcasts a signed transaction on chainID
func (p *Pool) SendTransaction(ctx context.Context, chainID uint64, tx *ethtypes.Transaction) error {
	c, err := p.Client(ctx, chainID)
	if err != nil {
		return err
	}
	return c.SendTransaction(ctx, tx)
}
