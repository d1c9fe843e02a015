package eth

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/better-wallet/dapp-provider/pkg/types"
)

// Client wraps the RPC connection to one chain node
type Client struct {
	rpc     *rpc.Client
	client  *ethclient.Client
	chainID *big.Int
}

// NewClient dials rpcURL and checks that the node serves the expected chain
func NewClient(ctx context.Context, rpcURL string, expected uint64) (*Client, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("RPC URL is required")
	}

	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	client := ethclient.NewClient(rpcClient)

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	if expected != 0 && (!chainID.IsUint64() || chainID.Uint64() != expected) {
		client.Close()
		return nil, fmt.Errorf("RPC %s serves chain %s, expected %d", rpcURL, chainID, expected)
	}

	return &Client{
		rpc:     rpcClient,
		client:  client,
		chainID: chainID,
	}, nil
}

// ChainID returns the chain ID
func (c *Client) ChainID() uint64 {
	return c.chainID.Uint64()
}

// Call relays a raw JSON-RPC method and returns the node's result untouched
func (c *Client) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	var result json.RawMessage
	if err := c.rpc.CallContext(ctx, &result, method, params...); err != nil {
		return nil, err
	}
	return result, nil
}

// PendingNonce returns the next nonce for an address
func (c *Client) PendingNonce(ctx context.Context, from common.Address) (uint64, error) {
	nonce, err := c.client.PendingNonceAt(ctx, from)
	if err != nil {
		return 0, fmt.Errorf("failed to get nonce: %w", err)
	}
	return nonce, nil
}

// EstimateGas estimates gas for msg with a 20% buffer
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	gas, err := c.EstimateGasExact(ctx, msg)
	if err != nil {
		return 0, err
	}
	return gas * 120 / 100, nil
}

// EstimateGasExact is the node's estimate without a buffer
func (c *Client) EstimateGasExact(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	gas, err := c.client.EstimateGas(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("failed to estimate gas: %w", err)
	}
	return gas, nil
}

// CallContract executes msg against the latest block without creating a transaction
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	return c.client.CallContract(ctx, msg, nil)
}

// BlockGasLimit returns the gas limit of the latest block
func (c *Client) BlockGasLimit(ctx context.Context) (uint64, error) {
	header, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest header: %w", err)
	}
	return header.GasLimit, nil
}

// SuggestGasPrice returns the suggested gas price
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}
	return gasPrice, nil
}

// SuggestGasTipCap returns the suggested gas tip cap for EIP-1559 transactions
func (c *Client) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	tipCap, err := c.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas tip cap: %w", err)
	}
	return tipCap, nil
}

// SendTransaction broadcasts a signed transaction. Node errors are returned
// unwrapped so their JSON-RPC code reaches the dapp.
func (c *Client) SendTransaction(ctx context.Context, signedTx *ethtypes.Transaction) error {
	return c.client.SendTransaction(ctx, signedTx)
}

// Close closes the client connection
func (c *Client) Close() {
	c.client.Close()
}

// CallMsg converts dapp transaction params into a call message.
// An empty `to` is a contract deployment.
func CallMsg(tx *types.TxParams) (ethereum.CallMsg, error) {
	if !common.IsHexAddress(tx.From) {
		return ethereum.CallMsg{}, fmt.Errorf("invalid from address %q", tx.From)
	}
	msg := ethereum.CallMsg{From: common.HexToAddress(tx.From)}

	if tx.To != "" {
		if !common.IsHexAddress(tx.To) {
			return ethereum.CallMsg{}, fmt.Errorf("invalid to address %q", tx.To)
		}
		msg.To = tx.ToAddress()
	}

	var err error
	if msg.Value, err = types.ParseQuantity(tx.Value); err != nil {
		return ethereum.CallMsg{}, fmt.Errorf("invalid value: %w", err)
	}
	if tx.Data != "" {
		if msg.Data, err = hexutil.Decode(tx.Data); err != nil {
			return ethereum.CallMsg{}, fmt.Errorf("invalid data: %w", err)
		}
	}
	if tx.Gas != "" {
		gas, err := types.ParseQuantity(tx.Gas)
		if err != nil || !gas.IsUint64() {
			return ethereum.CallMsg{}, fmt.Errorf("invalid gas %q", tx.Gas)
		}
		msg.Gas = gas.Uint64()
	}
	return msg, nil
}
