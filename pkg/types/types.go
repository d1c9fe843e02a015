package types

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Keyring type constants
const (
	KeyringTypeSimple   = "Simple Key Pair"
	KeyringTypeWatch    = "Watch Address"
	KeyringTypeGnosis   = "Gnosis"
	KeyringTypeHardware = "Hardware"
)

// Account is a keyring account exposed to dapps
type Account struct {
	Address   string `json:"address"`
	Type      string `json:"type"`
	BrandName string `json:"brandName,omitempty"`
}

// Equal compares addresses case-insensitively
func (a *Account) Equal(other *Account) bool {
	if a == nil || other == nil {
		return a == other
	}
	return strings.EqualFold(a.Address, other.Address)
}

// Chain describes a network the wallet can talk to
type Chain struct {
	ID           uint64 `json:"id"`
	Enum         string `json:"enum"`
	Name         string `json:"name"`
	NativeSymbol string `json:"nativeTokenSymbol"`
	RPCURL       string `json:"rpcUrl"`
	ExplorerURL  string `json:"scanLink,omitempty"`
	IsCustom     bool   `json:"isCustom"`
}

// HexID returns the chain id as 0x-prefixed hex
func (c *Chain) HexID() string {
	return hexutil.EncodeUint64(c.ID)
}

// ConnectedSite is the permission record binding an origin to a chain and account
type ConnectedSite struct {
	Origin      string    `json:"origin"`
	Name        string    `json:"name"`
	Icon        string    `json:"icon"`
	ChainID     uint64    `json:"chainId"`
	Account     *Account  `json:"account,omitempty"`
	IsSigned    bool      `json:"isSigned"`
	IsConnected bool      `json:"isConnected"`
	IsTop       bool      `json:"isTop"`
	CreatedAt   time.Time `json:"createdAt"`
	LastUsedAt  time.Time `json:"lastUsedAt"`
}

// SitePatch is a partial update to a connected site
type SitePatch struct {
	ChainID  *uint64
	Account  *Account
	IsSigned *bool
	Name     *string
	Icon     *string
}

// Apply writes the patch into site
func (p SitePatch) Apply(site *ConnectedSite) {
	if p.ChainID != nil {
		site.ChainID = *p.ChainID
	}
	if p.Account != nil {
		acc := *p.Account
		site.Account = &acc
	}
	if p.IsSigned != nil {
		site.IsSigned = *p.IsSigned
	}
	if p.Name != nil {
		site.Name = *p.Name
	}
	if p.Icon != nil {
		site.Icon = *p.Icon
	}
}

// TxParams carries transaction fields as dapps send them: 0x-hex quantities
type TxParams struct {
	From                 string `json:"from"`
	To                   string `json:"to,omitempty"`
	Value                string `json:"value,omitempty"`
	Data                 string `json:"data,omitempty"`
	Gas                  string `json:"gas,omitempty"`
	GasPrice             string `json:"gasPrice,omitempty"`
	MaxFeePerGas         string `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas,omitempty"`
	Nonce                string `json:"nonce,omitempty"`
	ChainID              uint64 `json:"chainId,omitempty"`
}

// Clone returns an independent copy
func (t *TxParams) Clone() *TxParams {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// IsEIP1559 reports whether the fee fields are dynamic-fee style
func (t *TxParams) IsEIP1559() bool {
	return t.MaxFeePerGas != "" || t.MaxPriorityFeePerGas != ""
}

// ToAddress returns the recipient, nil for contract creation
func (t *TxParams) ToAddress() *common.Address {
	if t.To == "" {
		return nil
	}
	addr := common.HexToAddress(t.To)
	return &addr
}

// ParseQuantity parses a 0x-hex or decimal quantity; empty yields zero
func ParseQuantity(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(big.Int), nil
	}

	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		if len(s) == 2 {
			return new(big.Int), nil
		}
		v := new(big.Int)
		if _, ok := v.SetString(s[2:], 16); ok {
			return v, nil
		}
		return nil, fmt.Errorf("invalid hex value: %s", s)
	}

	v := new(big.Int)
	if _, ok := v.SetString(s, 10); ok {
		return v, nil
	}

	return nil, fmt.Errorf("invalid value (expected 0x hex or decimal): %s", s)
}

// EncodeQuantity encodes a non-negative integer as 0x-hex
func EncodeQuantity(v *big.Int) string {
	if v == nil {
		return "0x0"
	}
	return hexutil.EncodeBig(v)
}

// GasResult is the gas section of a pre-execution result
type GasResult struct {
	Success  bool   `json:"success"`
	GasLimit uint64 `json:"gas_limit"`
	GasUsed  uint64 `json:"gas_used"`
}

// PreExecResult is the outcome of simulating a transaction against latest state
type PreExecResult struct {
	Gas      GasResult `json:"gas"`
	Reverted bool      `json:"reverted"`
	Error    string    `json:"error,omitempty"`
}
