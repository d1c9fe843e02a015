package provider

import (
	"context"
	"strings"
	"unicode"
)

// Normalized method names
const (
	methodEthRPC             = "ethRpc"
	methodRequestAccounts    = "ethRequestAccounts"
	methodAccounts           = "ethAccounts"
	methodCoinbase           = "ethCoinbase"
	methodChainID            = "ethChainId"
	methodNetVersion         = "netVersion"
	methodProviderState      = "getProviderState"
	methodRequestPermissions = "walletRequestPermissions"
	methodGetPermissions     = "walletGetPermissions"
	methodRevokePermissions  = "walletRevokePermissions"
	methodSwitchChain        = "walletSwitchEthereumChain"
	methodAddChain           = "walletAddEthereumChain"
	methodPersonalSign       = "personalSign"
	methodSignTypedData      = "ethSignTypedData"
	methodSignTypedDataV1    = "ethSignTypedDataV1"
	methodSignTypedDataV3    = "ethSignTypedDataV3"
	methodSignTypedDataV4    = "ethSignTypedDataV4"
	methodSendTransaction    = "ethSendTransaction"
)

// Popup heights by approval kind
const (
	heightConnect = 800
	heightSign    = 800
	heightChain   = 650
)

// Raw method prefixes relayed to the chain node when no handler exists
var passthroughPrefixes = []string{"eth_", "net_", "web3_"}

// Visibility controls whether dapps may call a handler
type Visibility int

const (
	Public Visibility = iota
	Private
)

// Handler executes a resolved method; approval is nil for methods without one
type Handler func(ctx context.Context, rc *RequestContext, approval *ApprovalResult) (any, error)

// BypassFunc returns true when approval can be skipped for this request
type BypassFunc func(ctx context.Context, rc *RequestContext) (bool, error)

// ApprovalSpec declares that a handler runs only after approval
type ApprovalSpec struct {
	Type   ApprovalType
	Bypass BypassFunc
	Height int
}

// MethodEntry is one row of the dispatch table
type MethodEntry struct {
	Name       string
	Handler    Handler
	Visibility Visibility
	// Safe entries skip the unlock and connect gates
	Safe     bool
	Approval *ApprovalSpec
}

// DispatchTable maps normalized method names to entries
type DispatchTable struct {
	entries map[string]*MethodEntry
}

// NewDispatchTable builds the table served by c
func NewDispatchTable(c *Controller) *DispatchTable {
	t := &DispatchTable{entries: make(map[string]*MethodEntry)}

	t.Register(&MethodEntry{Name: methodEthRPC, Handler: c.EthRPC, Visibility: Private})

	safe := map[string]Handler{
		methodAccounts:          c.EthAccounts,
		methodCoinbase:          c.EthCoinbase,
		methodChainID:           c.EthChainID,
		methodNetVersion:        c.NetVersion,
		methodProviderState:     c.GetProviderState,
		methodGetPermissions:    c.WalletGetPermissions,
		methodRevokePermissions: c.WalletRevokePermissions,
	}
	for name, h := range safe {
		t.Register(&MethodEntry{Name: name, Handler: h, Safe: true})
	}

	t.Register(&MethodEntry{Name: methodRequestAccounts, Handler: c.EthRequestAccounts})
	t.Register(&MethodEntry{Name: methodRequestPermissions, Handler: c.WalletRequestPermissions})

	chainApproval := &ApprovalSpec{Type: ApprovalAddChain, Bypass: c.chainAlreadyCurrent, Height: heightChain}
	t.Register(&MethodEntry{Name: methodSwitchChain, Handler: c.WalletSwitchEthereumChain, Approval: chainApproval})
	t.Register(&MethodEntry{Name: methodAddChain, Handler: c.WalletAddEthereumChain, Approval: chainApproval})

	t.Register(&MethodEntry{
		Name:     methodPersonalSign,
		Handler:  c.PersonalSign,
		Approval: &ApprovalSpec{Type: ApprovalSignText, Height: heightSign},
	})

	typedData := &ApprovalSpec{Type: ApprovalSignTypedData, Height: heightSign}
	for _, name := range []string{methodSignTypedData, methodSignTypedDataV1, methodSignTypedDataV3, methodSignTypedDataV4} {
		t.Register(&MethodEntry{Name: name, Handler: c.EthSignTypedData, Approval: typedData})
	}

	t.Register(&MethodEntry{
		Name:     methodSendTransaction,
		Handler:  c.EthSendTransaction,
		Approval: &ApprovalSpec{Type: ApprovalSignTx, Height: heightSign},
	})

	return t
}

// Register adds or replaces an entry
func (t *DispatchTable) Register(e *MethodEntry) {
	t.entries[e.Name] = e
}

// Lookup finds the entry for a normalized method name
func (t *DispatchTable) Lookup(name string) (*MethodEntry, bool) {
	e, ok := t.entries[name]
	return e, ok
}

// NormalizeMethod turns a wire method name into its handler name:
// every underscore is dropped and the character after it upper-cased,
// so eth_signTypedData_v4 becomes ethSignTypedDataV4.
func NormalizeMethod(method string) string {
	var b strings.Builder
	b.Grow(len(method))
	runes := []rune(method)
	for i := 0; i < len(runes); i++ {
		if runes[i] == '_' && i+1 < len(runes) {
			i++
			b.WriteRune(unicode.ToUpper(runes[i]))
			continue
		}
		b.WriteRune(runes[i])
	}
	return b.String()
}

func isPassthrough(method string) bool {
	for _, prefix := range passthroughPrefixes {
		if strings.HasPrefix(method, prefix) {
			return true
		}
	}
	return false
}

func isChainMethod(method string) bool {
	return method == methodSwitchChain || method == methodAddChain
}

func isTypedDataMethod(method string) bool {
	switch method {
	case methodSignTypedData, methodSignTypedDataV1, methodSignTypedDataV3, methodSignTypedDataV4:
		return true
	}
	return false
}
