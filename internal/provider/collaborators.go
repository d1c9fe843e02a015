package provider

import (
	"context"
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/better-wallet/dapp-provider/pkg/types"
)

// Keyring exposes lock state and accounts
type Keyring interface {
	IsUnlocked() bool
	VisibleAccounts(ctx context.Context) ([]types.Account, error)
	// CurrentAccount returns the active account, nil when none is selected
	CurrentAccount(ctx context.Context) (*types.Account, error)
}

// Signer produces signatures with unlocked keys
type Signer interface {
	SignPersonalMessage(ctx context.Context, from common.Address, msg []byte) ([]byte, error)
	SignTypedData(ctx context.Context, from common.Address, data apitypes.TypedData) ([]byte, error)
	SignTransaction(ctx context.Context, from common.Address, tx *ethtypes.Transaction, chainID *big.Int) (*ethtypes.Transaction, error)
}

// PermissionStore persists connected sites
type PermissionStore interface {
	HasPermission(ctx context.Context, origin string) (bool, error)
	// GetSite returns nil, nil when the origin has no record
	GetSite(ctx context.Context, origin string) (*types.ConnectedSite, error)
	AddConnectedSite(ctx context.Context, site *types.ConnectedSite) error
	UpdateConnectedSite(ctx context.Context, origin string, patch types.SitePatch, touch bool) error
	TouchConnectedSite(ctx context.Context, origin string) error
	RemoveConnectedSite(ctx context.Context, origin string) error
}

// ChainRegistry resolves chains and registers custom networks
type ChainRegistry interface {
	FindChain(ctx context.Context, id uint64) (*types.Chain, bool)
	FetchChainMetadata(ctx context.Context, id uint64) ([]types.Chain, error)
	RegisterCustomChain(ctx context.Context, chain types.Chain) error
}

// ApprovalGateway is the popup approval subsystem
type ApprovalGateway interface {
	// RequestApproval blocks until the popup resolves or rejects req
	RequestApproval(ctx context.Context, req *ApprovalRequest, opts ApprovalOptions) (*ApprovalResult, error)
	// Unlock blocks until the user unlocks the wallet or declines
	Unlock(ctx context.Context) error
	// SetDeferredRetry installs fn as the single current retry slot
	SetDeferredRetry(rc *RequestContext, fn DeferredRequest)
	RetryType() RetryType
	WaitSignComponentMounted(ctx context.Context) error
	ReleaseBusy()
	// EmitUIEvent notifies the popup, e.g. that signing finished
	EmitUIEvent(ctx context.Context, method string, params any)
}

// SidecarEvent is broadcast to attached automation channels
type SidecarEvent struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Message   string `json:"message,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// PendingOutcome settles a pending sidecar approval
type PendingOutcome struct {
	Value json.RawMessage
	Err   error
}

// Sidecar is the optional automation channel
type Sidecar interface {
	IsAttached() bool
	Broadcast(ctx context.Context, event SidecarEvent)
	RegisterPendingApproval(id string) (<-chan PendingOutcome, error)
	HasPendingApproval(id string) bool
	ResolvePending(id string, value json.RawMessage) bool
	RejectPending(id string, err error) bool
	RemovePendingApproval(id string)
}

// PreExecService simulates transactions and recommends parameters
type PreExecService interface {
	Simulate(ctx context.Context, tx *types.TxParams) (*types.PreExecResult, error)
	// RecommendNonce returns the next nonce for from as 0x-hex
	RecommendNonce(ctx context.Context, from string, chainID uint64) (string, error)
	RecommendGas(ctx context.Context, gasUsed uint64, tx *types.TxParams) (*big.Int, error)
}

// StatsReporter receives fire-and-forget usage events
type StatsReporter interface {
	Report(ctx context.Context, event string, payload map[string]any)
}

// DappNotifier delivers EIP-1193 events to the pages of an origin
type DappNotifier interface {
	Notify(ctx context.Context, origin, event string, data any)
}

// ChainBackend talks to chain nodes
type ChainBackend interface {
	Call(ctx context.Context, chainID uint64, method string, params []any) (json.RawMessage, error)
	PendingNonce(ctx context.Context, chainID uint64, from common.Address) (uint64, error)
	EstimateGas(ctx context.Context, chainID uint64, tx *types.TxParams) (uint64, error)
	SuggestGasPrice(ctx context.Context, chainID uint64) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context, chainID uint64) (*big.Int, error)
	SendTransaction(ctx context.Context, chainID uint64, tx *ethtypes.Transaction) error
}

// SigningTxRecorder tracks transactions that entered the signing path
type SigningTxRecorder interface {
	Begin(ctx context.Context, id, origin string, tx *types.TxParams) error
	MarkSubmitted(ctx context.Context, id, txHash string) error
	MarkFailed(ctx context.Context, id, reason string) error
}

// SafeMessageWatcher follows a Safe message until it is fully confirmed
type SafeMessageWatcher interface {
	WatchMessage(ctx context.Context, msg *SafeMessage) (any, error)
}

// ContractAllowlist lists contracts whose transactions may be auto-approved
type ContractAllowlist interface {
	Allowed(chainID uint64, to string) bool
}
