// Package provider runs dapp JSON-RPC requests through the wallet's request
// pipeline: method resolution, unlock and connect gates, automated chain
// sync, approval, execution with retry, and cleanup.
package provider

import (
	"context"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/better-wallet/dapp-provider/internal/logger"
	apperrors "github.com/better-wallet/dapp-provider/pkg/errors"
)

// Sidecar event types
const (
	EventAutoConnected  = "wallet_auto_connected"
	EventChainChanged   = "wallet_chain_changed"
	EventAutoSigned     = "wallet_auto_signed"
	EventAutoApprovedTx = "wallet_auto_approved_tx"
	EventConfirmation   = "wallet_confirmation"
	EventSignFinished   = "wallet_sign_finished"
)

// UI event methods emitted to the popup
const (
	UIEventSignFinished = "SIGN_FINISHED"
	UIEventWalletLocked = "WALLET_LOCKED"
)

const walletLockedMessage = "Wallet is locked. Unlock it to sign."

// Stats event names
const (
	StatsSignedTransaction = "signedTransaction"
	StatsSubmitTransaction = "submitTransaction"
)

const previewLength = 100

// Deps are the collaborators of the pipeline
type Deps struct {
	Keyring     Keyring
	Permissions PermissionStore
	Chains      ChainRegistry
	Gateway     ApprovalGateway
	Sidecar     Sidecar
	PreExec     PreExecService
	Stats       StatsReporter
	Notifier    DappNotifier
	SigningTxs  SigningTxRecorder
	Gnosis      SafeMessageWatcher
	Allowlist   ContractAllowlist
}

// FlowConfig holds the pipeline settings
type FlowConfig struct {
	DefaultChainID     uint64
	ConfirmTimeout     time.Duration
	DappAccountEnabled bool
}

type stage struct {
	name string
	fn   func(ctx context.Context, rc *RequestContext) error
}

// Flow is the provider request pipeline
type Flow struct {
	Deps
	cfg    FlowConfig
	table  *DispatchTable
	locks  *LockRegistry
	stages []stage
}

// NewFlow wires the pipeline
func NewFlow(deps Deps, table *DispatchTable, cfg FlowConfig) *Flow {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	f := &Flow{
		Deps:  deps,
		cfg:   cfg,
		table: table,
		locks: NewLockRegistry(),
	}
	f.stages = []stage{
		{"resolve_method", f.resolveMethod},
		{"unlock", f.unlockGate},
		{"connect", f.connectGate},
		{"chain_sync", f.syncChain},
		{"approval", f.approve},
		{"execute", f.execute},
	}
	return f
}

// Locks exposes the origin lock registry
func (f *Flow) Locks() *LockRegistry {
	return f.locks
}

// Run executes req and returns its result. Errors are *apperrors.RPCError.
// Cleanup runs whether the pipeline resolves, rejects or panics.
func (f *Flow) Run(ctx context.Context, req *Request) (result any, err error) {
	id := logger.GetRequestID(ctx)
	if id == "" {
		id = uuid.NewString()
	}
	rc := NewRequestContext(id, req)
	ctx = logger.WithOrigin(ctx, req.Session.Origin)

	defer func() {
		f.cleanup(context.WithoutCancel(ctx), rc)
		if err != nil {
			err = apperrors.ToRPCError(err)
		}
	}()

	for _, s := range f.stages {
		if err := s.fn(ctx, rc); err != nil {
			logger.Debug(ctx, "provider request rejected", "stage", s.name, "method", req.Method, "error", err)
			return nil, err
		}
	}
	return rc.Result, nil
}

func (f *Flow) automated(rc *RequestContext) bool {
	return rc.automated(func() bool {
		return f.Keyring.IsUnlocked() && f.Sidecar != nil && f.Sidecar.IsAttached()
	})
}

func (f *Flow) broadcast(ctx context.Context, event SidecarEvent) {
	if f.Sidecar == nil {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	f.Sidecar.Broadcast(ctx, event)
}

// cleanup reports stats once and releases the busy flag this context set
func (f *Flow) cleanup(ctx context.Context, rc *RequestContext) {
	f.reportStats(ctx, rc)
	if rc.takeRequestedApproval() {
		f.Gateway.ReleaseBusy()
	}
}

func (f *Flow) reportStats(ctx context.Context, rc *RequestContext) {
	if f.Stats == nil {
		return
	}
	stats, ok := rc.claimStats()
	if !ok {
		return
	}
	base := map[string]any{
		"chainId":        stats.ChainID,
		"origin":         rc.Origin(),
		"method":         rc.Method,
		"preExecSuccess": stats.PreExecSuccess,
	}
	if stats.Signed {
		payload := maps.Clone(base)
		payload["success"] = stats.SignedSuccess
		f.Stats.Report(ctx, StatsSignedTransaction, payload)
	}
	if stats.Submitted {
		payload := maps.Clone(base)
		payload["success"] = stats.SubmitSuccess
		f.Stats.Report(ctx, StatsSubmitTransaction, payload)
	}
}
