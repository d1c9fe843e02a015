package provider

import (
	"context"
	"encoding/json"
	"maps"
	"sync"

	"github.com/better-wallet/dapp-provider/pkg/types"
)

// Session identifies the dapp page that issued a request
type Session struct {
	Origin string `json:"origin"`
	Name   string `json:"name"`
	Icon   string `json:"icon"`
}

// Request is an inbound dapp JSON-RPC call
type Request struct {
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  []any           `json:"params,omitempty"`
	Session Session         `json:"session"`

	// Account overrides the account used when the origin gets connected
	Account *types.Account `json:"account,omitempty"`

	// Providers lists other wallet providers announced on the page
	Providers []string `json:"providers,omitempty"`

	RequestedApproval bool `json:"-"`
}

// Payload is the part of the request echoed back in method-not-found errors
func (r *Request) Payload() map[string]any {
	return map[string]any{
		"method": r.Method,
		"params": r.Params,
	}
}

// HasCompetingProvider reports whether the page runs another wallet provider
func (r *Request) HasCompetingProvider() bool {
	return len(r.Providers) > 0
}

// Decision records how the approval stage settled
type Decision int

const (
	DecisionNone Decision = iota
	DecisionAuto
	DecisionGateway
	DecisionRejected
)

func (d Decision) String() string {
	switch d {
	case DecisionAuto:
		return "auto"
	case DecisionGateway:
		return "gateway"
	case DecisionRejected:
		return "rejected"
	default:
		return "none"
	}
}

// ApprovalType tags a handler that needs a user or automated approval
type ApprovalType string

const (
	ApprovalConnect       ApprovalType = "Connect"
	ApprovalUnlock        ApprovalType = "Unlock"
	ApprovalSignText      ApprovalType = "SignText"
	ApprovalSignTypedData ApprovalType = "SignTypedData"
	ApprovalSignTx        ApprovalType = "SignTx"
	ApprovalAddChain      ApprovalType = "AddChain"
)

// IsSign reports whether the approval produces a signature
func (t ApprovalType) IsSign() bool {
	switch t {
	case ApprovalSignText, ApprovalSignTypedData, ApprovalSignTx:
		return true
	}
	return false
}

// RetryType selects how a retried transaction is adjusted
type RetryType string

const (
	RetryNonce    RetryType = "nonce"
	RetryGasPrice RetryType = "gasPrice"
)

// SafeMessage is a handle to a Safe multisig message awaiting confirmations
type SafeMessage struct {
	SafeAddress string `json:"safeAddress"`
	MessageHash string `json:"messageHash"`
	ChainID     uint64 `json:"chainId"`
	Threshold   int    `json:"threshold,omitempty"`
}

// ApprovalResult is what an approval step hands to the handler
type ApprovalResult struct {
	Tx                 *types.TxParams `json:"tx,omitempty"`
	ChainID            uint64          `json:"chainId,omitempty"`
	Account            *types.Account  `json:"account,omitempty"`
	Extra              map[string]any  `json:"extra,omitempty"`
	IsGnosis           bool            `json:"isGnosis,omitempty"`
	SafeMessage        *SafeMessage    `json:"safeMessage,omitempty"`
	UIRequestComponent string          `json:"uiRequestComponent,omitempty"`
	SigningTxID        string          `json:"signingTxId,omitempty"`

	// Value is the final output of a chained UI component, e.g. a hardware signature
	Value any `json:"value,omitempty"`
}

// Clone returns a copy that shares nothing mutable with r
func (r *ApprovalResult) Clone() *ApprovalResult {
	if r == nil {
		return nil
	}
	c := *r
	c.Tx = r.Tx.Clone()
	if r.Account != nil {
		acc := *r.Account
		c.Account = &acc
	}
	if r.SafeMessage != nil {
		msg := *r.SafeMessage
		c.SafeMessage = &msg
	}
	if r.Extra != nil {
		c.Extra = maps.Clone(r.Extra)
	}
	return &c
}

// ApprovalRequest is sent to the popup approval UI
type ApprovalRequest struct {
	Component string       `json:"approvalComponent"`
	Type      ApprovalType `json:"approvalType,omitempty"`
	Method    string       `json:"method,omitempty"`
	Params    any          `json:"params,omitempty"`
	Session   Session      `json:"session"`
	IsUnshift bool         `json:"isUnshift,omitempty"`
}

// ApprovalOptions controls how the popup is shown
type ApprovalOptions struct {
	Height int
}

// DeferredRequest runs the resolved handler; isRetry applies the retry adjustment first
type DeferredRequest func(ctx context.Context, isRetry bool) (any, error)

// TxStats accumulates what happened to a transaction during one request
type TxStats struct {
	ChainID        uint64
	Signed         bool
	SignedSuccess  bool
	Submitted      bool
	SubmitSuccess  bool
	PreExecSuccess bool
}

// RequestContext is the state shared by the stages of one pipeline run
type RequestContext struct {
	ID       string
	Request  *Request
	Method   string
	Entry    *MethodEntry
	Approval *ApprovalResult
	Decision Decision
	Result   any

	automationOnce sync.Once
	automation     bool

	// switchedChain is set by chain handlers when the site chain actually changed
	switchedChain *types.Chain

	mu       sync.Mutex
	stats    TxStats
	reported bool
}

// NewRequestContext wraps req for one pipeline run
func NewRequestContext(id string, req *Request) *RequestContext {
	return &RequestContext{ID: id, Request: req}
}

// Origin is the dapp origin of the request
func (rc *RequestContext) Origin() string {
	return rc.Request.Session.Origin
}

// automated decides once per context whether the automation channel may act
func (rc *RequestContext) automated(probe func() bool) bool {
	rc.automationOnce.Do(func() {
		rc.automation = probe()
	})
	return rc.automation
}

func (rc *RequestContext) markRequestedApproval() {
	rc.mu.Lock()
	rc.Request.RequestedApproval = true
	rc.mu.Unlock()
}

// takeRequestedApproval clears the flag and reports whether it was set
func (rc *RequestContext) takeRequestedApproval() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	was := rc.Request.RequestedApproval
	rc.Request.RequestedApproval = false
	return was
}

// RecordSigned notes a signing attempt for the stats report
func (rc *RequestContext) RecordSigned(chainID uint64, success bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.stats.ChainID = chainID
	rc.stats.Signed = true
	rc.stats.SignedSuccess = success
}

// RecordSubmitted notes a broadcast attempt for the stats report
func (rc *RequestContext) RecordSubmitted(chainID uint64, success bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.stats.ChainID = chainID
	rc.stats.Submitted = true
	rc.stats.SubmitSuccess = success
}

func (rc *RequestContext) recordPreExec(success bool) {
	rc.mu.Lock()
	rc.stats.PreExecSuccess = success
	rc.mu.Unlock()
}

// resetStats starts a fresh record for another signing attempt. The
// pre-execution outcome belongs to the approval and is kept.
func (rc *RequestContext) resetStats() {
	rc.mu.Lock()
	rc.stats = TxStats{PreExecSuccess: rc.stats.PreExecSuccess}
	rc.reported = false
	rc.mu.Unlock()
}

// claimStats returns the accumulated stats once; an empty record is not claimed
func (rc *RequestContext) claimStats() (TxStats, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.reported || (!rc.stats.Signed && !rc.stats.Submitted) {
		return TxStats{}, false
	}
	rc.reported = true
	return rc.stats, true
}
