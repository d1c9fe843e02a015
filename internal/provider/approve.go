package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/better-wallet/dapp-provider/internal/logger"
	apperrors "github.com/better-wallet/dapp-provider/pkg/errors"
	"github.com/better-wallet/dapp-provider/pkg/types"
)

// approve decides whether the handler needs approval and obtains it
func (f *Flow) approve(ctx context.Context, rc *RequestContext) error {
	spec := rc.Entry.Approval
	if spec == nil {
		return nil
	}

	if spec.Type == ApprovalSignText {
		rc.Request.Params = normalizeTextSignParams(rc.Request.Params)
	}

	needApproval := true
	if spec.Bypass != nil {
		bypass, err := runBypass(ctx, spec.Bypass, rc)
		if err != nil {
			logger.Debug(ctx, "approval bypass check failed, prompting", "method", rc.Method, "error", err)
		} else if bypass {
			needApproval = false
		}
	}

	if needApproval && isChainMethod(rc.Method) && f.automated(rc) {
		if desired, ok := ExtractDesiredChainID(rc.Method, rc.Request.Params); ok {
			if _, err := resolveChain(ctx, f.Chains, desired); err == nil {
				needApproval = false
			}
		}
	}

	if !needApproval {
		rc.Decision = DecisionAuto
		return nil
	}

	rc.markRequestedApproval()
	if spec.Type == ApprovalSignTx {
		f.backfillChainID(ctx, rc)
	}

	res, decision, err := f.decide(ctx, rc, spec)
	if err != nil {
		rc.Decision = DecisionRejected
		return err
	}
	// a popup approval may carry no tx; keep the dapp's params so a retry
	// has a nonce and fees to adjust
	if spec.Type == ApprovalSignTx && res != nil && res.Tx == nil {
		if tx, err := txParamsFromRequest(rc.Request.Params); err == nil {
			res.Tx = tx
		}
	}
	rc.Approval = res
	rc.Decision = decision

	f.recordApprovalOnSite(ctx, rc, spec.Type)
	return nil
}

// runBypass treats a panicking predicate like a failing one
func runBypass(ctx context.Context, fn BypassFunc, rc *RequestContext) (bypass bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			bypass, err = false, fmt.Errorf("bypass predicate panicked: %v", r)
		}
	}()
	return fn(ctx, rc)
}

func (f *Flow) decide(ctx context.Context, rc *RequestContext, spec *ApprovalSpec) (*ApprovalResult, Decision, error) {
	if f.automated(rc) {
		switch spec.Type {
		case ApprovalSignText, ApprovalSignTypedData:
			return f.autoSign(ctx, rc), DecisionAuto, nil
		case ApprovalSignTx:
			res, err := f.automatedTx(ctx, rc)
			if err != nil {
				return nil, DecisionRejected, err
			}
			return res, DecisionAuto, nil
		}
	}

	res, err := f.Gateway.RequestApproval(ctx, &ApprovalRequest{
		Component: string(spec.Type),
		Type:      spec.Type,
		Method:    rc.Request.Method,
		Params:    rc.Request.Params,
		Session:   rc.Request.Session,
	}, ApprovalOptions{Height: spec.Height})
	if err != nil {
		return nil, DecisionRejected, err
	}
	if res == nil {
		res = &ApprovalResult{}
	}
	return res, DecisionGateway, nil
}

// backfillChainID fills params[0].chainId from the connected site
func (f *Flow) backfillChainID(ctx context.Context, rc *RequestContext) {
	if len(rc.Request.Params) == 0 {
		return
	}
	tx, ok := rc.Request.Params[0].(map[string]any)
	if !ok {
		return
	}
	if _, has := tx["chainId"]; has {
		return
	}

	chainID := f.cfg.DefaultChainID
	site, err := f.Permissions.GetSite(ctx, rc.Origin())
	if err != nil {
		logger.Warn(ctx, "chain id backfill: site lookup failed", "error", err)
	} else if site != nil && site.ChainID != 0 {
		chainID = site.ChainID
	}
	tx["chainId"] = chainID
}

func (f *Flow) recordApprovalOnSite(ctx context.Context, rc *RequestContext, t ApprovalType) {
	var err error
	if t.IsSign() {
		signed := true
		err = f.Permissions.UpdateConnectedSite(ctx, rc.Origin(), types.SitePatch{IsSigned: &signed}, true)
	} else {
		err = f.Permissions.TouchConnectedSite(ctx, rc.Origin())
	}
	if err != nil {
		logger.Warn(ctx, "failed to update connected site after approval", "error", err)
	}
}

// autoSign approves a text or typed-data signature for the automation channel
func (f *Flow) autoSign(ctx context.Context, rc *RequestContext) *ApprovalResult {
	preview := truncatePreview(signPreview(rc), previewLength)
	f.broadcast(ctx, SidecarEvent{
		Type:    EventAutoSigned,
		Message: fmt.Sprintf("Auto-signed %s for %s", rc.Request.Method, rc.Origin()),
		Data: map[string]any{
			"origin":  rc.Origin(),
			"method":  rc.Request.Method,
			"preview": preview,
		},
	})
	return &ApprovalResult{Extra: map[string]any{"autoApproved": true}}
}

// signPreview is the payload being signed, rendered as text
func signPreview(rc *RequestContext) string {
	for _, p := range rc.Request.Params {
		switch v := p.(type) {
		case string:
			if !common.IsHexAddress(v) {
				return v
			}
		case nil:
		default:
			raw, err := json.Marshal(v)
			if err == nil {
				return string(raw)
			}
		}
	}
	return ""
}

func (f *Flow) automatedTx(ctx context.Context, rc *RequestContext) (*ApprovalResult, error) {
	tx, err := txParamsFromRequest(rc.Request.Params)
	if err != nil {
		return nil, err
	}

	if f.Allowlist != nil && f.Allowlist.Allowed(tx.ChainID, tx.To) {
		res, err := f.autoBuildTx(ctx, rc, tx)
		if err == nil {
			f.broadcast(ctx, SidecarEvent{
				Type:    EventAutoApprovedTx,
				Message: fmt.Sprintf("Auto-approved transaction to %s on chain %d", tx.To, tx.ChainID),
				Data: map[string]any{
					"origin":  rc.Origin(),
					"tx":      res.Tx,
					"chainId": tx.ChainID,
				},
			})
			return res, nil
		}
		logger.Warn(ctx, "allowlisted transaction could not be auto-built, asking sidecar", "to", tx.To, "error", err)
	}

	return f.awaitSidecarConfirmation(ctx, rc, tx)
}

// autoBuildTx fills nonce and gas from pre-execution without prompting
func (f *Flow) autoBuildTx(ctx context.Context, rc *RequestContext, base *types.TxParams) (*ApprovalResult, error) {
	tx := base.Clone()

	nonce, err := f.PreExec.RecommendNonce(ctx, tx.From, tx.ChainID)
	if err != nil {
		return nil, fmt.Errorf("recommend nonce: %w", err)
	}
	if tx.Nonce == "" {
		tx.Nonce = nonce
	}

	sim, err := f.PreExec.Simulate(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("pre-execution: %w", err)
	}
	rc.recordPreExec(sim.Gas.Success)
	if !sim.Gas.Success {
		return nil, fmt.Errorf("pre-execution failed: %s", sim.Error)
	}

	gas, err := f.PreExec.RecommendGas(ctx, sim.Gas.GasUsed, tx)
	if err != nil {
		return nil, fmt.Errorf("recommend gas: %w", err)
	}
	if tx.Gas == "" {
		tx.Gas = types.EncodeQuantity(gas)
	}

	return &ApprovalResult{
		Tx:      tx,
		ChainID: tx.ChainID,
		Extra: map[string]any{
			"preExecResult":     sim,
			"recommendNonce":    nonce,
			"recommendGasLimit": types.EncodeQuantity(gas),
		},
	}, nil
}

// txOverride is what the sidecar may adjust when it confirms a transaction
type txOverride struct {
	Tx *struct {
		Nonce                string `json:"nonce"`
		Gas                  string `json:"gas"`
		GasPrice             string `json:"gasPrice"`
		MaxFeePerGas         string `json:"maxFeePerGas"`
		MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas"`
	} `json:"tx"`
}

// awaitSidecarConfirmation asks the automation channel to confirm tx
func (f *Flow) awaitSidecarConfirmation(ctx context.Context, rc *RequestContext, tx *types.TxParams) (*ApprovalResult, error) {
	signingTxID := uuid.NewString()
	if f.SigningTxs != nil {
		if err := f.SigningTxs.Begin(ctx, signingTxID, rc.Origin(), tx); err != nil {
			logger.Warn(ctx, "failed to record signing transaction", "signing_tx_id", signingTxID, "error", err)
		}
	}

	approvalID, err := NewApprovalID()
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	outcome, err := f.Sidecar.RegisterPendingApproval(approvalID)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	defer f.Sidecar.RemovePendingApproval(approvalID)

	f.broadcast(ctx, SidecarEvent{
		Type:    EventConfirmation,
		ID:      approvalID,
		Message: fmt.Sprintf("%s wants to send a transaction to %s", rc.Origin(), tx.To),
		Data: map[string]any{
			"approvalId":  approvalID,
			"signingTxId": signingTxID,
			"origin":      rc.Origin(),
			"method":      rc.Request.Method,
			"tx":          tx,
		},
	})

	timer := time.NewTimer(f.cfg.ConfirmTimeout)
	defer timer.Stop()

	select {
	case out := <-outcome:
		if out.Err != nil {
			f.markSigningFailed(ctx, signingTxID, out.Err.Error())
			if rpcErr, ok := apperrors.AsRPCError(out.Err); ok {
				return nil, rpcErr
			}
			return nil, apperrors.UserRejected(out.Err.Error())
		}
		approved := tx.Clone()
		applyOverride(approved, out.Value)
		return &ApprovalResult{Tx: approved, ChainID: approved.ChainID, SigningTxID: signingTxID}, nil

	case <-timer.C:
		logger.Warn(ctx, "sidecar confirmation timed out", "approval_id", approvalID, "timeout", f.cfg.ConfirmTimeout)
		f.markSigningFailed(ctx, signingTxID, "Confirmation timeout")
		return nil, apperrors.ConfirmationTimeout()

	case <-ctx.Done():
		f.markSigningFailed(ctx, signingTxID, ctx.Err().Error())
		return nil, apperrors.Internal(ctx.Err())
	}
}

func applyOverride(tx *types.TxParams, raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	var o txOverride
	if err := json.Unmarshal(raw, &o); err != nil || o.Tx == nil {
		return
	}
	if o.Tx.Nonce != "" {
		tx.Nonce = o.Tx.Nonce
	}
	if o.Tx.Gas != "" {
		tx.Gas = o.Tx.Gas
	}
	if o.Tx.GasPrice != "" {
		tx.GasPrice = o.Tx.GasPrice
	}
	if o.Tx.MaxFeePerGas != "" {
		tx.MaxFeePerGas = o.Tx.MaxFeePerGas
	}
	if o.Tx.MaxPriorityFeePerGas != "" {
		tx.MaxPriorityFeePerGas = o.Tx.MaxPriorityFeePerGas
	}
}

func (f *Flow) markSigningFailed(ctx context.Context, id, reason string) {
	if f.SigningTxs == nil {
		return
	}
	if err := f.SigningTxs.MarkFailed(context.WithoutCancel(ctx), id, reason); err != nil {
		logger.Warn(ctx, "failed to mark signing transaction failed", "signing_tx_id", id, "error", err)
	}
}

// NewApprovalID returns a fresh time-ordered approval id
func NewApprovalID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// txParamsFromRequest reads params[0] of eth_sendTransaction
func txParamsFromRequest(params []any) (*types.TxParams, error) {
	if len(params) == 0 {
		return nil, apperrors.InvalidParams("missing transaction object")
	}
	obj, ok := params[0].(map[string]any)
	if !ok {
		return nil, apperrors.InvalidParams("transaction must be an object")
	}

	tx := &types.TxParams{
		From:                 quantityField(obj, "from"),
		To:                   quantityField(obj, "to"),
		Value:                quantityField(obj, "value"),
		Data:                 quantityField(obj, "data"),
		Gas:                  quantityField(obj, "gas"),
		GasPrice:             quantityField(obj, "gasPrice"),
		MaxFeePerGas:         quantityField(obj, "maxFeePerGas"),
		MaxPriorityFeePerGas: quantityField(obj, "maxPriorityFeePerGas"),
		Nonce:                quantityField(obj, "nonce"),
	}
	if tx.Data == "" {
		tx.Data = quantityField(obj, "input")
	}
	if tx.Gas == "" {
		tx.Gas = quantityField(obj, "gasLimit")
	}
	if id, ok := parseChainIDValue(obj["chainId"]); ok {
		tx.ChainID = id
	}

	if !common.IsHexAddress(tx.From) {
		return nil, apperrors.InvalidParams("invalid from address")
	}
	if tx.To != "" && !common.IsHexAddress(tx.To) {
		return nil, apperrors.InvalidParams("invalid to address")
	}
	return tx, nil
}

// quantityField reads a string field; numeric values are hex encoded
func quantityField(obj map[string]any, key string) string {
	switch v := obj[key].(type) {
	case string:
		return v
	case float64:
		if v < 0 {
			return ""
		}
		f := new(big.Float).SetFloat64(v)
		i, _ := f.Int(nil)
		return types.EncodeQuantity(i)
	case json.Number:
		i, ok := new(big.Int).SetString(v.String(), 10)
		if !ok {
			return v.String()
		}
		return types.EncodeQuantity(i)
	}
	return ""
}
