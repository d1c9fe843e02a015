package provider

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/better-wallet/dapp-provider/internal/logger"
	apperrors "github.com/better-wallet/dapp-provider/pkg/errors"
	"github.com/better-wallet/dapp-provider/pkg/types"
)

// Fee bump applied on a gas price retry: 13/10
var (
	feeBumpNum = big.NewInt(13)
	feeBumpDen = big.NewInt(10)
)

// execute runs the handler through a deferred request that the popup can retry
func (f *Flow) execute(ctx context.Context, rc *RequestContext) error {
	deferred := f.deferredRequest(rc)
	if rc.Approval != nil {
		f.Gateway.SetDeferredRetry(rc, deferred)
	}

	if rc.Approval != nil && rc.Approval.UIRequestComponent != "" {
		result, err := f.runComponentChain(ctx, rc, deferred)
		if err != nil {
			return err
		}
		rc.Result = result
		return nil
	}

	result, err := deferred(ctx, false)
	if err != nil {
		return err
	}
	rc.Result = result
	return nil
}

// deferredRequest closes over the approval result as it stood after approval.
// Each call starts from that original, so a retry never compounds a previous one.
func (f *Flow) deferredRequest(rc *RequestContext) DeferredRequest {
	original := rc.Approval
	var approvalType ApprovalType
	if rc.Entry.Approval != nil {
		approvalType = rc.Entry.Approval.Type
	}

	return func(ctx context.Context, isRetry bool) (any, error) {
		res := original.Clone()
		if res != nil && res.IsGnosis && res.SafeMessage == nil {
			return nil, nil
		}

		if approvalType.IsSign() && original != nil && original.UIRequestComponent != "" {
			if err := f.Gateway.WaitSignComponentMounted(ctx); err != nil {
				logger.Warn(ctx, "sign component mount wait failed", "error", err)
			}
		}

		if isRetry && approvalType == ApprovalSignTx && res != nil && res.Tx != nil {
			if err := f.adjustForRetry(ctx, res.Tx, f.Gateway.RetryType()); err != nil {
				return nil, err
			}
		}

		// a retry runs after Run has cleaned up, so it reports its own attempt
		if isRetry {
			rc.resetStats()
			defer f.reportStats(ctx, rc)
		}

		result, err := rc.Entry.Handler(ctx, rc, res)
		if err != nil {
			if approvalType.IsSign() {
				f.signFinished(ctx, rc, false, nil, err)
			}
			return nil, err
		}

		if approvalType.IsSign() {
			f.signFinished(ctx, rc, true, result, nil)
		}
		if isChainMethod(rc.Method) && rc.switchedChain != nil {
			chain := rc.switchedChain
			f.broadcast(ctx, SidecarEvent{
				Type:    EventChainChanged,
				Message: fmt.Sprintf("Switched %s to %s (chain %d)", rc.Origin(), chain.Name, chain.ID),
				Data:    map[string]any{"origin": rc.Origin(), "chainId": chain.ID, "name": chain.Name},
			})
		}
		return result, nil
	}
}

// UIEventError is a handler failure that names the popup event reporting it.
// Err, when set, is the error returned to the dapp.
type UIEventError struct {
	Method  string
	Message string
	Err     *apperrors.RPCError
}

func (e *UIEventError) Error() string {
	return e.Message
}

func (e *UIEventError) Unwrap() error {
	if e.Err == nil {
		return nil
	}
	return e.Err
}

// signFinished tells the popup and the sidecar how a sign-class request ended
func (f *Flow) signFinished(ctx context.Context, rc *RequestContext, success bool, result any, err error) {
	method := UIEventSignFinished
	var params any
	errMsg := ""
	if success {
		params = map[string]any{"success": true, "data": result}
	} else {
		errMsg = err.Error()
		if rpcErr, ok := apperrors.AsRPCError(err); ok {
			errMsg = rpcErr.Message
		}
		params = map[string]any{"success": false, "errorMsg": errMsg}

		var uiErr *UIEventError
		if errors.As(err, &uiErr) && uiErr.Method != "" {
			method = uiErr.Method
			params = uiErr.Message
		}
	}

	f.Gateway.EmitUIEvent(ctx, method, params)
	f.broadcast(ctx, SidecarEvent{
		Type: EventSignFinished,
		Data: map[string]any{
			"origin":  rc.Origin(),
			"method":  rc.Request.Method,
			"success": success,
			"error":   errMsg,
		},
	})
}

// adjustForRetry bumps the nonce or the fees of tx in place
func (f *Flow) adjustForRetry(ctx context.Context, tx *types.TxParams, retryType RetryType) error {
	switch retryType {
	case RetryNonce:
		recommended, err := f.PreExec.RecommendNonce(ctx, tx.From, tx.ChainID)
		if err != nil {
			return apperrors.Internal(fmt.Errorf("recommend nonce: %w", err))
		}
		next, err := nextNonce(tx.Nonce, recommended)
		if err != nil {
			return apperrors.InvalidParams(err.Error())
		}
		tx.Nonce = next
	case RetryGasPrice:
		var err error
		if tx.GasPrice != "" {
			if tx.GasPrice, err = bumpFee(tx.GasPrice); err != nil {
				return apperrors.InvalidParams(err.Error())
			}
		}
		if tx.MaxFeePerGas != "" {
			if tx.MaxFeePerGas, err = bumpFee(tx.MaxFeePerGas); err != nil {
				return apperrors.InvalidParams(err.Error())
			}
		}
	}
	return nil
}

// nextNonce replaces the nonce with the recommended one, or increments it when
// the recommendation has not moved past the original
func nextNonce(original, recommended string) (string, error) {
	rec, err := types.ParseQuantity(recommended)
	if err != nil {
		return "", fmt.Errorf("recommended nonce: %w", err)
	}
	if original == "" {
		return types.EncodeQuantity(rec), nil
	}
	orig, err := types.ParseQuantity(original)
	if err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	if rec.Cmp(orig) == 0 {
		return types.EncodeQuantity(new(big.Int).Add(orig, big.NewInt(1))), nil
	}
	return types.EncodeQuantity(rec), nil
}

// bumpFee multiplies a hex fee by 1.3, rounding down
func bumpFee(fee string) (string, error) {
	v, err := types.ParseQuantity(fee)
	if err != nil {
		return "", fmt.Errorf("fee: %w", err)
	}
	v.Mul(v, feeBumpNum)
	v.Quo(v, feeBumpDen)
	return types.EncodeQuantity(v), nil
}

// runComponentChain follows nested UI components until the popup is done.
// The handler runs in the background so the component can drive it.
func (f *Flow) runComponentChain(ctx context.Context, rc *RequestContext, deferred DeferredRequest) (any, error) {
	rc.markRequestedApproval()

	go func() {
		bgCtx := context.WithoutCancel(ctx)
		if _, err := deferred(bgCtx, false); err != nil {
			logger.Warn(bgCtx, "deferred request for chained component failed", "error", err)
		}
	}()

	spec := rc.Entry.Approval
	res := rc.Approval
	for res != nil && res.UIRequestComponent != "" {
		next, err := f.Gateway.RequestApproval(ctx, &ApprovalRequest{
			Component: res.UIRequestComponent,
			Type:      spec.Type,
			Method:    rc.Request.Method,
			Params:    res,
			Session:   rc.Request.Session,
			IsUnshift: true,
		}, ApprovalOptions{Height: spec.Height})
		if err != nil {
			return nil, err
		}
		res = next
	}

	f.reportStats(ctx, rc)

	safeMessage := rc.Approval.SafeMessage
	if res != nil && res.SafeMessage != nil {
		safeMessage = res.SafeMessage
	}
	if safeMessage != nil && f.Gnosis != nil {
		if rc.takeRequestedApproval() {
			f.Gateway.ReleaseBusy()
		}
		return f.Gnosis.WatchMessage(ctx, safeMessage)
	}

	if res == nil {
		return nil, nil
	}
	return res.Value, nil
}
