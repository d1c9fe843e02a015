package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/better-wallet/dapp-provider/internal/logger"
	apperrors "github.com/better-wallet/dapp-provider/pkg/errors"
	"github.com/better-wallet/dapp-provider/pkg/types"
)

// resolveMethod maps the wire method to a dispatch entry
func (f *Flow) resolveMethod(ctx context.Context, rc *RequestContext) error {
	name := NormalizeMethod(rc.Request.Method)
	entry, ok := f.table.Lookup(name)
	if !ok || entry.Visibility == Private {
		if isPassthrough(rc.Request.Method) {
			if relay, ok := f.table.Lookup(methodEthRPC); ok {
				rc.Method = methodEthRPC
				rc.Entry = relay
				return nil
			}
		}
		return apperrors.MethodNotFound(rc.Request.Payload())
	}

	rc.Method = name
	rc.Entry = entry
	return nil
}

// unlockGate asks the user to unlock the wallet, one prompt per origin at a time
func (f *Flow) unlockGate(ctx context.Context, rc *RequestContext) error {
	if rc.Entry.Safe || f.Keyring.IsUnlocked() {
		return nil
	}

	origin := rc.Origin()
	hasPermission, err := f.Permissions.HasPermission(ctx, origin)
	if err != nil {
		return apperrors.Internal(err)
	}
	if !hasPermission && rc.Request.HasCompetingProvider() {
		logger.Debug(ctx, "unlock bypassed for page with other providers", "providers", rc.Request.Providers)
		return nil
	}

	if !f.locks.TryAcquireUnlock(origin) {
		return apperrors.ResourceBusy("Already processing unlock. Please wait.")
	}
	defer f.locks.ReleaseUnlock(origin)

	rc.markRequestedApproval()
	return f.Gateway.Unlock(ctx)
}

// connectGate grants the origin a connected-site record
func (f *Flow) connectGate(ctx context.Context, rc *RequestContext) error {
	if rc.Entry.Safe {
		return nil
	}

	origin := rc.Origin()
	hasPermission, err := f.Permissions.HasPermission(ctx, origin)
	if err != nil {
		return apperrors.Internal(err)
	}
	if hasPermission {
		return nil
	}

	if !f.locks.TryAcquireConnect(origin) {
		return apperrors.ResourceBusy("Already processing connect. Please wait.")
	}
	defer f.locks.ReleaseConnect(origin)

	if f.automated(rc) {
		return f.autoConnect(ctx, rc)
	}
	return f.interactiveConnect(ctx, rc)
}

func (f *Flow) autoConnect(ctx context.Context, rc *RequestContext) error {
	account, err := f.defaultAccount(ctx, rc)
	if err != nil {
		return err
	}

	site := f.newSite(rc, f.cfg.DefaultChainID, account)
	if err := f.Permissions.AddConnectedSite(ctx, site); err != nil {
		return apperrors.Internal(err)
	}
	rc.Request.Account = account

	logger.Info(ctx, "origin auto-connected", "account", account.Address, "chain_id", site.ChainID)
	f.broadcast(ctx, SidecarEvent{
		Type:    EventAutoConnected,
		Message: fmt.Sprintf("Auto-connected %s with %s", rc.Origin(), account.Address),
		Data: map[string]any{
			"origin":  rc.Origin(),
			"name":    rc.Request.Session.Name,
			"account": account.Address,
			"chainId": site.ChainID,
		},
	})
	return nil
}

func (f *Flow) interactiveConnect(ctx context.Context, rc *RequestContext) error {
	rc.markRequestedApproval()
	res, err := f.Gateway.RequestApproval(ctx, &ApprovalRequest{
		Component: string(ApprovalConnect),
		Params:    rc.Request.Session,
		Session:   rc.Request.Session,
	}, ApprovalOptions{Height: heightConnect})
	if err != nil {
		return err
	}

	chainID := f.cfg.DefaultChainID
	account := rc.Request.Account
	if res != nil {
		if res.ChainID != 0 {
			chainID = res.ChainID
		}
		if res.Account != nil {
			account = res.Account
		}
	}
	if account == nil {
		if account, err = f.defaultAccount(ctx, rc); err != nil {
			return err
		}
	}

	if err := f.Permissions.AddConnectedSite(ctx, f.newSite(rc, chainID, account)); err != nil {
		return apperrors.Internal(err)
	}
	rc.Request.Account = account
	return nil
}

func (f *Flow) newSite(rc *RequestContext, chainID uint64, account *types.Account) *types.ConnectedSite {
	now := time.Now().UTC()
	site := &types.ConnectedSite{
		Origin:      rc.Origin(),
		Name:        rc.Request.Session.Name,
		Icon:        rc.Request.Session.Icon,
		ChainID:     chainID,
		IsConnected: true,
		CreatedAt:   now,
		LastUsedAt:  now,
	}
	if f.cfg.DappAccountEnabled && account != nil {
		acc := *account
		site.Account = &acc
	}
	return site
}

// defaultAccount picks the request override, then the active account, then the first visible one
func (f *Flow) defaultAccount(ctx context.Context, rc *RequestContext) (*types.Account, error) {
	if acc := rc.Request.Account; acc != nil && acc.Address != "" {
		return acc, nil
	}

	current, err := f.Keyring.CurrentAccount(ctx)
	if err != nil {
		logger.Warn(ctx, "failed to read current account", "error", err)
	} else if current != nil {
		return current, nil
	}

	accounts, err := f.Keyring.VisibleAccounts(ctx)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	if len(accounts) == 0 {
		return nil, apperrors.InvalidParams("no account available to connect")
	}
	acc := accounts[0]
	return &acc, nil
}

func sameAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}
