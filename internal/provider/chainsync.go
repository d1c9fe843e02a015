package provider

import (
	"context"
	"fmt"

	"github.com/better-wallet/dapp-provider/internal/logger"
	apperrors "github.com/better-wallet/dapp-provider/pkg/errors"
	"github.com/better-wallet/dapp-provider/pkg/types"
)

// syncChain moves the site to the chain the request targets when the
// automation channel is active. It never fails the request.
func (f *Flow) syncChain(ctx context.Context, rc *RequestContext) error {
	if !f.automated(rc) {
		return nil
	}
	desired, ok := ExtractDesiredChainID(rc.Method, rc.Request.Params)
	if !ok {
		return nil
	}

	site, err := f.Permissions.GetSite(ctx, rc.Origin())
	if err != nil {
		logger.Warn(ctx, "chain sync skipped: site lookup failed", "error", err)
		return nil
	}
	if site == nil || site.ChainID == desired {
		return nil
	}

	chain, err := resolveChain(ctx, f.Chains, desired)
	if err != nil {
		logger.Warn(ctx, "chain sync skipped", "chain_id", desired, "error", err)
		return nil
	}

	if err := f.Permissions.UpdateConnectedSite(ctx, rc.Origin(), types.SitePatch{ChainID: &chain.ID}, false); err != nil {
		logger.Warn(ctx, "chain sync skipped: site update failed", "chain_id", desired, "error", err)
		return nil
	}

	f.announceChain(ctx, rc.Origin(), chain)
	return nil
}

// announceChain tells the dapp and the sidecar that the site moved to chain
func (f *Flow) announceChain(ctx context.Context, origin string, chain *types.Chain) {
	if f.Notifier != nil {
		f.Notifier.Notify(ctx, origin, "chainChanged", chainChangedPayload(chain))
	}
	f.broadcast(ctx, SidecarEvent{
		Type:    EventChainChanged,
		Message: fmt.Sprintf("Switched %s to %s (chain %d)", origin, chain.Name, chain.ID),
		Data: map[string]any{
			"origin":  origin,
			"chainId": chain.ID,
			"name":    chain.Name,
		},
	})
}

func chainChangedPayload(chain *types.Chain) map[string]any {
	return map[string]any{
		"chain":          chain.HexID(),
		"networkVersion": fmt.Sprintf("%d", chain.ID),
	}
}

// resolveChain finds a chain by id, registering it from remote metadata when unknown
func resolveChain(ctx context.Context, chains ChainRegistry, id uint64) (*types.Chain, error) {
	if chain, ok := chains.FindChain(ctx, id); ok {
		return chain, nil
	}

	metas, err := chains.FetchChainMetadata(ctx, id)
	if err != nil {
		logger.Warn(ctx, "chain metadata fetch failed", "chain_id", id, "error", err)
		return nil, apperrors.UnsupportedChain(id)
	}
	var meta *types.Chain
	for i := range metas {
		if metas[i].ID == id {
			meta = &metas[i]
			break
		}
	}
	if meta == nil {
		return nil, apperrors.UnsupportedChain(id)
	}

	if err := chains.RegisterCustomChain(ctx, *meta); err != nil {
		logger.Warn(ctx, "custom chain registration failed", "chain_id", id, "error", err)
		return nil, apperrors.UnsupportedChain(id)
	}
	logger.Info(ctx, "custom chain registered", "chain_id", id, "name", meta.Name, "chain_hex", meta.HexID())

	if chain, ok := chains.FindChain(ctx, id); ok {
		return chain, nil
	}
	meta.IsCustom = true
	return meta, nil
}
