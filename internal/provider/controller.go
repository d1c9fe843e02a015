package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/better-wallet/dapp-provider/internal/logger"
	apperrors "github.com/better-wallet/dapp-provider/pkg/errors"
	"github.com/better-wallet/dapp-provider/pkg/types"
)

// ControllerDeps are the collaborators of the wallet handlers
type ControllerDeps struct {
	Keyring     Keyring
	Signer      Signer
	Permissions PermissionStore
	Chains      ChainRegistry
	Backend     ChainBackend
	Notifier    DappNotifier
	SigningTxs  SigningTxRecorder
}

// Controller implements the dapp-callable wallet methods
type Controller struct {
	ControllerDeps
	defaultChainID uint64
}

// NewController creates the wallet method handlers
func NewController(deps ControllerDeps, defaultChainID uint64) *Controller {
	return &Controller{ControllerDeps: deps, defaultChainID: defaultChainID}
}

var ethAccountsPermission = []map[string]any{{"parentCapability": "eth_accounts"}}

func (c *Controller) site(ctx context.Context, origin string) *types.ConnectedSite {
	site, err := c.Permissions.GetSite(ctx, origin)
	if err != nil {
		logger.Warn(ctx, "connected site lookup failed", "error", err)
		return nil
	}
	return site
}

func (c *Controller) siteChainID(ctx context.Context, origin string) uint64 {
	if site := c.site(ctx, origin); site != nil && site.ChainID != 0 {
		return site.ChainID
	}
	return c.defaultChainID
}

// connectedAccount resolves the account the origin sees
func (c *Controller) connectedAccount(ctx context.Context, rc *RequestContext) *types.Account {
	if rc.Request.Account != nil && rc.Request.Account.Address != "" {
		return rc.Request.Account
	}
	if site := c.site(ctx, rc.Origin()); site != nil && site.Account != nil {
		return site.Account
	}
	if current, err := c.Keyring.CurrentAccount(ctx); err == nil && current != nil {
		return current
	}
	accounts, err := c.Keyring.VisibleAccounts(ctx)
	if err != nil || len(accounts) == 0 {
		return nil
	}
	return &accounts[0]
}

func (c *Controller) accounts(ctx context.Context, rc *RequestContext) ([]string, error) {
	if !c.Keyring.IsUnlocked() {
		return []string{}, nil
	}
	has, err := c.Permissions.HasPermission(ctx, rc.Origin())
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	if !has {
		return []string{}, nil
	}
	acc := c.connectedAccount(ctx, rc)
	if acc == nil {
		return []string{}, nil
	}
	return []string{strings.ToLower(acc.Address)}, nil
}

// EthRPC relays a raw chain method to the node of the site's chain
func (c *Controller) EthRPC(ctx context.Context, rc *RequestContext, _ *ApprovalResult) (any, error) {
	chainID := c.siteChainID(ctx, rc.Origin())
	raw, err := c.Backend.Call(ctx, chainID, rc.Request.Method, rc.Request.Params)
	if err != nil {
		return nil, relayError(err)
	}
	return raw, nil
}

// relayError keeps the node's JSON-RPC error code and data
func relayError(err error) *apperrors.RPCError {
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return apperrors.Internal(err)
	}
	out := apperrors.New(apperrors.KindHandlerExecution, rpcErr.ErrorCode(), rpcErr.Error())
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		out.Data = dataErr.ErrorData()
	}
	return out
}

// EthRequestAccounts returns the connected account and announces it
func (c *Controller) EthRequestAccounts(ctx context.Context, rc *RequestContext, _ *ApprovalResult) (any, error) {
	if !c.Keyring.IsUnlocked() {
		return nil, apperrors.Unauthorized("The requested account and/or method has not been authorized by the user.")
	}
	accounts, err := c.accounts(ctx, rc)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, apperrors.Unauthorized("The requested account and/or method has not been authorized by the user.")
	}
	if c.Notifier != nil {
		c.Notifier.Notify(ctx, rc.Origin(), "accountsChanged", accounts)
	}
	return accounts, nil
}

// EthAccounts returns the connected account, or nothing while locked or unconnected
func (c *Controller) EthAccounts(ctx context.Context, rc *RequestContext, _ *ApprovalResult) (any, error) {
	return c.accounts(ctx, rc)
}

// EthCoinbase returns the connected account or null
func (c *Controller) EthCoinbase(ctx context.Context, rc *RequestContext, _ *ApprovalResult) (any, error) {
	accounts, err := c.accounts(ctx, rc)
	if err != nil || len(accounts) == 0 {
		return nil, err
	}
	return accounts[0], nil
}

// EthChainID returns the site's chain as hex
func (c *Controller) EthChainID(ctx context.Context, rc *RequestContext, _ *ApprovalResult) (any, error) {
	return hexutil.EncodeUint64(c.siteChainID(ctx, rc.Origin())), nil
}

// NetVersion returns the site's chain as a decimal string
func (c *Controller) NetVersion(ctx context.Context, rc *RequestContext, _ *ApprovalResult) (any, error) {
	return fmt.Sprintf("%d", c.siteChainID(ctx, rc.Origin())), nil
}

// GetProviderState is read by the injected provider when a page loads
func (c *Controller) GetProviderState(ctx context.Context, rc *RequestContext, _ *ApprovalResult) (any, error) {
	chainID := c.siteChainID(ctx, rc.Origin())
	accounts, err := c.accounts(ctx, rc)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"chainId":        hexutil.EncodeUint64(chainID),
		"isUnlocked":     c.Keyring.IsUnlocked(),
		"accounts":       accounts,
		"networkVersion": fmt.Sprintf("%d", chainID),
	}, nil
}

// WalletRequestPermissions runs after the connect gate granted eth_accounts
func (c *Controller) WalletRequestPermissions(ctx context.Context, rc *RequestContext, _ *ApprovalResult) (any, error) {
	return ethAccountsPermission, nil
}

// WalletGetPermissions lists the origin's permissions
func (c *Controller) WalletGetPermissions(ctx context.Context, rc *RequestContext, _ *ApprovalResult) (any, error) {
	has, err := c.Permissions.HasPermission(ctx, rc.Origin())
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	if !has {
		return []map[string]any{}, nil
	}
	return ethAccountsPermission, nil
}

// WalletRevokePermissions disconnects the origin
func (c *Controller) WalletRevokePermissions(ctx context.Context, rc *RequestContext, _ *ApprovalResult) (any, error) {
	has, err := c.Permissions.HasPermission(ctx, rc.Origin())
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	if !has {
		return nil, nil
	}
	if err := c.Permissions.RemoveConnectedSite(ctx, rc.Origin()); err != nil {
		return nil, apperrors.Internal(err)
	}
	if c.Notifier != nil {
		c.Notifier.Notify(ctx, rc.Origin(), "accountsChanged", []string{})
	}
	return nil, nil
}

// chainAlreadyCurrent lets chain switch/add skip approval when nothing would change
func (c *Controller) chainAlreadyCurrent(ctx context.Context, rc *RequestContext) (bool, error) {
	id, ok := ExtractDesiredChainID(rc.Method, rc.Request.Params)
	if !ok {
		return false, errors.New("missing or invalid chainId")
	}
	site, err := c.Permissions.GetSite(ctx, rc.Origin())
	if err != nil {
		return false, err
	}
	return site != nil && site.ChainID == id, nil
}

// WalletSwitchEthereumChain moves the site to a known chain
func (c *Controller) WalletSwitchEthereumChain(ctx context.Context, rc *RequestContext, _ *ApprovalResult) (any, error) {
	id, ok := ExtractDesiredChainID(rc.Method, rc.Request.Params)
	if !ok {
		return nil, apperrors.InvalidParams("missing or invalid chainId")
	}
	chain, ok := c.Chains.FindChain(ctx, id)
	if !ok {
		return nil, apperrors.UnsupportedChain(id)
	}
	return nil, c.switchSite(ctx, rc, chain)
}

// WalletAddEthereumChain registers the chain when unknown, then switches to it
func (c *Controller) WalletAddEthereumChain(ctx context.Context, rc *RequestContext, _ *ApprovalResult) (any, error) {
	id, ok := ExtractDesiredChainID(rc.Method, rc.Request.Params)
	if !ok {
		return nil, apperrors.InvalidParams("missing or invalid chainId")
	}

	chain, ok := c.Chains.FindChain(ctx, id)
	if !ok {
		obj, _ := rc.Request.Params[0].(map[string]any)
		meta, err := chainFromAddParams(id, obj)
		if err != nil {
			return nil, err
		}
		if err := c.Chains.RegisterCustomChain(ctx, *meta); err != nil {
			return nil, apperrors.InvalidParams(err.Error())
		}
		if chain, ok = c.Chains.FindChain(ctx, id); !ok {
			chain = meta
		}
	}
	return nil, c.switchSite(ctx, rc, chain)
}

func chainFromAddParams(id uint64, obj map[string]any) (*types.Chain, error) {
	meta := &types.Chain{
		ID:           id,
		Enum:         fmt.Sprintf("CUSTOM_%d", id),
		NativeSymbol: "ETH",
		IsCustom:     true,
	}
	if name, ok := obj["chainName"].(string); ok {
		meta.Name = name
	}
	if urls, ok := obj["rpcUrls"].([]any); ok && len(urls) > 0 {
		meta.RPCURL, _ = urls[0].(string)
	}
	if urls, ok := obj["blockExplorerUrls"].([]any); ok && len(urls) > 0 {
		meta.ExplorerURL, _ = urls[0].(string)
	}
	if currency, ok := obj["nativeCurrency"].(map[string]any); ok {
		if symbol, ok := currency["symbol"].(string); ok && symbol != "" {
			meta.NativeSymbol = symbol
		}
	}
	if meta.RPCURL == "" {
		return nil, apperrors.InvalidParams("rpcUrls is required")
	}
	if meta.Name == "" {
		meta.Name = meta.Enum
	}
	return meta, nil
}

// switchSite records chain on the site and emits chainChanged; no-op when already there
func (c *Controller) switchSite(ctx context.Context, rc *RequestContext, chain *types.Chain) error {
	site := c.site(ctx, rc.Origin())
	if site == nil {
		return apperrors.Unauthorized("The requested account and/or method has not been authorized by the user.")
	}
	if site.ChainID == chain.ID {
		return nil
	}

	chainID := chain.ID
	if err := c.Permissions.UpdateConnectedSite(ctx, rc.Origin(), types.SitePatch{ChainID: &chainID}, true); err != nil {
		return apperrors.Internal(err)
	}
	if c.Notifier != nil {
		c.Notifier.Notify(ctx, rc.Origin(), "chainChanged", chainChangedPayload(chain))
	}
	rc.switchedChain = chain
	return nil
}

// checkFrom rejects signing for an address other than the connected account
func (c *Controller) checkFrom(ctx context.Context, rc *RequestContext, from string) (common.Address, error) {
	if !common.IsHexAddress(from) {
		return common.Address{}, apperrors.InvalidParams("invalid from address")
	}
	if acc := c.connectedAccount(ctx, rc); acc != nil && !sameAddress(acc.Address, from) {
		return common.Address{}, apperrors.InvalidParams("from should be same as current address")
	}
	return common.HexToAddress(from), nil
}

// PersonalSign signs an EIP-191 message; params are already (message, address)
func (c *Controller) PersonalSign(ctx context.Context, rc *RequestContext, _ *ApprovalResult) (any, error) {
	params := rc.Request.Params
	if len(params) < 2 {
		return nil, apperrors.InvalidParams("personal_sign expects a message and an address")
	}
	msg, _ := params[0].(string)
	addr, _ := params[1].(string)

	from, err := c.checkFrom(ctx, rc, addr)
	if err != nil {
		return nil, err
	}

	data := []byte(msg)
	if decoded, err := hexutil.Decode(msg); err == nil {
		data = decoded
	}

	sig, err := c.Signer.SignPersonalMessage(ctx, from, data)
	if err != nil {
		return nil, c.signerError(err)
	}
	return hexutil.Encode(sig), nil
}

// EthSignTypedData signs EIP-712 data for the v3/v4 style methods
func (c *Controller) EthSignTypedData(ctx context.Context, rc *RequestContext, _ *ApprovalResult) (any, error) {
	params := rc.Request.Params
	if len(params) < 2 {
		return nil, apperrors.InvalidParams("typed data signing expects an address and the data")
	}

	addrParam, dataParam := params[0], params[1]
	if s, ok := addrParam.(string); !ok || !common.IsHexAddress(s) {
		addrParam, dataParam = dataParam, addrParam
	}
	addr, _ := addrParam.(string)

	from, err := c.checkFrom(ctx, rc, addr)
	if err != nil {
		return nil, err
	}

	var raw []byte
	switch v := dataParam.(type) {
	case string:
		raw = []byte(v)
	default:
		if raw, err = json.Marshal(v); err != nil {
			return nil, apperrors.InvalidParams("malformed typed data")
		}
	}
	var typed apitypes.TypedData
	if err := json.Unmarshal(raw, &typed); err != nil || typed.PrimaryType == "" {
		return nil, apperrors.InvalidParams("typed data must be an EIP-712 object")
	}

	sig, err := c.Signer.SignTypedData(ctx, from, typed)
	if err != nil {
		return nil, c.signerError(err)
	}
	return hexutil.Encode(sig), nil
}

// EthSendTransaction signs the approved transaction and broadcasts it
func (c *Controller) EthSendTransaction(ctx context.Context, rc *RequestContext, approval *ApprovalResult) (any, error) {
	var (
		tx          *types.TxParams
		signingTxID string
		err         error
	)
	if approval != nil && approval.Tx != nil {
		tx = approval.Tx
		signingTxID = approval.SigningTxID
	} else if tx, err = txParamsFromRequest(rc.Request.Params); err != nil {
		return nil, err
	}

	chainID := tx.ChainID
	if chainID == 0 {
		chainID = c.siteChainID(ctx, rc.Origin())
	}
	from, err := c.checkFrom(ctx, rc, tx.From)
	if err != nil {
		return nil, err
	}

	if err := c.fillTransaction(ctx, chainID, from, tx); err != nil {
		return nil, c.failSigning(ctx, signingTxID, apperrors.Internal(err))
	}
	unsigned, err := buildTransaction(tx, new(big.Int).SetUint64(chainID))
	if err != nil {
		return nil, c.failSigning(ctx, signingTxID, apperrors.InvalidParams(err.Error()))
	}

	signed, err := c.Signer.SignTransaction(ctx, from, unsigned, new(big.Int).SetUint64(chainID))
	rc.RecordSigned(chainID, err == nil)
	if err != nil {
		return nil, c.failSigning(ctx, signingTxID, c.signerError(err))
	}

	err = c.Backend.SendTransaction(ctx, chainID, signed)
	rc.RecordSubmitted(chainID, err == nil)
	if err != nil {
		return nil, c.failSigning(ctx, signingTxID, relayError(err))
	}

	hash := signed.Hash().Hex()
	if signingTxID != "" && c.SigningTxs != nil {
		if err := c.SigningTxs.MarkSubmitted(ctx, signingTxID, hash); err != nil {
			logger.Warn(ctx, "failed to mark signing transaction submitted", "signing_tx_id", signingTxID, "error", err)
		}
	}
	logger.Info(ctx, "transaction submitted", "chain_id", chainID, "tx_hash", hash)
	return hash, nil
}

// fillTransaction completes nonce, gas and fee fields the dapp left out
func (c *Controller) fillTransaction(ctx context.Context, chainID uint64, from common.Address, tx *types.TxParams) error {
	tx.ChainID = chainID
	if tx.Nonce == "" {
		nonce, err := c.Backend.PendingNonce(ctx, chainID, from)
		if err != nil {
			return fmt.Errorf("pending nonce: %w", err)
		}
		tx.Nonce = hexutil.EncodeUint64(nonce)
	}
	if tx.Gas == "" {
		gas, err := c.Backend.EstimateGas(ctx, chainID, tx)
		if err != nil {
			return fmt.Errorf("estimate gas: %w", err)
		}
		tx.Gas = hexutil.EncodeUint64(gas)
	}
	if tx.GasPrice == "" && !tx.IsEIP1559() {
		price, err := c.Backend.SuggestGasPrice(ctx, chainID)
		if err != nil {
			return fmt.Errorf("suggest gas price: %w", err)
		}
		tx.GasPrice = types.EncodeQuantity(price)
	}
	if tx.IsEIP1559() && tx.MaxPriorityFeePerGas == "" {
		tip, err := c.Backend.SuggestGasTipCap(ctx, chainID)
		if err != nil {
			return fmt.Errorf("suggest tip cap: %w", err)
		}
		tx.MaxPriorityFeePerGas = types.EncodeQuantity(tip)
	}
	return nil
}

// signerError reports a keyring locked mid-request to the popup so it can
// prompt for the password again
func (c *Controller) signerError(err error) error {
	if !c.Keyring.IsUnlocked() {
		return &UIEventError{
			Method:  UIEventWalletLocked,
			Message: walletLockedMessage,
			Err:     apperrors.Unauthorized(walletLockedMessage),
		}
	}
	return apperrors.Internal(err)
}

func (c *Controller) failSigning(ctx context.Context, signingTxID string, err error) error {
	if signingTxID != "" && c.SigningTxs != nil {
		if markErr := c.SigningTxs.MarkFailed(ctx, signingTxID, apperrors.ToRPCError(err).Message); markErr != nil {
			logger.Warn(ctx, "failed to mark signing transaction failed", "signing_tx_id", signingTxID, "error", markErr)
		}
	}
	return err
}
