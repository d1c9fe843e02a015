package provider

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/better-wallet/dapp-provider/pkg/types"
)

const (
	testOrigin  = "https://app.example.org"
	testAddress = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	testTo      = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
)

type fakeKeyring struct {
	mu       sync.Mutex
	unlocked bool
	accounts []types.Account
}

func (k *fakeKeyring) IsUnlocked() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.unlocked
}

func (k *fakeKeyring) setUnlocked(v bool) {
	k.mu.Lock()
	k.unlocked = v
	k.mu.Unlock()
}

func (k *fakeKeyring) VisibleAccounts(context.Context) ([]types.Account, error) {
	return k.accounts, nil
}

func (k *fakeKeyring) CurrentAccount(context.Context) (*types.Account, error) {
	if len(k.accounts) == 0 {
		return nil, nil
	}
	acc := k.accounts[0]
	return &acc, nil
}

type fakeSigner struct {
	personal [][]byte
	typed    []apitypes.TypedData
	txs      []*ethtypes.Transaction
	err      error
}

func (s *fakeSigner) SignPersonalMessage(_ context.Context, _ common.Address, msg []byte) ([]byte, error) {
	s.personal = append(s.personal, msg)
	return []byte{0xde, 0xad}, s.err
}

func (s *fakeSigner) SignTypedData(_ context.Context, _ common.Address, data apitypes.TypedData) ([]byte, error) {
	s.typed = append(s.typed, data)
	return []byte{0xbe, 0xef}, s.err
}

func (s *fakeSigner) SignTransaction(_ context.Context, _ common.Address, tx *ethtypes.Transaction, _ *big.Int) (*ethtypes.Transaction, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.txs = append(s.txs, tx)
	return tx, nil
}

type fakeSites struct {
	mu      sync.Mutex
	sites   map[string]*types.ConnectedSite
	touched int
	updates []types.SitePatch
}

func newFakeSites(sites ...*types.ConnectedSite) *fakeSites {
	f := &fakeSites{sites: make(map[string]*types.ConnectedSite)}
	for _, s := range sites {
		f.sites[s.Origin] = s
	}
	return f
}

func (f *fakeSites) HasPermission(_ context.Context, origin string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sites[origin]
	return ok && s.IsConnected, nil
}

func (f *fakeSites) GetSite(_ context.Context, origin string) (*types.ConnectedSite, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sites[origin]
	if !ok {
		return nil, nil
	}
	c := *s
	return &c, nil
}

func (f *fakeSites) AddConnectedSite(_ context.Context, site *types.ConnectedSite) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *site
	f.sites[site.Origin] = &c
	return nil
}

func (f *fakeSites) UpdateConnectedSite(_ context.Context, origin string, patch types.SitePatch, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sites[origin]
	if !ok {
		return errors.New("connected site not found")
	}
	patch.Apply(s)
	f.updates = append(f.updates, patch)
	return nil
}

func (f *fakeSites) TouchConnectedSite(context.Context, string) error {
	f.mu.Lock()
	f.touched++
	f.mu.Unlock()
	return nil
}

func (f *fakeSites) RemoveConnectedSite(_ context.Context, origin string) error {
	f.mu.Lock()
	delete(f.sites, origin)
	f.mu.Unlock()
	return nil
}

func (f *fakeSites) chainOf(origin string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sites[origin]; ok {
		return s.ChainID
	}
	return 0
}

type fakeChains struct {
	mu         sync.Mutex
	known      map[uint64]*types.Chain
	remote     map[uint64]types.Chain
	registered []types.Chain
}

func newFakeChains(ids ...uint64) *fakeChains {
	f := &fakeChains{known: make(map[uint64]*types.Chain), remote: make(map[uint64]types.Chain)}
	for _, id := range ids {
		f.known[id] = &types.Chain{ID: id, Name: "chain", RPCURL: "https://rpc.example"}
	}
	return f
}

func (f *fakeChains) FindChain(_ context.Context, id uint64) (*types.Chain, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.known[id]
	return c, ok
}

func (f *fakeChains) FetchChainMetadata(_ context.Context, id uint64) ([]types.Chain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.remote[id]; ok {
		return []types.Chain{c}, nil
	}
	return nil, errors.New("chain not listed")
}

func (f *fakeChains) RegisterCustomChain(_ context.Context, chain types.Chain) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	chain.IsCustom = true
	f.known[chain.ID] = &chain
	f.registered = append(f.registered, chain)
	return nil
}

type fakeGateway struct {
	mu          sync.Mutex
	requests    []*ApprovalRequest
	results     []*ApprovalResult
	err         error
	unlockErr   error
	unlockCalls int
	onUnlock    func()
	block       chan struct{}
	retry       DeferredRequest
	retryType   RetryType
	released    int
	uiEvents    []string
	uiParams    []any
}

func (g *fakeGateway) RequestApproval(ctx context.Context, req *ApprovalRequest, _ ApprovalOptions) (*ApprovalResult, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	var res *ApprovalResult
	if len(g.results) > 0 {
		res = g.results[0]
		g.results = g.results[1:]
	}
	err := g.err
	block := g.block
	g.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &ApprovalResult{}
	}
	return res, nil
}

func (g *fakeGateway) Unlock(ctx context.Context) error {
	g.mu.Lock()
	g.unlockCalls++
	block := g.block
	g.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if g.onUnlock != nil && g.unlockErr == nil {
		g.onUnlock()
	}
	return g.unlockErr
}

func (g *fakeGateway) SetDeferredRetry(_ *RequestContext, fn DeferredRequest) {
	g.mu.Lock()
	g.retry = fn
	g.mu.Unlock()
}

func (g *fakeGateway) RetryType() RetryType {
	return g.retryType
}

func (g *fakeGateway) WaitSignComponentMounted(context.Context) error {
	return nil
}

func (g *fakeGateway) ReleaseBusy() {
	g.mu.Lock()
	g.released++
	g.mu.Unlock()
}

func (g *fakeGateway) EmitUIEvent(_ context.Context, method string, params any) {
	g.mu.Lock()
	g.uiEvents = append(g.uiEvents, method)
	g.uiParams = append(g.uiParams, params)
	g.mu.Unlock()
}

func (g *fakeGateway) releasedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.released
}

func (g *fakeGateway) requestCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

type fakeSidecar struct {
	mu       sync.Mutex
	attached bool
	events   []SidecarEvent
	pending  map[string]chan PendingOutcome
	onEvent  func(SidecarEvent)
}

func newFakeSidecar(attached bool) *fakeSidecar {
	return &fakeSidecar{attached: attached, pending: make(map[string]chan PendingOutcome)}
}

func (s *fakeSidecar) IsAttached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

func (s *fakeSidecar) Broadcast(_ context.Context, event SidecarEvent) {
	s.mu.Lock()
	s.events = append(s.events, event)
	hook := s.onEvent
	s.mu.Unlock()
	if hook != nil {
		hook(event)
	}
}

func (s *fakeSidecar) RegisterPendingApproval(id string) (<-chan PendingOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; ok {
		return nil, errors.New("duplicate approval id")
	}
	ch := make(chan PendingOutcome, 1)
	s.pending[id] = ch
	return ch, nil
}

func (s *fakeSidecar) HasPendingApproval(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[id]
	return ok
}

func (s *fakeSidecar) ResolvePending(id string, value json.RawMessage) bool {
	s.mu.Lock()
	ch, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if ok {
		ch <- PendingOutcome{Value: value}
	}
	return ok
}

func (s *fakeSidecar) RejectPending(id string, err error) bool {
	s.mu.Lock()
	ch, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if ok {
		ch <- PendingOutcome{Err: err}
	}
	return ok
}

func (s *fakeSidecar) RemovePendingApproval(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *fakeSidecar) eventTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

func (s *fakeSidecar) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

type fakePreExec struct {
	nonce   string
	gasUsed uint64
	fail    bool
	gas     *big.Int
}

func (p *fakePreExec) Simulate(context.Context, *types.TxParams) (*types.PreExecResult, error) {
	return &types.PreExecResult{Gas: types.GasResult{Success: !p.fail, GasUsed: p.gasUsed}}, nil
}

func (p *fakePreExec) RecommendNonce(context.Context, string, uint64) (string, error) {
	return p.nonce, nil
}

func (p *fakePreExec) RecommendGas(context.Context, uint64, *types.TxParams) (*big.Int, error) {
	if p.gas == nil {
		return big.NewInt(21000), nil
	}
	return p.gas, nil
}

type statsEvent struct {
	event   string
	payload map[string]any
}

type fakeStats struct {
	mu     sync.Mutex
	events []statsEvent
}

func (s *fakeStats) Report(_ context.Context, event string, payload map[string]any) {
	s.mu.Lock()
	s.events = append(s.events, statsEvent{event, payload})
	s.mu.Unlock()
}

type fakeWatcher struct {
	mu      sync.Mutex
	watched []*SafeMessage
	result  any
}

func (w *fakeWatcher) WatchMessage(_ context.Context, msg *SafeMessage) (any, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched = append(w.watched, msg)
	return w.result, nil
}

type notification struct {
	origin string
	event  string
	data   any
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *fakeNotifier) Notify(_ context.Context, origin, event string, data any) {
	n.mu.Lock()
	n.sent = append(n.sent, notification{origin, event, data})
	n.mu.Unlock()
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type fakeBackend struct {
	calls  []string
	sent   []*ethtypes.Transaction
	result json.RawMessage
	err    error
}

func (b *fakeBackend) Call(_ context.Context, _ uint64, method string, _ []any) (json.RawMessage, error) {
	b.calls = append(b.calls, method)
	return b.result, b.err
}

func (b *fakeBackend) PendingNonce(context.Context, uint64, common.Address) (uint64, error) {
	return 7, nil
}

func (b *fakeBackend) EstimateGas(context.Context, uint64, *types.TxParams) (uint64, error) {
	return 21000, nil
}

func (b *fakeBackend) SuggestGasPrice(context.Context, uint64) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (b *fakeBackend) SuggestGasTipCap(context.Context, uint64) (*big.Int, error) {
	return big.NewInt(1_000_000), nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, _ uint64, tx *ethtypes.Transaction) error {
	if b.err != nil {
		return b.err
	}
	b.sent = append(b.sent, tx)
	return nil
}

type fakeSigningTxs struct {
	mu     sync.Mutex
	status map[string]string
}

func newFakeSigningTxs() *fakeSigningTxs {
	return &fakeSigningTxs{status: make(map[string]string)}
}

func (f *fakeSigningTxs) Begin(_ context.Context, id, _ string, _ *types.TxParams) error {
	f.mu.Lock()
	f.status[id] = "signing"
	f.mu.Unlock()
	return nil
}

func (f *fakeSigningTxs) MarkSubmitted(_ context.Context, id, _ string) error {
	f.mu.Lock()
	f.status[id] = "submitted"
	f.mu.Unlock()
	return nil
}

func (f *fakeSigningTxs) MarkFailed(_ context.Context, id, reason string) error {
	f.mu.Lock()
	f.status[id] = "failed:" + reason
	f.mu.Unlock()
	return nil
}

func (f *fakeSigningTxs) only() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.status {
		return s
	}
	return ""
}

// harness wires a Flow and Controller over fakes
type harness struct {
	keyring  *fakeKeyring
	signer   *fakeSigner
	sites    *fakeSites
	chains   *fakeChains
	gateway  *fakeGateway
	sidecar  *fakeSidecar
	preexec  *fakePreExec
	stats    *fakeStats
	notifier *fakeNotifier
	backend  *fakeBackend
	txs      *fakeSigningTxs
	flow     *Flow
}

type harnessOption func(*harness, *Deps, *FlowConfig)

func withSidecar(attached bool) harnessOption {
	return func(h *harness, d *Deps, _ *FlowConfig) {
		h.sidecar = newFakeSidecar(attached)
		d.Sidecar = h.sidecar
	}
}

func withAllowlist(raw string) harnessOption {
	return func(_ *harness, d *Deps, _ *FlowConfig) {
		l, err := ParseAllowlist(raw)
		if err != nil {
			panic(err)
		}
		d.Allowlist = l
	}
}

func withConfig(fn func(*FlowConfig)) harnessOption {
	return func(_ *harness, _ *Deps, cfg *FlowConfig) {
		fn(cfg)
	}
}

func newHarness(opts ...harnessOption) *harness {
	h := &harness{
		keyring:  &fakeKeyring{unlocked: true, accounts: []types.Account{{Address: testAddress, Type: types.KeyringTypeSimple}}},
		signer:   &fakeSigner{},
		sites:    newFakeSites(),
		chains:   newFakeChains(1, 10, 137),
		gateway:  &fakeGateway{retryType: RetryNonce},
		preexec:  &fakePreExec{nonce: "0x5", gasUsed: 21000},
		stats:    &fakeStats{},
		notifier: &fakeNotifier{},
		backend:  &fakeBackend{},
		txs:      newFakeSigningTxs(),
	}
	deps := Deps{
		Keyring:     h.keyring,
		Permissions: h.sites,
		Chains:      h.chains,
		Gateway:     h.gateway,
		PreExec:     h.preexec,
		Stats:       h.stats,
		Notifier:    h.notifier,
		SigningTxs:  h.txs,
	}
	cfg := FlowConfig{DefaultChainID: 1}
	for _, opt := range opts {
		opt(h, &deps, &cfg)
	}

	ctrl := NewController(ControllerDeps{
		Keyring:     h.keyring,
		Signer:      h.signer,
		Permissions: h.sites,
		Chains:      h.chains,
		Backend:     h.backend,
		Notifier:    h.notifier,
		SigningTxs:  h.txs,
	}, cfg.DefaultChainID)
	h.flow = NewFlow(deps, NewDispatchTable(ctrl), cfg)
	return h
}

func (h *harness) connect(chainID uint64) {
	h.sites.sites[testOrigin] = &types.ConnectedSite{
		Origin:      testOrigin,
		ChainID:     chainID,
		IsConnected: true,
	}
}

func request(method string, params ...any) *Request {
	return &Request{
		Method:  method,
		Params:  params,
		Session: Session{Origin: testOrigin, Name: "Example"},
	}
}

func txObject(fields map[string]any) map[string]any {
	tx := map[string]any{
		"from":  strings.ToLower(testAddress),
		"to":    testTo,
		"value": "0x0",
	}
	for k, v := range fields {
		tx[k] = v
	}
	return tx
}
