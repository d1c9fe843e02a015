// Package approval implements the popup approval gateway. Requests that need
// the user park here until the popup resolves or rejects them through the UI
// endpoints.
package approval

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/better-wallet/dapp-provider/internal/logger"
	"github.com/better-wallet/dapp-provider/internal/provider"
	apperrors "github.com/better-wallet/dapp-provider/pkg/errors"
)

// Popup event names
const (
	UIEventApprovalRequested = "approvalRequested"
	UIEventApprovalSettled   = "approvalSettled"
)

const uiEventBuffer = 16

var (
	ErrNotFound   = errors.New("approval not found or already settled")
	ErrNoRetry    = errors.New("no request to retry")
	ErrRetryType  = errors.New("retry type must be nonce or gasPrice")
	ErrNotMounted = errors.New("sign component did not mount in time")
)

// Pending is a parked approval as the popup sees it
type Pending struct {
	ID        string                    `json:"id"`
	Request   *provider.ApprovalRequest `json:"request"`
	Height    int                       `json:"height,omitempty"`
	CreatedAt time.Time                 `json:"createdAt"`
}

// UIEvent is pushed to popup subscribers
type UIEvent struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type outcome struct {
	result *provider.ApprovalResult
	err    error
}

type pendingApproval struct {
	Pending
	resultCh chan outcome
}

type retrySlot struct {
	requestID string
	origin    string
	fn        provider.DeferredRequest
}

// Manager implements provider.ApprovalGateway
type Manager struct {
	mu      sync.Mutex
	pending map[string]*pendingApproval
	busy    bool

	retry     *retrySlot
	retryType provider.RetryType

	mountTimeout time.Duration
	mounted      bool
	mountedCh    chan struct{}

	subs   map[int]chan UIEvent
	nextID int
}

// NewManager creates a manager. mountTimeout bounds WaitSignComponentMounted.
func NewManager(mountTimeout time.Duration) *Manager {
	return &Manager{
		pending:      make(map[string]*pendingApproval),
		retryType:    provider.RetryNonce,
		mountTimeout: mountTimeout,
		mountedCh:    make(chan struct{}),
		subs:         make(map[int]chan UIEvent),
	}
}

// RequestApproval parks req until the popup settles it or ctx ends
func (m *Manager) RequestApproval(ctx context.Context, req *provider.ApprovalRequest, opts provider.ApprovalOptions) (*provider.ApprovalResult, error) {
	id, err := provider.NewApprovalID()
	if err != nil {
		return nil, apperrors.Internal(err)
	}

	p := &pendingApproval{
		Pending: Pending{
			ID:        id,
			Request:   req,
			Height:    opts.Height,
			CreatedAt: time.Now(),
		},
		resultCh: make(chan outcome, 1),
	}

	m.mu.Lock()
	m.pending[id] = p
	m.busy = true
	m.mu.Unlock()

	logger.Info(ctx, "approval requested", "approval_id", id, "component", req.Component, "type", req.Type)
	m.EmitUIEvent(ctx, UIEventApprovalRequested, p.Pending)

	select {
	case out := <-p.resultCh:
		return out.result, out.err
	case <-ctx.Done():
		m.remove(id)
		return nil, ctx.Err()
	}
}

// Unlock parks an unlock prompt; the UI settles it after the keyring accepted the password
func (m *Manager) Unlock(ctx context.Context) error {
	_, err := m.RequestApproval(ctx, &provider.ApprovalRequest{
		Component: string(provider.ApprovalUnlock),
		Type:      provider.ApprovalUnlock,
	}, provider.ApprovalOptions{})
	return err
}

// Resolve settles the approval id with result
func (m *Manager) Resolve(ctx context.Context, id string, result *provider.ApprovalResult) error {
	if result == nil {
		result = &provider.ApprovalResult{}
	}
	return m.settle(ctx, id, outcome{result: result})
}

// Reject settles the approval id as declined by the user
func (m *Manager) Reject(ctx context.Context, id, reason string) error {
	return m.settle(ctx, id, outcome{err: apperrors.UserRejected(reason)})
}

// ResolveUnlock settles every parked unlock prompt and returns how many there were
func (m *Manager) ResolveUnlock(ctx context.Context) int {
	m.mu.Lock()
	var ids []string
	for id, p := range m.pending {
		if p.Request != nil && p.Request.Type == provider.ApprovalUnlock {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	n := 0
	for _, id := range ids {
		if m.settle(ctx, id, outcome{result: &provider.ApprovalResult{}}) == nil {
			n++
		}
	}
	return n
}

func (m *Manager) settle(ctx context.Context, id string, out outcome) error {
	p := m.remove(id)
	if p == nil {
		return ErrNotFound
	}
	p.resultCh <- out

	logger.Info(ctx, "approval settled", "approval_id", id, "approved", out.err == nil)
	m.EmitUIEvent(ctx, UIEventApprovalSettled, map[string]any{"id": id, "approved": out.err == nil})
	return nil
}

func (m *Manager) remove(id string) *pendingApproval {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[id]
	if !ok {
		return nil
	}
	delete(m.pending, id)
	return p
}

// List returns parked approvals, unshifted ones first, then oldest first
func (m *Manager) List() []Pending {
	m.mu.Lock()
	out := make([]Pending, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p.Pending)
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b Pending) int {
		au, bu := a.Request != nil && a.Request.IsUnshift, b.Request != nil && b.Request.IsUnshift
		if au != bu {
			if au {
				return -1
			}
			return 1
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

// IsBusy reports whether a popup flow holds the modal
func (m *Manager) IsBusy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busy
}

// ReleaseBusy frees the modal and forgets the sign component mount
func (m *Manager) ReleaseBusy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy = false
	if m.mounted {
		m.mounted = false
		m.mountedCh = make(chan struct{})
	}
}

// SetDeferredRetry replaces the retry slot. The last caller wins.
func (m *Manager) SetDeferredRetry(rc *provider.RequestContext, fn provider.DeferredRequest) {
	m.mu.Lock()
	m.retry = &retrySlot{requestID: rc.ID, origin: rc.Origin(), fn: fn}
	m.mu.Unlock()
}

// Retry re-enters the current retry slot with the retry adjustment applied
func (m *Manager) Retry(ctx context.Context) (any, error) {
	m.mu.Lock()
	slot := m.retry
	m.mu.Unlock()
	if slot == nil {
		return nil, ErrNoRetry
	}
	logger.Info(ctx, "retrying request", "request_id", slot.requestID, "origin", slot.origin, "retry_type", m.RetryType())
	return slot.fn(ctx, true)
}

// SetRetryType selects how the next retry adjusts the transaction
func (m *Manager) SetRetryType(t provider.RetryType) error {
	if t != provider.RetryNonce && t != provider.RetryGasPrice {
		return ErrRetryType
	}
	m.mu.Lock()
	m.retryType = t
	m.mu.Unlock()
	return nil
}

func (m *Manager) RetryType() provider.RetryType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryType
}

// SignComponentMounted is called by the popup once the sign view is ready
func (m *Manager) SignComponentMounted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.mounted {
		m.mounted = true
		close(m.mountedCh)
	}
}

// WaitSignComponentMounted returns once the sign view is ready, at most mountTimeout later
func (m *Manager) WaitSignComponentMounted(ctx context.Context) error {
	m.mu.Lock()
	ch := m.mountedCh
	m.mu.Unlock()

	if m.mountTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.mountTimeout)
		defer cancel()
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrNotMounted
		}
		return ctx.Err()
	}
}

// Subscribe registers a popup listener; cancel must be called when done
func (m *Manager) Subscribe() (<-chan UIEvent, func()) {
	ch := make(chan UIEvent, uiEventBuffer)
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

// EmitUIEvent pushes an event to every popup listener. Slow listeners drop events.
func (m *Manager) EmitUIEvent(ctx context.Context, method string, params any) {
	ev := UIEvent{Method: method, Params: params}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			logger.Warn(ctx, "popup listener too slow, event dropped", "listener", id, "method", method)
		}
	}
}
