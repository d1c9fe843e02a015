// Package sidecar is the automation channel: a websocket hub that receives
// wallet events and answers pending confirmations on behalf of the user.
package sidecar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/crypto/bcrypt"

	"github.com/better-wallet/dapp-provider/internal/logger"
	"github.com/better-wallet/dapp-provider/internal/provider"
	apperrors "github.com/better-wallet/dapp-provider/pkg/errors"
)

// Inbound frame types
const (
	FrameApprovalResponse = "approval_response"
	FramePing             = "ping"
)

// EventHello is sent to a sidecar right after it attaches
const EventHello = "wallet_hello"

const writeTimeout = 5 * time.Second

var ErrDuplicatePending = errors.New("pending approval already registered")

// Frame is a message sent by the sidecar
type Frame struct {
	Type     string          `json:"type"`
	ID       string          `json:"id,omitempty"`
	Approved bool            `json:"approved,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

// Config for the hub
type Config struct {
	// TokenHash is the bcrypt hash of the sidecar token; empty disables auth
	TokenHash      string
	AllowedOrigins []string
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, payload)
}

// Hub implements provider.Sidecar
type Hub struct {
	cfg Config

	clientsMu sync.RWMutex
	clients   map[*client]struct{}

	pendingMu sync.Mutex
	pending   map[string]chan provider.PendingOutcome
}

// NewHub creates a hub with no attached sidecar
func NewHub(cfg Config) *Hub {
	return &Hub{
		cfg:     cfg,
		clients: make(map[*client]struct{}),
		pending: make(map[string]chan provider.PendingOutcome),
	}
}

// IsAttached reports whether at least one sidecar is connected
func (h *Hub) IsAttached() bool {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients) > 0
}

// Broadcast sends event to every attached sidecar. A failing client does not
// stop delivery to the others.
func (h *Hub) Broadcast(ctx context.Context, event provider.SidecarEvent) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	h.clientsMu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clientsMu.RUnlock()

	for _, c := range clients {
		if err := c.write(context.WithoutCancel(ctx), event); err != nil {
			logger.Warn(ctx, "sidecar broadcast failed", "type", event.Type, "error", err)
		}
	}
}

// RegisterPendingApproval opens a slot the sidecar can settle by id
func (h *Hub) RegisterPendingApproval(id string) (<-chan provider.PendingOutcome, error) {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	if _, ok := h.pending[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePending, id)
	}
	ch := make(chan provider.PendingOutcome, 1)
	h.pending[id] = ch
	return ch, nil
}

func (h *Hub) HasPendingApproval(id string) bool {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	_, ok := h.pending[id]
	return ok
}

// ResolvePending settles id with value; false when id is not pending
func (h *Hub) ResolvePending(id string, value json.RawMessage) bool {
	return h.settle(id, provider.PendingOutcome{Value: value})
}

// RejectPending settles id with err; false when id is not pending
func (h *Hub) RejectPending(id string, err error) bool {
	return h.settle(id, provider.PendingOutcome{Err: err})
}

// RemovePendingApproval drops id without settling it
func (h *Hub) RemovePendingApproval(id string) {
	h.pendingMu.Lock()
	delete(h.pending, id)
	h.pendingMu.Unlock()
}

func (h *Hub) settle(id string, out provider.PendingOutcome) bool {
	h.pendingMu.Lock()
	ch, ok := h.pending[id]
	delete(h.pending, id)
	h.pendingMu.Unlock()
	if !ok {
		return false
	}
	ch <- out
	return true
}

func (h *Hub) pendingIDs() []string {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	ids := make([]string, 0, len(h.pending))
	for id := range h.pending {
		ids = append(ids, id)
	}
	return ids
}

// ServeHTTP upgrades an authenticated sidecar to a websocket
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.authorize(r) {
		logger.Warn(ctx, "sidecar rejected", "remote_addr", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.AllowedOrigins,
	})
	if err != nil {
		logger.Warn(ctx, "sidecar upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn}
	h.add(c)
	logger.Info(ctx, "sidecar attached")
	defer func() {
		h.remove(c)
		logger.Info(ctx, "sidecar detached")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	hello := provider.SidecarEvent{
		Type:      EventHello,
		Data:      map[string]any{"pending": h.pendingIDs()},
		Timestamp: time.Now().UnixMilli(),
	}
	if err := c.write(ctx, hello); err != nil {
		logger.Warn(ctx, "sidecar hello failed", "error", err)
		return
	}

	for {
		var frame Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				logger.Warn(ctx, "sidecar read failed", "error", err)
			}
			return
		}
		h.handleFrame(ctx, c, frame)
	}
}

func (h *Hub) handleFrame(ctx context.Context, c *client, frame Frame) {
	switch frame.Type {
	case FrameApprovalResponse:
		var settled bool
		if frame.Approved {
			settled = h.ResolvePending(frame.ID, frame.Result)
		} else {
			settled = h.RejectPending(frame.ID, apperrors.UserRejected(frame.Reason))
		}
		if !settled {
			logger.Warn(ctx, "sidecar answered unknown approval", "approval_id", frame.ID)
			return
		}
		logger.Info(ctx, "sidecar settled approval", "approval_id", frame.ID, "approved", frame.Approved)
	case FramePing:
		if err := c.write(ctx, provider.SidecarEvent{Type: "pong", Timestamp: time.Now().UnixMilli()}); err != nil {
			logger.Warn(ctx, "sidecar pong failed", "error", err)
		}
	default:
		logger.Debug(ctx, "sidecar frame ignored", "type", frame.Type)
	}
}

// authorize checks the bearer token, or the token query parameter for
// clients that cannot set headers on a websocket handshake
func (h *Hub) authorize(r *http.Request) bool {
	if h.cfg.TokenHash == "" {
		return true
	}
	token := ""
	if authz := strings.TrimSpace(r.Header.Get("Authorization")); strings.HasPrefix(authz, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(h.cfg.TokenHash), []byte(token)) == nil
}

func (h *Hub) add(c *client) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) remove(c *client) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	delete(h.clients, c)
}
