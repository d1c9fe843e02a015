package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/better-wallet/dapp-provider/internal/approval"
	"github.com/better-wallet/dapp-provider/internal/keyring"
	"github.com/better-wallet/dapp-provider/internal/logger"
	"github.com/better-wallet/dapp-provider/internal/middleware"
	"github.com/better-wallet/dapp-provider/internal/provider"
	apperrors "github.com/better-wallet/dapp-provider/pkg/errors"
)

const uiWriteTimeout = 5 * time.Second

type rejectRequest struct {
	Reason string `json:"reason"`
}

type unlockRequest struct {
	Password string `json:"password"`
}

type retryTypeRequest struct {
	RetryType string `json:"retryType"`
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"approvals": s.deps.Approvals.List()})
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	v := middleware.NewValidator()
	v.UUID("id", id)
	if v.HasErrors() {
		middleware.WriteValidationError(w, v.Errors())
		return
	}

	result := &provider.ApprovalResult{}
	if err := middleware.DecodeJSON(r, result); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if result.Account != nil {
		v.EthereumAddress("account.address", result.Account.Address)
		if v.HasErrors() {
			middleware.WriteValidationError(w, v.Errors())
			return
		}
	}

	if err := s.deps.Approvals.Resolve(r.Context(), id, result); err != nil {
		s.writeApprovalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (s *Server) handleRejectApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	v := middleware.NewValidator()
	v.UUID("id", id)
	if v.HasErrors() {
		middleware.WriteValidationError(w, v.Errors())
		return
	}

	var req rejectRequest
	if err := middleware.DecodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	if err := s.deps.Approvals.Reject(r.Context(), id, req.Reason); err != nil {
		s.writeApprovalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (s *Server) writeApprovalError(w http.ResponseWriter, err error) {
	if errors.Is(err, approval.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
}

// handleUnlock unlocks the keyring and then releases every request parked on
// an unlock prompt
func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var req unlockRequest
	if err := middleware.DecodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	v := middleware.NewValidator()
	v.Required("password", req.Password)
	if v.HasErrors() {
		middleware.WriteValidationError(w, v.Errors())
		return
	}

	if err := s.deps.Wallet.Unlock(r.Context(), req.Password); err != nil {
		if errors.Is(err, keyring.ErrBadPassword) {
			writeError(w, http.StatusUnauthorized, "BAD_PASSWORD", "incorrect password")
			return
		}
		logger.Error(r.Context(), "unlock failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to unlock keyring")
		return
	}

	resolved := s.deps.Approvals.ResolveUnlock(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"unlocked": true, "resolved": resolved})
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	s.deps.Wallet.Lock(r.Context())
	writeJSON(w, http.StatusOK, map[string]bool{"unlocked": false})
}

// handleRetry re-runs the current retry slot. The response carries the
// handler result in the JSON-RPC shape the popup already understands.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Approvals.Retry(r.Context())
	if errors.Is(err, approval.ErrNoRetry) {
		writeError(w, http.StatusConflict, "NO_RETRY", err.Error())
		return
	}
	if err != nil {
		writeRPCError(w, nil, apperrors.ToRPCError(err))
		return
	}
	writeRPCResult(w, nil, result)
}

func (s *Server) handleRetryType(w http.ResponseWriter, r *http.Request) {
	var req retryTypeRequest
	if err := middleware.DecodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	v := middleware.NewValidator()
	v.OneOf("retryType", req.RetryType, []string{string(provider.RetryNonce), string(provider.RetryGasPrice)})
	if v.HasErrors() {
		middleware.WriteValidationError(w, v.Errors())
		return
	}

	if err := s.deps.Approvals.SetRetryType(provider.RetryType(req.RetryType)); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"retryType": req.RetryType})
}

func (s *Server) handleSignMounted(w http.ResponseWriter, r *http.Request) {
	s.deps.Approvals.SignComponentMounted()
	w.WriteHeader(http.StatusNoContent)
}

// handleUIEvents streams popup events over a websocket until either side closes
func (s *Server) handleUIEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.config.SidecarAllowedOrigins,
	})
	if err != nil {
		logger.Warn(r.Context(), "popup event upgrade failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	events, cancel := s.deps.Approvals.Subscribe()
	defer cancel()

	// CloseRead handles control frames and cancels ctx once the popup goes away
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeUIEvent(ctx, conn, ev); err != nil {
				logger.Debug(ctx, "popup event write failed", "method", ev.Method, "error", err)
				return
			}
		}
	}
}

func writeUIEvent(ctx context.Context, conn *websocket.Conn, ev approval.UIEvent) error {
	ctx, cancel := context.WithTimeout(ctx, uiWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
