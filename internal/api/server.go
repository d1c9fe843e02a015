package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/better-wallet/dapp-provider/internal/approval"
	"github.com/better-wallet/dapp-provider/internal/config"
	"github.com/better-wallet/dapp-provider/internal/logger"
	"github.com/better-wallet/dapp-provider/internal/middleware"
	"github.com/better-wallet/dapp-provider/internal/provider"
	"github.com/better-wallet/dapp-provider/pkg/types"
)

// Pipeline runs one dapp request through the provider flow
type Pipeline interface {
	Run(ctx context.Context, req *provider.Request) (any, error)
}

// Approvals is the popup side of the approval gateway
type Approvals interface {
	List() []approval.Pending
	Resolve(ctx context.Context, id string, result *provider.ApprovalResult) error
	Reject(ctx context.Context, id, reason string) error
	ResolveUnlock(ctx context.Context) int
	Retry(ctx context.Context) (any, error)
	SetRetryType(t provider.RetryType) error
	SignComponentMounted()
	Subscribe() (<-chan approval.UIEvent, func())
}

// WalletLock unlocks and locks the keyring
type WalletLock interface {
	IsUnlocked() bool
	Unlock(ctx context.Context, password string) error
	Lock(ctx context.Context)
}

// AccountManager manages the keyring accounts from the popup
type AccountManager interface {
	VisibleAccounts(ctx context.Context) ([]types.Account, error)
	CurrentAccount(ctx context.Context) (*types.Account, error)
	SetCurrentAccount(ctx context.Context, address string) (*types.Account, error)
	ImportPrivateKey(ctx context.Context, hexKey string) (*types.Account, error)
	AddWatchAddress(ctx context.Context, address string) (*types.Account, error)
}

// RequestObserver records per-request metrics
type RequestObserver interface {
	ObserveRequest(method, outcome string, elapsed time.Duration)
}

// Pinger reports storage health
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators behind the HTTP surface
type Deps struct {
	Pipeline  Pipeline
	Approvals Approvals
	Wallet    WalletLock
	Accounts  AccountManager
	Observer  RequestObserver
	Store     Pinger

	// Sidecar serves the automation websocket
	Sidecar http.Handler
	// DappEvents serves provider events to dapp pages
	DappEvents http.Handler
	// Metrics serves the Prometheus registry
	Metrics http.Handler
}

// Server represents the HTTP server
type Server struct {
	config      *config.Config
	deps        Deps
	rateLimiter *middleware.RateLimiter
	httpServer  *http.Server
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, deps Deps) *Server {
	return &Server{
		config:      cfg,
		deps:        deps,
		rateLimiter: middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, cfg.RateLimitEnabled),
	}
}

// Handler builds the routed handler with the middleware chain applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}

	// Dapp surface, rate limited per origin
	mux.Handle("POST /v1/rpc", s.rateLimiter.Limit(middleware.LimitBody(http.HandlerFunc(s.handleRPC))))
	if s.deps.DappEvents != nil {
		mux.Handle("GET /v1/dapp/events", s.deps.DappEvents)
	}

	// Automation sidecar; the hub authenticates the upgrade itself
	if s.deps.Sidecar != nil {
		mux.Handle("GET /v1/sidecar", s.deps.Sidecar)
	}

	// Popup UI
	mux.HandleFunc("GET /v1/ui/approvals", s.handleListApprovals)
	mux.HandleFunc("POST /v1/ui/approvals/{id}/resolve", s.handleResolveApproval)
	mux.HandleFunc("POST /v1/ui/approvals/{id}/reject", s.handleRejectApproval)
	mux.HandleFunc("POST /v1/ui/unlock", s.handleUnlock)
	mux.HandleFunc("POST /v1/ui/lock", s.handleLock)
	mux.HandleFunc("POST /v1/ui/retry", s.handleRetry)
	mux.HandleFunc("PUT /v1/ui/retry-type", s.handleRetryType)
	mux.HandleFunc("POST /v1/ui/sign-mounted", s.handleSignMounted)
	mux.HandleFunc("GET /v1/ui/events", s.handleUIEvents)
	if s.deps.Accounts != nil {
		mux.HandleFunc("GET /v1/ui/accounts", s.handleListAccounts)
		mux.HandleFunc("PUT /v1/ui/accounts/current", s.handleSetCurrentAccount)
		mux.HandleFunc("POST /v1/ui/accounts/import", s.handleImportAccount)
		mux.HandleFunc("POST /v1/ui/accounts/watch", s.handleWatchAccount)
	}

	// Chain: RequestID -> OriginContext -> Logging -> Routes
	return middleware.RequestID(middleware.OriginContext(middleware.Logging(mux)))
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		// No WriteTimeout: /v1/rpc blocks for as long as an approval is open
		IdleTimeout: 60 * time.Second,
	}

	logger.Info(context.Background(), "starting server", "port", s.config.Port)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.rateLimiter.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			logger.Error(r.Context(), "health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"unlocked": s.deps.Wallet != nil && s.deps.Wallet.IsUnlocked(),
	})
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}
