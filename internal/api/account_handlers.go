package api

import (
	"errors"
	"net/http"

	"github.com/better-wallet/dapp-provider/internal/keyring"
	"github.com/better-wallet/dapp-provider/internal/logger"
	"github.com/better-wallet/dapp-provider/internal/middleware"
)

type accountRequest struct {
	Address string `json:"address"`
}

type importRequest struct {
	PrivateKey string `json:"privateKey"`
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.deps.Accounts.VisibleAccounts(r.Context())
	if err != nil {
		logger.Error(r.Context(), "failed to list accounts", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to list accounts")
		return
	}
	current, err := s.deps.Accounts.CurrentAccount(r.Context())
	if err != nil {
		logger.Error(r.Context(), "failed to load current account", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to list accounts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts, "current": current})
}

func (s *Server) handleSetCurrentAccount(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := middleware.DecodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	v := middleware.NewValidator()
	v.Required("address", req.Address)
	v.EthereumAddress("address", req.Address)
	if v.HasErrors() {
		middleware.WriteValidationError(w, v.Errors())
		return
	}

	acc, err := s.deps.Accounts.SetCurrentAccount(r.Context(), req.Address)
	if err != nil {
		s.writeAccountError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (s *Server) handleImportAccount(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := middleware.DecodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	v := middleware.NewValidator()
	v.Required("privateKey", req.PrivateKey)
	if v.HasErrors() {
		middleware.WriteValidationError(w, v.Errors())
		return
	}

	acc, err := s.deps.Accounts.ImportPrivateKey(r.Context(), req.PrivateKey)
	if err != nil {
		s.writeAccountError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

func (s *Server) handleWatchAccount(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := middleware.DecodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	v := middleware.NewValidator()
	v.Required("address", req.Address)
	v.EthereumAddress("address", req.Address)
	if v.HasErrors() {
		middleware.WriteValidationError(w, v.Errors())
		return
	}

	acc, err := s.deps.Accounts.AddWatchAddress(r.Context(), req.Address)
	if err != nil {
		s.writeAccountError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

func (s *Server) writeAccountError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, keyring.ErrAccountExists):
		writeError(w, http.StatusConflict, "ACCOUNT_EXISTS", err.Error())
	case errors.Is(err, keyring.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	default:
		logger.Error(r.Context(), "account operation failed", "error", err)
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
	}
}
