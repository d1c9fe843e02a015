package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/better-wallet/dapp-provider/internal/logger"
	"github.com/better-wallet/dapp-provider/internal/provider"
	apperrors "github.com/better-wallet/dapp-provider/pkg/errors"
)

// JSON-RPC 2.0 transport codes
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
)

// JSONRPCRequest is a dapp request as posted by the content script. Params
// may be a positional array or a single by-name object.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Params  json.RawMessage `json:"params"`
	provider.Request
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string              `json:"jsonrpc"`
	Result  json.RawMessage     `json:"result,omitempty"`
	Error   *apperrors.RPCError `json:"error,omitempty"`
	ID      json.RawMessage     `json:"id"`
}

// handleRPC runs one dapp request through the pipeline. The call stays open
// while the request waits on the popup or the sidecar.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var rpcReq JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&rpcReq); err != nil {
		writeRPCError(w, nil, apperrors.New("", codeParseError, "Parse error"))
		return
	}

	if rpcReq.JSONRPC != "" && rpcReq.JSONRPC != "2.0" {
		writeRPCError(w, rpcReq.ID, apperrors.New("", codeInvalidRequest, "Invalid Request: jsonrpc must be 2.0"))
		return
	}
	if rpcReq.Method == "" {
		writeRPCError(w, rpcReq.ID, apperrors.New("", codeInvalidRequest, "Invalid Request: method is required"))
		return
	}
	if rpcReq.Session.Origin == "" {
		writeRPCError(w, rpcReq.ID, apperrors.InvalidParams("session origin is required"))
		return
	}

	params, err := decodeParams(rpcReq.Params)
	if err != nil {
		writeRPCError(w, rpcReq.ID, apperrors.InvalidParams(err.Error()))
		return
	}

	req := rpcReq.Request
	req.Params = params

	ctx := logger.WithOrigin(r.Context(), req.Session.Origin)
	start := time.Now()
	result, err := s.deps.Pipeline.Run(ctx, &req)
	s.observe(req.Method, err, time.Since(start))

	if err != nil {
		rpcErr := apperrors.ToRPCError(err)
		logger.Info(ctx, "dapp request failed", "method", req.Method, "kind", rpcErr.Kind, "code", rpcErr.Code)
		writeRPCError(w, req.ID, rpcErr)
		return
	}
	writeRPCResult(w, req.ID, result)
}

func (s *Server) observe(method string, err error, elapsed time.Duration) {
	if s.deps.Observer == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if rpcErr, ok := apperrors.AsRPCError(err); ok && rpcErr.Kind != "" {
			outcome = rpcErr.Kind
		}
	}
	s.deps.Observer.ObserveRequest(method, outcome, elapsed)
}

// decodeParams accepts absent params, an array, or a single object
func decodeParams(raw json.RawMessage) ([]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	switch trimmed[0] {
	case '[':
		var params []any
		if err := json.Unmarshal(trimmed, &params); err != nil {
			return nil, err
		}
		return params, nil
	case '{':
		var obj map[string]any
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, err
		}
		return []any{obj}, nil
	default:
		return nil, errors.New("params must be an array or an object")
	}
}

// writeRPCResult always emits a result member, null included
func writeRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		writeRPCError(w, id, apperrors.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  raw,
		ID:      normalizeID(id),
	})
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, rpcErr *apperrors.RPCError) {
	writeJSON(w, http.StatusOK, JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   rpcErr,
		ID:      normalizeID(id),
	})
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
