package errors

import (
	"errors"
	"fmt"
)

// RPCError is a JSON-RPC shaped error surfaced to dapps.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Kind    string `json:"-"`
}

func (e *RPCError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Error kinds
const (
	KindMethodNotFound      = "method_not_found"
	KindResourceBusy        = "resource_busy"
	KindUserRejected        = "user_rejected"
	KindConfirmationTimeout = "confirmation_timeout"
	KindUnsupportedChain    = "unsupported_chain"
	KindValidation          = "validation"
	KindHandlerExecution    = "handler_execution"
	KindUnauthorized        = "unauthorized"
	KindRateLimited         = "rate_limited"
)

// JSON-RPC and EIP-1193 error codes
const (
	CodeInvalidParams       = -32602
	CodeMethodNotFound      = -32601
	CodeInternal            = -32603
	CodeResourceUnavailable = -32002
	CodeLimitExceeded       = -32005
	CodeUserRejected        = 4001
	CodeUnauthorized        = 4100
	CodeUnrecognizedChain   = 4902
)

// New creates a new RPCError
func New(kind string, code int, message string) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
		Kind:    kind,
	}
}

// WithData returns a copy of the error carrying data
func (e *RPCError) WithData(data any) *RPCError {
	c := *e
	c.Data = data
	return &c
}

// MethodNotFound creates a method-not-found error echoing the request payload
func MethodNotFound(data any) *RPCError {
	return &RPCError{
		Code:    CodeMethodNotFound,
		Message: "The method does not exist / is not available.",
		Data:    data,
		Kind:    KindMethodNotFound,
	}
}

// ResourceBusy is returned when an unlock or connect request for the origin is already in flight
func ResourceBusy(message string) *RPCError {
	return &RPCError{
		Code:    CodeResourceUnavailable,
		Message: message,
		Kind:    KindResourceBusy,
	}
}

// UserRejected is returned when the user declines a prompt
func UserRejected(message string) *RPCError {
	if message == "" {
		message = "User rejected the request."
	}
	return &RPCError{
		Code:    CodeUserRejected,
		Message: message,
		Kind:    KindUserRejected,
	}
}

// ConfirmationTimeout is returned when the automation channel does not answer in time
func ConfirmationTimeout() *RPCError {
	return &RPCError{
		Code:    CodeInternal,
		Message: "Confirmation timeout",
		Kind:    KindConfirmationTimeout,
	}
}

// UnsupportedChain is returned when a chain can neither be found nor registered
func UnsupportedChain(chainID uint64) *RPCError {
	return &RPCError{
		Code:    CodeUnrecognizedChain,
		Message: fmt.Sprintf("Unrecognized chain ID 0x%x. Try adding the chain using wallet_addEthereumChain first.", chainID),
		Kind:    KindUnsupportedChain,
	}
}

// InvalidParams is returned for malformed approval-required params
func InvalidParams(detail string) *RPCError {
	return &RPCError{
		Code:    CodeInvalidParams,
		Message: detail,
		Kind:    KindValidation,
	}
}

// Unauthorized is returned when the origin has no permission for the call
func Unauthorized(message string) *RPCError {
	return &RPCError{
		Code:    CodeUnauthorized,
		Message: message,
		Kind:    KindUnauthorized,
	}
}

// RateLimited is returned when an origin exceeds its request budget
func RateLimited() *RPCError {
	return &RPCError{
		Code:    CodeLimitExceeded,
		Message: "Request limit exceeded",
		Kind:    KindRateLimited,
	}
}

// Internal wraps a failure of the underlying wallet operation
func Internal(err error) *RPCError {
	msg := "Internal JSON-RPC error."
	if err != nil {
		msg = err.Error()
	}
	return &RPCError{
		Code:    CodeInternal,
		Message: msg,
		Kind:    KindHandlerExecution,
	}
}

// AsRPCError checks if an error is an RPCError
func AsRPCError(err error) (*RPCError, bool) {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr, true
	}
	return nil, false
}

// ToRPCError converts any error into the shape returned to dapps
func ToRPCError(err error) *RPCError {
	if err == nil {
		return nil
	}
	if rpcErr, ok := AsRPCError(err); ok {
		return rpcErr
	}
	return Internal(err)
}

// IsKind reports whether err is an RPCError of the given kind
func IsKind(err error, kind string) bool {
	rpcErr, ok := AsRPCError(err)
	return ok && rpcErr.Kind == kind
}
