package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// FieldError names one rejected request field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// FieldErrors implements error so handlers can log them directly
type FieldErrors []FieldError

func (fe FieldErrors) Error() string {
	parts := make([]string, 0, len(fe))
	for _, e := range fe {
		parts = append(parts, e.Field+": "+e.Message)
	}
	if len(parts) == 0 {
		return "invalid request"
	}
	return strings.Join(parts, "; ")
}

// Validator accumulates field errors for the popup endpoints. Each check
// reports whether the field passed.
type Validator struct {
	fields FieldErrors
}

func NewValidator() *Validator {
	return &Validator{}
}

func (v *Validator) HasErrors() bool { return len(v.fields) != 0 }

func (v *Validator) Errors() FieldErrors { return v.fields }

func (v *Validator) AddError(field, message string) {
	v.fields = append(v.fields, FieldError{Field: field, Message: message})
}

func (v *Validator) check(ok bool, field, message string) bool {
	if !ok {
		v.AddError(field, message)
	}
	return ok
}

func (v *Validator) Required(field, value string) bool {
	return v.check(strings.TrimSpace(value) != "", field, "is required")
}

// UUID accepts the approval ids handed out by the gateway
func (v *Validator) UUID(field, value string) bool {
	_, err := uuid.Parse(value)
	return v.check(err == nil, field, "must be a valid UUID")
}

// EthereumAddress passes empty values; pair it with Required when the
// address is mandatory
func (v *Validator) EthereumAddress(field, value string) bool {
	return v.check(value == "" || common.IsHexAddress(value), field, "must be a 20-byte hex address")
}

func (v *Validator) OneOf(field, value string, allowed []string) bool {
	return v.check(slices.Contains(allowed, value), field, "must be one of "+strings.Join(allowed, ", "))
}

// WriteValidationError answers 400 with the rejected fields
func WriteValidationError(w http.ResponseWriter, errs FieldErrors) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code":   "VALIDATION_ERROR",
		"error":  errs.Error(),
		"fields": errs,
	})
}

// DecodeJSON decodes a popup request body, rejecting unknown fields. An
// empty body leaves v untouched.
func DecodeJSON(r *http.Request, v any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	switch err := dec.Decode(v); {
	case err == nil, errors.Is(err, io.EOF):
		return nil
	default:
		return fmt.Errorf("invalid JSON: %w", err)
	}
}
