package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPCError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *RPCError
		expected string
	}{
		{
			name:     "error with kind",
			err:      &RPCError{Code: CodeUserRejected, Message: "User rejected the request.", Kind: KindUserRejected},
			expected: "user_rejected (4001): User rejected the request.",
		},
		{
			name:     "error without kind",
			err:      &RPCError{Code: -32000, Message: "execution reverted"},
			expected: "rpc error -32000: execution reverted",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestMethodNotFoundEchoesRequest(t *testing.T) {
	payload := map[string]any{"method": "foo_bar", "params": []any{}}
	err := MethodNotFound(payload)

	assert.Equal(t, CodeMethodNotFound, err.Code)
	assert.Equal(t, KindMethodNotFound, err.Kind)
	assert.Equal(t, payload, err.Data)
}

func TestConfirmationTimeoutMessage(t *testing.T) {
	err := ConfirmationTimeout()
	assert.Equal(t, "Confirmation timeout", err.Message)
	assert.Equal(t, KindConfirmationTimeout, err.Kind)
}

func TestUserRejectedDefaultMessage(t *testing.T) {
	assert.Equal(t, "User rejected the request.", UserRejected("").Message)
	assert.Equal(t, "nope", UserRejected("nope").Message)
}

func TestUnsupportedChain(t *testing.T) {
	err := UnsupportedChain(0x1a343)
	assert.Equal(t, CodeUnrecognizedChain, err.Code)
	assert.Contains(t, err.Message, "0x1a343")
}

func TestWithDataCopies(t *testing.T) {
	base := ResourceBusy("Already processing unlock. Please wait.")
	withData := base.WithData("x")

	assert.Nil(t, base.Data)
	assert.Equal(t, "x", withData.Data)
	assert.Equal(t, base.Message, withData.Message)
}

func TestAsRPCError(t *testing.T) {
	t.Run("direct", func(t *testing.T) {
		got, ok := AsRPCError(InvalidParams("bad"))
		require.True(t, ok)
		assert.Equal(t, KindValidation, got.Kind)
	})

	t.Run("wrapped", func(t *testing.T) {
		wrapped := fmt.Errorf("stage failed: %w", UserRejected(""))
		got, ok := AsRPCError(wrapped)
		require.True(t, ok)
		assert.Equal(t, KindUserRejected, got.Kind)
	})

	t.Run("plain error", func(t *testing.T) {
		_, ok := AsRPCError(errors.New("boom"))
		assert.False(t, ok)
	})
}

func TestToRPCError(t *testing.T) {
	assert.Nil(t, ToRPCError(nil))

	got := ToRPCError(errors.New("insufficient funds"))
	assert.Equal(t, KindHandlerExecution, got.Kind)
	assert.Equal(t, CodeInternal, got.Code)
	assert.Equal(t, "insufficient funds", got.Message)

	busy := ResourceBusy("busy")
	assert.Same(t, busy, ToRPCError(busy))
}

func TestIsKind(t *testing.T) {
	assert.True(t, IsKind(ConfirmationTimeout(), KindConfirmationTimeout))
	assert.False(t, IsKind(errors.New("x"), KindConfirmationTimeout))
}

func TestRPCErrorJSONShape(t *testing.T) {
	raw, err := json.Marshal(MethodNotFound(map[string]any{"method": "foo_bar"}))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, float64(CodeMethodNotFound), decoded["code"])
	assert.NotEmpty(t, decoded["message"])
	assert.NotNil(t, decoded["data"])
	_, hasKind := decoded["Kind"]
	assert.False(t, hasKind)
}
