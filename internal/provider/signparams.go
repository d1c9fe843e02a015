package provider

import (
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// normalizeTextSignParams returns params ordered as (message, address).
// Dapps pass the pair in either order; the one that looks like an address
// is the signer. Hex-looking messages without a prefix get one.
func normalizeTextSignParams(params []any) []any {
	if len(params) < 2 {
		return params
	}
	first, _ := params[0].(string)
	second, _ := params[1].(string)

	msg, addr := first, second
	if common.IsHexAddress(first) && !common.IsHexAddress(second) {
		msg, addr = second, first
	}
	if looksLikeBareHex(msg) {
		msg = "0x" + msg
	}

	out := make([]any, 0, len(params))
	out = append(out, msg, addr)
	return append(out, params[2:]...)
}

func looksLikeBareHex(s string) bool {
	if s == "" || len(s)%2 != 0 || strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// truncatePreview cuts s to n runes
func truncatePreview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
