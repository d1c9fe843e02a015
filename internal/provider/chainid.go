package provider

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// ExtractDesiredChainID finds the chain a request wants to run on.
// Chain switch/add and eth_sendTransaction carry it in params[0].chainId;
// typed data carries it in domain.chainId, possibly inside a JSON string.
// The first value that parses wins.
func ExtractDesiredChainID(method string, params []any) (uint64, bool) {
	switch {
	case isChainMethod(method), method == methodSendTransaction:
		if len(params) == 0 {
			return 0, false
		}
		obj, ok := params[0].(map[string]any)
		if !ok {
			return 0, false
		}
		return parseChainIDValue(obj["chainId"])
	case isTypedDataMethod(method):
		for _, p := range params {
			if id, ok := typedDataChainID(p); ok {
				return id, true
			}
		}
	}
	return 0, false
}

func typedDataChainID(p any) (uint64, bool) {
	var obj map[string]any
	switch v := p.(type) {
	case map[string]any:
		obj = v
	case string:
		s := strings.TrimSpace(v)
		if !strings.HasPrefix(s, "{") {
			return 0, false
		}
		dec := json.NewDecoder(strings.NewReader(s))
		dec.UseNumber()
		if err := dec.Decode(&obj); err != nil {
			return 0, false
		}
	default:
		return 0, false
	}

	domain, ok := obj["domain"].(map[string]any)
	if !ok {
		return 0, false
	}
	return parseChainIDValue(domain["chainId"])
}

// parseChainIDValue accepts numbers, json.Number, 0x-hex and decimal strings
func parseChainIDValue(v any) (uint64, bool) {
	var (
		id  uint64
		err error
	)
	switch val := v.(type) {
	case float64:
		if val <= 0 || val != math.Trunc(val) || val >= math.MaxInt64 {
			return 0, false
		}
		id = uint64(val)
	case int:
		if val <= 0 {
			return 0, false
		}
		id = uint64(val)
	case int64:
		if val <= 0 {
			return 0, false
		}
		id = uint64(val)
	case uint64:
		id = val
	case json.Number:
		id, err = strconv.ParseUint(val.String(), 10, 64)
	case string:
		s := strings.TrimSpace(val)
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			id, err = strconv.ParseUint(s[2:], 16, 64)
		} else {
			id, err = strconv.ParseUint(s, 10, 64)
		}
	default:
		return 0, false
	}
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}
