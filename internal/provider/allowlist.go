package provider

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// StaticAllowlist is a fixed set of auto-approvable contracts, optionally chain scoped
type StaticAllowlist struct {
	anyChain map[common.Address]struct{}
	byChain  map[uint64]map[common.Address]struct{}
}

// ParseAllowlist parses "0xabc,10:0xdef"; an entry without a chain prefix applies to every chain
func ParseAllowlist(raw string) (*StaticAllowlist, error) {
	l := &StaticAllowlist{
		anyChain: make(map[common.Address]struct{}),
		byChain:  make(map[uint64]map[common.Address]struct{}),
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		chainPart, addrPart, scoped := strings.Cut(entry, ":")
		if !scoped {
			addrPart = chainPart
		}
		if !common.IsHexAddress(addrPart) {
			return nil, fmt.Errorf("invalid allowlist address %q", addrPart)
		}
		addr := common.HexToAddress(addrPart)
		if !scoped {
			l.anyChain[addr] = struct{}{}
			continue
		}
		chainID, err := strconv.ParseUint(chainPart, 10, 64)
		if err != nil || chainID == 0 {
			return nil, fmt.Errorf("invalid allowlist chain id %q", chainPart)
		}
		if l.byChain[chainID] == nil {
			l.byChain[chainID] = make(map[common.Address]struct{})
		}
		l.byChain[chainID][addr] = struct{}{}
	}
	return l, nil
}

// Allowed reports whether a transaction to `to` on chainID may skip confirmation
func (l *StaticAllowlist) Allowed(chainID uint64, to string) bool {
	if l == nil || !common.IsHexAddress(to) {
		return false
	}
	addr := common.HexToAddress(to)
	if _, ok := l.anyChain[addr]; ok {
		return true
	}
	_, ok := l.byChain[chainID][addr]
	return ok
}
