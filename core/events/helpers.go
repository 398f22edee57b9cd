package events

import (
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"lpvault/crypto"
)

func account(addr common.Address) string {
	if addr == (common.Address{}) {
		return ""
	}
	return crypto.FormatAccount(addr)
}

func amount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func unix(ts time.Time) string {
	if ts.IsZero() {
		return "0"
	}
	return strconv.FormatInt(ts.Unix(), 10)
}

func u64(v uint64) string { return strconv.FormatUint(v, 10) }

func joinAddresses(addrs []common.Address) string {
	parts := make([]string, len(addrs))
	for i, addr := range addrs {
		parts[i] = addr.Hex()
	}
	return strings.Join(parts, ",")
}

func joinUints(values []uint64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = u64(v)
	}
	return strings.Join(parts, ",")
}
