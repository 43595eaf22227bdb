package market

import "strings"

// tokenEquivalence maps chain-local token symbols to their canonical
// cross-chain form so the same asset indexes to one snapshot bucket.
var tokenEquivalence = map[string]string{
	"WETH.E": "WETH",
	"ETH":    "WETH",
	"BETH":   "WETH",
	"BTCB":   "WBTC",
	"WBTC.E": "WBTC",
	"BTC.B":  "WBTC",
	"FUSDT":  "USDT",
	"USDT.E": "USDT",
	"USDC.E": "USDC",
	"DAI.E":  "DAI",
	"WMATIC": "MATIC",
}

// CanonicalToken maps a token symbol to its chain-agnostic form.
func CanonicalToken(symbol string) string {
	upper := strings.ToUpper(symbol)
	if canonical, ok := tokenEquivalence[upper]; ok {
		return canonical
	}
	return upper
}

// NormalizePairKey reduces a pair key to its canonical "TOKEN0_TOKEN1" form.
// DEX-prefixed variants ("UNISWAP_WETH_USDC") are tolerated: the final two
// segments are the pair. Tokens run through the equivalence map so
// "SUSHI_WETH.e_fUSDT" and "WETH_USDT" land in the same bucket.
func NormalizePairKey(pairKey string) string {
	parts := strings.Split(pairKey, "_")
	if len(parts) < 2 {
		return CanonicalToken(pairKey)
	}
	t0 := CanonicalToken(parts[len(parts)-2])
	t1 := CanonicalToken(parts[len(parts)-1])
	return t0 + "_" + t1
}
