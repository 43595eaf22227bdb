package consume

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"

	"github.com/arbiterlabs/chainarb/internal/market"
)

// Validators turn raw bus payloads into typed domain values. Every rejection
// carries a diagnostic reason; callers log it and ack the entry so poison
// messages never replay.

const maxWhaleUSDValue = 1e11

var numericString = regexp.MustCompile(`^\d+$`)

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// validatePrice checks one price update item.
func validatePrice(data []byte, minPrice, maxPrice float64) (market.PriceUpdate, error) {
	var u market.PriceUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return u, fmt.Errorf("malformed price update: %w", err)
	}
	if u.Chain == "" || u.Dex == "" || u.PairKey == "" {
		return u, fmt.Errorf("price update missing chain/dex/pairKey: %q/%q/%q", u.Chain, u.Dex, u.PairKey)
	}
	if !finite(u.Price) || u.Price <= minPrice || u.Price >= maxPrice {
		return u, fmt.Errorf("price %v outside (%v, %v) for %s", u.Price, minPrice, maxPrice, u.PairKey)
	}
	if u.Timestamp <= 0 {
		return u, fmt.Errorf("price update has non-positive timestamp %d", u.Timestamp)
	}
	return u, nil
}

// validateWhale checks one whale transaction item.
func validateWhale(data []byte) (market.WhaleTransaction, error) {
	var tx market.WhaleTransaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return tx, fmt.Errorf("malformed whale transaction: %w", err)
	}
	if tx.Token == "" || tx.TransactionHash == "" {
		return tx, fmt.Errorf("whale transaction missing token/transactionHash")
	}
	if tx.Direction != "buy" && tx.Direction != "sell" {
		return tx, fmt.Errorf("whale direction %q is not buy/sell", tx.Direction)
	}
	if !finite(tx.USDValue) || tx.USDValue < 0 || tx.USDValue > maxWhaleUSDValue {
		return tx, fmt.Errorf("whale usdValue %v outside [0, %v]", tx.USDValue, float64(maxWhaleUSDValue))
	}
	if !finite(tx.Amount) || tx.Amount <= 0 {
		return tx, fmt.Errorf("whale amount %v not positive finite", tx.Amount)
	}
	if tx.Timestamp <= 0 {
		return tx, fmt.Errorf("whale transaction has non-positive timestamp %d", tx.Timestamp)
	}
	return tx, nil
}

// validatePending checks one pending-opportunity item, intent included.
func validatePending(data []byte) (market.PendingOpportunity, error) {
	var p market.PendingOpportunity
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("malformed pending opportunity: %w", err)
	}
	in := p.Intent
	switch {
	case in.Hash == "":
		return p, fmt.Errorf("pending intent missing hash")
	case in.Router == "":
		return p, fmt.Errorf("pending intent missing router")
	case in.Type == "":
		return p, fmt.Errorf("pending intent missing type")
	case in.TokenIn == "" || in.TokenOut == "":
		return p, fmt.Errorf("pending intent missing tokenIn/tokenOut")
	case in.Sender == "":
		return p, fmt.Errorf("pending intent missing sender")
	case in.ChainID <= 0:
		return p, fmt.Errorf("pending intent chainId %d not positive", in.ChainID)
	case in.Deadline <= 0:
		return p, fmt.Errorf("pending intent deadline %d not positive", in.Deadline)
	case in.Nonce < 0:
		return p, fmt.Errorf("pending intent nonce %d negative", in.Nonce)
	case in.SlippageTolerance < 0 || in.SlippageTolerance > 0.5:
		return p, fmt.Errorf("pending intent slippage %v outside [0, 0.5]", in.SlippageTolerance)
	case !numericString.MatchString(in.GasPrice):
		return p, fmt.Errorf("pending intent gasPrice %q not a numeric string", in.GasPrice)
	case !numericString.MatchString(in.AmountIn):
		return p, fmt.Errorf("pending intent amountIn %q not a numeric string", in.AmountIn)
	case !numericString.MatchString(in.ExpectedAmountOut):
		return p, fmt.Errorf("pending intent expectedAmountOut %q not a numeric string", in.ExpectedAmountOut)
	case len(in.Path) < 2:
		return p, fmt.Errorf("pending intent path has %d hops, need at least 2", len(in.Path))
	}
	return p, nil
}
