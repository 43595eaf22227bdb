package detect

import (
	"context"
	"math"
	"time"

	"github.com/markcheno/go-talib"
)

// TrendPredictor is the built-in Predictor: an EMA fast/slow crossover over
// the pair's recent prices. It stands in when no external model is wired.
type TrendPredictor struct {
	fastPeriod int
	slowPeriod int
}

// NewTrendPredictor creates a predictor with 5/10 EMA periods, matching the
// manager's minimum history of 10 points.
func NewTrendPredictor() *TrendPredictor {
	return &TrendPredictor{fastPeriod: 5, slowPeriod: 10}
}

// Predict derives direction from the fast/slow EMA spread at the end of the
// history window.
func (p *TrendPredictor) Predict(ctx context.Context, history []HistoryPoint, currentPrice float64) (*Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(history) < p.slowPeriod || currentPrice <= 0 {
		return nil, nil
	}

	closes := make([]float64, len(history))
	for i, h := range history {
		closes[i] = h.Price
	}

	fast := talib.Ema(closes, p.fastPeriod)
	slow := talib.Ema(closes, p.slowPeriod)
	f := fast[len(fast)-1]
	s := slow[len(slow)-1]
	if s <= 0 || math.IsNaN(f) || math.IsNaN(s) {
		return nil, nil
	}

	spread := (f - s) / s
	pred := &Prediction{
		Model:       "ema-crossover",
		GeneratedAt: time.Now().UnixMilli(),
	}
	switch {
	case spread > 0.001:
		pred.Direction = "up"
	case spread < -0.001:
		pred.Direction = "down"
	default:
		pred.Direction = "neutral"
	}
	// Spread of 2% or more saturates confidence at 0.9.
	pred.Confidence = math.Min(0.9, math.Abs(spread)*45)
	pred.PredictedPrice = currentPrice * (1 + spread)
	return pred, nil
}
