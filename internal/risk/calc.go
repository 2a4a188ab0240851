package risk

import "krypton-core/pkg/db"

// DailyDrawdownPct measures how far equity sits below the daily anchor, in
// percent of the anchor. Positive when down, zero when flat or up.
func DailyDrawdownPct(anchorEquity, equity float64) float64 {
	if anchorEquity <= 0 {
		return 0
	}
	loss := anchorEquity - equity
	if loss <= 0 {
		return 0
	}
	return loss / anchorEquity * 100
}

// TotalDrawdownPct measures the overall drawdown: against peak equity for
// trailing plans, against the initial balance for static ones.
func TotalDrawdownPct(drawdownType string, initialBalance, peakEquity, equity float64) float64 {
	base := peakEquity
	if drawdownType == db.DrawdownStatic {
		base = initialBalance
	}
	if base <= 0 {
		return 0
	}
	loss := base - equity
	if loss <= 0 {
		return 0
	}
	return loss / base * 100
}

// StopLossHit reports whether the mark crossed the stop.
func StopLossHit(p *db.Position, mark float64) bool {
	if p.StopLoss <= 0 {
		return false
	}
	if p.Side == db.SideLong {
		return mark <= p.StopLoss
	}
	return mark >= p.StopLoss
}

// TakeProfitHit reports whether the mark crossed the target.
func TakeProfitHit(p *db.Position, mark float64) bool {
	if p.TakeProfit <= 0 {
		return false
	}
	if p.Side == db.SideLong {
		return mark >= p.TakeProfit
	}
	return mark <= p.TakeProfit
}
