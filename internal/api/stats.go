package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"krypton-core/internal/ledger"
	"krypton-core/internal/risk"
	"krypton-core/pkg/db"
)

type dashboardView struct {
	ChallengeID      string  `json:"challenge_id"`
	Status           string  `json:"status"`
	Balance          float64 `json:"balance"`
	Equity           float64 `json:"equity"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
	DailyPnL         float64 `json:"daily_pnl"`
	TotalPnL         float64 `json:"total_pnl"`
	DailyDrawdownPct float64 `json:"daily_drawdown_pct"`
	TotalDrawdownPct float64 `json:"total_drawdown_pct"`
	PeakEquity       float64 `json:"peak_equity"`
	OpenPositions    int     `json:"open_positions"`
	TradingDays      int     `json:"trading_days"`
	TotalTrades      int     `json:"total_trades"`
	WinRatePct       float64 `json:"win_rate_pct"`
	FreeMargin       float64 `json:"free_margin"`
}

// getDashboard serves the composite equity/risk snapshot.
func (s *Server) getDashboard(c *gin.Context) {
	challenge, err := s.ownedChallenge(c, c.Query("challenge_id"))
	if err != nil {
		respondErr(c, err)
		return
	}

	ctx := c.Request.Context()
	store := s.DB.NewStore()

	ct, err := store.GetChallengeType(ctx, challenge.TypeID)
	if err != nil {
		respondErr(c, err)
		return
	}
	open, err := store.ListOpenPositions(ctx, challenge.ID)
	if err != nil {
		respondErr(c, err)
		return
	}

	var unrealized, committedMargin float64
	for i := range open {
		pos := &open[i]
		committedMargin += pos.MarginUsed
		if price, _, ok := s.Feed.Latest(pos.Symbol); ok {
			unrealized += ledger.UnrealizedPnL(pos, price)
		}
	}
	equity := challenge.CurrentBalance + unrealized

	winRate := 0.0
	if challenge.TotalTrades > 0 {
		winRate = float64(challenge.WinningTrades) / float64(challenge.TotalTrades) * 100
	}

	respondOK(c, dashboardView{
		ChallengeID:      challenge.ID,
		Status:           challenge.Status,
		Balance:          challenge.CurrentBalance,
		Equity:           equity,
		UnrealizedPnL:    unrealized,
		DailyPnL:         challenge.DailyPnLRealized,
		TotalPnL:         challenge.TotalPnLRealized,
		DailyDrawdownPct: risk.DailyDrawdownPct(challenge.DailyAnchorEquity, equity),
		TotalDrawdownPct: risk.TotalDrawdownPct(ct.DrawdownType, challenge.InitialBalance, challenge.PeakEquity, equity),
		PeakEquity:       challenge.PeakEquity,
		OpenPositions:    len(open),
		TradingDays:      challenge.TradingDaysCount,
		TotalTrades:      challenge.TotalTrades,
		WinRatePct:       winRate,
		FreeMargin:       equity - committedMargin,
	})
}

// getEquityCurve serves the persisted equity time series.
func (s *Server) getEquityCurve(c *gin.Context) {
	challenge, err := s.ownedChallenge(c, c.Query("challenge_id"))
	if err != nil {
		respondErr(c, err)
		return
	}

	days, _ := strconv.Atoi(c.DefaultQuery("days", "30"))
	if days <= 0 || days > 365 {
		days = 30
	}
	since := time.Now().UTC().AddDate(0, 0, -days)

	snaps, err := s.DB.NewStore().ListEquityCurve(c.Request.Context(), challenge.ID, since, 2000)
	if err != nil {
		respondErr(c, err)
		return
	}

	out := make([]gin.H, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, gin.H{
			"ts":      snap.Ts.UTC().Format(time.RFC3339),
			"equity":  snap.Equity,
			"balance": snap.Balance,
		})
	}
	respondOK(c, out)
}

func payoutView(p *db.Payout) gin.H {
	v := gin.H{
		"id":             p.ID,
		"challenge_id":   p.ChallengeID,
		"amount":         p.Amount,
		"wallet_address": p.WalletAddress,
		"network":        p.Network,
		"status":         p.Status,
		"requested_at":   p.RequestedAt.UTC().Format(time.RFC3339),
	}
	if p.ProcessedAt.Valid {
		v["processed_at"] = p.ProcessedAt.Time.UTC().Format(time.RFC3339)
	}
	if p.TxHash.Valid {
		v["tx_hash"] = p.TxHash.String
	}
	if p.RejectReason.Valid {
		v["reject_reason"] = p.RejectReason.String
	}
	return v
}
