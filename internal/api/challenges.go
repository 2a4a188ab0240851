package api

import (
	"context"
	"database/sql"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"krypton-core/internal/ledger"
	"krypton-core/internal/risk"
	"krypton-core/pkg/apperr"
	"krypton-core/pkg/db"
)

type challengeTypeView struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	AccountSize     float64 `json:"account_size"`
	Price           float64 `json:"price"`
	ProfitTargetP1  float64 `json:"profit_target_p1"`
	ProfitTargetP2  float64 `json:"profit_target_p2"`
	MaxDailyLossPct float64 `json:"max_daily_loss_pct"`
	MaxTotalLossPct float64 `json:"max_total_loss_pct"`
	MinTradingDays  int     `json:"min_trading_days"`
	DrawdownType    string  `json:"drawdown_type"`
	MaxLeverage     int     `json:"max_leverage"`
	ProfitSplitPct  float64 `json:"profit_split_pct"`
	IsOnePhase      bool    `json:"is_one_phase"`
	IsInstant       bool    `json:"is_instant"`
}

type challengeView struct {
	ID                string  `json:"id"`
	TypeID            string  `json:"type_id"`
	Status            string  `json:"status"`
	AccountMode       string  `json:"account_mode"`
	InitialBalance    float64 `json:"initial_balance"`
	CurrentBalance    float64 `json:"current_balance"`
	PeakEquity        float64 `json:"peak_equity"`
	DailyAnchorEquity float64 `json:"daily_anchor_equity"`
	DailyPnLRealized  float64 `json:"daily_pnl_realized"`
	TotalPnLRealized  float64 `json:"total_pnl_realized"`
	TradingDaysCount  int     `json:"trading_days_count"`
	ScalingStep       int     `json:"scaling_step"`
	AttemptNumber     int     `json:"attempt_number"`
	FailedReason      string  `json:"failed_reason,omitempty"`
	StartedAt         string  `json:"started_at"`
}

func typeView(ct *db.ChallengeType) challengeTypeView {
	return challengeTypeView{
		ID:              ct.ID,
		Name:            ct.Name,
		AccountSize:     ct.AccountSize,
		Price:           ct.Price,
		ProfitTargetP1:  ct.ProfitTargetP1,
		ProfitTargetP2:  ct.ProfitTargetP2,
		MaxDailyLossPct: ct.MaxDailyLossPct,
		MaxTotalLossPct: ct.MaxTotalLossPct,
		MinTradingDays:  ct.MinTradingDays,
		DrawdownType:    ct.DrawdownType,
		MaxLeverage:     ct.MaxLeverage,
		ProfitSplitPct:  ct.ProfitSplitPct,
		IsOnePhase:      ct.IsOnePhase,
		IsInstant:       ct.IsInstant,
	}
}

func viewChallenge(c *db.Challenge) challengeView {
	return challengeView{
		ID:                c.ID,
		TypeID:            c.TypeID,
		Status:            c.Status,
		AccountMode:       c.AccountMode,
		InitialBalance:    c.InitialBalance,
		CurrentBalance:    c.CurrentBalance,
		PeakEquity:        c.PeakEquity,
		DailyAnchorEquity: c.DailyAnchorEquity,
		DailyPnLRealized:  c.DailyPnLRealized,
		TotalPnLRealized:  c.TotalPnLRealized,
		TradingDaysCount:  c.TradingDaysCount,
		ScalingStep:       c.ScalingStep,
		AttemptNumber:     c.AttemptNumber,
		FailedReason:      c.FailedReason,
		StartedAt:         c.StartedAt.UTC().Format(time.RFC3339),
	}
}

// listChallengeTypes serves the plan catalog.
func (s *Server) listChallengeTypes(c *gin.Context) {
	types, err := s.DB.NewStore().ListChallengeTypes(c.Request.Context(), true)
	if err != nil {
		respondErr(c, err)
		return
	}
	out := make([]challengeTypeView, 0, len(types))
	for i := range types {
		out = append(out, typeView(&types[i]))
	}
	respondOK(c, out)
}

type purchaseRequest struct {
	ChallengeTypeID string `json:"challenge_type_id" binding:"required"`
}

// purchaseChallenge creates a fresh phase1 challenge for the caller. A failed
// challenge stays frozen; re-purchase starts a new row with the next attempt
// number.
func (s *Server) purchaseChallenge(c *gin.Context) {
	var req purchaseRequest
	if err := c.BindJSON(&req); err != nil {
		badRequest(c, "invalid request payload")
		return
	}

	ctx := c.Request.Context()
	p := CurrentPrincipal(c)
	store := s.DB.NewStore()

	ct, err := store.GetChallengeType(ctx, req.ChallengeTypeID)
	if err != nil {
		respondErr(c, err)
		return
	}
	if !ct.IsActive {
		respondErr(c, apperr.New(apperr.KindPreconditionFailed, "challenge type is not available"))
		return
	}

	attempts, err := store.CountAttempts(ctx, p.UserID, ct.ID)
	if err != nil {
		respondErr(c, err)
		return
	}

	now := time.Now().UTC()
	challenge := db.Challenge{
		ID:                uuid.NewString(),
		UserID:            p.UserID,
		TypeID:            ct.ID,
		Status:            db.StatusPhase1,
		AccountMode:       db.ModeDemo,
		InitialBalance:    ct.AccountSize,
		CurrentBalance:    ct.AccountSize,
		PeakEquity:        ct.AccountSize,
		DailyAnchorEquity: ct.AccountSize,
		AttemptNumber:     attempts + 1,
		StartedAt:         now,
		DailyResetAt:      nullNow(now),
	}

	if err := store.CreateChallenge(ctx, challenge); err != nil {
		if db.IsUniqueViolation(err) {
			respondErr(c, apperr.New(apperr.KindConflict, "an active challenge already exists"))
			return
		}
		respondErr(c, err)
		return
	}

	respondCreated(c, viewChallenge(&challenge))
}

// myChallenges lists the caller's challenges, optionally filtered by status.
func (s *Server) myChallenges(c *gin.Context) {
	p := CurrentPrincipal(c)
	list, err := s.DB.NewStore().ListChallengesByUser(c.Request.Context(), p.UserID, c.Query("status"))
	if err != nil {
		respondErr(c, err)
		return
	}
	out := make([]challengeView, 0, len(list))
	for i := range list {
		out = append(out, viewChallenge(&list[i]))
	}
	respondOK(c, out)
}

// getChallenge returns one challenge the caller may see.
func (s *Server) getChallenge(c *gin.Context) {
	challenge, err := s.ownedChallenge(c, c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, viewChallenge(challenge))
}

type rulesView struct {
	Status            string  `json:"status"`
	ProfitTargetPct   float64 `json:"profit_target_pct"`
	ProfitProgressPct float64 `json:"profit_progress_pct"`
	DailyDrawdownPct  float64 `json:"daily_drawdown_pct"`
	MaxDailyLossPct   float64 `json:"max_daily_loss_pct"`
	TotalDrawdownPct  float64 `json:"total_drawdown_pct"`
	MaxTotalLossPct   float64 `json:"max_total_loss_pct"`
	TradingDaysCount  int     `json:"trading_days_count"`
	MinTradingDays    int     `json:"min_trading_days"`
	DrawdownType      string  `json:"drawdown_type"`
}

// getChallengeRules reports current progress against every limit.
func (s *Server) getChallengeRules(c *gin.Context) {
	challenge, err := s.ownedChallenge(c, c.Param("id"))
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

	equity := s.liveEquity(ctx, challenge)
	target := ct.ProfitTargetP1
	if challenge.Status == db.StatusPhase2 {
		target = ct.ProfitTargetP2
	}

	progress := 0.0
	if challenge.InitialBalance > 0 && target > 0 {
		profitPct := challenge.TotalPnLRealized / challenge.InitialBalance * 100
		progress = profitPct / target * 100
		if progress > 100 {
			progress = 100
		}
		if progress < 0 {
			progress = 0
		}
	}

	respondOK(c, rulesView{
		Status:            challenge.Status,
		ProfitTargetPct:   target,
		ProfitProgressPct: progress,
		DailyDrawdownPct:  risk.DailyDrawdownPct(challenge.DailyAnchorEquity, equity),
		MaxDailyLossPct:   ct.MaxDailyLossPct,
		TotalDrawdownPct:  risk.TotalDrawdownPct(ct.DrawdownType, challenge.InitialBalance, challenge.PeakEquity, equity),
		MaxTotalLossPct:   ct.MaxTotalLossPct,
		TradingDaysCount:  challenge.TradingDaysCount,
		MinTradingDays:    ct.MinTradingDays,
		DrawdownType:      ct.DrawdownType,
	})
}

// ownedChallenge loads a challenge the principal owns (or any, for admins).
func (s *Server) ownedChallenge(c *gin.Context, challengeID string) (*db.Challenge, error) {
	if challengeID == "" {
		return nil, apperr.New(apperr.KindInvalidInput, "challenge_id is required")
	}
	challenge, err := s.DB.NewStore().GetChallenge(c.Request.Context(), challengeID)
	if err != nil {
		return nil, err
	}
	p := CurrentPrincipal(c)
	if challenge.UserID != p.UserID && !IsAdmin(p) {
		return nil, apperr.New(apperr.KindNotFound, "challenge not found")
	}
	return challenge, nil
}

// liveEquity marks the challenge's open positions with last-known prices.
func (s *Server) liveEquity(ctx context.Context, challenge *db.Challenge) float64 {
	open, err := s.DB.NewStore().ListOpenPositions(ctx, challenge.ID)
	if err != nil {
		return challenge.CurrentBalance
	}
	equity := challenge.CurrentBalance
	for i := range open {
		pos := &open[i]
		if price, _, ok := s.Feed.Latest(pos.Symbol); ok {
			equity += ledger.UnrealizedPnL(pos, price)
		}
	}
	return equity
}

func nullNow(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: true}
}
