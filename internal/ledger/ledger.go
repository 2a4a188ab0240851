// Package ledger is the authoritative record of positions per challenge.
// All mutations for one challenge serialize through its writer lock; reads
// run against consistent snapshots without it.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"krypton-core/internal/account"
	"krypton-core/internal/events"
	"krypton-core/internal/pricefeed"
	"krypton-core/internal/push"
	"krypton-core/pkg/apperr"
	"krypton-core/pkg/db"
)

// Typed preconditions surfaced to the API layer.
var (
	ErrInsufficientMargin = apperr.New(apperr.KindPreconditionFailed, "insufficient free margin")
	ErrInvalidLeverage    = apperr.New(apperr.KindPreconditionFailed, "leverage outside allowed range")
	ErrPriceUnavailable   = apperr.New(apperr.KindUnavailable, "price unavailable or stale")
	ErrChallengeTerminal  = apperr.New(apperr.KindPreconditionFailed, "challenge is not active")
	ErrInvalidTpSl        = apperr.New(apperr.KindPreconditionFailed, "take profit or stop loss on wrong side of entry")
	ErrSymbolUnknown      = apperr.New(apperr.KindInvalidInput, "symbol is not tracked")
	ErrQuarantined        = apperr.New(apperr.KindPreconditionFailed, "challenge is quarantined")
	ErrDailyLossProjected = apperr.New(apperr.KindPreconditionFailed, "order would breach the daily loss limit")
	ErrConflict           = apperr.New(apperr.KindConflict, "concurrent update, retry")
)

// Ledger opens, marks and closes positions against the price feed.
type Ledger struct {
	database   *db.Database
	feed       *pricefeed.Feed
	locks      *account.LockManager
	dispatcher *push.Dispatcher
}

// New wires the trade ledger.
func New(database *db.Database, feed *pricefeed.Feed, locks *account.LockManager, dispatcher *push.Dispatcher) *Ledger {
	return &Ledger{database: database, feed: feed, locks: locks, dispatcher: dispatcher}
}

// OpenRequest carries the validated order parameters.
type OpenRequest struct {
	Symbol     string
	Side       string
	Qty        float64
	Leverage   int
	TakeProfit float64
	StopLoss   float64
}

// OpenPosition checks all preconditions atomically under the challenge's
// writer lock and persists the new position.
func (l *Ledger) OpenPosition(ctx context.Context, challengeID string, req OpenRequest) (*db.Position, error) {
	if req.Qty <= 0 {
		return nil, apperr.New(apperr.KindInvalidInput, "qty must be positive")
	}
	if req.Side != db.SideLong && req.Side != db.SideShort {
		return nil, apperr.New(apperr.KindInvalidInput, "side must be long or short")
	}
	if !l.feed.Tracked(req.Symbol) {
		return nil, ErrSymbolUnknown
	}

	lock := l.locks.Get(challengeID)
	lock.Lock()
	defer lock.Unlock()

	store := l.database.NewStore()
	c, err := store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if !c.Active() {
		return nil, ErrChallengeTerminal
	}
	if c.Quarantined {
		return nil, ErrQuarantined
	}

	ct, err := store.GetChallengeType(ctx, c.TypeID)
	if err != nil {
		return nil, err
	}
	if req.Leverage < 1 || req.Leverage > ct.MaxLeverage {
		return nil, ErrInvalidLeverage
	}

	entryPrice, ok := l.feed.Fresh(req.Symbol)
	if !ok {
		return nil, ErrPriceUnavailable
	}

	if err := validateTpSl(req.Side, entryPrice, req.TakeProfit, req.StopLoss); err != nil {
		return nil, err
	}

	open, err := store.ListOpenPositions(ctx, challengeID)
	if err != nil {
		return nil, err
	}

	marginUsed := req.Qty * entryPrice / float64(req.Leverage)
	if free := l.freeMargin(c, open); free < marginUsed {
		return nil, ErrInsufficientMargin
	}

	// Soft pre-trade check: the projected worst-case loss must not push the
	// day through the daily-drawdown limit. Runtime enforcement stays with
	// the evaluator.
	if breached := l.projectedDailyBreach(c, ct, open, req, entryPrice, marginUsed); breached {
		return nil, ErrDailyLossProjected
	}

	now := time.Now().UTC()
	pos := db.Position{
		ID:          uuid.NewString(),
		ChallengeID: challengeID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Qty:         req.Qty,
		Leverage:    req.Leverage,
		EntryPrice:  entryPrice,
		TakeProfit:  req.TakeProfit,
		StopLoss:    req.StopLoss,
		MarginUsed:  marginUsed,
		OpenedAt:    now,
	}

	err = l.database.InTx(ctx, func(tx *db.Store) error {
		if err := tx.CreatePosition(ctx, pos); err != nil {
			return err
		}
		if err := l.countTradingActivity(ctx, tx, c, now, 1, 0, 0); err != nil {
			return err
		}
		if err := tx.UpdateChallenge(ctx, c); err != nil {
			return err
		}
		return tx.InsertAuditEvent(ctx, challengeID, events.TypePositionOpened, mustJSON(map[string]any{
			"position_id": pos.ID,
			"symbol":      pos.Symbol,
			"side":        pos.Side,
			"qty":         pos.Qty,
			"entry_price": pos.EntryPrice,
		}))
	})
	if err != nil {
		if errors.Is(err, db.ErrVersionMismatch) {
			return nil, ErrConflict
		}
		return nil, err
	}

	l.dispatcher.Emit(events.ChallengeEvent{
		ChallengeID: challengeID,
		Type:        events.TypePositionOpened,
		Data:        PositionView(&pos, entryPrice),
	})
	return &pos, nil
}

// ClosePosition closes one open position at the current mark (manual/admin
// path). The evaluator closes through CloseLocked with an explicit price.
func (l *Ledger) ClosePosition(ctx context.Context, positionID, reason string) (*db.Position, error) {
	store := l.database.NewStore()
	probe, err := store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}

	lock := l.locks.Get(probe.ChallengeID)
	lock.Lock()
	defer lock.Unlock()

	pos, err := store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if !pos.Open() {
		return nil, apperr.New(apperr.KindPreconditionFailed, "position already closed")
	}

	c, err := store.GetChallenge(ctx, pos.ChallengeID)
	if err != nil {
		return nil, err
	}
	if c.Status == db.StatusFailed {
		return nil, ErrChallengeTerminal
	}

	price, ok := l.feed.Fresh(pos.Symbol)
	if !ok {
		return nil, ErrPriceUnavailable
	}

	now := time.Now().UTC()
	err = l.database.InTx(ctx, func(tx *db.Store) error {
		return l.CloseLocked(ctx, tx, c, pos, price, reason, now)
	})
	if err != nil {
		if errors.Is(err, db.ErrVersionMismatch) {
			return nil, ErrConflict
		}
		return nil, err
	}

	l.EmitClosed(c, pos)
	return pos, nil
}

// CloseAll force-closes every open position of a challenge at current marks
// (manual or admin path).
func (l *Ledger) CloseAll(ctx context.Context, challengeID, reason string) ([]db.Position, error) {
	lock := l.locks.Get(challengeID)
	lock.Lock()
	defer lock.Unlock()

	store := l.database.NewStore()
	c, err := store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if c.Status == db.StatusFailed {
		return nil, ErrChallengeTerminal
	}

	open, err := store.ListOpenPositions(ctx, challengeID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	closed := make([]db.Position, 0, len(open))
	err = l.database.InTx(ctx, func(tx *db.Store) error {
		for i := range open {
			pos := &open[i]
			price, ok := l.feed.Fresh(pos.Symbol)
			if !ok {
				// Last-known price still settles the position; manual
				// close-all must not strand anything behind a stale feed.
				var found bool
				price, _, found = l.feed.Latest(pos.Symbol)
				if !found {
					return ErrPriceUnavailable
				}
			}
			if err := l.CloseLocked(ctx, tx, c, pos, price, reason, now); err != nil {
				return err
			}
			closed = append(closed, *pos)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, db.ErrVersionMismatch) {
			return nil, ErrConflict
		}
		return nil, err
	}

	for i := range closed {
		l.EmitClosed(c, &closed[i])
	}
	return closed, nil
}

// CloseLocked settles one position inside the caller's transaction. The
// caller holds the challenge writer lock and later emits the events; the
// audit row is written here so the record always precedes the notification.
func (l *Ledger) CloseLocked(ctx context.Context, tx *db.Store, c *db.Challenge, pos *db.Position, closePrice float64, reason string, now time.Time) error {
	if !pos.Open() {
		return nil
	}

	pnl := RealizedPnL(pos.Side, pos.Qty, pos.EntryPrice, closePrice)
	if err := tx.MarkPositionClosed(ctx, pos.ID, closePrice, pnl, reason, now); err != nil {
		return err
	}

	pos.ClosedAt.Time, pos.ClosedAt.Valid = now, true
	pos.ClosePrice.Float64, pos.ClosePrice.Valid = closePrice, true
	pos.CloseReason.String, pos.CloseReason.Valid = reason, true
	pos.RealizedPnL.Float64, pos.RealizedPnL.Valid = pnl, true

	c.CurrentBalance += pnl
	c.DailyPnLRealized += pnl
	c.TotalPnLRealized += pnl
	c.TotalTrades++
	if pnl > 0 {
		c.WinningTrades++
	}

	if err := l.countTradingActivity(ctx, tx, c, now, 0, 1, pnl); err != nil {
		return err
	}
	if err := tx.UpdateChallenge(ctx, c); err != nil {
		return err
	}
	return tx.InsertAuditEvent(ctx, c.ID, events.TypePositionClosed, mustJSON(map[string]any{
		"position_id":  pos.ID,
		"symbol":       pos.Symbol,
		"close_price":  closePrice,
		"close_reason": reason,
		"realized_pnl": pnl,
	}))
}

// EmitClosed publishes the position_closed event followed by the balance
// update that reflects its realized PnL, in that order.
func (l *Ledger) EmitClosed(c *db.Challenge, pos *db.Position) {
	l.dispatcher.Emit(events.ChallengeEvent{
		ChallengeID: c.ID,
		Type:        events.TypePositionClosed,
		Data:        PositionView(pos, pos.ClosePrice.Float64),
	})
	l.dispatcher.Emit(events.ChallengeEvent{
		ChallengeID: c.ID,
		Type:        events.TypeBalanceUpdate,
		Data: map[string]any{
			"balance":   c.CurrentBalance,
			"daily_pnl": c.DailyPnLRealized,
			"total_pnl": c.TotalPnLRealized,
			"phase":     c.Status,
		},
	})
}

// ListOpen returns the open positions of a challenge.
func (l *Ledger) ListOpen(ctx context.Context, challengeID string) ([]db.Position, error) {
	return l.database.NewStore().ListOpenPositions(ctx, challengeID)
}

// History returns a page of closed positions.
func (l *Ledger) History(ctx context.Context, challengeID, cursor string, limit int, f db.HistoryFilter) (*db.HistoryPage, error) {
	return l.database.NewStore().History(ctx, challengeID, cursor, limit, f)
}

// countTradingActivity bumps the daily counter and credits a trading day on
// the first qualifying activity (an open, or a close with non-zero PnL) of
// each UTC day. Counting at activity time keeps a day earned before the
// midnight rollover, and a position merely staying open across midnight
// earns nothing for the new day.
func (l *Ledger) countTradingActivity(ctx context.Context, tx *db.Store, c *db.Challenge, now time.Time, opened, closed int, pnl float64) error {
	day := db.DayKey(now)

	prior, err := tx.GetDailyCounter(ctx, c.ID, day)
	hadActivity := false
	if err == nil {
		hadActivity = prior.TradesOpened > 0 || (prior.TradesClosed > 0 && prior.RealizedPnL != 0)
	} else if !errors.Is(err, db.ErrNotFound) {
		return err
	}

	if err := tx.BumpDailyCounter(ctx, c.ID, day, pnl, opened, closed); err != nil {
		return err
	}

	qualifies := opened > 0 || (closed > 0 && pnl != 0)
	if qualifies && !hadActivity {
		c.TradingDaysCount++
	}
	return nil
}

// freeMargin is equity minus margin already committed to open positions.
func (l *Ledger) freeMargin(c *db.Challenge, open []db.Position) float64 {
	equity := c.CurrentBalance
	var committed float64
	for i := range open {
		p := &open[i]
		committed += p.MarginUsed
		if price, _, ok := l.feed.Latest(p.Symbol); ok {
			equity += RealizedPnL(p.Side, p.Qty, p.EntryPrice, price)
		}
	}
	return equity - committed
}

// projectedDailyBreach applies the pre-trade worst-case loss check.
func (l *Ledger) projectedDailyBreach(c *db.Challenge, ct *db.ChallengeType, open []db.Position, req OpenRequest, entryPrice, marginUsed float64) bool {
	if c.DailyAnchorEquity <= 0 {
		return false
	}

	projected := marginUsed
	if req.StopLoss > 0 {
		projected = req.Qty * math.Abs(entryPrice-req.StopLoss)
	}

	realizedLoss := math.Max(0, -c.DailyPnLRealized)

	var worstOpenLoss float64
	for i := range open {
		p := &open[i]
		price, _, ok := l.feed.Latest(p.Symbol)
		if !ok {
			continue
		}
		if pnl := RealizedPnL(p.Side, p.Qty, p.EntryPrice, price); pnl < worstOpenLoss {
			worstOpenLoss = pnl
		}
	}

	total := realizedLoss + projected - worstOpenLoss
	return total/c.DailyAnchorEquity*100 >= ct.MaxDailyLossPct
}

// RealizedPnL computes qty × (close − entry) with the side sign applied.
func RealizedPnL(side string, qty, entry, close float64) float64 {
	direction := 1.0
	if side == db.SideShort {
		direction = -1.0
	}
	return round2(qty * (close - entry) * direction)
}

// UnrealizedPnL marks an open position against a price.
func UnrealizedPnL(p *db.Position, mark float64) float64 {
	return RealizedPnL(p.Side, p.Qty, p.EntryPrice, mark)
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func validateTpSl(side string, entry, tp, sl float64) error {
	if side == db.SideLong {
		if tp > 0 && tp <= entry {
			return ErrInvalidTpSl
		}
		if sl > 0 && sl >= entry {
			return ErrInvalidTpSl
		}
		return nil
	}
	if tp > 0 && tp >= entry {
		return ErrInvalidTpSl
	}
	if sl > 0 && sl <= entry {
		return ErrInvalidTpSl
	}
	return nil
}

// View is the JSON shape of a position pushed to clients and the API.
type View struct {
	ID            string  `json:"id"`
	ChallengeID   string  `json:"challenge_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Qty           float64 `json:"qty"`
	Leverage      int     `json:"leverage"`
	EntryPrice    float64 `json:"entry_price"`
	TakeProfit    float64 `json:"take_profit,omitempty"`
	StopLoss      float64 `json:"stop_loss,omitempty"`
	MarginUsed    float64 `json:"margin_used"`
	UnrealizedPnL float64 `json:"unrealized_pnl,omitempty"`
	ClosePrice    float64 `json:"close_price,omitempty"`
	CloseReason   string  `json:"close_reason,omitempty"`
	RealizedPnL   float64 `json:"realized_pnl,omitempty"`
	OpenedAt      string  `json:"opened_at"`
	ClosedAt      string  `json:"closed_at,omitempty"`
}

// PositionView renders a position against a mark price.
func PositionView(p *db.Position, mark float64) View {
	v := View{
		ID:          p.ID,
		ChallengeID: p.ChallengeID,
		Symbol:      p.Symbol,
		Side:        p.Side,
		Qty:         p.Qty,
		Leverage:    p.Leverage,
		EntryPrice:  p.EntryPrice,
		TakeProfit:  p.TakeProfit,
		StopLoss:    p.StopLoss,
		MarginUsed:  p.MarginUsed,
		OpenedAt:    p.OpenedAt.UTC().Format(time.RFC3339),
	}
	if p.Open() {
		if mark > 0 {
			v.UnrealizedPnL = UnrealizedPnL(p, mark)
		}
		return v
	}
	v.ClosePrice = p.ClosePrice.Float64
	v.CloseReason = p.CloseReason.String
	v.RealizedPnL = p.RealizedPnL.Float64
	v.ClosedAt = p.ClosedAt.Time.UTC().Format(time.RFC3339)
	return v
}

func mustJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		log.Printf("[LEDGER] audit payload marshal failed: %v", err)
		return "{}"
	}
	return string(raw)
}
