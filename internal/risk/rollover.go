package risk

import (
	"context"
	"database/sql"
	"log"
	"time"

	"krypton-core/internal/ledger"
)

// RolloverDay runs at 00:00 UTC. For every non-terminal challenge it
// re-anchors the daily drawdown basis at current equity (no re-high-
// watermarking: an anchor below the initial balance stays there) and resets
// the realized daily PnL. Trading days are credited at activity time by the
// ledger, so the rollover itself never touches the counter.
func (e *Evaluator) RolloverDay(ctx context.Context) {
	store := e.database.NewStore()
	challenges, err := store.ListActiveChallenges(ctx)
	if err != nil {
		log.Printf("[RISK] rollover list: %v", err)
		return
	}

	now := time.Now().UTC()
	for i := range challenges {
		id := challenges[i].ID
		if err := e.rolloverOne(ctx, id, now); err != nil {
			log.Printf("[RISK] rollover %s: %v", id, err)
		}
	}
	log.Printf("[RISK] daily rollover complete for %d challenges", len(challenges))
}

func (e *Evaluator) rolloverOne(ctx context.Context, challengeID string, now time.Time) error {
	lock := e.locks.Get(challengeID)
	lock.Lock()
	defer lock.Unlock()

	store := e.database.NewStore()
	c, err := store.GetChallenge(ctx, challengeID)
	if err != nil {
		return err
	}
	if !c.Active() {
		return nil
	}

	open, err := store.ListOpenPositions(ctx, challengeID)
	if err != nil {
		return err
	}

	var unrealized float64
	for i := range open {
		p := &open[i]
		mark := p.EntryPrice
		if price, _, ok := e.feed.Latest(p.Symbol); ok {
			mark = price
		}
		unrealized += ledger.UnrealizedPnL(p, mark)
	}

	c.DailyAnchorEquity = c.CurrentBalance + unrealized
	c.DailyPnLRealized = 0
	c.DailyResetAt = sql.NullTime{Time: now, Valid: true}
	return store.UpdateChallenge(ctx, c)
}
