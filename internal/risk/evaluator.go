// Package risk continuously marks challenges to market and enforces the
// drawdown and target rules. One coordinator ticks on a fixed cadence and
// fans evaluation out over a bounded worker pool; work for one challenge is
// serialized by its writer lock, and a slow challenge never blocks the rest.
package risk

import (
	"context"
	"encoding/json"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"krypton-core/internal/account"
	"krypton-core/internal/events"
	"krypton-core/internal/ledger"
	"krypton-core/internal/phase"
	"krypton-core/internal/pricefeed"
	"krypton-core/internal/push"
	"krypton-core/pkg/db"
)

const (
	snapshotEvery     = time.Minute
	maxForceCloseFail = 10
	warnThresholdPct  = 80.0
)

// Evaluator is the risk coordinator.
type Evaluator struct {
	database   *db.Database
	feed       *pricefeed.Feed
	book       *ledger.Ledger
	locks      *account.LockManager
	dispatcher *push.Dispatcher
	bus        *events.Bus
	pool       *ants.Pool
	tick       time.Duration

	mu           sync.Mutex
	inFlight     map[string]bool
	lastSnapshot map[string]time.Time
	warnedDaily  map[string]string // challengeID -> day already warned
	warnedTotal  map[string]string
	writeFails   map[string]int

	wg sync.WaitGroup
}

// New builds the evaluator. concurrency <= 0 selects min(cpus*2, 32).
func New(database *db.Database, feed *pricefeed.Feed, book *ledger.Ledger, locks *account.LockManager, dispatcher *push.Dispatcher, bus *events.Bus, tickMs, concurrency int) (*Evaluator, error) {
	if concurrency <= 0 {
		concurrency = runtime.NumCPU() * 2
		if concurrency > 32 {
			concurrency = 32
		}
	}
	pool, err := ants.NewPool(concurrency, ants.WithNonblocking(false))
	if err != nil {
		return nil, err
	}
	if tickMs <= 0 {
		tickMs = 1000
	}
	return &Evaluator{
		database:     database,
		feed:         feed,
		book:         book,
		locks:        locks,
		dispatcher:   dispatcher,
		bus:          bus,
		pool:         pool,
		tick:         time.Duration(tickMs) * time.Millisecond,
		inFlight:     make(map[string]bool),
		lastSnapshot: make(map[string]time.Time),
		warnedDaily:  make(map[string]string),
		warnedTotal:  make(map[string]string),
		writeFails:   make(map[string]int),
	}, nil
}

// Run drives the tick loop until ctx is canceled.
func (e *Evaluator) Run(ctx context.Context) {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	log.Printf("[RISK] evaluator started, tick=%v, workers=%d", e.tick, e.pool.Cap())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.dispatch(ctx)
		}
	}
}

// Drain waits for in-flight evaluations to finish, bounded by timeout.
func (e *Evaluator) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		log.Printf("[RISK] drain timed out after %v", timeout)
	}
	e.pool.Release()
}

// dispatch schedules one evaluation per active challenge. A challenge whose
// previous tick is still running is skipped, so a backlog never piles up.
func (e *Evaluator) dispatch(ctx context.Context) {
	challenges, err := e.database.NewStore().ListActiveChallenges(ctx)
	if err != nil {
		log.Printf("[RISK] list active challenges: %v", err)
		return
	}

	for i := range challenges {
		id := challenges[i].ID

		e.mu.Lock()
		if e.inFlight[id] {
			e.mu.Unlock()
			continue
		}
		e.inFlight[id] = true
		e.mu.Unlock()

		e.wg.Add(1)
		submitErr := e.pool.Submit(func() {
			defer e.wg.Done()
			defer func() {
				e.mu.Lock()
				delete(e.inFlight, id)
				e.mu.Unlock()
			}()
			e.Evaluate(ctx, id)
		})
		if submitErr != nil {
			e.wg.Done()
			e.mu.Lock()
			delete(e.inFlight, id)
			e.mu.Unlock()
			log.Printf("[RISK] submit %s: %v", id, submitErr)
		}
	}
}

type markedPosition struct {
	pos   *db.Position
	mark  float64
	fresh bool
}

type pendingClose struct {
	pos    *db.Position
	price  float64
	reason string
}

// Evaluate runs one tick for one challenge.
func (e *Evaluator) Evaluate(ctx context.Context, challengeID string) {
	lock := e.locks.Get(challengeID)
	lock.Lock()

	emits, err := e.evaluateLocked(ctx, challengeID)
	lock.Unlock()

	if err != nil {
		log.Printf("[RISK] evaluate %s: %v", challengeID, err)
		return
	}
	// Events go out after the writer lock is released, in emission order.
	for _, ev := range emits {
		e.dispatcher.Emit(ev)
	}
}

func (e *Evaluator) evaluateLocked(ctx context.Context, challengeID string) ([]events.ChallengeEvent, error) {
	store := e.database.NewStore()

	c, err := store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if !c.Active() {
		return nil, nil
	}
	ct, err := store.GetChallengeType(ctx, c.TypeID)
	if err != nil {
		return nil, err
	}
	open, err := store.ListOpenPositions(ctx, challengeID)
	if err != nil {
		return nil, err
	}

	// All price reads happen against the in-memory feed before any write.
	marked := make([]markedPosition, 0, len(open))
	var unrealized float64
	for i := range open {
		p := &open[i]
		price, staleness, ok := e.feed.Latest(p.Symbol)
		mp := markedPosition{pos: p, mark: p.EntryPrice}
		if ok {
			mp.mark = price
			mp.fresh = staleness <= e.feed.StaleThreshold()
		}
		unrealized += ledger.UnrealizedPnL(p, mp.mark)
		marked = append(marked, mp)
	}

	equity := c.CurrentBalance + unrealized
	if equity > c.PeakEquity {
		c.PeakEquity = equity
	}

	dailyDD := DailyDrawdownPct(c.DailyAnchorEquity, equity)
	totalDD := TotalDrawdownPct(ct.DrawdownType, c.InitialBalance, c.PeakEquity, equity)

	// Strict trigger order: SL before TP per position (a gap through both
	// resolves to SL, the conservative assumption), then daily breach, then
	// trailing. Stale positions keep their unrealized mark but never trigger.
	var toClose []pendingClose
	for _, mp := range marked {
		if !mp.fresh {
			continue
		}
		switch {
		case StopLossHit(mp.pos, mp.mark):
			toClose = append(toClose, pendingClose{pos: mp.pos, price: mp.pos.StopLoss, reason: db.CloseStopLoss})
		case TakeProfitHit(mp.pos, mp.mark):
			toClose = append(toClose, pendingClose{pos: mp.pos, price: mp.pos.TakeProfit, reason: db.CloseTakeProfit})
		}
	}

	breachReason := ""
	if dailyDD >= ct.MaxDailyLossPct {
		breachReason = db.CloseDailyDrawdown
	} else if totalDD >= ct.MaxTotalLossPct {
		breachReason = db.CloseTrailingDrawdown
	}

	now := time.Now().UTC()
	var emits []events.ChallengeEvent
	var closed []*db.Position
	var transition *phase.Outcome
	var scale phase.ScaleResult

	txErr := e.database.InTx(ctx, func(tx *db.Store) error {
		for _, pc := range toClose {
			if err := e.book.CloseLocked(ctx, tx, c, pc.pos, pc.price, pc.reason, now); err != nil {
				return err
			}
			closed = append(closed, pc.pos)
		}

		if breachReason != "" {
			// Force-close everything still open at its mark and fail.
			for _, mp := range marked {
				if !mp.pos.Open() {
					continue
				}
				if err := e.book.CloseLocked(ctx, tx, c, mp.pos, mp.mark, breachReason, now); err != nil {
					return err
				}
				closed = append(closed, mp.pos)
			}
			phase.Fail(c, breachReason, now)
			if err := tx.InsertAuditEvent(ctx, c.ID, events.TypeChallengeFailed, mustJSON(map[string]any{
				"reason":   breachReason,
				"equity":   equity,
				"daily_dd": dailyDD,
				"total_dd": totalDD,
			})); err != nil {
				return err
			}
		} else {
			remaining := 0
			for _, mp := range marked {
				if mp.pos.Open() {
					remaining++
				}
			}
			if phase.Eligible(c, ct, remaining) {
				out := phase.Advance(c, ct, now)
				transition = &out
				if err := tx.InsertAuditEvent(ctx, c.ID, events.TypePhaseTransition, mustJSON(map[string]any{
					"from": out.From,
					"to":   out.To,
				})); err != nil {
					return err
				}
				if out.PromoteUser {
					if err := e.promoteOwner(ctx, tx, c.UserID); err != nil {
						return err
					}
				}
			} else if c.Status == db.StatusFunded {
				scale = phase.ScaleIfEligible(c, now)
				if scale.Scaled {
					if err := tx.InsertAuditEvent(ctx, c.ID, events.TypePhaseTransition, mustJSON(map[string]any{
						"scaling_step": scale.StepDone,
						"old_size":     scale.OldSize,
						"new_size":     scale.NewSize,
					})); err != nil {
						return err
					}
				}
			}
		}

		if err := tx.UpdateChallenge(ctx, c); err != nil {
			return err
		}

		if dailyDD > 0 {
			if err := tx.RecordWorstEquityDrop(ctx, c.ID, db.DayKey(now), dailyDD); err != nil {
				return err
			}
		}
		if e.shouldSnapshot(c.ID, now) {
			if err := tx.InsertEquitySnapshot(ctx, db.EquitySnapshot{
				ChallengeID: c.ID, Equity: equity, Balance: c.CurrentBalance, Ts: now,
			}); err != nil {
				return err
			}
		}
		return nil
	})

	if txErr != nil {
		if breachReason != "" {
			e.recordForceCloseFailure(ctx, c.ID)
		}
		return nil, txErr
	}
	e.mu.Lock()
	delete(e.writeFails, c.ID)
	e.mu.Unlock()

	// position_closed events first, then the transition, then the balance
	// update that reflects everything.
	for _, pos := range closed {
		emits = append(emits, events.ChallengeEvent{
			ChallengeID: c.ID,
			Type:        events.TypePositionClosed,
			Data:        ledger.PositionView(pos, pos.ClosePrice.Float64),
		})
	}
	if breachReason != "" {
		emits = append(emits, events.ChallengeEvent{
			ChallengeID: c.ID,
			Type:        events.TypeChallengeFailed,
			Data: map[string]any{
				"reason": breachReason,
				"equity": equity,
			},
		})
	}
	if transition != nil {
		emits = append(emits, events.ChallengeEvent{
			ChallengeID: c.ID,
			Type:        events.TypePhaseTransition,
			Data:        map[string]any{"from": transition.From, "to": transition.To},
		})
	}
	if scale.Scaled {
		emits = append(emits, events.ChallengeEvent{
			ChallengeID: c.ID,
			Type:        events.TypePhaseTransition,
			Data: map[string]any{
				"scaling_step": scale.StepDone,
				"old_size":     scale.OldSize,
				"new_size":     scale.NewSize,
			},
		})
	}
	if breachReason == "" {
		emits = append(emits, e.warningEvents(c, ct, dailyDD, totalDD, now)...)
	}

	openViews := make([]ledger.View, 0, len(marked))
	for _, mp := range marked {
		if mp.pos.Open() {
			openViews = append(openViews, ledger.PositionView(mp.pos, mp.mark))
		}
	}
	emits = append(emits, events.ChallengeEvent{
		ChallengeID: c.ID,
		Type:        events.TypeBalanceUpdate,
		Data: map[string]any{
			"equity":    equity,
			"balance":   c.CurrentBalance,
			"daily_dd":  dailyDD,
			"total_dd":  totalDD,
			"phase":     c.Status,
			"positions": openViews,
		},
	})
	return emits, nil
}

// warningEvents emits the 80%-of-limit warnings, at most once per UTC day
// per kind.
func (e *Evaluator) warningEvents(c *db.Challenge, ct *db.ChallengeType, dailyDD, totalDD float64, now time.Time) []events.ChallengeEvent {
	day := db.DayKey(now)
	var out []events.ChallengeEvent

	e.mu.Lock()
	defer e.mu.Unlock()

	if dailyDD >= ct.MaxDailyLossPct*warnThresholdPct/100 && e.warnedDaily[c.ID] != day {
		e.warnedDaily[c.ID] = day
		out = append(out, events.ChallengeEvent{
			ChallengeID: c.ID,
			Type:        events.TypeDrawdownWarning,
			Data:        map[string]any{"kind": "daily", "drawdown_pct": dailyDD, "limit_pct": ct.MaxDailyLossPct},
		})
	}
	if totalDD >= ct.MaxTotalLossPct*warnThresholdPct/100 && e.warnedTotal[c.ID] != day {
		e.warnedTotal[c.ID] = day
		out = append(out, events.ChallengeEvent{
			ChallengeID: c.ID,
			Type:        events.TypeDrawdownWarning,
			Data:        map[string]any{"kind": "total", "drawdown_pct": totalDD, "limit_pct": ct.MaxTotalLossPct},
		})
	}
	return out
}

// recordForceCloseFailure escalates persistent write failures: after ten
// consecutive failed force-closes the challenge is quarantined (no new
// trades) and an operator alert goes out.
func (e *Evaluator) recordForceCloseFailure(ctx context.Context, challengeID string) {
	e.mu.Lock()
	e.writeFails[challengeID]++
	fails := e.writeFails[challengeID]
	e.mu.Unlock()

	if fails < maxForceCloseFail {
		return
	}

	store := e.database.NewStore()
	c, err := store.GetChallenge(ctx, challengeID)
	if err != nil {
		log.Printf("[RISK] quarantine load %s: %v", challengeID, err)
		return
	}
	c.Quarantined = true
	if err := store.UpdateChallenge(ctx, c); err != nil {
		log.Printf("[RISK] quarantine write %s: %v", challengeID, err)
		return
	}
	log.Printf("[RISK] challenge %s quarantined after %d failed force-closes", challengeID, fails)
	e.bus.Publish(events.EventRiskAlert, map[string]any{
		"challenge_id": challengeID,
		"alert":        "force_close_failed",
		"failures":     fails,
	})
}

func (e *Evaluator) shouldSnapshot(challengeID string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if last, ok := e.lastSnapshot[challengeID]; ok && now.Sub(last) < snapshotEvery {
		return false
	}
	e.lastSnapshot[challengeID] = now
	return true
}

func (e *Evaluator) promoteOwner(ctx context.Context, tx *db.Store, userID string) error {
	u, err := tx.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	switch u.Role {
	case db.RoleAdmin, db.RoleSuperAdmin, db.RoleFundedTrader:
		return nil
	}
	return tx.UpdateUserRole(ctx, userID, db.RoleFundedTrader)
}

func mustJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
