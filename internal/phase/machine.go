// Package phase owns the challenge lifecycle: evaluation gates, funding,
// failure and funded-account scaling. Every function here mutates the
// challenge in memory only; callers hold the challenge writer lock and
// persist the result.
package phase

import (
	"database/sql"
	"math"
	"time"

	"krypton-core/pkg/db"
)

// Scaling rule constants for funded accounts.
const (
	ScalingTriggerPct  = 10.0 // +10% realized profit per step
	ScalingIncreasePct = 25.0 // account grows by 25%
	MaxAccountSize     = 2_000_000.0
)

// Outcome describes what a transition did.
type Outcome struct {
	Transitioned bool
	From         string
	To           string
	PromoteUser  bool // user role becomes funded_trader
}

// profitTarget returns the active profit target pct for the current phase,
// or ok=false when the phase has no target (funded).
func profitTarget(c *db.Challenge, ct *db.ChallengeType) (float64, bool) {
	switch c.Status {
	case db.StatusPhase1:
		return ct.ProfitTargetP1, true
	case db.StatusPhase2:
		return ct.ProfitTargetP2, true
	}
	return 0, false
}

// TargetReached reports whether realized profit meets the phase target.
func TargetReached(c *db.Challenge, ct *db.ChallengeType) bool {
	target, ok := profitTarget(c, ct)
	if !ok {
		return false
	}
	return c.TotalPnLRealized >= c.InitialBalance*target/100
}

// Eligible reports whether the challenge may advance right now. Open
// positions always block: hitting the target with an open winner does not
// advance until that position closes.
func Eligible(c *db.Challenge, ct *db.ChallengeType, openPositions int) bool {
	if !c.Active() || c.Status == db.StatusFunded {
		return false
	}
	if openPositions > 0 {
		return false
	}
	if !TargetReached(c, ct) {
		return false
	}
	if !ct.IsInstant && c.TradingDaysCount < ct.MinTradingDays {
		return false
	}
	return true
}

// Advance moves the challenge to its next phase and resets the per-phase
// counters. Callers must have verified Eligible.
func Advance(c *db.Challenge, ct *db.ChallengeType, now time.Time) Outcome {
	from := c.Status

	toFunded := c.Status == db.StatusPhase2 || (c.Status == db.StatusPhase1 && ct.IsOnePhase)
	if toFunded {
		c.Status = db.StatusFunded
		c.AccountMode = db.ModeFunded
	} else {
		c.Status = db.StatusPhase2
	}

	// The balance carries into the next phase; the per-phase counters and
	// drawdown anchors restart from it. Targets keep measuring against the
	// plan's initial balance.
	c.PeakEquity = c.CurrentBalance
	c.DailyAnchorEquity = c.CurrentBalance
	c.DailyPnLRealized = 0
	c.TotalPnLRealized = 0
	c.TradingDaysCount = 0
	c.TransitionedAt = nullTime(now)
	c.DailyResetAt = nullTime(now)

	return Outcome{
		Transitioned: true,
		From:         from,
		To:           c.Status,
		PromoteUser:  toFunded,
	}
}

// Fail freezes the challenge in the failed state. Terminal states are
// immutable; calling Fail twice is a no-op.
func Fail(c *db.Challenge, reason string, now time.Time) bool {
	if c.Terminal() {
		return false
	}
	c.Status = db.StatusFailed
	c.FailedReason = reason
	c.FailedAt = nullTime(now)
	return true
}

// Complete retires a challenge (admin-driven); terminal and immutable after.
func Complete(c *db.Challenge, now time.Time) bool {
	if c.Terminal() {
		return false
	}
	c.Status = db.StatusCompleted
	c.CompletedAt = nullTime(now)
	return true
}

// ScaleResult reports a funded scaling step.
type ScaleResult struct {
	Scaled   bool
	OldSize  float64
	NewSize  float64
	StepDone int
}

// ScaleIfEligible grows a funded account by 25% once realized profit reaches
// 10% per completed step, capped at MaxAccountSize. The top-up lands on the
// balance; the daily anchor and peak reset to the new basis.
func ScaleIfEligible(c *db.Challenge, now time.Time) ScaleResult {
	if c.Status != db.StatusFunded || c.InitialBalance >= MaxAccountSize {
		return ScaleResult{}
	}
	if c.InitialBalance <= 0 {
		return ScaleResult{}
	}

	profitPct := c.TotalPnLRealized / c.InitialBalance * 100
	requiredPct := ScalingTriggerPct * float64(c.ScalingStep+1)
	if profitPct < requiredPct {
		return ScaleResult{}
	}

	oldSize := c.InitialBalance
	newSize := math.Min(oldSize*(1+ScalingIncreasePct/100), MaxAccountSize)
	topUp := newSize - oldSize

	c.InitialBalance = newSize
	c.CurrentBalance += topUp
	c.ScalingStep++
	c.PeakEquity = c.CurrentBalance
	c.DailyAnchorEquity = c.CurrentBalance
	c.TransitionedAt = nullTime(now)

	return ScaleResult{Scaled: true, OldSize: oldSize, NewSize: newSize, StepDone: c.ScalingStep}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: true}
}
