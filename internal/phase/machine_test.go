package phase

import (
	"testing"
	"time"

	"krypton-core/pkg/db"
)

func testType() *db.ChallengeType {
	return &db.ChallengeType{
		ID:              "t1",
		AccountSize:     10000,
		ProfitTargetP1:  10,
		ProfitTargetP2:  5,
		MaxDailyLossPct: 5,
		MaxTotalLossPct: 10,
		MinTradingDays:  5,
		DrawdownType:    db.DrawdownTrailing,
		MaxLeverage:     50,
		ProfitSplitPct:  80,
	}
}

func testChallenge() *db.Challenge {
	return &db.Challenge{
		ID:                "c1",
		UserID:            "u1",
		TypeID:            "t1",
		Status:            db.StatusPhase1,
		AccountMode:       db.ModeDemo,
		InitialBalance:    10000,
		CurrentBalance:    11000,
		PeakEquity:        11000,
		DailyAnchorEquity: 11000,
		TotalPnLRealized:  1000,
		TradingDaysCount:  5,
	}
}

func TestEligible(t *testing.T) {
	ct := testType()

	tests := []struct {
		name   string
		mutate func(*db.Challenge, *db.ChallengeType)
		open   int
		want   bool
	}{
		{"target and days met", func(c *db.Challenge, ct *db.ChallengeType) {}, 0, true},
		{"open position blocks even at target", func(c *db.Challenge, ct *db.ChallengeType) {}, 1, false},
		{"target not reached", func(c *db.Challenge, ct *db.ChallengeType) { c.TotalPnLRealized = 999.99 }, 0, false},
		{"exactly at target advances", func(c *db.Challenge, ct *db.ChallengeType) { c.TotalPnLRealized = 1000 }, 0, true},
		{"too few trading days", func(c *db.Challenge, ct *db.ChallengeType) { c.TradingDaysCount = 4 }, 0, false},
		{"instant skips min days", func(c *db.Challenge, ct *db.ChallengeType) {
			c.TradingDaysCount = 0
			ct.IsInstant = true
		}, 0, true},
		{"funded has no target", func(c *db.Challenge, ct *db.ChallengeType) { c.Status = db.StatusFunded }, 0, false},
		{"failed never advances", func(c *db.Challenge, ct *db.ChallengeType) { c.Status = db.StatusFailed }, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testChallenge()
			ctCopy := *ct
			tt.mutate(c, &ctCopy)
			if got := Eligible(c, &ctCopy, tt.open); got != tt.want {
				t.Fatalf("Eligible = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAdvancePhase1ToPhase2(t *testing.T) {
	c := testChallenge()
	ct := testType()
	now := time.Now().UTC()

	out := Advance(c, ct, now)
	if !out.Transitioned || out.From != db.StatusPhase1 || out.To != db.StatusPhase2 {
		t.Fatalf("outcome = %+v", out)
	}
	if out.PromoteUser {
		t.Fatal("phase2 must not promote the user")
	}
	// The balance carries over; anchors restart from it.
	if c.CurrentBalance != 11000 || c.PeakEquity != 11000 || c.DailyAnchorEquity != 11000 {
		t.Fatalf("balances not carried: %+v", c)
	}
	if c.InitialBalance != 10000 {
		t.Fatalf("initial balance must stay at the plan size: %v", c.InitialBalance)
	}
	if c.TotalPnLRealized != 0 || c.DailyPnLRealized != 0 || c.TradingDaysCount != 0 {
		t.Fatalf("counters not reset: %+v", c)
	}
	if !c.TransitionedAt.Valid {
		t.Fatal("transitioned_at not set")
	}
}

func TestAdvancePhase2ToFunded(t *testing.T) {
	c := testChallenge()
	c.Status = db.StatusPhase2
	ct := testType()

	out := Advance(c, ct, time.Now().UTC())
	if out.To != db.StatusFunded || !out.PromoteUser {
		t.Fatalf("outcome = %+v", out)
	}
	if c.AccountMode != db.ModeFunded {
		t.Fatalf("account mode = %s", c.AccountMode)
	}
}

func TestAdvanceOnePhaseGoesStraightToFunded(t *testing.T) {
	c := testChallenge()
	ct := testType()
	ct.IsOnePhase = true

	out := Advance(c, ct, time.Now().UTC())
	if out.From != db.StatusPhase1 || out.To != db.StatusFunded || !out.PromoteUser {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestFailIsTerminal(t *testing.T) {
	c := testChallenge()
	now := time.Now().UTC()

	if !Fail(c, db.CloseTrailingDrawdown, now) {
		t.Fatal("first fail rejected")
	}
	if c.Status != db.StatusFailed || c.FailedReason != db.CloseTrailingDrawdown {
		t.Fatalf("challenge = %+v", c)
	}
	if Fail(c, db.CloseDailyDrawdown, now) {
		t.Fatal("terminal challenge must be immutable")
	}
	if c.FailedReason != db.CloseTrailingDrawdown {
		t.Fatal("failed reason overwritten")
	}
}

func TestScaleIfEligible(t *testing.T) {
	c := testChallenge()
	c.Status = db.StatusFunded
	c.InitialBalance = 10000
	c.CurrentBalance = 11000
	c.TotalPnLRealized = 1000 // exactly 10%
	now := time.Now().UTC()

	res := ScaleIfEligible(c, now)
	if !res.Scaled || res.NewSize != 12500 {
		t.Fatalf("result = %+v", res)
	}
	if c.InitialBalance != 12500 || c.ScalingStep != 1 {
		t.Fatalf("challenge = %+v", c)
	}
	// Top-up lands on the balance; anchors reset to the new basis.
	if c.CurrentBalance != 13500 {
		t.Fatalf("balance = %v, want 13500", c.CurrentBalance)
	}
	if c.DailyAnchorEquity != c.CurrentBalance {
		t.Fatal("daily anchor not reset on scaling")
	}

	// Next step requires 20% of the new basis; 1000 realized is not enough.
	if res := ScaleIfEligible(c, now); res.Scaled {
		t.Fatalf("second scale should not trigger: %+v", res)
	}
}

func TestScaleCapsAtMaxAccountSize(t *testing.T) {
	c := testChallenge()
	c.Status = db.StatusFunded
	c.InitialBalance = 1_900_000
	c.CurrentBalance = 2_100_000
	c.TotalPnLRealized = 200_000
	c.ScalingStep = 0

	res := ScaleIfEligible(c, time.Now().UTC())
	if !res.Scaled || res.NewSize != MaxAccountSize {
		t.Fatalf("result = %+v", res)
	}
	if res := ScaleIfEligible(c, time.Now().UTC()); res.Scaled {
		t.Fatal("must not scale past the cap")
	}
}

func TestNonFundedNeverScales(t *testing.T) {
	c := testChallenge()
	c.TotalPnLRealized = 5000
	if res := ScaleIfEligible(c, time.Now().UTC()); res.Scaled {
		t.Fatal("phase1 challenge scaled")
	}
}
