package leaderboard

import (
	"context"
	"fmt"
	"testing"
	"time"

	"krypton-core/pkg/db"
)

func newService(t *testing.T) (*Service, *db.Database) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	// nil cache: every read goes to the builders.
	return New(database, nil), database
}

type seedRow struct {
	id       string
	status   string
	balance  float64
	days     int
	started  time.Time
	username string
}

func seedRows(t *testing.T, database *db.Database, rows []seedRow) {
	t.Helper()
	ctx := context.Background()
	store := database.NewStore()
	now := time.Now().UTC()

	if err := store.UpsertChallengeType(ctx, db.ChallengeType{
		ID: "t1", Name: "Test 10K", AccountSize: 10000, Price: 99,
		ProfitTargetP1: 10, ProfitTargetP2: 5, MaxDailyLossPct: 5, MaxTotalLossPct: 10,
		MinTradingDays: 5, DrawdownType: db.DrawdownTrailing, MaxLeverage: 50,
		ProfitSplitPct: 80, IsActive: true,
	}); err != nil {
		t.Fatalf("UpsertChallengeType: %v", err)
	}

	for i, r := range rows {
		userID := fmt.Sprintf("u%d", i)
		if err := store.CreateUser(ctx, db.User{
			ID: userID, TelegramID: int64(1000 + i), Username: r.username,
			FirstName: r.username, Role: db.RoleTrader,
			ReferralCode: fmt.Sprintf("KRX%04d", i), CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
		if err := store.CreateChallenge(ctx, db.Challenge{
			ID: r.id, UserID: userID, TypeID: "t1", Status: r.status,
			AccountMode: db.ModeDemo, InitialBalance: 10000, CurrentBalance: r.balance,
			PeakEquity: r.balance, DailyAnchorEquity: r.balance,
			TotalPnLRealized: r.balance - 10000, TradingDaysCount: r.days,
			AttemptNumber: 1, StartedAt: r.started,
		}); err != nil {
			t.Fatalf("CreateChallenge %s: %v", r.id, err)
		}
	}
}

func TestAllTimeOrderingAndTieBreaks(t *testing.T) {
	svc, database := newService(t)
	now := time.Now().UTC()
	seedRows(t, database, []seedRow{
		{"c-slow", db.StatusPhase1, 11000, 9, now.Add(-72 * time.Hour), "slow"},
		{"c-fast", db.StatusPhase2, 11000, 4, now.Add(-48 * time.Hour), "fast"},
		{"c-top", db.StatusFunded, 12000, 12, now.Add(-24 * time.Hour), "top"},
		{"c-early", db.StatusPhase1, 11000, 4, now.Add(-96 * time.Hour), "early"},
	})

	entries, err := svc.AllTime(context.Background(), 100)
	if err != nil {
		t.Fatalf("AllTime: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("entries = %d", len(entries))
	}

	// Highest profit first; equal profit is broken by fewer trading days,
	// then earlier start.
	wantOrder := []string{"c-top", "c-early", "c-fast", "c-slow"}
	for i, want := range wantOrder {
		if entries[i].ChallengeID != want {
			t.Fatalf("rank %d = %s, want %s", i+1, entries[i].ChallengeID, want)
		}
	}
	if entries[0].Rank != 1 || entries[3].Rank != 4 {
		t.Fatal("ranks not assigned")
	}
}

func TestFailedChallengesNeedSentPayoutForAllTime(t *testing.T) {
	svc, database := newService(t)
	now := time.Now().UTC()
	seedRows(t, database, []seedRow{
		{"c-failed-paid", db.StatusFailed, 11500, 8, now.Add(-48 * time.Hour), "paid"},
		{"c-failed-unpaid", db.StatusFailed, 11800, 8, now.Add(-48 * time.Hour), "unpaid"},
		{"c-live", db.StatusPhase1, 10500, 3, now.Add(-24 * time.Hour), "live"},
	})

	ctx := context.Background()
	store := database.NewStore()
	if err := store.CreatePayout(ctx, db.Payout{
		ID: "p1", ChallengeID: "c-failed-paid", UserID: "u0", Amount: 500,
		WalletAddress: "TAbcdefghij1234567890", Network: "TRC20",
		Status: db.PayoutSent, RequestedAt: now,
	}); err != nil {
		t.Fatalf("CreatePayout: %v", err)
	}

	entries, err := svc.AllTime(ctx, 100)
	if err != nil {
		t.Fatalf("AllTime: %v", err)
	}
	ids := map[string]bool{}
	for _, e := range entries {
		ids[e.ChallengeID] = true
	}
	if !ids["c-failed-paid"] || ids["c-failed-unpaid"] {
		t.Fatalf("all-time ids = %v", ids)
	}

	// Monthly excludes failed challenges entirely.
	monthly, err := svc.Monthly(ctx, 100)
	if err != nil {
		t.Fatalf("Monthly: %v", err)
	}
	for _, e := range monthly {
		if e.ChallengeID == "c-failed-paid" || e.ChallengeID == "c-failed-unpaid" {
			t.Fatalf("failed challenge in monthly: %s", e.ChallengeID)
		}
	}
}

func TestBlockedUsersExcluded(t *testing.T) {
	svc, database := newService(t)
	now := time.Now().UTC()
	seedRows(t, database, []seedRow{
		{"c-ok", db.StatusPhase1, 11000, 5, now, "ok"},
		{"c-blocked", db.StatusPhase1, 15000, 5, now, "blocked"},
	})

	ctx := context.Background()
	if err := database.NewStore().SetUserBlocked(ctx, "u1", true); err != nil {
		t.Fatalf("SetUserBlocked: %v", err)
	}

	entries, err := svc.AllTime(ctx, 100)
	if err != nil {
		t.Fatalf("AllTime: %v", err)
	}
	if len(entries) != 1 || entries[0].ChallengeID != "c-ok" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestMonthlyBaselineFromSnapshots(t *testing.T) {
	svc, database := newService(t)
	now := time.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	seedRows(t, database, []seedRow{
		// Started last month; month-start balance recorded via snapshot.
		{"c-old", db.StatusPhase1, 11550, 5, monthStart.AddDate(0, -1, 5), "old"},
	})

	ctx := context.Background()
	if err := database.NewStore().InsertEquitySnapshot(ctx, db.EquitySnapshot{
		ChallengeID: "c-old", Equity: 11000, Balance: 11000, Ts: monthStart.Add(time.Minute),
	}); err != nil {
		t.Fatalf("InsertEquitySnapshot: %v", err)
	}

	entries, err := svc.Monthly(ctx, 100)
	if err != nil {
		t.Fatalf("Monthly: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d", len(entries))
	}
	// (11550 - 11000) / 11000 = 5%
	if diff := entries[0].ProfitPct - 5.0; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("monthly pct = %v, want 5", entries[0].ProfitPct)
	}
}
