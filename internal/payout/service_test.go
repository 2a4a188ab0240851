package payout

import (
	"context"
	"testing"
	"time"

	"krypton-core/internal/account"
	"krypton-core/internal/push"
	"krypton-core/pkg/apperr"
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

	svc := New(database, account.NewLockManager(), push.NewDispatcher(push.NewHub(), nil), 100)
	return svc, database
}

// seedFunded creates a funded challenge with 2000 realized profit and an 80%
// split.
func seedFunded(t *testing.T, database *db.Database) {
	t.Helper()
	ctx := context.Background()
	store := database.NewStore()
	now := time.Now().UTC()

	if err := store.CreateUser(ctx, db.User{
		ID: "u1", TelegramID: 100, FirstName: "Funded", Role: db.RoleFundedTrader,
		ReferralCode: "KRFUND1", CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := store.UpsertChallengeType(ctx, db.ChallengeType{
		ID: "t1", Name: "Test 10K", AccountSize: 10000, Price: 99,
		ProfitTargetP1: 10, ProfitTargetP2: 5, MaxDailyLossPct: 5, MaxTotalLossPct: 10,
		MinTradingDays: 5, DrawdownType: db.DrawdownTrailing, MaxLeverage: 50,
		ProfitSplitPct: 80, IsActive: true,
	}); err != nil {
		t.Fatalf("UpsertChallengeType: %v", err)
	}
	if err := store.CreateChallenge(ctx, db.Challenge{
		ID: "c1", UserID: "u1", TypeID: "t1", Status: db.StatusFunded,
		AccountMode: db.ModeFunded, InitialBalance: 10000, CurrentBalance: 12000,
		PeakEquity: 12000, DailyAnchorEquity: 12000, TotalPnLRealized: 2000,
		AttemptNumber: 1, StartedAt: now,
	}); err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}
}

func TestPayoutLifecycle(t *testing.T) {
	svc, database := newService(t)
	seedFunded(t, database)
	ctx := context.Background()

	avail, err := svc.Available(ctx, "c1")
	if err != nil {
		t.Fatalf("Available: %v", err)
	}
	if avail.AvailableAmount != 1600 { // 2000 * 80%
		t.Fatalf("available = %v, want 1600", avail.AvailableAmount)
	}
	if !avail.CanRequest {
		t.Fatal("should be able to request")
	}

	p, err := svc.Request(ctx, "u1", "c1", 500, "TAbcdefghij1234567890", "TRC20")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if p.Status != db.PayoutPending {
		t.Fatalf("status = %s", p.Status)
	}

	// The pending amount is already committed.
	avail, _ = svc.Available(ctx, "c1")
	if avail.AvailableAmount != 1100 {
		t.Fatalf("available after request = %v, want 1100", avail.AvailableAmount)
	}

	// A second simultaneous pending request conflicts.
	if _, err := svc.Request(ctx, "u1", "c1", 200, "TAbcdefghij1234567890", "TRC20"); apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("second pending: err = %v, want conflict", err)
	}

	approved, err := svc.Approve(ctx, p.ID)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if approved.Status != db.PayoutApproved {
		t.Fatalf("status = %s", approved.Status)
	}

	// Approved stays committed; a new pending may now be opened.
	avail, _ = svc.Available(ctx, "c1")
	if avail.AvailableAmount != 1100 {
		t.Fatalf("available after approve = %v, want 1100", avail.AvailableAmount)
	}

	sent, err := svc.MarkSent(ctx, p.ID, "0xdeadbeef")
	if err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	if sent.Status != db.PayoutSent || sent.TxHash.String != "0xdeadbeef" {
		t.Fatalf("sent = %+v", sent)
	}

	// Terminal transitions reject further admin actions.
	if _, err := svc.Approve(ctx, p.ID); apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("approve after sent: %v", err)
	}
}

func TestRejectReleasesAmount(t *testing.T) {
	svc, database := newService(t)
	seedFunded(t, database)
	ctx := context.Background()

	p, err := svc.Request(ctx, "u1", "c1", 1000, "TAbcdefghij1234567890", "ERC20")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	rejected, err := svc.Reject(ctx, p.ID, "wallet mismatch")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if rejected.Status != db.PayoutRejected || rejected.RejectReason.String != "wallet mismatch" {
		t.Fatalf("rejected = %+v", rejected)
	}

	avail, _ := svc.Available(ctx, "c1")
	if avail.AvailableAmount != 1600 {
		t.Fatalf("available after reject = %v, want 1600", avail.AvailableAmount)
	}
}

func TestRequestValidation(t *testing.T) {
	svc, database := newService(t)
	seedFunded(t, database)
	ctx := context.Background()

	tests := []struct {
		name     string
		userID   string
		amount   float64
		wallet   string
		network  string
		wantKind apperr.Kind
	}{
		{"below minimum", "u1", 50, "TAbcdefghij1234567890", "TRC20", apperr.KindPreconditionFailed},
		{"above available", "u1", 1700, "TAbcdefghij1234567890", "TRC20", apperr.KindPreconditionFailed},
		{"bad network", "u1", 500, "TAbcdefghij1234567890", "SOL", apperr.KindInvalidInput},
		{"short wallet", "u1", 500, "short", "TRC20", apperr.KindInvalidInput},
		{"foreign challenge", "u2", 500, "TAbcdefghij1234567890", "TRC20", apperr.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Request(ctx, tt.userID, "c1", tt.amount, tt.wallet, tt.network)
			if apperr.KindOf(err) != tt.wantKind {
				t.Fatalf("err = %v, want kind %v", err, tt.wantKind)
			}
		})
	}
}

func TestNoPayoutOutsideFundedPhase(t *testing.T) {
	svc, database := newService(t)
	seedFunded(t, database)
	ctx := context.Background()
	store := database.NewStore()

	c, _ := store.GetChallenge(ctx, "c1")
	c.Status = db.StatusPhase2
	c.AccountMode = db.ModeDemo
	if err := store.UpdateChallenge(ctx, c); err != nil {
		t.Fatalf("UpdateChallenge: %v", err)
	}

	if _, err := svc.Request(ctx, "u1", "c1", 500, "TAbcdefghij1234567890", "TRC20"); apperr.KindOf(err) != apperr.KindPreconditionFailed {
		t.Fatalf("err = %v, want precondition failed", err)
	}

	avail, err := svc.Available(ctx, "c1")
	if err != nil {
		t.Fatalf("Available: %v", err)
	}
	if avail.AvailableAmount != 0 || avail.CanRequest {
		t.Fatalf("availability outside funded = %+v", avail)
	}
}
