package auth

import (
	"context"
	"strings"
	"testing"
	"time"

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

	return New(database, testBotToken, "test-signing-key", 900, 3600), database
}

func TestAuthenticateCreatesUserOnce(t *testing.T) {
	svc, database := newService(t)
	ctx := context.Background()
	initData := signInitData(t, testBotToken, validFields(time.Now()))

	pair, err := svc.Authenticate(ctx, initData, "")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !pair.IsNew || pair.Role != db.RoleTrader {
		t.Fatalf("pair = %+v", pair)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("empty tokens")
	}

	user, err := database.NewStore().GetUserByTelegramID(ctx, 4242)
	if err != nil {
		t.Fatalf("GetUserByTelegramID: %v", err)
	}
	if !strings.HasPrefix(user.ReferralCode, "KR") {
		t.Fatalf("referral code = %q", user.ReferralCode)
	}

	again, err := svc.Authenticate(ctx, initData, "")
	if err != nil {
		t.Fatalf("second Authenticate: %v", err)
	}
	if again.IsNew {
		t.Fatal("second authentication flagged as new")
	}
	if again.UserID != pair.UserID {
		t.Fatal("user duplicated")
	}
}

func TestAuthenticateLinksReferral(t *testing.T) {
	svc, database := newService(t)
	ctx := context.Background()

	first, err := svc.Authenticate(ctx, signInitData(t, testBotToken, validFields(time.Now())), "")
	if err != nil {
		t.Fatalf("Authenticate referrer: %v", err)
	}
	referrer, _ := database.NewStore().GetUserByID(ctx, first.UserID)

	fields := validFields(time.Now())
	fields["user"] = `{"id":5353,"first_name":"Bob"}`
	second, err := svc.Authenticate(ctx, signInitData(t, testBotToken, fields), referrer.ReferralCode)
	if err != nil {
		t.Fatalf("Authenticate referred: %v", err)
	}

	referred, _ := database.NewStore().GetUserByID(ctx, second.UserID)
	if referred.ReferredBy != referrer.ID {
		t.Fatalf("referred_by = %q, want %q", referred.ReferredBy, referrer.ID)
	}
}

func TestPrincipalRoundTrip(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	pair, err := svc.Authenticate(ctx, signInitData(t, testBotToken, validFields(time.Now())), "")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	claims, err := svc.Principal(pair.AccessToken)
	if err != nil {
		t.Fatalf("Principal: %v", err)
	}
	if claims.UserID != pair.UserID || claims.Role != db.RoleTrader {
		t.Fatalf("claims = %+v", claims)
	}

	if _, err := svc.Principal(pair.AccessToken + "x"); err == nil {
		t.Fatal("corrupted token accepted")
	}
}

func TestRefreshRotatesTokens(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	pair, err := svc.Authenticate(ctx, signInitData(t, testBotToken, validFields(time.Now())), "")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	next, err := svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatal("refresh token not rotated")
	}

	// The old token is revoked.
	if _, err := svc.Refresh(ctx, pair.RefreshToken); apperr.KindOf(err) != apperr.KindUnauthenticated {
		t.Fatalf("reused refresh token: %v", err)
	}

	if _, err := svc.Refresh(ctx, "never-issued"); apperr.KindOf(err) != apperr.KindUnauthenticated {
		t.Fatalf("unknown refresh token: %v", err)
	}
}

func TestBlockedUserRejected(t *testing.T) {
	svc, database := newService(t)
	ctx := context.Background()
	initData := signInitData(t, testBotToken, validFields(time.Now()))

	pair, err := svc.Authenticate(ctx, initData, "")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if err := database.NewStore().SetUserBlocked(ctx, pair.UserID, true); err != nil {
		t.Fatalf("SetUserBlocked: %v", err)
	}

	if _, err := svc.Authenticate(ctx, initData, ""); apperr.KindOf(err) != apperr.KindForbidden {
		t.Fatalf("blocked auth: %v", err)
	}
	if _, err := svc.Refresh(ctx, pair.RefreshToken); apperr.KindOf(err) != apperr.KindForbidden {
		t.Fatalf("blocked refresh: %v", err)
	}
}
