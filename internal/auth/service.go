// Package auth is the session gateway: it verifies host-supplied
// initialization material and exchanges it for an access/refresh pair.
package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"krypton-core/pkg/apperr"
	"krypton-core/pkg/db"
)

// Service issues and refreshes sessions.
type Service struct {
	database   *db.Database
	botToken   string
	signingKey string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// New wires the gateway.
func New(database *db.Database, botToken, signingKey string, accessTTLSeconds, refreshTTLSeconds int) *Service {
	return &Service{
		database:   database,
		botToken:   botToken,
		signingKey: signingKey,
		accessTTL:  time.Duration(accessTTLSeconds) * time.Second,
		refreshTTL: time.Duration(refreshTTLSeconds) * time.Second,
	}
}

// TokenPair is the issued session material. The refresh token is an opaque
// persisted identifier; the access token embeds the principal.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    string `json:"expires_at"`
	UserID       string `json:"user_id"`
	Role         string `json:"role"`
	IsNew        bool   `json:"is_new"`
}

// Authenticate verifies init data, creating the user on first contact.
func (s *Service) Authenticate(ctx context.Context, initData, referralCode string) (*TokenPair, error) {
	now := time.Now().UTC()
	verified, err := VerifyInitData(initData, s.botToken, now)
	if err != nil {
		return nil, err
	}

	store := s.database.NewStore()
	isNew := false
	user, err := store.GetUserByTelegramID(ctx, verified.User.ID)
	if errors.Is(err, db.ErrNotFound) {
		user, err = s.createUser(ctx, store, verified, referralCode, now)
		if err != nil {
			return nil, err
		}
		isNew = true
	} else if err != nil {
		return nil, err
	}

	if user.IsBlocked {
		return nil, apperr.New(apperr.KindForbidden, "account is blocked")
	}

	pair, err := s.issue(ctx, store, user, now)
	if err != nil {
		return nil, err
	}
	pair.IsNew = isNew
	return pair, nil
}

// Refresh rotates the pair: the presented refresh token is revoked and a new
// one issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	store := s.database.NewStore()
	now := time.Now().UTC()

	stored, err := store.GetRefreshToken(ctx, refreshToken)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperr.New(apperr.KindUnauthenticated, "unknown refresh token")
	}
	if err != nil {
		return nil, err
	}
	if stored.Revoked || now.After(stored.ExpiresAt) {
		return nil, apperr.New(apperr.KindUnauthenticated, "refresh token expired")
	}

	user, err := store.GetUserByID(ctx, stored.UserID)
	if err != nil {
		return nil, err
	}
	if user.IsBlocked {
		return nil, apperr.New(apperr.KindForbidden, "account is blocked")
	}

	if err := store.RevokeRefreshToken(ctx, refreshToken); err != nil {
		return nil, err
	}
	return s.issue(ctx, store, user, now)
}

// Principal resolves a bearer token into (user_id, role).
func (s *Service) Principal(tokenStr string) (*Claims, error) {
	return ParseAccessToken(tokenStr, s.signingKey)
}

func (s *Service) issue(ctx context.Context, store *db.Store, user *db.User, now time.Time) (*TokenPair, error) {
	access, expiresAt, err := signAccessToken(user.ID, user.Role, s.signingKey, now, s.accessTTL)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	refresh := uuid.NewString()
	if err := store.InsertRefreshToken(ctx, db.RefreshToken{
		Token:     refresh,
		UserID:    user.ID,
		ExpiresAt: now.Add(s.refreshTTL),
	}); err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt.UTC().Format(time.RFC3339),
		UserID:       user.ID,
		Role:         user.Role,
	}, nil
}

func (s *Service) createUser(ctx context.Context, store *db.Store, verified *InitData, referralCode string, now time.Time) (*db.User, error) {
	referredBy := ""
	if referralCode != "" {
		if referrer, err := store.GetUserByReferralCode(ctx, referralCode); err == nil {
			referredBy = referrer.ID
		}
	}

	user := db.User{
		ID:           uuid.NewString(),
		TelegramID:   verified.User.ID,
		Username:     verified.User.Username,
		FirstName:    verified.User.FirstName,
		Role:         db.RoleTrader,
		ReferralCode: generateReferralCode(),
		ReferredBy:   referredBy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	return &user, nil
}

const referralAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func generateReferralCode() string {
	code := make([]byte, 6)
	max := big.NewInt(int64(len(referralAlphabet)))
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			code[i] = referralAlphabet[0]
			continue
		}
		code[i] = referralAlphabet[n.Int64()]
	}
	return "KR" + string(code)
}
