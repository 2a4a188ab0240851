// Package db provides the durable store behind users, challenges, positions,
// daily counters and payouts.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrVersionMismatch signals an optimistic-lock conflict on challenge update.
	ErrVersionMismatch = errors.New("challenge version mismatch")
)

// IsUniqueViolation reports whether err comes from a UNIQUE index.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ----------------------------------------
// Users
// ----------------------------------------

// CreateUser inserts a new user row.
func (s *Store) CreateUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, telegram_id, username, first_name, role, referral_code, referred_by, is_blocked, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, u.ID, u.TelegramID, u.Username, u.FirstName, u.Role, u.ReferralCode, u.ReferredBy, boolToInt(u.IsBlocked), u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

const userColumns = `id, telegram_id, COALESCE(username, ''), first_name, role,
	COALESCE(referral_code, ''), COALESCE(referred_by, ''), is_blocked, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	var blocked int
	if err := row.Scan(&u.ID, &u.TelegramID, &u.Username, &u.FirstName, &u.Role,
		&u.ReferralCode, &u.ReferredBy, &blocked, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.IsBlocked = blocked != 0
	return &u, nil
}

// GetUserByID fetches a user; ErrNotFound when absent.
func (s *Store) GetUserByID(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// GetUserByTelegramID fetches a user by the host identity.
func (s *Store) GetUserByTelegramID(ctx context.Context, telegramID int64) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE telegram_id = ?`, telegramID)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by telegram id: %w", err)
	}
	return u, nil
}

// GetUserByReferralCode resolves a referral code to its owner.
func (s *Store) GetUserByReferralCode(ctx context.Context, code string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE referral_code = ?`, code)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by referral code: %w", err)
	}
	return u, nil
}

// UpdateUserRole changes the role of a user.
func (s *Store) UpdateUserRole(ctx context.Context, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET role = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, role, userID)
	if err != nil {
		return fmt.Errorf("update user role: %w", err)
	}
	return nil
}

// SetUserBlocked flips the blocked flag; users are never deleted.
func (s *Store) SetUserBlocked(ctx context.Context, userID string, blocked bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET is_blocked = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, boolToInt(blocked), userID)
	if err != nil {
		return fmt.Errorf("set user blocked: %w", err)
	}
	return nil
}

// ListUsers returns users for the admin panel, newest first.
func (s *Store) ListUsers(ctx context.Context, limit, offset int) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users ORDER BY created_at DESC LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// ----------------------------------------
// Challenge types (catalog)
// ----------------------------------------

// UpsertChallengeType syncs a catalog entry; referenced entries stay immutable
// at the engine level, the upsert only serves the YAML seed.
func (s *Store) UpsertChallengeType(ctx context.Context, ct ChallengeType) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO challenge_types (
			id, name, account_size, price, profit_target_p1, profit_target_p2,
			max_daily_loss_pct, max_total_loss_pct, min_trading_days, drawdown_type,
			max_leverage, profit_split_pct, is_one_phase, is_instant, consistency_rule, is_active
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			price = excluded.price,
			is_active = excluded.is_active
	`, ct.ID, ct.Name, ct.AccountSize, ct.Price, ct.ProfitTargetP1, ct.ProfitTargetP2,
		ct.MaxDailyLossPct, ct.MaxTotalLossPct, ct.MinTradingDays, ct.DrawdownType,
		ct.MaxLeverage, ct.ProfitSplitPct, boolToInt(ct.IsOnePhase), boolToInt(ct.IsInstant),
		boolToInt(ct.ConsistencyRule), boolToInt(ct.IsActive))
	if err != nil {
		return fmt.Errorf("upsert challenge type: %w", err)
	}
	return nil
}

const challengeTypeColumns = `id, name, account_size, price, profit_target_p1, profit_target_p2,
	max_daily_loss_pct, max_total_loss_pct, min_trading_days, drawdown_type,
	max_leverage, profit_split_pct, is_one_phase, is_instant, consistency_rule, is_active, created_at`

func scanChallengeType(row interface{ Scan(...any) error }) (*ChallengeType, error) {
	var ct ChallengeType
	var onePhase, instant, consistency, active int
	if err := row.Scan(&ct.ID, &ct.Name, &ct.AccountSize, &ct.Price, &ct.ProfitTargetP1,
		&ct.ProfitTargetP2, &ct.MaxDailyLossPct, &ct.MaxTotalLossPct, &ct.MinTradingDays,
		&ct.DrawdownType, &ct.MaxLeverage, &ct.ProfitSplitPct, &onePhase, &instant,
		&consistency, &active, &ct.CreatedAt); err != nil {
		return nil, err
	}
	ct.IsOnePhase = onePhase != 0
	ct.IsInstant = instant != 0
	ct.ConsistencyRule = consistency != 0
	ct.IsActive = active != 0
	return &ct, nil
}

// GetChallengeType fetches one catalog entry.
func (s *Store) GetChallengeType(ctx context.Context, id string) (*ChallengeType, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+challengeTypeColumns+` FROM challenge_types WHERE id = ?`, id)
	ct, err := scanChallengeType(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get challenge type: %w", err)
	}
	return ct, nil
}

// ListChallengeTypes returns the catalog, cheapest first.
func (s *Store) ListChallengeTypes(ctx context.Context, activeOnly bool) ([]ChallengeType, error) {
	q := `SELECT ` + challengeTypeColumns + ` FROM challenge_types`
	if activeOnly {
		q += ` WHERE is_active = 1`
	}
	q += ` ORDER BY account_size ASC`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list challenge types: %w", err)
	}
	defer rows.Close()

	var out []ChallengeType
	for rows.Next() {
		ct, err := scanChallengeType(rows)
		if err != nil {
			return nil, fmt.Errorf("scan challenge type: %w", err)
		}
		out = append(out, *ct)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Challenges
// ----------------------------------------

const challengeColumns = `id, user_id, type_id, status, account_mode, initial_balance,
	current_balance, peak_equity, daily_anchor_equity, daily_pnl_realized, total_pnl_realized,
	trading_days_count, scaling_step, attempt_number, total_trades, winning_trades,
	quarantined, COALESCE(failed_reason, ''), started_at, transitioned_at, failed_at,
	completed_at, daily_reset_at, version, updated_at`

func scanChallenge(row interface{ Scan(...any) error }) (*Challenge, error) {
	var c Challenge
	var quarantined int
	if err := row.Scan(&c.ID, &c.UserID, &c.TypeID, &c.Status, &c.AccountMode,
		&c.InitialBalance, &c.CurrentBalance, &c.PeakEquity, &c.DailyAnchorEquity,
		&c.DailyPnLRealized, &c.TotalPnLRealized, &c.TradingDaysCount, &c.ScalingStep,
		&c.AttemptNumber, &c.TotalTrades, &c.WinningTrades, &quarantined, &c.FailedReason,
		&c.StartedAt, &c.TransitionedAt, &c.FailedAt, &c.CompletedAt, &c.DailyResetAt,
		&c.Version, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Quarantined = quarantined != 0
	return &c, nil
}

// CreateChallenge inserts a new challenge row; the partial unique index
// rejects a second active challenge for the same user.
func (s *Store) CreateChallenge(ctx context.Context, c Challenge) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO challenges (
			id, user_id, type_id, status, account_mode, initial_balance, current_balance,
			peak_equity, daily_anchor_equity, daily_pnl_realized, total_pnl_realized,
			trading_days_count, scaling_step, attempt_number, started_at, daily_reset_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`, c.ID, c.UserID, c.TypeID, c.Status, c.AccountMode, c.InitialBalance, c.CurrentBalance,
		c.PeakEquity, c.DailyAnchorEquity, c.DailyPnLRealized, c.TotalPnLRealized,
		c.TradingDaysCount, c.ScalingStep, c.AttemptNumber, c.StartedAt, c.DailyResetAt)
	if err != nil {
		return fmt.Errorf("insert challenge: %w", err)
	}
	return nil
}

// GetChallenge fetches one challenge.
func (s *Store) GetChallenge(ctx context.Context, id string) (*Challenge, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+challengeColumns+` FROM challenges WHERE id = ?`, id)
	c, err := scanChallenge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get challenge: %w", err)
	}
	return c, nil
}

// GetActiveChallengeForUser returns the user's single active challenge, if any.
func (s *Store) GetActiveChallengeForUser(ctx context.Context, userID string) (*Challenge, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+challengeColumns+` FROM challenges
		WHERE user_id = ? AND status IN ('phase1', 'phase2', 'funded')
	`, userID)
	c, err := scanChallenge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active challenge: %w", err)
	}
	return c, nil
}

// ListChallengesByUser returns a user's challenges, optionally filtered by status.
func (s *Store) ListChallengesByUser(ctx context.Context, userID, status string) ([]Challenge, error) {
	q := `SELECT ` + challengeColumns + ` FROM challenges WHERE user_id = ?`
	args := []any{userID}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY started_at DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list challenges: %w", err)
	}
	defer rows.Close()

	var out []Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan challenge: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ListActiveChallenges returns every challenge the evaluator must tick.
func (s *Store) ListActiveChallenges(ctx context.Context) ([]Challenge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+challengeColumns+` FROM challenges
		WHERE status IN ('phase1', 'phase2', 'funded')
	`)
	if err != nil {
		return nil, fmt.Errorf("list active challenges: %w", err)
	}
	defer rows.Close()

	var out []Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan challenge: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// CountAttempts counts prior challenges of a type for attempt numbering.
func (s *Store) CountAttempts(ctx context.Context, userID, typeID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM challenges WHERE user_id = ? AND type_id = ?
	`, userID, typeID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count attempts: %w", err)
	}
	return n, nil
}

// UpdateChallenge persists mutable challenge state guarded by the version
// column; ErrVersionMismatch when another writer got there first.
func (s *Store) UpdateChallenge(ctx context.Context, c *Challenge) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE challenges SET
			status = ?, account_mode = ?, initial_balance = ?, current_balance = ?,
			peak_equity = ?, daily_anchor_equity = ?, daily_pnl_realized = ?,
			total_pnl_realized = ?, trading_days_count = ?, scaling_step = ?,
			total_trades = ?, winning_trades = ?, quarantined = ?, failed_reason = ?,
			transitioned_at = ?, failed_at = ?, completed_at = ?, daily_reset_at = ?,
			version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?
	`, c.Status, c.AccountMode, c.InitialBalance, c.CurrentBalance,
		c.PeakEquity, c.DailyAnchorEquity, c.DailyPnLRealized,
		c.TotalPnLRealized, c.TradingDaysCount, c.ScalingStep,
		c.TotalTrades, c.WinningTrades, boolToInt(c.Quarantined), nullIfEmpty(c.FailedReason),
		c.TransitionedAt, c.FailedAt, c.CompletedAt, c.DailyResetAt,
		c.ID, c.Version)
	if err != nil {
		return fmt.Errorf("update challenge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update challenge rows: %w", err)
	}
	if n == 0 {
		return ErrVersionMismatch
	}
	c.Version++
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
