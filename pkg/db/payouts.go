package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const payoutColumns = `id, challenge_id, user_id, amount, wallet_address, network,
	status, requested_at, processed_at, tx_hash, reject_reason`

func scanPayout(row interface{ Scan(...any) error }) (*Payout, error) {
	var p Payout
	if err := row.Scan(&p.ID, &p.ChallengeID, &p.UserID, &p.Amount, &p.WalletAddress,
		&p.Network, &p.Status, &p.RequestedAt, &p.ProcessedAt, &p.TxHash, &p.RejectReason); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePayout inserts a pending payout; the partial unique index rejects a
// second pending request for the same challenge.
func (s *Store) CreatePayout(ctx context.Context, p Payout) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payouts (id, challenge_id, user_id, amount, wallet_address, network, status, requested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.ChallengeID, p.UserID, p.Amount, p.WalletAddress, p.Network, p.Status, p.RequestedAt)
	if err != nil {
		return fmt.Errorf("insert payout: %w", err)
	}
	return nil
}

// GetPayout fetches one payout.
func (s *Store) GetPayout(ctx context.Context, id string) (*Payout, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = ?`, id)
	p, err := scanPayout(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payout: %w", err)
	}
	return p, nil
}

// ListPayouts returns payouts, optionally filtered by challenge or status.
func (s *Store) ListPayouts(ctx context.Context, challengeID, status string) ([]Payout, error) {
	q := `SELECT ` + payoutColumns + ` FROM payouts WHERE 1=1`
	var args []any
	if challengeID != "" {
		q += ` AND challenge_id = ?`
		args = append(args, challengeID)
	}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY requested_at DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list payouts: %w", err)
	}
	defer rows.Close()

	var out []Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payout: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// SumCommittedPayouts sums pending+approved+sent amounts for a challenge;
// this is the paid_or_pending figure of the availability rule.
func (s *Store) SumCommittedPayouts(ctx context.Context, challengeID string) (float64, error) {
	var sum float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM payouts
		WHERE challenge_id = ? AND status IN ('pending', 'approved', 'sent')
	`, challengeID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum committed payouts: %w", err)
	}
	return sum, nil
}

// HasPendingPayout reports whether a challenge has an open request.
func (s *Store) HasPendingPayout(ctx context.Context, challengeID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM payouts WHERE challenge_id = ? AND status = 'pending'
	`, challengeID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("pending payout count: %w", err)
	}
	return n > 0, nil
}

// UpdatePayoutStatus transitions a payout from an expected status; the guard
// makes concurrent admin actions lose cleanly with ErrNotFound.
func (s *Store) UpdatePayoutStatus(ctx context.Context, id, fromStatus, toStatus, txHash, rejectReason string, processedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payouts SET status = ?, tx_hash = COALESCE(?, tx_hash),
			reject_reason = ?, processed_at = ?
		WHERE id = ? AND status = ?
	`, toStatus, nullIfEmpty(txHash), nullIfEmpty(rejectReason), processedAt, id, fromStatus)
	if err != nil {
		return fmt.Errorf("update payout status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update payout rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ----------------------------------------
// Refresh tokens
// ----------------------------------------

// InsertRefreshToken persists an opaque session identifier.
func (s *Store) InsertRefreshToken(ctx context.Context, t RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (token, user_id, expires_at) VALUES (?, ?, ?)
	`, t.Token, t.UserID, t.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

// GetRefreshToken fetches a live (unrevoked) token.
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error) {
	var t RefreshToken
	var revoked int
	err := s.db.QueryRowContext(ctx, `
		SELECT token, user_id, expires_at, revoked, created_at
		FROM refresh_tokens WHERE token = ?
	`, token).Scan(&t.Token, &t.UserID, &t.ExpiresAt, &revoked, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get refresh token: %w", err)
	}
	t.Revoked = revoked != 0
	return &t, nil
}

// RevokeRefreshToken invalidates a token (rotation or logout).
func (s *Store) RevokeRefreshToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = 1 WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// ----------------------------------------
// Audit events
// ----------------------------------------

// InsertAuditEvent writes the durable record that precedes any notification,
// so at-least-once delivery cannot duplicate a state change.
func (s *Store) InsertAuditEvent(ctx context.Context, challengeID, eventType, payload string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (challenge_id, event_type, payload) VALUES (?, ?, ?)
	`, challengeID, eventType, payload)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ----------------------------------------
// Leaderboard / admin aggregates
// ----------------------------------------

// LeaderboardRow joins a challenge with its owner for ranking.
type LeaderboardRow struct {
	Challenge Challenge
	Username  string
	FirstName string
}

// ListLeaderboardChallenges returns candidate rows for ranking. Failed
// challenges are excluded when includeFailed is false; blocked users never
// appear.
func (s *Store) ListLeaderboardChallenges(ctx context.Context, includeFailed bool) ([]LeaderboardRow, error) {
	q := `
		SELECT c.id, c.user_id, c.type_id, c.status, c.account_mode, c.initial_balance,
			c.current_balance, c.peak_equity, c.daily_anchor_equity, c.daily_pnl_realized,
			c.total_pnl_realized, c.trading_days_count, c.scaling_step, c.attempt_number,
			c.total_trades, c.winning_trades, c.quarantined, COALESCE(c.failed_reason, ''),
			c.started_at, c.transitioned_at, c.failed_at, c.completed_at, c.daily_reset_at,
			c.version, c.updated_at,
			COALESCE(u.username, ''), u.first_name
		FROM challenges c JOIN users u ON u.id = c.user_id
		WHERE u.is_blocked = 0`
	if !includeFailed {
		q += ` AND c.status != 'failed'`
	}

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list leaderboard challenges: %w", err)
	}
	defer rows.Close()

	var out []LeaderboardRow
	for rows.Next() {
		var r LeaderboardRow
		var quarantined int
		c := &r.Challenge
		if err := rows.Scan(&c.ID, &c.UserID, &c.TypeID, &c.Status, &c.AccountMode,
			&c.InitialBalance, &c.CurrentBalance, &c.PeakEquity, &c.DailyAnchorEquity,
			&c.DailyPnLRealized, &c.TotalPnLRealized, &c.TradingDaysCount, &c.ScalingStep,
			&c.AttemptNumber, &c.TotalTrades, &c.WinningTrades, &quarantined, &c.FailedReason,
			&c.StartedAt, &c.TransitionedAt, &c.FailedAt, &c.CompletedAt, &c.DailyResetAt,
			&c.Version, &c.UpdatedAt, &r.Username, &r.FirstName); err != nil {
			return nil, fmt.Errorf("scan leaderboard row: %w", err)
		}
		c.Quarantined = quarantined != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// HasSentPayout reports whether a challenge ever completed a payout; all-time
// ranking admits failed challenges only in that case.
func (s *Store) HasSentPayout(ctx context.Context, challengeID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM payouts WHERE challenge_id = ? AND status = 'sent'
	`, challengeID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sent payout count: %w", err)
	}
	return n > 0, nil
}

// Overview aggregates admin dashboard counts.
type Overview struct {
	Users            int
	ActiveChallenges int
	FundedChallenges int
	FailedChallenges int
	PendingPayouts   int
	PaidOutTotal     float64
}

// GetOverview builds the admin stats overview.
func (s *Store) GetOverview(ctx context.Context) (*Overview, error) {
	var o Overview
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM challenges WHERE status IN ('phase1', 'phase2', 'funded')),
			(SELECT COUNT(*) FROM challenges WHERE status = 'funded'),
			(SELECT COUNT(*) FROM challenges WHERE status = 'failed'),
			(SELECT COUNT(*) FROM payouts WHERE status = 'pending'),
			(SELECT COALESCE(SUM(amount), 0) FROM payouts WHERE status = 'sent')
	`).Scan(&o.Users, &o.ActiveChallenges, &o.FundedChallenges, &o.FailedChallenges,
		&o.PendingPayouts, &o.PaidOutTotal)
	if err != nil {
		return nil, fmt.Errorf("get overview: %w", err)
	}
	return &o, nil
}
