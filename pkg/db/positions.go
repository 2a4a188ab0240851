package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const positionColumns = `id, challenge_id, symbol, side, qty, leverage, entry_price,
	take_profit, stop_loss, margin_used, opened_at, closed_at, close_price,
	close_reason, realized_pnl`

func scanPosition(row interface{ Scan(...any) error }) (*Position, error) {
	var p Position
	if err := row.Scan(&p.ID, &p.ChallengeID, &p.Symbol, &p.Side, &p.Qty, &p.Leverage,
		&p.EntryPrice, &p.TakeProfit, &p.StopLoss, &p.MarginUsed, &p.OpenedAt,
		&p.ClosedAt, &p.ClosePrice, &p.CloseReason, &p.RealizedPnL); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePosition inserts an open position row.
func (s *Store) CreatePosition(ctx context.Context, p Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (
			id, challenge_id, symbol, side, qty, leverage, entry_price,
			take_profit, stop_loss, margin_used, opened_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.ChallengeID, p.Symbol, p.Side, p.Qty, p.Leverage, p.EntryPrice,
		p.TakeProfit, p.StopLoss, p.MarginUsed, p.OpenedAt)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

// GetPosition fetches one position.
func (s *Store) GetPosition(ctx context.Context, id string) (*Position, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	return p, nil
}

// ListOpenPositions returns a challenge's open positions, oldest first.
func (s *Store) ListOpenPositions(ctx context.Context, challengeID string) ([]Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE challenge_id = ? AND closed_at IS NULL
		ORDER BY opened_at ASC
	`, challengeID)
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// CountOpenPositions counts a challenge's open positions.
func (s *Store) CountOpenPositions(ctx context.Context, challengeID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM positions WHERE challenge_id = ? AND closed_at IS NULL
	`, challengeID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open positions: %w", err)
	}
	return n, nil
}

// MarkPositionClosed writes the close fields; only open positions transition.
func (s *Store) MarkPositionClosed(ctx context.Context, id string, closePrice, realizedPnL float64, reason string, closedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE positions SET closed_at = ?, close_price = ?, close_reason = ?, realized_pnl = ?
		WHERE id = ? AND closed_at IS NULL
	`, closedAt, closePrice, reason, realizedPnL, id)
	if err != nil {
		return fmt.Errorf("close position: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close position rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// HistoryFilter narrows the closed-trade history query.
type HistoryFilter struct {
	Side   string
	Symbol string
}

// HistoryPage is a cursor page of closed positions.
type HistoryPage struct {
	Items      []Position
	NextCursor string
	HasMore    bool
}

// History returns closed positions newest first, keyed by (closed_at, id)
// encoded in the cursor.
func (s *Store) History(ctx context.Context, challengeID, cursor string, limit int, f HistoryFilter) (*HistoryPage, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	q := `SELECT ` + positionColumns + ` FROM positions WHERE challenge_id = ? AND closed_at IS NOT NULL`
	args := []any{challengeID}

	if cursor != "" {
		cursorTime, cursorID, err := decodeHistoryCursor(cursor)
		if err != nil {
			return nil, err
		}
		q += ` AND (closed_at < ? OR (closed_at = ? AND id < ?))`
		args = append(args, cursorTime, cursorTime, cursorID)
	}
	if f.Side != "" {
		q += ` AND side = ?`
		args = append(args, f.Side)
	}
	if f.Symbol != "" {
		q += ` AND symbol = ?`
		args = append(args, f.Symbol)
	}
	q += ` ORDER BY closed_at DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	var items []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		items = append(items, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &HistoryPage{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.HasMore = true
		last := page.Items[limit-1]
		page.NextCursor = encodeHistoryCursor(last.ClosedAt.Time, last.ID)
	}
	return page, nil
}

func encodeHistoryCursor(t time.Time, id string) string {
	return fmt.Sprintf("%d|%s", t.UTC().UnixMilli(), id)
}

func decodeHistoryCursor(cursor string) (time.Time, string, error) {
	var ms int64
	var id string
	if _, err := fmt.Sscanf(cursor, "%d|%s", &ms, &id); err != nil {
		return time.Time{}, "", fmt.Errorf("invalid cursor: %w", err)
	}
	return time.UnixMilli(ms).UTC(), id, nil
}

// ----------------------------------------
// Daily counters
// ----------------------------------------

// DayKey formats a UTC day for daily_counters.
func DayKey(t time.Time) string { return t.UTC().Format("2006-01-02") }

// BumpDailyCounter accumulates per-day activity. Zero deltas are fine.
func (s *Store) BumpDailyCounter(ctx context.Context, challengeID, day string, realizedPnL float64, opened, closed int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_counters (challenge_id, day, realized_pnl, trades_opened, trades_closed)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(challenge_id, day) DO UPDATE SET
			realized_pnl = realized_pnl + excluded.realized_pnl,
			trades_opened = trades_opened + excluded.trades_opened,
			trades_closed = trades_closed + excluded.trades_closed
	`, challengeID, day, realizedPnL, opened, closed)
	if err != nil {
		return fmt.Errorf("bump daily counter: %w", err)
	}
	return nil
}

// RecordWorstEquityDrop keeps the deepest intraday drop seen for the day.
func (s *Store) RecordWorstEquityDrop(ctx context.Context, challengeID, day string, dropPct float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_counters (challenge_id, day, worst_equity_drop_pct)
		VALUES (?, ?, ?)
		ON CONFLICT(challenge_id, day) DO UPDATE SET
			worst_equity_drop_pct = MAX(worst_equity_drop_pct, excluded.worst_equity_drop_pct)
	`, challengeID, day, dropPct)
	if err != nil {
		return fmt.Errorf("record worst equity drop: %w", err)
	}
	return nil
}

// GetDailyCounter fetches the counter for one day; ErrNotFound when absent.
func (s *Store) GetDailyCounter(ctx context.Context, challengeID, day string) (*DailyCounter, error) {
	var c DailyCounter
	err := s.db.QueryRowContext(ctx, `
		SELECT challenge_id, day, realized_pnl, worst_equity_drop_pct, trades_opened, trades_closed
		FROM daily_counters WHERE challenge_id = ? AND day = ?
	`, challengeID, day).Scan(&c.ChallengeID, &c.Day, &c.RealizedPnL, &c.WorstEquityDropPct,
		&c.TradesOpened, &c.TradesClosed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get daily counter: %w", err)
	}
	return &c, nil
}

// ----------------------------------------
// Equity snapshots
// ----------------------------------------

// InsertEquitySnapshot appends a point to the equity curve.
func (s *Store) InsertEquitySnapshot(ctx context.Context, snap EquitySnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO equity_snapshots (challenge_id, equity, balance, ts) VALUES (?, ?, ?, ?)
	`, snap.ChallengeID, snap.Equity, snap.Balance, snap.Ts)
	if err != nil {
		return fmt.Errorf("insert equity snapshot: %w", err)
	}
	return nil
}

// ListEquityCurve returns snapshots since a time, oldest first.
func (s *Store) ListEquityCurve(ctx context.Context, challengeID string, since time.Time, limit int) ([]EquitySnapshot, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT challenge_id, equity, balance, ts FROM equity_snapshots
		WHERE challenge_id = ? AND ts >= ?
		ORDER BY ts ASC LIMIT ?
	`, challengeID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list equity curve: %w", err)
	}
	defer rows.Close()

	var out []EquitySnapshot
	for rows.Next() {
		var e EquitySnapshot
		if err := rows.Scan(&e.ChallengeID, &e.Equity, &e.Balance, &e.Ts); err != nil {
			return nil, fmt.Errorf("scan equity snapshot: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
