package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    telegram_id INTEGER NOT NULL UNIQUE,
    username TEXT,
    first_name TEXT NOT NULL DEFAULT '',
    role TEXT NOT NULL DEFAULT 'trader',
    referral_code TEXT UNIQUE,
    referred_by TEXT,
    is_blocked INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS challenge_types (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    account_size REAL NOT NULL,
    price REAL NOT NULL,
    profit_target_p1 REAL NOT NULL,
    profit_target_p2 REAL NOT NULL,
    max_daily_loss_pct REAL NOT NULL,
    max_total_loss_pct REAL NOT NULL,
    min_trading_days INTEGER NOT NULL DEFAULT 5,
    drawdown_type TEXT NOT NULL DEFAULT 'trailing',
    max_leverage INTEGER NOT NULL DEFAULT 50,
    profit_split_pct REAL NOT NULL DEFAULT 80,
    is_one_phase INTEGER NOT NULL DEFAULT 0,
    is_instant INTEGER NOT NULL DEFAULT 0,
    consistency_rule INTEGER NOT NULL DEFAULT 0,
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS challenges (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    type_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'phase1',
    account_mode TEXT NOT NULL DEFAULT 'demo',
    initial_balance REAL NOT NULL,
    current_balance REAL NOT NULL,
    peak_equity REAL NOT NULL,
    daily_anchor_equity REAL NOT NULL,
    daily_pnl_realized REAL NOT NULL DEFAULT 0,
    total_pnl_realized REAL NOT NULL DEFAULT 0,
    trading_days_count INTEGER NOT NULL DEFAULT 0,
    scaling_step INTEGER NOT NULL DEFAULT 0,
    attempt_number INTEGER NOT NULL DEFAULT 1,
    total_trades INTEGER NOT NULL DEFAULT 0,
    winning_trades INTEGER NOT NULL DEFAULT 0,
    quarantined INTEGER NOT NULL DEFAULT 0,
    failed_reason TEXT,
    started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    transitioned_at DATETIME,
    failed_at DATETIME,
    completed_at DATETIME,
    daily_reset_at DATETIME,
    version INTEGER NOT NULL DEFAULT 1,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(user_id) REFERENCES users(id),
    FOREIGN KEY(type_id) REFERENCES challenge_types(id)
);

-- At most one active challenge per user.
CREATE UNIQUE INDEX IF NOT EXISTS ix_challenges_user_active
    ON challenges(user_id) WHERE status IN ('phase1', 'phase2', 'funded');
CREATE INDEX IF NOT EXISTS ix_challenges_status ON challenges(status);

CREATE TABLE IF NOT EXISTS positions (
    id TEXT PRIMARY KEY,
    challenge_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    qty REAL NOT NULL,
    leverage INTEGER NOT NULL DEFAULT 1,
    entry_price REAL NOT NULL,
    take_profit REAL NOT NULL DEFAULT 0,
    stop_loss REAL NOT NULL DEFAULT 0,
    margin_used REAL NOT NULL,
    opened_at DATETIME NOT NULL,
    closed_at DATETIME,
    close_price REAL,
    close_reason TEXT,
    realized_pnl REAL,
    FOREIGN KEY(challenge_id) REFERENCES challenges(id)
);

CREATE INDEX IF NOT EXISTS ix_positions_challenge_opened
    ON positions(challenge_id, opened_at);
CREATE INDEX IF NOT EXISTS ix_positions_challenge_open
    ON positions(challenge_id) WHERE closed_at IS NULL;

CREATE TABLE IF NOT EXISTS daily_counters (
    challenge_id TEXT NOT NULL,
    day TEXT NOT NULL,
    realized_pnl REAL NOT NULL DEFAULT 0,
    worst_equity_drop_pct REAL NOT NULL DEFAULT 0,
    trades_opened INTEGER NOT NULL DEFAULT 0,
    trades_closed INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY(challenge_id, day),
    FOREIGN KEY(challenge_id) REFERENCES challenges(id)
);

CREATE TABLE IF NOT EXISTS payouts (
    id TEXT PRIMARY KEY,
    challenge_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    amount REAL NOT NULL,
    wallet_address TEXT NOT NULL,
    network TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    requested_at DATETIME NOT NULL,
    processed_at DATETIME,
    tx_hash TEXT,
    reject_reason TEXT,
    FOREIGN KEY(challenge_id) REFERENCES challenges(id),
    FOREIGN KEY(user_id) REFERENCES users(id)
);

-- At most one pending payout per challenge.
CREATE UNIQUE INDEX IF NOT EXISTS ix_payouts_challenge_pending
    ON payouts(challenge_id) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS ix_payouts_status ON payouts(status);

CREATE TABLE IF NOT EXISTS refresh_tokens (
    token TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    expires_at DATETIME NOT NULL,
    revoked INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS audit_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    challenge_id TEXT,
    event_type TEXT NOT NULL,
    payload TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS ix_audit_events_challenge
    ON audit_events(challenge_id, created_at);

CREATE TABLE IF NOT EXISTS equity_snapshots (
    challenge_id TEXT NOT NULL,
    equity REAL NOT NULL,
    balance REAL NOT NULL,
    ts DATETIME NOT NULL,
    FOREIGN KEY(challenge_id) REFERENCES challenges(id)
);

CREATE INDEX IF NOT EXISTS ix_equity_snapshots_challenge_ts
    ON equity_snapshots(challenge_id, ts);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files.
	if err := ensureColumn(d.DB, "challenges", "quarantined", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "challenges", "total_trades", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "challenges", "winning_trades", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "payouts", "tx_hash", "TEXT"); err != nil {
		return err
	}

	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
