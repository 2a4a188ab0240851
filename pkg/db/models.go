package db

import (
	"database/sql"
	"time"
)

// Roles a user can hold.
const (
	RoleTrader       = "trader"
	RoleFundedTrader = "funded_trader"
	RoleAdmin        = "admin"
	RoleSuperAdmin   = "super_admin"
)

// Challenge lifecycle states.
const (
	StatusPhase1    = "phase1"
	StatusPhase2    = "phase2"
	StatusFunded    = "funded"
	StatusFailed    = "failed"
	StatusCompleted = "completed"
)

// Account modes.
const (
	ModeDemo   = "demo"
	ModeFunded = "funded"
)

// Position sides.
const (
	SideLong  = "long"
	SideShort = "short"
)

// Close reasons for a position.
const (
	CloseManual           = "manual"
	CloseTakeProfit       = "take_profit"
	CloseStopLoss         = "stop_loss"
	CloseDailyDrawdown    = "daily_drawdown"
	CloseTrailingDrawdown = "trailing_drawdown"
	CloseAdmin            = "admin"
)

// Drawdown types.
const (
	DrawdownStatic   = "static"
	DrawdownTrailing = "trailing"
)

// Payout states.
const (
	PayoutPending  = "pending"
	PayoutApproved = "approved"
	PayoutRejected = "rejected"
	PayoutSent     = "sent"
)

// ActiveStatuses are the statuses in which a challenge trades.
var ActiveStatuses = []string{StatusPhase1, StatusPhase2, StatusFunded}

// User is a platform identity resolved from the embedding host.
type User struct {
	ID           string
	TelegramID   int64
	Username     string
	FirstName    string
	Role         string
	ReferralCode string
	ReferredBy   string
	IsBlocked    bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ChallengeType is a catalog plan; immutable once referenced.
type ChallengeType struct {
	ID              string  `yaml:"id"`
	Name            string  `yaml:"name"`
	AccountSize     float64 `yaml:"account_size"`
	Price           float64 `yaml:"price"`
	ProfitTargetP1  float64 `yaml:"profit_target_p1"`
	ProfitTargetP2  float64 `yaml:"profit_target_p2"`
	MaxDailyLossPct float64 `yaml:"max_daily_loss_pct"`
	MaxTotalLossPct float64 `yaml:"max_total_loss_pct"`
	MinTradingDays  int     `yaml:"min_trading_days"`
	DrawdownType    string  `yaml:"drawdown_type"`
	MaxLeverage     int     `yaml:"max_leverage"`
	ProfitSplitPct  float64 `yaml:"profit_split_pct"`
	IsOnePhase      bool    `yaml:"is_one_phase"`
	IsInstant       bool    `yaml:"is_instant"`
	ConsistencyRule bool    `yaml:"consistency_rule"`
	IsActive        bool    `yaml:"is_active"`
	CreatedAt       time.Time
}

// Challenge is one purchased evaluation account.
type Challenge struct {
	ID                string
	UserID            string
	TypeID            string
	Status            string
	AccountMode       string
	InitialBalance    float64
	CurrentBalance    float64
	PeakEquity        float64
	DailyAnchorEquity float64
	DailyPnLRealized  float64
	TotalPnLRealized  float64
	TradingDaysCount  int
	ScalingStep       int
	AttemptNumber     int
	TotalTrades       int
	WinningTrades     int
	Quarantined       bool
	FailedReason      string
	StartedAt         time.Time
	TransitionedAt    sql.NullTime
	FailedAt          sql.NullTime
	CompletedAt       sql.NullTime
	DailyResetAt      sql.NullTime
	Version           int64
	UpdatedAt         time.Time
}

// Active reports whether the challenge may still trade.
func (c *Challenge) Active() bool {
	switch c.Status {
	case StatusPhase1, StatusPhase2, StatusFunded:
		return true
	}
	return false
}

// Terminal reports whether the challenge reached an immutable state.
func (c *Challenge) Terminal() bool {
	return c.Status == StatusFailed || c.Status == StatusCompleted
}

// Position is a single simulated trade of a challenge.
type Position struct {
	ID          string
	ChallengeID string
	Symbol      string
	Side        string
	Qty         float64
	Leverage    int
	EntryPrice  float64
	TakeProfit  float64
	StopLoss    float64
	MarginUsed  float64
	OpenedAt    time.Time
	ClosedAt    sql.NullTime
	ClosePrice  sql.NullFloat64
	CloseReason sql.NullString
	RealizedPnL sql.NullFloat64
}

// Open reports whether the position is still open.
func (p *Position) Open() bool { return !p.ClosedAt.Valid }

// DailyCounter accumulates per-day activity of a challenge.
type DailyCounter struct {
	ChallengeID        string
	Day                string // YYYY-MM-DD (UTC)
	RealizedPnL        float64
	WorstEquityDropPct float64
	TradesOpened       int
	TradesClosed       int
}

// Payout is a withdrawal request against a funded challenge.
type Payout struct {
	ID            string
	ChallengeID   string
	UserID        string
	Amount        float64
	WalletAddress string
	Network       string
	Status        string
	RequestedAt   time.Time
	ProcessedAt   sql.NullTime
	TxHash        sql.NullString
	RejectReason  sql.NullString
}

// RefreshToken is an opaque persisted session identifier.
type RefreshToken struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
}

// AuditEvent is the durable record written before any notification goes out.
type AuditEvent struct {
	ID          int64
	ChallengeID string
	EventType   string
	Payload     string
	CreatedAt   time.Time
}

// EquitySnapshot is a point on a challenge's equity curve.
type EquitySnapshot struct {
	ChallengeID string
	Equity      float64
	Balance     float64
	Ts          time.Time
}
