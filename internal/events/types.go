package events

// Event enumerates high-level topics inside the engine.
type Event string

const (
	EventPriceTick Event = "price_tick"
	EventRiskAlert Event = "risk_alert"
)

// Push channel event types delivered to clients; also used as audit event
// types so the durable record and the notification share one vocabulary.
const (
	TypeBalanceUpdate   = "balance_update"
	TypePositionOpened  = "position_opened"
	TypePositionClosed  = "position_closed"
	TypePhaseTransition = "phase_transition"
	TypePayoutStatus    = "payout_status"
	TypeChallengeFailed = "challenge_failed"
	TypeDrawdownWarning = "drawdown_warning"
)

// ChallengeEvent is the envelope fanned out per challenge. Terminal events
// (everything except balance updates and warnings) must never be dropped by a
// client buffer.
type ChallengeEvent struct {
	ChallengeID string `json:"challenge_id"`
	Type        string `json:"type"`
	Data        any    `json:"data"`
}

// Terminal reports whether the event is state-carrying and must survive
// backpressure.
func (e ChallengeEvent) Terminal() bool {
	switch e.Type {
	case TypeBalanceUpdate, TypeDrawdownWarning:
		return false
	}
	return true
}
