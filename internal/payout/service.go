// Package payout gates withdrawals from funded challenges and tracks their
// administrative approval.
package payout

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"krypton-core/internal/account"
	"krypton-core/internal/events"
	"krypton-core/internal/push"
	"krypton-core/pkg/apperr"
	"krypton-core/pkg/db"
)

var validNetworks = map[string]bool{"TRC20": true, "ERC20": true, "BEP20": true}

// Service owns the payout lifecycle.
type Service struct {
	database   *db.Database
	locks      *account.LockManager
	dispatcher *push.Dispatcher
	minPayout  float64
}

// New wires the payout ledger.
func New(database *db.Database, locks *account.LockManager, dispatcher *push.Dispatcher, minPayout float64) *Service {
	return &Service{database: database, locks: locks, dispatcher: dispatcher, minPayout: minPayout}
}

// Availability is the user's view of what can be withdrawn.
type Availability struct {
	ChallengeID     string  `json:"challenge_id"`
	AvailableAmount float64 `json:"available_amount"`
	ProfitSplitPct  float64 `json:"profit_split_pct"`
	MinPayout       float64 `json:"min_payout"`
	CanRequest      bool    `json:"can_request"`
	PendingPayout   bool    `json:"pending_payout"`
}

// Available computes the withdrawable amount: the trader's split of realized
// profit since funding, minus everything already pending, approved or sent.
func (s *Service) Available(ctx context.Context, challengeID string) (*Availability, error) {
	store := s.database.NewStore()

	c, err := store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	ct, err := store.GetChallengeType(ctx, c.TypeID)
	if err != nil {
		return nil, err
	}

	committed, err := store.SumCommittedPayouts(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	hasPending, err := store.HasPendingPayout(ctx, challengeID)
	if err != nil {
		return nil, err
	}

	var available float64
	if c.Status == db.StatusFunded && c.TotalPnLRealized > 0 {
		available = c.TotalPnLRealized * ct.ProfitSplitPct / 100
	}
	available -= committed
	if available < 0 {
		available = 0
	}

	return &Availability{
		ChallengeID:     challengeID,
		AvailableAmount: available,
		ProfitSplitPct:  ct.ProfitSplitPct,
		MinPayout:       s.minPayout,
		CanRequest:      c.Status == db.StatusFunded && available >= s.minPayout && !hasPending,
		PendingPayout:   hasPending,
	}, nil
}

// Request creates a pending payout for the challenge owner.
func (s *Service) Request(ctx context.Context, userID, challengeID string, amount float64, walletAddress, network string) (*db.Payout, error) {
	network = strings.ToUpper(strings.TrimSpace(network))
	if !validNetworks[network] {
		return nil, apperr.New(apperr.KindInvalidInput, "network must be TRC20, ERC20 or BEP20")
	}
	if len(strings.TrimSpace(walletAddress)) < 10 {
		return nil, apperr.New(apperr.KindInvalidInput, "invalid wallet address")
	}
	if amount < s.minPayout {
		return nil, apperr.Newf(apperr.KindPreconditionFailed, "minimum payout is %.2f USDT", s.minPayout)
	}

	lock := s.locks.Get(challengeID)
	lock.Lock()
	defer lock.Unlock()

	store := s.database.NewStore()
	c, err := store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if c.UserID != userID {
		return nil, apperr.New(apperr.KindNotFound, "challenge not found")
	}
	if c.Status != db.StatusFunded {
		return nil, apperr.New(apperr.KindPreconditionFailed, "payouts require a funded challenge")
	}

	avail, err := s.Available(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if avail.PendingPayout {
		return nil, apperr.New(apperr.KindConflict, "a pending payout already exists")
	}
	if amount > avail.AvailableAmount {
		return nil, apperr.Newf(apperr.KindPreconditionFailed, "amount exceeds available %.2f", avail.AvailableAmount)
	}

	p := db.Payout{
		ID:            uuid.NewString(),
		ChallengeID:   challengeID,
		UserID:        userID,
		Amount:        amount,
		WalletAddress: strings.TrimSpace(walletAddress),
		Network:       network,
		Status:        db.PayoutPending,
		RequestedAt:   time.Now().UTC(),
	}

	err = s.database.InTx(ctx, func(tx *db.Store) error {
		if err := tx.CreatePayout(ctx, p); err != nil {
			return err
		}
		return tx.InsertAuditEvent(ctx, challengeID, events.TypePayoutStatus, payoutJSON(&p))
	})
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, apperr.New(apperr.KindConflict, "a pending payout already exists")
		}
		return nil, err
	}

	s.emitStatus(&p)
	return &p, nil
}

// List returns the payouts of a challenge.
func (s *Service) List(ctx context.Context, challengeID string) ([]db.Payout, error) {
	return s.database.NewStore().ListPayouts(ctx, challengeID, "")
}

// ListByStatus serves the admin listing.
func (s *Service) ListByStatus(ctx context.Context, status string) ([]db.Payout, error) {
	return s.database.NewStore().ListPayouts(ctx, "", status)
}

// Approve commits a pending payout (admin). The amount stays accounted as
// paid_or_pending.
func (s *Service) Approve(ctx context.Context, payoutID string) (*db.Payout, error) {
	return s.transition(ctx, payoutID, db.PayoutPending, db.PayoutApproved, "", "")
}

// Reject releases a pending payout back to the available pool (admin).
func (s *Service) Reject(ctx context.Context, payoutID, reason string) (*db.Payout, error) {
	return s.transition(ctx, payoutID, db.PayoutPending, db.PayoutRejected, "", reason)
}

// MarkSent finalizes an approved payout with the settlement hash (admin).
func (s *Service) MarkSent(ctx context.Context, payoutID, txHash string) (*db.Payout, error) {
	if strings.TrimSpace(txHash) == "" {
		return nil, apperr.New(apperr.KindInvalidInput, "tx_hash is required")
	}
	return s.transition(ctx, payoutID, db.PayoutApproved, db.PayoutSent, txHash, "")
}

func (s *Service) transition(ctx context.Context, payoutID, from, to, txHash, rejectReason string) (*db.Payout, error) {
	store := s.database.NewStore()
	probe, err := store.GetPayout(ctx, payoutID)
	if err != nil {
		return nil, err
	}

	lock := s.locks.Get(probe.ChallengeID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	err = s.database.InTx(ctx, func(tx *db.Store) error {
		if err := tx.UpdatePayoutStatus(ctx, payoutID, from, to, txHash, rejectReason, now); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return apperr.Newf(apperr.KindConflict, "payout is not %s", from)
			}
			return err
		}
		p, err := tx.GetPayout(ctx, payoutID)
		if err != nil {
			return err
		}
		probe = p
		return tx.InsertAuditEvent(ctx, p.ChallengeID, events.TypePayoutStatus, payoutJSON(p))
	})
	if err != nil {
		return nil, err
	}

	s.emitStatus(probe)
	return probe, nil
}

func (s *Service) emitStatus(p *db.Payout) {
	s.dispatcher.Emit(events.ChallengeEvent{
		ChallengeID: p.ChallengeID,
		Type:        events.TypePayoutStatus,
		Data: map[string]any{
			"payout_id": p.ID,
			"amount":    p.Amount,
			"status":    p.Status,
			"network":   p.Network,
		},
	})
}

func payoutJSON(p *db.Payout) string {
	raw, err := json.Marshal(map[string]any{
		"payout_id": p.ID,
		"amount":    p.Amount,
		"status":    p.Status,
	})
	if err != nil {
		return "{}"
	}
	return string(raw)
}
