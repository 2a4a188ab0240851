package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"krypton-core/internal/phase"
	"krypton-core/pkg/apperr"
	"krypton-core/pkg/db"
)

func parseLimit(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 100
	}
	if n > 500 {
		return 500
	}
	return n
}

// adminListUsers pages through the user base.
func (s *Server) adminListUsers(c *gin.Context) {
	limit := parseLimit(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	users, err := s.DB.NewStore().ListUsers(c.Request.Context(), limit, offset)
	if err != nil {
		respondErr(c, err)
		return
	}

	out := make([]gin.H, 0, len(users))
	for _, u := range users {
		out = append(out, gin.H{
			"id":          u.ID,
			"telegram_id": u.TelegramID,
			"username":    u.Username,
			"first_name":  u.FirstName,
			"role":        u.Role,
			"is_blocked":  u.IsBlocked,
			"created_at":  u.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	respondOK(c, out)
}

type blockRequest struct {
	Blocked bool `json:"blocked"`
}

// adminBlockUser flips the blocked flag; users are never deleted.
func (s *Server) adminBlockUser(c *gin.Context) {
	var req blockRequest
	if err := c.BindJSON(&req); err != nil {
		badRequest(c, "invalid request payload")
		return
	}

	ctx := c.Request.Context()
	store := s.DB.NewStore()
	userID := c.Param("id")

	if _, err := store.GetUserByID(ctx, userID); err != nil {
		respondErr(c, err)
		return
	}
	if err := store.SetUserBlocked(ctx, userID, req.Blocked); err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, gin.H{"user_id": userID, "is_blocked": req.Blocked})
}

// adminListChallenges lists every active challenge.
func (s *Server) adminListChallenges(c *gin.Context) {
	challenges, err := s.DB.NewStore().ListActiveChallenges(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}

	out := make([]challengeView, 0, len(challenges))
	for i := range challenges {
		out = append(out, viewChallenge(&challenges[i]))
	}
	respondOK(c, out)
}

// adminCloseChallenge retires a challenge: all positions are force-closed and
// the status becomes completed.
func (s *Server) adminCloseChallenge(c *gin.Context) {
	ctx := c.Request.Context()
	store := s.DB.NewStore()
	challengeID := c.Param("id")

	challenge, err := store.GetChallenge(ctx, challengeID)
	if err != nil {
		respondErr(c, err)
		return
	}
	if challenge.Terminal() {
		respondErr(c, apperr.New(apperr.KindPreconditionFailed, "challenge already terminal"))
		return
	}

	if _, err := s.Ledger.CloseAll(ctx, challengeID, db.CloseAdmin); err != nil {
		respondErr(c, err)
		return
	}

	// Reload: CloseAll bumped the version.
	challenge, err = store.GetChallenge(ctx, challengeID)
	if err != nil {
		respondErr(c, err)
		return
	}
	phase.Complete(challenge, time.Now().UTC())
	if err := store.UpdateChallenge(ctx, challenge); err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, viewChallenge(challenge))
}

// adminListPayouts lists payouts by status (default pending).
func (s *Server) adminListPayouts(c *gin.Context) {
	status := c.DefaultQuery("status", db.PayoutPending)
	payouts, err := s.Payouts.ListByStatus(c.Request.Context(), status)
	if err != nil {
		respondErr(c, err)
		return
	}

	out := make([]gin.H, 0, len(payouts))
	for i := range payouts {
		out = append(out, payoutView(&payouts[i]))
	}
	respondOK(c, out)
}

// adminApprovePayout commits a pending payout.
func (s *Server) adminApprovePayout(c *gin.Context) {
	p, err := s.Payouts.Approve(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, payoutView(p))
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

// adminRejectPayout releases a pending payout.
func (s *Server) adminRejectPayout(c *gin.Context) {
	var req rejectRequest
	_ = c.BindJSON(&req)

	p, err := s.Payouts.Reject(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, payoutView(p))
}

type sentRequest struct {
	TxHash string `json:"tx_hash" binding:"required"`
}

// adminMarkPayoutSent finalizes an approved payout with its tx hash.
func (s *Server) adminMarkPayoutSent(c *gin.Context) {
	var req sentRequest
	if err := c.BindJSON(&req); err != nil {
		badRequest(c, "tx_hash is required")
		return
	}

	p, err := s.Payouts.MarkSent(c.Request.Context(), c.Param("id"), req.TxHash)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, payoutView(p))
}

// adminOverview serves platform-wide counters.
func (s *Server) adminOverview(c *gin.Context) {
	overview, err := s.DB.NewStore().GetOverview(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, gin.H{
		"users":             overview.Users,
		"active_challenges": overview.ActiveChallenges,
		"funded_challenges": overview.FundedChallenges,
		"failed_challenges": overview.FailedChallenges,
		"pending_payouts":   overview.PendingPayouts,
		"paid_out_total":    overview.PaidOutTotal,
	})
}
