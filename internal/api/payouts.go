package api

import (
	"github.com/gin-gonic/gin"
)

type payoutRequestBody struct {
	ChallengeID   string  `json:"challenge_id" binding:"required"`
	Amount        float64 `json:"amount" binding:"gt=0"`
	WalletAddress string  `json:"wallet_address" binding:"required"`
	Network       string  `json:"network" binding:"required"`
}

// getAvailablePayout reports what the funded trader can withdraw.
func (s *Server) getAvailablePayout(c *gin.Context) {
	challenge, err := s.ownedChallenge(c, c.Query("challenge_id"))
	if err != nil {
		respondErr(c, err)
		return
	}

	avail, err := s.Payouts.Available(c.Request.Context(), challenge.ID)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, avail)
}

// requestPayout creates a pending withdrawal.
func (s *Server) requestPayout(c *gin.Context) {
	var req payoutRequestBody
	if err := c.BindJSON(&req); err != nil {
		badRequest(c, "invalid request payload")
		return
	}

	p := CurrentPrincipal(c)
	created, err := s.Payouts.Request(c.Request.Context(), p.UserID, req.ChallengeID, req.Amount, req.WalletAddress, req.Network)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondCreated(c, payoutView(created))
}

// listPayouts lists the caller's payouts for one challenge.
func (s *Server) listPayouts(c *gin.Context) {
	challenge, err := s.ownedChallenge(c, c.Query("challenge_id"))
	if err != nil {
		respondErr(c, err)
		return
	}

	payouts, err := s.Payouts.List(c.Request.Context(), challenge.ID)
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

// getMonthlyLeaderboard serves the cached monthly ranking.
func (s *Server) getMonthlyLeaderboard(c *gin.Context) {
	limit := parseLimit(c.DefaultQuery("limit", "100"))
	entries, err := s.Leaderboard.Monthly(c.Request.Context(), limit)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, entries)
}

// getAllTimeLeaderboard serves the cached all-time ranking.
func (s *Server) getAllTimeLeaderboard(c *gin.Context) {
	limit := parseLimit(c.DefaultQuery("limit", "100"))
	entries, err := s.Leaderboard.AllTime(c.Request.Context(), limit)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, entries)
}
