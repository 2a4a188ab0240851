package api

import (
	"strings"

	"github.com/gin-gonic/gin"
)

type telegramAuthRequest struct {
	InitData     string `json:"init_data" binding:"required"`
	ReferralCode string `json:"referral_code"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// authTelegram verifies the host init material and issues a token pair.
func (s *Server) authTelegram(c *gin.Context) {
	var req telegramAuthRequest
	if err := c.BindJSON(&req); err != nil {
		badRequest(c, "invalid request payload")
		return
	}

	pair, err := s.Auth.Authenticate(c.Request.Context(), req.InitData, strings.TrimSpace(req.ReferralCode))
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, pair)
}

// authRefresh rotates a refresh token into a fresh pair.
func (s *Server) authRefresh(c *gin.Context) {
	var req refreshRequest
	if err := c.BindJSON(&req); err != nil {
		badRequest(c, "invalid request payload")
		return
	}

	pair, err := s.Auth.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, pair)
}
