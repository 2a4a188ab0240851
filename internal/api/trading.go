package api

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"krypton-core/internal/ledger"
	"krypton-core/internal/pricefeed"
	"krypton-core/pkg/apperr"
	"krypton-core/pkg/db"
)

type openOrderRequest struct {
	ChallengeID string  `json:"challenge_id" binding:"required"`
	Symbol      string  `json:"symbol" binding:"required"`
	Side        string  `json:"side" binding:"required,oneof=long short"`
	Qty         float64 `json:"qty" binding:"gt=0"`
	Leverage    int     `json:"leverage" binding:"gte=1"`
	TakeProfit  float64 `json:"take_profit" binding:"gte=0"`
	StopLoss    float64 `json:"stop_loss" binding:"gte=0"`
}

// openOrder opens a simulated position against the live mark price.
func (s *Server) openOrder(c *gin.Context) {
	var req openOrderRequest
	if err := c.BindJSON(&req); err != nil {
		badRequest(c, "invalid request payload")
		return
	}

	challenge, err := s.ownedChallenge(c, req.ChallengeID)
	if err != nil {
		respondErr(c, err)
		return
	}

	pos, err := s.Ledger.OpenPosition(c.Request.Context(), challenge.ID, ledger.OpenRequest{
		Symbol:     req.Symbol,
		Side:       req.Side,
		Qty:        req.Qty,
		Leverage:   req.Leverage,
		TakeProfit: req.TakeProfit,
		StopLoss:   req.StopLoss,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	respondCreated(c, ledger.PositionView(pos, pos.EntryPrice))
}

// closeOrder closes one position at the current mark.
func (s *Server) closeOrder(c *gin.Context) {
	positionID := c.Param("id")

	probe, err := s.DB.NewStore().GetPosition(c.Request.Context(), positionID)
	if err != nil {
		respondErr(c, err)
		return
	}
	challenge, err := s.ownedChallenge(c, probe.ChallengeID)
	if err != nil {
		respondErr(c, err)
		return
	}

	reason := db.CloseManual
	if p := CurrentPrincipal(c); IsAdmin(p) && challenge.UserID != p.UserID {
		reason = db.CloseAdmin
	}

	pos, err := s.Ledger.ClosePosition(c.Request.Context(), positionID, reason)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, ledger.PositionView(pos, pos.ClosePrice.Float64))
}

// getPositions lists open positions with live marks.
func (s *Server) getPositions(c *gin.Context) {
	challenge, err := s.ownedChallenge(c, c.Query("challenge_id"))
	if err != nil {
		respondErr(c, err)
		return
	}

	open, err := s.Ledger.ListOpen(c.Request.Context(), challenge.ID)
	if err != nil {
		respondErr(c, err)
		return
	}

	out := make([]ledger.View, 0, len(open))
	for i := range open {
		pos := &open[i]
		mark := pos.EntryPrice
		if price, _, ok := s.Feed.Latest(pos.Symbol); ok {
			mark = price
		}
		out = append(out, ledger.PositionView(pos, mark))
	}
	respondOK(c, out)
}

// closeAllPositions force-closes everything open on a challenge (manual).
func (s *Server) closeAllPositions(c *gin.Context) {
	challenge, err := s.ownedChallenge(c, c.Query("challenge_id"))
	if err != nil {
		respondErr(c, err)
		return
	}

	reason := db.CloseManual
	if IsAdmin(CurrentPrincipal(c)) && challenge.UserID != CurrentPrincipal(c).UserID {
		reason = db.CloseAdmin
	}

	closed, err := s.Ledger.CloseAll(c.Request.Context(), challenge.ID, reason)
	if err != nil {
		respondErr(c, err)
		return
	}

	out := make([]ledger.View, 0, len(closed))
	for i := range closed {
		out = append(out, ledger.PositionView(&closed[i], closed[i].ClosePrice.Float64))
	}
	respondOK(c, out)
}

// getHistory pages through closed trades.
func (s *Server) getHistory(c *gin.Context) {
	challenge, err := s.ownedChallenge(c, c.Query("challenge_id"))
	if err != nil {
		respondErr(c, err)
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	page, err := s.Ledger.History(c.Request.Context(), challenge.ID, c.Query("cursor"), limit, db.HistoryFilter{
		Side:   c.Query("side"),
		Symbol: c.Query("symbol"),
	})
	if err != nil {
		respondErr(c, err)
		return
	}

	items := make([]ledger.View, 0, len(page.Items))
	for i := range page.Items {
		items = append(items, ledger.PositionView(&page.Items[i], 0))
	}
	respondOK(c, gin.H{
		"items":       items,
		"next_cursor": page.NextCursor,
		"has_more":    page.HasMore,
	})
}

// getKlines serves candlestick bars from the feed's rolling buffer.
func (s *Server) getKlines(c *gin.Context) {
	symbol := c.Query("symbol")
	interval := c.DefaultQuery("interval", "1m")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	if !s.Feed.Tracked(symbol) {
		respondErr(c, apperr.New(apperr.KindInvalidInput, "symbol is not tracked"))
		return
	}
	if !pricefeed.SupportedInterval(interval) {
		respondErr(c, apperr.New(apperr.KindInvalidInput, "unsupported interval"))
		return
	}

	bars := s.Feed.Klines(symbol, interval, limit)
	out := make([]gin.H, 0, len(bars))
	for _, b := range bars {
		out = append(out, gin.H{
			"open_time":  b.OpenTime,
			"open":       b.Open,
			"high":       b.High,
			"low":        b.Low,
			"close":      b.Close,
			"volume":     b.Volume,
			"close_time": b.CloseTime,
		})
	}
	respondOK(c, out)
}

// getPrices returns the latest price of every tracked symbol.
func (s *Server) getPrices(c *gin.Context) {
	respondOK(c, s.Feed.Snapshot())
}
