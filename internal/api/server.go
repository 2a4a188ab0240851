package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"krypton-core/internal/auth"
	"krypton-core/internal/leaderboard"
	"krypton-core/internal/ledger"
	"krypton-core/internal/payout"
	"krypton-core/internal/pricefeed"
	"krypton-core/internal/push"
	"krypton-core/pkg/cache"
	"krypton-core/pkg/config"
	"krypton-core/pkg/db"
)

const tradingOrdersPerMinute = 10

// Server wires the HTTP surface around the engine components.
type Server struct {
	Router      *gin.Engine
	DB          *db.Database
	Feed        *pricefeed.Feed
	Ledger      *ledger.Ledger
	Payouts     *payout.Service
	Leaderboard *leaderboard.Service
	Auth        *auth.Service
	Hub         *push.Hub
	Cache       *cache.Cache
}

// NewServer builds the router and its middleware stack.
func NewServer(cfg *config.Config, database *db.Database, feed *pricefeed.Feed, book *ledger.Ledger, payouts *payout.Service, boards *leaderboard.Service, sessions *auth.Service, hub *push.Hub, kv *cache.Cache) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(time.Duration(cfg.RequestTimeoutS) * time.Second))
	r.Use(CORSMiddleware(cfg.AllowedOrigins))

	s := &Server{
		Router:      r,
		DB:          database,
		Feed:        feed,
		Ledger:      book,
		Payouts:     payouts,
		Leaderboard: boards,
		Auth:        sessions,
		Hub:         hub,
		Cache:       kv,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws/trading/ws/:challenge_id", s.websocket)

	api := s.Router.Group("/api/v1")
	{
		authGroup := api.Group("/auth")
		{
			authGroup.POST("/telegram", s.authTelegram)
			authGroup.POST("/refresh", s.authRefresh)
		}

		// Leaderboards are public.
		api.GET("/leaderboard/monthly", s.getMonthlyLeaderboard)
		api.GET("/leaderboard/alltime", s.getAllTimeLeaderboard)

		protected := api.Group("")
		protected.Use(s.AuthMiddleware())
		{
			protected.GET("/challenges", s.listChallengeTypes)
			protected.POST("/challenges/purchase", s.purchaseChallenge)
			protected.GET("/challenges/my", s.myChallenges)
			protected.GET("/challenges/:id", s.getChallenge)
			protected.GET("/challenges/:id/rules", s.getChallengeRules)

			trading := protected.Group("/trading")
			{
				trading.POST("/order", TradingRateLimitMiddleware(s.Cache, tradingOrdersPerMinute), s.openOrder)
				trading.DELETE("/order/:id", s.closeOrder)
				trading.GET("/positions", s.getPositions)
				trading.DELETE("/positions/all", s.closeAllPositions)
				trading.GET("/history", s.getHistory)
				trading.GET("/kline", s.getKlines)
				trading.GET("/prices", s.getPrices)
			}

			stats := protected.Group("/stats")
			{
				stats.GET("/dashboard", s.getDashboard)
				stats.GET("/equity-curve", s.getEquityCurve)
			}

			payouts := protected.Group("/payouts")
			{
				payouts.GET("", s.listPayouts)
				payouts.GET("/available", s.getAvailablePayout)
				payouts.POST("/request", s.requestPayout)
			}

			admin := protected.Group("/admin")
			admin.Use(RequireAdmin())
			{
				admin.GET("/users", s.adminListUsers)
				admin.POST("/users/:id/block", s.adminBlockUser)
				admin.GET("/challenges", s.adminListChallenges)
				admin.POST("/challenges/:id/close", s.adminCloseChallenge)
				admin.GET("/payouts", s.adminListPayouts)
				admin.POST("/payouts/:id/approve", s.adminApprovePayout)
				admin.POST("/payouts/:id/reject", s.adminRejectPayout)
				admin.POST("/payouts/:id/sent", s.adminMarkPayoutSent)
				admin.GET("/stats/overview", s.adminOverview)
			}
		}
	}
}

func (s *Server) health(c *gin.Context) {
	respondOK(c, gin.H{"status": "ok"})
}

// Start runs the HTTP server.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
