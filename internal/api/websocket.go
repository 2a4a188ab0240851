package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"krypton-core/pkg/db"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// websocket upgrades a client onto a challenge's push stream. The token
// travels as a query parameter since browsers cannot set headers on the
// upgrade request; the principal must own the challenge or hold admin.
func (s *Server) websocket(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, envelope{Success: false, Message: "token is required"})
		return
	}
	claims, err := s.Auth.Principal(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, envelope{Success: false, Message: "invalid or expired token"})
		return
	}

	challengeID := c.Param("challenge_id")
	challenge, err := s.DB.NewStore().GetChallenge(c.Request.Context(), challengeID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, envelope{Success: false, Message: "challenge not found"})
		return
	}
	if challenge.UserID != claims.UserID && claims.Role != db.RoleAdmin && claims.Role != db.RoleSuperAdmin {
		c.AbortWithStatusJSON(http.StatusForbidden, envelope{Success: false, Message: "not your challenge"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[PUSH] ws upgrade error: %v", err)
		return
	}

	client := s.Hub.Register(challengeID)

	// Reader goroutine: the protocol is server-push only, but reading drains
	// control frames and surfaces disconnects.
	go func() {
		defer client.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	client.Run(conn)
}
