package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"krypton-core/pkg/apperr"
	"krypton-core/pkg/db"
)

// envelope is the stable response shape: {success, data, message?}.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data"`
	Message string `json:"message,omitempty"`
}

func respondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, envelope{Success: true, Data: data})
}

func respondCreated(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, envelope{Success: true, Data: data})
}

// respondErr maps the typed error taxonomy to HTTP exactly once.
func respondErr(c *gin.Context, err error) {
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, envelope{Success: false, Message: "not found"})
		return
	}

	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindInvalidInput:
		status = http.StatusBadRequest
	case apperr.KindUnauthenticated:
		status = http.StatusUnauthorized
	case apperr.KindForbidden:
		status = http.StatusForbidden
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindConflict:
		status = http.StatusConflict
	case apperr.KindPreconditionFailed:
		status = http.StatusUnprocessableEntity
	case apperr.KindUnavailable:
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		log.Printf("[API] internal error: %v", err)
	}
	c.JSON(status, envelope{Success: false, Message: apperr.MessageOf(err)})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, envelope{Success: false, Message: msg})
}
