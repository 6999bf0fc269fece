package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/liblocker/liblocker/internal/agents"
	"github.com/liblocker/liblocker/internal/auth"
	"github.com/liblocker/liblocker/internal/sessions"
)

// respondError maps domain errors to status codes. Anything unrecognised is
// logged and reported as a 500 without detail.
func respondError(c *gin.Context, err error, action string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, agents.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, sessions.ErrAgentUnreachable),
		errors.Is(err, sessions.ErrNoActiveSession),
		errors.Is(err, sessions.ErrSessionActive),
		errors.Is(err, sessions.ErrUnlimitedSession),
		errors.Is(err, agents.ErrConflict),
		errors.Is(err, agents.ErrSessionClosed):
		status = http.StatusConflict
	case errors.Is(err, sessions.ErrInvalidDuration),
		errors.Is(err, sessions.ErrInvalidTariff),
		errors.Is(err, sessions.ErrEmptyCredential),
		errors.Is(err, auth.ErrWeakPassword):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "action", action, "error", err)
		c.JSON(status, gin.H{"error": "failed to " + action})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func agentIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid agent id"})
		return 0, false
	}
	return id, true
}

// joinedErrors flattens an errors.Join result into messages.
func joinedErrors(err error) []string {
	if err == nil {
		return nil
	}
	if multi, ok := err.(interface{ Unwrap() []error }); ok {
		msgs := make([]string, 0, len(multi.Unwrap()))
		for _, e := range multi.Unwrap() {
			msgs = append(msgs, e.Error())
		}
		return msgs
	}
	return []string{err.Error()}
}
