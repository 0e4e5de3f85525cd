package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dkeye/huddle/internal/app/broker"
	"github.com/dkeye/huddle/internal/domain"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

type brokerHandlers struct {
	broker  *broker.Service
	history MessageHistory
}

// publishRequest carries the body either as a JSON value, sent as its
// encoding, or as a plain string, sent verbatim.
type publishRequest struct {
	Destination string          `json:"destination"`
	Body        json.RawMessage `json:"body"`
	User        string          `json:"user"`
}

func (h *brokerHandlers) publish(c *gin.Context) {
	var req publishRequest
	if !bindJSON(c, &req) {
		return
	}
	body := []byte(req.Body)
	var s string
	if err := json.Unmarshal(req.Body, &s); err == nil {
		body = []byte(s)
	}
	n, err := h.broker.Publish(c.Request.Context(), req.Destination, body, domain.UserID(req.User))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivered": n})
}

func (h *brokerHandlers) chatHistory(c *gin.Context) {
	roomID, err := strconv.ParseInt(c.Param("roomId"), 10, 64)
	if err != nil || roomID <= 0 {
		writeError(c, domain.ValidationError("roomId must be a positive integer"))
		return
	}
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxHistoryLimit {
			writeError(c, domain.ValidationError("limit must be between 1 and %d", maxHistoryLimit))
			return
		}
	}
	msgs, err := h.history.RecentMessages(c.Request.Context(), roomID, limit)
	if err != nil {
		writeError(c, domain.ExternalError("read chat history", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}
