package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dkeye/huddle/internal/app/presence"
	"github.com/dkeye/huddle/internal/domain"
)

type presenceHandlers struct {
	presence *presence.Service
}

type setPresenceRequest struct {
	Status     string         `json:"status"`
	SessionID  *string        `json:"sessionId"`
	DeviceInfo map[string]any `json:"deviceInfo"`
}

func userID(c *gin.Context) (domain.UserID, bool) {
	id, err := domain.NewUserID(c.Param("userId"))
	if err != nil {
		writeError(c, err)
		return "", false
	}
	return id, true
}

func (h *presenceHandlers) set(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	var req setPresenceRequest
	if !bindJSON(c, &req) {
		return
	}
	status, err := domain.ParseStatus(req.Status)
	if err != nil {
		writeError(c, err)
		return
	}
	rec, err := h.presence.Set(c.Request.Context(), uid, presence.SetParams{
		Status:     status,
		SessionID:  req.SessionID,
		DeviceInfo: req.DeviceInfo,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *presenceHandlers) touch(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	rec, err := h.presence.Touch(c.Request.Context(), uid)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *presenceHandlers) offline(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	rec, err := h.presence.GoOffline(c.Request.Context(), uid)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *presenceHandlers) get(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	rec, err := h.presence.Get(c.Request.Context(), uid)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *presenceHandlers) online(c *gin.Context) {
	users, err := h.presence.Online(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (h *presenceHandlers) sessionMembers(c *gin.Context) {
	members, err := h.presence.SessionMembers(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": c.Param("sessionId"), "members": members})
}
