package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dkeye/huddle/internal/app/room"
	"github.com/dkeye/huddle/internal/domain"
)

type roomHandlers struct {
	rooms *room.Service
}

type createRoomRequest struct {
	RoomType        string         `json:"roomType"`
	MaxParticipants int            `json:"maxParticipants"`
	Metadata        map[string]any `json:"metadata"`
}

type joinRequest struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

func roomID(c *gin.Context) (domain.RoomID, bool) {
	id, err := domain.ParseRoomID(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return "", false
	}
	return id, true
}

func (h *roomHandlers) list(c *gin.Context) {
	rooms, err := h.rooms.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

func (h *roomHandlers) create(c *gin.Context) {
	var req createRoomRequest
	if !bindJSON(c, &req) {
		return
	}
	mt, err := domain.ParseMediaType(req.RoomType)
	if err != nil {
		writeError(c, err)
		return
	}
	snap, err := h.rooms.Create(c.Request.Context(), room.InitParams{
		Type:            mt,
		MaxParticipants: req.MaxParticipants,
		Metadata:        req.Metadata,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

func (h *roomHandlers) info(c *gin.Context) {
	id, ok := roomID(c)
	if !ok {
		return
	}
	snap, err := h.rooms.Info(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *roomHandlers) join(c *gin.Context) {
	id, ok := roomID(c)
	if !ok {
		return
	}
	var req joinRequest
	if !bindJSON(c, &req) {
		return
	}
	uid, err := domain.NewUserID(req.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	name, err := domain.NormalizeUsername(req.UserName, uid)
	if err != nil {
		writeError(c, err)
		return
	}
	snap, err := h.rooms.Join(c.Request.Context(), id, uid, name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *roomHandlers) leave(c *gin.Context) {
	id, ok := roomID(c)
	if !ok {
		return
	}
	var req joinRequest
	if !bindJSON(c, &req) {
		return
	}
	uid, err := domain.NewUserID(req.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := h.rooms.Leave(c.Request.Context(), id, uid); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *roomHandlers) settings(c *gin.Context) {
	id, ok := roomID(c)
	if !ok {
		return
	}
	s, err := h.rooms.Settings(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *roomHandlers) patchSettings(c *gin.Context) {
	id, ok := roomID(c)
	if !ok {
		return
	}
	var patch domain.SettingsPatch
	if !bindJSON(c, &patch) {
		return
	}
	s, err := h.rooms.PatchSettings(c.Request.Context(), id, patch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *roomHandlers) patchMetadata(c *gin.Context) {
	id, ok := roomID(c)
	if !ok {
		return
	}
	var patch map[string]any
	if !bindJSON(c, &patch) {
		return
	}
	m, err := h.rooms.PatchMetadata(c.Request.Context(), id, patch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"metadata": m})
}

func (h *roomHandlers) iceServers(c *gin.Context) {
	id, ok := roomID(c)
	if !ok {
		return
	}
	out, err := h.rooms.TraversalServers(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *roomHandlers) metrics(c *gin.Context) {
	id, ok := roomID(c)
	if !ok {
		return
	}
	out, err := h.rooms.Metrics(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
