// Package http exposes the control surface and the socket upgrade routes.
package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/adapters/ws"
	"github.com/dkeye/huddle/internal/app/broker"
	"github.com/dkeye/huddle/internal/app/presence"
	"github.com/dkeye/huddle/internal/app/room"
	"github.com/dkeye/huddle/internal/domain"
)

// MessageHistory reads persisted chat messages.
type MessageHistory interface {
	RecentMessages(ctx context.Context, roomID int64, limit int) ([]domain.ChatMessage, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Deps struct {
	Mode     string
	Rooms    *room.Service
	Presence *presence.Service
	Broker   *broker.Service
	History  MessageHistory
	Sockets  *ws.Controller
	Checks   map[string]HealthCheck
}

func SetupRouter(ctx context.Context, d Deps) *gin.Engine {
	if d.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if d.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", healthz(d.Checks))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")

	rh := &roomHandlers{rooms: d.Rooms}
	rooms := api.Group("/rooms")
	rooms.GET("", rh.list)
	rooms.POST("", rh.create)
	rooms.GET("/:id", rh.info)
	rooms.POST("/:id/join", rh.join)
	rooms.POST("/:id/leave", rh.leave)
	rooms.GET("/:id/settings", rh.settings)
	rooms.PATCH("/:id/settings", rh.patchSettings)
	rooms.PATCH("/:id/metadata", rh.patchMetadata)
	rooms.GET("/:id/ice-servers", rh.iceServers)
	rooms.GET("/:id/metrics", rh.metrics)
	rooms.GET("/:id/ws", func(c *gin.Context) { d.Sockets.HandleRoom(ctx, c) })

	ph := &presenceHandlers{presence: d.Presence}
	api.GET("/presence/:userId", ph.get)
	api.PUT("/presence/:userId", ph.set)
	api.POST("/presence/:userId/touch", ph.touch)
	api.POST("/presence/:userId/offline", ph.offline)
	api.GET("/online", ph.online)
	api.GET("/sessions/:sessionId/members", ph.sessionMembers)

	bh := &brokerHandlers{broker: d.Broker, history: d.History}
	api.POST("/broker/publish", bh.publish)
	api.GET("/chat/:roomId/messages", bh.chatHistory)

	r.GET("/ws/broker", func(c *gin.Context) { d.Sockets.HandleBroker(ctx, c) })

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}

// writeError maps a domain error to its status and a JSON body.
func writeError(c *gin.Context, err error) {
	e := domain.AsError(err)
	status := e.HTTPStatus()
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": e.Message, "code": string(e.Kind)})
}

// bindJSON decodes the body into dst. An empty body leaves dst untouched.
func bindJSON(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		writeError(c, domain.ValidationError("invalid request body"))
		return false
	}
	return true
}

func healthz(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(c.Request.Context()); err != nil {
				status = http.StatusServiceUnavailable
				results[name] = err.Error()
				continue
			}
			results[name] = "ok"
		}
		c.JSON(status, gin.H{"status": http.StatusText(status), "checks": results})
	}
}
