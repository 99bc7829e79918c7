// Package httpapi exposes the HTTP surface: health, room inspection, room
// deletion and the WebSocket endpoint.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cory-johannsen/quizhub/internal/gateway"
	"github.com/cory-johannsen/quizhub/internal/observability"
	"github.com/cory-johannsen/quizhub/internal/registry"
)

// DefaultTopCount is the number of players /rooms/:pin/top returns without a count.
const DefaultTopCount = 3

// HealthChecker reports whether a backing dependency is reachable.
type HealthChecker interface {
	Health(ctx context.Context, timeout time.Duration) error
}

// Deps are the collaborators the router serves.
type Deps struct {
	Registry  *registry.Registry
	Gateway   *gateway.Gateway
	WebSocket *gateway.Server
	// Health is optional; nil reports the store as always healthy.
	Health         HealthChecker
	AllowedOrigins []string
	Logger         *zap.Logger
}

type handlers struct {
	deps Deps
}

// NewRouter builds the gin engine.
//
// Precondition: Registry, Gateway, WebSocket and Logger must be non-nil.
func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), observability.RequestLogger(deps.Logger))
	r.Use(cors.New(corsConfig(deps.AllowedOrigins)))

	h := &handlers{deps: deps}
	r.GET("/healthz", h.health)
	r.GET("/ws", deps.WebSocket.Handler())

	rooms := r.Group("/rooms/:pin")
	rooms.GET("", h.getRoom)
	rooms.GET("/leaderboard", h.leaderboard)
	rooms.GET("/top", h.topPlayers)
	rooms.DELETE("", h.deleteRoom)
	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}

func (h *handlers) health(c *gin.Context) {
	body := gin.H{
		"status":      "ok",
		"connections": h.deps.Gateway.Sessions().ConnCount(),
	}
	if h.deps.Health != nil {
		if err := h.deps.Health.Health(c.Request.Context(), 2*time.Second); err != nil {
			_ = c.Error(err)
			body["status"] = "degraded"
			body["error"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
	}
	c.JSON(http.StatusOK, body)
}

func (h *handlers) getRoom(c *gin.Context) {
	room, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *handlers) leaderboard(c *gin.Context) {
	if _, ok := h.lookup(c); !ok {
		return
	}
	board, err := h.deps.Registry.GetFinalLeaderboard(c.Request.Context(), c.Param("pin"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, board)
}

func (h *handlers) topPlayers(c *gin.Context) {
	count := DefaultTopCount
	if raw := c.Query("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "count must be a non-negative integer"})
			return
		}
		count = n
	}
	if _, ok := h.lookup(c); !ok {
		return
	}
	top, err := h.deps.Registry.GetTopPlayers(c.Request.Context(), c.Param("pin"), count)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, top)
}

func (h *handlers) deleteRoom(c *gin.Context) {
	pin := c.Param("pin")
	if _, ok := h.lookup(c); !ok {
		return
	}
	if err := h.deps.Gateway.CloseRoom(c.Request.Context(), pin); err != nil {
		h.fail(c, err)
		return
	}
	h.deps.Logger.Info("room deleted over http", zap.String("pin", pin))
	c.Status(http.StatusNoContent)
}

// lookup loads the room named by the :pin parameter, writing a 404 when absent.
func (h *handlers) lookup(c *gin.Context) (registry.Room, bool) {
	room, found, err := h.deps.Registry.GetRoom(c.Request.Context(), c.Param("pin"))
	if err != nil {
		h.fail(c, err)
		return registry.Room{}, false
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": registry.ErrRoomNotFound.Error()})
		return registry.Room{}, false
	}
	return room, true
}

func (h *handlers) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	status := http.StatusInternalServerError
	if errors.Is(err, context.Canceled) {
		status = http.StatusRequestTimeout
	}
	c.JSON(status, gin.H{"error": "internal error"})
}
