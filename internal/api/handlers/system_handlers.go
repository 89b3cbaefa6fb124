package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"gmshoot-go/internal/integrations/mqtt"
	"gmshoot-go/internal/orchestrator"
	"gmshoot-go/internal/server/sse"
	"gmshoot-go/internal/utils"
)

// SystemHandler serves health, status and live event streaming.
type SystemHandler struct {
	orch   *orchestrator.Orchestrator
	sseHub *sse.Hub
	mqtt   *mqtt.Client
}

// NewSystemHandler creates a new system handler.
func NewSystemHandler(orch *orchestrator.Orchestrator, sseHub *sse.Hub, mqttClient *mqtt.Client) *SystemHandler {
	return &SystemHandler{orch: orch, sseHub: sseHub, mqtt: mqttClient}
}

// RegisterRoutes registers health, status and event-stream routes.
func (h *SystemHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/health", h.Health)
	router.GET("/status", h.Status)
	router.GET("/events", h.StreamEvents)
}

// Health is the liveness probe.
func (h *SystemHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Status reports process statistics and integration state.
func (h *SystemHandler) Status(c *gin.Context) {
	devices := h.orch.Devices()
	online := 0
	for _, d := range devices {
		if d.Status == "online" {
			online++
		}
	}

	stats := utils.GetSystemStats(online, len(h.orch.ActiveSessions()))
	c.JSON(http.StatusOK, gin.H{
		"system":         stats,
		"memory_human":   utils.FormatBytes(stats.MemoryAlloc),
		"device_count":   len(devices),
		"mqtt_connected": h.mqtt != nil && h.mqtt.IsConnected(),
	})
}

// StreamEvents serves the SSE stream of orchestrator events.
func (h *SystemHandler) StreamEvents(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("Access-Control-Allow-Origin", "*")

	client := make(sse.Client, 10)
	h.sseHub.Register(client)
	defer h.sseHub.Unregister(client)

	c.Stream(func(w io.Writer) bool {
		msg, ok := <-client
		if !ok {
			return false
		}
		c.SSEvent("message", string(msg))
		return true
	})
}
