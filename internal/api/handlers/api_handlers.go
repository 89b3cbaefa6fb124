package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"gmshoot-go/config"
	"gmshoot-go/internal/core/models"
	"gmshoot-go/internal/db/repository"
	"gmshoot-go/internal/detection"
	"gmshoot-go/internal/device"
	"gmshoot-go/internal/orchestrator"
)

// APIHandler serves the device and session control API.
type APIHandler struct {
	orch *orchestrator.Orchestrator
	cfg  *config.Config
	repo repository.Repository
}

// NewAPIHandler creates a new API handler.
func NewAPIHandler(orch *orchestrator.Orchestrator, cfg *config.Config, repo repository.Repository) *APIHandler {
	return &APIHandler{
		orch: orch,
		cfg:  cfg,
		repo: repo,
	}
}

// RegisterRoutes registers all device and session routes.
func (h *APIHandler) RegisterRoutes(router *gin.RouterGroup) {
	// Identity
	router.POST("/login", h.Login)

	// Device endpoints
	router.POST("/devices/connect", h.ConnectDevice)
	router.GET("/devices", h.ListDevices)
	router.GET("/devices/:id", h.GetDevice)
	router.POST("/devices/:id/disconnect", h.DisconnectDevice)
	router.POST("/devices/:id/zoom", h.SetZoomPreset)
	router.GET("/devices/:id/frames/latest", h.LatestFrame)
	router.GET("/devices/:id/frames/next", h.NextFrame)
	router.POST("/devices/:id/sessions", h.StartSession)

	// Session endpoints
	router.GET("/sessions", h.ListSessions)
	router.GET("/sessions/active", h.ActiveSessions)
	router.GET("/sessions/:id", h.GetSession)
	router.POST("/sessions/:id/stop", h.StopSession)
	router.POST("/sessions/:id/pause", h.TogglePause)
	router.POST("/sessions/:id/emergency-stop", h.EmergencyStop)
	router.GET("/sessions/:id/shots", h.SessionShots)
	router.GET("/sessions/:id/statistics", h.SessionStatistics)
	router.GET("/sessions/:id/visualization", h.SessionVisualization)

	// Detector tuning
	router.GET("/detection/config", h.GetDetectionConfig)
	router.PUT("/detection/config", h.UpdateDetectionConfig)
}

// Login records the acting user for subsequent device connections.
func (h *APIHandler) Login(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	h.orch.SetUser(req.UserID)
	c.JSON(http.StatusOK, gin.H{"user_id": req.UserID})
}

// ConnectDevice registers a device from a connection token and pings it.
func (h *APIHandler) ConnectDevice(c *gin.Context) {
	var req struct {
		Token string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token is required"})
		return
	}

	dev, err := h.orch.ConnectViaToken(c.Request.Context(), req.Token)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrNotAuthenticated):
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		case errors.Is(err, device.ErrInvalidToken):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, dev)
}

// ListDevices returns all registered devices.
func (h *APIHandler) ListDevices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"devices": h.orch.Devices()})
}

// GetDevice returns one registered device.
func (h *APIHandler) GetDevice(c *gin.Context) {
	dev, ok := h.orch.GetDevice(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}
	c.JSON(http.StatusOK, dev)
}

// DisconnectDevice stops the device's sessions and marks it offline.
func (h *APIHandler) DisconnectDevice(c *gin.Context) {
	if err := h.orch.DisconnectDevice(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, orchestrator.ErrDeviceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "device disconnected"})
}

// SetZoomPreset applies a zoom preset on a device.
func (h *APIHandler) SetZoomPreset(c *gin.Context) {
	var req struct {
		Preset int `json:"preset"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid zoom request"})
		return
	}

	err := h.orch.SetZoomPreset(c.Request.Context(), c.Param("id"), req.Preset)
	if err != nil {
		if errors.Is(err, orchestrator.ErrDeviceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "zoom preset applied", "preset": req.Preset})
}

// LatestFrame fetches the device's most recent frame. Responds 204 when the
// device has not captured anything yet.
func (h *APIHandler) LatestFrame(c *gin.Context) {
	frame, err := h.orch.GetLatestFrame(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, orchestrator.ErrDeviceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if frame == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, frame)
}

// NextFrame long-polls the device for the next frame. Responds 204 when the
// poll elapses without new data.
func (h *APIHandler) NextFrame(c *gin.Context) {
	frame, err := h.orch.GetNextFrame(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, orchestrator.ErrDeviceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if frame == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, frame)
}

// StartSession creates a session on a device.
func (h *APIHandler) StartSession(c *gin.Context) {
	var settings models.SessionSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session settings"})
		return
	}

	session, err := h.orch.StartSession(c.Request.Context(), c.Param("id"), settings)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrDeviceNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, orchestrator.ErrDeviceNotOnline),
			errors.Is(err, orchestrator.ErrSessionActive):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusCreated, session)
}

// ListSessions returns the persisted session history, newest first.
func (h *APIHandler) ListSessions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	sessions, total, err := h.repo.ListSessions(c.Request.Context(), limit, offset)
	if err != nil {
		log.WithError(err).Error("Failed to list sessions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// ActiveSessions returns the in-memory non-terminal sessions.
func (h *APIHandler) ActiveSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.orch.ActiveSessions()})
}

// GetSession returns one session, preferring the live registry over the
// persisted history.
func (h *APIHandler) GetSession(c *gin.Context) {
	id := c.Param("id")
	if session, ok := h.orch.GetSession(id); ok {
		c.JSON(http.StatusOK, session)
		return
	}

	session, err := h.repo.GetSession(c.Request.Context(), id)
	if err != nil {
		log.WithError(err).Error("Failed to load session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
		return
	}
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, session)
}

// StopSession terminates a session normally.
func (h *APIHandler) StopSession(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "user request"
	}

	if err := h.orch.StopSession(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		if errors.Is(err, orchestrator.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "session stopped"})
}

// TogglePause flips a session between active and paused.
func (h *APIHandler) TogglePause(c *gin.Context) {
	if err := h.orch.ToggleSessionPause(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, orchestrator.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	session, _ := h.orch.GetSession(c.Param("id"))
	c.JSON(http.StatusOK, session)
}

// EmergencyStop halts a session immediately. The session is terminated
// locally even when the device call fails; that failure surfaces as 502
// with the session already stopped.
func (h *APIHandler) EmergencyStop(c *gin.Context) {
	if err := h.orch.EmergencyStop(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, orchestrator.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "session emergency stopped"})
}

// SessionShots returns the scored shots of a session, falling back to the
// persisted history for sessions no longer in memory.
func (h *APIHandler) SessionShots(c *gin.Context) {
	id := c.Param("id")
	shots, err := h.sessionShots(c, id)
	if err != nil {
		return // response already written
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "shots": shots, "count": len(shots)})
}

// SessionStatistics aggregates scoring analytics for a session.
func (h *APIHandler) SessionStatistics(c *gin.Context) {
	id := c.Param("id")
	shots, err := h.sessionShots(c, id)
	if err != nil {
		return
	}

	scorer := h.orch.Scorer()
	stats := scorer.CalculateSessionStatistics(shots)
	c.JSON(http.StatusOK, gin.H{
		"session_id":      id,
		"statistics":      stats,
		"group":           scorer.CalculateGroupMetrics(shots),
		"recommendations": scorer.GenerateRecommendations(stats),
	})
}

// SessionVisualization renders the shot pattern of a session as SVG.
func (h *APIHandler) SessionVisualization(c *gin.Context) {
	shots, err := h.sessionShots(c, c.Param("id"))
	if err != nil {
		return
	}
	c.Data(http.StatusOK, "image/svg+xml", []byte(h.orch.Scorer().GenerateShotPatternVisualization(shots)))
}

// sessionShots resolves the shot list for a session, writing the error
// response itself on failure.
func (h *APIHandler) sessionShots(c *gin.Context, sessionID string) ([]models.Shot, error) {
	if _, ok := h.orch.GetSession(sessionID); ok {
		return h.orch.SessionShots(sessionID), nil
	}

	session, err := h.repo.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		log.WithError(err).Error("Failed to load session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
		return nil, err
	}
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return nil, errors.New("session not found")
	}

	shots, err := h.repo.GetShotsBySession(c.Request.Context(), sessionID)
	if err != nil {
		log.WithError(err).Error("Failed to load shots")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load shots"})
		return nil, err
	}
	return shots, nil
}

// GetDetectionConfig returns the current detector tuning.
func (h *APIHandler) GetDetectionConfig(c *gin.Context) {
	cfg := h.orch.Detector().Config()
	c.JSON(http.StatusOK, gin.H{
		"difference_threshold": cfg.DifferenceThreshold,
		"min_shot_area":        cfg.MinShotArea,
		"max_shot_area":        cfg.MaxShotArea,
		"min_shot_interval_ms": cfg.MinShotInterval.Milliseconds(),
		"confirmation_frames":  cfg.ConfirmationFrames,
		"sensitivity":          cfg.Sensitivity,
	})
}

// UpdateDetectionConfig adjusts detector tuning at runtime. Omitted fields
// keep their current values.
func (h *APIHandler) UpdateDetectionConfig(c *gin.Context) {
	var req struct {
		DifferenceThreshold *float64 `json:"difference_threshold"`
		MinShotArea         *int     `json:"min_shot_area"`
		MaxShotArea         *int     `json:"max_shot_area"`
		MinShotIntervalMS   *int     `json:"min_shot_interval_ms"`
		ConfirmationFrames  *int     `json:"confirmation_frames"`
		Sensitivity         *string  `json:"sensitivity"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid detection config"})
		return
	}

	cfg := h.orch.Detector().Config()
	if req.DifferenceThreshold != nil {
		cfg.DifferenceThreshold = *req.DifferenceThreshold
	}
	if req.MinShotArea != nil {
		cfg.MinShotArea = *req.MinShotArea
	}
	if req.MaxShotArea != nil {
		cfg.MaxShotArea = *req.MaxShotArea
	}
	if req.MinShotIntervalMS != nil {
		cfg.MinShotInterval = time.Duration(*req.MinShotIntervalMS) * time.Millisecond
	}
	if req.ConfirmationFrames != nil {
		cfg.ConfirmationFrames = *req.ConfirmationFrames
	}
	if req.Sensitivity != nil {
		cfg.Sensitivity = detection.Sensitivity(*req.Sensitivity)
	}

	h.orch.Detector().UpdateConfig(cfg)
	log.Info("Detection config updated")
	c.JSON(http.StatusOK, gin.H{"message": "detection config updated"})
}
