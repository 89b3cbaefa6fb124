package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"gmshoot-go/internal/auth"
	"gmshoot-go/internal/orchestrator"
)

// AuthHandler serves the device credential and access-token API.
type AuthHandler struct {
	auth *auth.Manager
	orch *orchestrator.Orchestrator
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(manager *auth.Manager, orch *orchestrator.Orchestrator) *AuthHandler {
	return &AuthHandler{auth: manager, orch: orch}
}

// RegisterRoutes registers all credential and token routes.
func (h *AuthHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/devices/:id/credentials", h.GenerateCredential)
	router.POST("/devices/:id/auth", h.Authenticate)
	router.POST("/devices/:id/auth/refresh", h.RefreshToken)
	router.DELETE("/devices/:id/auth", h.RevokeAccess)
	router.POST("/devices/:id/auth/challenge", h.InitiateChallenge)
	router.POST("/auth/challenge/:challenge_id", h.CompleteChallenge)
}

// userFor resolves the acting user: an explicit value wins over the
// orchestrator's current user.
func (h *AuthHandler) userFor(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return h.orch.CurrentUser()
}

// GenerateCredential creates and stores a device API key. The plaintext key
// is returned exactly once; only its encrypted form is persisted.
func (h *AuthHandler) GenerateCredential(c *gin.Context) {
	var req struct {
		UserID      string   `json:"user_id"`
		Permissions []string `json:"permissions"`
	}
	_ = c.ShouldBindJSON(&req)

	user := h.userFor(req.UserID)
	if user == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no acting user"})
		return
	}

	apiKey, err := h.auth.GenerateAPIKey(c.Param("id"), user, req.Permissions)
	if err != nil {
		log.WithError(err).Error("Failed to generate API key")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate API key"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"api_key": apiKey})
}

// Authenticate exchanges a device API key for an access token.
func (h *AuthHandler) Authenticate(c *gin.Context) {
	var req struct {
		APIKey string `json:"api_key" binding:"required"`
		UserID string `json:"user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "api_key is required"})
		return
	}

	token, err := h.auth.AuthenticateWithDevice(c.Param("id"), req.APIKey, h.userFor(req.UserID))
	if err != nil {
		h.writeAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, token)
}

// RefreshToken reissues the access token for a device from its stored
// credential.
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id"`
	}
	_ = c.ShouldBindJSON(&req)

	token, err := h.auth.RefreshToken(c.Param("id"), h.userFor(req.UserID))
	if err != nil {
		h.writeAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, token)
}

// RevokeAccess deletes the stored credential and invalidates the token.
func (h *AuthHandler) RevokeAccess(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id"`
	}
	_ = c.ShouldBindJSON(&req)

	if err := h.auth.RevokeAccess(c.Param("id"), h.userFor(req.UserID)); err != nil {
		log.WithError(err).Error("Failed to revoke access")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke access"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "access revoked"})
}

// InitiateChallenge starts a challenge/response authentication round.
func (h *AuthHandler) InitiateChallenge(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id"`
	}
	_ = c.ShouldBindJSON(&req)

	challenge, err := h.auth.InitiateAuthChallenge(c.Param("id"), h.userFor(req.UserID))
	if err != nil {
		h.writeAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, challenge)
}

// CompleteChallenge verifies a challenge response and issues a token.
func (h *AuthHandler) CompleteChallenge(c *gin.Context) {
	var req struct {
		Response string `json:"response" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "response is required"})
		return
	}

	token, err := h.auth.CompleteAuthChallenge(c.Param("challenge_id"), req.Response)
	if err != nil {
		h.writeAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, token)
}

func (h *AuthHandler) writeAuthError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, auth.ErrNoCredentials), errors.Is(err, auth.ErrNoActiveChallenge):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, auth.ErrInvalidCredential),
		errors.Is(err, auth.ErrCredentialExpired),
		errors.Is(err, auth.ErrChallengeExpired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	default:
		log.WithError(err).Error("Authentication failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "authentication failed"})
	}
}
