package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/beresta/messenger/internal/apperr"
	"github.com/beresta/messenger/internal/auth"
	"github.com/beresta/messenger/internal/identity"
)

func mountIdentityRoutes(router *gin.Engine, handler *httpHandler, limiters Limiters) {
	authenticated := authorizeRequest(handler.identity, handler.logger)

	authRoutes := router.Group("/auth")
	authRoutes.Use(rateLimit(limiters.Auth, handler.logger))
	authRoutes.POST("/register", handler.handleRegister)
	authRoutes.POST("/login", handler.handleLogin)
	authRoutes.POST("/refresh", handler.handleRefresh)
	authRoutes.GET("/verify", handler.handleVerify)
	authRoutes.POST("/logout", authenticated, handler.handleLogout)
	authRoutes.POST("/change-password", authenticated, handler.handleChangePassword)

	apiRoutes := router.Group("/api")
	apiRoutes.Use(rateLimit(limiters.API, handler.logger), authenticated)
	apiRoutes.GET("/profile", handler.handleProfile)
	apiRoutes.PUT("/profile", handler.handleUpdateProfile)
}

func clientInfo(c *gin.Context) identity.ClientInfo {
	return identity.ClientInfo{UserAgent: c.Request.UserAgent(), IPAddress: c.ClientIP()}
}

type registerPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var payload registerPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, h.logger, apperr.Invalid(identity.MsgRequiredFields))
		return
	}
	result, err := h.identity.Register(c.Request.Context(), identity.RegisterInput(payload), clientInfo(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"token":        result.Token,
		"refreshToken": result.RefreshToken,
		"expiresAt":    result.ExpiresAt,
		"user":         result.User,
	})
}

type loginPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var payload loginPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, h.logger, apperr.Invalid(msgInvalidBody))
		return
	}
	result, err := h.identity.Login(c.Request.Context(), payload.Email, payload.Password, clientInfo(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"token":        result.Token,
		"refreshToken": result.RefreshToken,
		"expiresAt":    result.ExpiresAt,
		"user":         result.User,
	})
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	if err := h.identity.Logout(c.Request.Context(), currentUserID(c)); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// handleVerify answers 401 with {valid:false} for unusable tokens instead of
// a bare error body.
func (h *httpHandler) handleVerify(c *gin.Context) {
	token, err := auth.BearerToken(c.Request)
	if errors.Is(err, auth.ErrMissingToken) {
		c.JSON(http.StatusUnauthorized, identity.VerifyResult{Valid: false, Reason: "access token is required"})
		return
	}
	result, err := h.identity.Verify(c.Request.Context(), token)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if !result.Valid {
		h.logger.Info("token verification rejected", zap.String("reason", result.Reason))
		c.JSON(http.StatusUnauthorized, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

type refreshPayload struct {
	RefreshToken string `json:"refreshToken"`
}

func (h *httpHandler) handleRefresh(c *gin.Context) {
	var payload refreshPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, h.logger, apperr.Invalid("refreshToken is required"))
		return
	}
	result, err := h.identity.Refresh(c.Request.Context(), payload.RefreshToken)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "token": result.Token, "expiresAt": result.ExpiresAt})
}

func (h *httpHandler) handleProfile(c *gin.Context) {
	user, err := h.identity.Profile(c.Request.Context(), currentUserID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "user": user})
}

func (h *httpHandler) handleUpdateProfile(c *gin.Context) {
	var patch identity.ProfilePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		respondError(c, h.logger, apperr.Invalid(identity.MsgNoFieldsToUpdate))
		return
	}
	user, err := h.identity.UpdateProfile(c.Request.Context(), currentUserID(c), patch)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "user": user})
}

type changePasswordPayload struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

func (h *httpHandler) handleChangePassword(c *gin.Context) {
	var payload changePasswordPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, h.logger, apperr.Invalid(identity.MsgPasswordsRequired))
		return
	}
	if err := h.identity.ChangePassword(c.Request.Context(), currentUserID(c), payload.CurrentPassword, payload.NewPassword); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
