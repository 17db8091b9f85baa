package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"livechat-relay/internal/auth"
	"livechat-relay/internal/middleware"
	"livechat-relay/internal/model"
)

// SessionHandler attaches upstream OAuth credentials to the authenticated
// user. The sign-in flow that obtains these tokens lives outside this
// service; this endpoint is the hand-off point.
type SessionHandler struct {
	Credentials *auth.CredentialStore
}

type putSessionRequest struct {
	AccessToken  string `json:"accessToken" binding:"required"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
	Scope        string `json:"scope"`
	ExpiryDate   int64  `json:"expiryDate"`
}

func (h *SessionHandler) Put(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var req putSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	h.Credentials.Put(userID, model.Credentials{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		TokenType:    req.TokenType,
		Scope:        req.Scope,
		ExpiryDate:   req.ExpiryDate,
	})
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
