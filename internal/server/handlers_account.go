package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/hearthchat/hearth/internal/apierror"
)

type registerRequestPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginRequestPayload struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

type sessionResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	UserID      string `json:"user_id"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.writeError(c, apierror.NotJSON(""))
		return
	}
	if strings.TrimSpace(request.Username) == "" {
		h.writeError(c, apierror.MissingParam("username"))
		return
	}

	user, err := h.accounts.Register(c.Request.Context(), request.Username, request.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.writeSession(c, user.ID)
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.writeError(c, apierror.NotJSON(""))
		return
	}
	if strings.TrimSpace(request.UserID) == "" {
		h.writeError(c, apierror.MissingParam("user_id"))
		return
	}

	userID := request.UserID
	if !strings.HasPrefix(userID, "@") {
		userID = h.accounts.UserID(userID)
	}

	user, err := h.accounts.Authenticate(c.Request.Context(), userID, request.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.writeSession(c, user.ID)
}

func (h *httpHandler) writeSession(c *gin.Context, userID string) {
	token, expiresIn, err := h.tokens.IssueAccessToken(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		UserID:      userID,
	})
}

type profileResponsePayload struct {
	AvatarURL   *string `json:"avatar_url,omitempty"`
	DisplayName *string `json:"displayname,omitempty"`
}

type displayNamePayload struct {
	DisplayName *string `json:"displayname"`
}

type avatarURLPayload struct {
	AvatarURL *string `json:"avatar_url"`
}

func (h *httpHandler) handleProfile(c *gin.Context) {
	profile, err := h.accounts.Profile(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, profileResponsePayload{
		AvatarURL:   profile.AvatarURL,
		DisplayName: profile.DisplayName,
	})
}

func (h *httpHandler) handleDisplayName(c *gin.Context) {
	profile, err := h.accounts.Profile(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, displayNamePayload{DisplayName: profile.DisplayName})
}

func (h *httpHandler) handleSetDisplayName(c *gin.Context) {
	if err := h.requireSelf(c); err != nil {
		h.writeError(c, err)
		return
	}

	var request displayNamePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.writeError(c, apierror.NotJSON(""))
		return
	}

	userID := c.Param("user_id")
	if err := h.accounts.SetDisplayName(c.Request.Context(), userID, request.DisplayName); err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.rooms.RefreshMemberProfile(c.Request.Context(), userID); err != nil {
		h.writeError(c, err)
		return
	}
	h.wakePollers()
	c.JSON(http.StatusOK, gin.H{})
}

func (h *httpHandler) handleAvatarURL(c *gin.Context) {
	profile, err := h.accounts.Profile(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, avatarURLPayload{AvatarURL: profile.AvatarURL})
}

func (h *httpHandler) handleSetAvatarURL(c *gin.Context) {
	if err := h.requireSelf(c); err != nil {
		h.writeError(c, err)
		return
	}

	var request avatarURLPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.writeError(c, apierror.NotJSON(""))
		return
	}

	userID := c.Param("user_id")
	if err := h.accounts.SetAvatarURL(c.Request.Context(), userID, request.AvatarURL); err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.rooms.RefreshMemberProfile(c.Request.Context(), userID); err != nil {
		h.writeError(c, err)
		return
	}
	h.wakePollers()
	c.JSON(http.StatusOK, gin.H{})
}

// requireSelf rejects writes against another user's resources.
func (h *httpHandler) requireSelf(c *gin.Context) error {
	if c.Param("user_id") != h.currentUser(c) {
		return apierror.Unauthorized("You cannot modify another user's data.")
	}
	return nil
}
