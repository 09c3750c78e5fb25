package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/hearthchat/hearth/internal/apierror"
	"github.com/hearthchat/hearth/internal/presence"
	"github.com/hearthchat/hearth/internal/sync"
)

func (h *httpHandler) handleSync(c *gin.Context) {
	options, err := sync.ParseOptions(
		c.Query("since"),
		c.Query("filter"),
		c.Query("full_state"),
		c.Query("set_presence"),
		c.Query("timeout"),
	)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response, err := h.sync.Sync(c.Request.Context(), h.currentUser(c), options)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response)
}

type presenceStatusPayload struct {
	Presence  string  `json:"presence"`
	StatusMsg *string `json:"status_msg,omitempty"`
}

func (h *httpHandler) handlePresenceStatus(c *gin.Context) {
	status, err := h.presence.Get(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if status == nil {
		h.writeError(c, apierror.NotFound("No presence has been recorded for this user."))
		return
	}
	c.JSON(http.StatusOK, presenceStatusPayload{
		Presence:  status.Presence,
		StatusMsg: status.StatusMessage,
	})
}

func (h *httpHandler) handleSetPresenceStatus(c *gin.Context) {
	if err := h.requireSelf(c); err != nil {
		h.writeError(c, err)
		return
	}

	var request presenceStatusPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.writeError(c, apierror.NotJSON(""))
		return
	}

	switch strings.TrimSpace(request.Presence) {
	case presence.StateOnline, presence.StateOffline, presence.StateUnavailable:
	default:
		h.writeError(c, apierror.InvalidParam("presence", "must be online, offline or unavailable."))
		return
	}

	if err := h.presence.Set(c.Request.Context(), h.currentUser(c), request.Presence, request.StatusMsg); err != nil {
		h.writeError(c, err)
		return
	}
	h.wakePollers()
	c.JSON(http.StatusOK, gin.H{})
}

type presenceListPayload struct {
	Invite []string `json:"invite"`
	Drop   []string `json:"drop"`
}

func (h *httpHandler) handlePresenceList(c *gin.Context) {
	observerID := c.Param("user_id")
	observed, err := h.presence.Observed(c.Request.Context(), observerID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	events := make([]gin.H, 0, len(observed))
	for _, userID := range observed {
		status, err := h.presence.Get(c.Request.Context(), userID)
		if err != nil {
			h.writeError(c, err)
			return
		}
		content := gin.H{"user_id": userID, "presence": presence.StateOffline}
		if status != nil {
			content["presence"] = status.Presence
			if status.StatusMessage != nil {
				content["status_msg"] = *status.StatusMessage
			}
		}
		events = append(events, gin.H{
			"type":    "m.presence",
			"sender":  userID,
			"content": content,
		})
	}
	c.JSON(http.StatusOK, events)
}

func (h *httpHandler) handleUpdatePresenceList(c *gin.Context) {
	if err := h.requireSelf(c); err != nil {
		h.writeError(c, err)
		return
	}

	var request presenceListPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.writeError(c, apierror.NotJSON(""))
		return
	}

	err := h.presence.Observe(c.Request.Context(), h.currentUser(c), request.Invite, request.Drop)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.wakePollers()
	c.JSON(http.StatusOK, gin.H{})
}
