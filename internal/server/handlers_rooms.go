package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/hearthchat/hearth/internal/apierror"
	"github.com/hearthchat/hearth/internal/events"
	"github.com/hearthchat/hearth/internal/rooms"
)

type createRoomRequestPayload struct {
	CreationContent map[string]json.RawMessage `json:"creation_content"`
	InitialState    []rooms.InitialStateEntry  `json:"initial_state"`
	Invite          []string                   `json:"invite"`
	Name            *string                    `json:"name"`
	Preset          string                     `json:"preset"`
	RoomAliasName   *string                    `json:"room_alias_name"`
	Topic           *string                    `json:"topic"`
	Visibility      string                     `json:"visibility"`
}

func (h *httpHandler) handleCreateRoom(c *gin.Context) {
	var request createRoomRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.writeError(c, apierror.NotJSON(""))
		return
	}

	options := rooms.CreationOptions{
		AliasName:    request.RoomAliasName,
		Federate:     true,
		InitialState: request.InitialState,
		InviteList:   request.Invite,
		Name:         request.Name,
		Topic:        request.Topic,
	}

	switch request.Visibility {
	case "", string(rooms.VisibilityPrivate):
		options.Visibility = rooms.VisibilityPrivate
	case string(rooms.VisibilityPublic):
		options.Visibility = rooms.VisibilityPublic
	default:
		h.writeError(c, apierror.InvalidParam("visibility", "must be 'public' or 'private'."))
		return
	}

	switch request.Preset {
	case "":
	case string(rooms.PresetPrivateChat), string(rooms.PresetPublicChat), string(rooms.PresetTrustedPrivateChat):
		preset := rooms.Preset(request.Preset)
		options.Preset = preset
	default:
		h.writeError(c, apierror.InvalidParam("preset", "unknown preset."))
		return
	}

	if raw, ok := request.CreationContent["m.federate"]; ok {
		if err := json.Unmarshal(raw, &options.Federate); err != nil {
			h.writeError(c, apierror.BadJSON("'m.federate' must be a boolean."))
			return
		}
	}

	room, err := h.rooms.CreateRoom(c.Request.Context(), h.currentUser(c), options)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.wakePollers()
	c.JSON(http.StatusOK, gin.H{"room_id": room.ID})
}

// roomIDParam validates the room_id path segment before any storage work.
// Room ids look like !opaque:servername.
func roomIDParam(c *gin.Context) (string, error) {
	roomID := c.Param("room_id")
	if !strings.HasPrefix(roomID, "!") || !strings.Contains(roomID[1:], ":") {
		return "", apierror.InvalidParam("room_id", "Not a valid room id.")
	}
	return roomID, nil
}

func (h *httpHandler) handleJoin(c *gin.Context) {
	roomID, err := roomIDParam(c)
	if err != nil {
		h.writeError(c, err)
		return
	}

	membership, err := h.rooms.Join(c.Request.Context(), h.currentUser(c), roomID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.wakePollers()
	c.JSON(http.StatusOK, gin.H{"room_id": membership.RoomID})
}

// handleJoinByIdentifier accepts a room id or a directory alias.
func (h *httpHandler) handleJoinByIdentifier(c *gin.Context) {
	identifier := c.Param("room_id_or_alias")
	if strings.HasPrefix(identifier, "#") {
		room, err := h.rooms.ResolveAlias(c.Request.Context(), identifier)
		if err != nil {
			h.writeError(c, err)
			return
		}
		identifier = room.ID
	} else if !strings.HasPrefix(identifier, "!") {
		h.writeError(c, apierror.InvalidParam("room_id_or_alias", "Not a valid room id or alias."))
		return
	}

	membership, err := h.rooms.Join(c.Request.Context(), h.currentUser(c), identifier)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.wakePollers()
	c.JSON(http.StatusOK, gin.H{"room_id": membership.RoomID})
}

type inviteRequestPayload struct {
	UserID string `json:"user_id"`
}

func (h *httpHandler) handleInvite(c *gin.Context) {
	var request inviteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.writeError(c, apierror.NotJSON(""))
		return
	}
	if strings.TrimSpace(request.UserID) == "" {
		h.writeError(c, apierror.MissingParam("user_id"))
		return
	}

	roomID, err := roomIDParam(c)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if _, err := h.rooms.Invite(c.Request.Context(), h.currentUser(c), roomID, request.UserID); err != nil {
		h.writeError(c, err)
		return
	}
	h.wakePollers()
	c.JSON(http.StatusOK, gin.H{})
}

func (h *httpHandler) handleLeave(c *gin.Context) {
	roomID, err := roomIDParam(c)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if _, err := h.rooms.Leave(c.Request.Context(), h.currentUser(c), roomID); err != nil {
		h.writeError(c, err)
		return
	}
	h.wakePollers()
	c.JSON(http.StatusOK, gin.H{})
}

func (h *httpHandler) handleSendMessage(c *gin.Context) {
	roomID, err := roomIDParam(c)
	if err != nil {
		h.writeError(c, err)
		return
	}
	content, err := readJSONBody(c)
	if err != nil {
		h.writeError(c, err)
		return
	}

	eventID, err := h.rooms.SendMessage(
		c.Request.Context(),
		h.currentUser(c),
		roomID,
		c.Param("event_type"),
		content,
	)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.wakePollers()
	c.JSON(http.StatusOK, gin.H{"event_id": eventID})
}

func (h *httpHandler) handleSendState(c *gin.Context) {
	roomID, err := roomIDParam(c)
	if err != nil {
		h.writeError(c, err)
		return
	}
	content, err := readJSONBody(c)
	if err != nil {
		h.writeError(c, err)
		return
	}

	eventID, err := h.rooms.SendStateEvent(
		c.Request.Context(),
		h.currentUser(c),
		roomID,
		c.Param("event_type"),
		c.Param("state_key"),
		content,
	)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.wakePollers()
	c.JSON(http.StatusOK, gin.H{"event_id": eventID})
}

func (h *httpHandler) handleRoomState(c *gin.Context) {
	roomID, err := roomIDParam(c)
	if err != nil {
		h.writeError(c, err)
		return
	}

	state, err := h.rooms.StateForUser(c.Request.Context(), h.currentUser(c), roomID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, events.WireList(state))
}

func (h *httpHandler) handleRoomStateEvent(c *gin.Context) {
	roomID, err := roomIDParam(c)
	if err != nil {
		h.writeError(c, err)
		return
	}

	event, err := h.rooms.StateEventForUser(
		c.Request.Context(),
		h.currentUser(c),
		roomID,
		c.Param("event_type"),
		c.Param("state_key"),
	)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", []byte(event.Content))
}

func (h *httpHandler) handleResolveAlias(c *gin.Context) {
	room, err := h.rooms.ResolveAlias(c.Request.Context(), c.Param("room_alias"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": room.ID})
}

type setAliasRequestPayload struct {
	RoomID string `json:"room_id"`
}

func (h *httpHandler) handleSetAlias(c *gin.Context) {
	var request setAliasRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.writeError(c, apierror.NotJSON(""))
		return
	}
	if strings.TrimSpace(request.RoomID) == "" {
		h.writeError(c, apierror.MissingParam("room_id"))
		return
	}

	if err := h.rooms.SetAlias(c.Request.Context(), h.currentUser(c), request.RoomID, c.Param("room_alias")); err != nil {
		h.writeError(c, err)
		return
	}
	h.wakePollers()
	c.JSON(http.StatusOK, gin.H{})
}

func (h *httpHandler) handleDeleteAlias(c *gin.Context) {
	if err := h.rooms.DeleteAlias(c.Request.Context(), h.currentUser(c), c.Param("room_alias")); err != nil {
		h.writeError(c, err)
		return
	}
	h.wakePollers()
	c.JSON(http.StatusOK, gin.H{})
}

// readJSONBody returns the raw body after checking it parses as a JSON
// object.
func readJSONBody(c *gin.Context) (json.RawMessage, error) {
	body, err := c.GetRawData()
	if err != nil {
		return nil, apierror.NotJSON("")
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, apierror.NotJSON("")
	}
	return json.RawMessage(body), nil
}
