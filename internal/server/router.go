package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hearthchat/hearth/internal/accounts"
	"github.com/hearthchat/hearth/internal/apierror"
	"github.com/hearthchat/hearth/internal/observability"
	"github.com/hearthchat/hearth/internal/presence"
	"github.com/hearthchat/hearth/internal/rooms"
	"github.com/hearthchat/hearth/internal/sync"
)

const userIDContextKey = "hearth_user_id"

var (
	errMissingTokenManager    = errors.New("token manager dependency required")
	errMissingAccountsService = errors.New("accounts service dependency required")
	errMissingRoomsService    = errors.New("rooms service dependency required")
	errMissingSyncEngine      = errors.New("sync engine dependency required")
	errMissingPresenceTracker = errors.New("presence tracker dependency required")
)

// AccessTokenManager issues and validates bearer tokens.
type AccessTokenManager interface {
	IssueAccessToken(ctx context.Context, userID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies collects everything the HTTP surface needs.
type Dependencies struct {
	TokenManager    AccessTokenManager
	AccountsService *accounts.Service
	RoomsService    *rooms.Service
	SyncEngine      *sync.Engine
	PresenceTracker *presence.Tracker
	Notifier        *sync.Notifier
	Metrics         *observability.Metrics
	Logger          *zap.Logger
}

// NewHTTPHandler wires the full route table.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.AccountsService == nil {
		return nil, errMissingAccountsService
	}
	if deps.RoomsService == nil {
		return nil, errMissingRoomsService
	}
	if deps.SyncEngine == nil {
		return nil, errMissingSyncEngine
	}
	if deps.PresenceTracker == nil {
		return nil, errMissingPresenceTracker
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metrics.Middleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:   deps.TokenManager,
		accounts: deps.AccountsService,
		rooms:    deps.RoomsService,
		sync:     deps.SyncEngine,
		presence: deps.PresenceTracker,
		notifier: deps.Notifier,
		logger:   logger,
	}

	router.GET("/versions", handler.handleVersions)
	router.GET("/metrics", metrics.Handler())

	v1 := router.Group("/v1")
	v1.POST("/register", handler.handleRegister)
	v1.POST("/login", handler.handleLogin)

	protected := v1.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.POST("/createRoom", handler.handleCreateRoom)
	protected.POST("/join/:room_id_or_alias", handler.handleJoinByIdentifier)
	protected.POST("/rooms/:room_id/join", handler.handleJoin)
	protected.POST("/rooms/:room_id/invite", handler.handleInvite)
	protected.POST("/rooms/:room_id/leave", handler.handleLeave)
	protected.PUT("/rooms/:room_id/send/:event_type/:transaction_id", handler.handleSendMessage)
	protected.PUT("/rooms/:room_id/state/:event_type", handler.handleSendState)
	protected.PUT("/rooms/:room_id/state/:event_type/:state_key", handler.handleSendState)
	protected.GET("/rooms/:room_id/state", handler.handleRoomState)
	protected.GET("/rooms/:room_id/state/:event_type", handler.handleRoomStateEvent)
	protected.GET("/rooms/:room_id/state/:event_type/:state_key", handler.handleRoomStateEvent)

	protected.GET("/sync", handler.handleSync)

	protected.GET("/profile/:user_id", handler.handleProfile)
	protected.GET("/profile/:user_id/displayname", handler.handleDisplayName)
	protected.PUT("/profile/:user_id/displayname", handler.handleSetDisplayName)
	protected.GET("/profile/:user_id/avatar_url", handler.handleAvatarURL)
	protected.PUT("/profile/:user_id/avatar_url", handler.handleSetAvatarURL)

	protected.GET("/directory/room/:room_alias", handler.handleResolveAlias)
	protected.PUT("/directory/room/:room_alias", handler.handleSetAlias)
	protected.DELETE("/directory/room/:room_alias", handler.handleDeleteAlias)

	protected.GET("/presence/:user_id/status", handler.handlePresenceStatus)
	protected.PUT("/presence/:user_id/status", handler.handleSetPresenceStatus)
	protected.GET("/presence/:user_id/list", handler.handlePresenceList)
	protected.POST("/presence/:user_id/list", handler.handleUpdatePresenceList)

	return router, nil
}

type httpHandler struct {
	tokens   AccessTokenManager
	accounts *accounts.Service
	rooms    *rooms.Service
	sync     *sync.Engine
	presence *presence.Tracker
	notifier *sync.Notifier
	logger   *zap.Logger
}

func (h *httpHandler) handleVersions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"versions": []string{"v1"}})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token := ""
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token == "" {
		token = c.Query("access_token")
	}
	if token == "" {
		h.writeError(c, apierror.UnknownToken("Missing access token."))
		c.Abort()
		return
	}

	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		h.writeError(c, apierror.UnknownToken("Invalid access token."))
		c.Abort()
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

// writeError serializes any error as an API error body. Unexpected errors
// are logged server-side and masked as M_UNKNOWN.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	apiErr, ok := apierror.As(err)
	if !ok {
		apiErr = apierror.Unknown(err)
	}
	if apiErr.Code == apierror.CodeUnknown {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(apiErr.Code.StatusCode(), apiErr)
}

// wakePollers nudges long-polling sync requests after a mutation.
func (h *httpHandler) wakePollers() {
	if h.notifier != nil {
		h.notifier.WakeAll()
	}
}

func (h *httpHandler) currentUser(c *gin.Context) string {
	return c.GetString(userIDContextKey)
}
