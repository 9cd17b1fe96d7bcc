package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/beresta/messenger/internal/identity"
	"github.com/beresta/messenger/internal/messaging"
)

const defaultMaxUploadBytes = 100 << 20

var (
	errMissingMessagingService = errors.New("messaging service dependency required")
	errMissingHealthChecker    = errors.New("health checker dependency required")
	errMissingIdentityService  = errors.New("identity service dependency required")
)

// HealthChecker is satisfied by database.Store and recordstore.Store.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Limiters holds one limiter per route class. Nil entries disable limiting.
type Limiters struct {
	Auth   RateLimiter
	API    RateLimiter
	Upload RateLimiter
}

type Dependencies struct {
	Messaging         *messaging.Service
	Health            HealthChecker
	Realtime          *RealtimeDispatcher
	Identity          *identity.Service
	Limiters          Limiters
	CORSOrigin        string
	MaxUploadBytes    int64
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
	Clock             func() time.Time
}

// NewHTTPHandler builds the messaging server routes. Identity routes are
// mounted as well when deps.Identity is set.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Messaging == nil {
		return nil, errMissingMessagingService
	}
	if deps.Health == nil {
		return nil, errMissingHealthChecker
	}

	handler := newHTTPHandler(deps)
	router := newRouter(deps.CORSOrigin, handler.logger)
	router.GET("/health", handler.handleHealth)

	api := router.Group("/")
	api.Use(rateLimit(deps.Limiters.API, handler.logger))
	api.GET("/messages/:userEmail/:friendEmail", handler.handleConversation)
	api.PUT("/messages/:id/downloaded", handler.handleMarkDownloaded)
	api.GET("/file-info/:filename", handler.handleFileInfo)
	api.GET("/download/:filename", handler.handleDownload)
	api.GET("/uploads/:filename", handler.handleServeUpload)

	api.POST("/users", handler.handleRegisterUser)
	api.GET("/users/:email", handler.handleGetUser)
	api.POST("/friends", handler.handleAddFriend)
	api.GET("/friends/:email", handler.handleListFriends)
	api.DELETE("/friends/:email/:friendEmail", handler.handleRemoveFriend)

	api.POST("/groups", handler.handleCreateGroup)
	api.GET("/groups/user/:email", handler.handleUserGroups)
	api.POST("/groups/:id/members", handler.handleAddGroupMember)
	api.GET("/groups/:id/members", handler.handleGroupMembers)
	api.GET("/groups/:id/messages", handler.handleGroupMessages)

	api.POST("/calls", handler.handleStartCall)
	api.PUT("/calls/:callId/status", handler.handleUpdateCallStatus)
	api.GET("/calls/:email", handler.handleCallHistory)
	api.POST("/agora-calls", handler.handleStartAgoraCall)
	api.PUT("/agora-calls/:channel/status", handler.handleUpdateAgoraCallStatus)

	uploads := router.Group("/")
	uploads.Use(rateLimit(deps.Limiters.Upload, handler.logger), limitBody(handler.maxUploadBytes))
	uploads.POST("/upload-file", handler.handleUploadFile)
	uploads.POST("/send-message", handler.handleSendMessage)
	uploads.POST("/groups/:id/messages", handler.handleSendGroupMessage)

	if handler.realtime != nil {
		router.GET("/events/:email", handler.handleEventStream)
	}

	if deps.Identity != nil {
		mountIdentityRoutes(router, handler, deps.Limiters)
	}
	return router, nil
}

// NewIdentityHandler builds the standalone identity server routes.
func NewIdentityHandler(deps Dependencies) (http.Handler, error) {
	if deps.Identity == nil {
		return nil, errMissingIdentityService
	}
	if deps.Health == nil {
		return nil, errMissingHealthChecker
	}
	handler := newHTTPHandler(deps)
	router := newRouter(deps.CORSOrigin, handler.logger)
	router.GET("/health", handler.handleHealth)
	mountIdentityRoutes(router, handler, deps.Limiters)
	return router, nil
}

func newRouter(corsOrigin string, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(corsOrigin))
	router.Use(accessLog(logger))
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return router
}

type httpHandler struct {
	messaging         *messaging.Service
	identity          *identity.Service
	health            HealthChecker
	realtime          *RealtimeDispatcher
	maxUploadBytes    int64
	heartbeatInterval time.Duration
	logger            *zap.Logger
	clock             func() time.Time
}

func newHTTPHandler(deps Dependencies) *httpHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	maxUpload := deps.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	return &httpHandler{
		messaging:         deps.Messaging,
		identity:          deps.Identity,
		health:            deps.Health,
		realtime:          deps.Realtime,
		maxUploadBytes:    maxUpload,
		heartbeatInterval: heartbeat,
		logger:            logger,
		clock:             clock,
	}
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	status, database, code := "ok", "connected", http.StatusOK
	if err := h.health.Health(c.Request.Context()); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		status, database, code = "error", "disconnected", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"database":  database,
		"timestamp": h.clock().UTC(),
	})
}

// limitBody caps request bodies; multipart parsing fails once the cap is hit.
func limitBody(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Multipart framing needs a little room beyond the file itself.
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+1<<20)
		c.Next()
	}
}
