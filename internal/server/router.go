// Package server exposes the HTTP API: the table endpoints, the
// scheduled-action endpoints, the public serve URL and the tracking pixel.
package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ontask-platform/ontask/internal/action"
	"github.com/ontask-platform/ontask/internal/plugin"
	"github.com/ontask-platform/ontask/internal/scheduler"
	"github.com/ontask-platform/ontask/internal/transfer"
	"github.com/ontask-platform/ontask/internal/workspace"
)

const userContextKey = "ontask_user"

var (
	errMissingStore          = errors.New("workspace store dependency required")
	errMissingActionService  = errors.New("action service dependency required")
	errMissingScheduleManger = errors.New("schedule manager dependency required")
	errMissingTokenValidator = errors.New("token validator dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator checks a bearer token and returns its subject.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP layer.
type Dependencies struct {
	Store     *workspace.Store
	Actions   *action.Service
	Schedules *scheduler.Manager
	Tokens    TokenValidator
	// TrackKey verifies tracking pixel blobs.
	TrackKey []byte
	// Plugins and Transfer are optional; their routes are registered only
	// when the dependency is present.
	Plugins  *plugin.Host
	Registry *plugin.Registry
	Transfer *transfer.Exporter
	Logger   *zap.Logger
}

// NewHTTPHandler validates the dependencies and returns the router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Actions == nil {
		return nil, errMissingActionService
	}
	if deps.Schedules == nil {
		return nil, errMissingScheduleManger
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut,
			http.MethodDelete, http.MethodOptions,
		},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		store:     deps.Store,
		actions:   deps.Actions,
		schedules: deps.Schedules,
		tokens:    deps.Tokens,
		trackKey:  deps.TrackKey,
		plugins:   deps.Plugins,
		registry:  deps.Registry,
		transfer:  deps.Transfer,
		logger:    logger,
	}

	// Serve and tracking URLs are reached by recipients, not API clients.
	router.GET("/action/:id", handler.handleServeAction)
	router.GET("/trck", handler.handleTrackPixel)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/workflows", handler.handleCreateWorkflow)
	protected.GET("/workflows/:id", handler.handleGetWorkflow)
	protected.DELETE("/workflows/:id", handler.handleDeleteWorkflow)
	protected.GET("/workflows/:id/table", handler.handleGetTable)
	protected.POST("/workflows/:id/table", handler.handleCreateTable)
	protected.PUT("/workflows/:id/table", handler.handleReplaceTable)
	protected.DELETE("/workflows/:id/table", handler.handleFlushTable)
	protected.GET("/workflows/:id/table/merge", handler.handleMergeInfo)
	protected.PUT("/workflows/:id/table/merge", handler.handleMerge)
	protected.GET("/scheduled", handler.handleListScheduled)
	protected.POST("/scheduled", handler.handleCreateScheduled)
	protected.GET("/scheduled/:id", handler.handleGetScheduled)
	protected.PUT("/scheduled/:id", handler.handleUpdateScheduled)
	protected.DELETE("/scheduled/:id", handler.handleDeleteScheduled)
	if deps.Plugins != nil && deps.Registry != nil {
		protected.GET("/plugins", handler.handleListPlugins)
		protected.POST("/workflows/:id/plugins/:name", handler.handleRunPlugin)
	}
	if deps.Transfer != nil {
		protected.GET("/workflows/:id/export", handler.handleExportWorkflow)
		protected.POST("/workflows/import", handler.handleImportWorkflow)
	}

	return router, nil
}

type httpHandler struct {
	store     *workspace.Store
	actions   *action.Service
	schedules *scheduler.Manager
	tokens    TokenValidator
	trackKey  []byte
	plugins   *plugin.Host
	registry  *plugin.Registry
	transfer  *transfer.Exporter
	logger    *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userContextKey, subject)
	c.Next()
}
