// Package server exposes the reconciled view models to a local UI over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wadesk/syncd/internal/campaigns"
	"github.com/wadesk/syncd/internal/inbox"
	"github.com/wadesk/syncd/internal/realtime"
	"github.com/wadesk/syncd/internal/restapi"
)

const defaultHeartbeatInterval = 25 * time.Second

var (
	errMissingConnection = errors.New("connection dependency required")
	errMissingInbox      = errors.New("inbox dependency required")
	errMissingCampaigns  = errors.New("campaigns dependency required")
	errMissingDispatcher = errors.New("change dispatcher dependency required")
)

// Connection is the read side of the push connection.
type Connection interface {
	Snapshot() realtime.Snapshot
	Reconnect() error
}

// Inbox is the inbox reconciler surface used by the UI.
type Inbox interface {
	List() inbox.ListView
	Active() (inbox.ActiveView, bool)
	LoadConversations(ctx context.Context, filter inbox.Filter) error
	Refresh(ctx context.Context) error
	SelectConversation(ctx context.Context, conversationID string) (*inbox.Selection, error)
	MarkRead(ctx context.Context, conversationID string) error
	SendMessage(ctx context.Context, text string) (inbox.Message, error)
	SendTemplate(ctx context.Context, template inbox.TemplateRef) (inbox.Message, error)
	Retry(ctx context.Context, correlationID string) (inbox.Message, error)
}

// Campaigns is the campaign progress reconciler surface used by the UI.
type Campaigns interface {
	Progress() campaigns.Progress
	Watch(ctx context.Context, campaignID string) error
	Unwatch(campaignID string) error
}

type Dependencies struct {
	Connection        Connection
	Inbox             Inbox
	Campaigns         Campaigns
	Dispatcher        *ChangeDispatcher
	Gatherer          prometheus.Gatherer
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Connection == nil {
		return nil, errMissingConnection
	}
	if deps.Inbox == nil {
		return nil, errMissingInbox
	}
	if deps.Campaigns == nil {
		return nil, errMissingCampaigns
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		connection: deps.Connection,
		inbox:      deps.Inbox,
		campaigns:  deps.Campaigns,
		dispatcher: deps.Dispatcher,
		heartbeat:  heartbeat,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/connection", handler.handleConnection)
	router.POST("/connection/reconnect", handler.handleReconnect)
	router.GET("/events", handler.handleEvents)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	inboxGroup := router.Group("/inbox")
	inboxGroup.GET("/conversations", handler.handleListConversations)
	inboxGroup.POST("/conversations/refresh", handler.handleRefreshConversations)
	inboxGroup.POST("/conversations/:id/select", handler.handleSelectConversation)
	inboxGroup.POST("/conversations/:id/read", handler.handleMarkRead)
	inboxGroup.GET("/active", handler.handleActive)
	inboxGroup.POST("/messages", handler.handleSendMessage)
	inboxGroup.POST("/messages/:correlationId/retry", handler.handleRetryMessage)

	campaignGroup := router.Group("/campaigns")
	campaignGroup.GET("/progress", handler.handleCampaignProgress)
	campaignGroup.PUT("/:id/watch", handler.handleWatchCampaign)
	campaignGroup.DELETE("/:id/watch", handler.handleUnwatchCampaign)

	return router, nil
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	connection Connection
	inbox      Inbox
	campaigns  Campaigns
	dispatcher *ChangeDispatcher
	heartbeat  time.Duration
	logger     *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	snapshot := h.connection.Snapshot()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "connection": snapshot.State})
}

func (h *httpHandler) handleConnection(c *gin.Context) {
	c.JSON(http.StatusOK, h.connection.Snapshot())
}

func (h *httpHandler) handleReconnect(c *gin.Context) {
	if err := h.connection.Reconnect(); err != nil {
		h.respondError(c, "connection.reconnect", err)
		return
	}
	c.JSON(http.StatusAccepted, h.connection.Snapshot())
}

func (h *httpHandler) handleListConversations(c *gin.Context) {
	c.JSON(http.StatusOK, h.inbox.List())
}

type refreshRequestPayload struct {
	Status string `json:"status"`
	Search string `json:"search"`
	Page   int    `json:"page"`
	Limit  int    `json:"limit"`
}

func (h *httpHandler) handleRefreshConversations(c *gin.Context) {
	var request refreshRequestPayload
	hasBody := c.Request.ContentLength > 0
	if hasBody {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}

	var err error
	if hasBody {
		err = h.inbox.LoadConversations(c.Request.Context(), inbox.Filter{
			Status: strings.TrimSpace(request.Status),
			Search: strings.TrimSpace(request.Search),
			Page:   request.Page,
			Limit:  request.Limit,
		})
	} else {
		err = h.inbox.Refresh(c.Request.Context())
	}
	if err != nil {
		h.respondError(c, "inbox.refresh", err)
		return
	}
	c.JSON(http.StatusOK, h.inbox.List())
}

func (h *httpHandler) handleSelectConversation(c *gin.Context) {
	selection, err := h.inbox.SelectConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "inbox.select", err)
		return
	}
	if selection != nil && selection.Stale() {
		c.JSON(http.StatusConflict, gin.H{"error": "selection_superseded"})
		return
	}
	active, _ := h.inbox.Active()
	c.JSON(http.StatusOK, active)
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	if err := h.inbox.MarkRead(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, "inbox.mark_read", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleActive(c *gin.Context) {
	active, ok := h.inbox.Active()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no_active_conversation"})
		return
	}
	c.JSON(http.StatusOK, active)
}

type sendRequestPayload struct {
	Text         string   `json:"text"`
	TemplateName string   `json:"templateName"`
	Language     string   `json:"language"`
	Variables    []string `json:"variables"`
}

func (h *httpHandler) handleSendMessage(c *gin.Context) {
	var request sendRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	var (
		message inbox.Message
		err     error
	)
	if name := strings.TrimSpace(request.TemplateName); name != "" {
		message, err = h.inbox.SendTemplate(c.Request.Context(), inbox.TemplateRef{
			Name:      name,
			Language:  strings.TrimSpace(request.Language),
			Variables: request.Variables,
		})
	} else {
		message, err = h.inbox.SendMessage(c.Request.Context(), request.Text)
	}
	h.respondSend(c, "inbox.send", message, err)
}

func (h *httpHandler) handleRetryMessage(c *gin.Context) {
	message, err := h.inbox.Retry(c.Request.Context(), c.Param("correlationId"))
	h.respondSend(c, "inbox.retry", message, err)
}

// respondSend reports the failed optimistic record alongside the error so the
// UI can render it in place.
func (h *httpHandler) respondSend(c *gin.Context, operation string, message inbox.Message, err error) {
	if err == nil {
		c.JSON(http.StatusCreated, message)
		return
	}
	if message.Status == inbox.StatusFailed {
		h.logger.Warn("message send failed", zap.String("operation", operation), zap.Error(err))
		c.JSON(statusForError(err), gin.H{"error": errorCode(err), "message": message})
		return
	}
	h.respondError(c, operation, err)
}

func (h *httpHandler) handleCampaignProgress(c *gin.Context) {
	c.JSON(http.StatusOK, h.campaigns.Progress())
}

func (h *httpHandler) handleWatchCampaign(c *gin.Context) {
	if err := h.campaigns.Watch(c.Request.Context(), c.Param("id")); err != nil {
		var restErr *restapi.APIError
		if errors.As(err, &restErr) || isUpstreamFailure(err) {
			h.logger.Warn("campaign snapshot unavailable", zap.String("campaign_id", c.Param("id")), zap.Error(err))
			c.JSON(http.StatusOK, h.campaigns.Progress())
			return
		}
		h.respondError(c, "campaigns.watch", err)
		return
	}
	c.JSON(http.StatusOK, h.campaigns.Progress())
}

func (h *httpHandler) handleUnwatchCampaign(c *gin.Context) {
	if err := h.campaigns.Unwatch(c.Param("id")); err != nil {
		h.respondError(c, "campaigns.unwatch", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": errorCode(err)})
}

type codedError interface {
	Code() string
}

func errorCode(err error) string {
	var coded codedError
	if errors.As(err, &coded) {
		return coded.Code()
	}
	var apiErr *restapi.APIError
	if errors.As(err, &apiErr) && apiErr.Code != "" {
		return apiErr.Code
	}
	switch {
	case errors.Is(err, inbox.ErrInvalidConversationID), errors.Is(err, campaigns.ErrInvalidCampaignID):
		return "invalid_id"
	case errors.Is(err, inbox.ErrNoActiveConversation):
		return "no_active_conversation"
	case errors.Is(err, inbox.ErrEmptyMessage):
		return "empty_message"
	case errors.Is(err, inbox.ErrUnknownMessage):
		return "unknown_message"
	case errors.Is(err, realtime.ErrMissingIdentity):
		return "missing_identity"
	default:
		return "internal_error"
	}
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, inbox.ErrInvalidConversationID),
		errors.Is(err, campaigns.ErrInvalidCampaignID),
		errors.Is(err, inbox.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, inbox.ErrUnknownMessage):
		return http.StatusNotFound
	case errors.Is(err, inbox.ErrNoActiveConversation), errors.Is(err, realtime.ErrMissingIdentity):
		return http.StatusConflict
	case isUpstreamFailure(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func isUpstreamFailure(err error) bool {
	var apiErr *restapi.APIError
	if errors.As(err, &apiErr) {
		return true
	}
	var coded codedError
	if errors.As(err, &coded) {
		return strings.HasSuffix(coded.Code(), ".rest_failed")
	}
	return false
}
