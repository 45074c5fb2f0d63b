package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/connection"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/domain"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/hub"
	"github.com/weiawesome/wes-io-live/discussion-service/pkg/log"
	"github.com/weiawesome/wes-io-live/discussion-service/pkg/response"
)

// ConnectionManager is the part of the connection manager exposed over HTTP.
type ConnectionManager interface {
	Status() domain.Status
	Refs() int
	Retry(ctx context.Context) (*connection.Info, error)
	TestPermissions(ctx context.Context) error
}

// History reads a topic's messages and metadata.
type History interface {
	History(ctx context.Context, topicID int64) ([]domain.Message, error)
	Metadata(ctx context.Context, topicID int64) (*domain.ChatMetadata, error)
}

// Roster reads a topic's online users.
type Roster interface {
	Roster(ctx context.Context, topicID int64) ([]domain.OnlineUser, error)
}

// HTTPHandler serves the read API and connection diagnostics.
type HTTPHandler struct {
	conn    ConnectionManager
	history History
	roster  Roster
	hub     *hub.Hub
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(conn ConnectionManager, history History, roster Roster, h *hub.Hub) *HTTPHandler {
	return &HTTPHandler{
		conn:    conn,
		history: history,
		roster:  roster,
		hub:     h,
	}
}

// ConnectionResponse describes the shared store connection.
type ConnectionResponse struct {
	State    string `json:"state"`
	Messages bool   `json:"messages"`
	Presence bool   `json:"presence"`
	Reason   string `json:"reason,omitempty"`
	Refs     int    `json:"refs"`
	Overlays int    `json:"overlays"`
}

// PresenceResponse is the API response for roster queries.
type PresenceResponse struct {
	TopicID int64               `json:"topic_id"`
	Online  int                 `json:"online"`
	Users   []domain.OnlineUser `json:"users"`
}

// GetMessages handles GET /api/v1/topics/:topic_id/messages
func (h *HTTPHandler) GetMessages(c *gin.Context) {
	topicID, ok := topicParam(c)
	if !ok {
		return
	}
	msgs, err := h.history.History(c.Request.Context(), topicID)
	if err != nil {
		respondError(c, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	response.Success(c, msgs)
}

// GetPresence handles GET /api/v1/topics/:topic_id/presence
func (h *HTTPHandler) GetPresence(c *gin.Context) {
	topicID, ok := topicParam(c)
	if !ok {
		return
	}
	users, err := h.roster.Roster(c.Request.Context(), topicID)
	if err != nil {
		respondError(c, err)
		return
	}
	if users == nil {
		users = []domain.OnlineUser{}
	}
	response.Success(c, PresenceResponse{TopicID: topicID, Online: len(users), Users: users})
}

// GetMetadata handles GET /api/v1/topics/:topic_id/metadata
func (h *HTTPHandler) GetMetadata(c *gin.Context) {
	topicID, ok := topicParam(c)
	if !ok {
		return
	}
	meta, err := h.history.Metadata(c.Request.Context(), topicID)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, meta)
}

// GetConnection handles GET /api/v1/connection
func (h *HTTPHandler) GetConnection(c *gin.Context) {
	response.Success(c, h.connectionResponse())
}

// RetryConnection handles POST /api/v1/connection/retry
func (h *HTTPHandler) RetryConnection(c *gin.Context) {
	if _, err := h.conn.Retry(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	if err := h.conn.TestPermissions(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, h.connectionResponse())
}

// Health handles GET /health. The service is live even while the store is
// unreachable; the store state is reported alongside.
func (h *HTTPHandler) Health(c *gin.Context) {
	st := h.conn.Status()
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"store":  st.State.String(),
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *HTTPHandler) connectionResponse() ConnectionResponse {
	st := h.conn.Status()
	resp := ConnectionResponse{
		State:    st.State.String(),
		Messages: st.Messages,
		Presence: st.Presence,
		Reason:   st.Reason,
		Refs:     h.conn.Refs(),
	}
	if h.hub != nil {
		resp.Overlays = h.hub.ClientCount()
	}
	return resp
}

func topicParam(c *gin.Context) (int64, bool) {
	topicID, err := parseID(c.Param("topic_id"), "topic_id")
	if err != nil {
		response.BadRequest(c, err.Error())
		return 0, false
	}
	c.Set(log.FieldTopicID, topicID)
	return topicID, true
}

func respondError(c *gin.Context, err error) {
	if kind := domain.KindOf(err); kind != domain.KindUnknown {
		response.WithKind(c, kind.String())
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		response.NotFound(c, "not found")
	case domain.KindOf(err) == domain.KindPermission || errors.Is(err, domain.ErrPermissionDenied):
		response.Forbidden(c, "permission denied")
	case domain.KindOf(err) == domain.KindConnection || errors.Is(err, domain.ErrNotConnected) || errors.Is(err, domain.ErrClosed):
		response.ServiceUnavailable(c, "store unavailable")
	case domain.KindOf(err) == domain.KindValidation:
		response.BadRequest(c, err.Error())
	default:
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Msg("request failed")
		response.InternalError(c, "internal error")
	}
}

// RegisterRoutes mounts the API, health and metrics routes on router.
func (h *HTTPHandler) RegisterRoutes(router gin.IRouter) {
	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		api.GET("/topics/:topic_id/messages", h.GetMessages)
		api.GET("/topics/:topic_id/presence", h.GetPresence)
		api.GET("/topics/:topic_id/metadata", h.GetMetadata)
		api.GET("/connection", h.GetConnection)
		api.POST("/connection/retry", h.RetryConnection)
	}
}
