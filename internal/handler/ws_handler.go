package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/domain"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/hub"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/overlay"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/window"
	"github.com/weiawesome/wes-io-live/discussion-service/pkg/log"
	"github.com/weiawesome/wes-io-live/discussion-service/pkg/response"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const defaultUserName = "Anonymous"

// WSHandler bridges each WebSocket connection to one mounted overlay.
type WSHandler struct {
	hub   *hub.Hub
	deps  overlay.Deps
	wsCfg hub.Config
}

func NewWSHandler(h *hub.Hub, deps overlay.Deps, wsCfg hub.Config) *WSHandler {
	return &WSHandler{
		hub:   h,
		deps:  deps,
		wsCfg: wsCfg,
	}
}

// HandleWebSocket handles GET /overlay/ws. The host page passes the mount
// properties as query parameters.
func (h *WSHandler) HandleWebSocket(c *gin.Context) {
	props, err := propsFromQuery(c)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	c.Set(log.FieldTopicID, props.TopicID)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		l := log.Ctx(c.Request.Context())
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := hub.NewClient(uuid.New().String(), props.TopicID, props.User.UserID, h.hub, conn, h.wsCfg)
	h.hub.Register(client)

	props.OnToggleMinimize = func(minimized bool) {
		client.SendMessage(&domain.MinimizeMessage{Type: domain.MsgTypeMinimize, Minimized: minimized})
	}
	shell := overlay.New(h.deps, props, func(v overlay.View) {
		sendView(client, v)
	})

	// The request context ends when this handler returns; the overlay lives
	// as long as the socket.
	base := log.Ctx(c.Request.Context())
	ctx := log.WithLogger(context.Background(), base.With().Str(log.FieldClientID, client.ID).Logger())
	if err := shell.Mount(ctx); err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Msg("failed to mount overlay")
		client.SendMessage(domain.NewErrorMessage(domain.ErrCodeInternalError, "failed to mount overlay"))
	}

	go client.WritePump()
	go client.ReadPump(func(cl *hub.Client, message []byte) {
		h.handleMessage(ctx, shell, cl, message)
	}, shell.Unmount)
}

func sendView(client *hub.Client, v overlay.View) {
	data, err := json.Marshal(v)
	if err != nil {
		l := log.L()
		l.Error().Err(err).Str(log.FieldClientID, client.ID).Msg("failed to encode view")
		return
	}
	client.SendMessage(&domain.ViewMessage{Type: domain.MsgTypeView, View: data})
}

func propsFromQuery(c *gin.Context) (overlay.Props, error) {
	topicID, err := parseID(c.Query("topic_id"), "topic_id")
	if err != nil {
		return overlay.Props{}, err
	}
	userID, err := parseID(c.Query("user_id"), "user_id")
	if err != nil {
		return overlay.Props{}, err
	}

	name := c.Query("user_name")
	if name == "" {
		name = defaultUserName
	}

	var viewport window.Size
	if v, err := strconv.ParseFloat(c.Query("viewport_width"), 64); err == nil && v > 0 {
		viewport.Width = v
	}
	if v, err := strconv.ParseFloat(c.Query("viewport_height"), 64); err == nil && v > 0 {
		viewport.Height = v
	}

	return overlay.Props{
		TopicID: topicID,
		User: domain.Identity{
			UserID:    userID,
			UserName:  name,
			UserImage: c.Query("user_image"),
		},
		InitialWidth:  c.Query("width"),
		InitialHeight: c.Query("height"),
		Viewport:      viewport,
	}, nil
}

func parseID(raw, name string) (int64, error) {
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return id, nil
}

func (h *WSHandler) handleMessage(ctx context.Context, shell *overlay.Shell, client *hub.Client, message []byte) {
	defer func() {
		if r := recover(); r != nil {
			l := log.Ctx(ctx)
			l.Error().Interface("panic", r).Msg("panic while handling overlay message")
			client.SendMessage(domain.NewErrorMessage(domain.ErrCodeInternalError, "internal error"))
		}
	}()

	var base domain.BaseMessage
	if err := json.Unmarshal(message, &base); err != nil {
		client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid message format"))
		return
	}

	var err error
	switch base.Type {
	case domain.MsgTypeSetDraft:
		var msg domain.SetDraftMessage
		if uerr := json.Unmarshal(message, &msg); uerr != nil {
			client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid set_draft message"))
			return
		}
		err = shell.SetDraft(msg.Text)

	case domain.MsgTypeInsertEmoji:
		var msg domain.InsertEmojiMessage
		if uerr := json.Unmarshal(message, &msg); uerr != nil {
			client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid insert_emoji message"))
			return
		}
		err = shell.InsertEmoji(msg.Emoji)

	case domain.MsgTypeSend:
		err = shell.Send()

	case domain.MsgTypeDelete:
		var msg domain.DeleteMessage
		if uerr := json.Unmarshal(message, &msg); uerr != nil || msg.MessageID == "" {
			client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid delete message"))
			return
		}
		err = shell.Delete(msg.MessageID)

	case domain.MsgTypeToggleMinimize:
		err = shell.ToggleMinimize()

	case domain.MsgTypeRetry:
		err = shell.Retry()

	case domain.MsgTypeDismissBanner:
		err = shell.DismissBanner()

	case domain.MsgTypeDismissNotice:
		var msg domain.DismissNoticeMessage
		if uerr := json.Unmarshal(message, &msg); uerr != nil {
			client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid dismiss_notice message"))
			return
		}
		err = shell.DismissNotice(msg.NoticeID)

	case domain.MsgTypePointerDown, domain.MsgTypePointerMove, domain.MsgTypePointerUp:
		var msg domain.PointerMessage
		if uerr := json.Unmarshal(message, &msg); uerr != nil {
			client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid pointer message"))
			return
		}
		p := window.Point{X: msg.X, Y: msg.Y}
		switch base.Type {
		case domain.MsgTypePointerDown:
			err = shell.PointerDown(window.Target(msg.Target), p)
		case domain.MsgTypePointerMove:
			err = shell.PointerMove(p)
		default:
			err = shell.PointerUp()
		}

	case domain.MsgTypeViewport:
		var msg domain.ViewportMessage
		if uerr := json.Unmarshal(message, &msg); uerr != nil || msg.Width <= 0 || msg.Height <= 0 {
			client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid viewport message"))
			return
		}
		err = shell.SetViewport(window.Size{Width: msg.Width, Height: msg.Height})

	case domain.MsgTypePing:
		client.SendMessage(map[string]string{"type": domain.MsgTypePong})

	default:
		client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Unknown message type"))
	}

	if err != nil {
		client.SendMessage(errorMessage(err))
	}
}

func errorMessage(err error) *domain.ErrorMessage {
	if errors.Is(err, overlay.ErrNotMounted) {
		return domain.NewErrorMessage(domain.ErrCodeNotMounted, err.Error())
	}
	msg := domain.NewErrorMessage(domain.ErrCodeBadRequest, err.Error())
	if kind := domain.KindOf(err); kind != domain.KindUnknown {
		msg.Kind = kind.String()
		var de *domain.Error
		if errors.As(err, &de) {
			msg.Message = de.Message
		}
	}
	return msg
}

// RegisterRoutes mounts the overlay socket on router.
func (h *WSHandler) RegisterRoutes(router gin.IRouter) {
	router.GET("/overlay/ws", h.HandleWebSocket)
}
