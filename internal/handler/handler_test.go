package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/chat"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/connection"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/domain"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/hub"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/overlay"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/presence"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/store"
	"github.com/weiawesome/wes-io-live/discussion-service/pkg/pubsub"
	"github.com/weiawesome/wes-io-live/discussion-service/pkg/response"
)

type staticOpener struct {
	mem *store.MemoryStore
	bus *pubsub.MemoryPubSub
}

func (o *staticOpener) Open(ctx context.Context) (*connection.Backends, error) {
	o.mem.Reopen()
	return connection.NewBackends(o.mem, o.mem, o.bus), nil
}

type testServer struct {
	router *gin.Engine
	conn   *connection.Manager
	stream *chat.Stream
	mem    *store.MemoryStore
	hub    *hub.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	bus := pubsub.NewMemoryPubSub()
	mem := store.NewMemoryStore(store.WithPublisher(bus))
	conn := connection.NewManager(connection.Config{InstanceID: "test"}, &staticOpener{mem: mem, bus: bus})
	stream := chat.NewStream(conn, chat.Config{HistoryLimit: 100})
	tracker := presence.NewTracker(conn, presence.Config{
		HeartbeatInterval: time.Hour,
		SweepInterval:     time.Hour,
		StaleAfter:        time.Hour,
		LeaveTimeout:      time.Second,
	})

	h := hub.NewHub()
	go h.Run()
	t.Cleanup(h.Shutdown)

	cfg := overlay.DefaultConfig()
	cfg.Location = time.UTC
	deps := overlay.Deps{Conn: conn, Stream: stream, Presence: tracker, Config: cfg}

	router := gin.New()
	NewHTTPHandler(conn, stream, tracker, h).RegisterRoutes(router)
	NewWSHandler(h, deps, hub.Config{
		PingInterval:   time.Minute,
		PongWait:       2 * time.Minute,
		WriteWait:      time.Second,
		MaxMessageSize: 4096,
		SendBuffer:     64,
	}).RegisterRoutes(router)

	return &testServer{router: router, conn: conn, stream: stream, mem: mem, hub: h}
}

func (s *testServer) do(t *testing.T, method, path string) (*httptest.ResponseRecorder, response.Response) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var body response.Response
	if w.Header().Get("Content-Type") != "" && strings.Contains(w.Header().Get("Content-Type"), "json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestHTTP_MessagesBeforeConnectIsUnavailable(t *testing.T) {
	s := newTestServer(t)

	w, body := s.do(t, http.MethodGet, "/api/v1/topics/7/messages")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.False(t, body.Success)
	require.NotNil(t, body.Error)
	assert.Equal(t, "UNAVAILABLE", body.Error.Code)
}

func TestHTTP_InvalidTopic(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/api/v1/topics/abc/messages", "/api/v1/topics/-3/presence", "/api/v1/topics/0/metadata"} {
		w, body := s.do(t, http.MethodGet, path)
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
		require.NotNil(t, body.Error, path)
		assert.Equal(t, "BAD_REQUEST", body.Error.Code, path)
		assert.Empty(t, body.Error.Kind, path)
	}
}

func TestHTTP_MessagesAndMetadata(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	_, err := s.conn.Initialize(ctx)
	require.NoError(t, err)

	w, _ := s.do(t, http.MethodGet, "/api/v1/topics/7/metadata")
	assert.Equal(t, http.StatusNotFound, w.Code)

	author := domain.Identity{UserID: 1, UserName: "alice"}
	_, err = s.stream.Send(ctx, 7, "hello", author)
	require.NoError(t, err)
	_, err = s.stream.Send(ctx, 7, "world", author)
	require.NoError(t, err)

	w, body := s.do(t, http.MethodGet, "/api/v1/topics/7/messages")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, body.Success)

	var msgs []domain.Message
	raw, _ := json.Marshal(body.Data)
	require.NoError(t, json.Unmarshal(raw, &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, "world", msgs[1].Content)

	assert.Eventually(t, func() bool {
		w, _ := s.do(t, http.MethodGet, "/api/v1/topics/7/metadata")
		return w.Code == http.StatusOK
	}, time.Second, 10*time.Millisecond)
}

func TestHTTP_Presence(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	_, err := s.conn.Initialize(ctx)
	require.NoError(t, err)

	require.NoError(t, s.mem.UpsertPresence(ctx, 9, domain.OnlineUser{UserID: 4, UserName: "dora", LastActive: time.Now().UnixMilli()}))

	w, body := s.do(t, http.MethodGet, "/api/v1/topics/9/presence")
	require.Equal(t, http.StatusOK, w.Code)

	var got PresenceResponse
	raw, _ := json.Marshal(body.Data)
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, int64(9), got.TopicID)
	assert.Equal(t, 1, got.Online)
	assert.Equal(t, "dora", got.Users[0].UserName)
}

func TestHTTP_ConnectionAndRetry(t *testing.T) {
	s := newTestServer(t)

	w, body := s.do(t, http.MethodGet, "/api/v1/connection")
	require.Equal(t, http.StatusOK, w.Code)
	data := body.Data.(map[string]interface{})
	assert.Equal(t, "uninitialized", data["state"])

	w, body = s.do(t, http.MethodPost, "/api/v1/connection/retry")
	require.Equal(t, http.StatusOK, w.Code)
	data = body.Data.(map[string]interface{})
	assert.Equal(t, "connected", data["state"])
	assert.Equal(t, true, data["messages"])
	assert.Equal(t, true, data["presence"])
}

func TestHTTP_RetryPermissionDenied(t *testing.T) {
	s := newTestServer(t)
	_, err := s.conn.Initialize(context.Background())
	require.NoError(t, err)
	s.mem.SetDenyWrites(true)

	w, body := s.do(t, http.MethodPost, "/api/v1/connection/retry")
	assert.Equal(t, http.StatusForbidden, w.Code)
	require.NotNil(t, body.Error)
	assert.Equal(t, "FORBIDDEN", body.Error.Code)
	assert.Equal(t, "permission_error", body.Error.Kind)
}

func TestHTTP_HealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	w, _ := s.do(t, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, w.Code)
	var health map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "uninitialized", health["store"])

	w, _ = s.do(t, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "discussion_overlays_mounted")
}

func TestWS_RejectsMissingTopic(t *testing.T) {
	s := newTestServer(t)

	w, body := s.do(t, http.MethodGet, "/overlay/ws?user_id=1")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	require.NotNil(t, body.Error)
	assert.Contains(t, body.Error.Message, "topic_id")
}

type wsFrame struct {
	Type      string          `json:"type"`
	View      json.RawMessage `json:"view"`
	Code      string          `json:"code"`
	Kind      string          `json:"kind"`
	Message   string          `json:"message"`
	Minimized bool            `json:"minimized"`
}

func dial(t *testing.T, s *testServer, query string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(s.router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/overlay/ws?" + query
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readUntil reads frames until match returns true.
func readUntil(t *testing.T, ws *websocket.Conn, match func(wsFrame) bool) wsFrame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, ws.SetReadDeadline(deadline))
		var f wsFrame
		require.NoError(t, ws.ReadJSON(&f))
		if match(f) {
			return f
		}
	}
}

func viewOf(t *testing.T, f wsFrame) overlay.View {
	t.Helper()
	var v overlay.View
	require.NoError(t, json.Unmarshal(f.View, &v))
	return v
}

func isView(t *testing.T, cond func(overlay.View) bool) func(wsFrame) bool {
	return func(f wsFrame) bool {
		return f.Type == domain.MsgTypeView && cond(viewOf(t, f))
	}
}

func TestWS_SendAndReceive(t *testing.T) {
	s := newTestServer(t)
	ws := dial(t, s, "topic_id=5&user_id=1&user_name=alice&width=400px&height=500px")

	f := readUntil(t, ws, isView(t, func(v overlay.View) bool { return v.InputEnabled && !v.Loading }))
	v := viewOf(t, f)
	assert.Equal(t, int64(5), v.TopicID)
	assert.Equal(t, 400.0, v.Geometry.Size.Width)

	require.NoError(t, ws.WriteJSON(domain.SetDraftMessage{Type: domain.MsgTypeSetDraft, Text: "hi there"}))
	require.NoError(t, ws.WriteJSON(domain.BaseMessage{Type: domain.MsgTypeSend}))

	f = readUntil(t, ws, isView(t, func(v overlay.View) bool { return len(v.Messages) == 1 }))
	v = viewOf(t, f)
	assert.Equal(t, "hi there", v.Messages[0].Content)
	assert.True(t, v.Messages[0].IsOwn)
	assert.Equal(t, "", v.Draft)

	assert.Equal(t, 1, s.hub.TopicClientCount(5))
}

func TestWS_ErrorsAndPing(t *testing.T) {
	s := newTestServer(t)
	ws := dial(t, s, "topic_id=5&user_id=1")
	readUntil(t, ws, isView(t, func(v overlay.View) bool { return v.InputEnabled }))

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	f := readUntil(t, ws, func(f wsFrame) bool { return f.Type == domain.MsgTypeError })
	assert.Equal(t, domain.ErrCodeBadRequest, f.Code)

	require.NoError(t, ws.WriteJSON(domain.BaseMessage{Type: "teleport"}))
	f = readUntil(t, ws, func(f wsFrame) bool { return f.Type == domain.MsgTypeError })
	assert.Equal(t, "Unknown message type", f.Message)

	require.NoError(t, ws.WriteJSON(domain.InsertEmojiMessage{Type: domain.MsgTypeInsertEmoji, Emoji: "x"}))
	f = readUntil(t, ws, func(f wsFrame) bool { return f.Type == domain.MsgTypeError })
	assert.Equal(t, domain.KindValidation.String(), f.Kind)

	require.NoError(t, ws.WriteJSON(domain.BaseMessage{Type: domain.MsgTypePing}))
	readUntil(t, ws, func(f wsFrame) bool { return f.Type == domain.MsgTypePong })
}

func TestWS_ToggleMinimizeNotifiesHost(t *testing.T) {
	s := newTestServer(t)
	ws := dial(t, s, "topic_id=5&user_id=1")
	readUntil(t, ws, isView(t, func(v overlay.View) bool { return !v.Loading }))

	require.NoError(t, ws.WriteJSON(domain.BaseMessage{Type: domain.MsgTypeToggleMinimize}))
	f := readUntil(t, ws, func(f wsFrame) bool { return f.Type == domain.MsgTypeMinimize })
	assert.True(t, f.Minimized)
}

func TestWS_CloseUnmounts(t *testing.T) {
	s := newTestServer(t)
	ws := dial(t, s, "topic_id=6&user_id=2&user_name=bob")
	readUntil(t, ws, isView(t, func(v overlay.View) bool { return v.Online == 1 }))

	ws.Close()

	assert.Eventually(t, func() bool {
		users, err := s.mem.ListPresence(context.Background(), 6)
		return err == nil && len(users) == 0 && s.hub.TopicClientCount(6) == 0
	}, 3*time.Second, 20*time.Millisecond)
}
