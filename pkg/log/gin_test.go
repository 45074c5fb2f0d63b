package log

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGinMiddleware_TagsRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: "info", ServiceName: "discussion-service"}, &buf)

	r := gin.New()
	r.Use(GinMiddleware(logger))
	r.GET("/topics/:id", func(c *gin.Context) {
		c.Set(FieldTopicID, int64(42))
		l := Ctx(c.Request.Context())
		l.Info().Msg("inside handler")
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/topics/42", nil)
	req.Header.Set(headerRequestID, "req-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "req-1", w.Header().Get(headerRequestID))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var inner, done map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[0], &inner))
	require.NoError(t, json.Unmarshal(lines[1], &done))

	assert.Equal(t, "req-1", inner[FieldRequestID])
	assert.Equal(t, "discussion-service", inner[FieldService])
	assert.Equal(t, "request completed", done["message"])
	assert.Equal(t, float64(42), done[FieldTopicID])
	assert.Equal(t, float64(http.StatusNoContent), done[FieldStatus])
}

func TestCtx_FallsBackToGlobal(t *testing.T) {
	l := Ctx(nil)
	assert.Equal(t, L().GetLevel(), l.GetLevel())
}
