package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/wes-io-live/discussion-service/pkg/log"
)

func TestLogTarget_WritesAuditFields(t *testing.T) {
	var buf bytes.Buffer
	logger := log.NewWithWriter(log.Config{Level: "debug", ServiceName: "test"}, &buf)
	ctx := log.WithLogger(context.Background(), logger)

	LogTarget(ctx, ActionDeleteMessage, 42, "0001-abc", "message deleted")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, log.LogTypeAudit, entry[log.FieldLogType])
	assert.Equal(t, ActionDeleteMessage, entry[FieldAction])
	assert.Equal(t, float64(42), entry[log.FieldUserID])
	assert.Equal(t, "0001-abc", entry[FieldTargetID])
	assert.Equal(t, "message deleted", entry["message"])
}
