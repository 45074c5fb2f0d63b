package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionState_TextRoundTrip(t *testing.T) {
	for _, st := range []ConnectionState{StateUninitialized, StateConnecting, StateConnected, StateError} {
		text, err := st.MarshalText()
		require.NoError(t, err)

		var got ConnectionState
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, st, got)
	}
}

func TestConnectionState_UnmarshalRejectsUnknown(t *testing.T) {
	var st ConnectionState
	assert.Error(t, st.UnmarshalText([]byte("unknown")))
	assert.Error(t, st.UnmarshalText([]byte("")))
}

func TestStatus_JSONRoundTrip(t *testing.T) {
	in := Status{State: StateError, Messages: false, Presence: false, Reason: "dial tcp: refused"}

	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"error"`)

	var out Status
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}
