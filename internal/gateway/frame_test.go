package gateway

import (
	"encoding/json"
	"testing"

	"chat-gateway/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrame(t *testing.T) {
	t.Run("Heartbeat", func(t *testing.T) {
		frame := DecodeFrame([]byte(`{"op":1}`))
		hb, ok := frame.(*HeartbeatFrame)
		require.True(t, ok)
		assert.Nil(t, hb.Seq)
	})

	t.Run("HeartbeatWithSequence", func(t *testing.T) {
		frame := DecodeFrame([]byte(`{"op":1,"d":42}`))
		hb, ok := frame.(*HeartbeatFrame)
		require.True(t, ok)
		require.NotNil(t, hb.Seq)
		assert.EqualValues(t, 42, *hb.Seq)
	})

	t.Run("Identify", func(t *testing.T) {
		_, ok := DecodeFrame([]byte(`{"op":2,"d":{"whatever":true}}`)).(*IdentifyFrame)
		assert.True(t, ok)
	})

	t.Run("UpdatePresence", func(t *testing.T) {
		frame := DecodeFrame([]byte(`{"op":3,"d":{"status":"DND"}}`))
		up, ok := frame.(*UpdatePresenceFrame)
		require.True(t, ok)
		assert.Equal(t, models.StatusDND, up.Status)
	})
}

func TestDecodeFrameViolations(t *testing.T) {
	cases := map[string]string{
		"NotJSON":              `hello`,
		"MissingOpcode":        `{"d":1}`,
		"UnknownOpcode":        `{"op":42}`,
		"ServerOnlyOpcode":     `{"op":10}`,
		"BadHeartbeatPayload":  `{"op":1,"d":"soon"}`,
		"MissingPresence":      `{"op":3}`,
		"UnknownStatus":        `{"op":3,"d":{"status":"SLEEPING"}}`,
		"PresenceWrongPayload": `{"op":3,"d":[1,2]}`,
	}

	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			frame := DecodeFrame([]byte(input))
			v, ok := frame.(*ProtocolViolation)
			require.True(t, ok, "expected violation, got %T", frame)
			assert.NotEmpty(t, v.Error())
		})
	}
}

func TestFrameEncoding(t *testing.T) {
	data, err := json.Marshal(invalidSessionFrame(false))
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":9,"d":false}`, string(data))

	data, err = json.Marshal(heartbeatAckFrame())
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":11}`, string(data))

	data, err = json.Marshal(helloFrame(30000))
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":10,"d":{"heartbeat_interval":30000}}`, string(data))

	data, err = json.Marshal(presenceUpdateFrame("A", models.StatusDND))
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":0,"t":"PRESENCE_UPDATE","d":{"userId":"A","status":"DND"}}`, string(data))
}
