package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrame_Call(t *testing.T) {
	frame, err := DecodeFrame([]byte(`[2,"msg-1","Heartbeat",{}]`))
	require.NoError(t, err)

	assert.Equal(t, 2, frame.Type)
	assert.Equal(t, "msg-1", frame.MsgID)
	assert.Equal(t, "Heartbeat", frame.Action)
	assert.JSONEq(t, `{}`, string(frame.Payload))
}

func TestDecodeFrame_CallResult(t *testing.T) {
	frame, err := DecodeFrame([]byte(`[3,"msg-2",{"status":"Accepted"}]`))
	require.NoError(t, err)

	assert.Equal(t, 3, frame.Type)
	assert.Equal(t, "msg-2", frame.MsgID)
	assert.JSONEq(t, `{"status":"Accepted"}`, string(frame.Payload))
}

func TestDecodeFrame_CallError(t *testing.T) {
	frame, err := DecodeFrame([]byte(`[4,"msg-3","InternalError","boom",{}]`))
	require.NoError(t, err)

	assert.Equal(t, 4, frame.Type)
	assert.Equal(t, "InternalError", frame.ErrorCode)
	assert.Equal(t, "boom", frame.ErrorDescription)
}

func TestDecodeFrame_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		data  string
		msgID string
	}{
		{"not json", `{{{`, ""},
		{"not array", `{"a":1}`, ""},
		{"too short", `[2,"x"]`, ""},
		{"call wrong arity", `[2,"msg-4","Heartbeat"]`, "msg-4"},
		{"unknown type", `[9,"msg-5",{}]`, "msg-5"},
		{"callresult wrong arity", `[3,"msg-6",{},{}]`, "msg-6"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFrame([]byte(tt.data))
			require.Error(t, err)

			fe, ok := err.(*FrameError)
			require.True(t, ok)
			assert.Equal(t, tt.msgID, fe.MsgID)
		})
	}
}

func TestEncodeCall_RoundTrip(t *testing.T) {
	data, err := EncodeCall("id-1", "StatusNotification", map[string]interface{}{"connectorId": 1})
	require.NoError(t, err)

	frame, err := DecodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, 2, frame.Type)
	assert.Equal(t, "id-1", frame.MsgID)
	assert.Equal(t, "StatusNotification", frame.Action)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	assert.EqualValues(t, 1, payload["connectorId"])
}

func TestEncodeCallError_FiveElements(t *testing.T) {
	data, err := EncodeCallError("id-2", ErrNotImplemented, "no handler", nil)
	require.NoError(t, err)

	var elements []json.RawMessage
	require.NoError(t, json.Unmarshal(data, &elements))
	assert.Len(t, elements, 5)
}
