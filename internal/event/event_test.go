package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTranscription(t *testing.T) {
	body := []byte(`{
		"utterance": {
			"role": "remote-caller",
			"content": "I need help with my bill",
			"timestamp": 1700000000000000,
			"lang": "en"
		},
		"confidence": 0.92,
		"call_info": {"call_id": "leg-123"},
		"channel_data": {
			"SWMLVars": {
				"userVariables": {
					"direction": "outbound",
					"agent_username": "alice",
					"destination_number": "+15551234567"
				}
			}
		}
	}`)

	ev, err := DecodeTranscription(body)
	require.NoError(t, err)

	assert.Equal(t, "leg-123", ev.LegID)
	assert.Equal(t, "remote-caller", ev.RoleTag)
	assert.Equal(t, "I need help with my bill", ev.Text)
	assert.Equal(t, 0.92, ev.Confidence)
	assert.True(t, ev.IsFinal, "缺少is_final时按最终结果处理")
	assert.Equal(t, time.UnixMicro(1700000000000000).UTC(), ev.Timestamp)
	assert.Equal(t, "outbound", ev.Variables.Direction)
	assert.Equal(t, "alice", ev.Variables.AgentUsername)
	assert.NotNil(t, ev.Raw)

	t.Log("✅ 转写事件解析正确")
}

func TestDecodeTranscriptionDefaults(t *testing.T) {
	body := []byte(`{
		"utterance": {"role": "local-caller", "content": "hello"},
		"call_info": {"call_id": "leg-1"}
	}`)

	ev, err := DecodeTranscription(body)
	require.NoError(t, err)

	assert.Equal(t, 1.0, ev.Confidence, "缺省置信度为1.0")
	assert.False(t, ev.Timestamp.IsZero(), "缺少时间戳时使用本地时间")
}

func TestDecodeTranscriptionInterim(t *testing.T) {
	body := []byte(`{
		"utterance": {"role": "local-caller", "content": "hel"},
		"is_final": false,
		"call_info": {"call_id": "leg-1"}
	}`)

	ev, err := DecodeTranscription(body)
	require.NoError(t, err)
	assert.False(t, ev.IsFinal)
}

func TestDecodeTranscriptionMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"空文本", `{"utterance":{"role":"remote-caller","content":"   "},"call_info":{"call_id":"x"}}`},
		{"缺少call_id", `{"utterance":{"role":"remote-caller","content":"hi"}}`},
		{"非法JSON", `{not json`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeTranscription([]byte(tt.body))
			require.Error(t, err)

			var malformed *ErrMalformed
			require.ErrorAs(t, err, &malformed)
			assert.Equal(t, KindTranscription, malformed.Kind)
		})
	}
}

func TestDecodeCallState(t *testing.T) {
	body := []byte(`{
		"event_type": "calling.call.state",
		"params": {
			"call_id": "leg-a",
			"call_state": "answered",
			"direction": "inbound",
			"parent": {"call_id": "leg-parent"},
			"peer": {"call_id": "leg-peer"},
			"device": {"params": {"to_number": "+15550001111"}},
			"start_time": 1700000000000,
			"answer_time": 1700000005000,
			"variables": {"userVariables": {"agent_username": "bob"}}
		}
	}`)

	ev, err := DecodeCallState(body)
	require.NoError(t, err)

	assert.Equal(t, "leg-a", ev.LegID)
	assert.Equal(t, "leg-parent", ev.ParentLegID)
	assert.Equal(t, "leg-peer", ev.PeerLegID)
	assert.Equal(t, "answered", ev.State)
	assert.Equal(t, "inbound", ev.Direction)
	assert.Equal(t, "+15550001111", ev.ToNumber)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), ev.StartTime)
	assert.Equal(t, time.UnixMilli(1700000005000).UTC(), ev.AnswerTime)
	assert.True(t, ev.EndTime.IsZero())
	assert.Equal(t, "bob", ev.Variables.AgentUsername)
}

func TestDecodeCallStateMissingState(t *testing.T) {
	_, err := DecodeCallState([]byte(`{"params":{"call_id":"leg-a"}}`))

	var malformed *ErrMalformed
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, KindCallState, malformed.Kind)
}

func TestDecodeRecordingState(t *testing.T) {
	body := []byte(`{
		"params": {
			"recording_id": "rec-1",
			"call_id": "leg-a",
			"state": "finished",
			"url": "https://example.com/rec-1.mp3",
			"record": {"audio": {"format": "wav", "stereo": true, "direction": "both"}}
		}
	}`)

	ev, err := DecodeRecordingState(body)
	require.NoError(t, err)

	assert.Equal(t, "rec-1", ev.RecordingID)
	assert.Equal(t, "leg-a", ev.LegID)
	assert.Equal(t, "finished", ev.State)
	assert.Equal(t, "wav", ev.Format)
	assert.True(t, ev.Stereo)
}

func TestDecodeRecordingStateDefaultFormat(t *testing.T) {
	body := []byte(`{"params":{"recording_id":"rec-2","call_id":"leg-b","state":"recording"}}`)

	ev, err := DecodeRecordingState(body)
	require.NoError(t, err)
	assert.Equal(t, "mp3", ev.Format)
}
