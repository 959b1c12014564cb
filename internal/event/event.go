// Package event 解析电话服务商的webhook事件载荷
//
// 每种事件类型提取必需字段为强类型结构，其余内容保留在Raw中
// 作为不透明元数据随会话归档，业务代码不得再解析Raw。
package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind 事件类型
type Kind string

const (
	KindTranscription  Kind = "transcription"
	KindCallState      Kind = "call_state"
	KindRecordingState Kind = "recording_state"
)

// ErrMalformed 表示事件缺少必需字段，调用方应忽略该事件
type ErrMalformed struct {
	Kind   Kind
	Reason string
}

func (e *ErrMalformed) Error() string {
	return fmt.Sprintf("malformed %s event: %s", e.Kind, e.Reason)
}

// ChannelVariables 通道用户变量（SWML userVariables）
type ChannelVariables struct {
	Direction         string `json:"direction"`
	AgentUsername     string `json:"agent_username"`
	DestinationNumber string `json:"destination_number"`
	FromNumber        string `json:"from_number"`
	ListeningMode     string `json:"listening_mode"`
}

// Transcription 一条最终转写事件
type Transcription struct {
	LegID      string
	RoleTag    string // 服务商角色标签，如 remote-caller / local-caller
	Text       string
	Confidence float64
	Timestamp  time.Time // 由微秒时间戳转换
	IsFinal    bool
	Variables  ChannelVariables
	Raw        map[string]interface{}
}

// CallState 呼叫状态事件
type CallState struct {
	LegID       string
	ParentLegID string
	PeerLegID   string
	State       string // created / ringing / answered / ended / failed
	Direction   string
	StartTime   time.Time // 毫秒时间戳
	AnswerTime  time.Time
	EndTime     time.Time
	ToNumber    string
	EndReason   string
	Variables   ChannelVariables
	Raw         map[string]interface{}
}

// RecordingState 录音状态事件
type RecordingState struct {
	LegID       string
	RecordingID string
	State       string
	URL         string
	Format      string
	Stereo      bool
	Direction   string
	Raw         map[string]interface{}
}

// transcriptionPayload SignalWire live_transcribe webhook格式
type transcriptionPayload struct {
	Utterance struct {
		Role      string `json:"role"`
		Content   string `json:"content"`
		Timestamp int64  `json:"timestamp"` // 微秒
		Lang      string `json:"lang"`
	} `json:"utterance"`
	Confidence float64 `json:"confidence"`
	IsFinal    *bool   `json:"is_final"`
	CallInfo   struct {
		CallID string `json:"call_id"`
	} `json:"call_info"`
	ChannelData struct {
		SWMLVars struct {
			UserVariables ChannelVariables `json:"userVariables"`
		} `json:"SWMLVars"`
	} `json:"channel_data"`
}

// DecodeTranscription 解析转写webhook
func DecodeTranscription(body []byte) (*Transcription, error) {
	var p transcriptionPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, &ErrMalformed{Kind: KindTranscription, Reason: err.Error()}
	}

	text := strings.TrimSpace(p.Utterance.Content)
	if text == "" {
		return nil, &ErrMalformed{Kind: KindTranscription, Reason: "empty transcript text"}
	}
	if p.CallInfo.CallID == "" {
		return nil, &ErrMalformed{Kind: KindTranscription, Reason: "missing call_id"}
	}

	ts := time.Now().UTC()
	if p.Utterance.Timestamp > 0 {
		ts = time.UnixMicro(p.Utterance.Timestamp).UTC()
	}

	confidence := p.Confidence
	if confidence == 0 {
		confidence = 1.0
	}

	// 未携带is_final字段时按最终结果处理
	isFinal := true
	if p.IsFinal != nil {
		isFinal = *p.IsFinal
	}

	ev := &Transcription{
		LegID:      p.CallInfo.CallID,
		RoleTag:    p.Utterance.Role,
		Text:       text,
		Confidence: confidence,
		Timestamp:  ts,
		IsFinal:    isFinal,
		Variables:  p.ChannelData.SWMLVars.UserVariables,
		Raw:        rawMap(body),
	}
	return ev, nil
}

// callStatePayload SignalWire call_state webhook格式
type callStatePayload struct {
	EventType string `json:"event_type"`
	Params    struct {
		CallID    string `json:"call_id"`
		CallState string `json:"call_state"`
		Direction string `json:"direction"`
		Parent    struct {
			CallID string `json:"call_id"`
		} `json:"parent"`
		Peer struct {
			CallID string `json:"call_id"`
		} `json:"peer"`
		Device struct {
			Params struct {
				ToNumber   string `json:"to_number"`
				FromNumber string `json:"from_number"`
			} `json:"params"`
		} `json:"device"`
		StartTime  int64  `json:"start_time"` // 毫秒
		AnswerTime int64  `json:"answer_time"`
		EndTime    int64  `json:"end_time"`
		EndReason  string `json:"end_reason"`
		Variables  struct {
			UserVariables ChannelVariables `json:"userVariables"`
		} `json:"variables"`
	} `json:"params"`
}

// DecodeCallState 解析呼叫状态webhook
func DecodeCallState(body []byte) (*CallState, error) {
	var p callStatePayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, &ErrMalformed{Kind: KindCallState, Reason: err.Error()}
	}
	if p.Params.CallID == "" {
		return nil, &ErrMalformed{Kind: KindCallState, Reason: "missing call_id"}
	}
	if p.Params.CallState == "" {
		return nil, &ErrMalformed{Kind: KindCallState, Reason: "missing call_state"}
	}

	ev := &CallState{
		LegID:       p.Params.CallID,
		ParentLegID: p.Params.Parent.CallID,
		PeerLegID:   p.Params.Peer.CallID,
		State:       p.Params.CallState,
		Direction:   p.Params.Direction,
		ToNumber:    p.Params.Device.Params.ToNumber,
		EndReason:   p.Params.EndReason,
		Variables:   p.Params.Variables.UserVariables,
		Raw:         rawMap(body),
	}
	if p.Params.StartTime > 0 {
		ev.StartTime = time.UnixMilli(p.Params.StartTime).UTC()
	}
	if p.Params.AnswerTime > 0 {
		ev.AnswerTime = time.UnixMilli(p.Params.AnswerTime).UTC()
	}
	if p.Params.EndTime > 0 {
		ev.EndTime = time.UnixMilli(p.Params.EndTime).UTC()
	}
	return ev, nil
}

// recordingStatePayload SignalWire record_call status webhook格式
type recordingStatePayload struct {
	Params struct {
		RecordingID string `json:"recording_id"`
		CallID      string `json:"call_id"`
		State       string `json:"state"`
		URL         string `json:"url"`
		Record      struct {
			Audio struct {
				Format    string `json:"format"`
				Stereo    bool   `json:"stereo"`
				Direction string `json:"direction"`
			} `json:"audio"`
		} `json:"record"`
	} `json:"params"`
}

// DecodeRecordingState 解析录音状态webhook
func DecodeRecordingState(body []byte) (*RecordingState, error) {
	var p recordingStatePayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, &ErrMalformed{Kind: KindRecordingState, Reason: err.Error()}
	}
	if p.Params.CallID == "" {
		return nil, &ErrMalformed{Kind: KindRecordingState, Reason: "missing call_id"}
	}
	if p.Params.RecordingID == "" {
		return nil, &ErrMalformed{Kind: KindRecordingState, Reason: "missing recording_id"}
	}

	format := p.Params.Record.Audio.Format
	if format == "" {
		format = "mp3"
	}

	ev := &RecordingState{
		LegID:       p.Params.CallID,
		RecordingID: p.Params.RecordingID,
		State:       p.Params.State,
		URL:         p.Params.URL,
		Format:      format,
		Stereo:      p.Params.Record.Audio.Stereo,
		Direction:   p.Params.Record.Audio.Direction,
		Raw:         rawMap(body),
	}
	return ev, nil
}

// rawMap 保留完整载荷用于元数据归档，解析失败时返回nil
func rawMap(body []byte) map[string]interface{} {
	var m map[string]interface{}
	if err := json.Unmarshal(body, &m); err != nil {
		return nil
	}
	return m
}
