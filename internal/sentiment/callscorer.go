package sentiment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"LiveCallAssist/internal/provider"
)

// CallLabel 呼叫级聚合情绪标签
type CallLabel string

const (
	CallHappy   CallLabel = "happy"
	CallNeutral CallLabel = "neutral"
	CallMad     CallLabel = "mad"
)

// CallScorer 呼叫级情绪评分器，委托外部补全服务商
type CallScorer struct {
	completer provider.Completer
}

// NewCallScorer 创建呼叫级评分器
func NewCallScorer(completer provider.Completer) *CallScorer {
	return &CallScorer{completer: completer}
}

const callScoreSystem = `You are a sentiment analysis assistant. Analyze the following conversation and determine the overall sentiment.

Classify the sentiment as one of: happy, neutral, or mad

Respond ONLY with a JSON object:
{"sentiment": "happy" | "neutral" | "mad", "confidence": <0.0-1.0>}`

// ScoreCall 对最近对话文本打呼叫级情绪分
//
// 服务商失败时返回错误，调用方记日志并保持旧状态。
func (s *CallScorer) ScoreCall(ctx context.Context, conversation string) (CallLabel, float64, error) {
	if strings.TrimSpace(conversation) == "" {
		return CallNeutral, 0, nil
	}

	content, err := s.completer.Complete(ctx, callScoreSystem, conversation)
	if err != nil {
		return CallNeutral, 0, fmt.Errorf("call sentiment: %w", err)
	}

	var parsed struct {
		Sentiment  string  `json:"sentiment"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(extractJSON(content)), &parsed); err == nil {
		label := CallLabel(parsed.Sentiment)
		if label == CallHappy || label == CallNeutral || label == CallMad {
			return label, clamp01(parsed.Confidence), nil
		}
	}

	// 非JSON输出的宽松解析
	lower := strings.ToLower(content)
	switch {
	case strings.Contains(lower, "happy") || strings.Contains(lower, "positive"):
		return CallHappy, 0.7, nil
	case strings.Contains(lower, "mad") || strings.Contains(lower, "negative") || strings.Contains(lower, "angry"):
		return CallMad, 0.7, nil
	default:
		return CallNeutral, 0.5, nil
	}
}

// extractJSON 从可能带围栏或前后缀的输出里截取JSON对象
func extractJSON(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		return content[start : end+1]
	}
	return content
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
