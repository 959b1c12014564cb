// Package sentiment 话语与呼叫两级情绪评分
//
// 话语级评分是纯函数：按说话人角色选用不同词表，同步、确定，
// 可直接单测。呼叫级评分走外部补全服务商，异步且可失败。
package sentiment

import "strings"

// Label 话语级情绪标签
type Label string

const (
	LabelPositive Label = "positive"
	LabelNeutral  Label = "neutral"
	LabelNegative Label = "negative"
)

// 客户与坐席的表达方式不同，分别维护词表
var customerPositive = []string{
	"thank", "thanks", "great", "perfect", "awesome", "wonderful",
	"appreciate", "excellent", "helpful", "solved", "works", "happy",
}

var customerNegative = []string{
	"angry", "frustrated", "terrible", "awful", "horrible", "useless",
	"broken", "cancel", "refund", "complaint", "unacceptable", "worst",
	"ridiculous", "waiting", "still not", "doesn't work", "not working",
}

var agentPositive = []string{
	"glad", "happy to help", "resolved", "fixed", "absolutely",
	"certainly", "of course", "my pleasure", "great question",
}

var agentNegative = []string{
	"sorry", "apologize", "unfortunately", "unable", "cannot",
	"i'm afraid", "delay", "escalate",
}

// Score 对一条话语打分
//
// 返回标签与[0,1]区间的分数：0.5为中性基线，正向词加分、
// 负向词减分。role取agent/customer，其他角色按customer词表。
func Score(role, text string) (Label, float64) {
	lower := strings.ToLower(text)

	positive, negative := customerPositive, customerNegative
	if role == "agent" {
		positive, negative = agentPositive, agentNegative
	}

	score := 0.5
	for _, w := range positive {
		if strings.Contains(lower, w) {
			score += 0.15
		}
	}
	for _, w := range negative {
		if strings.Contains(lower, w) {
			score -= 0.15
		}
	}

	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}

	switch {
	case score >= 0.65:
		return LabelPositive, score
	case score <= 0.35:
		return LabelNegative, score
	default:
		return LabelNeutral, score
	}
}
