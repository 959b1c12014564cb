package provider

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// Analyzer 基于Completer的会话分析能力：提炼议题、生成检索词、整通总结
type Analyzer struct {
	completer Completer
}

// NewAnalyzer 创建分析器
func NewAnalyzer(completer Completer) *Analyzer {
	return &Analyzer{completer: completer}
}

// AnalyzeConversationContext 从近期对话中提炼客户议题与关键主题
//
// 服务商失败或输出为空时返回空摘要与空主题，调用方静默放弃
// 本轮检索，不作为错误处理。
func (a *Analyzer) AnalyzeConversationContext(ctx context.Context, conversation string) (string, []string) {
	if conversation == "" {
		return "", nil
	}

	prompt := fmt.Sprintf(`Analyze this customer service conversation and extract information that would be useful for searching documentation:

1. What is the customer's main issue or question? (Be specific)
2. What product features, services, or processes are being discussed?
3. Are there any error messages, specific problems, or technical terms mentioned?
4. What action is the customer trying to perform?

Conversation:
%s

Response format:
Summary: <specific description of the customer's issue>
Topics: <relevant search terms, product names, features, error messages, etc>`, conversation)

	content, err := a.completer.Complete(ctx, "You are a helpful assistant analyzing customer service calls.", prompt)
	if err != nil {
		log.Printf("analyzer: conversation analysis failed: %v", err)
		return "", nil
	}

	var summary string
	var topics []string
	for _, line := range strings.Split(content, "\n") {
		switch {
		case strings.HasPrefix(line, "Summary:"):
			summary = strings.TrimSpace(strings.TrimPrefix(line, "Summary:"))
		case strings.HasPrefix(line, "Topics:"):
			for _, t := range strings.Split(strings.TrimPrefix(line, "Topics:"), ",") {
				if t = strings.TrimSpace(t); t != "" {
					topics = append(topics, t)
				}
			}
		}
	}
	return summary, topics
}

// GenerateSearchQuery 生成知识库检索串
//
// 服务商失败时退化为摘要与主题的简单拼接。
func (a *Analyzer) GenerateSearchQuery(ctx context.Context, summary string, topics []string) string {
	if summary == "" && len(topics) == 0 {
		return ""
	}

	fallback := strings.TrimSpace(summary + " " + strings.Join(topics, " "))

	prompt := fmt.Sprintf(`You are searching a knowledge base to help a customer service agent. Based on this context, generate the BEST search query to find relevant documentation.

Customer Issue: %s
Key Topics: %s

Generate a search query that would match relevant help articles, policies, or troubleshooting guides. Focus on:
- The specific problem or question
- Product/feature names
- Error messages or symptoms
- Actions the customer is trying to perform

Search query (be specific but concise):`, summary, strings.Join(topics, ", "))

	content, err := a.completer.Complete(ctx, "You are a search query optimizer for customer service documentation.", prompt)
	if err != nil || strings.TrimSpace(content) == "" {
		if err != nil {
			log.Printf("analyzer: search query generation failed, using fallback: %v", err)
		}
		return fallback
	}
	return strings.TrimSpace(content)
}

// CallSummary 整通呼叫的总结结果
type CallSummary struct {
	Summary        string
	KeyTopics      []string
	ActionItems    []string
	Sentiment      string // positive / neutral / negative
	SentimentScore float64
}

// SummarizeCall 对整通对话生成总结
func (a *Analyzer) SummarizeCall(ctx context.Context, conversation string) (*CallSummary, error) {
	if conversation == "" {
		return nil, fmt.Errorf("empty conversation")
	}

	prompt := fmt.Sprintf(`Summarize this customer service call. Provide:
1. A brief summary of the conversation
2. Key topics discussed
3. Action items for follow-up
4. Overall customer sentiment (positive/neutral/negative)

Conversation:
%s

Response format:
Summary: <summary>
Topics: <comma separated topics>
Actions: <comma separated action items>
Sentiment: <sentiment>`, conversation)

	content, err := a.completer.Complete(ctx, "You are a helpful assistant summarizing customer service calls.", prompt)
	if err != nil {
		return nil, fmt.Errorf("summarize call: %w", err)
	}

	result := &CallSummary{Sentiment: "neutral", SentimentScore: 0.5}
	for _, line := range strings.Split(content, "\n") {
		switch {
		case strings.HasPrefix(line, "Summary:"):
			result.Summary = strings.TrimSpace(strings.TrimPrefix(line, "Summary:"))
		case strings.HasPrefix(line, "Topics:"):
			result.KeyTopics = splitList(strings.TrimPrefix(line, "Topics:"))
		case strings.HasPrefix(line, "Actions:"):
			result.ActionItems = splitList(strings.TrimPrefix(line, "Actions:"))
		case strings.HasPrefix(line, "Sentiment:"):
			result.Sentiment = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(line, "Sentiment:")))
		}
	}

	scores := map[string]float64{"positive": 0.8, "neutral": 0.5, "negative": 0.2}
	if score, ok := scores[result.Sentiment]; ok {
		result.SentimentScore = score
	} else {
		result.Sentiment = "neutral"
	}
	return result, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
