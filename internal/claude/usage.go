// Package claude provides token estimation for Claude API compatibility.
package claude

import (
	"encoding/json"
	"strings"
)

// Constants for token calculation
const (
	// ContextWindow is the context window size the translator assumes when
	// converting the upstream's context-usage percentage into a token count.
	ContextWindow = 200_000

	// CharsPerToken is the average number of characters per token
	// Used for simple estimation when tokenizer is not available
	CharsPerToken = 4
)

// TokenUsage is the input-token count attributed to one request. The
// gateway does not track prompt caching, so cache fields are always zero.
type TokenUsage struct {
	InputTokens int
}

// ToUsage converts TokenUsage to a Usage struct for API responses.
func (t TokenUsage) ToUsage(outputTokens int) Usage {
	return Usage{
		InputTokens:  t.InputTokens,
		OutputTokens: outputTokens,
	}
}

// EstimateInputTokens estimates the input token count from a request.
// Uses simple character-based estimation (chars / 4).
func EstimateInputTokens(req *MessageRequest) int {
	var totalChars int

	// Count system prompt
	systemStr := req.GetSystemString()
	if systemStr != "" {
		totalChars += len(systemStr)
	}

	// Count thinking prefix if enabled
	if req.Thinking != nil && req.Thinking.Type == "enabled" {
		// Add thinking prefix tokens
		totalChars += 100 // Approximate overhead for thinking mode
	}

	// Count all messages
	for _, msg := range req.Messages {
		totalChars += countContentChars(msg.Content)
	}

	// Convert chars to tokens (approximate: 4 chars per token)
	tokens := totalChars / CharsPerToken
	if tokens < 1 && totalChars > 0 {
		tokens = 1
	}

	return tokens
}

// TokenEstimateDetails breaks the EstimateInputTokensWithDetails result down
// by source, for logging.
type TokenEstimateDetails struct {
	SystemTokens     int
	MessagesTokens   int
	ToolsTokens      int
	ThinkingOverhead int
}

// EstimateInputTokensWithDetails estimates like EstimateInputTokens but also
// counts tool definitions and rounds each source down separately. It returns
// the total and a per-source breakdown; the count_tokens endpoint returns the
// total and logs the breakdown.
func EstimateInputTokensWithDetails(req *MessageRequest) (int, TokenEstimateDetails) {
	var details TokenEstimateDetails

	systemStr := req.GetSystemString()
	if systemStr != "" {
		details.SystemTokens = len(systemStr) / CharsPerToken
	}

	if req.Thinking != nil && req.Thinking.Type == "enabled" {
		details.ThinkingOverhead = 100 / CharsPerToken
	}

	var messageChars int
	for _, msg := range req.Messages {
		messageChars += countContentChars(msg.Content)
	}
	details.MessagesTokens = messageChars / CharsPerToken

	var toolChars int
	for _, tool := range req.Tools {
		toolChars += len(tool.Name) + len(tool.Description) + len(tool.InputSchema)
	}
	details.ToolsTokens = toolChars / CharsPerToken

	total := details.SystemTokens + details.MessagesTokens + details.ToolsTokens + details.ThinkingOverhead
	if total < 1 && (systemStr != "" || messageChars > 0 || toolChars > 0) {
		total = 1
	}
	return total, details
}

// countContentChars counts characters in message content.
// Content can be a string or array of content blocks.
func countContentChars(content json.RawMessage) int {
	if len(content) == 0 {
		return 0
	}

	// Try to parse as string first
	var str string
	if err := json.Unmarshal(content, &str); err == nil {
		return len(str)
	}

	// Try to parse as array of content blocks
	var blocks []ContentBlock
	if err := json.Unmarshal(content, &blocks); err == nil {
		var total int
		for _, block := range blocks {
			switch block.Type {
			case "text":
				total += len(block.Text)
			case "thinking":
				total += len(block.Thinking)
			case "tool_use":
				if block.Input != nil {
					total += len(block.Input)
				}
			case "tool_result":
				// Tool results can have nested content
				if len(block.Content) > 0 {
					total += countContentChars(block.Content)
				}
			}
		}
		return total
	}

	// Fallback: count raw JSON length
	return len(content)
}

// CalculateInputTokensFromPercentage converts the upstream's context-usage
// percentage directly into an input-token count: percentage * ContextWindow
// / 100. Unlike an output-token count, this is not subtracted out — the
// percentage already reflects the full conversation context.
func CalculateInputTokensFromPercentage(percentage float64) int {
	if percentage <= 0 {
		return 0
	}
	return int(percentage * float64(ContextWindow) / 100)
}

// CountTextTokens provides a simple token count estimation for text.
// Uses character count divided by average chars per token.
func CountTextTokens(text string) int {
	if text == "" {
		return 0
	}
	// Simple estimation: ~4 characters per token on average
	tokens := len(strings.TrimSpace(text)) / CharsPerToken
	if tokens < 1 && len(text) > 0 {
		tokens = 1
	}
	return tokens
}
