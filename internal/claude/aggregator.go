// Package claude provides response aggregation for non-streaming requests.
package claude

import (
	"encoding/json"
	"log/slog"

	"github.com/kiro2api/kiro-gateway/internal/kiro"
)

// Aggregator collects decoded upstream events into a single MessageResponse,
// for the non-streaming request path. It mirrors Converter's state machine
// but accumulates content blocks instead of emitting SSE events.
type Aggregator struct {
	model     string
	messageID string
	logger    *slog.Logger

	content []ContentBlock

	currentBlockIndex    int
	currentBlockType     string
	currentBlockText     string
	currentBlockID       string
	currentBlockName     string
	currentBlockInputStr string

	contentLengthExceeded bool
	hadToolUse            bool

	estimatedInputTokens   int
	contextUsagePercentage float64
	outputText             string
}

// NewAggregator creates an aggregator with a pre-call input token estimate.
func NewAggregator(model string, estimatedInputTokens int) *Aggregator {
	return &Aggregator{
		model:                model,
		messageID:            GenerateMessageID(),
		currentBlockIndex:    -1,
		estimatedInputTokens: estimatedInputTokens,
		logger:               slog.Default(),
	}
}

// GetMessageID returns the generated message ID.
func (a *Aggregator) GetMessageID() string {
	return a.messageID
}

// Add processes one decoded upstream event.
func (a *Aggregator) Add(event interface{}) error {
	switch e := event.(type) {
	case *kiro.AssistantResponsePayload:
		a.addAssistantResponse(e)
	case *kiro.ToolUsePayload:
		a.addToolUse(e)
	case *kiro.ContextUsagePayload:
		a.contextUsagePercentage = e.ContextUsagePercentage
	case *kiro.ExceptionPayload:
		if e.Type == "ContentLengthExceededException" {
			a.contentLengthExceeded = true
		}
	}
	return nil
}

func (a *Aggregator) addAssistantResponse(p *kiro.AssistantResponsePayload) {
	if a.currentBlockType != "" && a.currentBlockType != "text" {
		a.finishCurrentBlock()
	}
	if a.currentBlockIndex < 0 {
		a.currentBlockIndex = len(a.content)
		a.currentBlockType = "text"
	}
	a.currentBlockText += p.Content
	a.outputText += p.Content
}

func (a *Aggregator) addToolUse(p *kiro.ToolUsePayload) {
	if a.currentBlockType != "tool_use" || a.currentBlockID != p.ToolUseID {
		a.finishCurrentBlock()
		a.currentBlockIndex = len(a.content)
		a.currentBlockType = "tool_use"
		a.currentBlockID = p.ToolUseID
		a.currentBlockName = p.Name
		a.hadToolUse = true
	}

	if p.Input != "" {
		a.currentBlockInputStr += p.Input
		a.outputText += p.Input
	}

	if p.Stop {
		a.finishCurrentBlock()
	}
}

// finishCurrentBlock appends the current block to content, if one is open.
func (a *Aggregator) finishCurrentBlock() {
	if a.currentBlockIndex < 0 {
		return
	}

	block := ContentBlock{Type: a.currentBlockType}
	switch a.currentBlockType {
	case "text":
		block.Text = a.currentBlockText
	case "tool_use":
		block.ID = a.currentBlockID
		block.Name = a.currentBlockName
		block.Input = a.validateAndGetInput()
	}

	for len(a.content) <= a.currentBlockIndex {
		a.content = append(a.content, ContentBlock{})
	}
	a.content[a.currentBlockIndex] = block

	a.currentBlockIndex = -1
	a.currentBlockType = ""
	a.currentBlockText = ""
	a.currentBlockID = ""
	a.currentBlockName = ""
	a.currentBlockInputStr = ""
}

// validateAndGetInput validates the accumulated tool input string as JSON.
// An empty accumulation yields {}. A malformed accumulation also yields {},
// with a warning logged — the upstream occasionally truncates a tool-input
// stream mid-object, and there's no sane partial-arguments value to forward.
func (a *Aggregator) validateAndGetInput() json.RawMessage {
	if a.currentBlockInputStr == "" {
		return json.RawMessage("{}")
	}

	var js json.RawMessage
	if err := json.Unmarshal([]byte(a.currentBlockInputStr), &js); err == nil {
		return js
	}

	a.logger.Warn("discarding malformed tool_use input", "tool_use_id", a.currentBlockID, "name", a.currentBlockName)
	return json.RawMessage("{}")
}

// Build finalizes the response, closing any still-open content block and
// computing final usage.
func (a *Aggregator) Build() *MessageResponse {
	a.finishCurrentBlock()

	outputTokens := CountTextTokens(a.outputText)

	inputTokens := a.estimatedInputTokens
	if a.contextUsagePercentage > 0 {
		inputTokens = CalculateInputTokensFromPercentage(a.contextUsagePercentage)
	}

	stopReason := "end_turn"
	switch {
	case a.contentLengthExceeded:
		stopReason = "max_tokens"
	case a.hadToolUse:
		stopReason = "tool_use"
	}

	return &MessageResponse{
		ID:         a.messageID,
		Type:       "message",
		Role:       "assistant",
		Content:    a.content,
		Model:      a.model,
		StopReason: stopReason,
		Usage: Usage{
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
		},
	}
}
