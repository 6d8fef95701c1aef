// Package claude provides Kiro to Claude format conversion.
package claude

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/kiro2api/kiro-gateway/internal/kiro"
)

// Converter turns decoded upstream events into Anthropic-shaped SSE events,
// maintaining the ordering contract (message_start, content_block_start,
// per-event deltas, content_block_stop, message_delta, message_stop) across
// calls to Convert.
type Converter struct {
	model     string
	messageID string
	logger    *slog.Logger

	messageStartSent bool
	textBlockOpen    bool
	contentIndex     int

	inToolUse        bool
	toolUseStartSent bool
	hadToolUse       bool
	inputDeltaSent   bool
	toolInputBuf     strings.Builder

	contentLengthExceeded bool

	estimatedInputTokens   int
	contextUsagePercentage float64
	outputBuilder          strings.Builder
}

// NewConverter creates a converter for the given model and pre-call input
// token estimate (used until/unless a ContextUsage event overrides it).
func NewConverter(model string, estimatedInputTokens int) *Converter {
	return &Converter{
		model:                model,
		messageID:            GenerateMessageID(),
		estimatedInputTokens: estimatedInputTokens,
		logger:               slog.Default(),
	}
}

// GetMessageID returns the generated message ID.
func (c *Converter) GetMessageID() string {
	return c.messageID
}

// GetStopReason returns "max_tokens" if a ContentLengthExceededException
// arrived, otherwise "tool_use" if any tool-use block was emitted, else
// "end_turn".
func (c *Converter) GetStopReason() string {
	if c.contentLengthExceeded {
		return "max_tokens"
	}
	if c.hadToolUse {
		return "tool_use"
	}
	return "end_turn"
}

// Convert processes one decoded upstream event and returns the SSE events it
// produces, if any.
func (c *Converter) Convert(event interface{}) ([]*SSEEvent, error) {
	switch e := event.(type) {
	case *kiro.AssistantResponsePayload:
		return c.convertAssistantResponse(e), nil
	case *kiro.ToolUsePayload:
		return c.convertToolUse(e), nil
	case *kiro.ContextUsagePayload:
		c.contextUsagePercentage = e.ContextUsagePercentage
		return nil, nil
	case *kiro.ExceptionPayload:
		if e.Type == "ContentLengthExceededException" {
			c.contentLengthExceeded = true
		}
		return nil, nil
	default:
		return nil, nil
	}
}

func (c *Converter) ensureMessageStarted(events []*SSEEvent) []*SSEEvent {
	if c.messageStartSent {
		return events
	}
	c.messageStartSent = true
	return append(events, c.createMessageStart())
}

func (c *Converter) createMessageStart() *SSEEvent {
	event := MessageStartEvent{
		Type: "message_start",
		Message: MessageStartMessage{
			ID:      c.messageID,
			Type:    "message",
			Role:    "assistant",
			Model:   c.model,
			Content: []interface{}{},
			Usage:   SSEUsage{InputTokens: c.estimatedInputTokens},
		},
	}
	return &SSEEvent{Type: "message_start", Data: event}
}

func (c *Converter) convertAssistantResponse(p *kiro.AssistantResponsePayload) []*SSEEvent {
	var events []*SSEEvent
	events = c.ensureMessageStarted(events)

	if !c.textBlockOpen {
		// A tool_use block may currently be open; close it before starting text.
		if c.inToolUse {
			events = append(events, c.closeToolUse()...)
		}
		c.textBlockOpen = true
		events = append(events, &SSEEvent{Type: "content_block_start", Data: ContentBlockStartEvent{
			Type:         "content_block_start",
			Index:        c.contentIndex,
			ContentBlock: ContentStart{Type: "text"},
		}})
	}

	c.outputBuilder.WriteString(p.Content)
	events = append(events, &SSEEvent{Type: "content_block_delta", Data: ContentBlockDeltaEvent{
		Type:  "content_block_delta",
		Index: c.contentIndex,
		Delta: DeltaBlock{Type: "text_delta", Text: p.Content},
	}})
	return events
}

func (c *Converter) convertToolUse(p *kiro.ToolUsePayload) []*SSEEvent {
	var events []*SSEEvent
	events = c.ensureMessageStarted(events)

	if !c.toolUseStartSent {
		if c.textBlockOpen {
			events = append(events, &SSEEvent{Type: "content_block_stop", Data: ContentBlockStopEvent{Index: c.contentIndex, Type: "content_block_stop"}})
			c.textBlockOpen = false
			c.contentIndex++
		}

		c.inToolUse = true
		c.toolUseStartSent = true
		c.hadToolUse = true
		c.inputDeltaSent = false
		c.toolInputBuf.Reset()

		events = append(events, &SSEEvent{Type: "content_block_start", Data: ContentBlockStartEvent{
			Type:  "content_block_start",
			Index: c.contentIndex,
			ContentBlock: ContentStart{
				Type:  "tool_use",
				ID:    p.ToolUseID,
				Name:  p.Name,
				Input: json.RawMessage("{}"),
			},
		}})
	}

	if p.Input != "" {
		c.toolInputBuf.WriteString(p.Input)
		c.outputBuilder.WriteString(p.Input)
		events = append(events, &SSEEvent{Type: "content_block_delta", Data: ContentBlockDeltaEvent{
			Type:  "content_block_delta",
			Index: c.contentIndex,
			Delta: DeltaBlock{Type: "input_json_delta", PartialJSON: p.Input},
		}})
		c.inputDeltaSent = true
	}

	if p.Stop {
		events = append(events, c.closeToolUse()...)
	}

	return events
}

func (c *Converter) closeToolUse() []*SSEEvent {
	if !c.inToolUse {
		return nil
	}
	var events []*SSEEvent
	if !c.inputDeltaSent {
		events = append(events, &SSEEvent{Type: "content_block_delta", Data: ContentBlockDeltaEvent{
			Type:  "content_block_delta",
			Index: c.contentIndex,
			Delta: DeltaBlock{Type: "input_json_delta", PartialJSON: "{}"},
		}})
	}
	events = append(events, &SSEEvent{Type: "content_block_stop", Data: ContentBlockStopEvent{Index: c.contentIndex, Type: "content_block_stop"}})
	c.inToolUse = false
	c.toolUseStartSent = false
	c.contentIndex++
	return events
}

// Finish closes any still-open content block and emits message_delta +
// message_stop, computing the final usage from the accumulated output and
// whichever input-token source is authoritative.
func (c *Converter) Finish() []*SSEEvent {
	var events []*SSEEvent
	events = c.ensureMessageStarted(events)

	if c.textBlockOpen {
		events = append(events, &SSEEvent{Type: "content_block_stop", Data: ContentBlockStopEvent{Index: c.contentIndex, Type: "content_block_stop"}})
		c.textBlockOpen = false
	} else if c.inToolUse {
		events = append(events, c.closeToolUse()...)
	}

	usage := c.GetFinalUsage()
	events = append(events, &SSEEvent{Type: "message_delta", Data: FullMessageDeltaEvent{
		Type:  "message_delta",
		Delta: MessageDeltaData{StopReason: c.GetStopReason()},
		Usage: SSEUsage{InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens},
	}})
	events = append(events, &SSEEvent{Type: "message_stop", Data: MessageStopEvent{Type: "message_stop"}})

	return events
}

// GetFinalUsage computes the final token usage from the assembled content:
// output tokens by heuristic, input tokens from ContextUsage if it arrived,
// else the pre-call estimate.
func (c *Converter) GetFinalUsage() Usage {
	outputTokens := CountTextTokens(c.outputBuilder.String())

	inputTokens := c.estimatedInputTokens
	if c.contextUsagePercentage > 0 {
		inputTokens = CalculateInputTokensFromPercentage(c.contextUsagePercentage)
	}

	return Usage{InputTokens: inputTokens, OutputTokens: outputTokens}
}

// HasOpenContentBlock reports whether a content block is still open and
// needs a stop event from the caller.
func (c *Converter) HasOpenContentBlock() bool {
	return c.textBlockOpen || c.inToolUse
}

// ContentDelivered reports whether any content was sent to the client.
func (c *Converter) ContentDelivered() bool {
	return c.messageStartSent
}
