package kiro

import "encoding/json"

// Decode unmarshals m's payload into the concrete type implied by its
// headers: *AssistantResponsePayload, *ToolUsePayload, *ContextUsagePayload,
// or *ExceptionPayload. It returns (nil, nil) for an event type this
// protocol version doesn't recognize, so callers can skip unknown frames
// without treating them as errors.
func (m *AWSEventMessage) Decode() (interface{}, error) {
	if m.IsException() {
		var p ExceptionPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return nil, err
		}
		return &p, nil
	}

	switch m.EventType() {
	case EventTypeAssistantResponse:
		var p AssistantResponsePayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case EventTypeToolUse:
		var p ToolUsePayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case EventTypeContextUsage:
		var p ContextUsagePayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return nil, err
		}
		return &p, nil
	default:
		return nil, nil
	}
}
