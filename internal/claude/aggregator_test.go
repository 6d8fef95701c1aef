package claude

import (
	"encoding/json"
	"testing"

	"github.com/kiro2api/kiro-gateway/internal/kiro"
)

func TestAggregatorTextOnly(t *testing.T) {
	a := NewAggregator("claude-sonnet-4-5", 50)
	_ = a.Add(&kiro.AssistantResponsePayload{Content: "Hello, "})
	_ = a.Add(&kiro.AssistantResponsePayload{Content: "world"})

	resp := a.Build()

	if resp.StopReason != "end_turn" {
		t.Errorf("StopReason = %q, want end_turn", resp.StopReason)
	}
	if len(resp.Content) != 1 || resp.Content[0].Type != "text" {
		t.Fatalf("Content = %+v, want a single text block", resp.Content)
	}
	if resp.Content[0].Text != "Hello, world" {
		t.Errorf("Text = %q, want %q", resp.Content[0].Text, "Hello, world")
	}
	if resp.Usage.InputTokens != 50 {
		t.Errorf("InputTokens = %d, want 50 (pre-call estimate, no ContextUsage arrived)", resp.Usage.InputTokens)
	}
}

func TestAggregatorTextThenToolUse(t *testing.T) {
	a := NewAggregator("claude-sonnet-4-5", 0)
	_ = a.Add(&kiro.AssistantResponsePayload{Content: "Let me check."})
	_ = a.Add(&kiro.ToolUsePayload{ToolUseID: "tool_1", Name: "bash", Input: `{"cmd":`})
	_ = a.Add(&kiro.ToolUsePayload{ToolUseID: "tool_1", Input: `"ls"}`, Stop: true})

	resp := a.Build()

	if resp.StopReason != "tool_use" {
		t.Errorf("StopReason = %q, want tool_use", resp.StopReason)
	}
	if len(resp.Content) != 2 {
		t.Fatalf("Content = %+v, want 2 blocks", resp.Content)
	}
	if resp.Content[0].Type != "text" || resp.Content[0].Text != "Let me check." {
		t.Errorf("Content[0] = %+v, want the text block", resp.Content[0])
	}
	tool := resp.Content[1]
	if tool.Type != "tool_use" || tool.ID != "tool_1" || tool.Name != "bash" {
		t.Errorf("Content[1] = %+v, want tool_use/tool_1/bash", tool)
	}
	var input map[string]string
	if err := json.Unmarshal(tool.Input, &input); err != nil {
		t.Fatalf("tool.Input not valid JSON: %v (%s)", err, tool.Input)
	}
	if input["cmd"] != "ls" {
		t.Errorf("tool input cmd = %q, want ls", input["cmd"])
	}
}

func TestAggregatorMalformedToolInputYieldsEmptyObject(t *testing.T) {
	a := NewAggregator("claude-sonnet-4-5", 0)
	_ = a.Add(&kiro.ToolUsePayload{ToolUseID: "tool_1", Name: "bash", Input: `{not valid json`, Stop: true})

	resp := a.Build()

	if len(resp.Content) != 1 {
		t.Fatalf("Content = %+v, want 1 block", resp.Content)
	}
	if string(resp.Content[0].Input) != "{}" {
		t.Errorf("Input = %s, want {} for malformed tool input", resp.Content[0].Input)
	}
}

func TestAggregatorContentLengthExceededSetsMaxTokens(t *testing.T) {
	a := NewAggregator("claude-sonnet-4-5", 0)
	_ = a.Add(&kiro.AssistantResponsePayload{Content: "truncated"})
	_ = a.Add(&kiro.ExceptionPayload{Type: "ContentLengthExceededException"})

	resp := a.Build()
	if resp.StopReason != "max_tokens" {
		t.Errorf("StopReason = %q, want max_tokens", resp.StopReason)
	}
}

func TestAggregatorContextUsageOverridesInputEstimate(t *testing.T) {
	a := NewAggregator("claude-sonnet-4-5", 999)
	_ = a.Add(&kiro.AssistantResponsePayload{Content: "hi"})
	_ = a.Add(&kiro.ContextUsagePayload{ContextUsagePercentage: 12.5})

	resp := a.Build()
	if resp.Usage.InputTokens != 25000 {
		t.Errorf("InputTokens = %d, want 25000", resp.Usage.InputTokens)
	}
}

func TestAggregatorMultipleToolCallsGetDistinctBlocks(t *testing.T) {
	a := NewAggregator("claude-sonnet-4-5", 0)
	_ = a.Add(&kiro.ToolUsePayload{ToolUseID: "t1", Name: "bash", Input: `{}`, Stop: true})
	_ = a.Add(&kiro.ToolUsePayload{ToolUseID: "t2", Name: "read_file", Input: `{}`, Stop: true})

	resp := a.Build()
	if len(resp.Content) != 2 {
		t.Fatalf("Content = %+v, want 2 distinct tool_use blocks", resp.Content)
	}
	if resp.Content[0].ID != "t1" || resp.Content[1].ID != "t2" {
		t.Errorf("IDs = [%s, %s], want [t1, t2]", resp.Content[0].ID, resp.Content[1].ID)
	}
}
