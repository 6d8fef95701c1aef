package claude

import (
	"encoding/json"
	"testing"
)

func TestCalculateInputTokensFromPercentage(t *testing.T) {
	cases := []struct {
		pct  float64
		want int
	}{
		{0, 0},
		{-5, 0},
		{12.5, 25000},
		{100, 200000},
	}
	for _, c := range cases {
		if got := CalculateInputTokensFromPercentage(c.pct); got != c.want {
			t.Errorf("CalculateInputTokensFromPercentage(%v) = %d, want %d", c.pct, got, c.want)
		}
	}
}

func TestEstimateInputTokensCountsSystemAndMessages(t *testing.T) {
	req := &MessageRequest{
		System: rawString("you are a helpful assistant"),
		Messages: []Message{
			{Role: "user", Content: rawString("hello there")},
		},
	}

	got := EstimateInputTokens(req)
	if got <= 0 {
		t.Errorf("EstimateInputTokens() = %d, want > 0", got)
	}
}

func TestEstimateInputTokensWithDetailsBreaksDownBySource(t *testing.T) {
	req := &MessageRequest{
		System: rawString("system prompt text"),
		Messages: []Message{
			{Role: "user", Content: rawString("user message text")},
		},
		Tools: []Tool{
			{Name: "bash", Description: "run a shell command", InputSchema: rawString(`{"type":"object"}`)},
		},
		Thinking: &ThinkingConfig{Type: "enabled"},
	}

	total, details := EstimateInputTokensWithDetails(req)
	sum := details.SystemTokens + details.MessagesTokens + details.ToolsTokens + details.ThinkingOverhead
	if total != sum {
		t.Errorf("total = %d, want sum of details %d", total, sum)
	}
	if details.ThinkingOverhead == 0 {
		t.Error("ThinkingOverhead = 0, want > 0 when thinking is enabled")
	}
	if details.ToolsTokens == 0 {
		t.Error("ToolsTokens = 0, want > 0 with one tool defined")
	}
}

func TestCountTextTokensEmpty(t *testing.T) {
	if got := CountTextTokens(""); got != 0 {
		t.Errorf("CountTextTokens(\"\") = %d, want 0", got)
	}
	if got := CountTextTokens("a"); got != 1 {
		t.Errorf("CountTextTokens(\"a\") = %d, want 1 (floor of 1 for any non-empty text)", got)
	}
}

func rawString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
