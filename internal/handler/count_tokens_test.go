package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kiro2api/kiro-gateway/internal/claude"
)

func newCountTokensRequest(t *testing.T, body any) *http.Request {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request body: %v", err)
	}
	return httptest.NewRequest(http.MethodPost, "/v1/messages/count_tokens", bytes.NewReader(b))
}

func TestCountTokensHandlerValidRequest(t *testing.T) {
	h := NewCountTokensHandler(CountTokensHandlerOptions{})
	req := newCountTokensRequest(t, map[string]any{
		"model": "claude-sonnet-4-5",
		"messages": []map[string]any{
			{"role": "user", "content": "hello there"},
		},
	})
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
	var resp map[string]int
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response not valid JSON: %v", err)
	}
	if resp["input_tokens"] <= 0 {
		t.Errorf("input_tokens = %d, want > 0", resp["input_tokens"])
	}
}

func TestCountTokensHandlerMissingModel(t *testing.T) {
	h := NewCountTokensHandler(CountTokensHandlerOptions{})
	req := newCountTokensRequest(t, map[string]any{
		"messages": []map[string]any{{"role": "user", "content": "hi"}},
	})
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var body claude.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("response not valid JSON: %v", err)
	}
	if body.Error.Type != claude.ErrorTypeInvalidRequest {
		t.Errorf("error type = %q, want invalid_request_error", body.Error.Type)
	}
}

func TestCountTokensHandlerFirstMessageMustBeUser(t *testing.T) {
	h := NewCountTokensHandler(CountTokensHandlerOptions{})
	req := newCountTokensRequest(t, map[string]any{
		"model":    "claude-sonnet-4-5",
		"messages": []map[string]any{{"role": "assistant", "content": "hi"}},
	})
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestCountTokensHandlerInvalidJSON(t *testing.T) {
	h := NewCountTokensHandler(CountTokensHandlerOptions{})
	req := httptest.NewRequest(http.MethodPost, "/v1/messages/count_tokens", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}
