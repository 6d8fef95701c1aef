package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestModelsHandlerListsFixedCatalog(t *testing.T) {
	h := NewModelsHandler()
	w := httptest.NewRecorder()

	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		Object string      `json:"object"`
		Data   []ModelInfo `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response not valid JSON: %v", err)
	}
	if resp.Object != "list" {
		t.Errorf("Object = %q, want list", resp.Object)
	}
	if len(resp.Data) != 3 {
		t.Fatalf("len(Data) = %d, want 3", len(resp.Data))
	}
	for _, m := range resp.Data {
		if m.MaxTokens != 32_000 {
			t.Errorf("model %s MaxTokens = %d, want 32000", m.ID, m.MaxTokens)
		}
	}
}

func TestChatCompletionsHandlerRejectsWithRedirectHint(t *testing.T) {
	h := NewChatCompletionsHandler()
	w := httptest.NewRecorder()

	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "/v1/messages") {
		t.Errorf("body = %s, want a mention of /v1/messages", w.Body.String())
	}
}
