// Package handler provides HTTP handlers for the gateway.
package handler

import (
	"encoding/json"
	"net/http"
)

// ModelInfo describes one model entry in the GET /v1/models listing.
type ModelInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	MaxTokens   int    `json:"max_tokens"`
}

// modelCatalog is the fixed, informational list of models the gateway
// translates for. It does not gate which model a /v1/messages request may
// name — that is left to the upstream's own model mapping.
var modelCatalog = []ModelInfo{
	{ID: "claude-opus-4-5", DisplayName: "Claude Opus 4.5", MaxTokens: 32_000},
	{ID: "claude-sonnet-4-5", DisplayName: "Claude Sonnet 4.5", MaxTokens: 32_000},
	{ID: "claude-haiku-4-5", DisplayName: "Claude Haiku 4.5", MaxTokens: 32_000},
}

// ModelsHandler handles GET /v1/models requests.
type ModelsHandler struct{}

// NewModelsHandler creates a new models handler.
func NewModelsHandler() *ModelsHandler {
	return &ModelsHandler{}
}

// ServeHTTP writes the fixed model catalog.
func (h *ModelsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"object": "list",
		"data":   modelCatalog,
	})
}
