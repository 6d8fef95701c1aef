// Package handler provides HTTP handlers for the gateway.
package handler

import (
	"net/http"

	"github.com/kiro2api/kiro-gateway/internal/claude"
)

// ChatCompletionsHandler handles POST /v1/chat/completions. The gateway only
// speaks the Anthropic Messages format, so every call here is rejected with
// a message pointing the caller at /v1/messages instead of attempting an
// OpenAI-to-Claude translation.
type ChatCompletionsHandler struct{}

// NewChatCompletionsHandler creates a new chat completions handler.
func NewChatCompletionsHandler() *ChatCompletionsHandler {
	return &ChatCompletionsHandler{}
}

// ServeHTTP always returns 400 with a redirect hint.
func (h *ChatCompletionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	err := claude.NewInvalidRequestError(
		"this gateway speaks the Anthropic Messages API, not OpenAI's chat completions format; " +
			"use POST /v1/messages instead",
	)
	err.WriteError(w)
}
