package kiro

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Client is an HTTP client for the Kiro (CodeWhisperer-protocol) backend,
// shared across every account's outgoing requests.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOptions configures the Kiro HTTP client.
type ClientOptions struct {
	MaxConns            int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	Timeout             time.Duration
	Logger              *slog.Logger
}

// NewClient creates a Kiro API client with connection pooling.
func NewClient(opts ClientOptions) *Client {
	transport := &http.Transport{
		MaxIdleConns:        opts.MaxConns,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxConnsPerHost:     opts.MaxConns,
		IdleConnTimeout:     opts.IdleConnTimeout,
		DisableKeepAlives:   false,
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout, // 0 for streaming
		},
		logger: logger,
	}
}

// Request is one call to the Kiro backend.
type Request struct {
	Region     string
	ProfileARN string
	Token      string
	Body       []byte
}

// SendStreaming issues a streaming (event-stream) request. The returned
// body must be closed by the caller once the stream is fully drained or
// abandoned.
func (c *Client) SendStreaming(ctx context.Context, req *Request) (io.ReadCloser, error) {
	return c.send(ctx, req)
}

// SendUnary issues a request and returns the full body. The message
// handlers do not use it; their non-streaming path also reads the
// SendStreaming body incrementally.
func (c *Client) SendUnary(ctx context.Context, req *Request) ([]byte, error) {
	body, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()
	return io.ReadAll(body)
}

func (c *Client) send(ctx context.Context, req *Request) (io.ReadCloser, error) {
	url := buildGenerateURL(req.Region)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("kiro: build request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/vnd.amazon.eventstream")
	httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	httpReq.Header.Set("x-amz-user-agent", "aws-sdk-js/1.0.0 KiroIDE")
	httpReq.Header.Set("User-Agent", "aws-sdk-js/1.0.0 KiroIDE")
	if req.ProfileARN != "" {
		httpReq.Header.Set("x-amz-profile-arn", req.ProfileARN)
	}

	c.logger.Debug("sending request to kiro", "url", url, "profile_arn", req.ProfileARN)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("kiro: request failed: %w", err)
	}

	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(resp.Body)
		c.logger.Warn("kiro API error", "status", resp.StatusCode, "body", string(body))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: body}
	}

	return resp.Body, nil
}

// Close releases the client's idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// APIError is a non-2xx response from the Kiro backend.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kiro API error: status %d, body: %s", e.StatusCode, string(e.Body))
}

// IsRateLimited reports a 429 response.
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsForbidden reports a 403 response.
func (e *APIError) IsForbidden() bool {
	return e.StatusCode == http.StatusForbidden
}

func buildGenerateURL(region string) string {
	if region == "" {
		region = "us-east-1"
	}
	return fmt.Sprintf("https://q.%s.amazonaws.com/generateAssistantResponse", region)
}

// BuildRequestBody converts a Claude-style messages array into the Kiro
// conversationState shape: every message but the last becomes history, the
// last becomes currentMessage.
func BuildRequestBody(model string, messages []byte, system string) ([]byte, error) {
	var claudeMessages []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(messages, &claudeMessages); err != nil {
		return nil, fmt.Errorf("kiro: parse messages: %w", err)
	}

	kiroModel := mapModelToKiro(model)

	var history []map[string]interface{}
	var currentContent string

	for i := 0; i < len(claudeMessages)-1; i++ {
		msg := claudeMessages[i]
		content := extractTextContent(msg.Content)

		switch msg.Role {
		case "user":
			userMsg := map[string]interface{}{
				"content": content,
				"modelId": kiroModel,
				"origin":  "AI_EDITOR",
			}
			if system != "" && len(history) == 0 {
				userMsg["content"] = system + "\n\n" + content
			}
			history = append(history, map[string]interface{}{"userInputMessage": userMsg})
		case "assistant":
			history = append(history, map[string]interface{}{
				"assistantResponseMessage": map[string]interface{}{"content": content},
			})
		}
	}

	if len(claudeMessages) > 0 {
		lastMsg := claudeMessages[len(claudeMessages)-1]
		currentContent = extractTextContent(lastMsg.Content)
	}
	if system != "" && len(history) == 0 {
		currentContent = system + "\n\n" + currentContent
	}

	conversationID := generateConversationID()
	conversationState := map[string]interface{}{
		"chatTriggerType": "MANUAL",
		"conversationId":  conversationID,
		"currentMessage": map[string]interface{}{
			"userInputMessage": map[string]interface{}{
				"content": currentContent,
				"modelId": kiroModel,
				"origin":  "AI_EDITOR",
			},
		},
	}
	if len(history) > 0 {
		conversationState["history"] = history
	}

	return json.Marshal(map[string]interface{}{"conversationState": conversationState})
}

func extractTextContent(content json.RawMessage) string {
	var str string
	if err := json.Unmarshal(content, &str); err == nil {
		return str
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	}
	if err := json.Unmarshal(content, &blocks); err == nil {
		var result string
		for _, block := range blocks {
			if block.Type == "text" {
				result += block.Text
			}
		}
		return result
	}

	return ""
}

// modelMapping maps Claude model names to Kiro model IDs. Haiku/Opus use
// lowercase dot format, Sonnet uses the uppercase CLAUDE_* format.
var modelMapping = map[string]string{
	"claude-haiku-4-5":           "claude-haiku-4.5",
	"claude-haiku-4-5-20251001":  "claude-haiku-4.5",
	"claude-opus-4-5":            "claude-opus-4.5",
	"claude-opus-4-5-20251101":   "claude-opus-4.5",
	"claude-sonnet-4-5":          "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-5-20250929": "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-20250514":   "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-3-7-sonnet-20250219": "CLAUDE_3_7_SONNET_20250219_V1_0",
}

func mapModelToKiro(model string) string {
	if kiroModel, ok := modelMapping[model]; ok {
		return kiroModel
	}
	return "CLAUDE_SONNET_4_5_20250929_V1_0"
}

func generateConversationID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
