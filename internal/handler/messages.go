// Package handler provides HTTP handlers for the gateway.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kiro2api/kiro-gateway/internal/account"
	"github.com/kiro2api/kiro-gateway/internal/claude"
	"github.com/kiro2api/kiro-gateway/internal/debug"
	"github.com/kiro2api/kiro-gateway/internal/kiro"
	"github.com/kiro2api/kiro-gateway/internal/quota"
)

// MessagesHandler handles POST /v1/messages requests.
type MessagesHandler struct {
	pool        *account.Pool
	quotaMirror *quota.Mirror
	logger      *slog.Logger
	maxRetries  int
	debugDumper *debug.Dumper
}

// MessagesHandlerOptions configures the messages handler.
type MessagesHandlerOptions struct {
	Pool        *account.Pool
	QuotaMirror *quota.Mirror
	Logger      *slog.Logger
	MaxRetries  int
}

// NewMessagesHandler creates a new messages handler.
func NewMessagesHandler(opts MessagesHandlerOptions) *MessagesHandler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	debugDumper := debug.NewDumper()
	if debugDumper.Enabled() {
		logger.Info("debug dumper enabled", "dir", debug.DefaultDumpDir)
	}

	return &MessagesHandler{
		pool:        opts.Pool,
		quotaMirror: opts.QuotaMirror,
		logger:      logger,
		maxRetries:  maxRetries,
		debugDumper: debugDumper,
	}
}

// ServeHTTP handles the messages request.
func (h *MessagesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID := r.Header.Get("x-request-id")
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	debugSession := h.debugDumper.NewSession(sessionID)
	defer func() {
		if debugSession != nil {
			debugSession.Close()
		}
	}()

	var req claude.MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, claude.NewInvalidRequestError("invalid JSON: "+err.Error()))
		return
	}

	if debugSession != nil {
		debugSession.SetModel(req.Model)
		debugSession.DumpRequestJSON(&req)
	}

	h.logger.Debug("received request", "model", req.Model, "session_id", sessionID)

	if err := h.validateRequest(&req); err != nil {
		h.writeError(w, err)
		return
	}

	if req.Stream {
		h.handleStreaming(ctx, w, &req, debugSession)
	} else {
		h.handleNonStreaming(ctx, w, &req, debugSession)
	}
}

// validateRequest validates the message request.
func (h *MessagesHandler) validateRequest(req *claude.MessageRequest) *claude.APIError {
	if req.Model == "" {
		return claude.NewInvalidRequestError("model: field is required")
	}
	if len(req.Messages) == 0 {
		return claude.NewInvalidRequestError("messages: field is required and must contain at least one message")
	}
	if req.MaxTokens <= 0 {
		return claude.NewInvalidRequestError("max_tokens: must be a positive integer greater than 0")
	}
	if req.MaxTokens > claude.ContextWindow {
		return claude.NewInvalidRequestError(fmt.Sprintf("max_tokens: exceeds maximum allowed value of %d", claude.ContextWindow))
	}

	for i, msg := range req.Messages {
		if msg.Role == "" {
			return claude.NewInvalidRequestError(fmt.Sprintf("messages[%d].role: field is required", i))
		}
		if msg.Role != "user" && msg.Role != "assistant" {
			return claude.NewInvalidRequestError(fmt.Sprintf("messages[%d].role: must be 'user' or 'assistant', got '%s'", i, msg.Role))
		}
		if msg.Content == nil {
			return claude.NewInvalidRequestError(fmt.Sprintf("messages[%d].content: field is required", i))
		}
	}

	if req.Messages[0].Role != "user" {
		return claude.NewInvalidRequestError("messages: first message must have role 'user'")
	}

	if req.Temperature != nil && (*req.Temperature < 0.0 || *req.Temperature > 1.0) {
		return claude.NewInvalidRequestError("temperature: must be between 0.0 and 1.0")
	}
	if req.TopP != nil && (*req.TopP < 0.0 || *req.TopP > 1.0) {
		return claude.NewInvalidRequestError("top_p: must be between 0.0 and 1.0")
	}
	if req.TopK != nil && *req.TopK < 0 {
		return claude.NewInvalidRequestError("top_k: must be a non-negative integer")
	}

	// Requests whose pre-call estimate exceeds 160,000 tokens never reach
	// the upstream.
	if claude.EstimateInputTokens(req) > 160_000 {
		return claude.NewInvalidRequestError("messages: estimated input exceeds 160000 tokens")
	}

	return nil
}

// acquireStream selects an account and opens a streaming connection to it.
func (h *MessagesHandler) acquireStream(ctx context.Context, req *claude.MessageRequest, debugSession *debug.Session) (*account.SelectedAccount, io.ReadCloser, error) {
	sel, err := h.pool.SelectAccount(time.Now())
	if err != nil {
		return nil, nil, err
	}

	if debugSession != nil {
		debugSession.AddTriedAccount(sel.ID)
		debugSession.SetAccountUUID(sel.ID)
	}

	bearer, err := sel.Token.EnsureValidToken(ctx)
	if err != nil {
		h.logger.Warn("token refresh failed", "account_id", sel.ID, "error", err)
		return sel, nil, err
	}

	messagesJSON, _ := json.Marshal(req.Messages)
	reqBody, err := kiro.BuildRequestBody(req.Model, messagesJSON, req.GetSystemString())
	if err != nil {
		return sel, nil, fmt.Errorf("build request: %w", err)
	}

	if debugSession != nil {
		debugSession.DumpKiroRequest(reqBody)
	}

	kiroReq := &kiro.Request{
		Region:     sel.Token.Region(),
		ProfileARN: sel.ProfileARN,
		Token:      bearer,
		Body:       reqBody,
	}

	body, err := sel.Client.SendStreaming(ctx, kiroReq)
	if err != nil {
		return sel, nil, err
	}
	return sel, body, nil
}

// recordFailure applies the error classifier to the account's state,
// appends a failed request log entry, and persists both.
func (h *MessagesHandler) recordFailure(sel *account.SelectedAccount, err error) {
	if sel == nil {
		return
	}
	h.pool.ApplyClassification(sel.ID, err.Error(), time.Now())
	h.pool.RecordRequest(account.RequestLog{
		ID:        uuid.New().String(),
		AccountID: sel.ID,
		Success:   false,
		Error:     err.Error(),
		Timestamp: time.Now(),
	})
	_ = h.pool.Save()
}

// handleStreaming handles streaming requests.
func (h *MessagesHandler) handleStreaming(ctx context.Context, w http.ResponseWriter, req *claude.MessageRequest, debugSession *debug.Session) {
	startTime := time.Now()
	estimatedInputTokens := claude.EstimateInputTokens(req)

	sseWriter := claude.NewSSEWriter(w)

	var lastErr error
	var lastAccountID string
	var triedAccounts []string

	for attempt := 0; attempt < h.maxRetries; attempt++ {
		sel, body, err := h.acquireStream(ctx, req, debugSession)
		if err != nil {
			if errors.Is(err, account.ErrNoAvailableAccounts) {
				if debugSession != nil {
					debugSession.SetError(err)
					debugSession.Fail(err)
				}
				h.writeError(w, claude.ErrNoHealthyAccounts)
				return
			}
			lastErr = err
			if sel != nil {
				lastAccountID = sel.ID
				triedAccounts = append(triedAccounts, sel.ID)
				h.recordFailure(sel, err)
			}
			continue
		}

		lastAccountID = sel.ID
		triedAccounts = append(triedAccounts, sel.ID)

		sseWriter.WriteHeaders()
		h.streamResponse(ctx, body, sseWriter, req.Model, estimatedInputTokens, sel, startTime, debugSession)
		if err := body.Close(); err != nil {
			h.logger.Warn("failed to close response body", "error", err)
		}
		if debugSession != nil {
			debugSession.Success()
		}
		return
	}

	h.logger.Error("all retries failed", "error", lastErr, "tried_accounts", triedAccounts)
	if debugSession != nil {
		debugSession.SetError(lastErr)
		debugSession.Fail(lastErr)
	}
	h.writeError(w, h.mapUpstreamError(lastErr, lastAccountID, triedAccounts))
}

// streamResponse reads from Kiro and writes SSE events.
func (h *MessagesHandler) streamResponse(ctx context.Context, body io.Reader, sseWriter *claude.SSEWriter, model string, estimatedInputTokens int, sel *account.SelectedAccount, startTime time.Time, debugSession *debug.Session) {
	decoder := kiro.AcquireDecoder()
	defer kiro.ReleaseDecoder(decoder)

	converter := claude.NewConverter(model, estimatedInputTokens)
	buf := make([]byte, 4096)

	for {
		select {
		case <-ctx.Done():
			h.sendFinalStreamEvents(sseWriter, converter, model, sel, startTime, ctx.Err())
			return
		default:
		}

		n, err := body.Read(buf)
		if err != nil {
			if err == io.EOF {
				h.sendFinalStreamEvents(sseWriter, converter, model, sel, startTime, nil)
			} else {
				h.logger.Error("error reading response", "error", err)
				h.sendFinalStreamEvents(sseWriter, converter, model, sel, startTime, err)
			}
			return
		}
		if n == 0 {
			continue
		}

		messages, decErr := decoder.Feed(buf[:n])
		if decErr != nil {
			h.logger.Error("error decoding event stream", "error", decErr)
		}

		for _, msg := range messages {
			if debugSession != nil {
				debugSession.AppendKiroChunk(msg.Payload)
			}

			event, err := msg.Decode()
			if err != nil {
				h.logger.Warn("failed to decode event payload", "error", err)
				continue
			}
			if event == nil {
				continue
			}

			events, err := converter.Convert(event)
			if err != nil {
				h.logger.Warn("failed to convert event", "error", err)
				continue
			}
			for _, e := range events {
				if e == nil {
					continue
				}
				if debugSession != nil {
					debugSession.AppendClaudeChunk(e.Type, e.Data)
				}
				if err := sseWriter.WriteEvent(e.Type, e.Data); err != nil {
					h.logger.Error("failed to write SSE event", "error", err)
					h.sendFinalStreamEvents(sseWriter, converter, model, sel, startTime, err)
					return
				}
			}
		}
	}
}

// sendFinalStreamEvents sends the final SSE events at the end of a stream.
// cause is non-nil when the stream ended early (client disconnect, read
// error) rather than at a clean upstream EOF; the completion log then
// records output_tokens=-1 rather than a partial count.
func (h *MessagesHandler) sendFinalStreamEvents(sseWriter *claude.SSEWriter, converter *claude.Converter, model string, sel *account.SelectedAccount, startTime time.Time, cause error) {
	for _, e := range converter.Finish() {
		if e == nil {
			continue
		}
		if err := sseWriter.WriteEvent(e.Type, e.Data); err != nil {
			h.logger.Error("failed to write final SSE event", "error", err)
		}
	}

	usage := converter.GetFinalUsage()
	if cause != nil {
		usage.OutputTokens = -1
	}
	h.logUsage(model, sel, &usage, startTime, cause)
}

// handleNonStreaming handles non-streaming requests.
func (h *MessagesHandler) handleNonStreaming(ctx context.Context, w http.ResponseWriter, req *claude.MessageRequest, debugSession *debug.Session) {
	startTime := time.Now()
	estimatedInputTokens := claude.EstimateInputTokens(req)

	var lastErr error
	var lastAccountID string
	var triedAccounts []string

	for attempt := 0; attempt < h.maxRetries; attempt++ {
		sel, body, err := h.acquireStream(ctx, req, debugSession)
		if err != nil {
			if errors.Is(err, account.ErrNoAvailableAccounts) {
				if debugSession != nil {
					debugSession.SetError(err)
					debugSession.Fail(err)
				}
				h.writeError(w, claude.ErrNoHealthyAccounts)
				return
			}
			lastErr = err
			if sel != nil {
				lastAccountID = sel.ID
				triedAccounts = append(triedAccounts, sel.ID)
				h.recordFailure(sel, err)
			}
			continue
		}

		lastAccountID = sel.ID
		triedAccounts = append(triedAccounts, sel.ID)

		response := h.aggregateResponse(ctx, body, req.Model, estimatedInputTokens, sel, startTime, debugSession)
		if err := body.Close(); err != nil {
			h.logger.Warn("failed to close response body", "error", err)
		}

		if debugSession != nil {
			debugSession.Success()
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(response); err != nil {
			h.logger.Error("failed to write response", "error", err)
		}
		return
	}

	h.logger.Error("all retries failed", "error", lastErr, "tried_accounts", triedAccounts)
	if debugSession != nil {
		debugSession.SetError(lastErr)
		debugSession.Fail(lastErr)
	}
	h.writeError(w, h.mapUpstreamError(lastErr, lastAccountID, triedAccounts))
}

// aggregateResponse reads all chunks and builds a complete response.
func (h *MessagesHandler) aggregateResponse(ctx context.Context, body io.Reader, model string, estimatedInputTokens int, sel *account.SelectedAccount, startTime time.Time, debugSession *debug.Session) *claude.MessageResponse {
	decoder := kiro.AcquireDecoder()
	defer kiro.ReleaseDecoder(decoder)

	aggregator := claude.NewAggregator(model, estimatedInputTokens)
	buf := make([]byte, 4096)

	finish := func(cause error) *claude.MessageResponse {
		resp := aggregator.Build()
		if cause != nil {
			resp.Usage.OutputTokens = -1
		}
		h.logUsage(model, sel, &resp.Usage, startTime, cause)
		return resp
	}

	for {
		select {
		case <-ctx.Done():
			return finish(ctx.Err())
		default:
		}

		n, err := body.Read(buf)
		if err != nil {
			if err != io.EOF {
				h.logger.Error("error reading response", "error", err)
				return finish(err)
			}
			return finish(nil)
		}
		if n == 0 {
			continue
		}

		messages, decErr := decoder.Feed(buf[:n])
		if decErr != nil {
			h.logger.Error("error decoding event stream", "error", decErr)
		}

		for _, msg := range messages {
			if debugSession != nil {
				debugSession.AppendKiroChunk(msg.Payload)
			}
			event, err := msg.Decode()
			if err != nil {
				h.logger.Warn("failed to decode event payload", "error", err)
				continue
			}
			if event == nil {
				continue
			}
			if err := aggregator.Add(event); err != nil {
				h.logger.Warn("failed to aggregate event", "error", err)
			}
		}
	}
}

// mapUpstreamError runs the terminal error from a fully-exhausted retry loop
// through account.Classify: quota exhaustion becomes 402, suspension 403,
// and every other upstream error 502.
func (h *MessagesHandler) mapUpstreamError(lastErr error, accountID string, tried []string) *claude.APIError {
	if lastErr == nil {
		return claude.NewServiceUnavailableError(fmt.Sprintf("all accounts failed (tried: %v)", tried))
	}
	switch account.Classify(lastErr.Error()) {
	case account.ClassQuotaExhausted:
		return claude.NewBillingError(fmt.Sprintf("account quota exhausted (account: %s)", accountID))
	case account.ClassSuspended:
		return claude.NewPermissionError(fmt.Sprintf("account rejected by upstream (account: %s)", accountID))
	default:
		return &claude.APIError{
			Type:       claude.ErrorTypeAPI,
			Message:    fmt.Sprintf("upstream error (account: %s, tried: %v): %v", accountID, tried, lastErr),
			StatusCode: http.StatusBadGateway,
		}
	}
}

// writeError writes an error response.
func (h *MessagesHandler) writeError(w http.ResponseWriter, err *claude.APIError) {
	err.WriteError(w)
}

// logUsage logs the token usage information for a completed request. cause
// is non-nil when the client disconnected or the stream read failed before
// the response finished; that is still logged as success=true (the upstream
// call itself succeeded) but with a note, per the recorded client-disconnect
// behavior.
func (h *MessagesHandler) logUsage(model string, sel *account.SelectedAccount, usage *claude.Usage, startTime time.Time, cause error) {
	if usage == nil {
		return
	}
	accountID := ""
	if sel != nil {
		accountID = sel.ID
	}
	note := ""
	if cause != nil {
		note = cause.Error()
	}
	h.logger.Info("request completed",
		"model", model,
		"account_id", accountID,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
		"duration_ms", time.Since(startTime).Milliseconds(),
		"disconnect_note", note,
	)
	h.pool.RecordRequest(account.RequestLog{
		ID:           uuid.New().String(),
		AccountID:    accountID,
		Model:        model,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		Success:      true,
		Error:        note,
		Timestamp:    startTime,
		DurationMS:   time.Since(startTime).Milliseconds(),
	})
	_ = h.pool.Save()
}
