package account

import "time"

// FreeTrial is the optional free-trial allowance layered on top of the
// base UsageLimits when its status is "ACTIVE".
type FreeTrial struct {
	Status       string     `json:"status"`
	UsageLimit   float64    `json:"usage_limit"`
	CurrentUsage float64    `json:"current_usage"`
	Expiry       *time.Time `json:"expiry,omitempty"`
}

// UsageLimits is one quota reading for an account.
type UsageLimits struct {
	ResourceType     string     `json:"resource_type"`
	UsageLimit       float64    `json:"usage_limit"`
	CurrentUsage     float64    `json:"current_usage"`
	Available        float64    `json:"available"`
	NextReset        *time.Time `json:"next_reset,omitempty"`
	FreeTrial        *FreeTrial `json:"free_trial,omitempty"`
	UserEmail        string     `json:"user_email,omitempty"`
	SubscriptionType string     `json:"subscription_type,omitempty"`
}

// RequestLog is one completed request's outcome.
type RequestLog struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id"`
	AccountName string    `json:"account_name"`
	Model       string    `json:"model"`
	InputTokens int       `json:"input_tokens"`
	// OutputTokens is -1 when unknown (client disconnected before completion).
	OutputTokens int       `json:"output_tokens"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	DurationMS   int64     `json:"duration_ms"`
}

const maxLogs = 1000

// requestLogger is a ring buffer of the most recent request logs.
type requestLogger struct {
	logs []RequestLog
}

func newRequestLogger() *requestLogger {
	return &requestLogger{logs: make([]RequestLog, 0, maxLogs)}
}

func (l *requestLogger) add(log RequestLog) {
	if len(l.logs) >= maxLogs {
		l.logs = l.logs[1:]
	}
	l.logs = append(l.logs, log)
}

func (l *requestLogger) all() []RequestLog {
	out := make([]RequestLog, len(l.logs))
	copy(out, l.logs)
	return out
}

func (l *requestLogger) recent(n int) []RequestLog {
	if n > len(l.logs) {
		n = len(l.logs)
	}
	out := make([]RequestLog, n)
	for i := 0; i < n; i++ {
		out[i] = l.logs[len(l.logs)-1-i]
	}
	return out
}

func (l *requestLogger) setAll(logs []RequestLog) {
	if len(logs) > maxLogs {
		logs = logs[len(logs)-maxLogs:]
	}
	l.logs = append(l.logs[:0], logs...)
}

// RequestStats is an aggregate over the ring buffer.
type RequestStats struct {
	TotalRequests     int   `json:"total_requests"`
	SuccessRequests   int   `json:"success_requests"`
	FailedRequests    int   `json:"failed_requests"`
	TotalInputTokens  int64 `json:"total_input_tokens"`
	TotalOutputTokens int64 `json:"total_output_tokens"`
	AvgDurationMS     int64 `json:"avg_duration_ms"`
}

func (l *requestLogger) stats() RequestStats {
	total := len(l.logs)
	var success int
	var inTok, outTok int64
	var durSum int64
	for _, lg := range l.logs {
		if lg.Success {
			success++
		}
		inTok += int64(lg.InputTokens)
		outTok += int64(lg.OutputTokens)
		durSum += lg.DurationMS
	}
	var avg int64
	if total > 0 {
		avg = durSum / int64(total)
	}
	return RequestStats{
		TotalRequests:     total,
		SuccessRequests:   success,
		FailedRequests:    total - success,
		TotalInputTokens:  inTok,
		TotalOutputTokens: outTok,
		AvgDurationMS:     avg,
	}
}

// PoolStats is a point-in-time summary of the account pool.
type PoolStats struct {
	Total         int    `json:"total"`
	Active        int    `json:"active"`
	Cooldown      int    `json:"cooldown"`
	Exhausted     int    `json:"exhausted"`
	Disabled      int    `json:"disabled"`
	TotalRequests uint64 `json:"total_requests"`
	TotalErrors   uint64 `json:"total_errors"`
}
