// Package handler provides HTTP handlers for the gateway.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/kiro2api/kiro-gateway/internal/account"
)

// HealthHandler handles GET /health requests.
type HealthHandler struct {
	pool *account.Pool
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status   string               `json:"status"`
	Accounts AccountsStatus       `json:"accounts"`
	Requests account.RequestStats `json:"requests"`
}

// AccountsStatus represents account pool status.
type AccountsStatus struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Cooldown  int `json:"cooldown"`
	Exhausted int `json:"exhausted"`
	Disabled  int `json:"disabled"`
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(pool *account.Pool) *HealthHandler {
	return &HealthHandler{pool: pool}
}

// ServeHTTP handles the health check request.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	stats := h.pool.GetStats()

	response := HealthResponse{
		Status: "healthy",
		Accounts: AccountsStatus{
			Total:     stats.Total,
			Active:    stats.Active,
			Cooldown:  stats.Cooldown,
			Exhausted: stats.Exhausted,
			Disabled:  stats.Disabled,
		},
		Requests: h.pool.GetRequestStats(),
	}

	if stats.Total > 0 && stats.Active == 0 {
		response.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	if response.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(response)
}
