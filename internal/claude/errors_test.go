package claude

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestErrorConstructorsSetStatusAndType(t *testing.T) {
	cases := []struct {
		name       string
		err        *APIError
		wantType   ErrorType
		wantStatus int
	}{
		{"invalid request", NewInvalidRequestError("bad"), ErrorTypeInvalidRequest, http.StatusBadRequest},
		{"permission", NewPermissionError("nope"), ErrorTypePermission, http.StatusForbidden},
		{"billing", NewBillingError("quota"), ErrorTypeBilling, http.StatusPaymentRequired},
		{"api", NewAPIError("oops"), ErrorTypeAPI, http.StatusInternalServerError},
		{"service unavailable", NewServiceUnavailableError("down"), ErrorTypeServiceUnavailable, http.StatusServiceUnavailable},
		{"internal", NewInternalError("boom"), ErrorTypeInternal, http.StatusInternalServerError},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if c.err.Type != c.wantType {
				t.Errorf("Type = %q, want %q", c.err.Type, c.wantType)
			}
			if c.err.StatusCode != c.wantStatus {
				t.Errorf("StatusCode = %d, want %d", c.err.StatusCode, c.wantStatus)
			}
		})
	}
}

func TestWriteErrorProducesClaudeShapedBody(t *testing.T) {
	err := NewBillingError("account quota exhausted")
	w := httptest.NewRecorder()

	err.WriteError(w)

	if w.Code != http.StatusPaymentRequired {
		t.Errorf("status = %d, want %d", w.Code, http.StatusPaymentRequired)
	}

	var body ErrorResponse
	if decodeErr := json.Unmarshal(w.Body.Bytes(), &body); decodeErr != nil {
		t.Fatalf("response body not valid JSON: %v", decodeErr)
	}
	if body.Type != string(ErrorTypeBilling) {
		t.Errorf("body.Type = %q, want %q", body.Type, ErrorTypeBilling)
	}
	if body.Error.Type != ErrorTypeBilling {
		t.Errorf("body.Error.Type = %q, want %q", body.Error.Type, ErrorTypeBilling)
	}
	if body.Error.Message != "account quota exhausted" {
		t.Errorf("body.Error.Message = %q, want %q", body.Error.Message, "account quota exhausted")
	}
}

func TestErrNoHealthyAccountsIsServiceUnavailable(t *testing.T) {
	if ErrNoHealthyAccounts.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d, want %d", ErrNoHealthyAccounts.StatusCode, http.StatusServiceUnavailable)
	}
	if ErrNoHealthyAccounts.Type != ErrorTypeServiceUnavailable {
		t.Errorf("Type = %q, want %q", ErrNoHealthyAccounts.Type, ErrorTypeServiceUnavailable)
	}
}
