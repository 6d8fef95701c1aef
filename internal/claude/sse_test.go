package claude

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteHeadersSetsSSEHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	sw := NewSSEWriter(w)
	sw.WriteHeaders()

	if got := w.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", got)
	}
	if got := w.Header().Get("Cache-Control"); got != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", got)
	}
	if got := w.Header().Get("Connection"); got != "keep-alive" {
		t.Errorf("Connection = %q, want keep-alive", got)
	}
}

func TestWriteEventFormatsEventAndData(t *testing.T) {
	w := httptest.NewRecorder()
	sw := NewSSEWriter(w)

	err := sw.WriteEvent("ping", PingEvent{Type: "ping"})
	if err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}

	body := w.Body.String()
	if !strings.HasPrefix(body, "event: ping\ndata: ") {
		t.Errorf("body = %q, want prefix %q", body, "event: ping\ndata: ")
	}
	if !strings.HasSuffix(body, "}\n\n") {
		t.Errorf("body = %q, want a blank line terminating the SSE frame", body)
	}
}

func TestWritePingEmitsPingEvent(t *testing.T) {
	w := httptest.NewRecorder()
	sw := NewSSEWriter(w)

	if err := sw.WritePing(); err != nil {
		t.Fatalf("WritePing: %v", err)
	}
	if !strings.Contains(w.Body.String(), `"type":"ping"`) {
		t.Errorf("body = %q, want the ping type field", w.Body.String())
	}
}

func TestWriteErrorEmitsErrorEvent(t *testing.T) {
	w := httptest.NewRecorder()
	sw := NewSSEWriter(w)

	if err := sw.WriteError(NewBillingError("quota exhausted")); err != nil {
		t.Fatalf("WriteError: %v", err)
	}
	body := w.Body.String()
	if !strings.HasPrefix(body, "event: error\n") {
		t.Errorf("body = %q, want an error event", body)
	}
	if !strings.Contains(body, "quota exhausted") {
		t.Errorf("body = %q, want the error message", body)
	}
}
