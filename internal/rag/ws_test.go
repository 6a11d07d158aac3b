package rag

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lurkshade/streampulse/internal/analysis"
)

// responseEnvelope mirrors the wire shape of both answer and error frames.
type responseEnvelope struct {
	Type          string `json:"type"`
	CorrelationID string `json:"correlation_id"`
	Success       bool   `json:"success"`
	Answer        string `json:"answer"`
	ResponseType  string `json:"response_type"`
	Error         string `json:"error"`
}

func startHub(t *testing.T, orch *Orchestrator) *Hub {
	t.Helper()
	h := NewHub(orch, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = h.Run(ctx) }()
	t.Cleanup(cancel)
	return h
}

func dialHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func newHubOrchestrator() *Orchestrator {
	responder := &fakeResponder{resp: &analysis.Response{
		Answer:       "Three subs this hour.",
		Confidence:   0.85,
		ResponseType: "factual",
	}}
	activity := &fakeActivity{stats: map[string]any{"total_events": 3.0}}
	return New(responder, activity, nil, nil, nil, Config{}, testLogger())
}

func waitForHub(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestHubAnswersQuery(t *testing.T) {
	conn := dialHub(t, startHub(t, newHubOrchestrator()))

	err := conn.WriteJSON(map[string]any{
		"type":           "rag_query",
		"question":       "How many subs today?",
		"correlation_id": "q-1",
	})
	if err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	var got responseEnvelope
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if got.Type != msgRAGResponse {
		t.Errorf("Type = %q, want %q", got.Type, msgRAGResponse)
	}
	if got.CorrelationID != "q-1" {
		t.Errorf("CorrelationID = %q, want q-1", got.CorrelationID)
	}
	if !got.Success {
		t.Error("Success = false, want true")
	}
	if got.Answer != "Three subs this hour." {
		t.Errorf("Answer = %q", got.Answer)
	}
}

func TestHubGeneratesCorrelationID(t *testing.T) {
	conn := dialHub(t, startHub(t, newHubOrchestrator()))

	err := conn.WriteJSON(map[string]any{
		"type":     "rag_query",
		"question": "How many subs today?",
	})
	if err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	var got responseEnvelope
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if got.CorrelationID == "" {
		t.Error("CorrelationID empty, want a generated id")
	}
}

func TestHubRejectsMalformedFrame(t *testing.T) {
	conn := dialHub(t, startHub(t, newHubOrchestrator()))

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	var got responseEnvelope
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if got.Type != msgRAGError {
		t.Errorf("Type = %q, want %q", got.Type, msgRAGError)
	}
	if got.Success {
		t.Error("Success = true, want false")
	}
	if !strings.Contains(got.Error, "malformed") {
		t.Errorf("Error = %q, want malformed frame message", got.Error)
	}
}

func TestHubRejectsUnknownType(t *testing.T) {
	conn := dialHub(t, startHub(t, newHubOrchestrator()))

	err := conn.WriteJSON(map[string]any{"type": "ping", "correlation_id": "p-1"})
	if err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	var got responseEnvelope
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if got.Type != msgRAGError {
		t.Errorf("Type = %q, want %q", got.Type, msgRAGError)
	}
	if got.CorrelationID != "p-1" {
		t.Errorf("CorrelationID = %q, want p-1", got.CorrelationID)
	}
	if !strings.Contains(got.Error, "unsupported frame type") {
		t.Errorf("Error = %q, want unsupported type message", got.Error)
	}
}

func TestHubReportsEmptyQuestion(t *testing.T) {
	conn := dialHub(t, startHub(t, newHubOrchestrator()))

	err := conn.WriteJSON(map[string]any{"type": "rag_query", "question": "   "})
	if err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	var got responseEnvelope
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if got.Type != msgRAGError {
		t.Errorf("Type = %q, want %q", got.Type, msgRAGError)
	}
	if !strings.Contains(got.Error, "empty question") {
		t.Errorf("Error = %q, want empty question message", got.Error)
	}
}

func TestHubClientCount(t *testing.T) {
	h := startHub(t, newHubOrchestrator())
	conn := dialHub(t, h)

	waitForHub(t, func() bool { return h.ClientCount() == 1 })

	conn.Close()
	waitForHub(t, func() bool { return h.ClientCount() == 0 })
}
