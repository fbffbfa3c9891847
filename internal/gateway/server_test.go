package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dohr-michael/ozzie/internal/bus"
	"github.com/dohr-michael/ozzie/internal/envelope"
)

func newTestServer(t *testing.T) (*Server, bus.Bus) {
	t.Helper()
	b := bus.NewInProcessBus()
	t.Cleanup(func() { b.Close() })
	return NewServer(b, Config{Host: "localhost", MaxEvents: 100}), b
}

func TestHandleHealth_NoHeartbeatConfigured(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

type fakeReloadInfo struct {
	last  time.Time
	ok    bool
	count int64
}

func (f fakeReloadInfo) LastReload() (time.Time, bool) { return f.last, f.ok }
func (f fakeReloadInfo) ReloadCount() int64            { return f.count }

func TestHandleHealth_ReportsConfigReload(t *testing.T) {
	srv, _ := newTestServer(t)
	now := time.Now()
	srv.SetReloadInfo(fakeReloadInfo{last: now, ok: true, count: 3})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	reload, ok := body["config_reload"].(map[string]any)
	if !ok {
		t.Fatalf("expected config_reload object, got: %v", body)
	}
	if reload["count"].(float64) != 3 {
		t.Errorf("config_reload.count = %v, want 3", reload["count"])
	}
	if _, ok := reload["last_reload"]; !ok {
		t.Error("expected last_reload to be present")
	}
}

func TestSetMaxEvents_UpdatesStreamCap(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.SetMaxEvents(5)
	if got := int(srv.maxEvents.Load()); got != 5 {
		t.Errorf("maxEvents = %d, want 5", got)
	}
}

func TestHandleReady(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]bool
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body["ready"] {
		t.Error("expected ready=true")
	}
}

func TestHandleSend_AgentRecipientPublishesToBothTopics(t *testing.T) {
	srv, _ := newTestServer(t)

	body := `{"conversation_id":"c1","sender":"user:u","recipient":"agent:A","type":"message","content":"hi"}`
	req := httptest.NewRequest(http.MethodPost, "/send", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		OK          bool     `json:"ok"`
		ID          string   `json:"id"`
		PublishedTo []string `json:"published_to"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.OK || resp.ID == "" {
		t.Fatalf("resp = %+v, want ok with a generated id", resp)
	}
	if len(resp.PublishedTo) != 2 || resp.PublishedTo[0] != "chat:A" || resp.PublishedTo[1] != "chat:c1" {
		t.Fatalf("PublishedTo = %v, want [chat:A chat:c1]", resp.PublishedTo)
	}
}

func TestHandleSend_MalformedJSON(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/send", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHandleSend_SchemaViolation(t *testing.T) {
	srv, _ := newTestServer(t)

	body := `{"conversation_id":"c1","sender":"user:u","recipient":"agent:A","type":"unknown"}`
	req := httptest.NewRequest(http.MethodPost, "/send", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}
}

func TestHandleSend_IdempotencyUsesSuppliedID(t *testing.T) {
	srv, _ := newTestServer(t)

	body := `{"id":"fixed-id","conversation_id":"c1","sender":"user:u","recipient":"chat:c1","type":"message","content":"hi"}`
	req := httptest.NewRequest(http.MethodPost, "/send", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)

	var resp struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID != "fixed-id" {
		t.Errorf("ID = %q, want %q", resp.ID, "fixed-id")
	}
}

func TestHandleStream_DeliversPublishedEvents(t *testing.T) {
	srv, b := newTestServer(t)

	env := envelope.New("e1", "c1", "user:u", "agent:A", envelope.TypeMessage, "hi", nil)
	payload, _ := env.Marshal()
	if _, err := b.Publish(context.Background(), "chat:A", env.ID, payload); err != nil {
		t.Fatalf("seed publish: %v", err)
	}

	// Publish a stream event that will be visible to a connection started
	// before it (live-tail semantics: no replay of history by default).
	req := httptest.NewRequest(http.MethodGet, "/stream/c1?max_events=1", nil)
	ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
	defer cancel()
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()

	go func() {
		time.Sleep(50 * time.Millisecond)
		out := map[string]any{"event": "output", "conversation_id": "c1", "text": "hi"}
		raw, _ := json.Marshal(out)
		_, _ = b.Publish(context.Background(), "stream:c1", "s1", raw)
	}()

	srv.httpServer.Handler.ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "id: ") || !strings.Contains(body, `"text":"hi"`) {
		t.Fatalf("SSE body = %q, want an id: line and the published payload", body)
	}
}

func TestHandleStream_RejectsZeroMaxEvents(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/stream/c1?max_events=0", nil)
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHandleStream_ResumesFromLastEventID(t *testing.T) {
	srv, b := newTestServer(t)

	var cursor string
	for i := 0; i < 3; i++ {
		raw, _ := json.Marshal(map[string]any{"event": "log", "n": i})
		c, err := b.Publish(context.Background(), "stream:c1", "m"+string(rune('0'+i)), raw)
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
		if i == 0 {
			cursor = c
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/stream/c1?max_events=2", nil)
	req.Header.Set("Last-Event-ID", cursor)
	ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
	defer cancel()
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()

	srv.httpServer.Handler.ServeHTTP(w, req)

	scanner := bufio.NewScanner(strings.NewReader(w.Body.String()))
	var dataLines []string
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "data: ") {
			dataLines = append(dataLines, scanner.Text())
		}
	}
	if len(dataLines) != 2 {
		t.Fatalf("got %d data lines, want 2 (resumed past the first published entry): %v", len(dataLines), dataLines)
	}
}
