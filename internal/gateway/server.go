// Package gateway implements the HTTP ingress/egress boundary: POST /send
// publishes a validated Envelope onto the bus, GET /stream/{conversation_id}
// relays stream:<conversation_id> as Server-Sent Events. Routing and
// middleware are grounded on the teacher's gateway/server.go (chi router,
// middleware.Recoverer/RealIP, JSON health handler); the SSE writer loop is
// grounded on the pack's sse_handler.go example (flusher-based writes,
// Last-Event-ID resume, periodic keepalive comment lines).
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/dohr-michael/ozzie/internal/bus"
	"github.com/dohr-michael/ozzie/internal/envelope"
	"github.com/dohr-michael/ozzie/internal/heartbeat"
	"github.com/dohr-michael/ozzie/internal/ingress"
	"github.com/dohr-michael/ozzie/internal/streamevent"
)

const (
	heartbeatMaxAge = 90 * time.Second
	sseIdleSleep    = 100 * time.Millisecond
	sseHeartbeatGap = 15 * time.Second
	readyProbeTopic = "control:__gateway_ready_probe__"
)

// ReloadInfo exposes a config.Reloader's history without importing the
// config package, so /health can report whether a SIGHUP actually took
// effect.
type ReloadInfo interface {
	LastReload() (time.Time, bool)
	ReloadCount() int64
}

// Server is the Ozzie gateway HTTP server.
type Server struct {
	httpServer    *http.Server
	bus           bus.Bus
	heartbeatPath string
	maxEvents     atomic.Int32 // GATEWAY_MAX_EVENTS, live-updatable via SetMaxEvents on config reload
	reloadInfo    ReloadInfo
}

// SetReloadInfo attaches a config.Reloader (or any ReloadInfo) so /health
// can report the last successful hot-reload. Must be called before Start;
// there is no concurrent writer afterward.
func (s *Server) SetReloadInfo(r ReloadInfo) {
	s.reloadInfo = r
}

// Config parameters the Gateway needs beyond the Bus itself.
type Config struct {
	Host          string
	Port          int
	MaxEvents     int // GATEWAY_MAX_EVENTS — default page size cap for /stream
	HeartbeatPath string
}

// NewServer builds the Gateway's chi router and http.Server. It does not
// start listening; call Start.
func NewServer(b bus.Bus, cfg Config) *Server {
	s := &Server{
		bus:           b,
		heartbeatPath: cfg.HeartbeatPath,
	}
	s.maxEvents.Store(int32(cfg.MaxEvents))

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Post("/send", s.handleSend)
	r.Get("/stream/{conversation_id}", s.handleStream)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: r,
	}
	return s
}

// Start begins listening. It blocks until the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("gateway listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// SetMaxEvents updates the default /stream page size cap in place, so a
// config.Reloader listener can apply GATEWAY_MAX_EVENTS changes without
// restarting the process.
func (s *Server) SetMaxEvents(n int) {
	s.maxEvents.Store(int32(n))
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// gatewayError is the structured JSON error body for ingress failures,
// generalized from the teacher's http.Error/json.NewEncoder idiom.
type gatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(gatewayError{Code: code, Message: message})
}

// sendRequest is the Envelope JSON body /send accepts. Fields mirror
// envelope.Envelope directly; id/type/metadata are optional.
type sendRequest struct {
	ID             string         `json:"id,omitempty"`
	ConversationID string         `json:"conversation_id"`
	Sender         string         `json:"sender"`
	Recipient      string         `json:"recipient"`
	Type           string         `json:"type"`
	Content        string         `json:"content,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_json", err.Error())
		return
	}

	typ := envelope.Type(req.Type)
	if req.Type == "" {
		typ = envelope.TypeMessage
	}
	env := envelope.New(req.ID, req.ConversationID, req.Sender, req.Recipient, typ, req.Content, req.Metadata)

	topics, err := ingress.Publish(r.Context(), s.bus, env)
	if err != nil {
		if errors.Is(err, bus.ErrBusUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "bus_unavailable", err.Error())
			return
		}
		writeError(w, http.StatusUnprocessableEntity, "schema_violation", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":           true,
		"id":           env.ID,
		"published_to": topics,
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversation_id")
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, "missing_conversation_id", "conversation_id is required")
		return
	}

	maxEvents := int(s.maxEvents.Load())
	if raw := r.URL.Query().Get("max_events"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_max_events", "max_events must be an integer")
			return
		}
		if n == 0 {
			writeError(w, http.StatusBadRequest, "invalid_max_events", "max_events=0 is not a valid page size")
			return
		}
		maxEvents = n
	}

	lastCursor := r.Header.Get("Last-Event-ID")
	if since := r.URL.Query().Get("since"); since != "" {
		lastCursor = since
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support flushing")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	topic := envelope.StreamTopic(conversationID)
	ctx := r.Context()
	delivered := 0
	lastActivity := time.Now()

	for {
		if maxEvents > 0 && delivered >= maxEvents {
			return
		}
		if ctx.Err() != nil {
			return
		}

		readCtx, cancel := context.WithTimeout(ctx, sseIdleSleep)
		msgs, err := s.bus.Read(readCtx, bus.ReadRequest{
			Topic: topic, LastCursor: lastCursor, Limit: 50, BlockMS: int(sseIdleSleep.Milliseconds()),
		})
		cancel()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return
				}
				msgs = nil // the per-read deadline elapsed with nothing available; treat as an empty poll
			} else {
				slog.Error("gateway: stream read failed", "conversation_id", conversationID, "error", err)
				return
			}
		}

		if len(msgs) == 0 {
			if time.Since(lastActivity) >= sseHeartbeatGap {
				if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
					return
				}
				flusher.Flush()
				lastActivity = time.Now()
			}
			continue
		}

		for _, m := range msgs {
			if maxEvents > 0 && delivered >= maxEvents {
				return
			}
			if _, err := fmt.Fprintf(w, "id: %s\ndata: %s\n\n", m.Cursor, m.Payload); err != nil {
				return
			}
			flusher.Flush()
			lastCursor = m.Cursor
			delivered++
			lastActivity = time.Now()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	body := map[string]any{"status": "ok"}
	if s.reloadInfo != nil {
		reload := map[string]any{"count": s.reloadInfo.ReloadCount()}
		if t, ok := s.reloadInfo.LastReload(); ok {
			reload["last_reload"] = t
		}
		body["config_reload"] = reload
	}

	if s.heartbeatPath == "" {
		_ = json.NewEncoder(w).Encode(body)
		return
	}
	status, hb, err := heartbeat.Check(s.heartbeatPath, heartbeatMaxAge)
	if err != nil || status != heartbeat.StatusAlive {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	body["status"] = status
	body["heartbeat"] = hb
	_ = json.NewEncoder(w).Encode(body)
}

// handleReady probes the bus with a lightweight publish to a reserved
// control topic; a BusUnavailable error fails readiness.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	probe, err := streamevent.Marshal(streamevent.LogEvent{Component: "gateway", Level: "debug", Message: "ready probe"})
	ready := err == nil
	if ready {
		_, pubErr := s.bus.Publish(ctx, readyProbeTopic, uuid.New().String(), probe)
		ready = pubErr == nil
	}

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]bool{"ready": ready})
}
