// Package worker implements the subscriber -> Runner -> publisher pipeline
// bound to one agent name: drain chat:<agent_name>, invoke a Runner per
// envelope, mirror its event stream onto stream:<conversation_id>, and ack.
// Adapted from the teacher's agent/eventrunner.go dispatch loop (acquire a
// per-session slot, append/load history, emit events) and actors/pool.go's
// idle/backoff idiom, generalized from in-process channel fan-out to the
// bus's consumer-group read/ack contract.
package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dohr-michael/ozzie/internal/bus"
	"github.com/dohr-michael/ozzie/internal/envelope"
	"github.com/dohr-michael/ozzie/internal/runner"
	"github.com/dohr-michael/ozzie/internal/sessions"
	"github.com/dohr-michael/ozzie/internal/streamevent"
)

const (
	minBackoff        = 50 * time.Millisecond
	maxBackoff        = 200 * time.Millisecond
	defaultRunTimeout = 2 * time.Minute
	publishRetries    = 3
)

// DoneSignaler publishes the child-completion signal named by a processed
// envelope's metadata.orchestrate.done_topic. internal/orchestrate supplies
// the concrete implementation; Worker only depends on this narrow contract
// to avoid an import cycle.
type DoneSignaler interface {
	SignalDone(ctx context.Context, doneTopic, outputDigest string) error
}

// Config parameterizes one Worker instance. Per spec.md §4.2, the agent
// binding and bus are process-scoped constructor parameters, not ambient
// state, so tests stay hermetic.
type Config struct {
	AgentName  string
	Consumer   string        // unique per process; defaults to a generated uuid
	BlockMS    int           // WORKER_BLOCK_MS
	RunTimeout time.Duration // wall-clock cap per run before a synthetic OutputEvent fires
	AutoDone   bool          // ORCHESTRATE_AUTO_DONE
}

// Worker drains chat:<agent_name> (and the reserved control:<agent_name>
// side channel) for exactly one agent name.
type Worker struct {
	bus      bus.Bus
	runner   runner.Runner
	store    sessions.Store
	signaler DoneSignaler
	cfg      Config
	group    string

	errorCount atomic.Int64
}

// New builds a Worker. signaler may be nil when orchestration fan-in is not
// in use; AutoDone is then effectively forced off.
func New(b bus.Bus, r runner.Runner, store sessions.Store, signaler DoneSignaler, cfg Config) *Worker {
	if cfg.Consumer == "" {
		cfg.Consumer = uuid.New().String()
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}
	return &Worker{
		bus:      b,
		runner:   r,
		store:    store,
		signaler: signaler,
		cfg:      cfg,
		group:    "worker:" + cfg.AgentName,
	}
}

// Errors returns the count of runs that ended in a synthetic error output.
func (w *Worker) Errors() int64 { return w.errorCount.Load() }

// Run drains the agent's inbound topics until ctx is cancelled. On
// cancellation it finishes draining the envelope currently in flight (the
// blocking bus.Read call itself returns promptly on ctx.Done) before
// returning — it never abandons a partially processed envelope.
func (w *Worker) Run(ctx context.Context) error {
	controlDone := make(chan struct{})
	go func() {
		defer close(controlDone)
		w.runControlLoop(ctx)
	}()

	err := w.runChatLoop(ctx)
	<-controlDone
	return err
}

func (w *Worker) runChatLoop(ctx context.Context) error {
	topic := envelope.ChatAgentTopic(w.cfg.AgentName)
	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := w.bus.Read(ctx, bus.ReadRequest{
			Topic:    topic,
			Limit:    1,
			BlockMS:  w.cfg.BlockMS,
			Group:    w.group,
			Consumer: w.cfg.Consumer,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("worker: read failed", "agent", w.cfg.AgentName, "error", err)
			time.Sleep(backoff)
			backoff = nextBackoff(backoff)
			continue
		}

		if len(msgs) == 0 {
			if w.cfg.BlockMS <= 0 {
				time.Sleep(backoff)
				backoff = nextBackoff(backoff)
			} else {
				backoff = minBackoff
			}
			continue
		}
		backoff = minBackoff

		for _, m := range msgs {
			w.process(ctx, m)
		}
	}
}

// runControlLoop drains control:<agent_name>, the reserved lifecycle
// side-channel spec.md §9 leaves unspecified: envelopes are handed to the
// Runner only if it implements runner.ControlHandler, otherwise acked and
// ignored.
func (w *Worker) runControlLoop(ctx context.Context) {
	handler, ok := w.runner.(runner.ControlHandler)
	topic := envelope.ControlTopic(w.cfg.AgentName)
	group := w.group + ":control"
	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		msgs, err := w.bus.Read(ctx, bus.ReadRequest{
			Topic:    topic,
			Limit:    1,
			BlockMS:  w.cfg.BlockMS,
			Group:    group,
			Consumer: w.cfg.Consumer,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			time.Sleep(backoff)
			backoff = nextBackoff(backoff)
			continue
		}
		if len(msgs) == 0 {
			if w.cfg.BlockMS <= 0 {
				time.Sleep(backoff)
				backoff = nextBackoff(backoff)
			} else {
				backoff = minBackoff
			}
			continue
		}
		backoff = minBackoff

		for _, m := range msgs {
			env, err := envelope.Unmarshal(m.Payload)
			if err == nil && ok {
				if herr := handler.HandleControl(ctx, env); herr != nil {
					slog.Error("worker: control handler", "agent", w.cfg.AgentName, "error", herr)
				}
			}
			if err := w.bus.Ack(ctx, topic, group, m.Cursor); err != nil {
				slog.Error("worker: control ack failed", "cursor", m.Cursor, "error", err)
			}
		}
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func (w *Worker) process(ctx context.Context, m bus.Message) {
	env, err := envelope.Unmarshal(m.Payload)
	if err != nil {
		slog.Error("worker: malformed envelope, acking to avoid poison redelivery", "error", err)
		w.ack(ctx, m.Cursor)
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, w.cfg.RunTimeout)
	defer cancel()

	session, err := w.sessionFor(env)
	if err != nil {
		slog.Error("worker: load session", "conversation_id", env.ConversationID, "error", err)
		w.emitSynthetic(ctx, env, fmt.Sprintf("session error: %v", err))
		w.ack(ctx, m.Cursor)
		return
	}

	if env.Type == envelope.TypeMessage && env.Content != "" {
		if err := w.store.AppendMessage(env.ConversationID, sessions.Message{
			Role: "user", Content: env.Content, Ts: env.CreatedAt,
		}); err != nil {
			slog.Warn("worker: persist inbound message", "error", err)
		}
	}

	ch, err := w.runner.Run(runCtx, env, session)
	if err != nil {
		w.errorCount.Add(1)
		w.emitSynthetic(ctx, env, fmt.Sprintf("runner error: %v", err))
		w.ack(ctx, m.Cursor)
		return
	}

	terminal := w.drain(ctx, runCtx, env, ch)
	if terminal == nil {
		w.errorCount.Add(1)
		fallback := streamevent.OutputEvent{
			ConversationID: env.ConversationID,
			Text:           "run ended without a terminal output",
		}
		_ = w.publish(ctx, env.ConversationID, fallback)
		terminal = &fallback
	}

	if terminal.Text != "" {
		if err := w.store.AppendMessage(env.ConversationID, sessions.Message{
			Role: "assistant", Content: terminal.Text, Ts: time.Now(),
		}); err != nil {
			slog.Warn("worker: persist assistant message", "error", err)
		}
	}
	if terminal.Usage != nil {
		if err := w.store.AddUsage(env.ConversationID, sessions.TokenUsage{
			Input: terminal.Usage.InputTokens, Output: terminal.Usage.OutputTokens,
		}); err != nil {
			slog.Warn("worker: record usage", "error", err)
		}
	}

	w.maybeSignalDone(ctx, env, *terminal)
	w.ack(ctx, m.Cursor)
}

// drain fans Runner events onto the egress topic until the terminal
// OutputEvent arrives, the channel closes without one (protocol violation),
// runCtx's timeout fires, or an egress publish exhausts its retries. It
// returns nil in every case except the terminal event being both produced
// and published, signaling the caller to synthesize a fallback.
func (w *Worker) drain(ctx, runCtx context.Context, env envelope.Envelope, ch <-chan streamevent.Payload) *streamevent.OutputEvent {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := w.publish(ctx, env.ConversationID, ev); err != nil {
				return nil
			}
			if out, isOutput := ev.(streamevent.OutputEvent); isOutput {
				return &out
			}
		case <-runCtx.Done():
			return nil
		}
	}
}

func (w *Worker) emitSynthetic(ctx context.Context, env envelope.Envelope, message string) {
	out := streamevent.OutputEvent{ConversationID: env.ConversationID, Text: message}
	if err := w.publish(ctx, env.ConversationID, out); err != nil {
		slog.Error("worker: failed to publish synthetic output", "conversation_id", env.ConversationID, "error", err)
	}
}

func (w *Worker) publish(ctx context.Context, conversationID string, ev streamevent.Payload) error {
	payload, err := streamevent.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal stream event: %w", err)
	}
	topic := envelope.StreamTopic(conversationID)

	backoff := minBackoff
	var lastErr error
	for attempt := 0; attempt < publishRetries; attempt++ {
		if _, err := w.bus.Publish(ctx, topic, uuid.New().String(), payload); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(backoff)
		backoff = nextBackoff(backoff)
	}
	slog.Error("worker: egress publish exhausted retries", "topic", topic, "error", lastErr)
	return lastErr
}

func (w *Worker) ack(ctx context.Context, cursor string) {
	topic := envelope.ChatAgentTopic(w.cfg.AgentName)
	if err := w.bus.Ack(ctx, topic, w.group, cursor); err != nil {
		slog.Error("worker: ack failed", "cursor", cursor, "error", err)
	}
}

func (w *Worker) maybeSignalDone(ctx context.Context, env envelope.Envelope, terminal streamevent.OutputEvent) {
	if !w.cfg.AutoDone || w.signaler == nil {
		return
	}
	doneTopic, ok := doneTopicFromMetadata(env.Metadata)
	if !ok {
		return
	}
	if err := w.signaler.SignalDone(ctx, doneTopic, outputDigest(terminal.Text)); err != nil {
		slog.Error("worker: child completion signal failed", "done_topic", doneTopic, "error", err)
	}
}

func doneTopicFromMetadata(meta map[string]any) (string, bool) {
	if meta == nil {
		return "", false
	}
	orch, ok := meta["orchestrate"].(map[string]any)
	if !ok {
		return "", false
	}
	doneTopic, ok := orch["done_topic"].(string)
	if !ok || doneTopic == "" {
		return "", false
	}
	return doneTopic, true
}

func outputDigest(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:16]
}

// sessionAdapter satisfies runner.Session over a loaded message history,
// keeping internal/sessions free of any dependency on the runner package.
type sessionAdapter struct {
	conversationID string
	messages       []runner.Message
}

func (s sessionAdapter) ConversationID() string      { return s.conversationID }
func (s sessionAdapter) Messages() []runner.Message { return s.messages }

func (w *Worker) sessionFor(env envelope.Envelope) (runner.Session, error) {
	if _, err := w.store.GetOrCreate(env.ConversationID); err != nil {
		return nil, fmt.Errorf("get or create conversation: %w", err)
	}
	history, err := w.store.LoadMessages(env.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	messages := make([]runner.Message, 0, len(history))
	for _, m := range history {
		messages = append(messages, runner.Message{Role: m.Role, Content: m.Content})
	}
	return sessionAdapter{conversationID: env.ConversationID, messages: messages}, nil
}
