// Package signals implements named, cursor-addressed coordination channels
// carried on the bus (signal:<topic>), generalized from the teacher's task
// mailbox request/response pattern (tasks.AppendMailbox/LoadMailbox,
// gateway/taskhandler.go's findPendingToken): a signal topic is exactly a
// bus topic, and waiting for "the next reply" becomes "the next bus entry
// after a cursor."
package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dohr-michael/ozzie/internal/bus"
	"github.com/dohr-michael/ozzie/internal/envelope"
	"github.com/dohr-michael/ozzie/internal/secrets"
	"github.com/dohr-michael/ozzie/internal/streamevent"
)

// pollInterval is how often multi-wait operations re-check each topic,
// within the 25-50ms band spec.md §4.5 calls for.
const pollInterval = 35 * time.Millisecond

// Policy governs which topics signals may touch and how large a payload may
// be, mirroring SIGNAL_TOPIC_PREFIX / SIGNAL_PAYLOAD_MAX_BYTES.
type Policy struct {
	TopicPrefix     string
	PayloadMaxBytes int
	SensitiveKeys   []string // nil uses secrets.DefaultSensitiveKeys
}

// PolicyViolation is returned when a topic falls outside the configured
// allowlist prefix.
type PolicyViolation struct {
	Topic  string
	Prefix string
}

func (e *PolicyViolation) Error() string {
	return fmt.Sprintf("signals: topic %q is outside the allowed prefix %q", e.Topic, e.Prefix)
}

// ErrPayloadTooLarge is returned when a payload exceeds Policy.PayloadMaxBytes.
var ErrPayloadTooLarge = fmt.Errorf("signals: payload exceeds the configured size cap")

// Message is one entry observed on a signal topic, payload decoded and
// redacted.
type Message struct {
	Topic   string
	Cursor  string
	Payload map[string]any
}

// WaitResult is returned by Wait/WaitAny. TimedOut is true when no new entry
// arrived before the deadline; Message and Cursor are then nil/empty.
type WaitResult struct {
	OK       bool
	Message  *Message
	Cursor   string
	TimedOut bool
}

// Signals implements signal_send/signal_wait/signal_wait_any/signal_wait_all
// over a Bus.
type Signals struct {
	bus    bus.Bus
	policy Policy
}

// New builds a Signals helper. A zero-value Policy disables the prefix
// allowlist and payload cap (not recommended outside tests).
func New(b bus.Bus, policy Policy) *Signals {
	return &Signals{bus: b, policy: policy}
}

func (s *Signals) checkPolicy(topic string) error {
	if s.policy.TopicPrefix == "" {
		return nil
	}
	if len(topic) < len(s.policy.TopicPrefix) || topic[:len(s.policy.TopicPrefix)] != s.policy.TopicPrefix {
		return &PolicyViolation{Topic: topic, Prefix: s.policy.TopicPrefix}
	}
	return nil
}

// fromCursor maps an empty cursor to "0", which sorts before every entry,
// so a wait with no cursor sees entries already on the topic. A bus read
// with no cursor at all would start from the live tail instead.
func fromCursor(lastCursor string) string {
	if lastCursor == "" {
		return "0"
	}
	return lastCursor
}

// Send publishes payload to topic and, when conversationID is non-empty,
// mirrors a signal_send visibility event (topic, cursor, and payload length
// only) onto stream:<conversation_id>.
func (s *Signals) Send(ctx context.Context, topic string, payload map[string]any, conversationID string) (cursor string, err error) {
	if err := s.checkPolicy(topic); err != nil {
		return "", err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal signal payload: %w", err)
	}
	if s.policy.PayloadMaxBytes > 0 && len(raw) > s.policy.PayloadMaxBytes {
		return "", ErrPayloadTooLarge
	}

	cursor, err = s.bus.Publish(ctx, topic, uuid.New().String(), raw)
	if err != nil {
		return "", err
	}

	s.emitVisibility(ctx, conversationID, "signal_send", topic, cursor, len(raw))
	return cursor, nil
}

// Wait returns the first entry strictly after lastCursor on topic (from the
// start of the topic when lastCursor is empty), or a timed-out result after
// timeoutMS. When conversationID is non-empty, a
// received entry mirrors a signal_recv visibility event onto
// stream:<conversation_id>, matching Send's signal_send side.
func (s *Signals) Wait(ctx context.Context, topic, lastCursor string, timeoutMS int, conversationID string) (WaitResult, error) {
	if err := s.checkPolicy(topic); err != nil {
		return WaitResult{}, err
	}

	deadline := time.Now().Add(time.Duration(timeoutMS) * time.Millisecond)
	for {
		msgs, err := s.bus.Read(ctx, bus.ReadRequest{Topic: topic, LastCursor: fromCursor(lastCursor), Limit: 1})
		if err != nil {
			return WaitResult{}, err
		}
		if len(msgs) > 0 {
			m, err := s.decode(topic, msgs[0])
			if err != nil {
				return WaitResult{}, err
			}
			s.emitVisibility(ctx, conversationID, "signal_recv", topic, m.Cursor, len(msgs[0].Payload))
			return WaitResult{OK: true, Message: m, Cursor: m.Cursor}, nil
		}
		if ctx.Err() != nil {
			return WaitResult{}, ctx.Err()
		}
		if time.Now().After(deadline) {
			return WaitResult{OK: true, TimedOut: true}, nil
		}
		time.Sleep(pollInterval)
	}
}

// WaitAny returns the first entry seen across topics, reporting which topic
// fired. lastCursors may be nil or partial; missing entries default to "".
// When conversationID is non-empty, the winning entry mirrors a signal_recv
// visibility event onto stream:<conversation_id>.
func (s *Signals) WaitAny(ctx context.Context, topics []string, lastCursors map[string]string, timeoutMS int, conversationID string) (WaitResult, error) {
	for _, t := range topics {
		if err := s.checkPolicy(t); err != nil {
			return WaitResult{}, err
		}
	}

	deadline := time.Now().Add(time.Duration(timeoutMS) * time.Millisecond)
	for {
		for _, topic := range topics {
			msgs, err := s.bus.Read(ctx, bus.ReadRequest{Topic: topic, LastCursor: fromCursor(lastCursors[topic]), Limit: 1})
			if err != nil {
				return WaitResult{}, err
			}
			if len(msgs) > 0 {
				m, err := s.decode(topic, msgs[0])
				if err != nil {
					return WaitResult{}, err
				}
				s.emitVisibility(ctx, conversationID, "signal_recv", topic, m.Cursor, len(msgs[0].Payload))
				return WaitResult{OK: true, Message: m, Cursor: m.Cursor}, nil
			}
		}
		if ctx.Err() != nil {
			return WaitResult{}, ctx.Err()
		}
		if time.Now().After(deadline) {
			return WaitResult{OK: true, TimedOut: true}, nil
		}
		time.Sleep(pollInterval)
	}
}

// WaitAll returns once at least one new entry has been observed on every
// topic, keyed by topic, or a timed-out result if the deadline passes first
// with some topics still silent. When conversationID is non-empty, each
// topic's arrival mirrors a signal_recv visibility event onto
// stream:<conversation_id> as it's observed.
func (s *Signals) WaitAll(ctx context.Context, topics []string, lastCursors map[string]string, timeoutMS int, conversationID string) (map[string]WaitResult, error) {
	for _, t := range topics {
		if err := s.checkPolicy(t); err != nil {
			return nil, err
		}
	}

	results := make(map[string]WaitResult, len(topics))
	deadline := time.Now().Add(time.Duration(timeoutMS) * time.Millisecond)

	for {
		for _, topic := range topics {
			if _, done := results[topic]; done {
				continue
			}
			msgs, err := s.bus.Read(ctx, bus.ReadRequest{Topic: topic, LastCursor: fromCursor(lastCursors[topic]), Limit: 1})
			if err != nil {
				return nil, err
			}
			if len(msgs) > 0 {
				m, err := s.decode(topic, msgs[0])
				if err != nil {
					return nil, err
				}
				s.emitVisibility(ctx, conversationID, "signal_recv", topic, m.Cursor, len(msgs[0].Payload))
				results[topic] = WaitResult{OK: true, Message: m, Cursor: m.Cursor}
			}
		}
		if len(results) == len(topics) {
			return results, nil
		}
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		if time.Now().After(deadline) {
			for _, topic := range topics {
				if _, done := results[topic]; !done {
					results[topic] = WaitResult{OK: true, TimedOut: true}
				}
			}
			return results, nil
		}
		time.Sleep(pollInterval)
	}
}

func (s *Signals) decode(topic string, m bus.Message) (*Message, error) {
	var payload map[string]any
	if err := json.Unmarshal(m.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode signal payload: %w", err)
	}
	redacted := secrets.RedactPayload(payload, s.policy.SensitiveKeys)
	return &Message{Topic: topic, Cursor: m.Cursor, Payload: redacted.(map[string]any)}, nil
}

// emitVisibility publishes a signal_send/signal_recv LogEvent onto
// stream:<conversation_id> carrying topic, cursor, and payload length only
// — never the payload itself, per spec.md §4.5.
func (s *Signals) emitVisibility(ctx context.Context, conversationID, kind, topic, cursor string, payloadLen int) {
	if conversationID == "" {
		return
	}
	ev := streamevent.LogEvent{
		ConversationID: conversationID,
		Level:          "info",
		Component:      "signals",
		Message:        fmt.Sprintf("%s topic=%s cursor=%s payload_bytes=%d", kind, topic, cursor, payloadLen),
	}
	payload, err := streamevent.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = s.bus.Publish(ctx, envelope.StreamTopic(conversationID), uuid.New().String(), payload)
}
