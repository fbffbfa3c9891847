// Package storage holds the Worker-adjacent persistence helpers that sit
// beside internal/sessions: an audit trail of raw envelopes and the
// directory-keyed blob store other components build on.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dohr-michael/ozzie/internal/bus"
	"github.com/dohr-michael/ozzie/internal/envelope"
	"github.com/dohr-michael/ozzie/internal/storage/dirstore"
)

// eventLogFilename is the per-conversation JSONL file each entry is
// appended to, one directory per conversation_id under the EventLogger's dir.
const eventLogFilename = "events.jsonl"

// auditGroup is the consumer group name EventLogger reads under. It is
// independent of any Worker's own group on the same topic, so both see
// every entry — consumer groups partition delivery within a group, not
// across groups.
const auditGroup = "audit-log"

// EventLogger tails one agent's inbound chat topic and appends every
// envelope it sees to a per-conversation JSONL file, for after-the-fact
// inspection independent of what a Runner chose to keep in session
// history. Adapted from the teacher's bus-subscriber event logger
// (storage/eventlog.go's "one file per session, JSONL, skip noisy
// deltas"), generalized from a local pub/sub callback to an independent
// consumer-group tail over the shared Bus, since the Bus has no
// broadcast-to-every-subscriber primitive the original relied on.
type EventLogger struct {
	bus     bus.Bus
	topic   string
	store   *dirstore.DirStore
	blockMS int
}

// NewEventLogger creates an EventLogger for one agent's chat topic,
// writing one JSONL file per conversation under dir.
func NewEventLogger(b bus.Bus, agentName, dir string) *EventLogger {
	return &EventLogger{
		bus:     b,
		topic:   envelope.ChatAgentTopic(agentName),
		store:   dirstore.NewDirStore(dir, "conversation"),
		blockMS: 500,
	}
}

// Run tails the topic until ctx is done, appending each envelope it reads
// to <dir>/<conversation_id>/events.jsonl and acking it under auditGroup.
func (el *EventLogger) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		msgs, err := el.bus.Read(ctx, bus.ReadRequest{
			Topic: el.topic, Group: auditGroup, Limit: 20, BlockMS: el.blockMS,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("event log: read %s: %w", el.topic, err)
		}
		for _, m := range msgs {
			if err := el.append(m); err != nil {
				slog.Error("event log: append failed", "topic", el.topic, "error", err)
			}
			if err := el.bus.Ack(ctx, el.topic, auditGroup, m.Cursor); err != nil {
				slog.Error("event log: ack failed", "topic", el.topic, "cursor", m.Cursor, "error", err)
			}
		}
	}
}

func (el *EventLogger) append(m bus.Message) error {
	env, err := envelope.Unmarshal(m.Payload)
	if err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}

	record := struct {
		Cursor   string            `json:"cursor"`
		LoggedAt time.Time         `json:"logged_at"`
		Envelope envelope.Envelope `json:"envelope"`
	}{Cursor: m.Cursor, LoggedAt: time.Now().UTC(), Envelope: env}

	if err := el.store.EnsureDir(env.ConversationID); err != nil {
		return err
	}
	return el.store.AppendJSONL(env.ConversationID, eventLogFilename, record)
}
