// Package envelope defines the frozen wire shape carried on inbound bus topics.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type discriminates the two envelope kinds.
type Type string

const (
	TypeMessage Type = "message"
	TypeControl Type = "control"
)

// Envelope is the unit published to inbound topics. It is immutable once
// constructed — every field is set at ingress and never mutated afterward.
type Envelope struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Sender         string         `json:"sender"`
	Recipient      string         `json:"recipient"`
	Type           Type           `json:"type"`
	Content        string         `json:"content,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// New builds an Envelope, generating an ID when none is supplied. Callers at
// the Gateway boundary should prefer this over constructing the struct
// directly so id/created_at defaulting stays in one place.
func New(id, conversationID, sender, recipient string, typ Type, content string, metadata map[string]any) Envelope {
	if id == "" {
		id = uuid.New().String()
	}
	return Envelope{
		ID:             id,
		ConversationID: conversationID,
		Sender:         sender,
		Recipient:      recipient,
		Type:           typ,
		Content:        content,
		Metadata:       metadata,
		CreatedAt:      time.Now().UTC(),
	}
}

// Validate checks the schema invariants the Gateway must enforce before
// publishing: known type discriminator, well-formed sender/recipient
// addresses, and a non-empty conversation id.
func (e Envelope) Validate() error {
	if e.ConversationID == "" {
		return fmt.Errorf("conversation_id is required")
	}
	if e.Type != TypeMessage && e.Type != TypeControl {
		return fmt.Errorf("unknown envelope type %q", e.Type)
	}
	if !isSenderValid(e.Sender) {
		return fmt.Errorf("invalid sender %q", e.Sender)
	}
	if !isRecipientValid(e.Recipient) {
		return fmt.Errorf("invalid recipient %q", e.Recipient)
	}
	if e.Type == TypeMessage && e.Content == "" {
		return fmt.Errorf("content is required for message envelopes")
	}
	return nil
}

func isSenderValid(s string) bool {
	return strings.HasPrefix(s, "user:") || strings.HasPrefix(s, "agent:")
}

func isRecipientValid(s string) bool {
	return strings.HasPrefix(s, "chat:") || strings.HasPrefix(s, "agent:")
}

// RecipientAgent returns the agent name and true when Recipient is of the
// form agent:<name>.
func (e Envelope) RecipientAgent() (string, bool) {
	if name, ok := strings.CutPrefix(e.Recipient, "agent:"); ok {
		return name, true
	}
	return "", false
}

// RecipientConversation returns the conversation id and true when Recipient
// is of the form chat:<conversation_id>.
func (e Envelope) RecipientConversation() (string, bool) {
	if id, ok := strings.CutPrefix(e.Recipient, "chat:"); ok {
		return id, true
	}
	return "", false
}

// Marshal encodes the envelope as the bus payload string.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes a bus payload back into an Envelope.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// Topic name helpers — kept here since the envelope is what decides routing.

// ChatAgentTopic is the inbound topic a Worker bound to agentName consumes.
func ChatAgentTopic(agentName string) string {
	return "chat:" + agentName
}

// ChatConversationTopic is the inbound topic for a specific conversation.
func ChatConversationTopic(conversationID string) string {
	return "chat:" + conversationID
}

// StreamTopic is the egress topic events for a run are published to.
func StreamTopic(conversationID string) string {
	return "stream:" + conversationID
}

// ControlTopic is reserved for agent lifecycle control messages.
func ControlTopic(agentName string) string {
	return "control:" + agentName
}

// SignalTopic builds a signal topic name from a scope/event pair, e.g.
// SignalTopic("orchestrate/parent123/0", "done") -> "signal:orchestrate/parent123/0/done".
func SignalTopic(scope, event string) string {
	return "signal:" + scope + "/" + event
}
