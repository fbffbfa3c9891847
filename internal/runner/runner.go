// Package runner defines the Runner contract the Worker drives: the one
// external collaborator this repo does not implement as part of the core,
// per the boundary the spec draws around the LLM adapter.
package runner

import (
	"context"

	"github.com/dohr-michael/ozzie/internal/envelope"
	"github.com/dohr-michael/ozzie/internal/streamevent"
)

// Message is one turn of conversation history, the minimal shape a Runner
// needs from the session handle — just enough to reconstruct a prompt,
// without coupling the interface to any particular session store.
type Message struct {
	Role    string
	Content string
}

// Session is the per-conversation handle the Worker passes alongside the
// Envelope. Implementations live in internal/sessions; this interface only
// names what a Runner is allowed to depend on.
type Session interface {
	ConversationID() string
	Messages() []Message
}

// Runner is the pluggable reasoning loop: LLM plus tools. A call is
// single-threaded; it returns a channel of events the Worker fans onto the
// egress topic as they arrive. The channel MUST be closed by the Runner
// once the run is over, and the Runner MUST send exactly one OutputEvent
// before closing it. If Run itself fails before producing any events, it
// returns a non-nil error and emits nothing; the Worker synthesizes the
// terminal OutputEvent in that case.
type Runner interface {
	Run(ctx context.Context, env envelope.Envelope, session Session) (<-chan streamevent.Payload, error)
}

// ControlHandler is an optional interface a Runner may implement to opt
// into control:<agent> envelopes (pause/resume and similar lifecycle
// messages). Runners that don't implement it simply never see them — the
// Worker publishes control envelopes but does not interpret them itself.
type ControlHandler interface {
	HandleControl(ctx context.Context, env envelope.Envelope) error
}
