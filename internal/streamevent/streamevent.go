// Package streamevent defines the tagged union of events a Runner emits
// during a run and that the Gateway re-serializes onto the egress topic.
package streamevent

import "encoding/json"

// Kind is the `event` discriminator carried by every variant.
type Kind string

const (
	KindToken    Kind = "token"
	KindToolStep Kind = "tool_step"
	KindOutput   Kind = "output"
	KindLog      Kind = "log"
)

// TokenEvent carries a partial piece of assistant text. Index is
// monotonically increasing per run, starting at 0.
type TokenEvent struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
	Index          int    `json:"index"`
}

func (t TokenEvent) Kind() Kind { return KindToken }

// ToolStepEvent reports either a tool invocation or its completion; the
// latter carries ResultSummary.
type ToolStepEvent struct {
	ConversationID string `json:"conversation_id"`
	Name           string `json:"name"`
	Args           string `json:"args,omitempty"`
	ResultSummary  string `json:"result_summary,omitempty"`
}

func (t ToolStepEvent) Kind() Kind { return KindToolStep }

// Usage reports token accounting for a completed run.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// OutputEvent is the terminal event of a run: the full assistant reply.
type OutputEvent struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
	Usage          *Usage `json:"usage,omitempty"`
}

func (o OutputEvent) Kind() Kind { return KindOutput }

// LogEvent is an optional diagnostic passthrough.
type LogEvent struct {
	ConversationID string `json:"conversation_id"`
	Level          string `json:"level"`
	Component      string `json:"component"`
	Message        string `json:"message"`
}

func (l LogEvent) Kind() Kind { return KindLog }

// Payload is implemented by every concrete variant.
type Payload interface {
	Kind() Kind
}

// Marshal encodes a concrete payload as the bus/SSE wire form: the variant's
// own fields plus the `event` discriminator merged in at the top level.
func Marshal(p Payload) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	discriminator, err := json.Marshal(p.Kind())
	if err != nil {
		return nil, err
	}
	m["event"] = discriminator
	return json.Marshal(m)
}

// Unmarshal decodes a wire payload into its concrete variant based on the
// `event` discriminator.
func Unmarshal(data []byte) (Payload, error) {
	var disc struct {
		Event Kind `json:"event"`
	}
	if err := json.Unmarshal(data, &disc); err != nil {
		return nil, err
	}
	switch disc.Event {
	case KindToken:
		var v TokenEvent
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	case KindToolStep:
		var v ToolStepEvent
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	case KindOutput:
		var v OutputEvent
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	case KindLog:
		var v LogEvent
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, &UnknownKindError{Kind: disc.Event}
	}
}

// UnknownKindError is returned by Unmarshal for an unrecognized discriminator.
type UnknownKindError struct {
	Kind Kind
}

func (e *UnknownKindError) Error() string {
	return "streamevent: unknown event kind " + string(e.Kind)
}
