// Package echo is a deterministic fake Runner: it tokenizes the incoming
// envelope's content and streams it back one word at a time, followed by
// the terminal OutputEvent. It exists so the Worker, Gateway, and
// end-to-end tests can exercise the full pipeline without live model
// credentials, mirroring the teacher's stream-emission helpers
// (emitStreamStart/emitStreamDelta/emitStreamEnd) without any real LLM
// call behind them.
package echo

import (
	"context"
	"strings"

	"github.com/dohr-michael/ozzie/internal/envelope"
	"github.com/dohr-michael/ozzie/internal/runner"
	"github.com/dohr-michael/ozzie/internal/streamevent"
)

// Runner implements runner.Runner by echoing the envelope content back
// word by word.
type Runner struct {
	// Prefix is prepended to the echoed text, mostly useful in tests that
	// want to tell which agent answered.
	Prefix string
}

// New returns an echo Runner with no prefix.
func New() *Runner {
	return &Runner{}
}

func (r *Runner) Run(ctx context.Context, env envelope.Envelope, session runner.Session) (<-chan streamevent.Payload, error) {
	words := strings.Fields(env.Content)
	bufSize := len(words) + 1
	if r.Prefix != "" {
		bufSize++
	}
	out := make(chan streamevent.Payload, bufSize)

	go func() {
		defer close(out)
		var full strings.Builder
		index := 0
		if r.Prefix != "" {
			full.WriteString(r.Prefix)
			out <- streamevent.TokenEvent{
				ConversationID: env.ConversationID,
				Text:           r.Prefix,
				Index:          index,
			}
			index++
		}
		for i, w := range words {
			select {
			case <-ctx.Done():
				out <- streamevent.OutputEvent{
					ConversationID: env.ConversationID,
					Text:           full.String(),
				}
				return
			default:
			}
			text := w
			if i < len(words)-1 {
				text += " "
			}
			full.WriteString(text)
			out <- streamevent.TokenEvent{
				ConversationID: env.ConversationID,
				Text:           text,
				Index:          index,
			}
			index++
		}
		out <- streamevent.OutputEvent{
			ConversationID: env.ConversationID,
			Text:           full.String(),
			Usage: &streamevent.Usage{
				InputTokens:  len(session.Messages()),
				OutputTokens: len(words),
			},
		}
	}()

	return out, nil
}
