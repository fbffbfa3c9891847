// Package eino is the real Runner implementation: a single streamed
// completion against a cloudwego/eino chat model, with no tool execution
// of its own — concrete tools remain an external collaborator, so any
// tool call the model emits is reported as a ToolStepEvent and left
// unexecuted. Generalized from agent/eventrunner.go's
// consumeIterator/consumeStream stream-draining loop and agent/factory.go's
// model selection, collapsed from a full ReAct adk.Runner down to one
// model.Stream call since this repo owns the bus pipeline, not the tool
// loop.
package eino

import (
	"context"
	"fmt"
	"io"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/dohr-michael/ozzie/internal/envelope"
	"github.com/dohr-michael/ozzie/internal/models"
	"github.com/dohr-michael/ozzie/internal/runner"
	"github.com/dohr-michael/ozzie/internal/streamevent"
)

// ModelRegistry resolves a named chat model, matching
// internal/models.Registry's shape without importing it directly (keeps
// this package usable against any registry-like type).
type ModelRegistry interface {
	Get(ctx context.Context, name string) (model.ToolCallingChatModel, error)
	DefaultName() string
}

// Runner adapts a registry of eino chat models to runner.Runner.
type Runner struct {
	registry     ModelRegistry
	providerName string // empty means use registry.DefaultName()
	systemPrompt string
}

// New builds an eino-backed Runner. providerName selects a specific
// entry from registry; pass "" to use the registry's configured default.
func New(registry ModelRegistry, providerName, systemPrompt string) *Runner {
	return &Runner{registry: registry, providerName: providerName, systemPrompt: systemPrompt}
}

func (r *Runner) Run(ctx context.Context, env envelope.Envelope, session runner.Session) (<-chan streamevent.Payload, error) {
	name := r.providerName
	if name == "" {
		name = r.registry.DefaultName()
	}
	chatModel, err := r.registry.Get(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("eino runner: resolve model %q: %w", name, err)
	}

	messages := r.buildMessages(session, env)

	stream, err := chatModel.Stream(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("eino runner: start stream: %w", err)
	}

	out := make(chan streamevent.Payload, 16)
	go r.drain(ctx, env.ConversationID, stream, out)
	return out, nil
}

func (r *Runner) buildMessages(session runner.Session, env envelope.Envelope) []*schema.Message {
	var messages []*schema.Message
	if r.systemPrompt != "" {
		messages = append(messages, &schema.Message{Role: schema.System, Content: r.systemPrompt})
	}
	for _, m := range session.Messages() {
		messages = append(messages, &schema.Message{Role: schema.RoleType(m.Role), Content: m.Content})
	}
	if len(messages) == 0 || messages[len(messages)-1].Content != env.Content {
		messages = append(messages, &schema.Message{Role: schema.User, Content: env.Content})
	}
	return messages
}

// drain consumes the model's stream, emitting one TokenEvent per content
// chunk, one ToolStepEvent per tool call the model proposes (reported,
// not executed), and exactly one terminal OutputEvent — closing out
// regardless of how the stream ends, per the Runner contract.
func (r *Runner) drain(ctx context.Context, conversationID string, stream *schema.StreamReader[*schema.Message], out chan<- streamevent.Payload) {
	defer close(out)
	defer stream.Close()

	var full string
	var usage *streamevent.Usage
	index := 0

	for {
		select {
		case <-ctx.Done():
			out <- streamevent.OutputEvent{ConversationID: conversationID, Text: full, Usage: usage}
			return
		default:
		}

		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			level := "error"
			if models.Classify(err).Retryable() {
				level = "warn"
			}
			out <- streamevent.LogEvent{ConversationID: conversationID, Level: level, Component: "runner/eino", Message: models.HandleError(err).Error()}
			break
		}
		if chunk == nil {
			continue
		}

		for _, tc := range chunk.ToolCalls {
			out <- streamevent.ToolStepEvent{
				ConversationID: conversationID,
				Name:           tc.Function.Name,
				Args:           tc.Function.Arguments,
			}
		}

		if chunk.Content != "" {
			full += chunk.Content
			out <- streamevent.TokenEvent{ConversationID: conversationID, Text: chunk.Content, Index: index}
			index++
		}

		if chunk.ResponseMeta != nil && chunk.ResponseMeta.Usage != nil {
			usage = &streamevent.Usage{
				InputTokens:  chunk.ResponseMeta.Usage.PromptTokens,
				OutputTokens: chunk.ResponseMeta.Usage.CompletionTokens,
			}
		}
	}

	out <- streamevent.OutputEvent{ConversationID: conversationID, Text: full, Usage: usage}
}
