// Package ingress holds the envelope-to-topic dispatch rule shared by the
// Gateway's /send handler and the orchestration helper, so both paths
// publish identically per spec.md §4.3 step 1.
package ingress

import (
	"context"
	"fmt"

	"github.com/dohr-michael/ozzie/internal/bus"
	"github.com/dohr-michael/ozzie/internal/envelope"
)

// Publish validates env and publishes it to the topic(s) its recipient
// names: chat:<agent> AND chat:<conversation_id> for an agent:<name>
// recipient, or chat:<conversation_id> alone for a chat:<conversation_id>
// recipient. It returns the topics actually published to, in that order.
func Publish(ctx context.Context, b bus.Bus, env envelope.Envelope) ([]string, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}

	payload, err := env.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	var topics []string
	if agentName, ok := env.RecipientAgent(); ok {
		topics = []string{envelope.ChatAgentTopic(agentName), envelope.ChatConversationTopic(env.ConversationID)}
	} else {
		topics = []string{envelope.ChatConversationTopic(env.ConversationID)}
	}

	for _, topic := range topics {
		if _, err := b.Publish(ctx, topic, env.ID, payload); err != nil {
			return nil, err
		}
	}
	return topics, nil
}
