package invalidation

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// Publisher broadcasts cache-control commands to every resolver subscribed
// to a topic.
type Publisher struct {
	topic  *pubsub.Topic
	logger zerolog.Logger
}

// NewPublisher creates a Publisher after checking that the topic exists.
func NewPublisher(ctx context.Context, client *pubsub.Client, topicID string, logger zerolog.Logger) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	topic := client.Topic(topicID)

	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", topicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", topicID)
	}

	return &Publisher{
		topic:  topic,
		logger: logger.With().Str("component", "InvalidationPublisher").Str("topic_id", topicID).Logger(),
	}, nil
}

// Publish sends cmd and waits for the server to accept it, returning the
// message ID.
func (p *Publisher) Publish(ctx context.Context, cmd Command) (string, error) {
	switch cmd.Op {
	case OpClear, OpRefresh:
	default:
		return "", fmt.Errorf("unknown invalidation op %q", cmd.Op)
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return "", fmt.Errorf("encode invalidation command: %w", err)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       payload,
		Attributes: map[string]string{"op": string(cmd.Op)},
	})
	msgID, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish invalidation command: %w", err)
	}
	p.logger.Info().Str("published_msg_id", msgID).Str("op", string(cmd.Op)).Int("id_count", len(cmd.IDs)).Msg("Invalidation command published.")
	return msgID, nil
}

// Stop flushes pending messages, respecting ctx's deadline.
func (p *Publisher) Stop(ctx context.Context) error {
	stopDone := make(chan struct{})
	go func() {
		p.topic.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
