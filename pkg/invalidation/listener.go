package invalidation

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ListenerConfig holds configuration for a Listener.
type ListenerConfig struct {
	NumWorkers int `yaml:"num_workers"`
}

// Listener consumes invalidation messages and applies them to a cache
// controller. Malformed messages are acked and dropped so they are not
// redelivered forever; controller failures are nacked for redelivery.
type Listener struct {
	numWorkers int
	consumer   MessageConsumer
	controller CacheController
	logger     zerolog.Logger
	wg         sync.WaitGroup
}

// NewListener creates a Listener.
func NewListener(cfg ListenerConfig, consumer MessageConsumer, controller CacheController, logger zerolog.Logger) (*Listener, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer cannot be nil")
	}
	if controller == nil {
		return nil, fmt.Errorf("controller cannot be nil")
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	return &Listener{
		numWorkers: cfg.NumWorkers,
		consumer:   consumer,
		controller: controller,
		logger:     logger.With().Str("component", "InvalidationListener").Logger(),
	}, nil
}

// Start starts the consumer and the worker pool.
func (l *Listener) Start(ctx context.Context) error {
	if err := l.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start invalidation consumer: %w", err)
	}
	l.wg.Add(l.numWorkers)
	for i := 0; i < l.numWorkers; i++ {
		go l.worker(ctx, i)
	}
	l.logger.Info().Int("worker_count", l.numWorkers).Msg("Invalidation listener started.")
	return nil
}

// Stop stops the consumer and waits for in-flight messages to finish.
func (l *Listener) Stop(ctx context.Context) error {
	if err := l.consumer.Stop(ctx); err != nil {
		l.logger.Warn().Err(err).Msg("Error during consumer stop, continuing shutdown.")
	}

	workerDone := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(workerDone)
	}()

	select {
	case <-workerDone:
		l.logger.Info().Msg("Invalidation listener stopped.")
		return nil
	case <-ctx.Done():
		l.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for invalidation workers to finish.")
		return ctx.Err()
	}
}

func (l *Listener) worker(ctx context.Context, workerID int) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-l.consumer.Messages():
			if !ok {
				return
			}
			l.handle(msg, workerID)
		}
	}
}

func (l *Listener) handle(msg Message, workerID int) {
	cmd, err := ParseCommand(msg.Payload)
	if err != nil {
		l.logger.Error().Err(err).Str("msg_id", msg.ID).Msg("Dropping malformed invalidation message, Acking.")
		ack(msg)
		return
	}

	if err := cmd.Apply(l.controller); err != nil {
		l.logger.Error().Err(err).Str("msg_id", msg.ID).Str("op", string(cmd.Op)).Msg("Failed to apply invalidation, Nacking.")
		nack(msg)
		return
	}

	l.logger.Debug().
		Int("worker_id", workerID).
		Str("msg_id", msg.ID).
		Str("op", string(cmd.Op)).
		Int("id_count", len(cmd.IDs)).
		Msg("Applied invalidation command.")
	ack(msg)
}

func ack(msg Message) {
	if msg.Ack != nil {
		msg.Ack()
	}
}

func nack(msg Message) {
	if msg.Nack != nil {
		msg.Nack()
	}
}
