// Package events consumes the inbound trigger events that start analysis and
// recalculation workflows.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/entomex/analysis-service/internal/config"
	"github.com/entomex/analysis-service/internal/domain"
	"github.com/entomex/analysis-service/internal/observability"
)

// Dispatcher starts a workflow instance for a validated trigger event.
type Dispatcher interface {
	Dispatch(ctx context.Context, event domain.TriggerEvent) error
}

// messageReader abstracts the Kafka reader for tests.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Listener consumes trigger events from Kafka, validates them, and hands them
// to the workflow engine. Offsets are committed only after a message is
// handled: malformed events are committed and dropped, dispatched events are
// committed, and a failed dispatch leaves the offset alone so the broker
// redelivers. The engine deduplicates redeliveries of already-dispatched
// events.
type Listener struct {
	reader     messageReader
	dispatcher Dispatcher
	validate   *validator.Validate
	logger     zerolog.Logger
	metrics    *observability.Metrics
}

// NewListener creates a trigger event listener.
func NewListener(cfg config.EventsConfig, dispatcher Dispatcher, logger zerolog.Logger, metrics *observability.Metrics) *Listener {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  3 * time.Second,
	})

	return &Listener{
		reader:     reader,
		dispatcher: dispatcher,
		validate:   validator.New(),
		logger:     logger.With().Str("component", "event_listener").Logger(),
		metrics:    metrics,
	}
}

// Run starts the listener loop. Blocks until context is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info().Msg("starting trigger event listener")
	defer func() {
		if err := l.reader.Close(); err != nil {
			l.logger.Error().Err(err).Msg("failed to close event reader")
		}
	}()

	for {
		msg, err := l.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.logger.Info().Msg("event listener stopped via context cancellation")
				return ctx.Err()
			}
			l.logger.Error().Err(err).Msg("failed to read message from Kafka")
			continue
		}

		l.logger.Debug().
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("received trigger event")

		event, err := l.parse(msg.Value)
		if err != nil {
			if l.metrics != nil {
				l.metrics.EventsRejected.WithLabelValues("invalid").Inc()
			}
			l.logger.Error().Err(err).
				Str("raw_value", string(msg.Value)).
				Msg("rejected malformed trigger event")
			// A malformed payload never becomes valid on redelivery.
			l.commit(ctx, msg)
			continue
		}

		if err := l.dispatcher.Dispatch(ctx, *event); err != nil {
			// Offset stays uncommitted so the broker redelivers the event.
			l.logger.Error().Err(err).
				Str("event", event.Name).
				Str("case_id", event.Data.CaseID).
				Msg("failed to dispatch trigger event")
			continue
		}

		l.commit(ctx, msg)
		if l.metrics != nil {
			l.metrics.EventsConsumed.WithLabelValues(event.Name).Inc()
		}
	}
}

// commit acknowledges a handled message. A commit failure is not fatal: the
// message is redelivered and the engine drops the duplicate.
func (l *Listener) commit(ctx context.Context, msg kafka.Message) {
	if err := l.reader.CommitMessages(ctx, msg); err != nil {
		l.logger.Error().Err(err).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("failed to commit message offset")
	}
}

// parse decodes and validates a raw event payload.
func (l *Listener) parse(raw []byte) (*domain.TriggerEvent, error) {
	var event domain.TriggerEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger event: %w", err)
	}

	if err := l.validate.Struct(&event); err != nil {
		return nil, fmt.Errorf("trigger event failed validation: %w", err)
	}

	return &event, nil
}
