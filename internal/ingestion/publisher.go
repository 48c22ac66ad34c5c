package ingestion

import (
	"CreditLedger/internal/core"
	"CreditLedger/internal/observability"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	EventSubjectPrefix = "credit.ledger.events."
	EventStream        = "CREDIT_LEDGER_EVENTS"
)

// Publisher is the part of jetstream.JetStream the outbound publisher uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes applied events for downstream consumers on
// credit.ledger.events.{event_type}. Publishing is best effort: consumers
// that miss an event can read the audit log.
type OutboundPublisher struct {
	js        Publisher
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// PublishableEvent is the outbound wire format.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	User           string          `json:"user"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

func NewOutboundPublisher(js Publisher, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run publishes until the input channel is closed or ctx is cancelled.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			result := "ok"
			if err := op.publish(ctx, out); err != nil {
				result = "failed"
				op.logger.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("outbound publish failed")
			}
			if op.metrics != nil {
				op.metrics.PublishedEvents.WithLabelValues(out.Envelope.EventType.String(), result).Inc()
			}
		}
	}
}

// EventSubject returns the subject an event type is published on.
func EventSubject(eventType string) string {
	return EventSubjectPrefix + strings.ToLower(eventType)
}

// NewPublishableEvent converts a core output to the wire format.
func NewPublishableEvent(out core.CoreOutput) PublishableEvent {
	env := out.Envelope
	return PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		User:           env.User,
		Payload:        json.RawMessage(env.Payload),
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp,
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, out core.CoreOutput) error {
	evt := NewPublishableEvent(out)
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// The sequence doubles as the message id so a republished event is
	// dropped by the stream's duplicate window.
	_, err = op.js.Publish(ctx, EventSubject(evt.EventType), data,
		jetstream.WithMsgID(fmt.Sprintf("credit-ledger-%d", evt.Sequence)))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       EventStream,
		Subjects:   []string{EventSubjectPrefix + ">"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
