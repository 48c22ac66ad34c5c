package ingestion

import (
	"CreditLedger/internal/core"
	"CreditLedger/internal/observability"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	CommandStream   = "CREDIT_COMMANDS"
	CommandConsumer = "credit-ledger-commands"
)

// CommandExecutor applies a command. *core.Ledger satisfies it.
type CommandExecutor interface {
	Execute(ctx context.Context, cmd core.Command) (*core.Result, error)
}

// Outcome is what happens to a consumed message.
type Outcome int

const (
	// OutcomeAck: applied, or rejected for a business reason. Redelivery
	// would give the same answer.
	OutcomeAck Outcome = iota
	// OutcomeNak: infrastructure failure, redeliver later.
	OutcomeNak
	// OutcomeTerm: the message cannot be parsed and never will be.
	OutcomeTerm
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeNak:
		return "nak"
	case OutcomeTerm:
		return "term"
	default:
		return "unknown"
	}
}

// NATSSubscriber consumes commands from JetStream and applies them through
// the ledger, one message at a time.
type NATSSubscriber struct {
	js       jetstream.JetStream
	executor CommandExecutor
	metrics  *observability.Metrics
	logger   zerolog.Logger
	consumer jetstream.ConsumeContext
}

func NewNATSSubscriber(js jetstream.JetStream, executor CommandExecutor, metrics *observability.Metrics, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:       js,
		executor: executor,
		metrics:  metrics,
		logger:   logger,
	}
}

// Subscribe creates the durable consumer on credit.commands.> and starts
// consuming. Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ns.js.CreateOrUpdateConsumer(ctx, CommandStream, jetstream.ConsumerConfig{
		Durable:       CommandConsumer,
		FilterSubject: CommandSubjectPrefix + ">",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", CommandConsumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		msgID := ""
		if h := msg.Headers(); h != nil {
			msgID = h.Get(nats.MsgIdHdr)
		}

		var ackErr error
		switch ns.Process(ctx, msg.Subject(), msg.Data(), msgID) {
		case OutcomeAck:
			ackErr = msg.Ack()
		case OutcomeNak:
			ackErr = msg.Nak()
		case OutcomeTerm:
			ackErr = msg.Term()
		}
		if ackErr != nil {
			ns.logger.Warn().Err(ackErr).Str("subject", msg.Subject()).Msg("failed to acknowledge message")
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", CommandConsumer, err)
	}

	ns.consumer = cc
	ns.logger.Info().Str("subject", CommandSubjectPrefix+">").Str("consumer", CommandConsumer).Msg("subscribed")
	return nil
}

// Process parses and applies one message and decides its acknowledgement.
func (ns *NATSSubscriber) Process(ctx context.Context, subject string, data []byte, msgID string) Outcome {
	outcome, err := ns.process(ctx, subject, data, msgID)

	if ns.metrics != nil {
		ns.metrics.NATSMessages.WithLabelValues(subject, outcome.String()).Inc()
	}

	entry := ns.logger.Debug()
	if outcome != OutcomeAck {
		entry = ns.logger.Warn()
	}
	entry.Err(err).Str("subject", subject).Str("outcome", outcome.String()).Msg("command consumed")
	return outcome
}

func (ns *NATSSubscriber) process(ctx context.Context, subject string, data []byte, msgID string) (Outcome, error) {
	cmd, err := ParseCommand(subject, data, msgID)
	if err != nil {
		return OutcomeTerm, err
	}

	_, err = ns.executor.Execute(ctx, cmd)
	switch {
	case err == nil:
		return OutcomeAck, nil
	case errors.Is(err, core.ErrDuplicateCommand):
		return OutcomeAck, nil
	case core.IsRejection(err):
		return OutcomeAck, err
	default:
		return OutcomeNak, err
	}
}

// EnsureStreams creates the command stream if it doesn't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       CommandStream,
		Subjects:   []string{CommandSubjectPrefix + ">"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.WorkQueuePolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", CommandStream, err)
	}
	return nil
}

// Stop stops consuming and waits for the consumer to close.
func (ns *NATSSubscriber) Stop() {
	if ns.consumer != nil {
		ns.consumer.Stop()
		<-ns.consumer.Closed()
	}
	ns.logger.Info().Msg("NATS subscriber stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("credit-ledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
