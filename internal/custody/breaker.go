package custody

import (
	"CreditLedger/internal/credit"
	"CreditLedger/internal/observability"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

var ErrUnavailable = errors.New("custody unavailable")

// BreakerConfig tunes the circuit breaker around custody calls.
type BreakerConfig struct {
	Name                string
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:                "custody",
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// Breaker guards a custody backend with a circuit breaker so a failing
// backend rejects transfers immediately instead of stalling every deposit
// and withdrawal behind the vault lock.
type Breaker struct {
	next    credit.Custody
	cb      *gobreaker.CircuitBreaker
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewBreaker(next credit.Custody, cfg BreakerConfig, metrics *observability.Metrics, logger zerolog.Logger) *Breaker {
	b := &Breaker{
		next:    next,
		metrics: metrics,
		logger:  logger,
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		// Caller cancellation and refused releases say nothing about the
		// backend's health.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, ErrInsufficientHoldings)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("custody breaker state changed")
			b.setStateMetric(to)
		},
	})
	b.setStateMetric(gobreaker.StateClosed)

	return b
}

func (b *Breaker) LockCollateral(ctx context.Context, owner credit.Identity, amount uint64) error {
	return b.call("lock", func() error {
		return b.next.LockCollateral(ctx, owner, amount)
	})
}

func (b *Breaker) ReleaseCollateral(ctx context.Context, owner credit.Identity, amount uint64) error {
	return b.call("release", func() error {
		return b.next.ReleaseCollateral(ctx, owner, amount)
	})
}

// State returns the breaker state name.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Healthy is false while the breaker is open.
func (b *Breaker) Healthy(ctx context.Context) error {
	if b.cb.State() == gobreaker.StateOpen {
		return fmt.Errorf("%w: breaker open", ErrUnavailable)
	}
	return nil
}

func (b *Breaker) call(direction string, fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})

	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		result = "rejected"
		err = fmt.Errorf("%w: %w", ErrUnavailable, err)
	default:
		result = "failed"
	}

	if b.metrics != nil {
		b.metrics.CustodyTransfers.WithLabelValues(direction, result).Inc()
	}
	return err
}

func (b *Breaker) setStateMetric(state gobreaker.State) {
	if b.metrics == nil {
		return
	}
	var v float64
	switch state {
	case gobreaker.StateHalfOpen:
		v = 1
	case gobreaker.StateOpen:
		v = 2
	}
	b.metrics.CustodyBreakerState.WithLabelValues(b.cb.Name()).Set(v)
}
