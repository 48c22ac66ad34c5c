package custody

import (
	"CreditLedger/internal/credit"
	"CreditLedger/internal/observability"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCustody_LockAndRelease(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCustody()

	require.NoError(t, c.LockCollateral(ctx, "alice", 1_000))
	require.NoError(t, c.LockCollateral(ctx, "bob", 500))
	require.NoError(t, c.ReleaseCollateral(ctx, "alice", 400))

	assert.Equal(t, uint64(600), c.Held("alice"))
	assert.Equal(t, uint64(500), c.Held("bob"))
	assert.Equal(t, uint64(1_100), c.Total())
}

func TestMemoryCustody_ReleaseMoreThanHeld(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCustody()
	require.NoError(t, c.LockCollateral(ctx, "alice", 100))

	err := c.ReleaseCollateral(ctx, "alice", 101)
	assert.ErrorIs(t, err, ErrInsufficientHoldings)
	assert.Equal(t, uint64(100), c.Held("alice"))
}

func TestMemoryCustody_Seed(t *testing.T) {
	c := NewMemoryCustody()
	require.NoError(t, c.LockCollateral(context.Background(), "alice", 100))

	c.Seed("alice", 700)
	c.Seed("bob", 300)

	assert.Equal(t, uint64(700), c.Held("alice"))
	assert.Equal(t, uint64(1_000), c.Total())
	require.NoError(t, c.ReleaseCollateral(context.Background(), "bob", 300))
}

func TestMemoryCustody_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewMemoryCustody()
	assert.ErrorIs(t, c.LockCollateral(ctx, "alice", 1), context.Canceled)
	assert.Zero(t, c.Total())
}

type flakyCustody struct {
	err   error
	calls int
}

func (f *flakyCustody) LockCollateral(context.Context, credit.Identity, uint64) error {
	f.calls++
	return f.err
}

func (f *flakyCustody) ReleaseCollateral(context.Context, credit.Identity, uint64) error {
	f.calls++
	return f.err
}

func testBreaker(next credit.Custody) (*Breaker, *observability.Metrics) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	cfg := DefaultBreakerConfig()
	cfg.ConsecutiveFailures = 3
	cfg.Timeout = time.Hour
	return NewBreaker(next, cfg, metrics, observability.NewNopLogger()), metrics
}

func TestBreaker_PassesThrough(t *testing.T) {
	inner := NewMemoryCustody()
	b, metrics := testBreaker(inner)

	require.NoError(t, b.LockCollateral(context.Background(), "alice", 50))
	assert.Equal(t, uint64(50), inner.Held("alice"))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CustodyTransfers.WithLabelValues("lock", "ok")))
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	backendErr := errors.New("connection refused")
	inner := &flakyCustody{err: backendErr}
	b, metrics := testBreaker(inner)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := b.LockCollateral(ctx, "alice", 1)
		require.ErrorIs(t, err, backendErr)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.CustodyBreakerState.WithLabelValues("custody")))

	err := b.ReleaseCollateral(ctx, "alice", 1)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, inner.calls, "open breaker must not reach the backend")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CustodyTransfers.WithLabelValues("release", "rejected")))
	assert.Error(t, b.Healthy(ctx))
}

func TestBreaker_CancellationDoesNotTrip(t *testing.T) {
	inner := &flakyCustody{err: context.Canceled}
	b, _ := testBreaker(inner)

	for i := 0; i < 5; i++ {
		_ = b.LockCollateral(context.Background(), "alice", 1)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
	assert.NoError(t, b.Healthy(context.Background()))
}

func TestBreaker_InsufficientHoldingsDoesNotTrip(t *testing.T) {
	inner := NewMemoryCustody()
	b, _ := testBreaker(inner)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.ErrorIs(t, b.ReleaseCollateral(ctx, "alice", 10), ErrInsufficientHoldings)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
	assert.NoError(t, b.Healthy(ctx))

	require.NoError(t, b.LockCollateral(ctx, "alice", 10))
	assert.Equal(t, uint64(10), inner.Held("alice"))
}
