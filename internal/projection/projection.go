// Package projection maintains read models derived from applied events:
// a per-user activity feed, position summaries and vault statistics.
// Projections are eventually consistent and can be rebuilt from the audit
// log at any time.
package projection

import (
	"CreditLedger/internal/core"
	"CreditLedger/internal/event"
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrPositionNotFound = errors.New("position not found")

// Activity is one entry of a user's activity feed.
type Activity struct {
	Sequence  int64     `json:"sequence"`
	User      string    `json:"user"`
	EventType string    `json:"event_type"`
	Amount    uint64    `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// Position is the projected state of one user.
type Position struct {
	User         string `json:"user"`
	Deposited    uint64 `json:"deposited"`
	CreditLine   uint64 `json:"credit_line"`
	UsedCredit   uint64 `json:"used_credit"`
	LastSequence int64  `json:"last_sequence"`
}

// Stats aggregates all projected positions.
type Stats struct {
	Users             int    `json:"users"`
	TotalDeposited    uint64 `json:"total_deposited"`
	OutstandingCredit uint64 `json:"outstanding_credit"`
}

// PositionChange carries the post-event values an event reports. Nil fields
// are left as they are.
type PositionChange struct {
	User       string
	Deposited  *uint64
	CreditLine *uint64
	UsedCredit *uint64
}

// Update is everything one event changes in the projections.
type Update struct {
	Sequence int64
	Activity Activity
	Position *PositionChange
}

// Store persists projections.
type Store interface {
	Apply(ctx context.Context, u Update) error
	Activity(ctx context.Context, user string, limit int, beforeSequence int64) ([]Activity, error)
	Position(ctx context.Context, user string) (*Position, error)
	Stats(ctx context.Context) (*Stats, error)
	Watermark(ctx context.Context) (int64, error)
	Reset(ctx context.Context) error
}

// UpdateFromOutput derives the projection update for an applied command.
func UpdateFromOutput(out core.CoreOutput) (Update, error) {
	evt := out.Event
	if evt == nil {
		decoded, err := event.DecodePayload(out.Envelope.EventType, out.Envelope.Payload)
		if err != nil {
			return Update{}, err
		}
		evt = decoded
	}
	return updateFrom(out.Envelope, evt)
}

// UpdateFromEnvelope derives the projection update from an audit log
// envelope.
func UpdateFromEnvelope(env *event.EventEnvelope) (Update, error) {
	evt, err := event.DecodePayload(env.EventType, env.Payload)
	if err != nil {
		return Update{}, err
	}
	return updateFrom(env, evt)
}

func updateFrom(env *event.EventEnvelope, evt event.Event) (Update, error) {
	u := Update{
		Sequence: env.Sequence,
		Activity: Activity{
			Sequence:  env.Sequence,
			User:      evt.Subject(),
			EventType: evt.EventType().String(),
			Timestamp: env.Timestamp,
		},
	}

	switch e := evt.(type) {
	case *event.VaultInitialized:
	case *event.Deposit:
		u.Activity.Amount = e.Amount
		u.Position = &PositionChange{User: e.User, Deposited: &e.TotalDeposited, CreditLine: &e.CreditLine}
	case *event.Withdraw:
		u.Activity.Amount = e.Amount
		u.Position = &PositionChange{User: e.User, Deposited: &e.RemainingDeposited, CreditLine: &e.CreditLine}
	case *event.CreditUsed:
		u.Activity.Amount = e.Amount
		u.Position = &PositionChange{User: e.User, UsedCredit: &e.TotalUsed}
	case *event.CreditRepaid:
		u.Activity.Amount = e.Amount
		u.Position = &PositionChange{User: e.User, UsedCredit: &e.RemainingDebt}
	default:
		return Update{}, fmt.Errorf("no projection for event %T", evt)
	}
	return u, nil
}

// Rebuild clears the projections and replays envelopes into them.
func Rebuild(ctx context.Context, st Store, envelopes []*event.EventEnvelope) error {
	if err := st.Reset(ctx); err != nil {
		return fmt.Errorf("reset projections: %w", err)
	}
	for _, env := range envelopes {
		u, err := UpdateFromEnvelope(env)
		if err != nil {
			return fmt.Errorf("sequence %d: %w", env.Sequence, err)
		}
		if err := st.Apply(ctx, u); err != nil {
			return fmt.Errorf("sequence %d: %w", env.Sequence, err)
		}
	}
	return nil
}
