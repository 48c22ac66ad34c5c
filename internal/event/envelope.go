package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeVaultInitialized
	EventTypeDeposit
	EventTypeWithdraw
	EventTypeCreditUsed
	EventTypeCreditRepaid
)

// EventEnvelope wraps every event in the audit log
type EventEnvelope struct {
	// Global monotonic sequence assigned by the ledger
	Sequence int64

	// Idempotency key supplied by the caller, or generated when absent
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Identity the event belongs to (the authority for vault events)
	User string

	// Time the operation was committed
	Timestamp time.Time

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// EventType returns the discriminator
	EventType() EventType

	// Subject returns the identity the event belongs to
	Subject() string
}

func (et EventType) String() string {
	switch et {
	case EventTypeVaultInitialized:
		return "VaultInitialized"
	case EventTypeDeposit:
		return "Deposit"
	case EventTypeWithdraw:
		return "Withdraw"
	case EventTypeCreditUsed:
		return "CreditUsed"
	case EventTypeCreditRepaid:
		return "CreditRepaid"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) (EventType, error) {
	for et := EventTypeVaultInitialized; et <= EventTypeCreditRepaid; et++ {
		if et.String() == s {
			return et, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type: %q", s)
}

// MarshalPayload encodes an event for the envelope payload.
func MarshalPayload(evt Event) ([]byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", evt.EventType(), err)
	}
	return data, nil
}

// DecodePayload decodes an envelope payload back into its typed event.
func DecodePayload(eventType EventType, payload []byte) (Event, error) {
	var evt Event
	switch eventType {
	case EventTypeVaultInitialized:
		evt = &VaultInitialized{}
	case EventTypeDeposit:
		evt = &Deposit{}
	case EventTypeWithdraw:
		evt = &Withdraw{}
	case EventTypeCreditUsed:
		evt = &CreditUsed{}
	case EventTypeCreditRepaid:
		evt = &CreditRepaid{}
	default:
		return nil, fmt.Errorf("unknown event type: %d", eventType)
	}

	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	return evt, nil
}
