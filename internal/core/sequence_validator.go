package core

import (
	"errors"
	"fmt"
)

var (
	ErrSequenceGap = errors.New("sequence gap")
	ErrOutOfOrder  = errors.New("out-of-order sequence")
)

// SequenceValidator walks the audit log sequence and rejects any entry that
// is not exactly one past the previous one. Not thread-safe.
type SequenceValidator struct {
	next       int64
	gaps       int
	outOfOrder int
}

// NewSequenceValidator expects first as the next sequence.
func NewSequenceValidator(first int64) *SequenceValidator {
	return &SequenceValidator{next: first}
}

// Check accepts seq if it is the expected one and advances. A rejected
// sequence leaves the expectation unchanged.
func (sv *SequenceValidator) Check(seq int64) error {
	switch {
	case seq == sv.next:
		sv.next++
		return nil
	case seq < sv.next:
		sv.outOfOrder++
		return fmt.Errorf("%w: expected %d, got %d", ErrOutOfOrder, sv.next, seq)
	default:
		sv.gaps++
		return fmt.Errorf("%w: expected %d, got %d (%d missing)", ErrSequenceGap, sv.next, seq, seq-sv.next)
	}
}

// Next returns the sequence the validator expects.
func (sv *SequenceValidator) Next() int64 { return sv.next }

// Rejected returns how many gaps and out-of-order sequences were seen.
func (sv *SequenceValidator) Rejected() (gaps, outOfOrder int) {
	return sv.gaps, sv.outOfOrder
}
