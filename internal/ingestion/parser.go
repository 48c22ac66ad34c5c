package ingestion

import (
	"CreditLedger/internal/core"
	"CreditLedger/internal/credit"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// CommandSubjectPrefix is followed by the operation name, for example
// credit.commands.deposit.
const CommandSubjectPrefix = "credit.commands."

var ErrMalformedCommand = errors.New("malformed command")

// --- JSON wire format ---
// Field names use snake_case to match upstream producers.

type commandJSON struct {
	Caller         string     `json:"caller"`
	Amount         amountJSON `json:"amount"`
	IdempotencyKey string     `json:"idempotency_key"`
}

// amountJSON accepts a JSON number or a decimal string. Producers in
// languages without 64-bit integers send large amounts as strings.
type amountJSON uint64

func (a *amountJSON) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(s)
	}
	v, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("amount %s is not an unsigned 64-bit integer", data)
	}
	*a = amountJSON(v)
	return nil
}

// OperationFromSubject extracts the operation from a command subject.
func OperationFromSubject(subject string) (core.Operation, error) {
	name, ok := strings.CutPrefix(subject, CommandSubjectPrefix)
	if !ok {
		return "", fmt.Errorf("%w: subject %q outside %s>", ErrMalformedCommand, subject, CommandSubjectPrefix)
	}
	op, err := core.ParseOperation(name)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedCommand, err)
	}
	return op, nil
}

// ParseCommand decodes a command message. msgID is the JetStream message id
// and becomes the idempotency key when the payload carries none.
func ParseCommand(subject string, data []byte, msgID string) (core.Command, error) {
	op, err := OperationFromSubject(subject)
	if err != nil {
		return core.Command{}, err
	}

	var j commandJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return core.Command{}, fmt.Errorf("%w: %s: %w", ErrMalformedCommand, op, err)
	}
	if j.Caller == "" {
		return core.Command{}, fmt.Errorf("%w: %s: caller is required", ErrMalformedCommand, op)
	}
	if op != core.OpInitialize && j.Amount == 0 {
		return core.Command{}, fmt.Errorf("%w: %s: amount must be positive", ErrMalformedCommand, op)
	}

	key := j.IdempotencyKey
	if key == "" {
		key = msgID
	}

	return core.Command{
		Op:             op,
		Caller:         credit.Identity(j.Caller),
		Amount:         uint64(j.Amount),
		IdempotencyKey: key,
	}, nil
}
