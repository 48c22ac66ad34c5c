package ingestion_test

import (
	"CreditLedger/internal/core"
	"CreditLedger/internal/ingestion"
	"errors"
	"testing"
)

func TestParseCommand_Deposit(t *testing.T) {
	cmd, err := ingestion.ParseCommand("credit.commands.deposit",
		[]byte(`{"caller":"alice","amount":1000,"idempotency_key":"dep-1"}`), "")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if cmd.Op != core.OpDeposit {
		t.Errorf("op: got %s, want deposit", cmd.Op)
	}
	if cmd.Caller != "alice" {
		t.Errorf("caller: got %s, want alice", cmd.Caller)
	}
	if cmd.Amount != 1000 {
		t.Errorf("amount: got %d, want 1000", cmd.Amount)
	}
	if cmd.IdempotencyKey != "dep-1" {
		t.Errorf("idempotency key: got %s, want dep-1", cmd.IdempotencyKey)
	}
}

func TestParseCommand_StringAmount(t *testing.T) {
	cmd, err := ingestion.ParseCommand("credit.commands.use_credit",
		[]byte(`{"caller":"alice","amount":"18446744073709551615"}`), "")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cmd.Amount != ^uint64(0) {
		t.Errorf("amount: got %d, want max uint64", cmd.Amount)
	}
}

func TestParseCommand_MessageIDFallback(t *testing.T) {
	cmd, err := ingestion.ParseCommand("credit.commands.repay_credit",
		[]byte(`{"caller":"alice","amount":5}`), "nats-msg-7")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cmd.IdempotencyKey != "nats-msg-7" {
		t.Errorf("idempotency key: got %q, want nats-msg-7", cmd.IdempotencyKey)
	}
}

func TestParseCommand_InitializeNeedsNoAmount(t *testing.T) {
	cmd, err := ingestion.ParseCommand("credit.commands.initialize", []byte(`{"caller":"admin"}`), "")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cmd.Op != core.OpInitialize || cmd.Amount != 0 {
		t.Errorf("got %+v", cmd)
	}
}

func TestParseCommand_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		data    string
	}{
		{"foreign subject", "perp.trades.x", `{"caller":"alice","amount":1}`},
		{"unknown operation", "credit.commands.liquidate", `{"caller":"alice","amount":1}`},
		{"invalid json", "credit.commands.deposit", `{"caller":`},
		{"missing caller", "credit.commands.deposit", `{"amount":1}`},
		{"zero amount", "credit.commands.withdraw", `{"caller":"alice","amount":0}`},
		{"missing amount", "credit.commands.deposit", `{"caller":"alice"}`},
		{"negative amount", "credit.commands.deposit", `{"caller":"alice","amount":-5}`},
		{"fractional amount", "credit.commands.deposit", `{"caller":"alice","amount":1.5}`},
		{"amount overflow", "credit.commands.deposit", `{"caller":"alice","amount":"18446744073709551616"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ingestion.ParseCommand(tt.subject, []byte(tt.data), "")
			if !errors.Is(err, ingestion.ErrMalformedCommand) {
				t.Fatalf("expected ErrMalformedCommand, got %v", err)
			}
		})
	}
}

func TestOperationFromSubject(t *testing.T) {
	op, err := ingestion.OperationFromSubject("credit.commands.withdraw")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if op != core.OpWithdraw {
		t.Errorf("got %s, want withdraw", op)
	}
}
