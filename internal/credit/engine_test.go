package credit_test

import (
	"CreditLedger/internal/credit"
	"context"
	"errors"
	stdmath "math"
	"math/rand"
	"testing"
)

// fakeCustody records transfers and can be told to fail.
type fakeCustody struct {
	held    map[credit.Identity]uint64
	failing error
}

func newFakeCustody() *fakeCustody {
	return &fakeCustody{held: make(map[credit.Identity]uint64)}
}

func (f *fakeCustody) LockCollateral(_ context.Context, owner credit.Identity, amount uint64) error {
	if f.failing != nil {
		return f.failing
	}
	f.held[owner] += amount
	return nil
}

func (f *fakeCustody) ReleaseCollateral(_ context.Context, owner credit.Identity, amount uint64) error {
	if f.failing != nil {
		return f.failing
	}
	if f.held[owner] < amount {
		return errors.New("custody holds less than requested")
	}
	f.held[owner] -= amount
	return nil
}

const alice credit.Identity = "alice"

func newVault(t *testing.T) *credit.Vault {
	t.Helper()
	vault, evt, err := credit.Initialize(nil, "admin")
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if evt.CreditRatio != 50 || evt.Authority != "admin" {
		t.Fatalf("unexpected init event: %+v", evt)
	}
	return vault
}

// ============================================================================
// Test: Initialize
// ============================================================================

func TestInitialize_Defaults(t *testing.T) {
	vault := newVault(t)

	if vault.Authority != "admin" {
		t.Errorf("authority: got %q, want %q", vault.Authority, "admin")
	}
	if vault.TotalDeposited != 0 {
		t.Errorf("total deposited: got %d, want 0", vault.TotalDeposited)
	}
	if vault.CreditRatio != 50 {
		t.Errorf("credit ratio: got %d, want 50", vault.CreditRatio)
	}
}

func TestInitialize_Twice(t *testing.T) {
	vault := newVault(t)

	_, _, err := credit.Initialize(vault, "someone-else")
	if !errors.Is(err, credit.ErrAlreadyInitialized) {
		t.Fatalf("got %v, want ErrAlreadyInitialized", err)
	}
	if vault.Authority != "admin" {
		t.Error("second initialize must not touch the existing vault")
	}
}

// ============================================================================
// Test: Deposit / Withdraw
// ============================================================================

func TestDeposit_ComputesCreditLine(t *testing.T) {
	engine := credit.NewEngine(newFakeCustody())
	vault := newVault(t)
	user := credit.NewUserLedger(alice)

	evt, err := engine.Deposit(context.Background(), vault, user, 1000, alice)
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	if user.DepositedAmount != 1000 || user.CreditLine != 500 {
		t.Errorf("user: got deposited=%d line=%d, want 1000/500", user.DepositedAmount, user.CreditLine)
	}
	if vault.TotalDeposited != 1000 {
		t.Errorf("vault total: got %d, want 1000", vault.TotalDeposited)
	}
	if evt.User != "alice" || evt.Amount != 1000 || evt.TotalDeposited != 1000 || evt.CreditLine != 500 {
		t.Errorf("unexpected event: %+v", evt)
	}
}

func TestDeposit_OddAmountFloors(t *testing.T) {
	engine := credit.NewEngine(newFakeCustody())
	vault := newVault(t)
	user := credit.NewUserLedger(alice)

	if _, err := engine.Deposit(context.Background(), vault, user, 999, alice); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if user.CreditLine != 499 {
		t.Errorf("credit line: got %d, want 499", user.CreditLine)
	}
}

func TestDeposit_LeavesUsedCreditUntouched(t *testing.T) {
	engine := credit.NewEngine(newFakeCustody())
	vault := newVault(t)
	user := credit.NewUserLedger(alice)

	mustDeposit(t, engine, vault, user, 1000)
	if _, err := engine.UseCredit(user, 200, alice); err != nil {
		t.Fatalf("UseCredit: %v", err)
	}
	mustDeposit(t, engine, vault, user, 1000)

	if user.UsedCredit != 200 {
		t.Errorf("used credit: got %d, want 200", user.UsedCredit)
	}
	if user.CreditLine != 1000 {
		t.Errorf("credit line: got %d, want 1000", user.CreditLine)
	}
}

func TestDeposit_RejectsZero(t *testing.T) {
	engine := credit.NewEngine(newFakeCustody())
	vault := newVault(t)
	user := credit.NewUserLedger(alice)

	_, err := engine.Deposit(context.Background(), vault, user, 0, alice)
	if !errors.Is(err, credit.ErrInvalidAmount) {
		t.Fatalf("got %v, want ErrInvalidAmount", err)
	}
}

func TestDeposit_CustodyFailureLeavesStateUnchanged(t *testing.T) {
	custody := newFakeCustody()
	custody.failing = errors.New("transfer rejected")
	engine := credit.NewEngine(custody)
	vault := newVault(t)
	user := credit.NewUserLedger(alice)

	_, err := engine.Deposit(context.Background(), vault, user, 100, alice)
	if !errors.Is(err, credit.ErrCustodyTransferFailed) {
		t.Fatalf("got %v, want ErrCustodyTransferFailed", err)
	}
	if user.DepositedAmount != 0 || user.CreditLine != 0 || vault.TotalDeposited != 0 {
		t.Errorf("state mutated after failed custody transfer: user=%+v vault=%+v", user, vault)
	}
}

func TestDeposit_Overflow(t *testing.T) {
	engine := credit.NewEngine(newFakeCustody())
	vault := newVault(t)
	user := credit.NewUserLedger(alice)
	user.DepositedAmount = stdmath.MaxUint64
	vault.TotalDeposited = stdmath.MaxUint64

	_, err := engine.Deposit(context.Background(), vault, user, 1, alice)
	if !errors.Is(err, credit.ErrArithmeticOverflow) {
		t.Fatalf("got %v, want ErrArithmeticOverflow", err)
	}
	if user.DepositedAmount != stdmath.MaxUint64 {
		t.Error("deposit must not wrap")
	}
}

func TestDeposit_OwnerMismatch(t *testing.T) {
	engine := credit.NewEngine(newFakeCustody())
	vault := newVault(t)
	user := credit.NewUserLedger(alice)

	_, err := engine.Deposit(context.Background(), vault, user, 10, "mallory")
	if !errors.Is(err, credit.ErrOwnerMismatch) {
		t.Fatalf("got %v, want ErrOwnerMismatch", err)
	}
}

func TestWithdraw_RespectsDrawnCredit(t *testing.T) {
	engine := credit.NewEngine(newFakeCustody())
	vault := newVault(t)
	user := credit.NewUserLedger(alice)

	mustDeposit(t, engine, vault, user, 1000)
	if _, err := engine.UseCredit(user, 300, alice); err != nil {
		t.Fatalf("UseCredit: %v", err)
	}

	// available = 1000 - 2*300 = 400
	_, err := engine.Withdraw(context.Background(), vault, user, 401, alice)
	if !errors.Is(err, credit.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}

	evt, err := engine.Withdraw(context.Background(), vault, user, 400, alice)
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if evt.RemainingDeposited != 600 || evt.CreditLine != 300 {
		t.Errorf("unexpected event: %+v", evt)
	}
}

func TestWithdraw_SaturatesWhenDebtExceedsHalfDeposit(t *testing.T) {
	engine := credit.NewEngine(newFakeCustody())
	vault := newVault(t)
	user := &credit.UserLedger{Owner: alice, DepositedAmount: 100, CreditLine: 50, UsedCredit: 80}
	vault.TotalDeposited = 100

	if user.Withdrawable() != 0 {
		t.Errorf("withdrawable: got %d, want 0", user.Withdrawable())
	}
	_, err := engine.Withdraw(context.Background(), vault, user, 1, alice)
	if !errors.Is(err, credit.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}
}

func TestWithdraw_HugeDebtDoesNotWrap(t *testing.T) {
	user := &credit.UserLedger{Owner: alice, DepositedAmount: 10, UsedCredit: stdmath.MaxUint64/2 + 1}
	if user.Withdrawable() != 0 {
		t.Errorf("withdrawable: got %d, want 0", user.Withdrawable())
	}
}

func TestWithdraw_CustodyFailureLeavesStateUnchanged(t *testing.T) {
	custody := newFakeCustody()
	engine := credit.NewEngine(custody)
	vault := newVault(t)
	user := credit.NewUserLedger(alice)
	mustDeposit(t, engine, vault, user, 1000)

	custody.failing = errors.New("custody offline")
	_, err := engine.Withdraw(context.Background(), vault, user, 100, alice)
	if !errors.Is(err, credit.ErrCustodyTransferFailed) {
		t.Fatalf("got %v, want ErrCustodyTransferFailed", err)
	}
	if user.DepositedAmount != 1000 || user.CreditLine != 500 || vault.TotalDeposited != 1000 {
		t.Errorf("state mutated: user=%+v vault=%+v", user, vault)
	}
}

func TestDepositWithdraw_RoundTrip(t *testing.T) {
	engine := credit.NewEngine(newFakeCustody())
	vault := newVault(t)
	user := credit.NewUserLedger(alice)
	mustDeposit(t, engine, vault, user, 333)

	before := *user
	mustDeposit(t, engine, vault, user, 1_000_001)
	if _, err := engine.Withdraw(context.Background(), vault, user, 1_000_001, alice); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}

	if *user != before {
		t.Errorf("round trip: got %+v, want %+v", *user, before)
	}
	if vault.TotalDeposited != 333 {
		t.Errorf("vault total: got %d, want 333", vault.TotalDeposited)
	}
}

// ============================================================================
// Test: UseCredit / RepayCredit
// ============================================================================

func TestUseCredit_RejectedLeavesStateUnchanged(t *testing.T) {
	engine := credit.NewEngine(newFakeCustody())
	vault := newVault(t)
	user := credit.NewUserLedger(alice)
	mustDeposit(t, engine, vault, user, 1000)

	if _, err := engine.UseCredit(user, 400, alice); err != nil {
		t.Fatalf("UseCredit: %v", err)
	}
	_, err := engine.UseCredit(user, 101, alice)
	if !errors.Is(err, credit.ErrInsufficientCredit) {
		t.Fatalf("got %v, want ErrInsufficientCredit", err)
	}
	if user.UsedCredit != 400 {
		t.Errorf("used credit: got %d, want 400", user.UsedCredit)
	}
}

func TestUseCredit_OverdrawnRecordHasNoCredit(t *testing.T) {
	engine := credit.NewEngine(newFakeCustody())
	user := &credit.UserLedger{Owner: alice, CreditLine: 10, UsedCredit: 20}

	_, err := engine.UseCredit(user, 1, alice)
	if !errors.Is(err, credit.ErrInsufficientCredit) {
		t.Fatalf("got %v, want ErrInsufficientCredit", err)
	}
}

func TestRepayCredit_ExceedsDebt(t *testing.T) {
	engine := credit.NewEngine(newFakeCustody())
	user := &credit.UserLedger{Owner: alice, DepositedAmount: 100, CreditLine: 50, UsedCredit: 30}

	_, err := engine.RepayCredit(user, 31, alice)
	if !errors.Is(err, credit.ErrRepaymentExceedsDebt) {
		t.Fatalf("got %v, want ErrRepaymentExceedsDebt", err)
	}
	if user.UsedCredit != 30 {
		t.Errorf("used credit: got %d, want 30", user.UsedCredit)
	}

	evt, err := engine.RepayCredit(user, 30, alice)
	if err != nil {
		t.Fatalf("RepayCredit: %v", err)
	}
	if evt.RemainingDebt != 0 {
		t.Errorf("remaining debt: got %d, want 0", evt.RemainingDebt)
	}
}

// ============================================================================
// Test: Reference scenario
// ============================================================================

func TestScenario_DepositDrawWithdrawRepay(t *testing.T) {
	engine := credit.NewEngine(newFakeCustody())
	vault := newVault(t)
	user := credit.NewUserLedger(alice)
	ctx := context.Background()

	mustDeposit(t, engine, vault, user, 1000)
	if user.DepositedAmount != 1000 || user.CreditLine != 500 {
		t.Fatalf("after deposit: %+v", user)
	}

	used, err := engine.UseCredit(user, 300, alice)
	if err != nil {
		t.Fatalf("UseCredit: %v", err)
	}
	if used.TotalUsed != 300 || used.RemainingCredit != 200 {
		t.Errorf("credit used event: %+v", used)
	}

	if _, err := engine.Withdraw(ctx, vault, user, 500, alice); !errors.Is(err, credit.ErrInsufficientBalance) {
		t.Fatalf("withdraw 500: got %v, want ErrInsufficientBalance", err)
	}

	if _, err := engine.Withdraw(ctx, vault, user, 400, alice); err != nil {
		t.Fatalf("withdraw 400: %v", err)
	}
	if user.DepositedAmount != 600 || user.CreditLine != 300 {
		t.Errorf("after withdraw: %+v", user)
	}

	if _, err := engine.RepayCredit(user, 300, alice); err != nil {
		t.Fatalf("RepayCredit: %v", err)
	}
	if user.UsedCredit != 0 {
		t.Errorf("used credit: got %d, want 0", user.UsedCredit)
	}

	line, err := credit.CreditLineOf(user, alice)
	if err != nil || line != 300 {
		t.Errorf("CreditLineOf: got %d, %v", line, err)
	}
}

// ============================================================================
// Test: Randomized invariants
// ============================================================================

func TestInvariants_RandomOperations(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	engine := credit.NewEngine(newFakeCustody())
	vault := newVault(t)
	ctx := context.Background()

	users := []*credit.UserLedger{
		credit.NewUserLedger("u1"),
		credit.NewUserLedger("u2"),
		credit.NewUserLedger("u3"),
	}

	for i := 0; i < 5000; i++ {
		user := users[rng.Intn(len(users))]
		amount := uint64(rng.Int63n(2000)) + 1

		switch rng.Intn(4) {
		case 0:
			_, _ = engine.Deposit(ctx, vault, user, amount, user.Owner)
		case 1:
			_, _ = engine.Withdraw(ctx, vault, user, amount, user.Owner)
		case 2:
			_, _ = engine.UseCredit(user, amount, user.Owner)
		case 3:
			_, _ = engine.RepayCredit(user, amount, user.Owner)
		}

		var sum uint64
		for _, u := range users {
			sum += u.DepositedAmount
			if u.CreditLine != credit.CalculateCreditLine(u.DepositedAmount, vault.CreditRatio) {
				t.Fatalf("step %d: stale credit line for %s: %+v", i, u.Owner, u)
			}
			if u.UsedCredit > u.CreditLine {
				t.Fatalf("step %d: used credit above credit line for %s: %+v", i, u.Owner, u)
			}
			if u.UsedCredit*2 > u.DepositedAmount {
				t.Fatalf("step %d: collateral reserve violated for %s: %+v", i, u.Owner, u)
			}
		}
		if sum != vault.TotalDeposited {
			t.Fatalf("step %d: vault total %d != sum of deposits %d", i, vault.TotalDeposited, sum)
		}
	}
}

func TestCalculateCreditLine_LargeDeposits(t *testing.T) {
	for _, dep := range []uint64{1 << 62, 1 << 63, 1<<63 + 7, stdmath.MaxUint64} {
		got := credit.CalculateCreditLine(dep, 50)
		if got != dep/2 {
			t.Errorf("CalculateCreditLine(%d): got %d, want %d", dep, got, dep/2)
		}
	}
}

func mustDeposit(t *testing.T, engine *credit.Engine, vault *credit.Vault, user *credit.UserLedger, amount uint64) {
	t.Helper()
	if _, err := engine.Deposit(context.Background(), vault, user, amount, user.Owner); err != nil {
		t.Fatalf("Deposit(%d): %v", amount, err)
	}
}
