package core_test

import (
	"CreditLedger/internal/core"
	"CreditLedger/internal/credit"
	"CreditLedger/internal/event"
	"CreditLedger/internal/ledger"
	"CreditLedger/internal/store"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// --- Test helpers ---

type fakeCustody struct {
	mu      sync.Mutex
	held    map[credit.Identity]uint64
	failing error
	locks   int
	unlocks int
}

func newFakeCustody() *fakeCustody {
	return &fakeCustody{held: make(map[credit.Identity]uint64)}
}

func (f *fakeCustody) LockCollateral(_ context.Context, owner credit.Identity, amount uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing != nil {
		return f.failing
	}
	f.held[owner] += amount
	f.locks++
	return nil
}

func (f *fakeCustody) ReleaseCollateral(_ context.Context, owner credit.Identity, amount uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing != nil {
		return f.failing
	}
	if f.held[owner] < amount {
		return errors.New("custody holds less than requested")
	}
	f.held[owner] -= amount
	f.unlocks++
	return nil
}

func (f *fakeCustody) heldBy(owner credit.Identity) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.held[owner]
}

// failingStore fails Commit while failCommit is set.
type failingStore struct {
	store.Store
	mu         sync.Mutex
	failCommit bool
}

func (s *failingStore) Commit(ctx context.Context, m store.Mutation) error {
	s.mu.Lock()
	fail := s.failCommit
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.Store.Commit(ctx, m)
}

func (s *failingStore) setFailing(v bool) {
	s.mu.Lock()
	s.failCommit = v
	s.mu.Unlock()
}

type testLedger struct {
	*core.Ledger
	store   store.Store
	custody *fakeCustody
	persist chan core.CoreOutput
}

const (
	admin credit.Identity = "admin"
	alice credit.Identity = "alice"
	bob   credit.Identity = "bob"
)

func fixedClock() time.Time {
	return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
}

func newTestLedger(t *testing.T, st store.Store) *testLedger {
	t.Helper()
	if st == nil {
		st = store.NewMemoryStore()
	}
	custody := newFakeCustody()
	persist := make(chan core.CoreOutput, 4096)

	l := core.NewLedger(st, custody, core.Outputs{Persist: persist}, core.WithClock(fixedClock))
	if err := l.Restore(context.Background(), nil); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	return &testLedger{Ledger: l, store: st, custody: custody, persist: persist}
}

func newInitializedLedger(t *testing.T) *testLedger {
	t.Helper()
	tl := newTestLedger(t, nil)
	if _, err := tl.Initialize(context.Background(), admin, ""); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return tl
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func envelopesOf(outputs []core.CoreOutput) []*event.EventEnvelope {
	envs := make([]*event.EventEnvelope, len(outputs))
	for i, o := range outputs {
		envs[i] = o.Envelope
	}
	return envs
}

// ============================================================================
// Test: Initialize
// ============================================================================

func TestInitialize_EmitsGenesisLinkedEnvelope(t *testing.T) {
	tl := newTestLedger(t, nil)

	res, err := tl.Initialize(context.Background(), admin, "init-1")
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if res.Vault.CreditRatio != credit.DefaultCreditRatio || res.Vault.Authority != admin {
		t.Errorf("unexpected vault: %+v", res.Vault)
	}

	outputs := drainOutputs(tl.persist)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	env := outputs[0].Envelope
	if env.Sequence != 1 {
		t.Errorf("sequence: got %d, want 1", env.Sequence)
	}
	if env.PrevHash != core.GenesisHash() {
		t.Error("first envelope must link to genesis")
	}
	if env.EventType != event.EventTypeVaultInitialized {
		t.Errorf("event type: got %s", env.EventType)
	}
	if len(outputs[0].Batch.Journals) != 0 {
		t.Errorf("initialize should not move funds, got %d journals", len(outputs[0].Batch.Journals))
	}
}

func TestInitialize_Twice(t *testing.T) {
	tl := newInitializedLedger(t)

	if _, err := tl.Initialize(context.Background(), "mallory", ""); !errors.Is(err, credit.ErrAlreadyInitialized) {
		t.Fatalf("got %v, want ErrAlreadyInitialized", err)
	}

	v, err := tl.Vault(context.Background())
	if err != nil {
		t.Fatalf("Vault: %v", err)
	}
	if v.Authority != admin {
		t.Errorf("authority changed to %s", v.Authority)
	}
}

func TestDeposit_BeforeInitialize(t *testing.T) {
	tl := newTestLedger(t, nil)

	if _, err := tl.Deposit(context.Background(), alice, 100, ""); !errors.Is(err, core.ErrVaultNotInitialized) {
		t.Fatalf("got %v, want ErrVaultNotInitialized", err)
	}
}

// ============================================================================
// Test: Scenario
// ============================================================================

func TestScenario_ThroughStore(t *testing.T) {
	tl := newInitializedLedger(t)
	ctx := context.Background()

	res, err := tl.Deposit(ctx, alice, 1000, "")
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if res.User.CreditLine != 500 || res.Vault.TotalDeposited != 1000 {
		t.Fatalf("after deposit: user=%+v vault=%+v", res.User, res.Vault)
	}

	if _, err := tl.UseCredit(ctx, alice, 300, ""); err != nil {
		t.Fatalf("UseCredit: %v", err)
	}

	if _, err := tl.Withdraw(ctx, alice, 500, ""); !errors.Is(err, credit.ErrInsufficientBalance) {
		t.Fatalf("withdraw 500: got %v, want ErrInsufficientBalance", err)
	}

	if _, err := tl.Withdraw(ctx, alice, 400, ""); err != nil {
		t.Fatalf("withdraw 400: %v", err)
	}
	if _, err := tl.RepayCredit(ctx, alice, 300, ""); err != nil {
		t.Fatalf("RepayCredit: %v", err)
	}

	pos, err := tl.Position(ctx, alice)
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	want := &credit.UserLedger{Owner: alice, DepositedAmount: 600, CreditLine: 300, UsedCredit: 0}
	if *pos != *want {
		t.Errorf("position: got %+v, want %+v", pos, want)
	}

	line, err := tl.CreditLine(ctx, alice)
	if err != nil || line != 300 {
		t.Errorf("CreditLine: got %d, %v", line, err)
	}
	if got := tl.custody.heldBy(alice); got != 600 {
		t.Errorf("custody holds %d, want 600", got)
	}

	outputs := drainOutputs(tl.persist)
	// initialize, deposit, use, withdraw, repay; the rejected withdraw emits nothing
	if len(outputs) != 5 {
		t.Fatalf("expected 5 outputs, got %d", len(outputs))
	}
	for i, o := range outputs {
		if o.Envelope.Sequence != int64(i+1) {
			t.Errorf("output %d: sequence %d", i, o.Envelope.Sequence)
		}
	}

	report, err := core.VerifyLog(envelopesOf(outputs))
	if err != nil {
		t.Fatalf("VerifyLog: %v", err)
	}
	if !report.Replayed || report.LastSequence != 5 {
		t.Errorf("unexpected report: %+v", report)
	}

	if _, err := tl.Verify(ctx); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestDeposit_EmitsBalancedJournal(t *testing.T) {
	tl := newInitializedLedger(t)
	drainOutputs(tl.persist)

	if _, err := tl.Deposit(context.Background(), alice, 250, "dep-1"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	outputs := drainOutputs(tl.persist)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	o := outputs[0]
	if o.Envelope.IdempotencyKey != "dep-1" || o.Envelope.User != string(alice) {
		t.Errorf("envelope: %+v", o.Envelope)
	}
	if len(o.Batch.Journals) != 1 {
		t.Fatalf("expected 1 journal, got %d", len(o.Batch.Journals))
	}
	j := o.Batch.Journals[0]
	if j.JournalType != ledger.JournalTypeDeposit || j.Amount != 250 {
		t.Errorf("journal: %+v", j)
	}
	if j.DebitAccount != ledger.UserCollateral(string(alice)) {
		t.Errorf("debit account: %s", j.DebitAccount.AccountPath())
	}
	if !o.Envelope.Timestamp.Equal(fixedClock()) {
		t.Errorf("timestamp: %v", o.Envelope.Timestamp)
	}
}

// ============================================================================
// Test: Idempotency
// ============================================================================

func TestIdempotency_DuplicateKeyRejected(t *testing.T) {
	tl := newInitializedLedger(t)
	ctx := context.Background()

	if _, err := tl.Deposit(ctx, alice, 100, "k1"); err != nil {
		t.Fatalf("first deposit: %v", err)
	}
	if _, err := tl.Deposit(ctx, alice, 100, "k1"); !errors.Is(err, core.ErrDuplicateCommand) {
		t.Fatalf("replay: got %v, want ErrDuplicateCommand", err)
	}

	pos, _ := tl.Position(ctx, alice)
	if pos.DepositedAmount != 100 {
		t.Errorf("replay applied twice: deposited=%d", pos.DepositedAmount)
	}
}

func TestIdempotency_ScopedPerCallerAndOperation(t *testing.T) {
	tl := newInitializedLedger(t)
	ctx := context.Background()

	if _, err := tl.Deposit(ctx, alice, 100, "k1"); err != nil {
		t.Fatalf("alice deposit: %v", err)
	}
	if _, err := tl.Deposit(ctx, bob, 100, "k1"); err != nil {
		t.Fatalf("bob deposit with same key: %v", err)
	}
	if _, err := tl.UseCredit(ctx, alice, 10, "k1"); err != nil {
		t.Fatalf("use credit with same key: %v", err)
	}
}

func TestIdempotency_SurvivesRestartThroughStore(t *testing.T) {
	st := store.NewMemoryStore()
	first := newTestLedger(t, st)
	ctx := context.Background()

	if _, err := first.Initialize(ctx, admin, ""); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := first.Deposit(ctx, alice, 100, "k1"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	// A new ledger has a cold LRU; the store still knows the key.
	second := newTestLedger(t, st)
	if _, err := second.Deposit(ctx, alice, 100, "k1"); !errors.Is(err, core.ErrDuplicateCommand) {
		t.Fatalf("got %v, want ErrDuplicateCommand", err)
	}
}

func TestIdempotency_InitializeKeyStoredWithVault(t *testing.T) {
	st := store.NewMemoryStore()
	first := newTestLedger(t, st)
	ctx := context.Background()

	if _, err := first.Initialize(ctx, admin, "init-1"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	applied, err := st.IsApplied(ctx, string(core.OpInitialize), "admin/init-1")
	if err != nil || !applied {
		t.Fatalf("IsApplied = %v, %v; want true", applied, err)
	}

	// A retry after restart is recognised as the same command.
	second := newTestLedger(t, st)
	if _, err := second.Initialize(ctx, admin, "init-1"); !errors.Is(err, core.ErrDuplicateCommand) {
		t.Fatalf("got %v, want ErrDuplicateCommand", err)
	}
}

func TestIdempotency_RejectedCommandCanBeRetried(t *testing.T) {
	tl := newInitializedLedger(t)
	ctx := context.Background()

	if _, err := tl.Deposit(ctx, alice, 100, ""); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := tl.UseCredit(ctx, alice, 80, "draw-1"); !errors.Is(err, credit.ErrInsufficientCredit) {
		t.Fatalf("got %v, want ErrInsufficientCredit", err)
	}
	if _, err := tl.Deposit(ctx, alice, 100, ""); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := tl.UseCredit(ctx, alice, 80, "draw-1"); err != nil {
		t.Fatalf("retry after rejection: %v", err)
	}
}

// ============================================================================
// Test: Failure atomicity
// ============================================================================

func TestCustodyFailure_NoMutationNoEvent(t *testing.T) {
	tl := newInitializedLedger(t)
	ctx := context.Background()
	drainOutputs(tl.persist)

	tl.custody.failing = errors.New("token program unavailable")
	if _, err := tl.Deposit(ctx, alice, 100, ""); !errors.Is(err, credit.ErrCustodyTransferFailed) {
		t.Fatalf("got %v, want ErrCustodyTransferFailed", err)
	}

	if _, err := tl.Position(ctx, alice); !errors.Is(err, store.ErrUserNotFound) {
		t.Errorf("user record created despite failure: %v", err)
	}
	v, _ := tl.Vault(ctx)
	if v.TotalDeposited != 0 {
		t.Errorf("vault total changed: %d", v.TotalDeposited)
	}
	if n := len(drainOutputs(tl.persist)); n != 0 {
		t.Errorf("expected no outputs, got %d", n)
	}
	if tl.Sequence() != 1 {
		t.Errorf("sequence advanced to %d", tl.Sequence())
	}
}

func TestCommitFailure_CompensatesCustody(t *testing.T) {
	fs := &failingStore{Store: store.NewMemoryStore()}
	tl := newTestLedger(t, fs)
	ctx := context.Background()

	if _, err := tl.Initialize(ctx, admin, ""); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := tl.Deposit(ctx, alice, 1000, ""); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	drainOutputs(tl.persist)

	fs.setFailing(true)
	if _, err := tl.Deposit(ctx, alice, 500, ""); err == nil {
		t.Fatal("expected commit error")
	}
	if got := tl.custody.heldBy(alice); got != 1000 {
		t.Errorf("deposit not compensated: custody holds %d", got)
	}

	if _, err := tl.Withdraw(ctx, alice, 300, ""); err == nil {
		t.Fatal("expected commit error")
	}
	if got := tl.custody.heldBy(alice); got != 1000 {
		t.Errorf("withdraw not compensated: custody holds %d", got)
	}

	fs.setFailing(false)
	if n := len(drainOutputs(tl.persist)); n != 0 {
		t.Errorf("failed commits emitted %d outputs", n)
	}
	if _, err := tl.Verify(ctx); err != nil {
		t.Fatalf("Verify after failed commits: %v", err)
	}
}

func TestCommand_Validation(t *testing.T) {
	tl := newInitializedLedger(t)
	ctx := context.Background()

	if _, err := tl.Execute(ctx, core.Command{Op: "transfer", Caller: alice, Amount: 1}); !errors.Is(err, core.ErrUnknownOperation) {
		t.Errorf("unknown op: got %v", err)
	}
	if _, err := tl.Execute(ctx, core.Command{Op: core.OpDeposit, Amount: 1}); !errors.Is(err, core.ErrMissingCaller) {
		t.Errorf("missing caller: got %v", err)
	}
	if _, err := tl.Deposit(ctx, alice, 0, ""); !errors.Is(err, credit.ErrInvalidAmount) {
		t.Errorf("zero amount: got %v", err)
	}
	if _, err := tl.UseCredit(ctx, bob, 1, ""); !errors.Is(err, store.ErrUserNotFound) {
		t.Errorf("unknown user: got %v", err)
	}
}

func TestIsRejection(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{credit.ErrInsufficientCredit, true},
		{fmt.Errorf("wrapped: %w", core.ErrDuplicateCommand), true},
		{store.ErrUserNotFound, true},
		{fmt.Errorf("%w: boom", credit.ErrCustodyTransferFailed), false},
		{errors.New("connection refused"), false},
	}
	for _, c := range cases {
		if got := core.IsRejection(c.err); got != c.want {
			t.Errorf("IsRejection(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

// ============================================================================
// Test: Concurrency
// ============================================================================

func TestConcurrentOperations_KeepInvariants(t *testing.T) {
	tl := newInitializedLedger(t)
	ctx := context.Background()

	const (
		users  = 8
		rounds = 50
	)

	var wg sync.WaitGroup
	for u := 0; u < users; u++ {
		wg.Add(1)
		go func(id credit.Identity) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				if _, err := tl.Deposit(ctx, id, 100, ""); err != nil {
					t.Errorf("%s deposit: %v", id, err)
					return
				}
				if _, err := tl.UseCredit(ctx, id, 30, ""); err != nil {
					t.Errorf("%s use: %v", id, err)
					return
				}
				if _, err := tl.Withdraw(ctx, id, 40, ""); err != nil {
					t.Errorf("%s withdraw: %v", id, err)
					return
				}
				if _, err := tl.RepayCredit(ctx, id, 30, ""); err != nil {
					t.Errorf("%s repay: %v", id, err)
					return
				}
			}
		}(credit.Identity(fmt.Sprintf("user-%d", u)))
	}
	wg.Wait()

	report, err := tl.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if report.Users != users {
		t.Errorf("users: got %d, want %d", report.Users, users)
	}
	if want := uint64(users * rounds * 60); report.TotalDeposited != want {
		t.Errorf("total deposited: got %d, want %d", report.TotalDeposited, want)
	}

	outputs := drainOutputs(tl.persist)
	if want := 1 + users*rounds*4; len(outputs) != want {
		t.Fatalf("outputs: got %d, want %d", len(outputs), want)
	}
	if _, err := core.VerifyLog(envelopesOf(outputs)); err != nil {
		t.Fatalf("VerifyLog: %v", err)
	}
}

// ============================================================================
// Test: Recovery
// ============================================================================

func TestRestore_ContinuesChain(t *testing.T) {
	st := store.NewMemoryStore()
	first := newTestLedger(t, st)
	ctx := context.Background()

	if _, err := first.Initialize(ctx, admin, ""); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := first.Deposit(ctx, alice, 1000, ""); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := first.UseCredit(ctx, alice, 200, ""); err != nil {
		t.Fatalf("UseCredit: %v", err)
	}
	log := drainOutputs(first.persist)
	tip := &core.ChainTip{Sequence: first.Sequence(), StateHash: first.StateHash()}

	second := core.NewLedger(st, first.custody, core.Outputs{Persist: first.persist}, core.WithClock(fixedClock))
	if err := second.Restore(ctx, tip); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if second.Sequence() != 3 || second.StateHash() != tip.StateHash {
		t.Fatalf("restored tip: seq=%d", second.Sequence())
	}
	if _, err := second.RepayCredit(ctx, alice, 200, ""); err != nil {
		t.Fatalf("RepayCredit after restore: %v", err)
	}

	log = append(log, drainOutputs(first.persist)...)
	report, err := core.VerifyLog(envelopesOf(log))
	if err != nil {
		t.Fatalf("VerifyLog across restart: %v", err)
	}
	if report.LastSequence != 4 {
		t.Errorf("last sequence: %d", report.LastSequence)
	}
}

func TestRestore_ChainSurvivesWithdrawal(t *testing.T) {
	st := store.NewMemoryStore()
	first := newTestLedger(t, st)
	ctx := context.Background()

	if _, err := first.Initialize(ctx, admin, ""); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := first.Deposit(ctx, alice, 1000, ""); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := first.Withdraw(ctx, alice, 400, ""); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	log := drainOutputs(first.persist)
	tip := &core.ChainTip{Sequence: first.Sequence(), StateHash: first.StateHash()}

	second := core.NewLedger(st, first.custody, core.Outputs{Persist: first.persist}, core.WithClock(fixedClock))
	if err := second.Restore(ctx, tip); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if _, err := second.Deposit(ctx, alice, 100, ""); err != nil {
		t.Fatalf("Deposit after restore: %v", err)
	}
	if _, err := second.Withdraw(ctx, alice, 50, ""); err != nil {
		t.Fatalf("Withdraw after restore: %v", err)
	}

	log = append(log, drainOutputs(first.persist)...)
	report, err := core.VerifyLog(envelopesOf(log))
	if err != nil {
		t.Fatalf("VerifyLog across restart: %v", err)
	}
	if report.LastSequence != 5 || report.StateHash != second.StateHash() {
		t.Errorf("report: last=%d hash match=%t", report.LastSequence, report.StateHash == second.StateHash())
	}
}

func TestRestore_RejectsInconsistentRecords(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	if err := st.CreateVault(ctx, store.Mutation{Vault: &credit.Vault{Authority: admin, TotalDeposited: 999, CreditRatio: 50}}); err != nil {
		t.Fatal(err)
	}
	if err := st.Commit(ctx, store.Mutation{User: &credit.UserLedger{Owner: alice, DepositedAmount: 100, CreditLine: 50}}); err != nil {
		t.Fatal(err)
	}

	l := core.NewLedger(st, newFakeCustody(), core.Outputs{})
	if err := l.Restore(ctx, nil); err == nil {
		t.Fatal("expected error for vault total drift")
	}
}

func TestCreateSnapshotState(t *testing.T) {
	tl := newInitializedLedger(t)
	ctx := context.Background()

	if _, err := tl.Deposit(ctx, alice, 400, "k1"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	snap, err := tl.CreateSnapshotState(ctx)
	if err != nil {
		t.Fatalf("CreateSnapshotState: %v", err)
	}
	if snap.Sequence != 2 || snap.StateHash != tl.StateHash() {
		t.Errorf("snapshot tip: seq=%d", snap.Sequence)
	}
	if snap.Vault == nil || snap.Vault.TotalDeposited != 400 {
		t.Errorf("snapshot vault: %+v", snap.Vault)
	}
	if len(snap.Users) != 1 || snap.Users[0].Owner != alice {
		t.Errorf("snapshot users: %+v", snap.Users)
	}
	if len(snap.IdempotencyKeys) != 1 {
		t.Errorf("snapshot keys: %v", snap.IdempotencyKeys)
	}
}

// gatedCustody blocks LockCollateral until release is closed.
type gatedCustody struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedCustody) LockCollateral(ctx context.Context, _ credit.Identity, _ uint64) error {
	close(g.entered)
	<-g.release
	return nil
}

func (g *gatedCustody) ReleaseCollateral(context.Context, credit.Identity, uint64) error {
	return nil
}

func TestClose_WaitsForCommandInFlight(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	persist := make(chan core.CoreOutput, 8)
	gate := &gatedCustody{entered: make(chan struct{}), release: make(chan struct{})}

	l := core.NewLedger(st, gate, core.Outputs{Persist: persist}, core.WithClock(fixedClock))
	if err := l.Restore(ctx, nil); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if _, err := l.Initialize(ctx, admin, ""); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	depositErr := make(chan error, 1)
	go func() {
		_, err := l.Deposit(ctx, alice, 100, "")
		depositErr <- err
	}()
	<-gate.entered

	closed := make(chan struct{})
	go func() {
		l.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a deposit was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate.release)
	if err := <-depositErr; err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	<-closed

	// Both envelopes were handed over before Close returned.
	close(persist)
	var n int
	for range persist {
		n++
	}
	if n != 2 {
		t.Errorf("persisted outputs: got %d, want 2", n)
	}

	if _, err := l.Deposit(ctx, alice, 100, ""); !errors.Is(err, core.ErrLedgerClosed) {
		t.Errorf("deposit after Close: got %v", err)
	}
	if _, err := l.Position(ctx, alice); err != nil {
		t.Errorf("reads must keep working after Close: %v", err)
	}
}
