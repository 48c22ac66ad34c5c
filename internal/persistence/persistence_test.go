package persistence

import (
	"CreditLedger/internal/core"
	"CreditLedger/internal/custody"
	"CreditLedger/internal/event"
	"CreditLedger/internal/observability"
	"CreditLedger/internal/store"
	"context"
	"errors"
	"regexp"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	insertEvents   = regexp.QuoteMeta(`INSERT INTO event_log.events`)
	insertJournals = regexp.QuoteMeta(`INSERT INTO event_log.journal`)
)

// runLedger applies a short scenario and returns what the ledger emitted.
func runLedger(t *testing.T) []core.CoreOutput {
	t.Helper()
	ctx := context.Background()

	ch := make(chan core.CoreOutput, 16)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := core.NewLedger(store.NewMemoryStore(), custody.NewMemoryCustody(), core.Outputs{Persist: ch},
		core.WithClock(func() time.Time { return clock }))
	require.NoError(t, l.Restore(ctx, nil))

	_, err := l.Initialize(ctx, "admin", "")
	require.NoError(t, err)
	_, err = l.Deposit(ctx, "alice", 1_000, "d-1")
	require.NoError(t, err)
	_, err = l.UseCredit(ctx, "alice", 300, "u-1")
	require.NoError(t, err)
	_, err = l.RepayCredit(ctx, "alice", 100, "")
	require.NoError(t, err)
	_, err = l.Withdraw(ctx, "alice", 200, "w-1")
	require.NoError(t, err)
	close(ch)

	var outs []core.CoreOutput
	for out := range ch {
		outs = append(outs, out)
	}
	require.Len(t, outs, 5)
	return outs
}

func TestRowsFromOutput(t *testing.T) {
	outs := runLedger(t)

	row, journals := RowsFromOutput(outs[1])
	assert.Equal(t, int64(2), row.Sequence)
	assert.Equal(t, "Deposit", row.EventType)
	assert.Equal(t, "d-1", row.IdempotencyKey)
	assert.Equal(t, "alice", row.UserID)
	assert.Len(t, row.StateHash, 32)
	assert.Equal(t, outs[0].Envelope.StateHash[:], row.PrevHash)

	require.Len(t, journals, 1)
	assert.Equal(t, "1000", journals[0].Amount)
	assert.Equal(t, "external:deposits", journals[0].CreditAccount)
	assert.Contains(t, journals[0].DebitAccount, ":collateral")
	assert.Equal(t, int64(2), journals[0].Sequence)

	// initialize moves no funds
	_, journals = RowsFromOutput(outs[0])
	assert.Empty(t, journals)
}

func TestWriteEventBatch_Empty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	w := NewEventLogWriter()
	require.NoError(t, w.WriteEventBatch(context.Background(), db, nil))
	require.NoError(t, w.WriteJournalBatch(context.Background(), db, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteJournalBatch_Args(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := []JournalRow{{
		JournalID:     "j-1",
		BatchID:       "b-1",
		EventRef:      "d-1",
		Sequence:      7,
		DebitAccount:  "user:x:collateral",
		CreditAccount: "external:deposits",
		Amount:        "18446744073709551615",
		JournalType:   0,
		Timestamp:     1_000,
	}}
	mock.ExpectExec(insertJournals).
		WithArgs("j-1", "b-1", "d-1", int64(7), "user:x:collateral", "external:deposits",
			"18446744073709551615", int32(0), int64(1_000)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewEventLogWriter().WriteJournalBatch(context.Background(), db, rows))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistenceWorker_FlushesOnBatchSizeAndClose(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	outs := runLedger(t)

	// Batch of 4, then the remaining envelope when the channel closes.
	mock.ExpectBegin()
	mock.ExpectExec(insertEvents).WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec(insertJournals).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec(insertEvents).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insertJournals).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	in := make(chan core.CoreOutput, len(outs))
	for _, out := range outs {
		in <- out
	}
	close(in)

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	w := NewPersistenceWorker(db, in, 4, time.Hour, metrics, observability.NewNopLogger())
	require.NoError(t, w.Run(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistenceWorker_RetriesFailedFlush(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	outs := runLedger(t)

	mock.ExpectBegin().WillReturnError(errors.New("connection reset"))
	mock.ExpectBegin()
	mock.ExpectExec(insertEvents).WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec(insertEvents).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	in := make(chan core.CoreOutput, 1)
	in <- outs[0]
	close(in)

	w := NewPersistenceWorker(db, in, 10, time.Hour, nil, observability.NewNopLogger())
	w.backoff = time.Millisecond
	require.NoError(t, w.Run(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrator_UpAppliesPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	files := fstest.MapFS{
		"000001_credit.up.sql":      {Data: []byte("CREATE TABLE a (id INT);")},
		"000001_credit.down.sql":    {Data: []byte("DROP TABLE a;")},
		"000002_event_log.up.sql":   {Data: []byte("CREATE TABLE b (id INT);")},
		"000002_event_log.down.sql": {Data: []byte("DROP TABLE b;")},
	}

	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS public.schema_migrations`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT version FROM public.schema_migrations`)).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("000001"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE b (id INT);`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO public.schema_migrations`)).
		WithArgs("000002", "000002_event_log.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	m := NewMigrator(db, files, observability.NewNopLogger())
	n, err := m.Up(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrator_DownRollsBackLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	files := fstest.MapFS{
		"000002_event_log.up.sql":   {Data: []byte("CREATE TABLE b (id INT);")},
		"000002_event_log.down.sql": {Data: []byte("DROP TABLE b;")},
	}

	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS public.schema_migrations`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT version, filename FROM public.schema_migrations`)).
		WillReturnRows(sqlmock.NewRows([]string{"version", "filename"}).AddRow("000002", "000002_event_log.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DROP TABLE b;`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM public.schema_migrations WHERE version = $1`)).
		WithArgs("000002").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rolled, err := NewMigrator(db, files, observability.NewNopLogger()).Down(context.Background())
	require.NoError(t, err)
	assert.True(t, rolled)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrator_Status(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	files := fstest.MapFS{
		"000002_event_log.up.sql":   {Data: []byte("CREATE TABLE b (id INT);")},
		"000002_event_log.down.sql": {Data: []byte("DROP TABLE b;")},
		"000001_credit.up.sql":      {Data: []byte("CREATE TABLE a (id INT);")},
		"000001_credit.down.sql":    {Data: []byte("DROP TABLE a;")},
		"README.md":                 {Data: []byte("not a migration")},
	}

	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS public.schema_migrations`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT version FROM public.schema_migrations`)).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("000001"))

	status, err := NewMigrator(db, files, observability.NewNopLogger()).Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Migration{
		{Version: "000001", Name: "credit", Applied: true},
		{Version: "000002", Name: "event_log", Applied: false},
	}, status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestParseMigration(t *testing.T) {
	mig, ok := parseMigration("000003_projections.up.sql")
	require.True(t, ok)
	assert.Equal(t, Migration{Version: "000003", Name: "projections"}, mig)
	assert.Equal(t, "000003_projections.down.sql", mig.downFile())

	_, ok = parseMigration("noversion.up.sql")
	assert.False(t, ok)
	_, ok = parseMigration("000001_credit.sql")
	assert.False(t, ok)
}

func TestSnapshotManager_LatestChainTip(t *testing.T) {
	query := regexp.QuoteMeta(`SELECT sequence, state_hash FROM event_log.events`)

	t.Run("empty log", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery(query).WillReturnRows(sqlmock.NewRows([]string{"sequence", "state_hash"}))
		tip, err := NewSnapshotManager(db, nil).LatestChainTip(context.Background())
		require.NoError(t, err)
		assert.Nil(t, tip)
	})

	t.Run("tip", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		hash := core.GenesisHash()
		mock.ExpectQuery(query).WillReturnRows(
			sqlmock.NewRows([]string{"sequence", "state_hash"}).AddRow(int64(42), hash[:]))
		tip, err := NewSnapshotManager(db, nil).LatestChainTip(context.Background())
		require.NoError(t, err)
		require.NotNil(t, tip)
		assert.Equal(t, int64(42), tip.Sequence)
		assert.Equal(t, hash, tip.StateHash)
	})

	t.Run("truncated hash", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery(query).WillReturnRows(
			sqlmock.NewRows([]string{"sequence", "state_hash"}).AddRow(int64(1), []byte{1, 2, 3}))
		_, err = NewSnapshotManager(db, nil).LatestChainTip(context.Background())
		assert.Error(t, err)
	})
}

// Envelopes read back from the audit log must still verify, including the
// full replay from genesis.
func TestSnapshotManager_LoadEnvelopesVerifies(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	outs := runLedger(t)
	rows := sqlmock.NewRows([]string{
		"sequence", "event_type", "idempotency_key", "user_id", "payload", "state_hash", "prev_hash", "timestamp",
	})
	for _, out := range outs {
		r, _ := RowsFromOutput(out)
		rows.AddRow(r.Sequence, r.EventType, r.IdempotencyKey, r.UserID, r.Payload, r.StateHash, r.PrevHash, r.Timestamp)
	}
	mock.ExpectQuery(regexp.QuoteMeta(`FROM event_log.events`)).
		WithArgs(int64(1), 100).
		WillReturnRows(rows)

	envs, err := NewSnapshotManager(db, nil).LoadAllEnvelopes(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, envs, 5)
	assert.Equal(t, event.EventTypeCreditRepaid, envs[3].EventType)

	report, err := core.VerifyLog(envs)
	require.NoError(t, err)
	assert.True(t, report.Replayed)
	assert.Equal(t, int64(5), report.LastSequence)
	assert.Equal(t, outs[4].Envelope.StateHash, report.StateHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotManager_SaveSnapshot(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	snap := &core.SnapshotState{Sequence: 9, StateHash: core.GenesisHash(), CreatedAt: created}

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO event_log.snapshots`)).
		WithArgs(int64(9), sqlmock.AnyArg(), sqlmock.AnyArg(), created).
		WillReturnResult(sqlmock.NewResult(0, 1))

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	data, err := NewSnapshotManager(db, metrics).SaveSnapshot(context.Background(), snap)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"sequence":9`)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotManager_LoadLatestSnapshot(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	doc := `{"sequence":3,"state_hash":[` + zeros(32) + `],"users":[{"owner":"alice","deposited_amount":10,"credit_line":5,"used_credit":0}],"created_at":"2026-03-01T00:00:00Z"}`
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT data FROM event_log.snapshots`)).
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow([]byte(doc)))

	snap, err := NewSnapshotManager(db, nil).LoadLatestSnapshot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(3), snap.Sequence)
	require.Len(t, snap.Users, 1)
	assert.Equal(t, uint64(10), snap.Users[0].DepositedAmount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotObjectKey(t *testing.T) {
	assert.Equal(t, "snapshots/00000000000000000042.json", SnapshotObjectKey(42))
	assert.Less(t, SnapshotObjectKey(9), SnapshotObjectKey(10))
}

func zeros(n int) string {
	s := "0"
	for i := 1; i < n; i++ {
		s += ",0"
	}
	return s
}
