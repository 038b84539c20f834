package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/governance"
	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/migrate"
)

var at = time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

func TestCommitWritesChangeSet(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	s := New(db, migrate.Postgres)

	ch := governance.Changes{
		Identities:  []governance.Identity{{ID: "u1", Level: 2, Name: "One", Exists: true}},
		Authorities: []string{"root"},
		Actions: []governance.Action{{
			ID: "a1", Type: governance.ActionWithdraw, TargetID: "u1", ProposerID: "u1",
			Payload:   governance.Payload{Amount: 100},
			CreatedAt: at, ExpiresAt: at.Add(time.Hour),
			Approvals: []governance.Approval{{ApproverID: "x", Level: 3, ApprovedAt: at}},
		}},
		Quotas: []governance.QuotaWindow{{IdentityID: "u1", Period: 7, Withdrawn: 100, Count: 1}},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`insert into identities`).
		WithArgs("u1", 2, "One", "", true).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`insert into authorities`).
		WithArgs("root").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`insert into actions`).
		WithArgs("a1", "WITHDRAW", "u1", "u1", `{"amount":100}`, sqlmock.AnyArg(),
			at.UnixMilli(), at.Add(time.Hour).UnixMilli(), false, nil).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`insert into action_approvals`).
		WithArgs("a1", "x", 0, 3, false, at.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`insert into quota_windows`).
		WithArgs("u1", int64(7), int64(100), 1).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := s.Commit(context.Background(), ch); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCommitRetriesSerializationFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	s := New(db, migrate.Postgres)

	mock.ExpectBegin()
	mock.ExpectExec(`insert into authorities`).WillReturnError(&pgconn.PgError{Code: pgErrSerializationFailure})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec(`insert into authorities`).WithArgs("a").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := s.Commit(context.Background(), governance.Changes{Authorities: []string{"a"}}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCommitGivesUpAfterRetries(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	s := New(db, migrate.Postgres)

	for i := 0; i < commitAttempts; i++ {
		mock.ExpectBegin()
		mock.ExpectExec(`insert into authorities`).WillReturnError(&pgconn.PgError{Code: pgErrDeadlockDetected})
		mock.ExpectRollback()
	}

	err = s.Commit(context.Background(), governance.Changes{Authorities: []string{"a"}})
	if pgErr, ok := maybePgError(err); !ok || pgErr.Code != pgErrDeadlockDetected {
		t.Fatalf("expected deadlock error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRetryableClassification(t *testing.T) {
	cases := map[error]bool{
		&pgconn.PgError{Code: pgErrSerializationFailure}: true,
		&pgconn.PgError{Code: "23505"}:                   false,
		errors.New("boom"):                               false,
	}
	for err, want := range cases {
		if got := retryable(err); got != want {
			t.Fatalf("retryable(%v) = %v, want %v", err, got, want)
		}
	}
}

func TestCommitRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	s := New(db, migrate.Postgres)

	mock.ExpectBegin()
	mock.ExpectExec(`insert into authorities`).WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	if err := s.Commit(context.Background(), governance.Changes{Authorities: []string{"a"}}); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadKeepsNewestQuotaWindow(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	s := New(db, migrate.Postgres)

	mock.ExpectQuery(`select id, level, name, profile_ref, active from identities`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "level", "name", "profile_ref", "active"}).
			AddRow("u1", 2, "One", "", true))
	mock.ExpectQuery(`select identity_id from authorities`).
		WillReturnRows(sqlmock.NewRows([]string{"identity_id"}).AddRow("root"))
	mock.ExpectQuery(`from actions`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "type", "target_id", "proposer_id", "payload", "requirement",
			"created_at", "expires_at", "executed", "executed_at"}).
			AddRow("a1", "WITHDRAW", "u1", "u1", `{"amount":100}`, `{"floor":2,"slots":[{"min":3,"max":3}]}`,
				at.UnixMilli(), at.Add(time.Hour).UnixMilli(), true, at.UnixMilli()))
	mock.ExpectQuery(`from action_approvals`).
		WillReturnRows(sqlmock.NewRows([]string{"action_id", "approver_id", "level", "authority", "approved_at"}).
			AddRow("a1", "x", 3, false, at.UnixMilli()))
	mock.ExpectQuery(`from quota_windows`).
		WillReturnRows(sqlmock.NewRows([]string{"identity_id", "period", "withdrawn", "withdrawals"}).
			AddRow("u1", 8, 50, 1).
			AddRow("u1", 7, 900, 4))

	snap, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Identities) != 1 || snap.Identities[0].Level != 2 || !snap.Identities[0].Exists {
		t.Fatalf("unexpected identities: %+v", snap.Identities)
	}
	if len(snap.Actions) != 1 {
		t.Fatalf("unexpected actions: %+v", snap.Actions)
	}
	a := snap.Actions[0]
	if a.Payload.Amount != 100 || !a.Executed || !a.ExecutedAt.Equal(at) || len(a.Approvals) != 1 {
		t.Fatalf("unexpected action: %+v", a)
	}
	if len(a.Requirement.Slots) != 1 || a.Requirement.Slots[0].Min != 3 {
		t.Fatalf("unexpected requirement: %+v", a.Requirement)
	}
	if len(snap.Quotas) != 1 || snap.Quotas[0].Period != 8 {
		t.Fatalf("expected newest window only: %+v", snap.Quotas)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open("mysql", "x"); err == nil {
		t.Fatal("expected error")
	}
	if _, err := Open(DriverSQLite, " "); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	s, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "gov.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()
	if _, err := s.Migrator().Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	clock := func() time.Time { return at }
	c, err := governance.NewCoordinator(governance.DefaultPolicy(),
		governance.WithStore(s), governance.WithClock(clock), governance.WithBootstrapAuthorities("root"))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.CreateIdentity(ctx, "root", "p2", 2, "Proposer", "ipfs://p2"); err != nil {
		t.Fatal(err)
	}
	if err := c.CreateIdentity(ctx, "root", "a3", 3, "Approver", ""); err != nil {
		t.Fatal(err)
	}
	res, err := c.ProposeAction(ctx, "p2", governance.ActionWithdraw, "p2", governance.Payload{Amount: 700})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.ApproveAction(ctx, "a3", res.ActionID); err != nil {
		t.Fatal(err)
	}
	pending, err := c.ProposeAction(ctx, "p2", governance.ActionRemoveIdentity, "a3", governance.Payload{})
	if err != nil {
		t.Fatal(err)
	}

	restored, err := governance.NewCoordinator(governance.DefaultPolicy(),
		governance.WithStore(s), governance.WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !restored.HasAuthority(ctx, "root") {
		t.Fatal("bootstrap authority not persisted")
	}
	if ident := restored.GetIdentity(ctx, "p2"); ident.ProfileRef != "ipfs://p2" || ident.Level != 2 {
		t.Fatalf("identity not restored: %+v", ident)
	}
	view, err := restored.GetAction(ctx, res.ActionID)
	if err != nil {
		t.Fatal(err)
	}
	if view.Status != governance.StatusExecuted || len(view.Approvals) != 1 {
		t.Fatalf("action not restored: %+v", view)
	}
	if w := restored.QuotaWindow(ctx, "p2"); w.Withdrawn != 700 || w.Count != 1 {
		t.Fatalf("quota not restored: %+v", w)
	}
	if d := restored.GetActionDetails(ctx, pending.ActionID); !d.IsPending {
		t.Fatalf("pending action not restored: %+v", d)
	}
	// Re-proposing after restart still collides.
	_, err = restored.ProposeAction(ctx, "p2", governance.ActionRemoveIdentity, "a3", governance.Payload{})
	if !errors.Is(err, governance.ErrActionAlreadyProposed) {
		t.Fatalf("expected ErrActionAlreadyProposed, got %v", err)
	}
}

func TestTxOptionsByDialect(t *testing.T) {
	pg := New(nil, migrate.Postgres).txOptions()
	if pg == nil || pg.Isolation != sql.LevelSerializable {
		t.Fatalf("postgres commits must be serializable, got %+v", pg)
	}
	if lite := New(nil, migrate.SQLite).txOptions(); lite != nil {
		t.Fatalf("sqlite commits use the default transaction, got %+v", lite)
	}
}

func TestSQLiteRestartKeepsActionDeadline(t *testing.T) {
	s, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "gov.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()
	if _, err := s.Migrator().Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	clock := func() time.Time { return at.Add(1234567 * time.Nanosecond) }
	c, err := governance.NewCoordinator(governance.DefaultPolicy(),
		governance.WithStore(s), governance.WithClock(clock), governance.WithBootstrapAuthorities("root"))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.CreateIdentity(ctx, "root", "p2", 2, "", ""); err != nil {
		t.Fatal(err)
	}
	res, err := c.ProposeAction(ctx, "p2", governance.ActionRemoveIdentity, "p2", governance.Payload{})
	if err != nil {
		t.Fatal(err)
	}
	before, err := c.GetAction(ctx, res.ActionID)
	if err != nil {
		t.Fatal(err)
	}

	restored, err := governance.NewCoordinator(governance.DefaultPolicy(), governance.WithStore(s), governance.WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}
	if err := restored.Load(ctx); err != nil {
		t.Fatal(err)
	}
	after, err := restored.GetAction(ctx, res.ActionID)
	if err != nil {
		t.Fatal(err)
	}
	if !after.CreatedAt.Equal(before.CreatedAt) || !after.ExpiresAt.Equal(before.ExpiresAt) {
		t.Fatalf("deadline moved across restart: %s/%s -> %s/%s", before.CreatedAt, before.ExpiresAt, after.CreatedAt, after.ExpiresAt)
	}
}
