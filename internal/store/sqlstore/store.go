// Package sqlstore persists governance tables in Postgres (pgx) or SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/governance"
	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/migrate"
)

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the embedded schema migrations.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

type Store struct {
	db      *sql.DB
	dialect migrate.Dialect
}

var _ governance.Store = (*Store)(nil)

// Open connects to driver ("pgx" or "sqlite") at dsn.
func Open(driver, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("database dsn is required")
	}
	var dialect migrate.Dialect
	switch driver {
	case DriverPostgres:
		dialect = migrate.Postgres
	case DriverSQLite:
		dialect = migrate.SQLite
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if dialect == migrate.SQLite {
		// One writer; also keeps :memory: databases on a single connection.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(15 * time.Minute)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}
	return New(db, dialect), nil
}

// New wraps an existing handle.
func New(db *sql.DB, dialect migrate.Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Migrator returns a migration manager for the embedded schema.
func (s *Store) Migrator(opts ...migrate.Option) *migrate.Manager {
	opts = append([]migrate.Option{migrate.WithDialect(s.dialect)}, opts...)
	return migrate.NewManager(s.db, Migrations(), opts...)
}

func (s *Store) q(query string) string { return s.dialect.Rebind(query) }

// txOptions runs Postgres commits serializable so concurrent writers surface
// as 40001 and are replayed. SQLite transactions are already serialized.
func (s *Store) txOptions() *sql.TxOptions {
	if s.dialect == migrate.Postgres {
		return &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	return nil
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

// Load reads the full governance state. Only the newest quota window per
// identity is returned.
func (s *Store) Load(ctx context.Context) (governance.Snapshot, error) {
	var snap governance.Snapshot
	var err error
	if snap.Identities, err = s.loadIdentities(ctx); err != nil {
		return governance.Snapshot{}, fmt.Errorf("load identities: %w", err)
	}
	if snap.Authorities, err = s.loadAuthorities(ctx); err != nil {
		return governance.Snapshot{}, fmt.Errorf("load authorities: %w", err)
	}
	if snap.Actions, err = s.loadActions(ctx); err != nil {
		return governance.Snapshot{}, fmt.Errorf("load actions: %w", err)
	}
	if snap.Quotas, err = s.loadQuotas(ctx); err != nil {
		return governance.Snapshot{}, fmt.Errorf("load quota windows: %w", err)
	}
	return snap, nil
}

func (s *Store) loadIdentities(ctx context.Context) ([]governance.Identity, error) {
	rows, err := s.db.QueryContext(ctx, `select id, level, name, profile_ref, active from identities order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []governance.Identity
	for rows.Next() {
		var ident governance.Identity
		if err := rows.Scan(&ident.ID, &ident.Level, &ident.Name, &ident.ProfileRef, &ident.Exists); err != nil {
			return nil, err
		}
		out = append(out, ident)
	}
	return out, rows.Err()
}

func (s *Store) loadAuthorities(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `select identity_id from authorities order by identity_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) loadActions(ctx context.Context) ([]governance.Action, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, type, target_id, proposer_id, payload, requirement,
		       created_at, expires_at, executed, executed_at
		from actions order by created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []governance.Action
	index := make(map[string]int)
	for rows.Next() {
		var (
			a                    governance.Action
			payload, requirement string
			created, expires     int64
			executedAt           sql.NullInt64
		)
		if err := rows.Scan(&a.ID, &a.Type, &a.TargetID, &a.ProposerID, &payload, &requirement,
			&created, &expires, &a.Executed, &executedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &a.Payload); err != nil {
			return nil, fmt.Errorf("action %s payload: %w", a.ID, err)
		}
		if err := json.Unmarshal([]byte(requirement), &a.Requirement); err != nil {
			return nil, fmt.Errorf("action %s requirement: %w", a.ID, err)
		}
		a.CreatedAt = fromMillis(created)
		a.ExpiresAt = fromMillis(expires)
		if executedAt.Valid {
			a.ExecutedAt = fromMillis(executedAt.Int64)
		}
		index[a.ID] = len(out)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	aprows, err := s.db.QueryContext(ctx, `
		select action_id, approver_id, level, authority, approved_at
		from action_approvals order by action_id, seq`)
	if err != nil {
		return nil, err
	}
	defer aprows.Close()
	for aprows.Next() {
		var (
			actionID string
			ap       governance.Approval
			at       int64
		)
		if err := aprows.Scan(&actionID, &ap.ApproverID, &ap.Level, &ap.Authority, &at); err != nil {
			return nil, err
		}
		i, ok := index[actionID]
		if !ok {
			return nil, fmt.Errorf("approval for unknown action %s", actionID)
		}
		ap.ApprovedAt = fromMillis(at)
		out[i].Approvals = append(out[i].Approvals, ap)
	}
	return out, aprows.Err()
}

func (s *Store) loadQuotas(ctx context.Context) ([]governance.QuotaWindow, error) {
	rows, err := s.db.QueryContext(ctx, `
		select identity_id, period, withdrawn, withdrawals
		from quota_windows order by identity_id, period desc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []governance.QuotaWindow
	for rows.Next() {
		var w governance.QuotaWindow
		if err := rows.Scan(&w.IdentityID, &w.Period, &w.Withdrawn, &w.Count); err != nil {
			return nil, err
		}
		if n := len(out); n > 0 && out[n-1].IdentityID == w.IdentityID {
			continue
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Commit writes one change set in a single transaction, replaying it when
// the database reports a serialization conflict or a busy lock.
func (s *Store) Commit(ctx context.Context, ch governance.Changes) error {
	var err error
	for attempt := 0; attempt < commitAttempts; attempt++ {
		if err = s.commitOnce(ctx, ch); err == nil || !retryable(err) {
			return err
		}
	}
	return err
}

func (s *Store) commitOnce(ctx context.Context, ch governance.Changes) error {
	tx, err := s.db.BeginTx(ctx, s.txOptions())
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, ident := range ch.Identities {
		if _, err := tx.ExecContext(ctx, s.q(`
			insert into identities(id, level, name, profile_ref, active)
			values ($1, $2, $3, $4, $5)
			on conflict (id) do update
			set level = excluded.level, name = excluded.name,
			    profile_ref = excluded.profile_ref, active = excluded.active
		`), ident.ID, int(ident.Level), ident.Name, ident.ProfileRef, ident.Exists); err != nil {
			return fmt.Errorf("write identity %s: %w", ident.ID, err)
		}
	}
	for _, id := range ch.Authorities {
		if _, err := tx.ExecContext(ctx, s.q(`
			insert into authorities(identity_id) values ($1)
			on conflict (identity_id) do nothing
		`), id); err != nil {
			return fmt.Errorf("write authority %s: %w", id, err)
		}
	}
	for _, a := range ch.Actions {
		if err := s.writeAction(ctx, tx, a); err != nil {
			return fmt.Errorf("write action %s: %w", a.ID, err)
		}
	}
	for _, w := range ch.Quotas {
		if _, err := tx.ExecContext(ctx, s.q(`
			insert into quota_windows(identity_id, period, withdrawn, withdrawals)
			values ($1, $2, $3, $4)
			on conflict (identity_id, period) do update
			set withdrawn = excluded.withdrawn, withdrawals = excluded.withdrawals
		`), w.IdentityID, w.Period, w.Withdrawn, w.Count); err != nil {
			return fmt.Errorf("write quota window %s/%d: %w", w.IdentityID, w.Period, err)
		}
	}
	return tx.Commit()
}

func (s *Store) writeAction(ctx context.Context, tx *sql.Tx, a governance.Action) error {
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return err
	}
	requirement, err := json.Marshal(a.Requirement)
	if err != nil {
		return err
	}
	var executedAt sql.NullInt64
	if !a.ExecutedAt.IsZero() {
		executedAt = sql.NullInt64{Int64: toMillis(a.ExecutedAt), Valid: true}
	}
	if _, err := tx.ExecContext(ctx, s.q(`
		insert into actions(id, type, target_id, proposer_id, payload, requirement,
		                    created_at, expires_at, executed, executed_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		on conflict (id) do update
		set executed = excluded.executed, executed_at = excluded.executed_at
	`), a.ID, string(a.Type), a.TargetID, a.ProposerID, string(payload), string(requirement),
		toMillis(a.CreatedAt), toMillis(a.ExpiresAt), a.Executed, executedAt); err != nil {
		return err
	}
	for i, ap := range a.Approvals {
		if _, err := tx.ExecContext(ctx, s.q(`
			insert into action_approvals(action_id, approver_id, seq, level, authority, approved_at)
			values ($1, $2, $3, $4, $5, $6)
			on conflict (action_id, approver_id) do nothing
		`), a.ID, ap.ApproverID, i, int(ap.Level), ap.Authority, toMillis(ap.ApprovedAt)); err != nil {
			return fmt.Errorf("approval by %s: %w", ap.ApproverID, err)
		}
	}
	return nil
}
