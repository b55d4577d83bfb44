package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert hits a unique key.
	ErrDuplicate = errors.New("duplicate")
	// ErrStaleState is returned when a compare-and-swap update matched no row.
	ErrStaleState = errors.New("stale state")
	// ErrInvalidTransition is returned for a status change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Tx is the set of reads and writes available inside one unit of work.
type Tx interface {
	LockEnrollment(ctx context.Context, id string) (Enrollment, error)
	UpdateEnrollmentTotals(ctx context.Context, e Enrollment) error

	GetEntry(ctx context.Context, id string) (ScheduleEntry, error)
	LockEntry(ctx context.Context, id string) (ScheduleEntry, error)
	FindEntryByInvoice(ctx context.Context, invoiceRef string) (ScheduleEntry, error)
	TransitionEntry(ctx context.Context, id, from, to string, upd EntryUpdate) error

	InsertPayment(ctx context.Context, p PaymentRecord) error
	LockPayment(ctx context.Context, chargeRef, enrollmentID string) (PaymentRecord, error)
	UpdatePayment(ctx context.Context, p PaymentRecord) error

	LockDispute(ctx context.Context, disputeRef string) (Dispute, error)
	InsertDispute(ctx context.Context, d Dispute) error
	UpdateDispute(ctx context.Context, d Dispute) error

	InsertIssue(ctx context.Context, is Issue) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q    execer
	bind int
}

func (r *queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return r.q.ExecContext(ctx, sqlx.Rebind(r.bind, query), args...)
}

func (r *queries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return r.q.QueryContext(ctx, sqlx.Rebind(r.bind, query), args...)
}

func (r *queries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return r.q.QueryRowContext(ctx, sqlx.Rebind(r.bind, query), args...)
}

// Store persists enrollments, schedules and reconciliation data.
type Store struct {
	*queries
	db *sql.DB
}

// NewStore constructs a Store for the given database/sql driver name ("mysql" or "pgx").
func NewStore(db *sql.DB, driver string) *Store {
	bind := sqlx.BindType(driver)
	if bind == sqlx.UNKNOWN {
		bind = sqlx.QUESTION
	}
	return &Store{queries: &queries{q: db, bind: bind}, db: db}
}

// WithinTx runs fn inside a transaction. Any error returned by fn rolls it back.
func (s *Store) WithinTx(ctx context.Context, fn func(Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&queries{q: tx, bind: s.bind}); err != nil {
		return err
	}
	return tx.Commit()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// NormalizeDSN makes MySQL scan DATETIME columns as UTC time.Time values and
// report matched rather than changed rows, which compare-and-swap updates rely on.
func NormalizeDSN(driver, dsn string) (string, error) {
	if driver != "mysql" {
		return dsn, nil
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.ClientFoundRows = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func mapNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func expectOne(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrStaleState
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}
