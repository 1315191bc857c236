package dbstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	_ "github.com/lib/pq" // postgres driver registration
)

// serializationFailure is the Postgres SQLSTATE for a transaction that
// lost a serializable/repeatable-read conflict and must be retried.
const serializationFailure = "40001"

// PostgresStore is the Store implementation backing every udsd host.
type PostgresStore struct {
	db *sqlx.DB
}

// Open connects to Postgres at dsn and wraps it in a PostgresStore.
func Open(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("dbstore: connect: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.db.GetContext(ctx, &now, "SELECT now()"); err != nil {
		return time.Time{}, fmt.Errorf("dbstore: now: %w", err)
	}
	return now, nil
}

// sqlxTx adapts *sqlx.Tx to the Tx interface.
type sqlxTx struct {
	tx *sqlx.Tx
}

func (t *sqlxTx) Select(ctx context.Context, dest any, query string, args ...any) error {
	return t.tx.SelectContext(ctx, dest, query, args...)
}

func (t *sqlxTx) Get(ctx context.Context, dest any, query string, args ...any) error {
	return t.tx.GetContext(ctx, dest, query, args...)
}

func (t *sqlxTx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

// Atomic runs fn inside one transaction, in the same
// db.Update(func(tx) error {...}) shape as any single-callback
// transaction wrapper, plus a single retry on a Postgres serialization
// failure, since SELECT ... FOR UPDATE under READ COMMITTED does not
// need it but higher isolation levels might.
func (s *PostgresStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	for attempt := 0; attempt < 2; attempt++ {
		err := s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == serializationFailure && attempt == 0 {
			continue
		}
		return err
	}
	return fmt.Errorf("dbstore: atomic: exhausted retries")
}

func (s *PostgresStore) runOnce(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dbstore: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err = fn(ctx, &sqlxTx{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return fmt.Errorf("dbstore: rollback after %v: %w", err, rbErr)
		}
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("dbstore: commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) Providers() ProviderRepo               { return &providerRepo{db: s.db} }
func (s *PostgresStore) Services() ServiceRepo                  { return &serviceRepo{db: s.db} }
func (s *PostgresStore) ServicePools() ServicePoolRepo          { return &servicePoolRepo{db: s.db} }
func (s *PostgresStore) Publications() PublicationRepo          { return &publicationRepo{db: s.db} }
func (s *PostgresStore) UserServices() UserServiceRepo          { return &userServiceRepo{db: s.db} }
func (s *PostgresStore) SchedulerJobs() SchedulerJobRepo        { return &schedulerJobRepo{db: s.db} }
func (s *PostgresStore) UniqueIDs() UniqueIDRepo                { return &uniqueIDRepo{db: s.db} }
func (s *PostgresStore) Properties() PropertyRepo               { return &propertyRepo{db: s.db} }
func (s *PostgresStore) DeferredDeletions() DeferredDeletionRepo { return &deferredDeletionRepo{db: s.db} }
func (s *PostgresStore) Accounts() AccountRepo                  { return &accountRepo{db: s.db} }
func (s *PostgresStore) Calendars() CalendarRepo                { return &calendarRepo{db: s.db} }
