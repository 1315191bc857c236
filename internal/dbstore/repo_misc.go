package dbstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// propertyRepo implements the per-owner keyed property bag, with CAS
// writes instead of an in-process map so every host sees the same value.
type propertyRepo struct{ db *sqlx.DB }

func (r *propertyRepo) Get(ctx context.Context, ownerID, key string) (string, bool, error) {
	var value string
	err := r.db.GetContext(ctx, &value, `SELECT value FROM properties WHERE owner_id = $1 AND key = $2`, ownerID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("dbstore: get property %s/%s: %w", ownerID, key, err)
	}
	return value, true, nil
}

func (r *propertyRepo) Set(ctx context.Context, ownerID, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO properties (owner_id, key, value) VALUES ($1, $2, $3)
		ON CONFLICT (owner_id, key) DO UPDATE SET value = excluded.value`,
		ownerID, key, value)
	if err != nil {
		return fmt.Errorf("dbstore: set property %s/%s: %w", ownerID, key, err)
	}
	return nil
}

func (r *propertyRepo) CompareAndSet(ctx context.Context, ownerID, key, oldValue, newValue string) (bool, error) {
	if oldValue == "" {
		res, err := r.db.ExecContext(ctx, `
			INSERT INTO properties (owner_id, key, value) VALUES ($1, $2, $3)
			ON CONFLICT (owner_id, key) DO NOTHING`, ownerID, key, newValue)
		if err != nil {
			return false, fmt.Errorf("dbstore: cas-insert property %s/%s: %w", ownerID, key, err)
		}
		n, err := res.RowsAffected()
		return n > 0, err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE properties SET value = $4
		WHERE owner_id = $1 AND key = $2 AND value = $3`,
		ownerID, key, oldValue, newValue)
	if err != nil {
		return false, fmt.Errorf("dbstore: cas-update property %s/%s: %w", ownerID, key, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// deferredDeletionRepo backs the Deferred Deletion worker's four named
// queues. Entries live in SQL rather than an
// in-process storage dict so that in-flight deletions survive a worker
// restart (see DESIGN.md's Open Question #5).
type deferredDeletionRepo struct{ db *sqlx.DB }

func (r *deferredDeletionRepo) Create(ctx context.Context, d *DeferredDeletion) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO deferred_deletions
			(service_uuid, vmid, queue, created_at, next_check, retries, total_retries, fatal_retries)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (service_uuid, vmid) DO UPDATE SET
			queue = excluded.queue, next_check = excluded.next_check,
			retries = excluded.retries, total_retries = excluded.total_retries,
			fatal_retries = excluded.fatal_retries`,
		d.ServiceUUID, d.Vmid, d.Queue, d.CreatedAt, d.NextCheck, d.Retries, d.TotalRetries, d.FatalRetries)
	if err != nil {
		return fmt.Errorf("dbstore: create deferred deletion %s/%s: %w", d.ServiceUUID, d.Vmid, err)
	}
	return nil
}

// TakeReady pops up to max ready rows from queue and deletes them from
// storage in the same transaction, so no other worker tick can pick
// them up while they're being processed.
func (r *deferredDeletionRepo) TakeReady(ctx context.Context, queue DeletionQueue, now time.Time, max int) ([]*DeferredDeletion, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("dbstore: begin take-ready tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	var rows []*DeferredDeletion
	query := `
		SELECT * FROM deferred_deletions
		WHERE queue = $1 AND next_check <= $2
		ORDER BY next_check
		LIMIT $3
		FOR UPDATE SKIP LOCKED`
	if err := tx.SelectContext(ctx, &rows, query, queue, now, max); err != nil {
		return nil, fmt.Errorf("dbstore: select ready deletions from %s: %w", queue, err)
	}
	for _, d := range rows {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM deferred_deletions WHERE service_uuid = $1 AND vmid = $2`,
			d.ServiceUUID, d.Vmid); err != nil {
			return nil, fmt.Errorf("dbstore: remove taken deletion %s/%s: %w", d.ServiceUUID, d.Vmid, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("dbstore: commit take-ready: %w", err)
	}
	return rows, nil
}

func (r *deferredDeletionRepo) CountByQueue(ctx context.Context, queue DeletionQueue) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT count(*) FROM deferred_deletions WHERE queue = $1`, queue); err != nil {
		return 0, fmt.Errorf("dbstore: count deletions in %s: %w", queue, err)
	}
	return n, nil
}

type accountRepo struct{ db *sqlx.DB }

func (r *accountRepo) Get(ctx context.Context, id string) (*Account, error) {
	var a Account
	if err := r.db.GetContext(ctx, &a, `SELECT * FROM accounts WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("dbstore: get account %s: %w", id, err)
	}
	return &a, nil
}

func (r *accountRepo) OpenUsage(ctx context.Context, usage *AccountUsage) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO account_usages (id, account_id, user_service_id, user_name, pool_name, start_time)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		usage.ID, usage.AccountID, usage.UserServiceID, usage.UserName, usage.PoolName, usage.Start)
	if err != nil {
		return fmt.Errorf("dbstore: open account usage for %s: %w", usage.UserServiceID, err)
	}
	return nil
}

// CloseUsage is idempotent: closing an already-closed usage row affects
// zero rows and returns no error.
func (r *accountRepo) CloseUsage(ctx context.Context, userServiceID string, end time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE account_usages SET end_time = $2
		WHERE user_service_id = $1 AND end_time IS NULL`, userServiceID, end)
	if err != nil {
		return fmt.Errorf("dbstore: close account usage for %s: %w", userServiceID, err)
	}
	return nil
}

type calendarRepo struct{ db *sqlx.DB }

func (r *calendarRepo) RulesForPool(ctx context.Context, poolID string) ([]*CalendarRule, error) {
	var out []*CalendarRule
	query := `SELECT * FROM calendar_rules WHERE pool_id = $1 ORDER BY priority`
	if err := r.db.SelectContext(ctx, &out, query, poolID); err != nil {
		return nil, fmt.Errorf("dbstore: list calendar rules for pool %s: %w", poolID, err)
	}
	return out, nil
}
