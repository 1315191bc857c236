package dbstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// uniqueIDRepo backs the shared sequence allocator: a single table
// keyed by (basename, seq), with an assigned flag and a stamp.
type uniqueIDRepo struct{ db *sqlx.DB }

func (r *uniqueIDRepo) FirstFree(ctx context.Context, tx Tx, basename string, rangeStart, rangeEnd int64) (int64, error) {
	var seq int64
	query := `
		SELECT seq FROM unique_ids
		WHERE basename = $1 AND seq BETWEEN $2 AND $3 AND assigned = false
		ORDER BY seq LIMIT 1
		FOR UPDATE`
	if err := tx.Get(ctx, &seq, query, basename, rangeStart, rangeEnd); err != nil {
		return 0, err // sql.ErrNoRows: no free slot in the existing range
	}
	return seq, nil
}

func (r *uniqueIDRepo) HighestAssigned(ctx context.Context, tx Tx, basename string, rangeStart, rangeEnd int64) (int64, error) {
	var seq int64
	query := `
		SELECT seq FROM unique_ids
		WHERE basename = $1 AND seq BETWEEN $2 AND $3 AND assigned = true
		ORDER BY seq DESC LIMIT 1
		FOR UPDATE`
	err := tx.Get(ctx, &seq, query, basename, rangeStart, rangeEnd)
	if err != nil {
		return -1, nil // no row assigned yet; caller starts at rangeStart
	}
	return seq, nil
}

func (r *uniqueIDRepo) Claim(ctx context.Context, tx Tx, owner, basename string, seq int64, stamp time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE unique_ids SET owner = $1, assigned = true, stamp = $2
		WHERE basename = $3 AND seq = $4`, owner, stamp, basename, seq)
	if err != nil {
		return fmt.Errorf("dbstore: claim unique id %s/%d: %w", basename, seq, err)
	}
	return nil
}

func (r *uniqueIDRepo) Create(ctx context.Context, tx Tx, row UniqueIDRow) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO unique_ids (owner, basename, seq, assigned, stamp)
		VALUES ($1, $2, $3, $4, $5)`, row.Owner, row.Basename, row.Seq, row.Assigned, row.Stamp)
	if err != nil {
		return fmt.Errorf("dbstore: create unique id %s/%d: %w", row.Basename, row.Seq, err)
	}
	return nil
}

func (r *uniqueIDRepo) Free(ctx context.Context, tx Tx, basename string, seq int64, now time.Time) (bool, error) {
	res, err := tx.Exec(ctx, `
		UPDATE unique_ids SET owner = '', assigned = false, stamp = $3
		WHERE basename = $1 AND seq = $2`, basename, seq, now)
	if err != nil {
		return false, fmt.Errorf("dbstore: free unique id %s/%d: %w", basename, seq, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dbstore: free unique id %s/%d rows affected: %w", basename, seq, err)
	}
	return n > 0, nil
}

// Purge takes the seq just above the highest assigned row (or
// rangeStart if none assigned) as a cutoff, then deletes every
// unassigned row at or above that cutoff.
func (r *uniqueIDRepo) Purge(ctx context.Context, tx Tx, basename string, rangeStart int64) error {
	var cutoff int64
	err := tx.Get(ctx, &cutoff, `
		SELECT seq + 1 FROM unique_ids
		WHERE basename = $1 AND assigned = true
		ORDER BY seq DESC LIMIT 1`, basename)
	if err != nil {
		cutoff = rangeStart
	}
	_, err = tx.Exec(ctx, `
		DELETE FROM unique_ids WHERE basename = $1 AND seq >= $2 AND assigned = false`,
		basename, cutoff)
	if err != nil {
		return fmt.Errorf("dbstore: purge unique ids for %s: %w", basename, err)
	}
	return nil
}

func (r *uniqueIDRepo) ReleaseAll(ctx context.Context, tx Tx, owner, basename string) error {
	_, err := tx.Exec(ctx, `
		UPDATE unique_ids SET owner = '', assigned = false
		WHERE owner = $1 AND basename = $2`, owner, basename)
	if err != nil {
		return fmt.Errorf("dbstore: release all unique ids for %s/%s: %w", owner, basename, err)
	}
	return nil
}

// ReleaseOlderThan is a bulk scan-then-update that is NOT held under a
// single row lock across the scan; a brief drift window where a just-
// renewed row gets swept anyway is accepted (see DESIGN.md Open
// Questions #3).
func (r *uniqueIDRepo) ReleaseOlderThan(ctx context.Context, owner, basename string, stamp time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE unique_ids SET owner = '', assigned = false
		WHERE owner = $1 AND basename = $2 AND stamp < $3`, owner, basename, stamp)
	if err != nil {
		return fmt.Errorf("dbstore: release unique ids older than %s for %s/%s: %w", stamp, owner, basename, err)
	}
	return nil
}
