package dbstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// schedulerJobRepo implements the Scheduler row's claim, complete, and
// ownership-release operations that back the cross-host claim loop.
type schedulerJobRepo struct{ db *sqlx.DB }

func (r *schedulerJobRepo) EnsureRegistered(ctx context.Context, name string, frequency int, now time.Time) error {
	var existing SchedulerJob
	err := r.db.GetContext(ctx, &existing, `SELECT * FROM scheduler_jobs WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = r.db.ExecContext(ctx, `
			INSERT INTO scheduler_jobs (name, frequency, state, owner_server, last_execution, next_execution)
			VALUES ($1, $2, 'FOR_EXECUTE', '', $3, $3)`, name, frequency, now)
		if err != nil {
			return fmt.Errorf("dbstore: register job %s: %w", name, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("dbstore: lookup job %s: %w", name, err)
	}

	// Update the configured frequency, and pull next_execution in if the
	// new frequency is smaller than what was previously scheduled.
	nextExecution := existing.NextExecution
	maxNext := existing.LastExecution.Add(time.Duration(frequency) * time.Second)
	if nextExecution.After(maxNext) {
		nextExecution = maxNext
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE scheduler_jobs SET frequency = $2, next_execution = $3 WHERE name = $1`,
		name, frequency, nextExecution)
	if err != nil {
		return fmt.Errorf("dbstore: update job %s frequency: %w", name, err)
	}
	return nil
}

func (r *schedulerJobRepo) ClaimNext(ctx context.Context, tx Tx, ownerServer string, now time.Time) (*SchedulerJob, error) {
	var job SchedulerJob
	// FOR_EXECUTE jobs whose next_execution is due, plus anything whose
	// last_execution sits in the future (clock drift on the owning host
	// left it unreclaimable otherwise), ordered so the most overdue job
	// goes first, locked so only one host can claim it.
	query := `
		SELECT * FROM scheduler_jobs
		WHERE state = 'FOR_EXECUTE' AND (next_execution <= $1 OR last_execution > $1)
		ORDER BY next_execution
		LIMIT 1
		FOR UPDATE SKIP LOCKED`
	if err := tx.Get(ctx, &job, query, now); err != nil {
		return nil, err // sql.ErrNoRows: no job currently claimable
	}

	_, err := tx.Exec(ctx, `
		UPDATE scheduler_jobs SET state = 'RUNNING', owner_server = $2, last_execution = $3
		WHERE name = $1`, job.Name, ownerServer, now)
	if err != nil {
		return nil, fmt.Errorf("dbstore: claim job %s: %w", job.Name, err)
	}
	job.State = JobRunning
	job.OwnerServer = ownerServer
	job.LastExecution = now
	return &job, nil
}

func (r *schedulerJobRepo) MarkDone(ctx context.Context, tx Tx, name string, nextExecution time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE scheduler_jobs SET state = 'FOR_EXECUTE', owner_server = '', next_execution = $2
		WHERE name = $1`, name, nextExecution)
	if err != nil {
		return fmt.Errorf("dbstore: mark job %s done: %w", name, err)
	}
	return nil
}

// ReleaseOwnSchedules implements releaseOwnShedules(): release everything
// this host owns, recover RUNNING jobs stuck past staleAfter, and force
// any ownerless job back into FOR_EXECUTE.
func (r *schedulerJobRepo) ReleaseOwnSchedules(ctx context.Context, ownerServer string, staleAfter time.Duration, now time.Time) error {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE scheduler_jobs SET state = 'FOR_EXECUTE', owner_server = ''
		WHERE owner_server = $1`, ownerServer); err != nil {
		return fmt.Errorf("dbstore: release schedules owned by %s: %w", ownerServer, err)
	}

	if _, err := r.db.ExecContext(ctx, `
		UPDATE scheduler_jobs SET state = 'FOR_EXECUTE', owner_server = ''
		WHERE state = 'RUNNING' AND last_execution < $1`, now.Add(-staleAfter)); err != nil {
		return fmt.Errorf("dbstore: recover stuck schedules: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, `
		UPDATE scheduler_jobs SET state = 'FOR_EXECUTE' WHERE owner_server = ''`); err != nil {
		return fmt.Errorf("dbstore: force ownerless schedules: %w", err)
	}
	return nil
}
