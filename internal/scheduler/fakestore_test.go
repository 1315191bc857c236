package scheduler

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/VirtualCable/openuds-sub007/internal/dbstore"
)

type fakeStore struct {
	jobs *fakeSchedulerJobRepo
	now  time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: &fakeSchedulerJobRepo{rows: map[string]*dbstore.SchedulerJob{}}, now: time.Unix(1700000000, 0)}
}

func (f *fakeStore) Now(ctx context.Context) (time.Time, error) { return f.now, nil }
func (f *fakeStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx dbstore.Tx) error) error {
	return fn(ctx, f)
}
func (f *fakeStore) Select(ctx context.Context, dest any, query string, args ...any) error { return nil }
func (f *fakeStore) Get(ctx context.Context, dest any, query string, args ...any) error     { return nil }
func (f *fakeStore) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return nil, nil
}

func (f *fakeStore) Providers() dbstore.ProviderRepo                 { return nil }
func (f *fakeStore) Services() dbstore.ServiceRepo                   { return nil }
func (f *fakeStore) ServicePools() dbstore.ServicePoolRepo           { return nil }
func (f *fakeStore) Publications() dbstore.PublicationRepo           { return nil }
func (f *fakeStore) UserServices() dbstore.UserServiceRepo           { return nil }
func (f *fakeStore) SchedulerJobs() dbstore.SchedulerJobRepo         { return f.jobs }
func (f *fakeStore) UniqueIDs() dbstore.UniqueIDRepo                 { return nil }
func (f *fakeStore) Properties() dbstore.PropertyRepo                { return nil }
func (f *fakeStore) DeferredDeletions() dbstore.DeferredDeletionRepo { return nil }
func (f *fakeStore) Accounts() dbstore.AccountRepo                   { return nil }
func (f *fakeStore) Calendars() dbstore.CalendarRepo                 { return nil }
func (f *fakeStore) Close() error                                    { return nil }

type fakeSchedulerJobRepo struct {
	rows map[string]*dbstore.SchedulerJob
}

func (r *fakeSchedulerJobRepo) EnsureRegistered(ctx context.Context, name string, frequency int, now time.Time) error {
	if existing, ok := r.rows[name]; ok {
		maxNext := existing.LastExecution.Add(time.Duration(frequency) * time.Second)
		if existing.NextExecution.After(maxNext) {
			existing.NextExecution = maxNext
		}
		existing.Frequency = frequency
		return nil
	}
	r.rows[name] = &dbstore.SchedulerJob{
		Name: name, Frequency: frequency, State: dbstore.JobForExecute,
		LastExecution: now, NextExecution: now,
	}
	return nil
}

func (r *fakeSchedulerJobRepo) ClaimNext(ctx context.Context, tx dbstore.Tx, ownerServer string, now time.Time) (*dbstore.SchedulerJob, error) {
	var names []string
	for name, job := range r.rows {
		if job.State == dbstore.JobForExecute && !job.NextExecution.After(now) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil, sql.ErrNoRows
	}
	sort.Slice(names, func(i, j int) bool {
		return r.rows[names[i]].NextExecution.Before(r.rows[names[j]].NextExecution)
	})
	job := r.rows[names[0]]
	job.State = dbstore.JobRunning
	job.OwnerServer = ownerServer
	job.LastExecution = now
	copy := *job
	return &copy, nil
}

func (r *fakeSchedulerJobRepo) MarkDone(ctx context.Context, tx dbstore.Tx, name string, nextExecution time.Time) error {
	job, ok := r.rows[name]
	if !ok {
		return sql.ErrNoRows
	}
	job.State = dbstore.JobForExecute
	job.OwnerServer = ""
	job.NextExecution = nextExecution
	return nil
}

func (r *fakeSchedulerJobRepo) ReleaseOwnSchedules(ctx context.Context, ownerServer string, staleAfter time.Duration, now time.Time) error {
	for _, job := range r.rows {
		if job.OwnerServer == ownerServer {
			job.State = dbstore.JobForExecute
			job.OwnerServer = ""
		}
		if job.State == dbstore.JobRunning && job.LastExecution.Before(now.Add(-staleAfter)) {
			job.State = dbstore.JobForExecute
			job.OwnerServer = ""
		}
		if job.OwnerServer == "" {
			job.State = dbstore.JobForExecute
		}
	}
	return nil
}
