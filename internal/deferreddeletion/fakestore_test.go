package deferreddeletion

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/VirtualCable/openuds-sub007/internal/dbstore"
)

type fakeStore struct {
	services  *fakeServiceRepo
	providers *fakeProviderRepo
	deletions *fakeDeferredDeletionRepo
	now       time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		services:  &fakeServiceRepo{rows: map[string]*dbstore.Service{}},
		providers: &fakeProviderRepo{rows: map[string]*dbstore.Provider{}},
		deletions: &fakeDeferredDeletionRepo{rows: map[string]*dbstore.DeferredDeletion{}},
		now:       time.Unix(1700000000, 0),
	}
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

func (f *fakeStore) Providers() dbstore.ProviderRepo                 { return f.providers }
func (f *fakeStore) Services() dbstore.ServiceRepo                   { return f.services }
func (f *fakeStore) ServicePools() dbstore.ServicePoolRepo           { return nil }
func (f *fakeStore) Publications() dbstore.PublicationRepo           { return nil }
func (f *fakeStore) UserServices() dbstore.UserServiceRepo           { return nil }
func (f *fakeStore) SchedulerJobs() dbstore.SchedulerJobRepo         { return nil }
func (f *fakeStore) UniqueIDs() dbstore.UniqueIDRepo                 { return nil }
func (f *fakeStore) Properties() dbstore.PropertyRepo                { return nil }
func (f *fakeStore) DeferredDeletions() dbstore.DeferredDeletionRepo { return f.deletions }
func (f *fakeStore) Accounts() dbstore.AccountRepo                   { return nil }
func (f *fakeStore) Calendars() dbstore.CalendarRepo                 { return nil }
func (f *fakeStore) Close() error                                    { return nil }

type fakeServiceRepo struct {
	rows map[string]*dbstore.Service
}

func (r *fakeServiceRepo) Get(ctx context.Context, id string) (*dbstore.Service, error) {
	s, ok := r.rows[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return s, nil
}
func (r *fakeServiceRepo) List(ctx context.Context) ([]*dbstore.Service, error) { return nil, nil }

type fakeProviderRepo struct {
	rows map[string]*dbstore.Provider
}

func (r *fakeProviderRepo) Get(ctx context.Context, id string) (*dbstore.Provider, error) {
	p, ok := r.rows[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return p, nil
}
func (r *fakeProviderRepo) List(ctx context.Context) ([]*dbstore.Provider, error) { return nil, nil }

type fakeDeferredDeletionRepo struct {
	rows map[string]*dbstore.DeferredDeletion
}

func key(d *dbstore.DeferredDeletion) string { return d.ServiceUUID + "/" + d.Vmid }

func (r *fakeDeferredDeletionRepo) Create(ctx context.Context, d *dbstore.DeferredDeletion) error {
	cp := *d
	r.rows[key(d)] = &cp
	return nil
}

func (r *fakeDeferredDeletionRepo) TakeReady(ctx context.Context, queue dbstore.DeletionQueue, now time.Time, max int) ([]*dbstore.DeferredDeletion, error) {
	var matched []string
	for k, d := range r.rows {
		if d.Queue == queue && !d.NextCheck.After(now) {
			matched = append(matched, k)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return r.rows[matched[i]].NextCheck.Before(r.rows[matched[j]].NextCheck)
	})
	if len(matched) > max {
		matched = matched[:max]
	}
	var out []*dbstore.DeferredDeletion
	for _, k := range matched {
		cp := *r.rows[k]
		out = append(out, &cp)
		delete(r.rows, k)
	}
	return out, nil
}

func (r *fakeDeferredDeletionRepo) CountByQueue(ctx context.Context, queue dbstore.DeletionQueue) (int, error) {
	n := 0
	for _, d := range r.rows {
		if d.Queue == queue {
			n++
		}
	}
	return n, nil
}
