package cacheupdater

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/VirtualCable/openuds-sub007/internal/dbstore"
)

type fakeStore struct {
	pools        *fakeServicePoolRepo
	services     *fakeServiceRepo
	providers    *fakeProviderRepo
	publications *fakePublicationRepo
	userServices *fakeUserServiceRepo
	now          time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		pools:        &fakeServicePoolRepo{rows: map[string]*dbstore.ServicePool{}},
		services:     &fakeServiceRepo{rows: map[string]*dbstore.Service{}},
		providers:    &fakeProviderRepo{rows: map[string]*dbstore.Provider{}},
		publications: &fakePublicationRepo{byPool: map[string]*dbstore.Publication{}},
		userServices: &fakeUserServiceRepo{rows: map[string]*dbstore.UserService{}},
		now:          time.Unix(1700000000, 0),
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
func (f *fakeStore) ServicePools() dbstore.ServicePoolRepo           { return f.pools }
func (f *fakeStore) Publications() dbstore.PublicationRepo           { return f.publications }
func (f *fakeStore) UserServices() dbstore.UserServiceRepo           { return f.userServices }
func (f *fakeStore) SchedulerJobs() dbstore.SchedulerJobRepo         { return nil }
func (f *fakeStore) UniqueIDs() dbstore.UniqueIDRepo                 { return nil }
func (f *fakeStore) Properties() dbstore.PropertyRepo                { return nil }
func (f *fakeStore) DeferredDeletions() dbstore.DeferredDeletionRepo { return nil }
func (f *fakeStore) Accounts() dbstore.AccountRepo                   { return nil }
func (f *fakeStore) Calendars() dbstore.CalendarRepo                 { return nil }
func (f *fakeStore) Close() error                                    { return nil }

type fakeServicePoolRepo struct {
	rows map[string]*dbstore.ServicePool
}

func (r *fakeServicePoolRepo) Get(ctx context.Context, id string) (*dbstore.ServicePool, error) {
	p, ok := r.rows[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return p, nil
}
func (r *fakeServicePoolRepo) Update(ctx context.Context, pool *dbstore.ServicePool) error {
	r.rows[pool.ID] = pool
	return nil
}
func (r *fakeServicePoolRepo) List(ctx context.Context, filter dbstore.PoolFilter) ([]*dbstore.ServicePool, error) {
	var out []*dbstore.ServicePool
	for _, p := range r.rows {
		out = append(out, p)
	}
	return out, nil
}
func (r *fakeServicePoolRepo) NeedingCacheUpdate(ctx context.Context) ([]*dbstore.ServicePool, error) {
	var out []*dbstore.ServicePool
	for _, p := range r.rows {
		out = append(out, p)
	}
	return out, nil
}

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

type fakePublicationRepo struct {
	byPool map[string]*dbstore.Publication
}

func (r *fakePublicationRepo) Get(ctx context.Context, id string) (*dbstore.Publication, error) {
	return nil, sql.ErrNoRows
}
func (r *fakePublicationRepo) ActiveFor(ctx context.Context, servicePoolID string) (*dbstore.Publication, error) {
	p, ok := r.byPool[servicePoolID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return p, nil
}

type fakeUserServiceRepo struct {
	rows map[string]*dbstore.UserService
}

func (r *fakeUserServiceRepo) Get(ctx context.Context, id string) (*dbstore.UserService, error) {
	us, ok := r.rows[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return us, nil
}
func (r *fakeUserServiceRepo) Create(ctx context.Context, tx dbstore.Tx, us *dbstore.UserService) error {
	r.rows[us.ID] = us
	return nil
}
func (r *fakeUserServiceRepo) Update(ctx context.Context, tx dbstore.Tx, us *dbstore.UserService) error {
	r.rows[us.ID] = us
	return nil
}
func (r *fakeUserServiceRepo) CountByPoolAndLevel(ctx context.Context, servicePoolID string, level dbstore.CacheLevel) (int, error) {
	n := 0
	for _, us := range r.rows {
		if us.ServicePoolID == servicePoolID && us.CacheLevel == level && !us.State.IsTerminal() {
			n++
		}
	}
	return n, nil
}
func (r *fakeUserServiceRepo) ListByPoolAndLevel(ctx context.Context, servicePoolID string, level dbstore.CacheLevel, oldestFirst bool) ([]*dbstore.UserService, error) {
	var out []*dbstore.UserService
	for _, us := range r.rows {
		if us.ServicePoolID == servicePoolID && us.CacheLevel == level && !us.State.IsTerminal() && !us.DestroyAfter {
			out = append(out, us)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if oldestFirst {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
func (r *fakeUserServiceRepo) ListByState(ctx context.Context, state dbstore.EngineState) ([]*dbstore.UserService, error) {
	var out []*dbstore.UserService
	for _, us := range r.rows {
		if us.State == state {
			out = append(out, us)
		}
	}
	return out, nil
}
func (r *fakeUserServiceRepo) ListStale(ctx context.Context, servicePoolID, currentPublicationID string) ([]*dbstore.UserService, error) {
	var out []*dbstore.UserService
	for _, us := range r.rows {
		if us.ServicePoolID != servicePoolID || us.PublicationID == nil || *us.PublicationID == currentPublicationID {
			continue
		}
		if us.State.IsTerminal() || us.State == dbstore.StateRemovable || us.ToBeReplaced {
			continue
		}
		out = append(out, us)
	}
	return out, nil
}

func (r *fakeUserServiceRepo) GetAssignedForUser(ctx context.Context, servicePoolID, userID string) (*dbstore.UserService, error) {
	var best *dbstore.UserService
	for _, us := range r.rows {
		if us.ServicePoolID != servicePoolID || us.AssignedUserID == nil || *us.AssignedUserID != userID {
			continue
		}
		if us.State == dbstore.StateRemoved || us.State == dbstore.StateError {
			continue
		}
		if best == nil || us.CreatedAt.After(best.CreatedAt) {
			best = us
		}
	}
	if best == nil {
		return nil, sql.ErrNoRows
	}
	return best, nil
}
