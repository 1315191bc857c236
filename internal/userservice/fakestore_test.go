package userservice

import (
	"context"
	"database/sql"
	"time"

	"github.com/VirtualCable/openuds-sub007/internal/dbstore"
)

// fakeStore backs Machine's tests with an in-memory UserService/Account
// table, avoiding any live Postgres dependency. It doubles as the Tx
// passed into Atomic's callback, since tests never need real
// transactional isolation.
type fakeStore struct {
	userServices *fakeUserServiceRepo
	accounts     *fakeAccountRepo
	now          time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		userServices: &fakeUserServiceRepo{rows: map[string]*dbstore.UserService{}},
		accounts:     &fakeAccountRepo{usages: map[string]*dbstore.AccountUsage{}},
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

func (f *fakeStore) Providers() dbstore.ProviderRepo                 { return nil }
func (f *fakeStore) Services() dbstore.ServiceRepo                   { return nil }
func (f *fakeStore) ServicePools() dbstore.ServicePoolRepo           { return nil }
func (f *fakeStore) Publications() dbstore.PublicationRepo           { return nil }
func (f *fakeStore) UserServices() dbstore.UserServiceRepo           { return f.userServices }
func (f *fakeStore) SchedulerJobs() dbstore.SchedulerJobRepo         { return nil }
func (f *fakeStore) UniqueIDs() dbstore.UniqueIDRepo                 { return nil }
func (f *fakeStore) Properties() dbstore.PropertyRepo                { return nil }
func (f *fakeStore) DeferredDeletions() dbstore.DeferredDeletionRepo { return nil }
func (f *fakeStore) Accounts() dbstore.AccountRepo                   { return f.accounts }
func (f *fakeStore) Calendars() dbstore.CalendarRepo                 { return nil }
func (f *fakeStore) Close() error                                    { return nil }

type fakeUserServiceRepo struct {
	rows map[string]*dbstore.UserService
}

func (r *fakeUserServiceRepo) Create(ctx context.Context, tx dbstore.Tx, us *dbstore.UserService) error {
	r.rows[us.ID] = us
	return nil
}

func (r *fakeUserServiceRepo) Update(ctx context.Context, tx dbstore.Tx, us *dbstore.UserService) error {
	if _, ok := r.rows[us.ID]; !ok {
		return sql.ErrNoRows
	}
	r.rows[us.ID] = us
	return nil
}

func (r *fakeUserServiceRepo) Get(ctx context.Context, id string) (*dbstore.UserService, error) {
	us, ok := r.rows[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return us, nil
}

func (r *fakeUserServiceRepo) CountByPoolAndLevel(ctx context.Context, servicePoolID string, level dbstore.CacheLevel) (int, error) {
	n := 0
	for _, us := range r.rows {
		if us.ServicePoolID == servicePoolID && us.CacheLevel == level {
			n++
		}
	}
	return n, nil
}

func (r *fakeUserServiceRepo) ListByPoolAndLevel(ctx context.Context, servicePoolID string, level dbstore.CacheLevel, oldestFirst bool) ([]*dbstore.UserService, error) {
	var out []*dbstore.UserService
	for _, us := range r.rows {
		if us.ServicePoolID == servicePoolID && us.CacheLevel == level {
			out = append(out, us)
		}
	}
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
		if us.State.IsTerminal() {
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

type fakeAccountRepo struct {
	usages map[string]*dbstore.AccountUsage
}

func (r *fakeAccountRepo) Get(ctx context.Context, id string) (*dbstore.Account, error) {
	return nil, sql.ErrNoRows
}

func (r *fakeAccountRepo) OpenUsage(ctx context.Context, usage *dbstore.AccountUsage) error {
	if existing, ok := r.usages[usage.UserServiceID]; ok && existing.End == nil {
		return nil // already open: OpenUsage is idempotent
	}
	r.usages[usage.UserServiceID] = usage
	return nil
}

func (r *fakeAccountRepo) CloseUsage(ctx context.Context, userServiceID string, end time.Time) error {
	u, ok := r.usages[userServiceID]
	if !ok || u.End != nil {
		return nil
	}
	u.End = &end
	return nil
}
