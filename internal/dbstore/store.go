// Package dbstore is the single shared transactional store every udsd host
// connects to. Unlike a replicated-log store, mutual exclusion across hosts
// here comes from the database itself: SELECT ... FOR UPDATE inside a
// transaction, exactly as a transaction should.
package dbstore

import (
	"context"
	"database/sql"
	"time"
)

// Tx is a single database transaction. Implementations must never let a
// Tx outlive the func passed to Store.Atomic — callers must not retain
// one across a suspension point such as a plug-in call.
type Tx interface {
	// Select runs query and scans all matching rows into dest (a pointer
	// to a slice of structs/values), using sqlx-style struct-tag binding.
	Select(ctx context.Context, dest any, query string, args ...any) error
	// Get runs query and scans exactly one row into dest, returning
	// sql.ErrNoRows if nothing matched.
	Get(ctx context.Context, dest any, query string, args ...any) error
	// Exec runs a statement with no result rows (INSERT/UPDATE/DELETE).
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store is the full persistence surface the core engine uses: one
// repository method-set per aggregate, in a per-entity
// Create/Get/List/Update/Delete shape, backed by Postgres.
type Store interface {
	// Now returns the database server's current time: the only clock the
	// scheduler and allocator are allowed to trust.
	Now(ctx context.Context) (time.Time, error)

	// Atomic runs fn inside one transaction, committing on a nil return
	// and rolling back otherwise. On a Postgres serialization failure
	// (SQLSTATE 40001) it retries fn exactly once.
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Providers() ProviderRepo
	Services() ServiceRepo
	ServicePools() ServicePoolRepo
	Publications() PublicationRepo
	UserServices() UserServiceRepo
	SchedulerJobs() SchedulerJobRepo
	UniqueIDs() UniqueIDRepo
	Properties() PropertyRepo
	DeferredDeletions() DeferredDeletionRepo
	Accounts() AccountRepo
	Calendars() CalendarRepo

	Close() error
}

type ProviderRepo interface {
	Get(ctx context.Context, id string) (*Provider, error)
	List(ctx context.Context) ([]*Provider, error)
	// GetByName returns the provider named name, sql.ErrNoRows if none.
	GetByName(ctx context.Context, name string) (*Provider, error)
	// Upsert creates or updates the provider identified by Name: a manifest
	// re-applied with the same name updates the existing row in place
	// rather than creating a duplicate.
	Upsert(ctx context.Context, p *Provider) error
}

type ServiceRepo interface {
	Get(ctx context.Context, id string) (*Service, error)
	List(ctx context.Context) ([]*Service, error)
	GetByName(ctx context.Context, name string) (*Service, error)
	Upsert(ctx context.Context, s *Service) error
}

// PoolFilter narrows List's result set; zero-value fields are not applied.
type PoolFilter struct {
	ProviderID string
	State      PoolState
}

type ServicePoolRepo interface {
	Get(ctx context.Context, id string) (*ServicePool, error)
	Update(ctx context.Context, pool *ServicePool) error
	// List returns pools matching filter, for admin/CLI inspection.
	List(ctx context.Context, filter PoolFilter) ([]*ServicePool, error)
	// NeedingCacheUpdate returns active, non-maintenance pools whose
	// service still uses caching and whose max_services > 0.
	NeedingCacheUpdate(ctx context.Context) ([]*ServicePool, error)
	GetByName(ctx context.Context, name string) (*ServicePool, error)
	// Upsert creates or updates the pool identified by Name.
	Upsert(ctx context.Context, pool *ServicePool) error
}

type PublicationRepo interface {
	Get(ctx context.Context, id string) (*Publication, error)
	ActiveFor(ctx context.Context, servicePoolID string) (*Publication, error)
}

type UserServiceRepo interface {
	Get(ctx context.Context, id string) (*UserService, error)
	Create(ctx context.Context, tx Tx, us *UserService) error
	Update(ctx context.Context, tx Tx, us *UserService) error
	CountByPoolAndLevel(ctx context.Context, servicePoolID string, level CacheLevel) (int, error)
	ListByPoolAndLevel(ctx context.Context, servicePoolID string, level CacheLevel, oldestFirst bool) ([]*UserService, error)
	ListByState(ctx context.Context, state EngineState) ([]*UserService, error)
	// ListStale returns non-terminal UserServices in servicePoolID still
	// attached to a publication other than currentPublicationID, not yet
	// marked to_be_replaced: candidates for a publication-replace sweep.
	ListStale(ctx context.Context, servicePoolID, currentPublicationID string) ([]*UserService, error)
	// GetAssignedForUser returns the non-terminal UserService already
	// assigned to userID within servicePoolID, if any — callers prefer
	// reusing an existing assignment over handing out a fresh one.
	// sql.ErrNoRows if none exists.
	GetAssignedForUser(ctx context.Context, servicePoolID, userID string) (*UserService, error)
}

type SchedulerJobRepo interface {
	EnsureRegistered(ctx context.Context, name string, frequency int, now time.Time) error
	// ClaimNext selects, inside tx, the next FOR_EXECUTE job ordered by
	// next_execution, marks it RUNNING and owned by ownerServer, and
	// returns it. Returns sql.ErrNoRows if nothing is claimable.
	ClaimNext(ctx context.Context, tx Tx, ownerServer string, now time.Time) (*SchedulerJob, error)
	MarkDone(ctx context.Context, tx Tx, name string, nextExecution time.Time) error
	// ReleaseOwnSchedules releases every job owned by ownerServer,
	// recovers stuck RUNNING jobs past staleAfter, and force-resets any
	// job with an empty owner.
	ReleaseOwnSchedules(ctx context.Context, ownerServer string, staleAfter time.Duration, now time.Time) error
}

type UniqueIDRepo interface {
	// FirstFree returns the lowest unassigned seq in [rangeStart, rangeEnd]
	// for basename, locked for update. sql.ErrNoRows if none is free.
	FirstFree(ctx context.Context, tx Tx, basename string, rangeStart, rangeEnd int64) (int64, error)
	// HighestAssigned returns the highest assigned seq for basename, or
	// -1 if none is assigned yet.
	HighestAssigned(ctx context.Context, tx Tx, basename string, rangeStart, rangeEnd int64) (int64, error)
	Claim(ctx context.Context, tx Tx, owner, basename string, seq int64, stamp time.Time) error
	Create(ctx context.Context, tx Tx, row UniqueIDRow) error
	Free(ctx context.Context, tx Tx, basename string, seq int64, now time.Time) (bool, error)
	Purge(ctx context.Context, tx Tx, basename string, rangeStart int64) error
	ReleaseAll(ctx context.Context, tx Tx, owner, basename string) error
	ReleaseOlderThan(ctx context.Context, owner, basename string, stamp time.Time) error
}

type PropertyRepo interface {
	Get(ctx context.Context, ownerID, key string) (string, bool, error)
	Set(ctx context.Context, ownerID, key, value string) error
	// CompareAndSet only writes newValue if the current value equals
	// oldValue (or the property doesn't exist yet and oldValue is "").
	CompareAndSet(ctx context.Context, ownerID, key, oldValue, newValue string) (bool, error)
}

type DeferredDeletionRepo interface {
	Create(ctx context.Context, d *DeferredDeletion) error
	// TakeReady pops up to max ready (next_check <= now) entries from
	// queue, deleting them from storage immediately so they aren't
	// double-picked-up by a concurrent worker tick.
	TakeReady(ctx context.Context, queue DeletionQueue, now time.Time, max int) ([]*DeferredDeletion, error)
	CountByQueue(ctx context.Context, queue DeletionQueue) (int, error)
}

type AccountRepo interface {
	Get(ctx context.Context, id string) (*Account, error)
	OpenUsage(ctx context.Context, usage *AccountUsage) error
	CloseUsage(ctx context.Context, userServiceID string, end time.Time) error
}

type CalendarRepo interface {
	RulesForPool(ctx context.Context, poolID string) ([]*CalendarRule, error)
}
