package uniqueid

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/VirtualCable/openuds-sub007/internal/dbstore"
)

// fakeStore is a minimal in-process dbstore.Store standing in for
// Postgres so this package's tests never need a live database.
type fakeStore struct {
	rows map[string]*dbstore.UniqueIDRow // key: basename + "/" + seq
	now  time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[string]*dbstore.UniqueIDRow{}, now: time.Unix(1700000000, 0)}
}

func key(basename string, seq int64) string {
	return basename + "/" + fmtInt(seq)
}

func fmtInt(v int64) string {
	neg := v < 0
	if neg {
		v = -v
	}
	buf := []byte{}
	if v == 0 {
		buf = []byte{'0'}
	}
	for v > 0 {
		buf = append([]byte{byte('0' + v%10)}, buf...)
		v /= 10
	}
	if neg {
		buf = append([]byte{'-'}, buf...)
	}
	return string(buf)
}

func (f *fakeStore) Now(ctx context.Context) (time.Time, error) { return f.now, nil }

func (f *fakeStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx dbstore.Tx) error) error {
	return fn(ctx, f)
}

func (f *fakeStore) Select(ctx context.Context, dest any, query string, args ...any) error {
	return nil
}
func (f *fakeStore) Get(ctx context.Context, dest any, query string, args ...any) error { return nil }
func (f *fakeStore) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return nil, nil
}

func (f *fakeStore) Providers() dbstore.ProviderRepo                   { return nil }
func (f *fakeStore) Services() dbstore.ServiceRepo                     { return nil }
func (f *fakeStore) ServicePools() dbstore.ServicePoolRepo             { return nil }
func (f *fakeStore) Publications() dbstore.PublicationRepo             { return nil }
func (f *fakeStore) UserServices() dbstore.UserServiceRepo             { return nil }
func (f *fakeStore) SchedulerJobs() dbstore.SchedulerJobRepo           { return nil }
func (f *fakeStore) Properties() dbstore.PropertyRepo                  { return nil }
func (f *fakeStore) DeferredDeletions() dbstore.DeferredDeletionRepo   { return nil }
func (f *fakeStore) Accounts() dbstore.AccountRepo                     { return nil }
func (f *fakeStore) Calendars() dbstore.CalendarRepo                   { return nil }
func (f *fakeStore) Close() error                                      { return nil }
func (f *fakeStore) UniqueIDs() dbstore.UniqueIDRepo                   { return f }

func (f *fakeStore) FirstFree(ctx context.Context, tx dbstore.Tx, basename string, rangeStart, rangeEnd int64) (int64, error) {
	var seqs []int64
	for _, row := range f.rows {
		if row.Basename == basename && !row.Assigned && row.Seq >= rangeStart && row.Seq <= rangeEnd {
			seqs = append(seqs, row.Seq)
		}
	}
	if len(seqs) == 0 {
		return 0, sql.ErrNoRows
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs[0], nil
}

func (f *fakeStore) HighestAssigned(ctx context.Context, tx dbstore.Tx, basename string, rangeStart, rangeEnd int64) (int64, error) {
	highest := int64(-1)
	for _, row := range f.rows {
		if row.Basename == basename && row.Assigned && row.Seq >= rangeStart && row.Seq <= rangeEnd {
			if row.Seq > highest {
				highest = row.Seq
			}
		}
	}
	return highest, nil
}

func (f *fakeStore) Claim(ctx context.Context, tx dbstore.Tx, owner, basename string, seq int64, stamp time.Time) error {
	k := key(basename, seq)
	row, ok := f.rows[k]
	if !ok {
		return sql.ErrNoRows
	}
	row.Owner, row.Assigned, row.Stamp = owner, true, stamp
	return nil
}

func (f *fakeStore) Create(ctx context.Context, tx dbstore.Tx, row dbstore.UniqueIDRow) error {
	f.rows[key(row.Basename, row.Seq)] = &row
	return nil
}

func (f *fakeStore) Free(ctx context.Context, tx dbstore.Tx, basename string, seq int64, now time.Time) (bool, error) {
	row, ok := f.rows[key(basename, seq)]
	if !ok {
		return false, nil
	}
	row.Owner, row.Assigned, row.Stamp = "", false, now
	return true, nil
}

func (f *fakeStore) Purge(ctx context.Context, tx dbstore.Tx, basename string, rangeStart int64) error {
	highest, _ := f.HighestAssigned(ctx, tx, basename, rangeStart, MaxSeq)
	cutoff := rangeStart
	if highest >= 0 {
		cutoff = highest + 1
	}
	for k, row := range f.rows {
		if row.Basename == basename && !row.Assigned && row.Seq >= cutoff {
			delete(f.rows, k)
		}
	}
	return nil
}

func (f *fakeStore) ReleaseAll(ctx context.Context, tx dbstore.Tx, owner, basename string) error {
	for _, row := range f.rows {
		if row.Basename == basename && row.Owner == owner {
			row.Owner, row.Assigned = "", false
		}
	}
	return nil
}

func (f *fakeStore) ReleaseOlderThan(ctx context.Context, owner, basename string, stamp time.Time) error {
	for _, row := range f.rows {
		if row.Basename == basename && row.Owner == owner && row.Stamp.Before(stamp) {
			row.Owner, row.Assigned = "", false
		}
	}
	return nil
}
