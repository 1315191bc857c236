// Package uniqueid implements the UniqueID allocator: a shared
// (basename, seq) range handed out under row-level locks so MACs, IPs,
// and other scarce identifiers never collide across hosts.
package uniqueid

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/VirtualCable/openuds-sub007/internal/dbstore"
	"github.com/VirtualCable/openuds-sub007/internal/log"
	"github.com/VirtualCable/openuds-sub007/internal/metrics"
)

// NotAvailable is returned by Allocate (as the returned seq) when the
// configured range is exhausted, using -1 as the sentinel.
const NotAvailable int64 = -1

// MaxSeq is the default upper bound of a basename's allocation range
// when the caller does not provide one.
const MaxSeq int64 = 1<<63 - 1

var errLocked = errors.New("uniqueid: row lock contention")

// Allocator hands out unique sequence numbers from a (basename, range)
// space, with owner-tagged rows so a caller can later free, transfer, or
// bulk-release everything it holds.
type Allocator struct {
	store dbstore.Store
	owner string
}

// New creates an Allocator whose rows will be tagged with owner — a
// stable identifier for the subsystem acquiring ids (e.g. "mac", "name").
func New(store dbstore.Store, owner string) *Allocator {
	return &Allocator{store: store, owner: owner}
}

// Allocate implements _get(): find a free slot in [rangeStart, rangeEnd],
// or extend the high-water mark by one past the highest assigned slot.
// Returns NotAvailable if the range is exhausted.
func Allocate(ctx context.Context, store dbstore.Store, owner, basename string, rangeStart int64, rangeEnd int64) (int64, error) {
	if rangeEnd == 0 {
		rangeEnd = MaxSeq
	}
	logger := log.WithComponent("uniqueid")

	op := func() (int64, error) {
		var seq int64
		err := store.Atomic(ctx, func(ctx context.Context, tx dbstore.Tx) error {
			now, err := store.Now(ctx)
			if err != nil {
				return err
			}

			free, err := store.UniqueIDs().FirstFree(ctx, tx, basename, rangeStart, rangeEnd)
			if err == nil {
				if err := store.UniqueIDs().Claim(ctx, tx, owner, basename, free, now); err != nil {
					return err
				}
				seq = free
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("uniqueid: scan for free slot: %w", err)
			}

			highest, err := store.UniqueIDs().HighestAssigned(ctx, tx, basename, rangeStart, rangeEnd)
			if err != nil {
				return fmt.Errorf("uniqueid: scan for highest assigned: %w", err)
			}
			next := rangeStart
			if highest >= 0 {
				next = highest + 1
			}
			if next > rangeEnd {
				seq = NotAvailable
				return nil
			}
			if err := store.UniqueIDs().Create(ctx, tx, dbstore.UniqueIDRow{
				Owner: owner, Basename: basename, Seq: next, Assigned: true, Stamp: now,
			}); err != nil {
				return fmt.Errorf("uniqueid: create new slot: %w", err)
			}
			seq = next
			return nil
		})
		if err != nil {
			logger.Warn().Err(err).Str("basename", basename).Msg("allocate retrying after lock contention")
			return 0, errLocked
		}
		return seq, nil
	}

	seq, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(time.Second)),
		backoff.WithMaxTries(5),
	)
	result := "ok"
	if err != nil || seq == NotAvailable {
		result = "exhausted"
	}
	metrics.UniqueIDAllocationsTotal.WithLabelValues(basename, result).Inc()
	if err != nil {
		return NotAvailable, fmt.Errorf("uniqueid: allocate %s: %w", basename, err)
	}
	return seq, nil
}

// Free implements _free(): release seq and purge any now-unassigned
// high-water-mark rows.
func Free(ctx context.Context, store dbstore.Store, basename string, seq int64) error {
	return store.Atomic(ctx, func(ctx context.Context, tx dbstore.Tx) error {
		now, err := store.Now(ctx)
		if err != nil {
			return err
		}
		freed, err := store.UniqueIDs().Free(ctx, tx, basename, seq, now)
		if err != nil {
			return err
		}
		if freed {
			return store.UniqueIDs().Purge(ctx, tx, basename, 0)
		}
		return nil
	})
}

// Transfer implements _transfer(): retags seq as belonging to toOwner.
func Transfer(ctx context.Context, store dbstore.Store, fromOwner, toOwner, basename string, seq int64) error {
	return store.Atomic(ctx, func(ctx context.Context, tx dbstore.Tx) error {
		now, err := store.Now(ctx)
		if err != nil {
			return err
		}
		return store.UniqueIDs().Claim(ctx, tx, toOwner, basename, seq, now)
	})
}

// ReleaseAll implements release(): releases every row this owner holds
// for basename, then purges.
func (a *Allocator) ReleaseAll(ctx context.Context, basename string) error {
	return a.store.Atomic(ctx, func(ctx context.Context, tx dbstore.Tx) error {
		if err := a.store.UniqueIDs().ReleaseAll(ctx, tx, a.owner, basename); err != nil {
			return err
		}
		return a.store.UniqueIDs().Purge(ctx, tx, basename, 0)
	})
}

// ReleaseOlderThan implements release_older_than(): a scan-then-update
// that is not held under a single lock across both steps, matching the
// original's accepted drift window (DESIGN.md Open Questions #3).
func (a *Allocator) ReleaseOlderThan(ctx context.Context, basename string, stamp time.Time) error {
	return a.store.UniqueIDs().ReleaseOlderThan(ctx, a.owner, basename, stamp)
}
