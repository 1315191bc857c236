// Package cacheupdater implements the periodic cache reconciliation
// job. Each tick it visits every pool needing attention and moves it
// one step closer to its configured L1/L2/assigned targets: at most
// one grow or reduce action per pool per run.
package cacheupdater

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/VirtualCable/openuds-sub007/internal/dbstore"
	"github.com/VirtualCable/openuds-sub007/internal/engine"
	"github.com/VirtualCable/openuds-sub007/internal/events"
	"github.com/VirtualCable/openuds-sub007/internal/log"
	"github.com/VirtualCable/openuds-sub007/internal/metrics"
	"github.com/VirtualCable/openuds-sub007/internal/provider"
	"github.com/VirtualCable/openuds-sub007/internal/uderrors"
	"github.com/VirtualCable/openuds-sub007/internal/userservice"
)

var logger = log.WithComponent("cacheupdater")

// Frequency is udsd's long-standing cache updater cadence: 19 seconds.
const Frequency = 19 * time.Second

// Job is the Cache Updater, registered into a scheduler.Registry under
// Name().
type Job struct{}

func New() *Job { return &Job{} }

func (j *Job) Name() string            { return "cache-updater" }
func (j *Job) Frequency() time.Duration { return Frequency }

func (j *Job) Run(ctx context.Context, eng *engine.Engine) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.CacheUpdaterDuration)
		metrics.CacheUpdaterCyclesTotal.Inc()
	}()

	pools, err := eng.Store.ServicePools().NeedingCacheUpdate(ctx)
	if err != nil {
		return err
	}

	now, err := eng.Store.Now(ctx)
	if err != nil {
		return err
	}

	m := userservice.New(eng)
	for _, pool := range pools {
		if err := j.reconcilePool(ctx, eng, m, pool, now); err != nil {
			logger.Error().Err(err).Str("pool", pool.ID).Msg("cache updater failed to reconcile pool")
		}
	}
	return nil
}

// reconcilePool decides, and takes, at most one grow/reduce action for
// pool, following the priority chain verbatim including its
// two preserved quirks (noted at each branch).
func (j *Job) reconcilePool(ctx context.Context, eng *engine.Engine, m *userservice.Machine, pool *dbstore.ServicePool, now time.Time) error {
	if pool.RestrainedUntil != nil && now.Before(*pool.RestrainedUntil) {
		j.publishEvent(eng, events.EventPoolRestrained, pool.ID, "")
		return nil
	}

	pub, err := eng.Store.Publications().ActiveFor(ctx, pool.ID)
	switch {
	case err == nil && pub.State == dbstore.PublicationPreparing:
		return nil // publication not ready yet, nothing safe to do this tick
	case err == nil && pub.State == dbstore.PublicationUsable:
		if err := j.sweepStalePublication(ctx, eng, m, pool, pub); err != nil {
			return err
		}
	}

	service, err := eng.Store.Services().Get(ctx, pool.ServiceID)
	if err != nil {
		return err
	}
	providerRow, err := eng.Store.Providers().Get(ctx, service.ProviderID)
	if err != nil {
		return err
	}
	plugin, err := eng.Providers.New(providerRow.TypeName, providerRow.Data)
	if err != nil {
		return err
	}

	inCacheL1, err := eng.Store.UserServices().CountByPoolAndLevel(ctx, pool.ID, dbstore.CacheLevelL1)
	if err != nil {
		return err
	}
	inCacheL2 := 0
	if service.UsesCacheL2 {
		inCacheL2, err = eng.Store.UserServices().CountByPoolAndLevel(ctx, pool.ID, dbstore.CacheLevelL2)
		if err != nil {
			return err
		}
	}
	inAssigned, err := eng.Store.UserServices().CountByPoolAndLevel(ctx, pool.ID, dbstore.CacheLevelNone)
	if err != nil {
		return err
	}
	totalL1Assigned := inCacheL1 + inAssigned

	metrics.CacheLevelSize.WithLabelValues(pool.ID, "l1").Set(float64(inCacheL1))
	metrics.CacheLevelSize.WithLabelValues(pool.ID, "l2").Set(float64(inCacheL2))
	metrics.CacheLevelSize.WithLabelValues(pool.ID, "assigned").Set(float64(inAssigned))

	switch {
	case totalL1Assigned > pool.MaxServices:
		return j.reduceL1Cache(ctx, eng, m, pool, service, plugin, inCacheL2)
	case totalL1Assigned > pool.InitialServices && inCacheL1 > pool.CacheL1Services:
		return j.reduceL1Cache(ctx, eng, m, pool, service, plugin, inCacheL2)
	case inCacheL2 > pool.CacheL2Services:
		return j.reduceL2Cache(ctx, eng, m, pool, plugin)
	}

	canGrow, err := plugin.CanGrow(ctx)
	if err != nil {
		return err
	}
	if !canGrow {
		return nil
	}

	switch {
	case inCacheL2 < pool.CacheL2Services:
		return j.growL2Cache(ctx, eng, m, pool, plugin)
	case totalL1Assigned == pool.MaxServices:
		// Preserved quirk: an exact-equality skip, not >=. A pool sitting
		// precisely at capacity is left alone even though it is also
		// "not yet at initial/L1 target" by the next branch's test.
		return nil
	case totalL1Assigned < pool.InitialServices || inCacheL1 < pool.CacheL1Services:
		return j.growL1Cache(ctx, eng, m, pool, service, plugin)
	}
	return nil
}

// sweepStalePublication retires UserServices still tied to an older
// publication once pub reaches USABLE: cached (L1/L2) entries and
// not-in-use assigned entries are released into the removable queue
// straight away; in-use assigned entries are left serving their
// session but marked to-be-replaced so the next logout releases them
// instead of leaving them usable on a stale revision.
func (j *Job) sweepStalePublication(ctx context.Context, eng *engine.Engine, m *userservice.Machine, pool *dbstore.ServicePool, pub *dbstore.Publication) error {
	stale, err := eng.Store.UserServices().ListStale(ctx, pool.ID, pub.ID)
	if err != nil {
		return err
	}
	for _, us := range stale {
		switch {
		case us.CacheLevel != dbstore.CacheLevelNone:
			if err := m.Release(ctx, us.ID); err != nil {
				return err
			}
		case !us.InUse:
			if err := m.Release(ctx, us.ID); err != nil {
				return err
			}
		default:
			if err := m.MarkToBeReplaced(ctx, us.ID); err != nil {
				return err
			}
		}
	}
	if len(stale) > 0 {
		j.publishEvent(eng, events.EventPublicationSwept, pool.ID, "")
	}
	return nil
}

// promotionCandidate is the L1⇄L2 scan's rejection guard, preserved
// verbatim: a candidate is skipped (left where it is) when its engine
// state isn't usable, or when its os_state already reports usable --
// this looks inverted but is intentional.
func promotionCandidate(us *dbstore.UserService) bool {
	return !(!us.State.IsUsable() || us.OsState.IsUsable())
}

// growL1Cache first tries to promote an existing, idle L2 entry into L1;
// only if none qualifies does it provision a brand new one.
func (j *Job) growL1Cache(ctx context.Context, eng *engine.Engine, m *userservice.Machine, pool *dbstore.ServicePool, service *dbstore.Service, plugin provider.Plugin) error {
	if service.UsesCacheL2 {
		candidates, err := eng.Store.UserServices().ListByPoolAndLevel(ctx, pool.ID, dbstore.CacheLevelL2, true)
		if err != nil {
			return err
		}
		for _, us := range candidates {
			if !promotionCandidate(us) {
				continue
			}
			return eng.Store.Atomic(ctx, func(ctx context.Context, tx dbstore.Tx) error {
				us.CacheLevel = dbstore.CacheLevelL1
				if err := eng.Store.UserServices().Update(ctx, tx, us); err != nil {
					return err
				}
				j.publishAction(eng, "promote_l2_to_l1", pool.ID)
				return nil
			})
		}
	}

	us := &dbstore.UserService{ID: uuid.NewString(), ServicePoolID: pool.ID}
	if err := m.DeployForCache(ctx, us, dbstore.CacheLevelL1, plugin); err != nil {
		if uderrors.Is(err, uderrors.KindMaxServicesReached) {
			logger.Warn().Str("pool", pool.ID).Msg("cannot grow l1 cache, provider at capacity")
			return nil
		}
		return err
	}
	j.publishAction(eng, "grow_l1", pool.ID)
	return nil
}

// growL2Cache always provisions a new entry directly; this path never
// demotes an L1 item into L2.
func (j *Job) growL2Cache(ctx context.Context, eng *engine.Engine, m *userservice.Machine, pool *dbstore.ServicePool, plugin provider.Plugin) error {
	us := &dbstore.UserService{ID: uuid.NewString(), ServicePoolID: pool.ID}
	if err := m.DeployForCache(ctx, us, dbstore.CacheLevelL2, plugin); err != nil {
		if uderrors.Is(err, uderrors.KindMaxServicesReached) {
			logger.Warn().Str("pool", pool.ID).Msg("cannot grow l2 cache, provider at capacity")
			return nil
		}
		return err
	}
	j.publishAction(eng, "grow_l2", pool.ID)
	return nil
}

// reduceL1Cache prefers demoting the oldest eligible L1 entry down to L2
// over destroying it outright; destruction picks the newest L1 entry,
// newest first. The demotion path only runs while L2 still has room
// (inCacheL2 < pool.CacheL2Services) -- otherwise a demotion would just
// trade an L1 overflow for an L2 one.
func (j *Job) reduceL1Cache(ctx context.Context, eng *engine.Engine, m *userservice.Machine, pool *dbstore.ServicePool, service *dbstore.Service, plugin provider.Plugin, inCacheL2 int) error {
	if service.UsesCacheL2 && inCacheL2 < pool.CacheL2Services {
		candidates, err := eng.Store.UserServices().ListByPoolAndLevel(ctx, pool.ID, dbstore.CacheLevelL1, true)
		if err != nil {
			return err
		}
		for _, us := range candidates {
			if !promotionCandidate(us) {
				continue
			}
			return eng.Store.Atomic(ctx, func(ctx context.Context, tx dbstore.Tx) error {
				us.CacheLevel = dbstore.CacheLevelL2
				if err := eng.Store.UserServices().Update(ctx, tx, us); err != nil {
					return err
				}
				j.publishAction(eng, "demote_l1_to_l2", pool.ID)
				return nil
			})
		}
	}

	newest, err := eng.Store.UserServices().ListByPoolAndLevel(ctx, pool.ID, dbstore.CacheLevelL1, false)
	if err != nil {
		return err
	}
	if len(newest) == 0 {
		return nil
	}
	if err := removeOrCancel(ctx, m, newest[0], plugin); err != nil {
		return err
	}
	j.publishAction(eng, "reduce_l1", pool.ID)
	return nil
}

// reduceL2Cache always destroys the oldest L2 entry.
func (j *Job) reduceL2Cache(ctx context.Context, eng *engine.Engine, m *userservice.Machine, pool *dbstore.ServicePool, plugin provider.Plugin) error {
	oldest, err := eng.Store.UserServices().ListByPoolAndLevel(ctx, pool.ID, dbstore.CacheLevelL2, true)
	if err != nil {
		return err
	}
	if len(oldest) == 0 {
		return nil
	}
	if err := removeOrCancel(ctx, m, oldest[0], plugin); err != nil {
		return err
	}
	j.publishAction(eng, "reduce_l2", pool.ID)
	return nil
}

// removeOrCancel asks a still-deploying entry to cancel; anything else
// is released into the removable sweep.
func removeOrCancel(ctx context.Context, m *userservice.Machine, us *dbstore.UserService, plugin provider.Plugin) error {
	if us.State == dbstore.StatePreparing {
		return m.Cancel(ctx, us.ID, plugin)
	}
	return m.Release(ctx, us.ID)
}

func (j *Job) publishAction(eng *engine.Engine, action, poolID string) {
	metrics.CacheUpdaterActionsTotal.WithLabelValues(action).Inc()
	eventType := events.EventCacheGrown
	if action == "reduce_l1" || action == "reduce_l2" || action == "demote_l1_to_l2" {
		eventType = events.EventCacheReduced
	}
	j.publishEvent(eng, eventType, poolID, action)
}

func (j *Job) publishEvent(eng *engine.Engine, t events.EventType, poolID, action string) {
	if eng.Events == nil {
		return
	}
	meta := map[string]string{"service_pool_id": poolID}
	if action != "" {
		meta["action"] = action
	}
	eng.Events.Publish(&events.Event{Type: t, Metadata: meta})
}
