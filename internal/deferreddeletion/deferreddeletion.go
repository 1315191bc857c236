// Package deferreddeletion implements the four-queue deferred deletion
// worker. Each queue (to_stop, stopping, to_delete, deleting) is a row
// in dbstore.DeferredDeletionRepo rather than an in-process dict, so
// progress survives a process restart (see DESIGN.md).
package deferreddeletion

import (
	"context"
	"time"

	"github.com/VirtualCable/openuds-sub007/internal/dbstore"
	"github.com/VirtualCable/openuds-sub007/internal/engine"
	"github.com/VirtualCable/openuds-sub007/internal/log"
	"github.com/VirtualCable/openuds-sub007/internal/metrics"
	"github.com/VirtualCable/openuds-sub007/internal/provider"
	"github.com/VirtualCable/openuds-sub007/internal/uderrors"
)

var logger = log.WithComponent("deferreddeletion")

const (
	MaxFatalErrorRetries     = 16
	MaxRetryableErrorRetries = 8192 // roughly 25 hours at the default check interval
	RetriesToRetry           = 32
	MaxDeletionsAtOnce       = 32

	CheckInterval                 = 11 * time.Second
	FatalErrorIntervalMultiplier  = 2
	operationDelayThreshold       = 2.0 // seconds
	maxDelayRate                  = 4.0
)

// Frequency is udsd's long-standing deferred deletion cadence: 7 seconds.
const Frequency = 7 * time.Second

// Job is the Deferred Deletion worker, registered under Name() into a
// scheduler.Registry.
type Job struct{}

func New() *Job { return &Job{} }

func (j *Job) Name() string            { return "deferred-deletion" }
func (j *Job) Frequency() time.Duration { return Frequency }

func (j *Job) Run(ctx context.Context, eng *engine.Engine) error {
	w := &worker{eng: eng, plugins: map[string]provider.VMLifecycle{}}
	w.processToStop(ctx)
	w.processStopping(ctx)
	w.processToDelete(ctx)
	w.processDeleting(ctx)
	return nil
}

// Add schedules vmid (owned by service serviceUUID) for destruction.
// executeLater=false runs the first step synchronously: a "delete now
// if cheap" fast path.
func Add(ctx context.Context, eng *engine.Engine, plugin provider.VMLifecycle, serviceUUID, vmid string, executeLater bool) error {
	now, err := eng.Store.Now(ctx)
	if err != nil {
		return err
	}
	if executeLater {
		queue := dbstore.QueueToDelete
		if plugin != nil && plugin.MustStopBeforeDeletion() {
			queue = dbstore.QueueToStop
		}
		return eng.Store.DeferredDeletions().Create(ctx, &dbstore.DeferredDeletion{
			ServiceUUID: serviceUUID, Vmid: vmid, Queue: queue, CreatedAt: now, NextCheck: now,
		})
	}

	if plugin == nil {
		return nil // provider has no VM-level lifecycle to tear down
	}

	start := time.Now()
	if plugin.MustStopBeforeDeletion() {
		running, err := plugin.IsRunning(ctx, vmid)
		if err == nil && running {
			if plugin.ShouldTrySoftShutdown() {
				err = plugin.Shutdown(ctx, vmid)
			} else {
				err = plugin.Stop(ctx, vmid)
			}
			if err != nil && !uderrors.Is(err, uderrors.KindNotFound) {
				logger.Warn().Err(err).Str("vmid", vmid).Msg("could not stop vm before deletion, retrying later")
			}
			return eng.Store.DeferredDeletions().Create(ctx, &dbstore.DeferredDeletion{
				ServiceUUID: serviceUUID, Vmid: vmid, Queue: dbstore.QueueStopping,
				CreatedAt: now, NextCheck: nextExecution(now, false, delayRateFor(time.Since(start))),
			})
		}
	}

	execErr := plugin.ExecuteDelete(ctx, vmid)
	if execErr != nil {
		if uderrors.Is(execErr, uderrors.KindNotFound) {
			return nil
		}
		logger.Warn().Err(execErr).Str("vmid", vmid).Msg("could not delete vm, retrying later")
		return eng.Store.DeferredDeletions().Create(ctx, &dbstore.DeferredDeletion{
			ServiceUUID: serviceUUID, Vmid: vmid, Queue: dbstore.QueueToDelete,
			CreatedAt: now, NextCheck: nextExecution(now, false, delayRateFor(time.Since(start))),
		})
	}
	return eng.Store.DeferredDeletions().Create(ctx, &dbstore.DeferredDeletion{
		ServiceUUID: serviceUUID, Vmid: vmid, Queue: dbstore.QueueDeleting,
		CreatedAt: now, NextCheck: nextExecution(now, false, delayRateFor(time.Since(start))),
	})
}

// nextExecution computes the next check time for a retry, stretching
// the interval for fatal errors and slow operations.
func nextExecution(now time.Time, fatal bool, delayRate float64) time.Time {
	mult := 1
	if fatal {
		mult = FatalErrorIntervalMultiplier
	}
	return now.Add(time.Duration(float64(CheckInterval) * float64(mult) * delayRate))
}

// delayRateFor scales the retry interval by how long the last attempt
// took: operations well under the threshold don't stretch the next
// check; slower ones push it out, capped at maxDelayRate.
func delayRateFor(elapsed time.Duration) float64 {
	rate := elapsed.Seconds() / operationDelayThreshold
	if rate < 1 {
		return 1
	}
	if rate > maxDelayRate {
		return maxDelayRate
	}
	return rate
}

type worker struct {
	eng     *engine.Engine
	plugins map[string]provider.VMLifecycle
}

func (w *worker) lifecycleFor(ctx context.Context, serviceUUID string) (provider.VMLifecycle, error) {
	if vm, ok := w.plugins[serviceUUID]; ok {
		return vm, nil
	}
	service, err := w.eng.Store.Services().Get(ctx, serviceUUID)
	if err != nil {
		return nil, err
	}
	providerRow, err := w.eng.Store.Providers().Get(ctx, service.ProviderID)
	if err != nil {
		return nil, err
	}
	plugin, err := w.eng.Providers.New(providerRow.TypeName, providerRow.Data)
	if err != nil {
		return nil, err
	}
	vm, _ := plugin.(provider.VMLifecycle)
	w.plugins[serviceUUID] = vm
	return vm, nil
}

// take pops up to MaxDeletionsAtOnce ready entries from queue, dropping
// (and logging) any whose total_retries already exhausted the budget.
func (w *worker) take(ctx context.Context, queue dbstore.DeletionQueue) ([]*dbstore.DeferredDeletion, time.Time) {
	now, err := w.eng.Store.Now(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("deferred deletion: could not read clock")
		return nil, time.Time{}
	}
	rows, err := w.eng.Store.DeferredDeletions().TakeReady(ctx, queue, now, MaxDeletionsAtOnce)
	if err != nil {
		logger.Error().Err(err).Str("queue", string(queue)).Msg("deferred deletion: could not take ready entries")
		return nil, now
	}
	out := rows[:0]
	for _, d := range rows {
		if d.TotalRetries >= MaxRetryableErrorRetries {
			logger.Error().Str("vmid", d.Vmid).Str("service", d.ServiceUUID).Msg("too many retries deleting, abandoning")
			metrics.DeferredDeletionAbandonedTotal.Inc()
			continue
		}
		out = append(out, d)
	}
	return out, now
}

// processException classifies a failed step's error: a not-found error
// is silent success, a retryable error keeps the entry in toGroup with
// an incremented total_retries, anything else counts as a fatal retry
// with the doubled interval, and either budget exhausting the entry
// drops it.
func (w *worker) processException(ctx context.Context, d *dbstore.DeferredDeletion, toGroup dbstore.DeletionQueue, now time.Time, err error, delayRate float64) {
	if uderrors.Is(err, uderrors.KindNotFound) {
		return
	}
	kind := "fatal"
	if uderrors.Is(err, uderrors.KindRetryable) {
		kind = "retryable"
	}
	metrics.DeferredDeletionRetriesTotal.WithLabelValues(string(toGroup), kind).Inc()

	if !uderrors.Is(err, uderrors.KindRetryable) {
		d.NextCheck = nextExecution(now, true, delayRate)
		d.FatalRetries++
		if d.FatalRetries >= MaxFatalErrorRetries {
			logger.Error().Str("vmid", d.Vmid).Msg("fatal error deleting, abandoning")
			metrics.DeferredDeletionAbandonedTotal.Inc()
			return
		}
	} else {
		d.NextCheck = nextExecution(now, false, delayRate)
	}
	d.TotalRetries++
	if d.TotalRetries >= MaxRetryableErrorRetries {
		logger.Error().Str("vmid", d.Vmid).Msg("too many retries deleting, abandoning")
		metrics.DeferredDeletionAbandonedTotal.Inc()
		return
	}
	d.Queue = toGroup
	if createErr := w.eng.Store.DeferredDeletions().Create(ctx, d); createErr != nil {
		logger.Error().Err(createErr).Str("vmid", d.Vmid).Msg("could not persist deferred deletion retry")
	}
}

func (w *worker) processToStop(ctx context.Context) {
	rows, now := w.take(ctx, dbstore.QueueToStop)
	for _, d := range rows {
		start := time.Now()
		vm, err := w.lifecycleFor(ctx, d.ServiceUUID)
		if err != nil {
			w.processException(ctx, d, dbstore.QueueToStop, now, err, 1)
			continue
		}
		if vm == nil {
			d.Queue = dbstore.QueueToDelete
			w.persist(ctx, d)
			continue
		}
		running, err := vm.IsRunning(ctx, d.Vmid)
		if err != nil {
			w.processException(ctx, d, dbstore.QueueToStop, now, err, delayRateFor(time.Since(start)))
			continue
		}
		if !running {
			d.Queue = dbstore.QueueToDelete
			d.NextCheck = nextExecution(now, false, delayRateFor(time.Since(start)))
			w.persist(ctx, d)
			continue
		}
		if d.Retries < RetriesToRetry {
			if vm.ShouldTrySoftShutdown() {
				err = vm.Shutdown(ctx, d.Vmid)
			} else {
				err = vm.Stop(ctx, d.Vmid)
			}
			d.FatalRetries, d.TotalRetries = 0, 0
		} else {
			d.TotalRetries++
			d.Retries = 0
			err = vm.Stop(ctx, d.Vmid)
		}
		if err != nil {
			w.processException(ctx, d, dbstore.QueueToStop, now, err, delayRateFor(time.Since(start)))
			continue
		}
		d.NextCheck = nextExecution(now, false, delayRateFor(time.Since(start)))
		d.Queue = dbstore.QueueStopping
		w.persist(ctx, d)
	}
}

func (w *worker) processStopping(ctx context.Context) {
	rows, now := w.take(ctx, dbstore.QueueStopping)
	for _, d := range rows {
		start := time.Now()
		d.Retries++
		if d.Retries > RetriesToRetry {
			d.NextCheck = nextExecution(now, false, 1)
			d.TotalRetries++
			d.Queue = dbstore.QueueToStop
			w.persist(ctx, d)
			continue
		}
		vm, err := w.lifecycleFor(ctx, d.ServiceUUID)
		if err != nil {
			w.processException(ctx, d, dbstore.QueueStopping, now, err, 1)
			continue
		}
		if vm == nil {
			d.NextCheck = nextExecution(now, false, 1)
			d.Queue = dbstore.QueueToDelete
			w.persist(ctx, d)
			continue
		}
		running, err := vm.IsRunning(ctx, d.Vmid)
		if err != nil {
			w.processException(ctx, d, dbstore.QueueStopping, now, err, delayRateFor(time.Since(start)))
			continue
		}
		rate := delayRateFor(time.Since(start))
		if running {
			d.NextCheck = nextExecution(now, false, rate)
			d.TotalRetries++
			d.Queue = dbstore.QueueStopping
		} else {
			d.NextCheck = nextExecution(now, false, rate)
			d.FatalRetries, d.TotalRetries = 0, 0
			d.Queue = dbstore.QueueToDelete
		}
		w.persist(ctx, d)
	}
}

func (w *worker) processToDelete(ctx context.Context) {
	rows, now := w.take(ctx, dbstore.QueueToDelete)
	for _, d := range rows {
		start := time.Now()
		vm, err := w.lifecycleFor(ctx, d.ServiceUUID)
		if err != nil {
			w.processException(ctx, d, dbstore.QueueToDelete, now, err, 1)
			continue
		}
		if vm == nil {
			continue // nothing this provider can do; drop the entry
		}
		if vm.MustStopBeforeDeletion() {
			running, err := vm.IsRunning(ctx, d.Vmid)
			if err == nil && running {
				d.Queue = dbstore.QueueToStop
				w.persist(ctx, d)
				continue
			}
		}
		if err := vm.ExecuteDelete(ctx, d.Vmid); err != nil {
			w.processException(ctx, d, dbstore.QueueToDelete, now, err, delayRateFor(time.Since(start)))
			continue
		}
		d.NextCheck = nextExecution(now, false, delayRateFor(time.Since(start)))
		d.Retries = 0
		d.TotalRetries++
		d.Queue = dbstore.QueueDeleting
		w.persist(ctx, d)
	}
}

func (w *worker) processDeleting(ctx context.Context) {
	rows, now := w.take(ctx, dbstore.QueueDeleting)
	for _, d := range rows {
		start := time.Now()
		d.Retries++
		if d.Retries > RetriesToRetry {
			d.NextCheck = nextExecution(now, false, 1)
			d.TotalRetries++
			d.Queue = dbstore.QueueToDelete
			w.persist(ctx, d)
			continue
		}
		vm, err := w.lifecycleFor(ctx, d.ServiceUUID)
		if err != nil {
			w.processException(ctx, d, dbstore.QueueDeleting, now, err, 1)
			continue
		}
		if vm == nil {
			continue // nothing more this provider can report; drop the entry
		}
		deleted, err := vm.IsDeleted(ctx, d.Vmid)
		if err != nil {
			w.processException(ctx, d, dbstore.QueueDeleting, now, err, delayRateFor(time.Since(start)))
			continue
		}
		if !deleted {
			d.NextCheck = nextExecution(now, false, delayRateFor(time.Since(start)))
			d.TotalRetries++
			d.Queue = dbstore.QueueDeleting
			w.persist(ctx, d)
		}
		// deleted: drop the entry, nothing more to do.
	}
}

func (w *worker) persist(ctx context.Context, d *dbstore.DeferredDeletion) {
	if err := w.eng.Store.DeferredDeletions().Create(ctx, d); err != nil {
		logger.Error().Err(err).Str("vmid", d.Vmid).Msg("could not persist deferred deletion state")
	}
}
