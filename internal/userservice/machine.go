// Package userservice implements the per-UserService finite state
// machine and its state-advancing methods. Machine operates purely on
// a *dbstore.Store and an entity id — it holds no cached UserService
// pointer across calls.
package userservice

import (
	"context"
	"fmt"
	"time"

	"github.com/VirtualCable/openuds-sub007/internal/dbstore"
	"github.com/VirtualCable/openuds-sub007/internal/engine"
	"github.com/VirtualCable/openuds-sub007/internal/events"
	"github.com/VirtualCable/openuds-sub007/internal/log"
	"github.com/VirtualCable/openuds-sub007/internal/provider"
	"github.com/VirtualCable/openuds-sub007/internal/uderrors"
)

var logger = log.WithComponent("userservice")

// Machine advances one UserService's state, given the engine resources
// it needs to reach the provider plug-in and persist transitions.
type Machine struct {
	eng *engine.Engine
}

func New(eng *engine.Engine) *Machine {
	return &Machine{eng: eng}
}

// DeployForUser creates us and starts provisioning it for direct
// assignment to userID. The provider call happens with no transaction
// open: the row is created in a short Atomic, the plug-in is invoked
// against the detached struct, and the result is written back in a
// second Atomic (see internal/deferreddeletion for the same shape).
func (m *Machine) DeployForUser(ctx context.Context, us *dbstore.UserService, plugin provider.Plugin) error {
	if err := m.create(ctx, us); err != nil {
		return err
	}
	result, err := plugin.DeployForUser(ctx, us)
	if err != nil {
		return err
	}
	return m.eng.Store.Atomic(ctx, func(ctx context.Context, tx dbstore.Tx) error {
		return m.applyTaskResult(ctx, tx, us, result)
	})
}

// DeployForCache creates us already tagged for cache level, with the
// same create → call plug-in (no tx) → write result shape as
// DeployForUser.
func (m *Machine) DeployForCache(ctx context.Context, us *dbstore.UserService, level dbstore.CacheLevel, plugin provider.Plugin) error {
	us.CacheLevel = level
	if err := m.create(ctx, us); err != nil {
		return err
	}
	result, err := plugin.DeployForCache(ctx, us, level)
	if err != nil {
		return err
	}
	return m.eng.Store.Atomic(ctx, func(ctx context.Context, tx dbstore.Tx) error {
		return m.applyTaskResult(ctx, tx, us, result)
	})
}

// create persists us's initial PREPARING row in its own short transaction.
func (m *Machine) create(ctx context.Context, us *dbstore.UserService) error {
	now, err := m.eng.Store.Now(ctx)
	if err != nil {
		return err
	}
	us.State = dbstore.StatePreparing
	us.OsState = dbstore.OsStatePreparing
	us.StateDate = now
	us.CreatedAt = now
	return m.eng.Store.Atomic(ctx, func(ctx context.Context, tx dbstore.Tx) error {
		return m.eng.Store.UserServices().Create(ctx, tx, us)
	})
}

// CheckState polls the scheduled "check state" pass: the plug-in's
// RUNNING/FINISHED/ERROR return advances PREPARING or CANCELING
// toward USABLE, REMOVABLE, or ERROR. The read, the plug-in call, and
// the write are each their own step; no transaction spans the
// plug-in call.
func (m *Machine) CheckState(ctx context.Context, id string, plugin provider.Plugin) error {
	us, err := m.eng.Store.UserServices().Get(ctx, id)
	if err != nil {
		return err
	}
	if us.State != dbstore.StatePreparing && us.State != dbstore.StateCanceling {
		return nil // nothing to poll
	}
	result, err := plugin.CheckState(ctx, us)
	if err != nil {
		return err
	}
	return m.eng.Store.Atomic(ctx, func(ctx context.Context, tx dbstore.Tx) error {
		return m.applyTaskResult(ctx, tx, us, result)
	})
}

// applyTaskResult persists the FSM transition implied by a plug-in's
// TaskResult for an already-created row.
func (m *Machine) applyTaskResult(ctx context.Context, tx dbstore.Tx, us *dbstore.UserService, result provider.TaskResult) error {
	now, err := m.eng.Store.Now(ctx)
	if err != nil {
		return err
	}
	switch result.Status {
	case provider.Running:
		return nil // no transition
	case provider.Finished:
		if us.State == dbstore.StateCanceling {
			us.State = dbstore.StateRemovable
		} else {
			us.State = dbstore.StateUsable
		}
	case provider.Failed:
		us.State = dbstore.StateError
		m.publish(events.EventUserServiceError, us.ID, result.Reason)
	}
	us.StateDate = now
	return m.eng.Store.UserServices().Update(ctx, tx, us)
}

// NotifyReady implements the actor/OS-manager "ready" callback: sets
// os_state=USABLE. Cache-level post-ready moves are left to
// the caller (internal/cacheupdater), which enqueues them explicitly
// rather than this Machine reaching sideways into cache policy.
func (m *Machine) NotifyReady(ctx context.Context, id string) error {
	return m.eng.Store.Atomic(ctx, func(ctx context.Context, tx dbstore.Tx) error {
		us, err := m.eng.Store.UserServices().Get(ctx, id)
		if err != nil {
			return err
		}
		us.OsState = dbstore.OsStateUsable
		if err := m.eng.Store.UserServices().Update(ctx, tx, us); err != nil {
			return err
		}
		m.publish(events.EventUserServiceReady, us.ID, "")
		return nil
	})
}

// AssignToUser implements assign_to_user(U): pulls us out of cache and
// assigns it to userID.
func (m *Machine) AssignToUser(ctx context.Context, id, userID string) error {
	return m.eng.Store.Atomic(ctx, func(ctx context.Context, tx dbstore.Tx) error {
		us, err := m.eng.Store.UserServices().Get(ctx, id)
		if err != nil {
			return err
		}
		if !us.State.IsUsable() {
			return uderrors.NewInvalidService(fmt.Errorf("userservice %s is not usable (state=%s)", id, us.State))
		}
		now, err := m.eng.Store.Now(ctx)
		if err != nil {
			return err
		}
		us.CacheLevel = dbstore.CacheLevelNone
		us.AssignedUserID = &userID
		us.StateDate = now
		if err := m.eng.Store.UserServices().Update(ctx, tx, us); err != nil {
			return err
		}
		m.publish(events.EventUserServiceAssigned, us.ID, userID)
		return nil
	})
}

// SetInUseTrue implements setInUse(true)/setConnectionSource(): records
// in_use=true, in_use_date=now and the caller's ip/hostname on us, and
// opens an accounting row under accountID if given. Opening is
// idempotent: an already open usage for this UserService is left
// untouched.
func (m *Machine) SetInUseTrue(ctx context.Context, id, accountID, userName, poolName, srcIP, srcHostname string) error {
	return m.eng.Store.Atomic(ctx, func(ctx context.Context, tx dbstore.Tx) error {
		now, err := m.eng.Store.Now(ctx)
		if err != nil {
			return err
		}
		us, err := m.eng.Store.UserServices().Get(ctx, id)
		if err != nil {
			return err
		}
		us.InUse = true
		us.InUseDate = &now
		us.SrcIP = srcIP
		us.SrcHostname = srcHostname
		if err := m.eng.Store.UserServices().Update(ctx, tx, us); err != nil {
			return err
		}
		if accountID == "" {
			m.publish(events.EventUserServiceLoggedIn, id, "")
			return nil
		}
		return m.eng.Store.Accounts().OpenUsage(ctx, &dbstore.AccountUsage{
			AccountID:     accountID,
			UserServiceID: id,
			UserName:      userName,
			PoolName:      poolName,
			Start:         now,
		})
	})
}

// SetInUseFalse implements setInUse(false): records in_use=false,
// in_use_date=now, closes any open accounting row, and, if
// removeOnLogout or us was marked ToBeReplaced by a publication-replace
// sweep, enqueues removal by transitioning straight to REMOVABLE.
func (m *Machine) SetInUseFalse(ctx context.Context, id string, removeOnLogout bool) error {
	return m.eng.Store.Atomic(ctx, func(ctx context.Context, tx dbstore.Tx) error {
		now, err := m.eng.Store.Now(ctx)
		if err != nil {
			return err
		}
		if err := m.eng.Store.Accounts().CloseUsage(ctx, id, now); err != nil {
			return err
		}
		us, err := m.eng.Store.UserServices().Get(ctx, id)
		if err != nil {
			return err
		}
		us.InUse = false
		us.InUseDate = &now
		shouldRemove := removeOnLogout || us.ToBeReplaced
		if !shouldRemove {
			if err := m.eng.Store.UserServices().Update(ctx, tx, us); err != nil {
				return err
			}
			m.publish(events.EventUserServiceLoggedOut, id, "")
			return nil
		}
		us.State = dbstore.StateRemovable
		us.StateDate = now
		if err := m.eng.Store.UserServices().Update(ctx, tx, us); err != nil {
			return err
		}
		m.publish(events.EventUserServiceLoggedOut, id, "")
		return nil
	})
}

// MarkToBeReplaced implements the publication-replace sweep's marker
// step for a USABLE, in-use instance on a superseded publication: us
// keeps serving its current session, but the next SetInUseFalse
// releases it instead of leaving it usable.
func (m *Machine) MarkToBeReplaced(ctx context.Context, id string) error {
	return m.eng.Store.Atomic(ctx, func(ctx context.Context, tx dbstore.Tx) error {
		us, err := m.eng.Store.UserServices().Get(ctx, id)
		if err != nil {
			return err
		}
		if us.State.IsTerminal() || us.ToBeReplaced {
			return nil
		}
		us.ToBeReplaced = true
		return m.eng.Store.UserServices().Update(ctx, tx, us)
	})
}

// Release implements release()/remove(): transitions us straight to
// REMOVABLE, from which only the Scheduler's REMOVABLE sweep advances it
// further.
func (m *Machine) Release(ctx context.Context, id string) error {
	return m.eng.Store.Atomic(ctx, func(ctx context.Context, tx dbstore.Tx) error {
		now, err := m.eng.Store.Now(ctx)
		if err != nil {
			return err
		}
		return m.releaseLocked(ctx, tx, id, now)
	})
}

func (m *Machine) releaseLocked(ctx context.Context, tx dbstore.Tx, id string, now time.Time) error {
	us, err := m.eng.Store.UserServices().Get(ctx, id)
	if err != nil {
		return err
	}
	if us.State.IsTerminal() {
		return nil
	}
	us.State = dbstore.StateRemovable
	us.StateDate = now
	return m.eng.Store.UserServices().Update(ctx, tx, us)
}

// Cancel implements cancel(): only meaningful while PREPARING, moves to
// CANCELING and asks the plug-in to stop. The plug-in call happens
// between the read and the write, with no transaction held across it.
func (m *Machine) Cancel(ctx context.Context, id string, plugin provider.Plugin) error {
	us, err := m.eng.Store.UserServices().Get(ctx, id)
	if err != nil {
		return err
	}
	if us.State != dbstore.StatePreparing {
		return nil
	}
	result, err := plugin.Cancel(ctx, us)
	if err != nil {
		return err
	}
	now, err := m.eng.Store.Now(ctx)
	if err != nil {
		return err
	}
	us.State = dbstore.StateCanceling
	us.StateDate = now
	return m.eng.Store.Atomic(ctx, func(ctx context.Context, tx dbstore.Tx) error {
		if err := m.eng.Store.UserServices().Update(ctx, tx, us); err != nil {
			return err
		}
		if result.Status == provider.Finished {
			return m.applyTaskResult(ctx, tx, us, result)
		}
		return nil
	})
}

// Destroy implements the REMOVABLE sweep's destroy() call: on FINISHED,
// transitions to REMOVED. Same shape as Cancel: read, call the
// plug-in with no tx held, then write the outcome.
func (m *Machine) Destroy(ctx context.Context, id string, plugin provider.Plugin) error {
	us, err := m.eng.Store.UserServices().Get(ctx, id)
	if err != nil {
		return err
	}
	if us.State != dbstore.StateRemovable {
		return nil
	}
	result, err := plugin.Destroy(ctx, us)
	if err != nil {
		return err
	}
	if result.Status == provider.Running {
		return nil
	}
	now, err := m.eng.Store.Now(ctx)
	if err != nil {
		return err
	}
	switch result.Status {
	case provider.Finished:
		us.State = dbstore.StateRemoved
		us.StateDate = now
	case provider.Failed:
		us.State = dbstore.StateError
		us.StateDate = now
	}
	if err := m.eng.Store.Atomic(ctx, func(ctx context.Context, tx dbstore.Tx) error {
		return m.eng.Store.UserServices().Update(ctx, tx, us)
	}); err != nil {
		return err
	}
	if result.Status == provider.Finished {
		m.publish(events.EventUserServiceRemoved, us.ID, "")
	}
	return nil
}

func (m *Machine) publish(t events.EventType, id, message string) {
	logger.Debug().Str("user_service_id", id).Str("event", string(t)).Msg("publishing user service event")
	if m.eng.Events == nil {
		return
	}
	m.eng.Events.Publish(&events.Event{
		Type:     t,
		Message:  message,
		Metadata: map[string]string{"user_service_id": id},
	})
}
