// Package servicemgr implements the Service Manager façade exposed to
// REST and OS-manager callbacks: GetUserService's six-step assignment
// algorithm, the notify_ready_from_osmanager and notify_event
// callbacks, and calendar-backed access policy, wired onto
// internal/userservice.Machine and internal/calendar.
package servicemgr

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/VirtualCable/openuds-sub007/internal/calendar"
	"github.com/VirtualCable/openuds-sub007/internal/dbstore"
	"github.com/VirtualCable/openuds-sub007/internal/engine"
	"github.com/VirtualCable/openuds-sub007/internal/events"
	"github.com/VirtualCable/openuds-sub007/internal/log"
	"github.com/VirtualCable/openuds-sub007/internal/uderrors"
	"github.com/VirtualCable/openuds-sub007/internal/userservice"
)

var logger = log.WithComponent("servicemgr")

// fallbackAccess is the access decision applied when a pool has no
// calendar rules at all, or none of its rules cover the instant being
// checked. ServicePool carries no per-pool override for this yet, so
// every pool defaults to "allow" absent an explicit deny rule — the
// Open Questions section records this as a deliberate default.
const fallbackAccess = true

// Manager is the façade's single entry point, holding just the engine
// resources its operations need.
type Manager struct {
	eng     *engine.Engine
	machine *userservice.Machine
}

func New(eng *engine.Engine) *Manager {
	return &Manager{eng: eng, machine: userservice.New(eng)}
}

// groupMatch reports whether any of userGroups appears in allowed. An
// empty allowed list means the pool has been assigned to nobody.
func groupMatch(allowed, userGroups []string) bool {
	if len(allowed) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(allowed))
	for _, g := range allowed {
		set[g] = struct{}{}
	}
	for _, g := range userGroups {
		if _, ok := set[g]; ok {
			return true
		}
	}
	return false
}

// GetUserService implements the get_user_service algorithm: validate
// group membership and calendar access, validate an active
// publication exists, then either reuse an existing assignment, promote
// a cached instance, grow a fresh one, or fail.
func (m *Manager) GetUserService(ctx context.Context, poolID, userID string, userGroups []string) (*dbstore.UserService, error) {
	pool, err := m.eng.Store.ServicePools().Get(ctx, poolID)
	if err != nil {
		return nil, fmt.Errorf("servicemgr: get pool %s: %w", poolID, err)
	}

	// (a) validate user ∈ pool's groups, and that calendar access allows it.
	if !groupMatch([]string(pool.AssignedGroups), userGroups) {
		return nil, uderrors.NewAccessDenied("pool %s is not assigned to any of the user's groups", poolID)
	}
	now, err := m.eng.Clock.Now(ctx)
	if err != nil {
		return nil, fmt.Errorf("servicemgr: read clock: %w", err)
	}
	allowed, err := calendar.IsAccessAllowed(ctx, m.eng.Store.Calendars(), poolID, now, fallbackAccess)
	if err != nil {
		return nil, fmt.Errorf("servicemgr: evaluate calendar for pool %s: %w", poolID, err)
	}
	if !allowed {
		m.publishDenied(poolID, userID)
		return nil, uderrors.NewAccessDenied("pool %s access denied by calendar", poolID)
	}

	// (b) validate active publication.
	publication, err := m.eng.Store.Publications().ActiveFor(ctx, poolID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, uderrors.NewInvalidService(err, "pool %s has no active publication", poolID)
		}
		return nil, fmt.Errorf("servicemgr: active publication for pool %s: %w", poolID, err)
	}

	// (c) prefer an already-assigned UserService to this user in this pool.
	existing, err := m.eng.Store.UserServices().GetAssignedForUser(ctx, poolID, userID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("servicemgr: lookup assigned user service: %w", err)
	}

	// (d) else promote one L1-cached USABLE service to this user.
	candidates, err := m.eng.Store.UserServices().ListByPoolAndLevel(ctx, poolID, dbstore.CacheLevelL1, true)
	if err != nil {
		return nil, fmt.Errorf("servicemgr: list cached user services: %w", err)
	}
	for _, candidate := range candidates {
		if !candidate.State.IsUsable() || !candidate.OsState.IsUsable() {
			continue
		}
		if err := m.machine.AssignToUser(ctx, candidate.ID, userID); err != nil {
			return nil, fmt.Errorf("servicemgr: assign cached service %s: %w", candidate.ID, err)
		}
		assigned, err := m.eng.Store.UserServices().Get(ctx, candidate.ID)
		if err != nil {
			return nil, fmt.Errorf("servicemgr: reload assigned service %s: %w", candidate.ID, err)
		}
		return assigned, nil
	}

	// (e) else if growth gate allows, create a new one PREPARING.
	service, err := m.eng.Store.Services().Get(ctx, pool.ServiceID)
	if err != nil {
		return nil, fmt.Errorf("servicemgr: get service %s: %w", pool.ServiceID, err)
	}
	provider, err := m.eng.Store.Providers().Get(ctx, service.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("servicemgr: get provider %s: %w", service.ProviderID, err)
	}
	plugin, err := m.eng.Providers.New(provider.TypeName, provider.Data)
	if err != nil {
		return nil, fmt.Errorf("servicemgr: instantiate provider %s: %w", provider.ID, err)
	}
	canGrow, err := plugin.CanGrow(ctx)
	if err != nil {
		return nil, fmt.Errorf("servicemgr: check provider growth capacity: %w", err)
	}
	assignedTotal, err := m.eng.Store.UserServices().CountByPoolAndLevel(ctx, poolID, dbstore.CacheLevelNone)
	if err != nil {
		return nil, fmt.Errorf("servicemgr: count assigned user services: %w", err)
	}
	if canGrow && (pool.MaxServices == 0 || assignedTotal < pool.MaxServices) {
		us := &dbstore.UserService{
			ID:             uuid.NewString(),
			ServicePoolID:  poolID,
			PublicationID:  &publication.ID,
			AssignedUserID: &userID,
		}
		if err := m.machine.DeployForUser(ctx, us, plugin); err != nil {
			return nil, fmt.Errorf("servicemgr: deploy for user %s: %w", userID, err)
		}
		m.publish(events.EventUserServiceCreated, us.ID, userID)
		return us, nil
	}

	// (f) else fail.
	return nil, uderrors.NewMaxServicesReached("pool %s has reached its maximum number of services", poolID)
}

// NotifyReadyFromOsManager advances a UserService's OS-side readiness;
// cache-level transitions remain the Cache Updater's job, run on its
// own schedule.
func (m *Manager) NotifyReadyFromOsManager(ctx context.Context, userServiceID string) error {
	return m.machine.NotifyReady(ctx, userServiceID)
}

// NotifyEvent surfaces a login/logout/log callback from an agent or
// OS-manager server token onto the shared event broker, and drives the
// matching SetInUse transition when the event names a login or logout.
func (m *Manager) NotifyEvent(ctx context.Context, userServiceID, event, accountID, userName, poolName, srcIP, srcHostname string, removeOnLogout bool) error {
	svcLogger := log.WithServiceID(userServiceID)
	switch event {
	case "login":
		svcLogger.Info().Str("user", userName).Str("pool", poolName).Str("src_ip", srcIP).Msg("login notified")
		return m.machine.SetInUseTrue(ctx, userServiceID, accountID, userName, poolName, srcIP, srcHostname)
	case "logout":
		svcLogger.Info().Bool("remove_on_logout", removeOnLogout).Msg("logout notified")
		return m.machine.SetInUseFalse(ctx, userServiceID, removeOnLogout)
	default:
		m.publish(events.EventType(event), userServiceID, "")
		return nil
	}
}

// IsAccessAllowed exposes the calendar policy check standalone, for
// callers (admin inspection, REST) that want the decision without
// going through the full GetUserService flow.
func (m *Manager) IsAccessAllowed(ctx context.Context, poolID string) (bool, error) {
	now, err := m.eng.Clock.Now(ctx)
	if err != nil {
		return false, fmt.Errorf("servicemgr: read clock: %w", err)
	}
	return calendar.IsAccessAllowed(ctx, m.eng.Store.Calendars(), poolID, now, fallbackAccess)
}

func (m *Manager) publish(t events.EventType, userServiceID, message string) {
	if m.eng.Events == nil {
		return
	}
	m.eng.Events.Publish(&events.Event{
		Type:     t,
		Message:  message,
		Metadata: map[string]string{"user_service_id": userServiceID},
	})
}

func (m *Manager) publishDenied(poolID, userID string) {
	logger.Info().Str("pool_id", poolID).Str("user_id", userID).Msg("access denied by calendar")
	if m.eng.Events == nil {
		return
	}
	m.eng.Events.Publish(&events.Event{
		Type:     events.EventAccessDenied,
		Message:  "denied by calendar",
		Metadata: map[string]string{"pool_id": poolID, "user_id": userID},
	})
}
