package dbstore

import (
	"time"

	"github.com/lib/pq"
)

// CacheLevel identifies where a UserService sits relative to assignment.
type CacheLevel int

const (
	CacheLevelNone CacheLevel = iota // assigned to a user, not cached
	CacheLevelL1
	CacheLevelL2
)

// EngineState is the UserService FSM's primary state.
type EngineState string

const (
	StatePreparing EngineState = "PREPARING"
	StateUsable    EngineState = "USABLE"
	StateRemovable EngineState = "REMOVABLE"
	StateRemoved   EngineState = "REMOVED"
	StateCanceling EngineState = "CANCELING"
	StateError     EngineState = "ERROR"
)

// IsUsable reports whether a state counts as "usable" for cache-promotion
// and demotion scans.
func (s EngineState) IsUsable() bool {
	return s == StateUsable
}

// IsTerminal reports whether a UserService in this state is done and can
// be garbage collected by bookkeeping jobs.
func (s EngineState) IsTerminal() bool {
	return s == StateRemoved || s == StateError
}

// OsState is the UserService's parallel OS-manager-facing state.
type OsState string

const (
	OsStatePreparing OsState = "PREPARING"
	OsStateUsable    OsState = "USABLE"
)

// IsUsable mirrors EngineState.IsUsable for the os_state column.
func (s OsState) IsUsable() bool {
	return s == OsStateUsable
}

// SchedulerJobState is the Scheduler row's execution state.
type SchedulerJobState string

const (
	JobForExecute SchedulerJobState = "FOR_EXECUTE"
	JobRunning    SchedulerJobState = "RUNNING"
)

// DeletionQueue names one of the Deferred Deletion worker's four queues.
type DeletionQueue string

const (
	QueueToStop  DeletionQueue = "to_stop"
	QueueStopping DeletionQueue = "stopping"
	QueueToDelete DeletionQueue = "to_delete"
	QueueDeleting DeletionQueue = "deleting"
)

// PoolState is the ServicePool's administrative state.
type PoolState string

const (
	PoolActive      PoolState = "ACTIVE"
	PoolMaintenance PoolState = "MAINTENANCE"
	PoolRemoved     PoolState = "REMOVED"
)

// Provider is an external service-provider plug-in instance. Data holds
// the plug-in's opaque configuration as produced by internal/propdata.
type Provider struct {
	ID              string    `db:"id"`
	Name            string    `db:"name"`
	TypeName        string    `db:"type_name"`
	Data            []byte    `db:"data"`
	MaintenanceMode bool      `db:"maintenance_mode"`
	CreatedAt       time.Time `db:"created_at"`
}

// Service is one service offered by a Provider.
type Service struct {
	ID         string `db:"id"`
	ProviderID string `db:"provider_id"`
	Name       string `db:"name"`
	TypeName   string `db:"type_name"`
	Data       []byte `db:"data"`
	UsesCache  bool   `db:"uses_cache"`
	UsesCacheL2 bool  `db:"uses_cache_l2"`
}

// ServicePool is a DeployedService: the publish+cache+assignment unit
// end users draw UserServices from.
type ServicePool struct {
	ID              string        `db:"id"`
	ServiceID       string        `db:"service_id"`
	Name            string        `db:"name"`
	State           PoolState     `db:"state"`
	InitialServices int           `db:"initial_services"`
	CacheL1Services int           `db:"cache_l1_services"`
	CacheL2Services int           `db:"cache_l2_services"`
	MaxServices     int           `db:"max_services"`
	RestrainCount   int           `db:"restrain_count"`
	RestrainedUntil *time.Time    `db:"restrained_until"`
	ShowTransports  bool          `db:"show_transports"`
	// AssignedGroups is the list of group names allowed to request a
	// service from this pool. An empty list means nobody can use the pool.
	AssignedGroups pq.StringArray `db:"assigned_groups"`
}

// PublicationState mirrors the small state machine a Publication moves
// through between PREPARING and USABLE (or an error terminal state).
type PublicationState string

const (
	PublicationPreparing PublicationState = "PREPARING"
	PublicationUsable    PublicationState = "USABLE"
	PublicationError     PublicationState = "ERROR"
)

// Publication is one "build" of a ServicePool's template, which new
// UserServices are created from.
type Publication struct {
	ID            string           `db:"id"`
	ServicePoolID string           `db:"service_pool_id"`
	State         PublicationState `db:"state"`
	Revision      int              `db:"revision"`
	Data          []byte           `db:"data"`
	CreatedAt     time.Time        `db:"created_at"`
}

// UserService is one deployed desktop/instance handed to (or held in
// cache for) a single user.
type UserService struct {
	ID             string      `db:"id"`
	ServicePoolID  string      `db:"service_pool_id"`
	PublicationID  *string     `db:"publication_id"`
	UniqueID       *string     `db:"unique_id"`
	FriendlyName   string      `db:"friendly_name"`
	State          EngineState `db:"state"`
	OsState        OsState     `db:"os_state"`
	CacheLevel     CacheLevel  `db:"cache_level"`
	AssignedUserID *string     `db:"assigned_user_id"`
	InMaintenance  bool        `db:"in_maintenance"`
	DestroyAfter   bool        `db:"destroy_after"`
	// InUse, InUseDate mirror setInUse()'s bookkeeping: whether a session
	// is currently open against this instance and when that flag last
	// flipped.
	InUse     bool       `db:"in_use"`
	InUseDate *time.Time `db:"in_use_date"`
	// SrcIP, SrcHostname record setConnectionSource()'s last-seen caller.
	SrcIP       string `db:"src_ip"`
	SrcHostname string `db:"src_hostname"`
	// Data is the opaque plug-in payload for this instance (internal/propdata).
	Data []byte `db:"data"`
	// ToBeReplaced marks a USABLE, in-use instance belonging to a
	// superseded publication: it keeps serving its current session, but
	// SetInUseFalse releases it on the next logout instead of leaving it
	// usable.
	ToBeReplaced bool      `db:"to_be_replaced"`
	CreatedAt    time.Time `db:"created_at"`
	StateDate    time.Time `db:"state_date"`
}

// SchedulerJob is one row of the Scheduler table.
type SchedulerJob struct {
	Name          string            `db:"name"`
	Frequency     int               `db:"frequency"`
	State         SchedulerJobState `db:"state"`
	OwnerServer   string            `db:"owner_server"`
	LastExecution time.Time         `db:"last_execution"`
	NextExecution time.Time         `db:"next_execution"`
}

// UniqueIDRow is one row of the unique-ID allocation table.
type UniqueIDRow struct {
	Owner    string    `db:"owner"`
	Basename string    `db:"basename"`
	Seq      int64     `db:"seq"`
	Assigned bool      `db:"assigned"`
	Stamp    time.Time `db:"stamp"`
}

// Property is one row of the per-owner keyed property bag.
type Property struct {
	OwnerID string `db:"owner_id"`
	Key     string `db:"key"`
	Value   string `db:"value"`
}

// DeferredDeletion is one row of a deferred deletion queue.
type DeferredDeletion struct {
	ServiceUUID   string        `db:"service_uuid"`
	Vmid          string        `db:"vmid"`
	Queue         DeletionQueue `db:"queue"`
	CreatedAt     time.Time     `db:"created_at"`
	NextCheck     time.Time     `db:"next_check"`
	Retries       int           `db:"retries"`
	TotalRetries  int           `db:"total_retries"`
	FatalRetries  int           `db:"fatal_retries"`
}

// Account tracks accumulated usage for billing/reporting purposes.
type Account struct {
	ID   string `db:"id"`
	Name string `db:"name"`
}

// AccountUsage is one accounting entry tied to a single UserService
// session.
type AccountUsage struct {
	ID            string     `db:"id"`
	AccountID     string     `db:"account_id"`
	UserServiceID string     `db:"user_service_id"`
	UserName      string     `db:"user_name"`
	PoolName      string     `db:"pool_name"`
	Start         time.Time  `db:"start_time"`
	End           *time.Time `db:"end_time"`
}

// CalendarRule is one priority-ordered access-policy rule evaluated by
// internal/calendar.
type CalendarRule struct {
	ID       string `db:"id"`
	PoolID   string `db:"pool_id"`
	Priority int    `db:"priority"`
	// CronSpec describes when the rule is active using a standard 5-field
	// cron-style "start" expression, paired with DurationMinutes.
	CronSpec        string `db:"cron_spec"`
	DurationMinutes int    `db:"duration_minutes"`
	Access          bool   `db:"access"` // true = allow, false = deny
}
