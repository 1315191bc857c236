/*
Package metrics defines and registers udsd's Prometheus collectors and
exposes the health/readiness/liveness HTTP handlers cmd/udsd wires up
alongside /metrics.

Every gauge, counter, and histogram here is registered once in this
package's init — there is no dynamic metric registration elsewhere in
the tree. The scheduler, cacheupdater, deferreddeletion and uniqueid
packages update the collectors they own. udsd_scheduler_queue_depth,
udsd_scheduler_running_jobs, udsd_deferred_deletion_queue_depth,
udsd_user_services_by_state, udsd_get_user_service_duration_seconds and
udsd_access_denied_by_calendar_total are registered but not updated by
any code in the tree.

# Catalog

Scheduler:

	udsd_scheduler_queue_depth               gauge   jobs currently FOR_EXECUTE
	udsd_scheduler_running_jobs              gauge   jobs currently RUNNING
	udsd_scheduler_job_duration_seconds      histogram{job}
	udsd_scheduler_jobs_failed_total         counter{job}

Cache updater:

	udsd_cache_updater_cycles_total          counter
	udsd_cache_updater_duration_seconds      histogram
	udsd_cache_level_size                    gauge{service_pool_id,level}
	udsd_cache_updater_actions_total         counter{action}

Deferred deletion:

	udsd_deferred_deletion_queue_depth       gauge{queue}
	udsd_deferred_deletion_retries_total     counter{queue,kind}
	udsd_deferred_deletion_abandoned_total   counter

User-service FSM / unique IDs / service manager:

	udsd_user_services_by_state              gauge{state}
	udsd_unique_id_allocations_total         counter{basename,result}
	udsd_get_user_service_duration_seconds   histogram
	udsd_access_denied_by_calendar_total     counter

# Health

HealthHandler/ReadyHandler/LivenessHandler back the /health, /ready and
/live endpoints cmd/udsd serve registers next to /metrics. Readiness
additionally requires the "database" and "scheduler" components to
have reported healthy via RegisterComponent/UpdateComponent before it
returns 200.
*/
package metrics
