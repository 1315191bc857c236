/*
Package events provides an in-memory event broker for udsd's pub/sub
notifications.

Broker broadcasts every published Event to all current subscribers
over buffered channels: publishers never block on a slow or absent
subscriber (a full subscriber buffer drops the event rather than
stalling the broadcast loop), and the broker itself is topic-agnostic —
every subscriber sees every event and filters by EventType itself.

# Event types

Events mark UserService lifecycle transitions (created, assigned,
ready, error, removed), session activity (login, logout), cache
actions the Cache Updater takes (grown, reduced), pool restraint, and
calendar-denied access attempts — one EventType per servicemgr or
cacheupdater call site that needs to notify something outside the
database transaction that changed state.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	for event := range sub {
		// handle event
	}

	broker.Publish(&events.Event{
		Type:     events.EventUserServiceCreated,
		Message:  userServiceID,
		Metadata: map[string]string{"pool_id": poolID},
	})
*/
package events
