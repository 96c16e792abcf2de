/*
Package events provides an in-memory event broker for Hive's pub/sub messaging.

Job status changes are published by the queue manager on a coordination store
channel so that every process sharing the store sees them. Relay subscribes to
that channel and republishes each change into a local Broker, where
in-process consumers (the scheduler composition, CLI watchers) receive them
alongside locally generated device and allocation events.

	queue.Manager ── Publish ──▶ coord.Store channel "<prefix>events"
	                                     │
	                                  Relay
	                                     ▼
	                               events.Broker ──▶ Subscriber channels

Delivery is best-effort: publishing never blocks on a slow subscriber, and
events are dropped for subscribers whose buffer is full.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go events.Relay(ctx, store, manager.Keys().Events(), broker)

	for event := range sub {
		if event.Type == events.EventJobStatus && event.Job.To.IsTerminal() {
			// ...
		}
	}
*/
package events
