package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/hive/pkg/coord"
	"github.com/cuemby/hive/pkg/log"
	"github.com/cuemby/hive/pkg/types"
	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventJobStatus      EventType = "job.status"
	EventJobMigrated    EventType = "job.migrated"
	EventDeviceOffline  EventType = "device.offline"
	EventAllocated      EventType = "allocation.created"
	EventAllocationDone EventType = "allocation.released"
)

// Event represents a scheduler event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string

	// Job is set for EventJobStatus
	Job *types.StatusEvent
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Relay republishes the job status notifications of a coordination store
// channel into the broker until ctx is cancelled
func Relay(ctx context.Context, store coord.Store, channel string, b *Broker) error {
	messages, err := store.Subscribe(ctx, channel)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	logger := log.WithComponent("events")

	for msg := range messages {
		var status types.StatusEvent
		if err := json.Unmarshal([]byte(msg), &status); err != nil {
			logger.Warn().Err(err).Str("channel", channel).Msg("dropping malformed status event")
			continue
		}
		b.Publish(JobStatusEvent(status))
	}
	return nil
}

// JobStatusEvent wraps a status change as a broker event
func JobStatusEvent(status types.StatusEvent) *Event {
	metadata := map[string]string{
		"job_id": status.JobID,
		"from":   string(status.From),
		"to":     string(status.To),
	}
	if status.WorkerID != "" {
		metadata["worker_id"] = status.WorkerID
	}
	message := fmt.Sprintf("job %s %s -> %s", status.JobID, status.From, status.To)
	if status.Error != "" {
		message += ": " + status.Error
	}
	return &Event{
		Type:      EventJobStatus,
		Timestamp: status.Timestamp,
		Message:   message,
		Metadata:  metadata,
		Job:       &status,
	}
}
