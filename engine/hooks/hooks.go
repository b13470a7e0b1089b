// Package hooks implements the fan-out event bus for engine observability.
//
// The executor publishes lifecycle events (execution started, step completed,
// retries, pause/resume, terminal transitions) to registered subscribers.
// This decouples the scheduler from its consumers: the audit recorder and the
// metrics recorder subscribe at wiring time, and API-facing consumers can
// subscribe for pending human-required tasks.
package hooks

import (
	"context"
	"errors"
	"sync"
	"time"
)

// EventType enumerates the engine lifecycle events broadcast on the bus.
type EventType string

const (
	// ExecutionStarted fires when an execution record is created and the
	// initial checkpoint is durable.
	ExecutionStarted EventType = "execution_started"
	// StepCompleted fires after an agent completes and its checkpoint is
	// durable. Sequence carries the checkpoint sequence number.
	StepCompleted EventType = "step_completed"
	// AgentRetried fires for every retry attempt after a retryable failure.
	AgentRetried EventType = "agent_retried"
	// ExecutionPaused fires when a pause signal takes effect.
	ExecutionPaused EventType = "execution_paused"
	// ExecutionResumed fires when a paused execution resumes.
	ExecutionResumed EventType = "execution_resumed"
	// ExecutionCompleted fires when every branch has terminated.
	ExecutionCompleted EventType = "execution_completed"
	// ExecutionFailed fires on a fatal or retry-exhausted failure.
	ExecutionFailed EventType = "execution_failed"
	// ExecutionCancelled fires after a cancel signal wins the shutdown grace.
	ExecutionCancelled EventType = "execution_cancelled"
	// HumanRequired fires when an agent needs an out-of-band decision.
	// Consumers surface it as a pending task.
	HumanRequired EventType = "human_required"
)

type (
	// Event is the payload delivered to subscribers.
	Event struct {
		Type        EventType
		ExecutionID string
		WorkflowID  string
		TenantID    string
		// AgentID names the node the event concerns, when applicable.
		AgentID string
		// Sequence is the checkpoint sequence for StepCompleted events.
		Sequence int
		// Attempt is the invocation attempt for AgentRetried events.
		Attempt int
		// Err carries the failure for retry/failed events.
		Err error
		// Timestamp is when the event was published.
		Timestamp time.Time
		// Metadata carries event-specific details.
		Metadata map[string]any
	}

	// Bus publishes engine events to registered subscribers in a fan-out
	// pattern. Delivery is synchronous in the publisher's goroutine and stops
	// at the first subscriber error so critical subscribers (the audit
	// recorder) can halt a step whose side-effects cannot be recorded.
	Bus interface {
		// Publish delivers the event to every registered subscriber in
		// registration order, stopping at the first error.
		Publish(ctx context.Context, event Event) error
		// Register adds a subscriber and returns a Subscription to close for
		// unregistering. Returns an error if sub is nil.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published events. HandleEvent should return an
	// error only when processing fails in a way that should halt the step.
	Subscriber interface {
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts a function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription is an active registration. Close is idempotent.
	Subscription interface {
		Close() error
	}

	bus struct {
		mu sync.RWMutex
		// ordered keeps registration order for deterministic delivery.
		ordered []*subscription
	}

	subscription struct {
		bus  *bus
		sub  Subscriber
		once sync.Once
	}
)

// HandleEvent implements Subscriber by invoking the function.
func (fn SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return fn(ctx, event)
}

// NewBus constructs a new in-memory event bus. The returned bus is
// thread-safe and ready for immediate use.
func NewBus() Bus {
	return &bus{}
}

// Publish delivers the event to a snapshot of the current subscribers, so
// registrations during Publish do not affect the in-flight delivery.
func (b *bus) Publish(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	subs := make([]*subscription, len(b.ordered))
	copy(subs, b.ordered)
	b.mu.RUnlock()
	for _, s := range subs {
		if err := s.sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Register adds a subscriber to the bus.
func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	s := &subscription{bus: b, sub: sub}
	b.mu.Lock()
	b.ordered = append(b.ordered, s)
	b.mu.Unlock()
	return s, nil
}

// Close removes the subscriber from the bus. Idempotent and thread-safe.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		for i, cur := range s.bus.ordered {
			if cur == s {
				s.bus.ordered = append(s.bus.ordered[:i], s.bus.ordered[i+1:]...)
				break
			}
		}
		s.bus.mu.Unlock()
	})
	return nil
}
