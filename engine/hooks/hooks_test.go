package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversInRegistrationOrder(t *testing.T) {
	bus := NewBus()
	var got []string
	for _, name := range []string{"first", "second", "third"} {
		_, err := bus.Register(SubscriberFunc(func(ctx context.Context, event Event) error {
			got = append(got, name)
			return nil
		}))
		require.NoError(t, err)
	}

	err := bus.Publish(context.Background(), Event{Type: StepCompleted, ExecutionID: "e1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, got)
}

func TestPublishStampsTimestamp(t *testing.T) {
	bus := NewBus()
	var seen Event
	_, err := bus.Register(SubscriberFunc(func(ctx context.Context, event Event) error {
		seen = event
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), Event{Type: ExecutionStarted}))
	assert.False(t, seen.Timestamp.IsZero())
}

func TestPublishStopsAtFirstError(t *testing.T) {
	bus := NewBus()
	boom := errors.New("audit write failed")
	var thirdCalled bool
	_, err := bus.Register(SubscriberFunc(func(ctx context.Context, event Event) error { return nil }))
	require.NoError(t, err)
	_, err = bus.Register(SubscriberFunc(func(ctx context.Context, event Event) error { return boom }))
	require.NoError(t, err)
	_, err = bus.Register(SubscriberFunc(func(ctx context.Context, event Event) error {
		thirdCalled = true
		return nil
	}))
	require.NoError(t, err)

	err = bus.Publish(context.Background(), Event{Type: ExecutionFailed})
	require.ErrorIs(t, err, boom)
	assert.False(t, thirdCalled)
}

func TestSubscriptionClose(t *testing.T) {
	bus := NewBus()
	var calls int
	sub, err := bus.Register(SubscriberFunc(func(ctx context.Context, event Event) error {
		calls++
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), Event{Type: ExecutionStarted}))
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	require.NoError(t, bus.Publish(context.Background(), Event{Type: ExecutionCompleted}))
	assert.Equal(t, 1, calls)
}

func TestRegisterNil(t *testing.T) {
	bus := NewBus()
	_, err := bus.Register(nil)
	require.Error(t, err)
}
