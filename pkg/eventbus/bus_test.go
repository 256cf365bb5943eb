package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishDeliversToSubscriber(t *testing.T) {
	b := New()
	var got []Event
	b.Subscribe(AgentToken, func(e Event) { got = append(got, e) })

	b.Publish(Event{Name: AgentToken, Payload: "hi"})
	b.Publish(Event{Name: TurnComplete, Payload: nil})

	require.Len(t, got, 1)
	assert.Equal(t, "hi", got[0].Payload)
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	count := 0
	sub := b.Subscribe(TurnProgress, func(Event) { count++ })

	b.Publish(Event{Name: TurnProgress})
	sub.Unsubscribe()
	b.Publish(Event{Name: TurnProgress})

	assert.Equal(t, 1, count)
}

func TestBus_MultipleSubscribersDeliveredInOrder(t *testing.T) {
	b := New()
	var order []int
	b.Subscribe(Error, func(Event) { order = append(order, 1) })
	b.Subscribe(Error, func(Event) { order = append(order, 2) })
	b.Subscribe(Error, func(Event) { order = append(order, 3) })

	b.Publish(Event{Name: Error})

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestBus_SubscribeAllReceivesEveryEvent(t *testing.T) {
	b := New()
	var names []Name
	b.SubscribeAll(func(e Event) { names = append(names, e.Name) })

	b.Publish(Event{Name: TurnStart})
	b.Publish(Event{Name: ToolCallStart})

	assert.Equal(t, []Name{TurnStart, ToolCallStart}, names)
}

func TestBus_UnsubscribeIsIdempotent(t *testing.T) {
	b := New()
	sub := b.Subscribe(TurnStart, func(Event) {})
	sub.Unsubscribe()
	assert.NotPanics(t, func() { sub.Unsubscribe() })
}
