package notify

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sabeel/offline-cache/internal/metrics"
)

func TestBroadcastReachesEverySubscriber(t *testing.T) {
	bus := NewBus(4, nil)
	a := bus.Subscribe()
	b := bus.Subscribe()
	defer a.Close()
	defer b.Close()

	delivered := bus.Broadcast(Message{Type: "download_progress", Data: "q1"})
	assert.Equal(t, 2, delivered)

	for _, sub := range []*Subscription{a, b} {
		msg := <-sub.Messages()
		assert.Equal(t, "download_progress", msg.Type)
		assert.Equal(t, "q1", msg.Data)
	}
}

func TestLateSubscriberMissesEarlierMessages(t *testing.T) {
	bus := NewBus(4, nil)
	assert.Equal(t, 0, bus.Broadcast(Message{Type: "download_progress"}))

	sub := bus.Subscribe()
	defer sub.Close()
	select {
	case msg := <-sub.Messages():
		t.Fatalf("late subscriber should not receive %v", msg)
	default:
	}
}

func TestFullBufferDropsWithoutBlocking(t *testing.T) {
	collector, err := metrics.NewCollector()
	require.NoError(t, err)

	bus := NewBus(1, collector)
	slow := bus.Subscribe()
	fast := bus.Subscribe()
	defer slow.Close()
	defer fast.Close()

	assert.Equal(t, 2, bus.Broadcast(Message{Type: "a"}))
	<-fast.Messages()
	assert.Equal(t, 1, bus.Broadcast(Message{Type: "b"}))

	first := <-slow.Messages()
	assert.Equal(t, "a", first.Type)
	second := <-fast.Messages()
	assert.Equal(t, "b", second.Type)

	expected := `
# HELP offline_cache_broadcasts_dropped_total Notifications dropped because a subscriber buffer was full
# TYPE offline_cache_broadcasts_dropped_total counter
offline_cache_broadcasts_dropped_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(collector.Registry(), strings.NewReader(expected), "offline_cache_broadcasts_dropped_total"))
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	bus := NewBus(1, nil)
	sub := bus.Subscribe()
	sub.Close()
	sub.Close()
	assert.Equal(t, 0, bus.Subscribers())

	_, open := <-sub.Messages()
	assert.False(t, open)
}

func TestBusCloseClosesSubscriptions(t *testing.T) {
	bus := NewBus(1, nil)
	sub := bus.Subscribe()
	bus.Close()
	bus.Close()

	_, open := <-sub.Messages()
	assert.False(t, open)
	assert.Equal(t, 0, bus.Broadcast(Message{Type: "x"}))

	late := bus.Subscribe()
	_, open = <-late.Messages()
	assert.False(t, open)
	late.Close()
	sub.Close()
}
