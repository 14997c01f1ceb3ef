package api

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mss/internal/counter"
	"mss/internal/model"
)

func TestHubPublishSubscribe(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe("sub1")
	other := h.Subscribe("sub2")

	evt := Event{Type: "counters.updated", SubscriptionID: "sub1", Counters: model.Counters{"a": 1}}
	h.Publish("sub1", evt)

	select {
	case got := <-ch:
		assert.Equal(t, evt, got)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
	select {
	case got := <-other:
		t.Fatalf("sub2 received %+v", got)
	default:
	}

	h.Unsubscribe("sub1", ch)
	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
	// a second unsubscribe is a no-op
	h.Unsubscribe("sub1", ch)
	h.Publish("sub1", evt)
	h.Unsubscribe("sub2", other)
}

func TestHubDropsWhenFull(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe("s")
	for i := 0; i < 100; i++ {
		h.Publish("s", Event{Type: "x"})
	}
	assert.Len(t, ch, cap(ch))
	h.Unsubscribe("s", ch)
}

func TestNotifierSnapshotsCounters(t *testing.T) {
	h := NewHub()
	counters := counter.New()
	counters.EnsureRow("a", "sub1")
	counters.IncrementAll("a")
	n := &Notifier{Watch: h, Counters: counters}

	ch := h.Subscribe("sub1")
	defer h.Unsubscribe("sub1", ch)
	n.Notify("sub1", "counters.updated")

	got := <-ch
	assert.Equal(t, "counters.updated", got.Type)
	assert.Equal(t, model.Counters{"a": 1}, got.Counters)
}

func TestRedisHub(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	h := NewRedisHub(rdb, "test", nil)
	defer h.Close()

	ch := h.Subscribe("sub1")
	h.Publish("sub1", Event{Type: "subscription.replaced", SubscriptionID: "sub1", Counters: model.Counters{"a": 0}})

	select {
	case got := <-ch:
		assert.Equal(t, "subscription.replaced", got.Type)
		assert.Equal(t, model.Counters{"a": 0}, got.Counters)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for redis event")
	}

	h.Unsubscribe("sub1", ch)
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisHubPublishDoesNotBlockOnSlowRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: 3})
	defer rdb.Close()
	h := NewRedisHub(rdb, "test", nil)
	defer h.Close()

	mr.Close()

	start := time.Now()
	for i := 0; i < 1000; i++ {
		h.Publish("sub1", Event{Type: "counters.updated", SubscriptionID: "sub1"})
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
