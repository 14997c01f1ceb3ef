package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisHub implements Watcher over Redis Pub/Sub, so that watchers connected
// to any replica see changes made through another. Publish only queues the
// event; a single goroutine sends it to Redis, and events are dropped when
// the queue is full.
type RedisHub struct {
	rdb    *redis.Client
	prefix string
	log    *zap.Logger

	mu   sync.Mutex
	subs map[chan Event]*redis.PubSub

	out      chan outbound
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

type outbound struct {
	subscriptionID string
	evt            Event
}

// redisHubBuffer is how many events may wait for the publisher goroutine.
const redisHubBuffer = 256

func NewRedisHub(rdb *redis.Client, prefix string, log *zap.Logger) *RedisHub {
	if prefix == "" {
		prefix = "mss"
	}
	if log == nil {
		log = zap.NewNop()
	}
	h := &RedisHub{
		rdb:     rdb,
		prefix:  prefix,
		log:     log.Named("watch"),
		subs:    map[chan Event]*redis.PubSub{},
		out:     make(chan outbound, redisHubBuffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go h.publishLoop()
	return h
}

// Subscribe returns a channel fed from the subscription's Pub/Sub channel.
// It is closed after Unsubscribe or when the Redis connection is lost.
func (h *RedisHub) Subscribe(subscriptionID string) chan Event {
	ch := make(chan Event, 16)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ps := h.rdb.Subscribe(ctx, h.channel(subscriptionID))
	// wait for the subscription to be confirmed
	if _, err := ps.Receive(ctx); err != nil {
		h.log.Warn("Watch subscription failed", zap.String("subscription_id", subscriptionID), zap.Error(err))
	}
	h.mu.Lock()
	h.subs[ch] = ps
	h.mu.Unlock()

	go func() {
		defer close(ch)
		for msg := range ps.Channel() {
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				continue
			}
			select {
			case ch <- evt:
			default:
			}
		}
	}()
	return ch
}

func (h *RedisHub) Unsubscribe(_ string, ch chan Event) {
	h.mu.Lock()
	ps := h.subs[ch]
	delete(h.subs, ch)
	h.mu.Unlock()
	if ps != nil {
		_ = ps.Close()
	}
}

// Publish queues evt without blocking.
func (h *RedisHub) Publish(subscriptionID string, evt Event) {
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.out <- outbound{subscriptionID: subscriptionID, evt: evt}:
	default:
		h.log.Warn("Watch event dropped, publish queue full", zap.String("subscription_id", subscriptionID))
	}
}

// Close stops the publisher goroutine. Queued events are discarded.
func (h *RedisHub) Close() error {
	h.stopOnce.Do(func() { close(h.done) })
	<-h.stopped
	return nil
}

func (h *RedisHub) publishLoop() {
	defer close(h.stopped)
	for {
		select {
		case <-h.done:
			return
		case o := <-h.out:
			h.send(o)
		}
	}
}

func (h *RedisHub) send(o outbound) {
	data, err := json.Marshal(o.evt)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.rdb.Publish(ctx, h.channel(o.subscriptionID), data).Err(); err != nil {
		h.log.Warn("Watch event dropped", zap.String("subscription_id", o.subscriptionID), zap.Error(err))
	}
}

func (h *RedisHub) channel(subscriptionID string) string {
	return h.prefix + ":watch:" + subscriptionID
}
