package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"mss/internal/apperr"
	"mss/internal/broker"
	"mss/internal/counter"
	"mss/internal/model"
	"mss/internal/registry"
)

const exchange = "mss.direct"

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	mem      *broker.Memory
	counters *counter.Table
	reg      *registry.Registry
	router   *Router
	notified *notifications
}

type notifications struct {
	mu  sync.Mutex
	ids []string
}

func (n *notifications) Notify(id, event string) {
	if event != EventCountersUpdated {
		return
	}
	n.mu.Lock()
	n.ids = append(n.ids, id)
	n.mu.Unlock()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := broker.NewMemory()
	require.NoError(t, mem.ExchangeDeclare(context.Background(), exchange, broker.ExchangeDirect))
	counters := counter.New()
	n := &notifications{}
	return &fixture{
		mem:      mem,
		counters: counters,
		reg:      registry.New(mem, counters, registry.Config{Exchange: exchange}),
		router:   New(mem, counters, Config{Exchange: exchange, Notifier: n}),
		notified: n,
	}
}

func message(mt, body string) model.Message {
	return model.Message{MessageType: mt, MessageBody: &body}
}

func TestRouteScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.reg.Put(ctx, "sub1", []string{"order.created"})
	require.NoError(t, err)
	assert.Equal(t, model.Counters{"order.created": 0}, f.reg.Counters("sub1"))

	res, err := f.router.Route(ctx, message("order.created", "payload"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.MessageID)
	assert.Equal(t, []string{"sub1"}, res.Delivered)
	assert.Equal(t, model.Counters{"order.created": 1}, f.reg.Counters("sub1"))

	_, err = f.reg.Put(ctx, "sub1", []string{"order.shipped"})
	require.NoError(t, err)
	_, err = f.router.Route(ctx, message("order.created", "payload"))
	assert.Equal(t, apperr.UnknownMessageType, apperr.KindOf(err))

	// another subscriber keeps the type routable
	_, err = f.reg.Put(ctx, "sub3", []string{"order.created"})
	require.NoError(t, err)
	res, err = f.router.Route(ctx, message("order.created", "payload"))
	require.NoError(t, err)
	assert.Equal(t, []string{"sub3"}, res.Delivered)
	assert.Equal(t, model.Counters{"order.created": 1, "order.shipped": 0}, f.reg.Counters("sub1"))
	assert.Equal(t, model.Counters{"order.created": 1}, f.reg.Counters("sub3"))
}

func TestRouteCountsEveryDelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for _, id := range []string{"s1", "s2"} {
		_, err := f.reg.Put(ctx, id, []string{"T"})
		require.NoError(t, err)
	}

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.router.Route(ctx, message("T", "x"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(n), f.reg.Counters("s1")["T"])
	assert.Equal(t, uint64(n), f.reg.Counters("s2")["T"])
	assert.Len(t, f.mem.Messages("s1"), n)
	assert.Len(t, f.notified.ids, 2*n)
}

func TestRouteUnknownTypeMakesNoBrokerCall(t *testing.T) {
	f := newFixture(t)
	before := f.mem.Calls()
	_, err := f.router.Route(context.Background(), message("nobody.cares", "x"))
	assert.Equal(t, apperr.UnknownMessageType, apperr.KindOf(err))
	assert.Equal(t, before, f.mem.Calls())
}

func TestRouteValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.router.Route(ctx, message("  ", "x"))
	assert.Equal(t, apperr.InvalidInput, apperr.KindOf(err))
	_, err = f.router.Route(ctx, model.Message{MessageType: "T"})
	assert.Equal(t, apperr.InvalidInput, apperr.KindOf(err))
	assert.Zero(t, f.mem.Calls(broker.OpPublish))
}

func TestRoutePublishFailureLeavesCounters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.reg.Put(ctx, "s1", []string{"T"})
	require.NoError(t, err)

	f.mem.Hook = func(op broker.Op, target, key string) error {
		if op == broker.OpPublish {
			return errors.New("channel closed by server")
		}
		return nil
	}
	_, err = f.router.Route(ctx, message("T", "x"))
	assert.Equal(t, apperr.PublishFailed, apperr.KindOf(err))
	assert.Equal(t, uint64(0), f.reg.Counters("s1")["T"])

	f.mem.Hook = func(op broker.Op, target, key string) error {
		return broker.ErrUnavailable
	}
	_, err = f.router.Route(ctx, message("T", "x"))
	assert.Equal(t, apperr.BrokerUnavailable, apperr.KindOf(err))
	assert.Equal(t, uint64(0), f.reg.Counters("s1")["T"])
	assert.Empty(t, f.notified.ids)
}

func TestRoutePublishesEnvelope(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.reg.Put(ctx, "s1", []string{"T"})
	require.NoError(t, err)

	res, err := f.router.Route(ctx, message("T", `{"id": 7}`))
	require.NoError(t, err)

	msgs := f.mem.Messages("s1")
	require.Len(t, msgs, 1)
	assert.Equal(t, res.MessageID, msgs[0].ID)
	assert.Equal(t, "T", msgs[0].Type)
	assert.Equal(t, "application/json", msgs[0].ContentType)

	var env model.Envelope
	require.NoError(t, json.Unmarshal(msgs[0].Body, &env))
	assert.Equal(t, `{"id": 7}`, env.Body)
}
