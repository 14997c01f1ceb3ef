package broker

import (
	"context"
	"time"
)

// ObserveFunc receives the outcome and latency of every gateway operation.
type ObserveFunc func(op Op, err error, took time.Duration)

type observed struct {
	next Gateway
	fn   ObserveFunc
}

// Observe decorates g so fn sees every operation. It is how metrics are
// attached without the gateways knowing about them.
func Observe(g Gateway, fn ObserveFunc) Gateway {
	if fn == nil {
		return g
	}
	return &observed{next: g, fn: fn}
}

func (o *observed) track(op Op, start time.Time, err error) error {
	o.fn(op, err, time.Since(start))
	return err
}

func (o *observed) ExchangeDeclare(ctx context.Context, name, kind string) error {
	start := time.Now()
	return o.track(OpExchangeDeclare, start, o.next.ExchangeDeclare(ctx, name, kind))
}

func (o *observed) ExchangeDelete(ctx context.Context, name string) error {
	start := time.Now()
	return o.track(OpExchangeDelete, start, o.next.ExchangeDelete(ctx, name))
}

func (o *observed) QueueDeclare(ctx context.Context, name string, opts QueueOptions) error {
	start := time.Now()
	return o.track(OpQueueDeclare, start, o.next.QueueDeclare(ctx, name, opts))
}

func (o *observed) QueueDelete(ctx context.Context, name string) error {
	start := time.Now()
	return o.track(OpQueueDelete, start, o.next.QueueDelete(ctx, name))
}

func (o *observed) QueueBind(ctx context.Context, queue, exchange, routingKey string) error {
	start := time.Now()
	return o.track(OpQueueBind, start, o.next.QueueBind(ctx, queue, exchange, routingKey))
}

func (o *observed) QueueUnbind(ctx context.Context, queue, exchange, routingKey string) error {
	start := time.Now()
	return o.track(OpQueueUnbind, start, o.next.QueueUnbind(ctx, queue, exchange, routingKey))
}

func (o *observed) Publish(ctx context.Context, exchange, routingKey string, msg Message) error {
	start := time.Now()
	return o.track(OpPublish, start, o.next.Publish(ctx, exchange, routingKey, msg))
}

func (o *observed) Close() error {
	return o.next.Close()
}
