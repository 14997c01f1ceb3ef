// Package broker abstracts the exchange/queue/binding primitives of a
// message broker. The subscription registry and the message router talk to
// a Gateway; AMQP, Redis and in-process implementations are provided.
package broker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the exchange or queue an operation names does not exist.
	ErrNotFound = errors.New("broker: not found")

	// ErrUnavailable is returned on transport-level failures: the broker
	// cannot be reached, the connection was closed or the call timed out.
	ErrUnavailable = errors.New("broker: unavailable")
)

// ExchangeDirect is the exchange kind routing on exact routing-key match.
const ExchangeDirect = "direct"

// QueueOptions are the flags a queue is declared with.
type QueueOptions struct {
	Durable    bool
	Exclusive  bool
	AutoDelete bool
}

// Message is a single publication.
type Message struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	ContentType string    `json:"contentType,omitempty"`
	Timestamp   time.Time `json:"ts"`
	Body        []byte    `json:"body"`
}

// Gateway is the set of broker operations the service depends on. Every
// operation may fail independently; transport failures wrap ErrUnavailable.
type Gateway interface {
	ExchangeDeclare(ctx context.Context, name, kind string) error
	ExchangeDelete(ctx context.Context, name string) error
	QueueDeclare(ctx context.Context, name string, opts QueueOptions) error
	QueueDelete(ctx context.Context, name string) error
	QueueBind(ctx context.Context, queue, exchange, routingKey string) error
	QueueUnbind(ctx context.Context, queue, exchange, routingKey string) error
	Publish(ctx context.Context, exchange, routingKey string, msg Message) error
	Close() error
}

// Op names a gateway operation.
type Op string

const (
	OpExchangeDeclare Op = "exchange_declare"
	OpExchangeDelete  Op = "exchange_delete"
	OpQueueDeclare    Op = "queue_declare"
	OpQueueDelete     Op = "queue_delete"
	OpQueueBind       Op = "queue_bind"
	OpQueueUnbind     Op = "queue_unbind"
	OpPublish         Op = "publish"
)

// Outcome classifies the result of an operation for metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

// unavailable wraps err with ErrUnavailable unless it already carries it.
func unavailable(op Op, err error) error {
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return &opError{op: op, kind: ErrUnavailable, err: err}
}

func notFound(op Op, err error) error {
	return &opError{op: op, kind: ErrNotFound, err: err}
}

type opError struct {
	op   Op
	kind error
	err  error
}

func (e *opError) Error() string {
	if e.err == nil {
		return string(e.op) + ": " + e.kind.Error()
	}
	return string(e.op) + ": " + e.kind.Error() + ": " + e.err.Error()
}

func (e *opError) Unwrap() []error {
	if e.err == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.err}
}

// contextError maps a done context onto ErrUnavailable; a stalled broker
// call that hits the caller's deadline is a transport failure.
func contextError(op Op, ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return unavailable(op, err)
	}
	return nil
}
