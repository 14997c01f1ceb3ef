// Package router publishes messages to the exchange and records a delivery
// for every subscription bound to the message type.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mss/internal/apperr"
	"mss/internal/broker"
	"mss/internal/counter"
	"mss/internal/metrics"
	"mss/internal/model"
)

// EventCountersUpdated is passed to the Notifier for each subscription whose
// counters changed.
const EventCountersUpdated = "counters.updated"

// Notifier is told about counter changes.
type Notifier interface {
	Notify(subscriptionID, event string)
}

// Result describes an accepted message.
type Result struct {
	MessageID string
	// Delivered lists the subscriptions whose counter was incremented.
	Delivered []string
}

// Config configures a Router.
type Config struct {
	Exchange string
	Logger   *zap.Logger
	Notifier Notifier
}

// Router routes messages for the service.
type Router struct {
	gw       broker.Gateway
	counters *counter.Table
	cfg      Config
	log      *zap.Logger
	now      func() time.Time
}

// New returns a Router publishing through gw and counting into counters.
func New(gw broker.Gateway, counters *counter.Table, cfg Config) *Router {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Router{gw: gw, counters: counters, cfg: cfg, log: cfg.Logger.Named("router"), now: time.Now}
}

// Route publishes msg with its type as routing key. A type no subscription
// is bound to is rejected before touching the broker. Counters change only
// after the broker accepted the publish.
func (r *Router) Route(ctx context.Context, msg model.Message) (Result, error) {
	res, err := r.route(ctx, msg)
	outcome := "accepted"
	if err != nil {
		outcome = strings.ToLower(string(apperr.KindOf(err)))
	}
	metrics.MessagesRouted.WithLabelValues(outcome).Inc()
	return res, err
}

func (r *Router) route(ctx context.Context, msg model.Message) (Result, error) {
	const op = "route message"
	mt := strings.TrimSpace(msg.MessageType)
	if mt == "" {
		return Result{}, apperr.New(apperr.InvalidInput, op, "messageType is required")
	}
	if msg.MessageBody == nil {
		return Result{}, apperr.New(apperr.InvalidInput, op, "messageBody is required")
	}
	if !r.counters.Known(mt) {
		return Result{}, apperr.New(apperr.UnknownMessageType, op, "no subscription for message type "+mt)
	}

	body, err := json.Marshal(model.Envelope{Body: *msg.MessageBody})
	if err != nil {
		return Result{}, apperr.Wrap(apperr.Internal, op, "encode envelope", err)
	}
	out := broker.Message{
		ID:          uuid.NewString(),
		Type:        mt,
		ContentType: "application/json",
		Timestamp:   r.now().UTC(),
		Body:        body,
	}
	log := r.log.With(zap.String("message_type", mt), zap.String("message_id", out.ID))

	if err := r.gw.Publish(ctx, r.cfg.Exchange, mt, out); err != nil {
		log.Error("Message couldn't be published", zap.String("exchange", r.cfg.Exchange), zap.Error(err))
		kind := apperr.PublishFailed
		if errors.Is(err, broker.ErrUnavailable) {
			kind = apperr.BrokerUnavailable
		}
		return Result{}, apperr.Wrap(kind, op, "publish "+mt, err)
	}

	delivered := r.counters.IncrementAll(mt)
	metrics.DeliveriesCounted.Add(float64(len(delivered)))
	log.Info("Message has been published", zap.Int("subscribers", len(delivered)))

	if r.cfg.Notifier != nil {
		for _, id := range delivered {
			r.cfg.Notifier.Notify(id, EventCountersUpdated)
		}
	}
	return Result{MessageID: out.ID, Delivered: delivered}, nil
}
