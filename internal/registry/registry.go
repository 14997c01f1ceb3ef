// Package registry owns the mapping from subscription id to the message
// types it wants, and keeps the broker's queues and bindings in line with it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mss/internal/apperr"
	"mss/internal/broker"
	"mss/internal/counter"
	"mss/internal/model"
)

// Result is the outcome of a successful Put.
type Result string

const (
	Created  Result = "created"
	Replaced Result = "replaced"
)

// Event names passed to the Notifier.
const (
	EventReplaced = "subscription.replaced"
	EventDeleted  = "subscription.deleted"
)

// Notifier is told about every change to a subscription.
type Notifier interface {
	Notify(subscriptionID, event string)
}

// Config configures a Registry.
type Config struct {
	// Exchange is the direct exchange queues are bound to.
	Exchange string

	// BindConcurrency caps the binds in flight for one Put. Zero means no cap.
	BindConcurrency int

	// RollbackOnBindFailure makes a Put that fails to bind some types undo
	// the binds that succeeded before reporting BindingFailed. A new
	// subscription loses its queue; a replaced one gets its previous types
	// bound again on a fresh queue, so messages queued before the Put are
	// gone. Off by default: the queue and the successful binds stay.
	RollbackOnBindFailure bool

	Logger   *zap.Logger
	Notifier Notifier
}

// Registry is the authoritative store of subscriptions. Puts and Deletes
// for the same id are serialized; different ids proceed in parallel.
type Registry struct {
	gw       broker.Gateway
	counters *counter.Table
	cfg      Config
	log      *zap.Logger
	locks    *keyLock

	mu   sync.RWMutex
	subs map[string]model.Subscription
}

// New creates a Registry driving gw and owning the rows of counters.
func New(gw broker.Gateway, counters *counter.Table, cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Registry{
		gw:       gw,
		counters: counters,
		cfg:      cfg,
		log:      cfg.Logger.Named("registry"),
		locks:    newKeyLock(),
		subs:     map[string]model.Subscription{},
	}
}

// Put creates or fully replaces the subscription id so that its queue is
// bound to exactly messageTypes.
//
// The old queue is deleted (not-found is expected for a new id), a fresh
// non-durable queue is declared and every type is bound concurrently. Counter
// rows are created for every attempted type and kept for types that were
// dropped, so delivery history survives a resubscription. If any bind fails
// the result is BindingFailed; unless RollbackOnBindFailure is set, the
// queue and the binds that succeeded are left in place.
func (r *Registry) Put(ctx context.Context, id string, messageTypes []string) (Result, error) {
	const op = "put subscription"
	if strings.TrimSpace(id) == "" {
		return "", apperr.New(apperr.InvalidInput, op, "subscription id is required")
	}
	types, ok := model.NormalizeTypes(messageTypes)
	if !ok {
		return "", apperr.New(apperr.InvalidInput, op, "messageTypes must be a non-empty set of non-empty strings")
	}

	unlock, err := r.locks.Lock(ctx, id)
	if err != nil {
		return "", apperr.Wrap(apperr.BrokerUnavailable, op, "timed out waiting for subscription "+id, err)
	}
	defer unlock()

	log := r.log.With(zap.String("subscription_id", id))
	prev, existed := r.lookup(id)

	staleBindings := false
	if err := r.gw.QueueDelete(ctx, id); err != nil {
		switch {
		case errors.Is(err, broker.ErrNotFound):
			log.Info("No queue to delete", zap.String("queue", id))
		case errors.Is(err, broker.ErrUnavailable):
			return "", apperr.Wrap(apperr.BrokerUnavailable, op, "delete queue "+id, err)
		default:
			staleBindings = existed
			log.Warn("Queue couldn't be deleted", zap.String("queue", id), zap.Error(err))
		}
	} else {
		log.Info("Queue has been deleted", zap.String("queue", id))
	}

	if err := r.gw.QueueDeclare(ctx, id, broker.QueueOptions{Durable: false, Exclusive: false, AutoDelete: false}); err != nil {
		log.Error("Queue couldn't be declared", zap.String("queue", id), zap.Error(err))
		if !staleBindings {
			r.commit(id, prev, nil, nil)
		}
		kind := apperr.QueueDeclareFailed
		if errors.Is(err, broker.ErrUnavailable) {
			kind = apperr.BrokerUnavailable
		}
		return "", apperr.Wrap(kind, op, "declare queue "+id, err)
	}
	log.Info("Queue has been declared", zap.String("queue", id))

	bound, failed, bindErr := r.bindAll(ctx, log, id, types)

	if staleBindings {
		r.unbindStale(ctx, log, id, prev.MessageTypes, types)
	}

	if len(failed) > 0 && r.cfg.RollbackOnBindFailure {
		restored := r.rollback(ctx, log, id, bound, prev.MessageTypes)
		r.commit(id, prev, types, restored)
		return "", apperr.Wrap(apperr.BindingFailed, op,
			fmt.Sprintf("failed to bind %s (rolled back)", strings.Join(failed, ", ")), bindErr)
	}

	r.commit(id, prev, types, bound)
	if len(failed) > 0 {
		return "", apperr.Wrap(apperr.BindingFailed, op,
			fmt.Sprintf("failed to bind %s", strings.Join(failed, ", ")), bindErr)
	}
	if existed {
		return Replaced, nil
	}
	return Created, nil
}

// bindAll binds every type concurrently and waits for all of them.
func (r *Registry) bindAll(ctx context.Context, log *zap.Logger, id string, types []string) (bound, failed []string, err error) {
	errs := make([]error, len(types))
	var g errgroup.Group
	if r.cfg.BindConcurrency > 0 {
		g.SetLimit(r.cfg.BindConcurrency)
	}
	for i, mt := range types {
		g.Go(func() error {
			errs[i] = r.gw.QueueBind(ctx, id, r.cfg.Exchange, mt)
			return nil
		})
	}
	_ = g.Wait()

	for i, mt := range types {
		fields := []zap.Field{zap.String("queue", id), zap.String("exchange", r.cfg.Exchange), zap.String("message_type", mt)}
		if errs[i] != nil {
			log.Error("Queue can't be bound", append(fields, zap.Error(errs[i]))...)
			failed = append(failed, mt)
			continue
		}
		log.Info("Queue has been bound", fields...)
		bound = append(bound, mt)
	}
	return bound, failed, errors.Join(errs...)
}

// unbindStale removes bindings of the previous declaration that survived a
// failed queue delete.
func (r *Registry) unbindStale(ctx context.Context, log *zap.Logger, id string, prev, next []string) {
	keep := make(map[string]struct{}, len(next))
	for _, mt := range next {
		keep[mt] = struct{}{}
	}
	for _, mt := range prev {
		if _, ok := keep[mt]; ok {
			continue
		}
		if err := r.gw.QueueUnbind(ctx, id, r.cfg.Exchange, mt); err != nil {
			log.Warn("Stale binding couldn't be removed", zap.String("message_type", mt), zap.Error(err))
		}
	}
}

// rollback undoes a partially applied Put, best effort. Without previous
// types the queue is deleted; otherwise the queue is bound to exactly prev
// again. It returns the types left bound.
func (r *Registry) rollback(ctx context.Context, log *zap.Logger, id string, bound, prev []string) []string {
	keep := make(map[string]struct{}, len(prev))
	for _, mt := range prev {
		keep[mt] = struct{}{}
	}
	isBound := make(map[string]struct{}, len(bound))
	var restored []string
	for _, mt := range bound {
		isBound[mt] = struct{}{}
		if _, ok := keep[mt]; ok {
			restored = append(restored, mt)
			continue
		}
		if err := r.gw.QueueUnbind(ctx, id, r.cfg.Exchange, mt); err != nil {
			log.Warn("Rollback unbind failed", zap.String("message_type", mt), zap.Error(err))
		}
	}

	if len(prev) == 0 {
		if err := r.gw.QueueDelete(ctx, id); err != nil && !errors.Is(err, broker.ErrNotFound) {
			log.Warn("Rollback queue delete failed", zap.String("queue", id), zap.Error(err))
		}
		log.Info("Partial subscription rolled back", zap.Strings("message_types", bound))
		return nil
	}

	var missing []string
	for _, mt := range prev {
		if _, ok := isBound[mt]; !ok {
			missing = append(missing, mt)
		}
	}
	if len(missing) > 0 {
		rebound, _, _ := r.bindAll(ctx, log, id, missing)
		restored = append(restored, rebound...)
	}
	sort.Strings(restored)
	log.Info("Previous subscription restored", zap.Strings("message_types", restored))
	return restored
}

// commit records what is bound for id after a Put attempt. Every attempted
// type gets a counter row, active only if it is bound; previously bound
// types that are no longer bound are deactivated. A subscription with
// nothing bound is forgotten, but its counter rows are kept.
func (r *Registry) commit(id string, prev model.Subscription, attempted, bound []string) {
	isBound := make(map[string]struct{}, len(bound))
	for _, mt := range bound {
		isBound[mt] = struct{}{}
		r.counters.EnsureRow(mt, id)
	}
	for _, mt := range attempted {
		if _, ok := isBound[mt]; !ok {
			r.counters.Deactivate(mt, id)
		}
	}
	for _, mt := range prev.MessageTypes {
		if _, ok := isBound[mt]; !ok {
			r.counters.Deactivate(mt, id)
		}
	}

	r.mu.Lock()
	if len(bound) == 0 {
		delete(r.subs, id)
	} else {
		r.subs[id] = model.Subscription{ID: id, MessageTypes: append([]string(nil), bound...)}
	}
	r.mu.Unlock()

	if r.cfg.Notifier != nil {
		r.cfg.Notifier.Notify(id, EventReplaced)
	}
}

// Delete removes the subscription: its queue, its bindings and its counter
// rows.
func (r *Registry) Delete(ctx context.Context, id string) error {
	const op = "delete subscription"
	if strings.TrimSpace(id) == "" {
		return apperr.New(apperr.InvalidInput, op, "subscription id is required")
	}
	unlock, err := r.locks.Lock(ctx, id)
	if err != nil {
		return apperr.Wrap(apperr.BrokerUnavailable, op, "timed out waiting for subscription "+id, err)
	}
	defer unlock()

	if _, ok := r.lookup(id); !ok && len(r.counters.Get(id)) == 0 {
		return apperr.New(apperr.NotFound, op, "subscription "+id+" not found")
	}

	log := r.log.With(zap.String("subscription_id", id))
	if err := r.gw.QueueDelete(ctx, id); err != nil {
		switch {
		case errors.Is(err, broker.ErrNotFound):
			log.Info("No queue to delete", zap.String("queue", id))
		case errors.Is(err, broker.ErrUnavailable):
			return apperr.Wrap(apperr.BrokerUnavailable, op, "delete queue "+id, err)
		default:
			return apperr.Wrap(apperr.Internal, op, "delete queue "+id, err)
		}
	}

	r.counters.Remove(id)
	r.mu.Lock()
	delete(r.subs, id)
	r.mu.Unlock()
	log.Info("Subscription has been deleted")

	if r.cfg.Notifier != nil {
		r.cfg.Notifier.Notify(id, EventDeleted)
	}
	return nil
}

func (r *Registry) lookup(id string) (model.Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subs[id]
	return s, ok
}

// Get returns the subscription and the types currently bound for it.
func (r *Registry) Get(id string) (model.Subscription, bool) {
	s, ok := r.lookup(id)
	if !ok {
		return model.Subscription{}, false
	}
	s.MessageTypes = append([]string(nil), s.MessageTypes...)
	return s, true
}

// List returns every subscription sorted by id.
func (r *Registry) List() []model.Subscription {
	r.mu.RLock()
	out := make([]model.Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		s.MessageTypes = append([]string(nil), s.MessageTypes...)
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of subscriptions with at least one binding.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Counters returns the delivery counts of the subscription.
func (r *Registry) Counters(id string) model.Counters {
	return r.counters.Get(id)
}
