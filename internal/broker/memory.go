package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process Gateway used when no broker is configured and in
// tests. Published messages are appended to every bound queue.
type Memory struct {
	mu        sync.Mutex
	exchanges map[string]string                         // name -> kind
	queues    map[string]*memQueue                      // name -> queue
	bindings  map[string]map[string]map[string]struct{} // exchange -> routing key -> set of queues
	calls     map[Op]int

	// Hook, when set, runs before every operation with the queue (or
	// exchange, for exchange operations) and routing key involved. A non-nil
	// return fails the operation without touching state.
	Hook func(op Op, target, routingKey string) error
}

type memQueue struct {
	opts     QueueOptions
	messages []Message
}

// NewMemory returns an empty in-process broker.
func NewMemory() *Memory {
	return &Memory{
		exchanges: map[string]string{},
		queues:    map[string]*memQueue{},
		bindings:  map[string]map[string]map[string]struct{}{},
		calls:     map[Op]int{},
	}
}

func (m *Memory) enter(ctx context.Context, op Op, target, key string) error {
	m.mu.Lock()
	m.calls[op]++
	hook := m.Hook
	m.mu.Unlock()
	if err := contextError(op, ctx); err != nil {
		return err
	}
	if hook != nil {
		if err := hook(op, target, key); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) ExchangeDeclare(ctx context.Context, name, kind string) error {
	if err := m.enter(ctx, OpExchangeDeclare, name, ""); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.exchanges[name]; ok && existing != kind {
		return fmt.Errorf("%s: exchange %q already declared as %s", OpExchangeDeclare, name, existing)
	}
	m.exchanges[name] = kind
	return nil
}

func (m *Memory) ExchangeDelete(ctx context.Context, name string) error {
	if err := m.enter(ctx, OpExchangeDelete, name, ""); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.exchanges[name]; !ok {
		return notFound(OpExchangeDelete, fmt.Errorf("exchange %q", name))
	}
	delete(m.exchanges, name)
	delete(m.bindings, name)
	return nil
}

func (m *Memory) QueueDeclare(ctx context.Context, name string, opts QueueOptions) error {
	if err := m.enter(ctx, OpQueueDeclare, name, ""); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[name]; ok {
		if q.opts != opts {
			return fmt.Errorf("%s: queue %q redeclared with different options", OpQueueDeclare, name)
		}
		return nil
	}
	m.queues[name] = &memQueue{opts: opts}
	return nil
}

func (m *Memory) QueueDelete(ctx context.Context, name string) error {
	if err := m.enter(ctx, OpQueueDelete, name, ""); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queues[name]; !ok {
		return notFound(OpQueueDelete, fmt.Errorf("queue %q", name))
	}
	delete(m.queues, name)
	for _, keys := range m.bindings {
		for key, qs := range keys {
			delete(qs, name)
			if len(qs) == 0 {
				delete(keys, key)
			}
		}
	}
	return nil
}

func (m *Memory) QueueBind(ctx context.Context, queue, exchange, routingKey string) error {
	if err := m.enter(ctx, OpQueueBind, queue, routingKey); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.exchanges[exchange]; !ok {
		return notFound(OpQueueBind, fmt.Errorf("exchange %q", exchange))
	}
	if _, ok := m.queues[queue]; !ok {
		return notFound(OpQueueBind, fmt.Errorf("queue %q", queue))
	}
	keys := m.bindings[exchange]
	if keys == nil {
		keys = map[string]map[string]struct{}{}
		m.bindings[exchange] = keys
	}
	if keys[routingKey] == nil {
		keys[routingKey] = map[string]struct{}{}
	}
	keys[routingKey][queue] = struct{}{}
	return nil
}

func (m *Memory) QueueUnbind(ctx context.Context, queue, exchange, routingKey string) error {
	if err := m.enter(ctx, OpQueueUnbind, queue, routingKey); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if qs := m.bindings[exchange][routingKey]; qs != nil {
		delete(qs, queue)
		if len(qs) == 0 {
			delete(m.bindings[exchange], routingKey)
		}
	}
	return nil
}

func (m *Memory) Publish(ctx context.Context, exchange, routingKey string, msg Message) error {
	if err := m.enter(ctx, OpPublish, exchange, routingKey); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.exchanges[exchange]; !ok {
		return notFound(OpPublish, fmt.Errorf("exchange %q", exchange))
	}
	for q := range m.bindings[exchange][routingKey] {
		if mq := m.queues[q]; mq != nil {
			mq.messages = append(mq.messages, msg)
		}
	}
	return nil
}

func (m *Memory) Close() error { return nil }

// Bindings returns the sorted routing keys queue is bound under on exchange.
func (m *Memory) Bindings(queue, exchange string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for key, qs := range m.bindings[exchange] {
		if _, ok := qs[queue]; ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// HasQueue reports whether the queue is declared.
func (m *Memory) HasQueue(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.queues[name]
	return ok
}

// HasExchange reports whether the exchange is declared.
func (m *Memory) HasExchange(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.exchanges[name]
	return ok
}

// Messages returns a copy of what has been delivered to queue.
func (m *Memory) Messages(queue string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[queue]
	if q == nil {
		return nil
	}
	return append([]Message(nil), q.messages...)
}

// Calls returns how many times op was invoked; with no argument, the total.
func (m *Memory) Calls(ops ...Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	if len(ops) == 0 {
		for _, c := range m.calls {
			n += c
		}
		return n
	}
	for _, op := range ops {
		n += m.calls[op]
	}
	return n
}
