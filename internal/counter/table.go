// Package counter keeps the number of messages delivered per
// (message type, subscription) pair.
//
// Rows are sharded by message type. Each shard guards only the existence of
// its cells; cell values are updated atomically, so routing a message of one
// type never waits on rows of another type.
package counter

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Table is a concurrency-safe table of delivery counts keyed by
// (message type, subscription id). The zero value is ready to use.
type Table struct {
	rows  sync.Map // message type -> *row
	index sync.Map // subscription id -> *subIndex
}

type row struct {
	mu     sync.RWMutex
	cells  map[string]*cell // subscription id -> cell
	active atomic.Int64     // number of active cells
}

type cell struct {
	count  atomic.Uint64
	active bool // guarded by row.mu
}

// subIndex lists the message types a subscription has rows under.
type subIndex struct {
	mu    sync.Mutex
	types map[string]struct{}
}

// New returns an empty table.
func New() *Table {
	return &Table{}
}

func (t *Table) row(messageType string) *row {
	if r, ok := t.rows.Load(messageType); ok {
		return r.(*row)
	}
	r, _ := t.rows.LoadOrStore(messageType, &row{cells: map[string]*cell{}})
	return r.(*row)
}

func (t *Table) indexFor(subscriptionID string) *subIndex {
	if ix, ok := t.index.Load(subscriptionID); ok {
		return ix.(*subIndex)
	}
	ix, _ := t.index.LoadOrStore(subscriptionID, &subIndex{types: map[string]struct{}{}})
	return ix.(*subIndex)
}

// EnsureRow creates a zero-valued row for the pair if absent and marks it
// active, so that IncrementAll counts deliveries for it. An existing count is
// never reset.
func (t *Table) EnsureRow(messageType, subscriptionID string) {
	t.set(messageType, subscriptionID, true)
}

// Deactivate keeps the pair's row (creating it at zero if absent) but stops
// counting deliveries for it until the next EnsureRow.
func (t *Table) Deactivate(messageType, subscriptionID string) {
	t.set(messageType, subscriptionID, false)
}

func (t *Table) set(messageType, subscriptionID string, active bool) {
	r := t.row(messageType)
	r.mu.Lock()
	c, ok := r.cells[subscriptionID]
	if !ok {
		c = &cell{}
		r.cells[subscriptionID] = c
	}
	if c.active != active {
		c.active = active
		if active {
			r.active.Add(1)
		} else {
			r.active.Add(-1)
		}
	}
	r.mu.Unlock()

	ix := t.indexFor(subscriptionID)
	ix.mu.Lock()
	ix.types[messageType] = struct{}{}
	ix.mu.Unlock()
}

// IncrementAll adds one to every active row under messageType and returns
// the ids of the subscriptions whose count changed.
func (t *Table) IncrementAll(messageType string) []string {
	v, ok := t.rows.Load(messageType)
	if !ok {
		return nil
	}
	r := v.(*row)
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.cells))
	for id, c := range r.cells {
		if c.active {
			c.count.Add(1)
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Known reports whether at least one subscription is actively counted for
// messageType.
func (t *Table) Known(messageType string) bool {
	v, ok := t.rows.Load(messageType)
	if !ok {
		return false
	}
	return v.(*row).active.Load() > 0
}

// Subscribers returns the sorted ids actively counted for messageType.
func (t *Table) Subscribers(messageType string) []string {
	v, ok := t.rows.Load(messageType)
	if !ok {
		return nil
	}
	r := v.(*row)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, c := range r.cells {
		if c.active {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Get returns every message type the subscription has a row for, active or
// not, with its current count. Unknown subscriptions yield an empty map.
func (t *Table) Get(subscriptionID string) map[string]uint64 {
	out := map[string]uint64{}
	v, ok := t.index.Load(subscriptionID)
	if !ok {
		return out
	}
	ix := v.(*subIndex)
	ix.mu.Lock()
	types := make([]string, 0, len(ix.types))
	for mt := range ix.types {
		types = append(types, mt)
	}
	ix.mu.Unlock()

	for _, mt := range types {
		rv, ok := t.rows.Load(mt)
		if !ok {
			continue
		}
		r := rv.(*row)
		r.mu.RLock()
		if c, ok := r.cells[subscriptionID]; ok {
			out[mt] = c.count.Load()
		}
		r.mu.RUnlock()
	}
	return out
}

// Remove drops every row of the subscription.
func (t *Table) Remove(subscriptionID string) {
	v, ok := t.index.LoadAndDelete(subscriptionID)
	if !ok {
		return
	}
	ix := v.(*subIndex)
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for mt := range ix.types {
		rv, ok := t.rows.Load(mt)
		if !ok {
			continue
		}
		r := rv.(*row)
		r.mu.Lock()
		if c, ok := r.cells[subscriptionID]; ok {
			if c.active {
				r.active.Add(-1)
			}
			delete(r.cells, subscriptionID)
		}
		r.mu.Unlock()
	}
}
