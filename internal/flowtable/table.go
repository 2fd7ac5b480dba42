// Package flowtable implements the exact-match flow cache.
//
// Lookups are lock-free and must run inside an rcu read section. Buckets
// are immutable slices replaced wholesale on every change, and growth
// publishes a new table generation, so a reader always sees either the old
// or the new state of a bucket. Writers (Insert, Remove, Flush, SetActions)
// must be serialized by the caller.
package flowtable

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"firestige.xyz/flowpath/internal/core"
	"firestige.xyz/flowpath/internal/metrics"
	"firestige.xyz/flowpath/internal/rcu"
)

const (
	// DefaultBuckets is the size of a new or flushed table.
	DefaultBuckets = 1024
	// DefaultMaxBuckets bounds growth.
	DefaultMaxBuckets = 256 * 1024
)

// Config sizes a table. Bucket counts are rounded up to a power of two.
type Config struct {
	InitialBuckets int
	MaxBuckets     int
	Seed           uint64
}

type bucket struct {
	flows []*Flow
}

// generation is one published table. Its bucket array never changes size.
type generation struct {
	buckets []atomic.Pointer[bucket]
	mask    uint64
}

func newGeneration(n int) *generation {
	return &generation{
		buckets: make([]atomic.Pointer[bucket], n),
		mask:    uint64(n - 1),
	}
}

func (g *generation) find(key *core.FlowKey, hash uint64) *Flow {
	b := g.buckets[hash&g.mask].Load()
	if b == nil {
		return nil
	}
	for _, f := range b.flows {
		if f.hash == hash && f.Key == *key {
			return f
		}
	}
	return nil
}

// Table is the flow cache.
type Table struct {
	cur   atomic.Pointer[generation]
	count atomic.Int64

	seed       uint64
	initial    int
	maxBuckets int
	rcu        *rcu.Domain
}

// New returns an empty table whose retired objects are released through d.
func New(cfg Config, d *rcu.Domain) *Table {
	initial := roundPow2(cfg.InitialBuckets, DefaultBuckets)
	maxBuckets := roundPow2(cfg.MaxBuckets, DefaultMaxBuckets)
	if maxBuckets < initial {
		maxBuckets = initial
	}
	t := &Table{
		seed:       cfg.Seed,
		initial:    initial,
		maxBuckets: maxBuckets,
		rcu:        d,
	}
	t.cur.Store(newGeneration(initial))
	return t
}

func roundPow2(n, def int) int {
	if n <= 0 {
		return def
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Hash returns the bucket hash of key for this table.
func (t *Table) Hash(key *core.FlowKey) uint64 {
	return key.Hash(t.seed)
}

// Lookup returns the flow for key, or nil. The caller must be inside a read
// section and must not use the result after leaving it.
func (t *Table) Lookup(key *core.FlowKey) *Flow {
	return t.cur.Load().find(key, key.Hash(t.seed))
}

// Insert adds f. The table grows when it holds as many flows as buckets.
// It fails with ErrDuplicateKey if the key is present and with
// ErrResourceExhausted when growth would pass the bucket limit.
func (t *Table) Insert(f *Flow) error {
	f.hash = f.Key.Hash(t.seed)
	g := t.cur.Load()
	if g.find(&f.Key, f.hash) != nil {
		return core.ErrDuplicateKey
	}

	if t.count.Load() >= int64(len(g.buckets)) {
		var err error
		if g, err = t.expand(g); err != nil {
			return err
		}
	}

	slot := &g.buckets[f.hash&g.mask]
	old := slot.Load()
	nb := &bucket{}
	if old != nil {
		nb.flows = make([]*Flow, len(old.flows), len(old.flows)+1)
		copy(nb.flows, old.flows)
	}
	nb.flows = append(nb.flows, f)
	slot.Store(nb)
	t.count.Add(1)
	return nil
}

// expand publishes a generation with twice the buckets of g.
func (t *Table) expand(g *generation) (*generation, error) {
	n := len(g.buckets) * 2
	if n > t.maxBuckets {
		return nil, fmt.Errorf("%w: %d buckets", core.ErrResourceExhausted, t.maxBuckets)
	}

	ng := newGeneration(n)
	for i := range g.buckets {
		b := g.buckets[i].Load()
		if b == nil {
			continue
		}
		for _, f := range b.flows {
			slot := &ng.buckets[f.hash&ng.mask]
			var flows []*Flow
			if nb := slot.Load(); nb != nil {
				flows = nb.flows
			}
			slot.Store(&bucket{flows: append(flows, f)})
		}
	}
	t.cur.Store(ng)
	metrics.TableExpansionsTotal.Inc()
	slog.Debug("flow table expanded", "buckets", n, "flows", t.count.Load())

	t.rcu.Defer(func() {
		metrics.ReclaimedTotal.WithLabelValues("table").Inc()
	})
	return ng, nil
}

// Remove unlinks the flow for key and returns it. The flow is marked dead
// once no reader can still hold it.
func (t *Table) Remove(key *core.FlowKey) (*Flow, error) {
	g := t.cur.Load()
	hash := key.Hash(t.seed)
	slot := &g.buckets[hash&g.mask]
	b := slot.Load()
	if b == nil {
		return nil, core.ErrNotFound
	}

	idx := -1
	for i, f := range b.flows {
		if f.hash == hash && f.Key == *key {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, core.ErrNotFound
	}

	f := b.flows[idx]
	if len(b.flows) == 1 {
		slot.Store(nil)
	} else {
		flows := make([]*Flow, 0, len(b.flows)-1)
		flows = append(flows, b.flows[:idx]...)
		flows = append(flows, b.flows[idx+1:]...)
		slot.Store(&bucket{flows: flows})
	}
	t.count.Add(-1)
	t.retire(f)
	return f, nil
}

// Flush replaces the table with an empty generation of the initial size.
func (t *Table) Flush() {
	old := t.cur.Swap(newGeneration(t.initial))
	t.count.Store(0)
	metrics.TableFlushesTotal.Inc()

	for i := range old.buckets {
		if b := old.buckets[i].Load(); b != nil {
			for _, f := range b.flows {
				t.retire(f)
			}
		}
	}
	t.rcu.Defer(func() {
		metrics.ReclaimedTotal.WithLabelValues("table").Inc()
	})
}

func (t *Table) retire(f *Flow) {
	t.rcu.Defer(func() {
		f.dead.Store(true)
		metrics.ReclaimedTotal.WithLabelValues("flow").Inc()
	})
}

// SetActions replaces the action list of f and returns the previous one.
// Readers that loaded the old list keep using it until they finish.
func (t *Table) SetActions(f *Flow, acts *core.ActionList) *core.ActionList {
	old := f.setActions(acts)
	t.rcu.Defer(func() {
		metrics.ReclaimedTotal.WithLabelValues("actions").Inc()
	})
	return old
}

// Range calls fn for every flow in the current generation until fn returns
// false. Concurrent writers may or may not be reflected.
func (t *Table) Range(fn func(*Flow) bool) {
	g := t.cur.Load()
	for i := range g.buckets {
		b := g.buckets[i].Load()
		if b == nil {
			continue
		}
		for _, f := range b.flows {
			if !fn(f) {
				return
			}
		}
	}
}

// Count returns the number of installed flows.
func (t *Table) Count() int {
	return int(t.count.Load())
}

// Buckets returns the bucket count of the current generation.
func (t *Table) Buckets() int {
	return len(t.cur.Load().buckets)
}

// MaxBuckets returns the growth limit.
func (t *Table) MaxBuckets() int {
	return t.maxBuckets
}
