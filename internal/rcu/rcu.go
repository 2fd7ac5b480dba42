// Package rcu provides epoch-based grace periods for lock-free readers.
//
// Readers bracket each access to shared structures with Lock/Unlock on their
// own Reader. Writers publish a new version, then call Defer with the
// cleanup for the old one. A deferred function runs once every reader that
// could have observed the old version has left its read section. Memory is
// still reclaimed by the garbage collector; deferred functions retire
// objects (mark them dead, update counters) at a point where no reader can
// see them anymore.
//
// Synchronize and Barrier must not be called from inside a read section.
package rcu

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/cpu"
)

// Reader is one read-side context. A Reader must not be used by two
// goroutines at once.
type Reader struct {
	_ cpu.CacheLinePad
	// epoch observed at the outermost Lock, or 0 when quiescent
	state atomic.Uint64
	depth int
	d     *Domain
	_     cpu.CacheLinePad
}

// Lock enters a read section. Sections nest.
func (r *Reader) Lock() {
	if r.depth == 0 {
		r.state.Store(r.d.epoch.Load())
	}
	r.depth++
}

// Unlock leaves a read section.
func (r *Reader) Unlock() {
	r.depth--
	if r.depth == 0 {
		r.state.Store(0)
	}
}

// InSection reports whether the reader is inside a read section.
func (r *Reader) InSection() bool {
	return r.depth > 0
}

type callback struct {
	epoch uint64
	fn    func()
}

// Domain tracks readers and pending callbacks.
type Domain struct {
	epoch atomic.Uint64

	mu      sync.Mutex
	readers atomic.Pointer[[]*Reader]
	pending []callback
}

// NewDomain returns an empty domain.
func NewDomain() *Domain {
	d := &Domain{}
	d.epoch.Store(1)
	empty := []*Reader{}
	d.readers.Store(&empty)
	return d
}

// Register adds a reader to the domain.
func (d *Domain) Register() *Reader {
	r := &Reader{d: d}
	d.mu.Lock()
	old := *d.readers.Load()
	next := make([]*Reader, len(old), len(old)+1)
	copy(next, old)
	next = append(next, r)
	d.readers.Store(&next)
	d.mu.Unlock()
	return r
}

// Unregister removes a quiescent reader.
func (d *Domain) Unregister(r *Reader) {
	d.mu.Lock()
	old := *d.readers.Load()
	next := make([]*Reader, 0, len(old))
	for _, o := range old {
		if o != r {
			next = append(next, o)
		}
	}
	d.readers.Store(&next)
	d.mu.Unlock()
}

// Defer queues fn to run after a grace period. It never blocks on readers.
func (d *Domain) Defer(fn func()) {
	d.mu.Lock()
	d.pending = append(d.pending, callback{epoch: d.epoch.Load(), fn: fn})
	d.mu.Unlock()
}

// Pending returns the number of callbacks waiting for a grace period.
func (d *Domain) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Synchronize waits until every reader that was inside a read section when
// it was called has left that section.
func (d *Domain) Synchronize() {
	d.synchronize()
}

// synchronize returns the epoch it waited for. Callbacks queued in an
// earlier epoch are safe to run afterwards.
func (d *Domain) synchronize() uint64 {
	target := d.epoch.Add(1)
	for _, r := range *d.readers.Load() {
		for {
			s := r.state.Load()
			if s == 0 || s >= target {
				break
			}
			runtime.Gosched()
		}
	}
	return target
}

// Reclaim starts a grace period, waits for it, then runs the callbacks
// queued before it started. It returns how many ran.
func (d *Domain) Reclaim() int {
	d.mu.Lock()
	if len(d.pending) == 0 {
		d.mu.Unlock()
		return 0
	}
	d.mu.Unlock()

	target := d.synchronize()

	d.mu.Lock()
	var ready []callback
	keep := d.pending[:0]
	for _, cb := range d.pending {
		if cb.epoch < target {
			ready = append(ready, cb)
		} else {
			keep = append(keep, cb)
		}
	}
	d.pending = keep
	d.mu.Unlock()

	for _, cb := range ready {
		cb.fn()
	}
	return len(ready)
}

// Barrier runs every callback queued before the call.
func (d *Domain) Barrier() {
	for d.Pending() > 0 {
		if d.Reclaim() == 0 {
			runtime.Gosched()
		}
	}
}

// Run reclaims in the background until ctx is done, then drains what is
// left.
func (d *Domain) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.Barrier()
			return
		case <-ticker.C:
			d.Reclaim()
		}
	}
}
