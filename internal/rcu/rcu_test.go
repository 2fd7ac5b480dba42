package rcu

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReclaimWithoutReaders(t *testing.T) {
	d := NewDomain()
	ran := 0
	d.Defer(func() { ran++ })
	d.Defer(func() { ran++ })
	assert.Equal(t, 2, d.Pending())

	assert.Equal(t, 2, d.Reclaim())
	assert.Equal(t, 2, ran)
	assert.Zero(t, d.Pending())
	assert.Zero(t, d.Reclaim())
}

func TestReaderNesting(t *testing.T) {
	d := NewDomain()
	r := d.Register()
	assert.False(t, r.InSection())

	r.Lock()
	r.Lock()
	assert.True(t, r.InSection())
	r.Unlock()
	assert.True(t, r.InSection())
	assert.NotZero(t, r.state.Load())
	r.Unlock()
	assert.False(t, r.InSection())
	assert.Zero(t, r.state.Load())
}

func TestSynchronizeWaitsForReader(t *testing.T) {
	d := NewDomain()
	r := d.Register()
	r.Lock()

	var done atomic.Bool
	go func() {
		d.Synchronize()
		done.Store(true)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, done.Load(), "grace period must not end while a reader is inside")

	r.Unlock()
	require.Eventually(t, done.Load, time.Second, time.Millisecond)
}

func TestDeferredRunsAfterReaderLeaves(t *testing.T) {
	d := NewDomain()
	r := d.Register()

	r.Lock()
	var ran atomic.Bool
	d.Defer(func() { ran.Store(true) })

	reclaimed := make(chan int)
	go func() { reclaimed <- d.Reclaim() }()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, ran.Load())

	r.Unlock()
	assert.Equal(t, 1, <-reclaimed)
	assert.True(t, ran.Load())
}

func TestUnregister(t *testing.T) {
	d := NewDomain()
	r1 := d.Register()
	r2 := d.Register()
	assert.Len(t, *d.readers.Load(), 2)

	d.Unregister(r1)
	readers := *d.readers.Load()
	require.Len(t, readers, 1)
	assert.Same(t, r2, readers[0])
}

func TestBarrierRunsChainedCallbacks(t *testing.T) {
	d := NewDomain()
	var order []int
	d.Defer(func() {
		order = append(order, 1)
		d.Defer(func() { order = append(order, 2) })
	})

	d.Barrier()
	assert.Equal(t, []int{1, 2}, order)
	assert.Zero(t, d.Pending())
}

func TestRunDrainsOnCancel(t *testing.T) {
	d := NewDomain()
	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		d.Defer(func() { ran.Add(1) })
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx, time.Hour)
		close(done)
	}()
	cancel()
	<-done
	assert.Equal(t, int32(10), ran.Load())
}

// Readers never observe an object after its deferred retirement ran.
func TestNoUseAfterRetire(t *testing.T) {
	type object struct {
		dead atomic.Bool
	}

	d := NewDomain()
	var cur atomic.Pointer[object]
	cur.Store(&object{})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	var violations atomic.Int64
	for i := 0; i < 4; i++ {
		r := d.Register()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				r.Lock()
				o := cur.Load()
				for j := 0; j < 10; j++ {
					if o.dead.Load() {
						violations.Add(1)
					}
				}
				r.Unlock()
			}
		}()
	}

	for i := 0; i < 500; i++ {
		old := cur.Swap(&object{})
		d.Defer(func() { old.dead.Store(true) })
		if i%10 == 0 {
			d.Reclaim()
		}
	}
	d.Barrier()
	cancel()
	wg.Wait()
	assert.Zero(t, violations.Load())
}
