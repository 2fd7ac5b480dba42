// Package upcall implements the in-memory upcall collaborator: one bounded
// queue per upcall kind with a listen mask.
package upcall

import (
	"context"
	"fmt"
	"sync/atomic"

	"firestige.xyz/flowpath/internal/core"
	"firestige.xyz/flowpath/internal/metrics"
)

const numKinds = int(core.UpcallSample) + 1

// DefaultCapacity is used for a queue configured with capacity 0.
const DefaultCapacity = 1000

// Config sizes the queues.
type Config struct {
	MissQueue   int
	ActionQueue int
	SampleQueue int
	// Listen lists the kinds accepted. Nil accepts every kind.
	Listen []core.UpcallKind
}

// Queue holds upcalls until the control plane reads them. Upcall never
// blocks: a full queue or an unlistened kind rejects the upcall and the
// caller counts it as lost.
type Queue struct {
	queues [numKinds]chan *core.Upcall
	listen atomic.Uint32
}

// New creates the queues.
func New(cfg Config) *Queue {
	q := &Queue{}
	for kind, n := range [numKinds]int{cfg.MissQueue, cfg.ActionQueue, cfg.SampleQueue} {
		if n <= 0 {
			n = DefaultCapacity
		}
		q.queues[kind] = make(chan *core.Upcall, n)
	}
	if cfg.Listen == nil {
		q.SetListen(core.UpcallMiss, core.UpcallAction, core.UpcallSample)
	} else {
		q.SetListen(cfg.Listen...)
	}
	return q
}

// SetListen replaces the listen mask. Already queued upcalls stay queued.
func (q *Queue) SetListen(kinds ...core.UpcallKind) {
	var mask uint32
	for _, k := range kinds {
		if int(k) < numKinds {
			mask |= 1 << k
		}
	}
	q.listen.Store(mask)
}

// Listening reports whether kind is accepted.
func (q *Queue) Listening(kind core.UpcallKind) bool {
	return int(kind) < numKinds && q.listen.Load()&(1<<kind) != 0
}

// Upcall enqueues u.
func (q *Queue) Upcall(u *core.Upcall) error {
	kind := u.Kind.String()
	if !q.Listening(u.Kind) {
		metrics.UpcallsTotal.WithLabelValues(kind, metrics.UpcallLost).Inc()
		return fmt.Errorf("%s upcall: %w", kind, core.ErrNotListening)
	}
	select {
	case q.queues[u.Kind] <- u:
		metrics.UpcallsTotal.WithLabelValues(kind, metrics.UpcallQueued).Inc()
		metrics.UpcallQueueLength.WithLabelValues(kind).Set(float64(len(q.queues[u.Kind])))
		return nil
	default:
		metrics.UpcallsTotal.WithLabelValues(kind, metrics.UpcallLost).Inc()
		return fmt.Errorf("%s upcall: %w", kind, core.ErrQueueFull)
	}
}

// Recv returns the next upcall of any kind, blocking until one is queued
// or ctx is done. Misses are preferred over actions, actions over samples.
func (q *Queue) Recv(ctx context.Context) (*core.Upcall, error) {
	for _, ch := range q.queues {
		select {
		case u := <-ch:
			q.dequeued(u)
			return u, nil
		default:
		}
	}

	select {
	case u := <-q.queues[core.UpcallMiss]:
		q.dequeued(u)
		return u, nil
	case u := <-q.queues[core.UpcallAction]:
		q.dequeued(u)
		return u, nil
	case u := <-q.queues[core.UpcallSample]:
		q.dequeued(u)
		return u, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryRecv returns the next queued upcall, or nil when every queue is empty.
func (q *Queue) TryRecv() *core.Upcall {
	for _, ch := range q.queues {
		select {
		case u := <-ch:
			q.dequeued(u)
			return u
		default:
		}
	}
	return nil
}

func (q *Queue) dequeued(u *core.Upcall) {
	metrics.UpcallQueueLength.WithLabelValues(u.Kind.String()).Set(float64(len(q.queues[u.Kind])))
}

// Len returns the number of queued upcalls of kind.
func (q *Queue) Len(kind core.UpcallKind) int {
	if int(kind) >= numKinds {
		return 0
	}
	return len(q.queues[kind])
}

// Cap returns the capacity of the queue for kind.
func (q *Queue) Cap(kind core.UpcallKind) int {
	if int(kind) >= numKinds {
		return 0
	}
	return cap(q.queues[kind])
}
