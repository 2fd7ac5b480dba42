package datapath

import (
	"log/slog"
	"time"

	"firestige.xyz/flowpath/internal/core"
	"firestige.xyz/flowpath/internal/core/extract"
	"firestige.xyz/flowpath/internal/flowtable"
	"firestige.xyz/flowpath/internal/metrics"
	"firestige.xyz/flowpath/internal/rcu"
)

// MaxLoops bounds how deeply a packet may re-enter the datapath.
const MaxLoops = 5

type loopCounter struct {
	count   int
	looping bool
}

// Worker is one processing context. A worker must be used by a single
// goroutine; packets that re-enter the datapath through a port do so on
// the worker that sent them.
type Worker struct {
	dp     *Datapath
	stats  *shard
	reader *rcu.Reader
	// indexed by Packet.Deferred
	loops [2]loopCounter
}

// NewWorker returns a new processing context.
func (dp *Datapath) NewWorker() *Worker {
	return &Worker{
		dp:     dp,
		stats:  dp.newShard(),
		reader: dp.rcu.Register(),
	}
}

// Close releases the worker. Its counters stay in the datapath totals.
func (w *Worker) Close() {
	w.dp.rcu.Unregister(w.reader)
}

// Datapath returns the datapath w belongs to.
func (w *Worker) Datapath() *Datapath {
	return w.dp
}

// Receive processes one packet: extract, look up, then execute the flow's
// actions or issue a miss upcall. The packet belongs to the datapath from
// here on.
func (w *Worker) Receive(pkt *core.Packet) {
	dp := w.dp
	w.reader.Lock()
	defer w.reader.Unlock()

	key, frag, err := extract.Extract(pkt)
	if err != nil {
		w.stats.invalid.Add(1)
		return
	}

	if frag && dp.dropFrags.Load() {
		w.stats.frags.Add(1)
		return
	}

	f := dp.table.Lookup(&key)
	if f == nil {
		w.stats.missed.Add(1)
		w.Upcall(&core.Upcall{Kind: core.UpcallMiss, Key: key, Packet: pkt})
		return
	}

	f.Used(pkt, time.Now())
	w.stats.hit.Add(1)
	acts := f.Actions()

	loop := &w.loops[0]
	if pkt.Deferred {
		loop = &w.loops[1]
	}
	loop.count++
	if loop.count > MaxLoops {
		loop.looping = true
	}
	if !loop.looping {
		dp.exec.Execute(w, pkt, &key, acts)
	}
	// Nested receives may have tripped the breaker while executing.
	if loop.looping {
		w.suppressLoop(f)
	}

	loop.count--
	if loop.count == 0 {
		loop.looping = false
	}
}

// suppressLoop clears the actions of a flow that looped. The flow stays
// installed with an empty list until the control plane replaces it.
func (w *Worker) suppressLoop(f *flowtable.Flow) {
	dp := w.dp
	dp.mu.Lock()
	cleared := f.Actions().Len() > 0
	if cleared {
		dp.table.SetActions(f, core.NewActionList())
	}
	dp.mu.Unlock()
	if !cleared {
		return
	}

	metrics.LoopSuppressedTotal.Inc()
	if dp.loopLog.Allow() {
		slog.Warn("flow looped, dropping",
			"datapath", dp.name,
			"max_loops", MaxLoops,
			"flow", f.Key.String())
	}
}

// Send implements actions.Env. A failed send drops the packet.
func (w *Worker) Send(port uint16, pkt *core.Packet) {
	if _, err := w.dp.sender.Send(w, port, pkt); err != nil {
		slog.Debug("send failed", "datapath", w.dp.name, "port", port, "error", err)
	}
}

// Upcall implements actions.Env. A rejected upcall is counted as lost.
func (w *Worker) Upcall(u *core.Upcall) error {
	err := w.dp.upcaller.Upcall(u)
	if err != nil {
		w.stats.lost.Add(1)
	}
	return err
}
