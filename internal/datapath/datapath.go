// Package datapath ties the fast path together: it extracts keys, looks up
// flows, executes their actions and issues upcalls, and it serves the flow
// administration operations of the control plane.
package datapath

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"firestige.xyz/flowpath/internal/actions"
	"firestige.xyz/flowpath/internal/core"
	"firestige.xyz/flowpath/internal/core/extract"
	"firestige.xyz/flowpath/internal/flowtable"
	"firestige.xyz/flowpath/internal/metrics"
	"firestige.xyz/flowpath/internal/rcu"
	"firestige.xyz/flowpath/internal/wire"
)

// PortNone is the in-port of packets that did not arrive on a port.
const PortNone = 0xffff

// Sender transmits packets on ports. w is the worker running the actions,
// so a port that loops back into the datapath can re-enter on the same
// processing context.
type Sender interface {
	Send(w *Worker, port uint16, pkt *core.Packet) (int, error)
}

// Upcaller delivers upcalls to the control plane. It must not block.
type Upcaller interface {
	Upcall(u *core.Upcall) error
}

// Config configures a datapath.
type Config struct {
	Name              string
	DropFragments     bool
	SampleProbability uint32
	ReclaimInterval   time.Duration
	Table             flowtable.Config

	// Loop diagnostics per second and burst.
	LoopLogRate  float64
	LoopLogBurst int
}

// Options carries the collaborators of a datapath.
type Options struct {
	Sender   Sender
	Upcaller Upcaller
	// Registerer receives the datapath collector when set.
	Registerer prometheus.Registerer
}

// Datapath is one switch instance.
type Datapath struct {
	name string

	// mu serializes table writers.
	mu    sync.Mutex
	rcu   *rcu.Domain
	table *flowtable.Table

	exec      *actions.Executor
	sender    Sender
	upcaller  Upcaller
	dropFrags atomic.Bool
	loopLog   *rate.Limiter

	reclaimInterval time.Duration

	shardMu sync.Mutex
	shards  []*shard

	// ctl runs control-plane Execute requests.
	ctlMu sync.Mutex
	ctl   *Worker
}

// New creates a datapath.
func New(cfg Config, opts Options) (*Datapath, error) {
	if cfg.Name == "" {
		cfg.Name = "dp0"
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = 100 * time.Millisecond
	}
	if cfg.LoopLogRate <= 0 {
		cfg.LoopLogRate = 1
	}
	if cfg.LoopLogBurst <= 0 {
		cfg.LoopLogBurst = 5
	}
	if cfg.Table.Seed == 0 {
		cfg.Table.Seed = rand.Uint64()
	}

	d := rcu.NewDomain()
	dp := &Datapath{
		name:            cfg.Name,
		rcu:             d,
		table:           flowtable.New(cfg.Table, d),
		exec:            actions.NewExecutor(actions.NewSampler()),
		sender:          opts.Sender,
		upcaller:        opts.Upcaller,
		loopLog:         rate.NewLimiter(rate.Limit(cfg.LoopLogRate), cfg.LoopLogBurst),
		reclaimInterval: cfg.ReclaimInterval,
	}
	if dp.sender == nil {
		dp.sender = noSender{}
	}
	if dp.upcaller == nil {
		dp.upcaller = noUpcaller{}
	}
	dp.dropFrags.Store(cfg.DropFragments)
	dp.exec.Sampler().SetProbability(cfg.SampleProbability)
	dp.ctl = dp.NewWorker()

	if opts.Registerer != nil {
		if err := opts.Registerer.Register(dp.Collector()); err != nil {
			return nil, fmt.Errorf("register datapath %s metrics: %w", dp.name, err)
		}
	}

	slog.Info("datapath created",
		"datapath", dp.name,
		"buckets", dp.table.Buckets(),
		"max_buckets", dp.table.MaxBuckets(),
		"drop_fragments", cfg.DropFragments)
	return dp, nil
}

// Name returns the datapath name.
func (dp *Datapath) Name() string {
	return dp.name
}

// SetDropFragments sets whether IP fragments are dropped before lookup.
func (dp *Datapath) SetDropFragments(drop bool) {
	dp.dropFrags.Store(drop)
}

// DropFragments reports whether IP fragments are dropped.
func (dp *Datapath) DropFragments() bool {
	return dp.dropFrags.Load()
}

// SetSampleProbability sets the sampling probability out of MaxUint32.
func (dp *Datapath) SetSampleProbability(p uint32) {
	dp.exec.Sampler().SetProbability(p)
}

// SampleProbability returns the sampling probability.
func (dp *Datapath) SampleProbability() uint32 {
	return dp.exec.Sampler().Probability()
}

// Execute runs acts on frame as if it had arrived on inPort, without a flow
// lookup. inPort may be PortNone.
func (dp *Datapath) Execute(frame []byte, inPort uint16, acts *core.ActionList) error {
	if err := wire.ValidateActions(acts); err != nil {
		return fmt.Errorf("execute: %w", err)
	}
	if len(frame) < core.EthHeaderLen {
		return fmt.Errorf("execute: %w", core.ErrPacketTooShort)
	}

	pkt := core.NewPacket(append([]byte(nil), frame...), inPort)
	if inPort == PortNone {
		pkt.InPort, pkt.HasInPort = 0, false
	}

	dp.ctlMu.Lock()
	defer dp.ctlMu.Unlock()
	w := dp.ctl
	w.reader.Lock()
	defer w.reader.Unlock()

	key, _, err := extract.Extract(pkt)
	if err != nil {
		return fmt.Errorf("execute: %w", err)
	}
	dp.exec.Execute(w, pkt, &key, acts)
	return nil
}

// Run reclaims retired flows and tables in the background until ctx is
// done.
func (dp *Datapath) Run(ctx context.Context) {
	dp.rcu.Run(ctx, dp.reclaimInterval)
}

// Quiesce waits for a grace period and runs every pending reclamation. It
// must not be called from a worker.
func (dp *Datapath) Quiesce() {
	dp.rcu.Barrier()
}

type noSender struct{}

func (noSender) Send(*Worker, uint16, *core.Packet) (int, error) {
	return 0, core.ErrNoSuchPort
}

type noUpcaller struct{}

func (noUpcaller) Upcall(u *core.Upcall) error {
	return fmt.Errorf("%s upcall: %w", u.Kind, core.ErrNotListening)
}

// metricsSnapshot adapts Stats for the metrics collector.
func (dp *Datapath) metricsSnapshot() metrics.DatapathSnapshot {
	s := dp.Stats()
	return metrics.DatapathSnapshot{
		Hit:        s.Hit,
		Missed:     s.Missed,
		Lost:       s.Lost,
		Frags:      s.Frags,
		Invalid:    s.Invalid,
		Flows:      s.Flows,
		Buckets:    s.Buckets,
		MaxBuckets: s.MaxBuckets,
	}
}

// Collector returns a Prometheus collector over the datapath counters.
func (dp *Datapath) Collector() prometheus.Collector {
	return metrics.NewDatapathCollector(dp.name, dp.metricsSnapshot)
}
