// Package pipeline feeds frames from a source to datapath workers.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/gopacket"

	"firestige.xyz/flowpath/internal/core"
	"firestige.xyz/flowpath/internal/datapath"
	"firestige.xyz/flowpath/internal/metrics"
)

// Source yields frames. io.EOF ends the pipeline.
type Source = gopacket.PacketDataSource

type frame struct {
	data []byte
	ci   gopacket.CaptureInfo
}

// Pipeline reads frames on one goroutine and processes them on a pool of
// worker goroutines, each owning one datapath worker.
type Pipeline struct {
	name     string
	inPort   uint16
	block    bool
	dp       *datapath.Datapath
	source   Source
	dispatch DispatchStrategy
	metrics  *Metrics

	// Runtime state
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
	err    error

	// One channel per worker for backpressure control
	queues []chan frame
}

// Config contains pipeline configuration.
type Config struct {
	Name            string
	Workers         int // 0 means GOMAXPROCS
	Dispatch        string
	ChannelCapacity int
	// InPort is the datapath port frames arrive on.
	InPort uint16
	// Backpressure makes the reader wait for a full worker queue instead of
	// dropping the frame.
	Backpressure bool
}

// New creates a pipeline feeding dp from source.
func New(cfg Config, dp *datapath.Datapath, source Source) *Pipeline {
	if cfg.Name == "" {
		cfg.Name = dp.Name()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.ChannelCapacity <= 0 {
		cfg.ChannelCapacity = 1024 // Default buffer size
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		name:     cfg.Name,
		inPort:   cfg.InPort,
		block:    cfg.Backpressure,
		dp:       dp,
		source:   source,
		dispatch: NewDispatchStrategy(cfg.Dispatch),
		metrics:  NewMetrics(cfg.Name),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		queues:   make([]chan frame, cfg.Workers),
	}
	for i := range p.queues {
		p.queues[i] = make(chan frame, cfg.ChannelCapacity)
	}
	return p
}

// Start starts the reader and the workers.
func (p *Pipeline) Start() error {
	slog.Info("pipeline starting",
		"pipeline", p.name,
		"workers", len(p.queues),
		"dispatch", p.dispatch.Name())

	var workers sync.WaitGroup
	for i, q := range p.queues {
		workers.Add(1)
		go p.processLoop(i, q, &workers)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.captureLoop()
		// Workers drain what was queued before the source ended.
		for _, q := range p.queues {
			close(q)
		}
		workers.Wait()
		close(p.done)
	}()
	return nil
}

// Done is closed once every frame read has been processed.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the pipeline finishes and returns the source error,
// if any. io.EOF is not an error.
func (p *Pipeline) Wait() error {
	p.wg.Wait()
	return p.err
}

// Stop stops reading, lets the workers drain their queues and waits.
func (p *Pipeline) Stop() error {
	slog.Info("pipeline stopping", "pipeline", p.name)
	p.cancel()
	err := p.Wait()

	s := p.Stats()
	slog.Info("pipeline stopped",
		"pipeline", p.name,
		"received", s.Received,
		"dropped", s.Dropped,
		"processed", s.Processed)
	return err
}

// captureLoop reads frames and hands them to workers.
func (p *Pipeline) captureLoop() {
	for {
		if p.ctx.Err() != nil {
			return
		}
		data, ci, err := p.source.ReadPacketData()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Error("read failed", "pipeline", p.name, "error", err)
				p.err = err
			}
			return
		}
		p.metrics.Received.Add(1)
		metrics.PipelinePacketsTotal.WithLabelValues(p.name, "received").Inc()

		idx := p.dispatch.Dispatch(data, len(p.queues))
		f := frame{data: data, ci: ci}
		if p.block {
			select {
			case p.queues[idx] <- f:
			case <-p.ctx.Done():
				return
			}
		} else {
			select {
			case p.queues[idx] <- f:
			default:
				p.metrics.Dropped.Add(1)
				metrics.PipelinePacketsTotal.WithLabelValues(p.name, "dropped").Inc()
				continue
			}
		}
		p.metrics.Dispatched.Add(1)
	}
}

// processLoop runs one worker until its queue is closed and drained.
func (p *Pipeline) processLoop(id int, q <-chan frame, wg *sync.WaitGroup) {
	defer wg.Done()
	w := p.dp.NewWorker()
	defer w.Close()
	latency := metrics.PipelineLatencySeconds.WithLabelValues(p.name)
	processed := metrics.PipelinePacketsTotal.WithLabelValues(p.name, "processed")

	slog.Debug("pipeline worker started", "pipeline", p.name, "worker", id)
	for f := range q {
		pkt := core.NewPacket(f.data, p.inPort)
		if !f.ci.Timestamp.IsZero() {
			pkt.Timestamp = f.ci.Timestamp
		}
		if f.ci.AncillaryData != nil {
			applyAncillary(pkt, f.ci.AncillaryData)
		}

		start := time.Now()
		w.Receive(pkt)
		latency.Observe(time.Since(start).Seconds())

		p.metrics.Processed.Add(1)
		processed.Inc()
	}
}

// VLANTag is capture ancillary data carrying a tag stripped by the NIC.
type VLANTag struct {
	TCI uint16
}

func applyAncillary(pkt *core.Packet, data []interface{}) {
	for _, d := range data {
		if tag, ok := d.(VLANTag); ok {
			pkt.HWVLANPresent = true
			pkt.HWVLANTCI = tag.TCI
		}
	}
}

// Stats returns pipeline statistics.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Received:   p.metrics.Received.Load(),
		Dispatched: p.metrics.Dispatched.Load(),
		Dropped:    p.metrics.Dropped.Load(),
		Processed:  p.metrics.Processed.Load(),
	}
}

// Stats represents pipeline statistics.
type Stats struct {
	Received   uint64 `json:"received"`
	Dispatched uint64 `json:"dispatched"`
	Dropped    uint64 `json:"dropped"`
	Processed  uint64 `json:"processed"`
}
