// Package port implements the ports a datapath sends packets to.
package port

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"firestige.xyz/flowpath/internal/core"
	"firestige.xyz/flowpath/internal/datapath"
	"firestige.xyz/flowpath/internal/metrics"
)

// Port transmits packets. The packet is owned by the port once Send is
// called.
type Port interface {
	Send(w *datapath.Worker, pkt *core.Packet) (int, error)
	Close() error
}

type entry struct {
	no   uint16
	name string
	port Port

	txPackets atomic.Uint64
	txBytes   atomic.Uint64
	txErrors  atomic.Uint64
}

// Stats are the transmit counters of one port.
type Stats struct {
	Port      uint16 `json:"port"`
	Name      string `json:"name"`
	TxPackets uint64 `json:"tx_packets"`
	TxBytes   uint64 `json:"tx_bytes"`
	TxErrors  uint64 `json:"tx_errors"`
}

// Registry maps port numbers to ports. It implements datapath.Sender.
type Registry struct {
	mu    sync.RWMutex
	ports map[uint16]*entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ports: make(map[uint16]*entry)}
}

// Add attaches p as port number no.
func (r *Registry) Add(no uint16, name string, p Port) error {
	if no >= core.MaxPorts {
		return fmt.Errorf("port %d: number out of range", no)
	}
	if name == "" {
		name = strconv.Itoa(int(no))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ports[no]; ok {
		return fmt.Errorf("port %d: %w", no, core.ErrPortExists)
	}
	r.ports[no] = &entry{no: no, name: name, port: p}
	slog.Debug("port added", "port", no, "name", name)
	return nil
}

// Remove detaches and closes port no.
func (r *Registry) Remove(no uint16) error {
	r.mu.Lock()
	e, ok := r.ports[no]
	delete(r.ports, no)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("port %d: %w", no, core.ErrNoSuchPort)
	}
	return e.port.Close()
}

// Send transmits pkt on port no.
func (r *Registry) Send(w *datapath.Worker, no uint16, pkt *core.Packet) (int, error) {
	r.mu.RLock()
	e, ok := r.ports[no]
	r.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("port %d: %w", no, core.ErrNoSuchPort)
	}

	n, err := e.port.Send(w, pkt)
	if err != nil {
		e.txErrors.Add(1)
		metrics.PortTxErrorsTotal.WithLabelValues(e.name).Inc()
		return 0, fmt.Errorf("port %s: %w", e.name, err)
	}
	e.txPackets.Add(1)
	e.txBytes.Add(uint64(n))
	metrics.PortTxTotal.WithLabelValues(e.name).Inc()
	return n, nil
}

// Stats returns the counters of every port, ordered by number.
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	out := make([]Stats, 0, len(r.ports))
	for _, e := range r.ports {
		out = append(out, Stats{
			Port:      e.no,
			Name:      e.name,
			TxPackets: e.txPackets.Load(),
			TxBytes:   e.txBytes.Load(),
			TxErrors:  e.txErrors.Load(),
		})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// Close closes and removes every port.
func (r *Registry) Close() error {
	r.mu.Lock()
	ports := r.ports
	r.ports = make(map[uint16]*entry)
	r.mu.Unlock()

	var errs []error
	for _, e := range ports {
		if err := e.port.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close port %s: %w", e.name, err))
		}
	}
	return errors.Join(errs...)
}

// Patch loops packets back into the datapath as if they arrived on Peer.
type Patch struct {
	Peer uint16
}

// Send re-enters the sending worker with the packet.
func (p Patch) Send(w *datapath.Worker, pkt *core.Packet) (int, error) {
	n := pkt.Len()
	pkt.InPort = p.Peer
	pkt.HasInPort = true
	w.Receive(pkt)
	return n, nil
}

func (Patch) Close() error { return nil }

// Discard drops every packet and reports it sent.
type Discard struct{}

func (Discard) Send(_ *datapath.Worker, pkt *core.Packet) (int, error) {
	return pkt.Len(), nil
}

func (Discard) Close() error { return nil }

// Func adapts a function to a port.
type Func func(w *datapath.Worker, pkt *core.Packet) (int, error)

func (f Func) Send(w *datapath.Worker, pkt *core.Packet) (int, error) {
	return f(w, pkt)
}

func (Func) Close() error { return nil }
