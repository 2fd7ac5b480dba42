package pipeline

import (
	"encoding/binary"
	"sync/atomic"
)

// DispatchStrategy determines how frames are distributed across workers.
type DispatchStrategy interface {
	// Dispatch returns the worker index (0-based) for the given frame.
	// numWorkers is guaranteed to be > 0.
	Dispatch(frame []byte, numWorkers int) int

	// Name returns the strategy name for logging/metrics.
	Name() string
}

// Dispatch strategy names.
const (
	DispatchFlowHash   = "flow-hash"
	DispatchRoundRobin = "round-robin"
)

// FlowHashStrategy distributes frames by a hash of their addressing
// fields. Frames of one flow always go to the same worker.
type FlowHashStrategy struct{}

func (s *FlowHashStrategy) Dispatch(frame []byte, numWorkers int) int {
	return int(flowHash(frame) % uint64(numWorkers))
}

func (s *FlowHashStrategy) Name() string { return DispatchFlowHash }

// RoundRobinStrategy distributes frames in round-robin order.
// Provides even load distribution but no flow affinity.
type RoundRobinStrategy struct {
	counter atomic.Uint64
}

func (s *RoundRobinStrategy) Dispatch(_ []byte, numWorkers int) int {
	return int(s.counter.Add(1) % uint64(numWorkers))
}

func (s *RoundRobinStrategy) Name() string { return DispatchRoundRobin }

// NewDispatchStrategy creates a dispatch strategy by name.
// Supported strategies: "flow-hash" (default), "round-robin".
func NewDispatchStrategy(name string) DispatchStrategy {
	switch name {
	case DispatchRoundRobin:
		return &RoundRobinStrategy{}
	default:
		return &FlowHashStrategy{}
	}
}

const (
	fnvBasis = 14695981039346656037
	fnvPrime = 1099511628211
)

func fnv(h uint64, b []byte) uint64 {
	for _, c := range b {
		h ^= uint64(c)
		h *= fnvPrime
	}
	return h
}

// flowHash is FNV-1a over the IP addresses, protocol and transport ports
// of an Ethernet frame, skipping one VLAN tag. Frames that are not IP hash
// over their Ethernet addresses.
func flowHash(frame []byte) uint64 {
	if len(frame) < 14 {
		return fnv(fnvBasis, frame)
	}
	off := 12
	etype := binary.BigEndian.Uint16(frame[off:])
	if etype == 0x8100 && len(frame) >= 18 {
		off += 4
		etype = binary.BigEndian.Uint16(frame[off:])
	}
	nh := off + 2

	var (
		addrs []byte
		proto byte
		th    int
	)
	switch {
	case etype == 0x0800 && len(frame) >= nh+20:
		addrs = frame[nh+12 : nh+20]
		proto = frame[nh+9]
		// Only unfragmented datagrams carry ports at a known offset.
		if binary.BigEndian.Uint16(frame[nh+6:])&0x3fff == 0 {
			th = nh + int(frame[nh]&0x0f)*4
		}
	case etype == 0x86dd && len(frame) >= nh+40:
		addrs = frame[nh+8 : nh+40]
		proto = frame[nh+6]
		th = nh + 40
	default:
		return fnv(fnvBasis, frame[:12])
	}

	h := fnv(fnvBasis, addrs)
	h = fnv(h, []byte{proto})
	if (proto == 6 || proto == 17) && th > 0 && len(frame) >= th+4 {
		h = fnv(h, frame[th:th+4])
	}
	return h
}
