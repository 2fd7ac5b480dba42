package flowtable

import (
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/flowpath/internal/core"
)

// tcpFlagsMask keeps FIN, SYN, RST, PSH, ACK and URG.
const tcpFlagsMask = 0x3f

// FlowStats are the per-flow counters reported to the control plane.
type FlowStats struct {
	Packets  uint64
	Bytes    uint64
	Used     time.Time
	TCPFlags uint8
	Err      error
}

// Flow is one installed flow. Key and hash are fixed at insertion. The
// action list is swapped atomically and read without locks; stats are
// guarded by mu.
type Flow struct {
	Key  core.FlowKey
	hash uint64

	acts atomic.Pointer[core.ActionList]
	dead atomic.Bool

	mu    sync.Mutex
	stats FlowStats
}

// NewFlow returns a flow for key with the given actions.
func NewFlow(key core.FlowKey, acts *core.ActionList) *Flow {
	f := &Flow{Key: key}
	if acts == nil {
		acts = core.NewActionList()
	}
	f.acts.Store(acts)
	return f
}

// Actions returns the current action list. The list must not be modified.
func (f *Flow) Actions() *core.ActionList {
	return f.acts.Load()
}

// setActions replaces the action list and returns the previous one.
func (f *Flow) setActions(acts *core.ActionList) *core.ActionList {
	if acts == nil {
		acts = core.NewActionList()
	}
	return f.acts.Swap(acts)
}

// Dead reports whether the flow has been removed and its grace period has
// ended.
func (f *Flow) Dead() bool {
	return f.dead.Load()
}

// Used records a hit by pkt at now.
func (f *Flow) Used(pkt *core.Packet, now time.Time) {
	var flags uint8
	if (f.Key.EthType == core.EthTypeIPv4 || f.Key.EthType == core.EthTypeIPv6) &&
		f.Key.NwProto == core.IPProtoTCP && pkt.L4 >= 0 && len(pkt.Data) >= pkt.L4+14 {
		flags = pkt.Data[pkt.L4+13] & tcpFlagsMask
	}

	f.mu.Lock()
	f.stats.Packets++
	f.stats.Bytes += uint64(pkt.Len())
	f.stats.Used = now
	f.stats.TCPFlags |= flags
	f.mu.Unlock()
}

// Stats returns the counters and clears the recorded error. With zero set
// the counters are reset in the same critical section.
func (f *Flow) Stats(zero bool) FlowStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stats
	f.stats.Err = nil
	if zero {
		f.stats.Packets = 0
		f.stats.Bytes = 0
		f.stats.TCPFlags = 0
	}
	return s
}

// SetErr records the error of a failed admin operation on the flow.
func (f *Flow) SetErr(err error) {
	f.mu.Lock()
	f.stats.Err = err
	f.mu.Unlock()
}
