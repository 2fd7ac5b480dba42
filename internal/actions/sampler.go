package actions

import (
	"math"
	"math/rand/v2"
	"sync/atomic"

	"firestige.xyz/flowpath/internal/core"
)

// Sampler holds the global sampling probability and the per-port sample
// pools. A pool counts every packet considered for sampling on its port.
type Sampler struct {
	prob  atomic.Uint32
	pools [core.MaxPorts]atomic.Uint32
	rand  func() uint32
}

// NewSampler returns a sampler with sampling disabled.
func NewSampler() *Sampler {
	return &Sampler{rand: rand.Uint32}
}

// SetProbability sets the chance, out of MaxUint32, that a packet is
// sampled. Zero disables sampling; MaxUint32 samples every packet.
func (s *Sampler) SetProbability(p uint32) {
	s.prob.Store(p)
}

// Probability returns the current sampling probability.
func (s *Sampler) Probability() uint32 {
	return s.prob.Load()
}

// Pool returns the sample pool of port.
func (s *Sampler) Pool(port uint16) uint32 {
	if port >= core.MaxPorts {
		return 0
	}
	return s.pools[port].Load()
}

// take counts pkt against its port's pool and reports whether to sample it
// along with the updated pool.
func (s *Sampler) take(pkt *core.Packet) (uint32, bool) {
	prob := s.prob.Load()
	if prob == 0 || !pkt.HasInPort || pkt.InPort >= core.MaxPorts {
		return 0, false
	}
	pool := s.pools[pkt.InPort].Add(1)
	if prob == math.MaxUint32 || s.rand() < prob {
		return pool, true
	}
	return pool, false
}
