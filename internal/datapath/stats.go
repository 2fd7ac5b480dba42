package datapath

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// shard holds the counters of one worker. Only its worker writes it.
type shard struct {
	_       cpu.CacheLinePad
	hit     atomic.Uint64
	missed  atomic.Uint64
	lost    atomic.Uint64
	frags   atomic.Uint64
	invalid atomic.Uint64
	_       cpu.CacheLinePad
}

// Stats is a snapshot of the datapath counters.
type Stats struct {
	Hit     uint64 `json:"n_hit"`
	Missed  uint64 `json:"n_missed"`
	Lost    uint64 `json:"n_lost"`
	Frags   uint64 `json:"n_frags"`
	Invalid uint64 `json:"n_invalid"`

	Flows      uint64 `json:"n_flows"`
	Buckets    uint64 `json:"buckets"`
	MaxBuckets uint64 `json:"max_buckets"`
}

func (dp *Datapath) newShard() *shard {
	s := &shard{}
	dp.shardMu.Lock()
	dp.shards = append(dp.shards, s)
	dp.shardMu.Unlock()
	return s
}

// Stats sums the worker shards. Shards outlive their workers, so counts
// never go backwards.
func (dp *Datapath) Stats() Stats {
	var s Stats
	dp.shardMu.Lock()
	for _, sh := range dp.shards {
		s.Hit += sh.hit.Load()
		s.Missed += sh.missed.Load()
		s.Lost += sh.lost.Load()
		s.Frags += sh.frags.Load()
		s.Invalid += sh.invalid.Load()
	}
	dp.shardMu.Unlock()

	s.Flows = uint64(dp.table.Count())
	s.Buckets = uint64(dp.table.Buckets())
	s.MaxBuckets = uint64(dp.table.MaxBuckets())
	return s
}
