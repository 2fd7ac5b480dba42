package datapath

import (
	"fmt"

	"firestige.xyz/flowpath/internal/core"
	"firestige.xyz/flowpath/internal/flowtable"
	"firestige.xyz/flowpath/internal/wire"
)

// PutFlags select the behavior of FlowPut.
type PutFlags uint8

const (
	// FlowCreate allows creating a missing flow.
	FlowCreate PutFlags = 1 << iota
	// FlowModify allows replacing the actions of an existing flow.
	FlowModify
	// FlowZeroStats zeroes the stats of an existing flow as they are read.
	FlowZeroStats
)

// FlowInfo describes an installed flow.
type FlowInfo struct {
	Key     core.FlowKey
	Actions *core.ActionList
	Stats   flowtable.FlowStats
}

// FlowPut creates or modifies the flow for key. On modify it returns the
// stats the flow had before the call; a new flow returns zero stats.
func (dp *Datapath) FlowPut(key core.FlowKey, acts *core.ActionList, flags PutFlags) (flowtable.FlowStats, error) {
	if acts == nil {
		acts = core.NewActionList()
	}

	dp.mu.Lock()
	defer dp.mu.Unlock()

	f := dp.lookupLocked(&key)
	if err := wire.ValidateActions(acts); err != nil {
		if f != nil {
			f.SetErr(err)
		}
		return flowtable.FlowStats{}, fmt.Errorf("flow put: %w", err)
	}

	if f == nil {
		if flags&FlowCreate == 0 {
			return flowtable.FlowStats{}, fmt.Errorf("flow put: %w", core.ErrNotFound)
		}
		if err := dp.table.Insert(flowtable.NewFlow(key, acts)); err != nil {
			return flowtable.FlowStats{}, fmt.Errorf("flow put: %w", err)
		}
		return flowtable.FlowStats{}, nil
	}

	if flags&FlowModify == 0 {
		f.SetErr(core.ErrDuplicateKey)
		return flowtable.FlowStats{}, fmt.Errorf("flow put: %w", core.ErrDuplicateKey)
	}
	dp.table.SetActions(f, acts)
	return f.Stats(flags&FlowZeroStats != 0), nil
}

// FlowGet returns the flow for key, zeroing its stats when zero is set.
func (dp *Datapath) FlowGet(key core.FlowKey, zero bool) (FlowInfo, error) {
	dp.mu.Lock()
	defer dp.mu.Unlock()

	f := dp.lookupLocked(&key)
	if f == nil {
		return FlowInfo{}, fmt.Errorf("flow get: %w", core.ErrNotFound)
	}
	return FlowInfo{Key: f.Key, Actions: f.Actions(), Stats: f.Stats(zero)}, nil
}

// FlowDel removes the flow for key and returns its final stats. It waits
// for in-flight packets on the flow to finish, so it must not be called
// from a worker.
func (dp *Datapath) FlowDel(key core.FlowKey) (FlowInfo, error) {
	dp.mu.Lock()
	f, err := dp.table.Remove(&key)
	dp.mu.Unlock()
	if err != nil {
		return FlowInfo{}, fmt.Errorf("flow del: %w", err)
	}

	dp.rcu.Synchronize()
	return FlowInfo{Key: f.Key, Actions: f.Actions(), Stats: f.Stats(false)}, nil
}

// FlowFlush removes every flow.
func (dp *Datapath) FlowFlush() {
	dp.mu.Lock()
	dp.table.Flush()
	dp.mu.Unlock()
}

// FlowDump calls fn for each flow of the current table generation until fn
// returns false. Flows added or removed during the dump may be missed.
func (dp *Datapath) FlowDump(fn func(FlowInfo) bool) {
	dp.table.Range(func(f *flowtable.Flow) bool {
		return fn(FlowInfo{Key: f.Key, Actions: f.Actions(), Stats: f.Stats(false)})
	})
}

// lookupLocked finds a flow from the writer side. Writers are serialized
// by mu, so the result stays installed until mu is released.
func (dp *Datapath) lookupLocked(key *core.FlowKey) *flowtable.Flow {
	return dp.table.Lookup(key)
}
