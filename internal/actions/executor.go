// Package actions applies flow action lists to packets.
package actions

import (
	"firestige.xyz/flowpath/internal/core"
	"firestige.xyz/flowpath/internal/core/extract"
)

// Env is what the executor needs from the datapath that runs it.
type Env interface {
	// Send transmits pkt on port. A failed send drops the packet.
	Send(port uint16, pkt *core.Packet)
	// Upcall hands u to the control plane. The executor ignores the error;
	// the environment accounts for it.
	Upcall(u *core.Upcall) error
}

// Executor runs action lists.
type Executor struct {
	sampler *Sampler
}

// NewExecutor returns an executor that samples through s.
func NewExecutor(s *Sampler) *Executor {
	return &Executor{sampler: s}
}

// Sampler returns the executor's sampler.
func (e *Executor) Sampler() *Sampler {
	return e.sampler
}

// Execute samples pkt, then applies acts in order. key is the key pkt was
// extracted to; edits are gated on it rather than on re-parsing the frame.
//
// Every output except the last sends a clone taken when the next action
// starts, so each port sees the packet as it was when its output action
// ran. The last output sends pkt itself. An empty list drops the packet.
func (e *Executor) Execute(env Env, pkt *core.Packet, key *core.FlowKey, acts *core.ActionList) {
	if pool, ok := e.sampler.take(pkt); ok {
		env.Upcall(&core.Upcall{
			Kind:       core.UpcallSample,
			Key:        *key,
			Packet:     pkt.Clone(),
			SamplePool: pool,
			Actions:    acts,
		})
	}

	pkt.TunnelID = 0
	e.run(env, pkt, key, acts)
}

func (e *Executor) run(env Env, pkt *core.Packet, key *core.FlowKey, acts *core.ActionList) {
	if acts.Len() == 0 {
		return
	}

	priority := pkt.Priority
	pending := -1
	for _, a := range acts.Actions {
		if pending >= 0 {
			env.Send(uint16(pending), pkt.Clone())
			pending = -1
		}

		switch a := a.(type) {
		case core.Output:
			pending = int(a.Port)
		case core.ToController:
			env.Upcall(&core.Upcall{
				Kind:        core.UpcallAction,
				Key:         *key,
				Packet:      pkt.Clone(),
				UserData:    a.Cookie,
				HasUserData: true,
			})
		case core.SetTunnelID:
			pkt.TunnelID = a.ID
		case core.SetVLANTCI:
			setVLANTCI(pkt, a.TCI)
		case core.StripVLAN:
			stripVLAN(pkt)
		case core.SetEthSrc:
			setEthAddr(pkt, ethSrcOff, a.Addr)
		case core.SetEthDst:
			setEthAddr(pkt, ethDstOff, a.Addr)
		case core.SetIPv4Src:
			setIPv4Addr(pkt, key, ipv4SrcOff, a.Addr)
		case core.SetIPv4Dst:
			setIPv4Addr(pkt, key, ipv4DstOff, a.Addr)
		case core.SetIPTOS:
			setIPv4TOS(pkt, key, a.TOS)
		case core.SetTPSrc:
			setTPPort(pkt, key, 0, a.Port)
		case core.SetTPDst:
			setTPPort(pkt, key, 2, a.Port)
		case core.SetPriority:
			pkt.Priority = a.Priority
		case core.PopPriority:
			pkt.Priority = priority
		case core.DropSpoofedARP:
			if key.EthType == core.EthTypeARP && extract.IsSpoofedARP(pkt.Data, pkt.L3) {
				return
			}
		}
	}

	if pending >= 0 {
		env.Send(uint16(pending), pkt)
	}
}
