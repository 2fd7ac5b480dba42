package core

// UpcallKind says why a packet is being handed to the control plane.
type UpcallKind uint8

const (
	UpcallMiss UpcallKind = iota
	UpcallAction
	UpcallSample
)

// String returns the kind name used in config and metric labels.
func (k UpcallKind) String() string {
	switch k {
	case UpcallMiss:
		return "miss"
	case UpcallAction:
		return "action"
	case UpcallSample:
		return "sample"
	default:
		return "unknown"
	}
}

// Upcall is a packet plus context delivered to the control plane.
type Upcall struct {
	Kind   UpcallKind
	Key    FlowKey
	Packet *Packet

	// UserData carries the ToController cookie.
	UserData    uint64
	HasUserData bool

	// SamplePool is the ingress port's running sample counter.
	SamplePool uint32

	// Actions is the flow's unexecuted action list, for samples.
	Actions *ActionList
}
