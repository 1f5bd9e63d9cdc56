package runner

import (
	"sync/atomic"
)

// VUState is the lifecycle state of a virtual user.
type VUState int32

const (
	VUIdle VUState = iota
	VURunning
	VUSleeping
	VUStopping
	VUTerminated
)

func (s VUState) String() string {
	switch s {
	case VUIdle:
		return "idle"
	case VURunning:
		return "running"
	case VUSleeping:
		return "sleeping"
	case VUStopping:
		return "stopping"
	case VUTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// vu owns one workload. Only the goroutine currently driving the VU touches
// the workload; state is read concurrently for reporting.
type vu struct {
	id         int
	workload   Workload
	state      atomic.Int32
	iterations int64
}

func newVU(id int, w Workload) *vu {
	return &vu{id: id, workload: w}
}

func (v *vu) State() VUState {
	return VUState(v.state.Load())
}

func (v *vu) setState(s VUState) {
	v.state.Store(int32(s))
}
