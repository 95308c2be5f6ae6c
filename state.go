package gridrun

import "fmt"

// State is a step of the invocation state machine.
//
// A successful invocation moves through every state in declaration order
// from Uninitialized to Unmapped. A failure at any step ends in Failed.
type State int

// Invocation states.
const (
	Uninitialized State = iota
	DeviceReady
	BuffersAllocated
	PipelineReady
	Dispatched
	Submitted
	Mapped
	Read
	Unmapped
	Failed
)

// String returns the state name in snake case.
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case DeviceReady:
		return "device_ready"
	case BuffersAllocated:
		return "buffers_allocated"
	case PipelineReady:
		return "pipeline_ready"
	case Dispatched:
		return "dispatched"
	case Submitted:
		return "submitted"
	case Mapped:
		return "mapped"
	case Read:
		return "read"
	case Unmapped:
		return "unmapped"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	return s == Unmapped || s == Failed
}
