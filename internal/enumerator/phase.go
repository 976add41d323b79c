package enumerator

import "fmt"

// Phase is the coordinator's position in the snapshot-to-stream lifecycle.
type Phase int

const (
	PhaseDiscovering Phase = iota + 1
	PhaseSplitting
	PhaseAssigningSnapshot
	PhaseAwaitingCompletion
	PhaseAssigningStream
	PhaseStreaming
	PhaseSuspended
)

var phaseNames = map[Phase]string{
	PhaseDiscovering:        "DISCOVERING",
	PhaseSplitting:          "SPLITTING",
	PhaseAssigningSnapshot:  "ASSIGNING_SNAPSHOT",
	PhaseAwaitingCompletion: "AWAITING_COMPLETION",
	PhaseAssigningStream:    "ASSIGNING_STREAM",
	PhaseStreaming:          "STREAMING",
	PhaseSuspended:          "SUSPENDED",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

func (p Phase) valid() bool {
	_, ok := phaseNames[p]
	return ok
}
