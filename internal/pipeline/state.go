package pipeline

import "fmt"

// State is a step of the per-frame loop.
type State int

const (
	Init State = iota
	ReadFrame
	Localize
	MapAndComposite
	WriteOutputs
	Advance
	Done
)

var stateNames = [...]string{
	Init:            "init",
	ReadFrame:       "read_frame",
	Localize:        "localize",
	MapAndComposite: "map_and_composite",
	WriteOutputs:    "write_outputs",
	Advance:         "advance",
	Done:            "done",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}
