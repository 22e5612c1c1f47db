// Package generate implements the generation loop: one prefill execution
// followed by N decode executions, each driving writeback, rearrange, mask
// construction and greedy argmax.
package generate

import "fmt"

// Phase is one state of the generation loop's state machine:
// Init -> PrefillReady -> PrefillDone -> Decoding(s) -> Terminated.
type Phase int

const (
	PhaseInit Phase = iota
	PhasePrefillReady
	PhasePrefillDone
	PhaseDecoding
	PhaseTerminated
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "Init"
	case PhasePrefillReady:
		return "PrefillReady"
	case PhasePrefillDone:
		return "PrefillDone"
	case PhaseDecoding:
		return "Decoding"
	case PhaseTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// State holds the tokens generated so far (prompt plus every emitted
// token), the current n_past, and the state machine's phase. It is scoped
// to a single Generate call; tokens only extend, n_past only grows.
type State struct {
	Tokens  []int32
	NPast   int
	Phase   Phase
	Step    int // decode step index s, meaningful only while Phase == PhaseDecoding
	NUpdate int
}

func (s State) String() string {
	if s.Phase == PhaseDecoding {
		return fmt.Sprintf("%s(%d) n_past=%d tokens=%d", s.Phase, s.Step, s.NPast, len(s.Tokens))
	}
	return fmt.Sprintf("%s n_past=%d tokens=%d", s.Phase, s.NPast, len(s.Tokens))
}
