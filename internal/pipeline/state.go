package pipeline

import "fmt"

// State is a step of the write pipeline.
type State string

const (
	StateDrafted     State = "drafted"
	StateAIGenerated State = "ai_generated"
	StatePinned      State = "pinned"
	StateSigned      State = "signed"
	StateSubmitted   State = "submitted"
	StateConfirmed   State = "confirmed"
	StateFailed      State = "failed"
)

// 正常路径上每个状态只有一个后继；任何非终态都可以进入 Failed。
var successor = map[State]State{
	StateDrafted:     StateAIGenerated,
	StateAIGenerated: StatePinned,
	StatePinned:      StateSigned,
	StateSigned:      StateSubmitted,
	StateSubmitted:   StateConfirmed,
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateFailed
}

// CanTransition reports whether from -> to is a legal step.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	return successor[from] == to
}

func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("illegal pipeline transition %s -> %s", from, to)
	}
	return nil
}
