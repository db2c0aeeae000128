package uow

// State is the lifecycle state of a document within a unit of work
type State int

const (
	// StateNew documents are not tracked yet
	StateNew State = iota
	// StateManaged documents are tracked; their changes are written on commit
	StateManaged
	// StateRemoved documents are scheduled for deletion
	StateRemoved
	// StateDetached documents were tracked once; their changes are ignored
	StateDetached
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateManaged:
		return "managed"
	case StateRemoved:
		return "removed"
	case StateDetached:
		return "detached"
	default:
		return "unknown"
	}
}

// Phase is the state of the commit state machine
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseChangesComputed
	PhaseWriting
	PhaseCommitted
	PhaseFailed
)

// String returns the string representation of the phase
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseChangesComputed:
		return "changesComputed"
	case PhaseWriting:
		return "writing"
	case PhaseCommitted:
		return "committed"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}
