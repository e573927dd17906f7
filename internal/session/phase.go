package session

// Phase is the lifecycle phase of a Session.
type Phase int32

// phases.
const (
	PhaseStarting Phase = iota
	PhaseStreaming
	PhaseTerminating
	PhaseClosed
)

// String implements fmt.Stringer.
func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseStreaming:
		return "streaming"
	case PhaseTerminating:
		return "terminating"
	case PhaseClosed:
		return "closed"
	}
	return "unknown"
}
