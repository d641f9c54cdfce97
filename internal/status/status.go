// Package status defines the UpdateStatus state published by the
// scheduler, and the PendingUpdate slot that accompanies
// AwaitingConfirmation.
package status

// Kind enumerates the UpdateStatus state machine's values.
type Kind int

const (
	Idle Kind = iota
	Checking
	Clearing
	Installing
	AwaitingConfirmation
	Completed
	Failed
)

func (k Kind) String() string {
	switch k {
	case Idle:
		return "Idle"
	case Checking:
		return "Checking"
	case Clearing:
		return "Clearing"
	case Installing:
		return "Installing"
	case AwaitingConfirmation:
		return "AwaitingConfirmation"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Status is exactly one of the UpdateStatus variants at any time. Fields
// not relevant to Kind are left zero.
type Status struct {
	Kind Kind

	// Installing
	Source   string
	Progress int // 0..100, or -1 if total unknown

	// AwaitingConfirmation
	Version string

	// Completed
	Deployment string

	// Failed
	Error string
}

// Pending is present iff the current Status.Kind is AwaitingConfirmation.
// confirm_update is the only operation that removes it; Status and Pending
// must be cleared together, never observed out of sync.
type Pending struct {
	Version   string
	Changelog string
	Source    string
}

// Equal reports whether two statuses carry the same externally observable
// (Kind, Source/Details, Progress) triple, used by the bus-signal emitter to
// suppress duplicate signals.
func (s Status) Equal(other Status) bool {
	return s.Kind == other.Kind &&
		s.Progress == other.Progress &&
		s.Details() == other.Details()
}

// Details renders the human-readable detail string carried alongside Kind
// and Progress on the bus signal.
func (s Status) Details() string {
	switch s.Kind {
	case Installing:
		return s.Source
	case AwaitingConfirmation:
		return s.Version + "|" + s.Source
	case Completed:
		return s.Source + "|" + s.Deployment
	case Failed:
		return s.Source + "|" + s.Error
	default:
		return ""
	}
}
