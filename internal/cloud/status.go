package cloud

type Status string

const (
	StatusRequested   Status = "requested"
	StatusBooting     Status = "booting"
	StatusReady       Status = "ready"
	StatusTerminating Status = "terminating"
	StatusTerminated  Status = "terminated"
	StatusFailed      Status = "failed"
)

var statusOrder = map[Status]int{
	StatusRequested:   0,
	StatusBooting:     1,
	StatusReady:       2,
	StatusTerminating: 3,
	StatusTerminated:  4,
}

// CanTransition reports whether moving from s to next respects the instance
// lifecycle: forward only along Requested→Booting→Ready→Terminating→Terminated,
// Failed only before termination starts, and a failed instance may still be torn down.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return false
	}

	switch s {
	case StatusTerminated:
		return false
	case StatusFailed:
		return next == StatusTerminating || next == StatusTerminated
	}

	if next == StatusFailed {
		return s == StatusRequested || s == StatusBooting || s == StatusReady
	}

	from, ok := statusOrder[s]
	if !ok {
		return false
	}

	to, ok := statusOrder[next]
	if !ok {
		return false
	}

	return to > from
}

func (s Status) Live() bool {
	switch s {
	case StatusRequested, StatusBooting, StatusReady, StatusFailed:
		return true
	}

	return false
}
