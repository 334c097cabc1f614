package lifecycle

import "time"

type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseProvisioning  Phase = "provisioning"
	PhaseBootstrapping Phase = "bootstrapping"
	PhaseRunning       Phase = "running"
	PhaseMonitoring    Phase = "monitoring"
	PhaseTerminating   Phase = "terminating"
	PhaseDone          Phase = "done"
	PhaseFailed        Phase = "failed"
)

var transitions = map[Phase][]Phase{
	PhaseIdle:          {PhaseProvisioning},
	PhaseProvisioning:  {PhaseBootstrapping, PhaseFailed},
	PhaseBootstrapping: {PhaseRunning, PhaseFailed},
	PhaseRunning:       {PhaseMonitoring, PhaseFailed},
	PhaseMonitoring:    {PhaseTerminating, PhaseFailed},
	PhaseFailed:        {PhaseTerminating},
	PhaseTerminating:   {PhaseDone},
}

func (p Phase) CanTransition(next Phase) bool {
	for _, allowed := range transitions[p] {
		if allowed == next {
			return true
		}
	}

	return false
}

type Transition struct {
	From Phase
	To   Phase
	At   time.Time
}
