package lifecycle

import (
	"fmt"

	"gpuspot/internal/executor"
	"gpuspot/internal/monitor"
)

const (
	ExitOK                 = 0
	ExitConfig             = 2
	ExitProvision          = 3
	ExitBootstrap          = 4
	ExitLaunch             = 5
	ExitJobFailed          = 6
	ExitInterrupted        = 7
	ExitTerminationFailure = 10
)

// JobFailedError is an expected outcome: the job ran and did not succeed.
type JobFailedError struct {
	Job      string
	ExitCode int
	Reason   string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("job %s failed: %s", e.Job, e.Reason)
}

// TerminationError means an instance may still be running and billing.
type TerminationError struct {
	InstanceID string
	Err        error
}

func (e *TerminationError) Error() string {
	return fmt.Sprintf("instance %s could not be terminated: %v", e.InstanceID, e.Err)
}

func (e *TerminationError) Unwrap() error { return e.Err }

type Outcome struct {
	RunID string
	// Phase is where the run stopped: Done, Failed when no instance was ever
	// created, or Terminating when termination failed.
	Phase       Phase
	FailedIn    Phase
	Job         monitor.State
	InstanceID  string
	Steps       []executor.StepResult
	Err         error
	Termination error
	Interrupted bool
	History     []Transition
}

func (o *Outcome) ExitCode() int {
	if o.Termination != nil {
		return ExitTerminationFailure
	}

	if o.Interrupted {
		return ExitInterrupted
	}

	switch o.FailedIn {
	case "":
		return ExitOK
	case PhaseProvisioning:
		return ExitProvision
	case PhaseBootstrapping:
		return ExitBootstrap
	case PhaseRunning:
		return ExitLaunch
	default:
		return ExitJobFailed
	}
}
