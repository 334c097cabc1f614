package monitor

import (
	"fmt"
	"path"
	"time"

	"gpuspot/internal/executor"
)

type State string

const (
	StateUnknown   State = "unknown"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// JobRun is the training job launched on an instance. Its state only moves
// forward: Unknown, then Running, then Succeeded or Failed.
type JobRun struct {
	Name      string
	Command   string
	Dir       string
	StartedAt time.Time
	State     State
	ExitCode  int
	Reason    string
}

func NewJobRun(name, command, dir string) *JobRun {
	if dir == "" {
		dir = "/root"
	}

	return &JobRun{Name: name, Command: command, Dir: dir, State: StateUnknown, ExitCode: -1}
}

func (j *JobRun) LogPath() string {
	return path.Join(j.Dir, j.Name+".log")
}

func (j *JobRun) ExitPath() string {
	return path.Join(j.Dir, j.Name+".exit")
}

// LaunchCommand runs the job detached. The exit status is written to
// ExitPath once the job ends, whatever its outcome; a stale one is removed first.
func (j *JobRun) LaunchCommand() string {
	script := fmt.Sprintf("cd %s && %s > %s 2>&1; echo $? > %s",
		executor.Quote(j.Dir), j.Command, executor.Quote(j.LogPath()), executor.Quote(j.ExitPath()))

	return executor.NewCmd("rm", "-f", j.ExitPath()).String() + "; " +
		executor.NewCmd("nohup", "sh", "-c", script).Env("GPUSPOT_JOB="+j.Name).String() +
		" > /dev/null 2>&1 &"
}

// ProbeCommand prints the exit status if the job ended, "running" otherwise.
func (j *JobRun) ProbeCommand() string {
	exit := executor.Quote(j.ExitPath())
	return fmt.Sprintf("if [ -f %s ]; then cat %s; else echo running; fi", exit, exit)
}

// Transition moves the job to next and reports whether it changed.
func (j *JobRun) Transition(next State) bool {
	if j.State.Terminal() || j.State == next {
		return false
	}

	if next == StateUnknown {
		return false
	}

	j.State = next
	return true
}

func (j *JobRun) Started(at time.Time) {
	if j.Transition(StateRunning) {
		j.StartedAt = at
	}
}
