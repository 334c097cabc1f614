package monitor

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"gpuspot/internal/cloud"
)

// ReasonUnreachable is set on a job declared failed after too many
// consecutive probe failures.
const ReasonUnreachable = "instance unreachable"

// Runner executes a short command on the instance and returns its stdout.
type Runner interface {
	Output(ctx context.Context, instance *cloud.Instance, command string) (string, error)
}

type Config struct {
	Interval     time.Duration
	MaxFailures  int
	ProbeTimeout time.Duration
}

type Monitor struct {
	runner Runner
	config Config
	logger *log.Entry
}

func New(runner Runner, config Config, logger *log.Entry) *Monitor {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}

	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}

	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 30 * time.Second
	}

	return &Monitor{runner: runner, config: config, logger: logger}
}

// Poll runs a single probe and reports the observed state.
func (m *Monitor) Poll(ctx context.Context, instance *cloud.Instance, job *JobRun) (State, error) {
	ctx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	out, err := m.runner.Output(ctx, instance, job.ProbeCommand())

	if err != nil {
		return StateUnknown, errors.Wrap(err, "probe job")
	}

	out = strings.TrimSpace(out)

	if out == "running" {
		return StateRunning, nil
	}

	code, err := strconv.Atoi(out)

	if err != nil {
		return StateUnknown, errors.Errorf("unexpected probe output %q", out)
	}

	job.ExitCode = code

	if code == 0 {
		return StateSucceeded, nil
	}

	return StateFailed, nil
}

// Watch polls until the job reaches a terminal state. MaxFailures consecutive
// failed probes mark the job Failed, since the instance is most likely gone.
func (m *Monitor) Watch(ctx context.Context, instance *cloud.Instance, job *JobRun) (State, error) {
	logger := m.logger.WithFields(log.Fields{"instance": instance.ID, "job": job.Name})

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	failures := 0

	for {
		state, err := m.Poll(ctx, instance, job)

		switch {
		case err != nil:
			if ctx.Err() != nil {
				return job.State, ctx.Err()
			}

			failures++
			logger.WithError(err).WithField("failures", failures).Warn("job probe failed")

			if failures >= m.config.MaxFailures {
				job.Reason = ReasonUnreachable
				job.Transition(StateFailed)
				logger.WithField("reason", job.Reason).Error("job declared failed")
				return job.State, nil
			}
		default:
			failures = 0

			if job.Transition(state) {
				logger.WithFields(log.Fields{"state": job.State, "exit": job.ExitCode}).Info("job state changed")
			}

			if job.State.Terminal() {
				if job.State == StateFailed && job.Reason == "" {
					job.Reason = "exit code " + strconv.Itoa(job.ExitCode)
				}
				return job.State, nil
			}
		}

		select {
		case <-ctx.Done():
			return job.State, ctx.Err()
		case <-ticker.C:
		}
	}
}
