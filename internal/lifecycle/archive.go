package lifecycle

import (
	"context"
	"fmt"
	"path"
	"time"

	"gopkg.in/yaml.v2"

	"gpuspot/internal/monitor"
)

const (
	archiveTimeout = 2 * time.Minute
	fetchTimeout   = 30 * time.Second
)

type stepReport struct {
	Index    int    `yaml:"index"`
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	Command  string `yaml:"command,omitempty"`
	ExitCode int    `yaml:"exitCode"`
	Duration string `yaml:"duration"`
	Stdout   string `yaml:"stdout,omitempty"`
	Stderr   string `yaml:"stderr,omitempty"`
	Error    string `yaml:"error,omitempty"`
}

type runReport struct {
	RunID      string       `yaml:"runId"`
	Provider   string       `yaml:"provider"`
	GPU        string       `yaml:"gpu"`
	InstanceID string       `yaml:"instanceId"`
	FailedIn   string       `yaml:"failedIn,omitempty"`
	Error      string       `yaml:"error,omitempty"`
	Job        string       `yaml:"job"`
	JobState   string       `yaml:"jobState"`
	JobExit    int          `yaml:"jobExit"`
	Steps      []stepReport `yaml:"steps"`
	Time       time.Time    `yaml:"time"`
}

func archiveKey(runID, name string) string {
	return path.Join("runs", runID, name)
}

// archive stores the step transcripts and the tail of the job log. It is
// best effort and never blocks termination for longer than archiveTimeout.
func (c *Controller) archive(out *Outcome, job *monitor.JobRun) {
	if c.deps.Archive == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()

	report := runReport{
		RunID:      c.config.RunID,
		Provider:   c.config.Provider,
		GPU:        c.config.RequiredGPU,
		InstanceID: out.InstanceID,
		FailedIn:   string(out.FailedIn),
		Job:        job.Name,
		JobState:   string(job.State),
		JobExit:    job.ExitCode,
		Time:       time.Now().UTC(),
	}

	if out.Err != nil {
		report.Error = out.Err.Error()
	}

	for _, step := range out.Steps {
		s := stepReport{
			Index:    step.Index,
			Name:     step.Name,
			Kind:     string(step.Kind),
			Command:  step.Command,
			ExitCode: step.ExitCode,
			Duration: step.Duration.String(),
			Stdout:   step.Stdout,
			Stderr:   step.Stderr,
		}

		if step.Err != nil {
			s.Error = step.Err.Error()
		}

		report.Steps = append(report.Steps, s)
	}

	logger := c.logger.WithField("instance", out.InstanceID)

	data, err := yaml.Marshal(report)

	if err != nil {
		logger.WithError(err).Warn("unable to encode run report")
		return
	}

	key := archiveKey(c.config.RunID, "report.yaml")
	if err := c.deps.Archive.Store(ctx, key, data); err != nil {
		logger.WithError(err).WithField("key", key).Warn("unable to archive run report")
	}

	if job.State == monitor.StateUnknown || job.Reason == monitor.ReasonUnreachable || out.Interrupted {
		return
	}

	fetchCtx, cancelFetch := context.WithTimeout(ctx, fetchTimeout)
	defer cancelFetch()

	tail, err := c.deps.Executor.Fetch(fetchCtx, c.Instance(), job.LogPath(), c.config.LogLines)

	if err != nil {
		logger.WithError(err).Warn("unable to fetch job log")
		return
	}

	key = archiveKey(c.config.RunID, fmt.Sprintf("%s.log", job.Name))
	if err := c.deps.Archive.Store(ctx, key, []byte(tail)); err != nil {
		logger.WithError(err).WithField("key", key).Warn("unable to archive job log")
		return
	}

	logger.WithField("key", key).Info("job log archived")
}
