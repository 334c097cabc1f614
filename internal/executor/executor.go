package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"gpuspot/internal/cloud"
	"gpuspot/internal/logging"
	"gpuspot/internal/remote"
	"gpuspot/internal/retry"
)

type Config struct {
	// ConnectRetry bounds reconnect attempts; ConnectWait bounds their total duration.
	ConnectRetry     retry.Policy
	ConnectWait      time.Duration
	CommandTimeout   time.Duration
	SentinelInterval time.Duration
	// Secrets are masked in the transcript and in step results.
	Secrets          []string
}

type StepResult struct {
	Index    int
	Name     string
	Kind     StepKind
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	Err      error
}

// StepError reports the bootstrap step that stopped the plan.
type StepError struct {
	Index    int
	Name     string
	ExitCode int
	Output   string
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("bootstrap step %d (%s) failed with exit code %d: %v", e.Index, e.Name, e.ExitCode, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Executor runs commands on one instance at a time over a cached session.
type Executor struct {
	dialer     remote.Dialer
	config     Config
	transcript io.Writer
	redactor   *strings.Replacer
	logger     *log.Entry

	mu      sync.Mutex
	session remote.Session
	address string
}

func NewExecutor(dialer remote.Dialer, config Config, transcript io.Writer, logger *log.Entry) *Executor {
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = 10 * time.Minute
	}

	if config.ConnectWait <= 0 {
		config.ConnectWait = 5 * time.Minute
	}

	if config.SentinelInterval <= 0 {
		config.SentinelInterval = 30 * time.Second
	}

	if transcript == nil {
		transcript = io.Discard
	}

	return &Executor{
		dialer:     dialer,
		config:     config,
		transcript: logging.NewRedactWriter(transcript, config.Secrets...),
		redactor:   logging.NewRedactor(config.Secrets...),
		logger:     logger,
	}
}

// Run executes the plan strictly in order. If step k fails, the returned
// slice holds exactly k results and the error is a *StepError.
func (e *Executor) Run(ctx context.Context, plan *Plan, instance *cloud.Instance) ([]StepResult, error) {
	results := make([]StepResult, 0, len(plan.Steps))

	for i, step := range plan.Steps {
		result := e.runStep(ctx, i+1, step, instance)
		results = append(results, result)

		if result.Err != nil {
			return results, &StepError{
				Index:    result.Index,
				Name:     result.Name,
				ExitCode: result.ExitCode,
				Output:   tail(result.Stdout+result.Stderr, 2048),
				Err:      result.Err,
			}
		}
	}

	return results, nil
}

func (e *Executor) runStep(ctx context.Context, index int, step Step, instance *cloud.Instance) StepResult {
	result := StepResult{Index: index, Name: step.Name, Kind: step.Kind()}

	logger := e.logger.WithFields(log.Fields{
		"instance": instance.ID,
		"step":     index,
		"name":     step.Name,
		"kind":     result.Kind,
	})

	logger.Info("running bootstrap step")

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.config.CommandTimeout
	}

	var stdout, stderr bytes.Buffer
	start := time.Now()

	switch result.Kind {
	case KindUpload:
		result.Command = uploadCommand(step)
		_, _ = io.WriteString(e.transcript, "> "+result.Command+"\n")
		result.Err = e.exec(ctx, instance, remote.Command{
			Command: result.Command,
			Stdin:   strings.NewReader(step.Content),
			Stdout:  io.MultiWriter(&stdout, e.transcript),
			Stderr:  io.MultiWriter(&stderr, e.transcript),
		}, timeout)
	case KindSentinel:
		result.Command = NewCmd("test", "-f", step.Sentinel).String()
		_, _ = io.WriteString(e.transcript, "> "+result.Command+"\n")
		result.Err = e.waitSentinel(ctx, instance, step, timeout, logger)
	default:
		result.Command = e.redactor.Replace(step.Run)
		_, _ = io.WriteString(e.transcript, "> "+result.Command+"\n")
		result.Err = e.exec(ctx, instance, remote.Command{
			Command: step.Run,
			Stdout:  io.MultiWriter(&stdout, e.transcript),
			Stderr:  io.MultiWriter(&stderr, e.transcript),
		}, timeout)
	}

	result.Duration = time.Since(start)
	result.Stdout = e.redactor.Replace(stdout.String())
	result.Stderr = e.redactor.Replace(stderr.String())

	_, _ = io.WriteString(e.transcript, result.Duration.String()+"\n")

	if result.Err != nil {
		if code, ok := remote.ExitCode(result.Err); ok {
			result.ExitCode = code
		} else {
			result.ExitCode = -1
		}

		_, _ = io.WriteString(e.transcript, result.Err.Error()+"\n")
		logger.WithError(result.Err).WithField("exit", result.ExitCode).Error("bootstrap step failed")
		return result
	}

	_, _ = io.WriteString(e.transcript, "==============================\n")
	logger.WithField("duration", result.Duration).Info("bootstrap step done")

	return result
}

func uploadCommand(step Step) string {
	mode := step.Mode
	if mode == "" {
		mode = "0644"
	}

	return strings.Join([]string{
		NewCmd("mkdir", "-p", path.Dir(step.To)).String(),
		"cat > " + Quote(step.To),
		NewCmd("chmod", mode, step.To).String(),
	}, " && ")
}

func (e *Executor) waitSentinel(parent context.Context, instance *cloud.Instance, step Step, timeout time.Duration, logger *log.Entry) error {
	ctx, cancel := context.WithTimeout(parent, step.Wait)
	defer cancel()

	cmd := NewCmd("test", "-f", step.Sentinel).String()

	ticker := time.NewTicker(e.config.SentinelInterval)
	defer ticker.Stop()

	for {
		err := e.exec(ctx, instance, remote.Command{Command: cmd}, timeout)

		if err == nil {
			return nil
		}

		if remote.IsAuth(err) {
			return err
		}

		if _, exited := remote.ExitCode(err); !exited {
			logger.WithError(err).Warn("sentinel probe failed")
		}

		select {
		case <-ctx.Done():
			if parent.Err() != nil {
				return errors.Wrap(parent.Err(), "waiting for sentinel")
			}
			return errors.Errorf("sentinel %s not present after %s", step.Sentinel, step.Wait)
		case <-ticker.C:
		}
	}
}

// Launch starts a detached command and returns once it is spawned.
func (e *Executor) Launch(ctx context.Context, instance *cloud.Instance, command string) error {
	_, _ = io.WriteString(e.transcript, "> "+command+"\n")

	var output bytes.Buffer
	err := e.exec(ctx, instance, remote.Command{
		Command: command,
		Stdout:  &output,
		Stderr:  &output,
	}, e.config.CommandTimeout)

	if err != nil {
		return errors.Wrapf(err, "launch on %s: %s", instance.ID, e.redactor.Replace(strings.TrimSpace(output.String())))
	}

	e.logger.WithField("instance", instance.ID).Info("job launched")
	return nil
}

// Output runs command and returns its standard output.
func (e *Executor) Output(ctx context.Context, instance *cloud.Instance, command string) (string, error) {
	var stdout, stderr bytes.Buffer

	err := e.exec(ctx, instance, remote.Command{
		Command: command,
		Stdout:  &stdout,
		Stderr:  &stderr,
	}, e.config.CommandTimeout)

	if err != nil {
		return stdout.String(), errors.Wrapf(err, "%s: %s", e.redactor.Replace(command), e.redactor.Replace(strings.TrimSpace(stderr.String())))
	}

	return stdout.String(), nil
}

// Fetch returns the last lines of a remote file.
func (e *Executor) Fetch(ctx context.Context, instance *cloud.Instance, file string, lines int) (string, error) {
	return e.Output(ctx, instance, NewCmd("tail", "-n", strconv.Itoa(lines), file).String())
}

func (e *Executor) exec(ctx context.Context, instance *cloud.Instance, cmd remote.Command, timeout time.Duration) error {
	session, err := e.connect(ctx, instance)

	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err = session.Run(ctx, cmd)

	if remote.IsTransport(err) {
		e.drop(session)
	}

	return err
}

func (e *Executor) connect(ctx context.Context, instance *cloud.Instance) (remote.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session != nil && e.address == instance.Address {
		return e.session, nil
	}

	if e.session != nil {
		_ = e.session.Close()
		e.session = nil
	}

	if instance.Address == "" {
		return nil, errors.Errorf("instance %s has no address", instance.ID)
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.ConnectWait)
	defer cancel()

	logger := e.logger.WithFields(log.Fields{"instance": instance.ID, "address": instance.Address})

	session, err := retry.Value(ctx, e.config.ConnectRetry, logger, func(ctx context.Context) (remote.Session, error) {
		return e.dialer.Dial(ctx, instance.Address)
	}, func(err error) bool {
		return !remote.IsAuth(err)
	})

	if err != nil {
		return nil, errors.Wrapf(err, "connect to %s", instance.Address)
	}

	e.session = session
	e.address = instance.Address

	return session, nil
}

func (e *Executor) drop(session remote.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == session {
		_ = e.session.Close()
		e.session = nil
	}
}

func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == nil {
		return nil
	}

	err := e.session.Close()
	e.session = nil

	return err
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[len(s)-n:]
}
