package executor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpuspot/internal/cloud"
	"gpuspot/internal/remote"
	"gpuspot/internal/retry"
)

type handler func(cmd remote.Command, stdin string) error

type fakeDialer struct {
	mu       sync.Mutex
	dialErrs []error
	dials    int
	handle   handler
	commands []string
	closed   int
}

func (d *fakeDialer) Dial(context.Context, string) (remote.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++

	if len(d.dialErrs) > 0 {
		err := d.dialErrs[0]
		d.dialErrs = d.dialErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	return &fakeSession{dialer: d}, nil
}

func (d *fakeDialer) ran() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]string(nil), d.commands...)
}

type fakeSession struct {
	dialer *fakeDialer
}

func (s *fakeSession) Run(_ context.Context, cmd remote.Command) error {
	var stdin string
	if cmd.Stdin != nil {
		data, _ := io.ReadAll(cmd.Stdin)
		stdin = string(data)
	}

	s.dialer.mu.Lock()
	s.dialer.commands = append(s.dialer.commands, cmd.Command)
	handle := s.dialer.handle
	s.dialer.mu.Unlock()

	if handle == nil {
		return nil
	}

	return handle(cmd, stdin)
}

func (s *fakeSession) Close() error {
	s.dialer.mu.Lock()
	defer s.dialer.mu.Unlock()

	s.dialer.closed++
	return nil
}

func exit(code int) error {
	return &remote.ExitError{Inner: &remote.CodeError{Code: code}}
}

var errNetwork = errors.New("connection reset by peer")

func newTestExecutor(dialer remote.Dialer) *Executor {
	logger, _ := test.NewNullLogger()

	return NewExecutor(dialer, Config{
		ConnectRetry:     retry.Policy{Attempts: 5, Delay: time.Millisecond},
		ConnectWait:      time.Second,
		CommandTimeout:   time.Second,
		SentinelInterval: time.Millisecond,
	}, nil, log.NewEntry(logger))
}

var testInstance = &cloud.Instance{ID: "i-1", Address: "10.0.0.1", Status: cloud.StatusReady}

func TestRunAllSteps(t *testing.T) {
	var uploaded string
	dialer := &fakeDialer{handle: func(cmd remote.Command, stdin string) error {
		if strings.Contains(cmd.Command, "cat >") {
			uploaded = stdin
		}
		if cmd.Command == "echo hi" {
			_, _ = io.WriteString(cmd.Stdout, "hi\n")
		}
		return nil
	}}

	plan := &Plan{Steps: []Step{
		{Name: "upload", Content: "#!/bin/sh\n", To: "/root/bin/train.sh", Mode: "0755"},
		{Name: "greet", Run: "echo hi"},
		{Name: "installed", Sentinel: "/root/done", Wait: time.Second},
	}}

	results, err := newTestExecutor(dialer).Run(context.Background(), plan, testInstance)

	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "#!/bin/sh\n", uploaded)
	assert.Equal(t, "hi\n", results[1].Stdout)
	assert.Equal(t, []string{
		"mkdir -p /root/bin && cat > /root/bin/train.sh && chmod 0755 /root/bin/train.sh",
		"echo hi",
		"test -f /root/done",
	}, dialer.ran())
	assert.Equal(t, 1, dialer.dials)
}

func TestRunStopsAtFailingStep(t *testing.T) {
	dialer := &fakeDialer{handle: func(cmd remote.Command, _ string) error {
		if cmd.Command == "step-2" {
			_, _ = io.WriteString(cmd.Stderr, "pip: not found\n")
			return exit(127)
		}
		return nil
	}}

	plan := &Plan{Steps: []Step{
		{Name: "one", Run: "step-1"},
		{Name: "two", Run: "step-2"},
		{Name: "three", Run: "step-3"},
		{Name: "four", Run: "step-4"},
	}}

	results, err := newTestExecutor(dialer).Run(context.Background(), plan, testInstance)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, 2, stepErr.Index)
	assert.Equal(t, "two", stepErr.Name)
	assert.Equal(t, 127, stepErr.ExitCode)
	assert.Contains(t, stepErr.Output, "pip: not found")

	require.Len(t, results, 2)
	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.Equal(t, []string{"step-1", "step-2"}, dialer.ran())
}

func TestRunSentinelPollsUntilPresent(t *testing.T) {
	probes := 0
	dialer := &fakeDialer{handle: func(cmd remote.Command, _ string) error {
		probes++
		if probes < 4 {
			return exit(1)
		}
		return nil
	}}

	plan := &Plan{Steps: []Step{{Name: "installed", Sentinel: "/root/installed_lerobot", Wait: time.Second}}}

	results, err := newTestExecutor(dialer).Run(context.Background(), plan, testInstance)

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 4, probes)
}

func TestRunSentinelTimeout(t *testing.T) {
	dialer := &fakeDialer{handle: func(remote.Command, string) error {
		return exit(1)
	}}

	plan := &Plan{Steps: []Step{{Name: "installed", Sentinel: "/root/never", Wait: 20 * time.Millisecond}}}

	results, err := newTestExecutor(dialer).Run(context.Background(), plan, testInstance)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Contains(t, err.Error(), "/root/never")
	assert.Len(t, results, 1)
}

func TestRunSentinelReconnectsAfterTransportFailure(t *testing.T) {
	probes := 0
	dialer := &fakeDialer{handle: func(remote.Command, string) error {
		probes++
		if probes == 1 {
			return errNetwork
		}
		return nil
	}}

	plan := &Plan{Steps: []Step{{Name: "installed", Sentinel: "/root/done", Wait: time.Second}}}

	_, err := newTestExecutor(dialer).Run(context.Background(), plan, testInstance)

	require.NoError(t, err)
	assert.Equal(t, 2, dialer.dials)
	assert.Equal(t, 1, dialer.closed)
}

func TestConnectRetriesTransientDialFailures(t *testing.T) {
	dialer := &fakeDialer{dialErrs: []error{errNetwork, errNetwork, nil}}

	_, err := newTestExecutor(dialer).Run(context.Background(), &Plan{Steps: []Step{{Run: "true"}}}, testInstance)

	require.NoError(t, err)
	assert.Equal(t, 3, dialer.dials)
}

func TestConnectDoesNotRetryAuthFailure(t *testing.T) {
	dialer := &fakeDialer{dialErrs: []error{&remote.AuthError{Address: "10.0.0.1:22", Err: errors.New("denied")}, nil}}

	results, err := newTestExecutor(dialer).Run(context.Background(), &Plan{Steps: []Step{{Name: "first", Run: "true"}}}, testInstance)

	require.Error(t, err)
	assert.True(t, remote.IsAuth(err))
	assert.Equal(t, 1, dialer.dials)
	assert.Equal(t, -1, results[0].ExitCode)
}

func TestConnectRequiresAddress(t *testing.T) {
	dialer := &fakeDialer{}

	_, err := newTestExecutor(dialer).Output(context.Background(), &cloud.Instance{ID: "i-2"}, "true")

	require.Error(t, err)
	assert.Zero(t, dialer.dials)
}

func TestLaunchAndFetch(t *testing.T) {
	dialer := &fakeDialer{handle: func(cmd remote.Command, _ string) error {
		if strings.HasPrefix(cmd.Command, "tail") {
			_, _ = io.WriteString(cmd.Stdout, "epoch 3 loss 0.1\n")
		}
		return nil
	}}
	e := newTestExecutor(dialer)
	defer e.Close()

	require.NoError(t, e.Launch(context.Background(), testInstance, "nohup ./train.sh &"))

	out, err := e.Fetch(context.Background(), testInstance, "/root/training.log", 20)
	require.NoError(t, err)
	assert.Equal(t, "epoch 3 loss 0.1\n", out)
	assert.Equal(t, "tail -n 20 /root/training.log", dialer.ran()[1])
}

func TestLaunchFailure(t *testing.T) {
	dialer := &fakeDialer{handle: func(cmd remote.Command, _ string) error {
		_, _ = io.WriteString(cmd.Stderr, "permission denied")
		return exit(126)
	}}

	err := newTestExecutor(dialer).Launch(context.Background(), testInstance, "./train.sh")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
	code, ok := remote.ExitCode(err)
	assert.True(t, ok)
	assert.Equal(t, 126, code)
}

func TestRunMasksSecretsInTranscriptAndResults(t *testing.T) {
	dialer := &fakeDialer{handle: func(cmd remote.Command, _ string) error {
		_, _ = io.WriteString(cmd.Stdout, "logged in with hf_SECRET123\n")
		return nil
	}}

	plan, err := ParsePlan([]byte("steps:\n  - name: login\n    run: huggingface-cli login --token ${HF_TOKEN}\n"),
		map[string]string{"HF_TOKEN": "hf_SECRET123"})
	require.NoError(t, err)

	transcript := &bytes.Buffer{}
	logger, _ := test.NewNullLogger()
	e := NewExecutor(dialer, Config{
		ConnectRetry: retry.Policy{Attempts: 1},
		Secrets:      []string{"hf_SECRET123"},
	}, transcript, log.NewEntry(logger))

	results, err := e.Run(context.Background(), plan, testInstance)

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, []string{"huggingface-cli login --token hf_SECRET123"}, dialer.ran())
	assert.Equal(t, "huggingface-cli login --token [FILTERED]", results[0].Command)
	assert.Equal(t, "logged in with [FILTERED]\n", results[0].Stdout)
	assert.Contains(t, transcript.String(), "> huggingface-cli login --token [FILTERED]")
	assert.NotContains(t, transcript.String(), "hf_SECRET123")
}
