package lifecycle

import (
	"bytes"
	"context"
	"io"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpuspot/internal/executor"
	"gpuspot/internal/monitor"
	"gpuspot/internal/remote"
	"gpuspot/internal/retry"
)

type echoDialer struct{}

func (echoDialer) Dial(context.Context, string) (remote.Session, error) {
	return echoSession{}, nil
}

type echoSession struct{}

func (echoSession) Run(_ context.Context, cmd remote.Command) error {
	if cmd.Stdout != nil {
		_, _ = io.WriteString(cmd.Stdout, cmd.Command+"\n")
	}
	return nil
}

func (echoSession) Close() error { return nil }

func TestArchiveMasksSecrets(t *testing.T) {
	const token = "hf_SECRET123"

	plan, err := executor.ParsePlan([]byte("steps:\n  - name: login\n    run: huggingface-cli login --token ${HF_TOKEN}\n"),
		map[string]string{"HF_TOKEN": token})
	require.NoError(t, err)

	logger, _ := test.NewNullLogger()
	transcript := &bytes.Buffer{}

	exec := executor.NewExecutor(echoDialer{}, executor.Config{
		ConnectRetry: retry.Policy{Attempts: 1},
		Secrets:      []string{token},
	}, transcript, log.NewEntry(logger))

	f := newFixture()
	controller := New(Dependencies{
		Provisioner: f.provisioner,
		Executor:    exec,
		Monitor:     f.monitor,
		Terminator:  f.terminator,
		Archive:     f.archive,
	}, f.config, log.NewEntry(logger))

	out := controller.Run(context.Background(), plan, monitor.NewJobRun("train", "python train.py", ""))

	require.NoError(t, out.Err)
	require.Contains(t, f.archive.objects, "runs/run-1/report.yaml")

	report := string(f.archive.objects["runs/run-1/report.yaml"])
	assert.Contains(t, report, "huggingface-cli login --token [FILTERED]")
	assert.NotContains(t, report, token)
	assert.NotContains(t, transcript.String(), token)
}
