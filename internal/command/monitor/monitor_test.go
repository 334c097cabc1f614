package monitor

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpuspot/internal/cloud"
	jobs "gpuspot/internal/monitor"
	"gpuspot/internal/store"
)

type fakeProvider struct {
	cloud.Provider

	instances []*cloud.Instance
}

func (p *fakeProvider) Instances(ctx context.Context) ([]*cloud.Instance, error) {
	return p.instances, nil
}

func (p *fakeProvider) GetStatus(ctx context.Context, id string) (*cloud.Instance, error) {
	for _, instance := range p.instances {
		if instance.ID == id {
			return instance, nil
		}
	}

	return nil, &cloud.NotFoundError{ID: id}
}

type fakeLedger struct {
	store.Ledger

	records []store.Record
}

func (l *fakeLedger) List(ctx context.Context) ([]store.Record, error) {
	return l.records, nil
}

type fakeProbe struct {
	state   jobs.State
	err     error
	fetched string
}

func (p *fakeProbe) Poll(ctx context.Context, instance *cloud.Instance, job *jobs.JobRun) (jobs.State, error) {
	return p.state, p.err
}

func (p *fakeProbe) Fetch(ctx context.Context, instance *cloud.Instance, file string, lines int) (string, error) {
	p.fetched = file
	return "step 100 loss 0.1\n", nil
}

func TestList(t *testing.T) {
	now := time.Now()
	provider := &fakeProvider{instances: []*cloud.Instance{
		{ID: "i-2", Status: cloud.StatusBooting, Address: "-", Offer: cloud.Offer{GPUType: "A100", PricePerHour: 1.1}, CreatedAt: now},
		{ID: "i-1", Status: cloud.StatusReady, Address: "10.0.0.1", Offer: cloud.Offer{GPUType: "H100", PricePerHour: 2.5}, CreatedAt: now.Add(-2 * time.Hour)},
	}}

	var out bytes.Buffer
	w := &watcher{
		provider: provider,
		ledger:   &fakeLedger{records: []store.Record{{InstanceID: "i-1", RunID: "run-1"}}},
		out:      &out,
	}

	require.NoError(t, w.Run(context.Background(), 0))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"i-1", "ready", "10.0.0.1", "H100", "2.500", "2h0m0s", "run-1"}, strings.Fields(lines[1]))
	assert.Equal(t, "-", strings.Fields(lines[2])[6])
}

func TestInspect(t *testing.T) {
	provider := &fakeProvider{instances: []*cloud.Instance{
		{ID: "i-1", Status: cloud.StatusReady, Address: "10.0.0.1"},
	}}
	probe := &fakeProbe{state: jobs.StateRunning}

	var out bytes.Buffer
	w := &watcher{
		provider: provider,
		executor: probe,
		monitor:  probe,
		out:      &out,
		instance: "i-1",
		job:      jobs.NewJobRun("train", "", ""),
		tail:     20,
	}

	require.NoError(t, w.Run(context.Background(), 0))

	assert.Contains(t, out.String(), "job train: running")
	assert.Contains(t, out.String(), "step 100 loss 0.1")
	assert.Equal(t, "/root/train.log", probe.fetched)

	out.Reset()
	probe.err = errors.New("connection refused")
	require.NoError(t, w.Run(context.Background(), 0))
	assert.Contains(t, out.String(), "probe failed: connection refused")

	w.instance = "i-404"
	assert.Error(t, w.Run(context.Background(), 0))
}

func TestInspectNotReady(t *testing.T) {
	provider := &fakeProvider{instances: []*cloud.Instance{{ID: "i-1", Status: cloud.StatusBooting}}}
	probe := &fakeProbe{}

	var out bytes.Buffer
	w := &watcher{provider: provider, executor: probe, monitor: probe, out: &out, instance: "i-1", job: jobs.NewJobRun("train", "", "")}

	require.NoError(t, w.Run(context.Background(), 0))
	assert.Contains(t, out.String(), "booting")
	assert.Empty(t, probe.fetched)
}

func TestFollowStopsOnCancel(t *testing.T) {
	provider := &fakeProvider{}
	w := &watcher{provider: provider, out: &bytes.Buffer{}}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	assert.NoError(t, w.Run(ctx, 5*time.Millisecond))
}
