package reap

import (
	"context"
	"errors"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"gpuspot/internal/cloud"
	"gpuspot/internal/retry"
	"gpuspot/internal/store"
)

type mockProvider struct {
	cloud.Provider
	mock.Mock
}

func (p *mockProvider) Name() string { return "datacrunch" }

func (p *mockProvider) DeleteInstance(ctx context.Context, id string) error {
	return p.Called(id).Error(0)
}

func seed(t *testing.T, records ...store.Record) store.Ledger {
	t.Helper()

	ledger, err := store.Open(context.Background(), "file://"+t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	for _, record := range records {
		require.NoError(t, ledger.Save(context.Background(), record))
	}

	return ledger
}

func record(id, provider, run string, minute int) store.Record {
	return store.Record{
		InstanceID: id,
		Provider:   provider,
		RunID:      run,
		Job:        "train",
		CreatedAt:  time.Date(2026, 5, 1, 12, minute, 0, 0, time.UTC),
	}
}

func newReaper(ledger store.Ledger, provider cloud.Provider) *Reaper {
	logger, _ := test.NewNullLogger()

	return &Reaper{
		Ledger:   ledger,
		Provider: provider,
		Retry:    retry.Policy{Attempts: 2, Delay: time.Millisecond},
		Logger:   log.NewEntry(logger),
	}
}

func TestReap(t *testing.T) {
	ledger := seed(t,
		record("i-1", "datacrunch", "r1", 0),
		record("i-2", "datacrunch", "r2", 1),
		record("i-3", "datacrunch", "r2", 2),
		record("gce-1", "gcp", "r3", 3),
	)

	provider := &mockProvider{}
	provider.On("DeleteInstance", "i-1").Return(nil).Once()
	provider.On("DeleteInstance", "i-2").Return(&cloud.NotFoundError{ID: "i-2"}).Once()
	provider.On("DeleteInstance", "i-3").Return(&cloud.TransportError{Op: "delete", Err: errors.New("connection reset")}).Twice()

	report, err := newReaper(ledger, provider).Reap(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"i-1", "i-2"}, report.Deleted)
	assert.Equal(t, []string{"i-3"}, report.Failed)
	assert.Equal(t, []string{"gce-1"}, report.Skipped)
	provider.AssertExpectations(t)
	provider.AssertNotCalled(t, "DeleteInstance", "gce-1")

	records, err := ledger.List(context.Background())
	require.NoError(t, err)

	var left []string
	for _, r := range records {
		left = append(left, r.InstanceID)
	}
	assert.Equal(t, []string{"i-3", "gce-1"}, left)
}

func TestReapDryRunAndRunFilter(t *testing.T) {
	ledger := seed(t, record("i-1", "datacrunch", "r1", 0), record("i-2", "datacrunch", "r2", 1))
	provider := &mockProvider{}

	reaper := newReaper(ledger, provider)
	reaper.DryRun = true

	report, err := reaper.Reap(context.Background())
	require.NoError(t, err)
	provider.AssertNotCalled(t, "DeleteInstance", mock.Anything)
	assert.Equal(t, []string{"i-1", "i-2"}, report.Skipped)

	reaper.DryRun = false
	reaper.RunID = "r2"
	provider.On("DeleteInstance", "i-2").Return(nil).Once()

	report, err = reaper.Reap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"i-2"}, report.Deleted)
	assert.Equal(t, []string{"i-1"}, report.Skipped)
	provider.AssertNumberOfCalls(t, "DeleteInstance", 1)
}
