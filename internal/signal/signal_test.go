package signal

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchSecondSignalForces(t *testing.T) {
	sigs := make(chan os.Signal, 2)
	forced := make(chan struct{})

	ctx := watch(context.Background(), sigs, 0, func() { close(forced) })

	sigs <- syscall.SIGINT

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled")
	}

	select {
	case <-forced:
		t.Fatal("forced after a single signal")
	case <-time.After(50 * time.Millisecond):
	}

	sigs <- syscall.SIGTERM

	select {
	case <-forced:
	case <-time.After(time.Second):
		t.Fatal("not forced after a second signal")
	}
}

func TestWatchForceDelay(t *testing.T) {
	sigs := make(chan os.Signal, 1)
	forced := make(chan struct{})

	ctx := watch(context.Background(), sigs, 20*time.Millisecond, func() { close(forced) })
	sigs <- syscall.SIGTERM

	select {
	case <-forced:
	case <-time.After(time.Second):
		t.Fatal("not forced after delay")
	}

	require.Error(t, ctx.Err())
}

func TestWatchParentDone(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	forced := make(chan struct{})

	ctx := watch(parent, make(chan os.Signal), time.Millisecond, func() { close(forced) })
	cancel()

	<-ctx.Done()

	select {
	case <-forced:
		t.Fatal("forced without a signal")
	case <-time.After(20 * time.Millisecond):
	}
}
