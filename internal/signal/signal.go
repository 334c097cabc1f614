package signal

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

// WatchInterrupt returns a context cancelled on the first SIGINT or SIGTERM.
// A second signal, or forceShutdownDelay elapsing after the first, calls
// force. A zero delay waits for a second signal only.
func WatchInterrupt(ctx context.Context, forceShutdownDelay time.Duration, force func()) context.Context {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	return watch(ctx, sigs, forceShutdownDelay, force)
}

func watch(ctx context.Context, sigs <-chan os.Signal, forceShutdownDelay time.Duration, force func()) context.Context {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		select {
		case <-sigs:
		case <-ctx.Done():
			return
		}

		log.Warn("interrupt signal received, terminating the instance before exit, send it again to exit immediately")
		cancel()

		var timeout <-chan time.Time
		if forceShutdownDelay > 0 {
			timer := time.NewTimer(forceShutdownDelay)
			defer timer.Stop()
			timeout = timer.C
		}

		select {
		case <-sigs:
			log.Warn("second interrupt signal received, exit immediately")
		case <-timeout:
			log.Warnf("still not shutdown after %s, exit immediately", forceShutdownDelay)
		}

		force()
	}()

	return ctx
}
