package events

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gpuspot/internal/command/root"
	"gpuspot/internal/queue"
	"gpuspot/internal/signal"
)

func init() {
	root.Cmd.AddCommand(cmd)

	cmd.Flags().Bool("alerts", false, "Only consume termination alerts")
	cmd.Flags().Bool("wait", false, "Keep waiting for new events until interrupted")

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		log.WithError(err).Fatal("flag biding failed")
	}
}

var cmd = &cobra.Command{
	Use:   "events",
	Short: "Consume lifecycle events published by runs",
	Long:  `Consume and print the lifecycle events or the termination alerts published on the AMQP queues`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := root.LoadConfig()

		if err != nil {
			log.WithError(err).Fatal("invalid configuration")
		}

		if cfg.AMQP == "" {
			log.Fatal("amqp is required")
		}

		ctx := signal.WatchInterrupt(context.Background(), 5*time.Second, func() { os.Exit(1) })

		cmpt, err := root.GetComponent(ctx, cfg, false, true, false, false)

		if err != nil {
			log.WithError(err).Fatal("unable to initialize components")
		}

		defer cmpt.Close()

		name := queue.EventsQueue
		if viper.GetBool("alerts") {
			name = queue.AlertsQueue
		}

		c := &consumer{channel: cmpt.Channel, queue: name, out: os.Stdout, wait: viper.GetBool("wait"), idle: 5 * time.Second}

		if err := c.Run(ctx); err != nil {
			log.WithError(err).Fatal("consume events")
		}
	},
}

type consumer struct {
	channel queue.Channel
	queue   string
	out     io.Writer
	wait    bool
	idle    time.Duration
}

// Run prints events until the queue is empty, or until ctx is done when wait is set.
func (c *consumer) Run(ctx context.Context) error {
	for {
		var event queue.Event
		delivery, ok, err := c.channel.Consume(c.queue, &event)

		if err != nil {
			return errors.Wrapf(err, "consume %s", c.queue)
		}

		if !ok {
			if !c.wait {
				return nil
			}

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.idle):
			}

			continue
		}

		fmt.Fprintln(c.out, format(event))

		if delivery != nil {
			if err := delivery.Ack(); err != nil {
				return errors.Wrap(err, "ack event")
			}
		}
	}
}

func format(event queue.Event) string {
	line := fmt.Sprintf("%s %s %-10s %-13s", event.Time.Format(time.RFC3339), event.RunID, event.Type, event.Phase)

	if event.InstanceID != "" {
		line += " instance=" + event.InstanceID
	}

	if event.Type != queue.EventTransition {
		line += fmt.Sprintf(" exit=%d", event.ExitCode)
	}

	if event.Message != "" {
		line += fmt.Sprintf(" %q", event.Message)
	}

	return line
}
