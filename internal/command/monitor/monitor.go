package monitor

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gpuspot/internal/cloud"
	"gpuspot/internal/command/root"
	"gpuspot/internal/executor"
	jobs "gpuspot/internal/monitor"
	"gpuspot/internal/remote"
	"gpuspot/internal/retry"
	"gpuspot/internal/signal"
	"gpuspot/internal/store"
)

func init() {
	root.Cmd.AddCommand(cmd)

	cmd.Flags().String("instance", "", "Instance to inspect; lists all instances when empty")
	cmd.Flags().Int("tail", 20, "Job log lines to show")
	cmd.Flags().Duration("follow", 0, "Refresh at this interval until interrupted (disabled when 0)")

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		log.WithError(err).Fatal("flag biding failed")
	}
}

var cmd = &cobra.Command{
	Use:   "monitor",
	Short: "List live instances or inspect the job running on one",
	Long:  `List the instances of the provider account with their ledger runs, or probe the job of --instance and show the tail of its log`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := root.LoadConfig()

		if err != nil {
			log.WithError(err).Fatal("invalid configuration")
		}

		if err := cfg.ValidateProvider(); err != nil {
			log.WithError(err).Fatal("invalid configuration")
		}

		ctx := signal.WatchInterrupt(context.Background(), 5*time.Second, func() { os.Exit(1) })

		cmpt, err := root.GetComponent(ctx, cfg, true, false, false, false)

		if err != nil {
			log.WithError(err).Fatal("unable to initialize components")
		}

		defer cmpt.Close()

		provider, err := root.NewProvider(ctx, cfg)

		if err != nil {
			log.WithError(err).Fatal("cloud provider")
		}

		w := &watcher{
			provider: provider,
			ledger:   cmpt.Ledger,
			out:      os.Stdout,
			job:      jobs.NewJobRun(cfg.Job.Name, "", cfg.Job.Dir),
			tail:     viper.GetInt("tail"),
		}

		if id := viper.GetString("instance"); id != "" {
			if cfg.SSH.KeyPath == "" {
				cfg.SSH.KeyPath, _ = remote.DiscoverKey("")
			}

			ssh, err := remote.NewSSH(remote.Config{
				User:                  cfg.SSH.User,
				IdentityFile:          cfg.SSH.KeyPath,
				KnownHostsFile:        cfg.SSH.KnownHosts,
				InsecureIgnoreHostKey: cfg.SSH.Insecure,
			}, log.WithField("component", "ssh"))

			if err != nil {
				log.WithError(err).Fatal("ssh client")
			}

			exec := executor.NewExecutor(ssh, executor.Config{
				ConnectRetry:   retry.Policy{Attempts: 3, Delay: time.Second, MaxDelay: 5 * time.Second},
				ConnectWait:    30 * time.Second,
				CommandTimeout: 30 * time.Second,
			}, io.Discard, log.WithField("component", "executor"))

			defer exec.Close()

			w.instance = id
			w.executor = exec
			w.monitor = jobs.New(exec, jobs.Config{ProbeTimeout: 30 * time.Second}, log.WithField("component", "monitor"))
		}

		if err := w.Run(ctx, viper.GetDuration("follow")); err != nil {
			log.WithError(err).Fatal("monitor")
		}
	},
}

type prober interface {
	Poll(ctx context.Context, instance *cloud.Instance, job *jobs.JobRun) (jobs.State, error)
}

type fetcher interface {
	Fetch(ctx context.Context, instance *cloud.Instance, file string, lines int) (string, error)
}

type watcher struct {
	provider cloud.Provider
	ledger   store.Ledger
	executor fetcher
	monitor  prober
	out      io.Writer

	instance string
	job      *jobs.JobRun
	tail     int
}

func (w *watcher) Run(ctx context.Context, follow time.Duration) error {
	if err := w.once(ctx); err != nil || follow <= 0 {
		return err
	}

	ticker := time.NewTicker(follow)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.once(ctx); err != nil {
				log.WithError(err).Warn("refresh failed")
			}
		}
	}
}

func (w *watcher) once(ctx context.Context) error {
	if w.instance == "" {
		return w.list(ctx)
	}

	return w.inspect(ctx)
}

func (w *watcher) list(ctx context.Context) error {
	instances, err := w.provider.Instances(ctx)

	if err != nil {
		return errors.Wrap(err, "list instances")
	}

	runs := map[string]string{}

	if w.ledger != nil {
		records, err := w.ledger.List(ctx)

		if err != nil {
			log.WithError(err).Warn("unable to read ledger")
		}

		for _, record := range records {
			runs[record.InstanceID] = record.RunID
		}
	}

	sort.Slice(instances, func(i, j int) bool {
		return instances[i].CreatedAt.Before(instances[j].CreatedAt)
	})

	tw := tabwriter.NewWriter(w.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tADDRESS\tGPU\tPRICE/H\tUPTIME\tRUN")

	for _, instance := range instances {
		run := runs[instance.ID]
		if run == "" {
			run = "-"
		}

		uptime := "-"
		if !instance.CreatedAt.IsZero() {
			uptime = time.Since(instance.CreatedAt).Truncate(time.Minute).String()
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.3f\t%s\t%s\n",
			instance.ID, instance.Status, instance.Address, instance.Offer.GPUType, instance.Offer.PricePerHour, uptime, run)
	}

	return tw.Flush()
}

func (w *watcher) inspect(ctx context.Context) error {
	instance, err := w.provider.GetStatus(ctx, w.instance)

	if err != nil {
		return errors.Wrapf(err, "instance %s", w.instance)
	}

	fmt.Fprintf(w.out, "instance %s: %s %s\n", instance.ID, instance.Status, instance.Address)

	if instance.Status != cloud.StatusReady {
		return nil
	}

	state, err := w.monitor.Poll(ctx, instance, w.job)

	if err != nil {
		fmt.Fprintf(w.out, "job %s: probe failed: %v\n", w.job.Name, err)
	} else {
		fmt.Fprintf(w.out, "job %s: %s\n", w.job.Name, state)
	}

	tail, err := w.executor.Fetch(ctx, instance, w.job.LogPath(), w.tail)

	if err != nil {
		return errors.Wrap(err, "fetch job log")
	}

	fmt.Fprintf(w.out, "--- %s ---\n%s", w.job.LogPath(), tail)
	return nil
}
