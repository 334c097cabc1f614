package reap

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gpuspot/internal/cloud"
	"gpuspot/internal/command/root"
	"gpuspot/internal/retry"
	"gpuspot/internal/signal"
	"gpuspot/internal/store"
)

func init() {
	root.Cmd.AddCommand(cmd)

	cmd.Flags().Bool("dry-run", false, "Only list the instances that would be deleted")
	cmd.Flags().String("run-id", "", "Only reap the instances of this run")

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		log.WithError(err).Fatal("flag biding failed")
	}
}

var cmd = &cobra.Command{
	Use:   "reap",
	Short: "Delete every instance left in the ledger",
	Long:  `Delete the instances recorded in the ledger by runs that crashed or could not terminate them`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := root.LoadConfig()

		if err != nil {
			log.WithError(err).Fatal("invalid configuration")
		}

		if err := cfg.ValidateProvider(); err != nil {
			log.WithError(err).Fatal("invalid configuration")
		}

		ctx := signal.WatchInterrupt(context.Background(), 30*time.Second, func() { os.Exit(1) })

		cmpt, err := root.GetComponent(ctx, cfg, true, false, false, false)

		if err != nil {
			log.WithError(err).Fatal("unable to initialize components")
		}

		defer cmpt.Close()

		provider, err := root.NewProvider(ctx, cfg)

		if err != nil {
			log.WithError(err).Fatal("cloud provider")
		}

		r := &Reaper{
			Ledger:   cmpt.Ledger,
			Provider: provider,
			Retry:    retry.Policy{Attempts: 5, Delay: 2 * time.Second, MaxDelay: 30 * time.Second},
			DryRun:   viper.GetBool("dry-run"),
			RunID:    viper.GetString("run-id"),
			Logger:   log.WithField("app", "reap"),
		}

		report, err := r.Reap(ctx)

		if err != nil {
			log.WithError(err).Fatal("reap")
		}

		log.WithFields(log.Fields{
			"deleted": report.Deleted,
			"failed":  report.Failed,
			"skipped": report.Skipped,
		}).Info("reap finished")

		if len(report.Failed) > 0 {
			os.Exit(10)
		}
	},
}

type Report struct {
	Deleted []string
	Failed  []string
	Skipped []string
}

// Reaper deletes the instances recorded in a ledger. A record is removed once
// its instance is confirmed gone.
type Reaper struct {
	Ledger   store.Ledger
	Provider cloud.Provider
	Retry    retry.Policy
	DryRun   bool
	RunID    string
	Logger   *log.Entry
}

func (r *Reaper) Reap(ctx context.Context) (*Report, error) {
	records, err := r.Ledger.List(ctx)

	if err != nil {
		return nil, errors.Wrap(err, "list ledger")
	}

	report := &Report{}

	for _, record := range records {
		logger := r.Logger.WithFields(log.Fields{
			"instance": record.InstanceID,
			"run":      record.RunID,
			"job":      record.Job,
			"created":  record.CreatedAt.Format(time.RFC3339),
		})

		if record.Provider != r.Provider.Name() || (r.RunID != "" && record.RunID != r.RunID) {
			report.Skipped = append(report.Skipped, record.InstanceID)
			continue
		}

		if r.DryRun {
			logger.Info("would delete instance")
			report.Skipped = append(report.Skipped, record.InstanceID)
			continue
		}

		err := retry.Do(ctx, r.Retry, logger, func(ctx context.Context) error {
			err := r.Provider.DeleteInstance(ctx, record.InstanceID)

			if cloud.IsNotFound(err) {
				return nil
			}

			return err
		}, func(err error) bool {
			return !cloud.IsAuth(err)
		})

		if err != nil {
			logger.WithError(err).WithField("alert", true).Error("unable to delete instance")
			report.Failed = append(report.Failed, record.InstanceID)
			continue
		}

		if err := r.Ledger.Delete(ctx, record.InstanceID); err != nil {
			logger.WithError(err).Warn("instance deleted but still in ledger")
		}

		logger.Info("instance deleted")
		report.Deleted = append(report.Deleted, record.InstanceID)
	}

	return report, nil
}
