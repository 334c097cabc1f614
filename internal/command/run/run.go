package run

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gpuspot/internal/cloud"
	"gpuspot/internal/command/root"
	"gpuspot/internal/config"
	"gpuspot/internal/executor"
	"gpuspot/internal/lifecycle"
	"gpuspot/internal/monitor"
	"gpuspot/internal/provision"
	"gpuspot/internal/remote"
	"gpuspot/internal/retry"
	"gpuspot/internal/signal"
	"gpuspot/internal/store"
	"gpuspot/internal/util"
)

func init() {
	root.Cmd.AddCommand(cmd)

	cmd.Flags().String("job-command", "", "Training command run on the instance")
	cmd.Flags().String("plan", "", "Bootstrap plan (YAML)")
	cmd.Flags().String("startup-script", "", "Script run by the provider at boot, ${VAR} placeholders are expanded")
	cmd.Flags().String("dataset", "", "Dataset passed to the plan as ${DATASET}")
	cmd.Flags().String("output", "", "Output location passed to the plan as ${OUTPUT}")
	cmd.Flags().String("hf-token", "", "Hugging Face token passed to the plan as ${HF_TOKEN}")
	cmd.Flags().String("wandb-token", "", "Weights & Biases token passed to the plan as ${WANDB_API_KEY}")

	cmd.Flags().Duration("readiness-timeout", 30*time.Minute, "Maximum wait for the instance to be ready")
	cmd.Flags().Duration("poll-interval", 30*time.Second, "Instance status poll interval")
	cmd.Flags().Duration("monitor-interval", time.Minute, "Job probe interval")
	cmd.Flags().Int("monitor-max-failures", 5, "Consecutive failed probes before the job is declared failed")
	cmd.Flags().Uint("provision-attempts", 3, "Provisioning attempts when no offer is available")
	cmd.Flags().Uint("terminate-attempts", 5, "Instance deletion attempts")
	cmd.Flags().Duration("max-runtime", 0, "Schedule a host shutdown after this duration (disabled when 0)")

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		log.WithError(err).Fatal("flag biding failed")
	}
}

var cmd = &cobra.Command{
	Use:   "run",
	Short: "Run a training job on a spot GPU instance",
	Long:  `Provision a spot GPU instance, bootstrap it, run the job, watch it until it ends and terminate the instance`,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(run())
	},
}

func run() int {
	cfg, err := root.LoadConfig()

	if err != nil {
		log.WithError(err).Error("invalid configuration")
		return lifecycle.ExitConfig
	}

	if cfg.SSH.KeyPath == "" {
		if key, err := remote.DiscoverKey(""); err == nil {
			log.Infof("using SSH key '%s'", key)
			cfg.SSH.KeyPath = key
		}
	}

	if err := cfg.Validate(); err != nil {
		log.WithError(err).Error("invalid configuration")
		return lifecycle.ExitConfig
	}

	vars := cfg.Vars()

	plan, err := executor.LoadPlan(cfg.Plan, vars)

	if err != nil {
		log.WithError(err).Error("invalid bootstrap plan")
		return lifecycle.ExitConfig
	}

	startupScript, err := loadStartupScript(viper.GetString("startup-script"), vars)

	if err != nil {
		log.WithError(err).Error("invalid startup script")
		return lifecycle.ExitConfig
	}

	runID := uuid.NewString()
	logger := log.WithFields(log.Fields{"app": "gpuspot", "run": runID})

	ctx := context.Background()

	cmpt, err := root.GetComponent(ctx, cfg, true, true, true, true)

	if err != nil {
		logger.WithError(err).Error("unable to initialize components")
		return lifecycle.ExitConfig
	}

	defer cmpt.Close()

	provider, err := root.NewProvider(ctx, cfg)

	if err != nil {
		logger.WithError(err).Error("cloud provider")
		return lifecycle.ExitConfig
	}

	ssh, err := remote.NewSSH(remote.Config{
		User:                  cfg.SSH.User,
		IdentityFile:          cfg.SSH.KeyPath,
		KnownHostsFile:        cfg.SSH.KnownHosts,
		InsecureIgnoreHostKey: cfg.SSH.Insecure,
	}, logger.WithField("component", "ssh"))

	if err != nil {
		logger.WithError(err).Error("ssh client")
		return lifecycle.ExitConfig
	}

	transcriptPath := filepath.Join(os.TempDir(), "gpuspot-"+runID+".log")
	transcript, err := os.Create(transcriptPath)

	if err != nil {
		logger.WithError(err).Error("unable to create transcript")
		return lifecycle.ExitConfig
	}

	defer transcript.Close()

	exec := executor.NewExecutor(ssh, executor.Config{
		ConnectRetry:   retry.Policy{Attempts: 30, Delay: 5 * time.Second, MaxDelay: 30 * time.Second},
		ConnectWait:    cfg.ReadinessTimeout,
		CommandTimeout: cfg.SSHTimeout,
		Secrets:        cfg.Secrets(),
	}, transcript, logger.WithField("component", "executor"))

	defer exec.Close()

	tracker := &store.Tracker{Ledger: cmpt.Ledger, Provider: provider.Name(), RunID: runID, Job: cfg.Job.Name}

	provisioner := provision.New(provider, tracker, provision.Config{
		PollInterval: cfg.PollInterval,
		ListRetry:    retry.Policy{Attempts: 5, Delay: 2 * time.Second, MaxDelay: 30 * time.Second},
		Create: cloud.CreateOptions{
			Hostname:      util.Hostname("gpuspot", cfg.Job.Name),
			Description:   "gpuspot " + cfg.Job.Name + " " + runID,
			Image:         cfg.Image,
			StartupScript: startupScript,
			SSHPublicKey:  ssh.PublicKey(),
			Labels:        map[string]string{"gpuspot-run": runID, "gpuspot-job": cfg.Job.Name},
		},
	}, logger.WithField("component", "provisioner"))

	mon := monitor.New(exec, monitor.Config{
		Interval:    cfg.MonitorInterval,
		MaxFailures: cfg.MonitorMaxFailures,
	}, logger.WithField("component", "monitor"))

	deps := lifecycle.Dependencies{
		Provisioner: provisioner,
		Executor:    exec,
		Monitor:     mon,
		Terminator:  provider,
		Ledger:      tracker,
		Metric:      cmpt.Metric,
	}

	if cmpt.Notifier != nil {
		deps.Notifier = cmpt.Notifier
	}

	if cmpt.Bucket != nil {
		deps.Archive = cmpt.Bucket
	}

	controller := lifecycle.New(deps, lifecycleConfig(cfg, runID, provider.Name()), logger)

	ctx = signal.WatchInterrupt(ctx, 0, func() {
		if instance := controller.Instance(); instance != nil && instance.Status != cloud.StatusTerminated {
			logger.WithFields(log.Fields{"instance": instance.ID, "alert": true}).
				Error("exiting with a live instance, run reap to delete it")
		}

		os.Exit(lifecycle.ExitInterrupted)
	})

	job := monitor.NewJobRun(cfg.Job.Name, cfg.Job.Command, cfg.Job.Dir)
	outcome := controller.Run(ctx, plan, job)

	if cmpt.Bucket != nil {
		if err := util.Upload(context.Background(), cmpt.Bucket, "runs/"+runID+"/transcript.log", transcriptPath); err != nil {
			logger.WithError(err).Warn("unable to archive transcript")
		}
	}

	logger.WithField("transcript", transcriptPath).Info("transcript written")

	return outcome.ExitCode()
}

func lifecycleConfig(cfg *config.Config, runID, provider string) lifecycle.Config {
	terminateAttempts := cfg.TerminateAttempts
	if terminateAttempts == 0 {
		terminateAttempts = 1
	}

	return lifecycle.Config{
		RunID:            runID,
		Provider:         provider,
		RequiredGPU:      cfg.RequiredGPU,
		PriceCap:         cfg.PriceCap,
		ReadinessTimeout: cfg.ReadinessTimeout,
		ProvisionRetry:   retry.Policy{Attempts: cfg.ProvisionAttempts, Delay: time.Minute, MaxDelay: 10 * time.Minute},
		TerminateRetry:   retry.Policy{Attempts: terminateAttempts, Delay: 5 * time.Second, MaxDelay: time.Minute},
		TerminateTimeout: 10 * time.Minute,
		MaxRuntime:       cfg.MaxRuntime,
	}
}

func loadStartupScript(path string, vars map[string]string) (string, error) {
	if path == "" {
		return "", nil
	}

	data, err := os.ReadFile(path)

	if err != nil {
		return "", err
	}

	return executor.Expand(string(data), vars), nil
}
