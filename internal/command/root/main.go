package root

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gpuspot/internal/cloud"
	"gpuspot/internal/config"
	"gpuspot/internal/logging"
	"gpuspot/internal/metric"
	"gpuspot/internal/queue"
	"gpuspot/internal/storage"
	"gpuspot/internal/store"
)

var Cmd = &cobra.Command{
	Use:   "gpuspot",
	Short: "Ephemeral GPU spot instance runner",
	Long:  `gpuspot provisions a spot GPU instance, bootstraps it, runs a training job on it and always tears it down`,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Usage()
	},
}

func Execute() {
	if err := Cmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(loadEnvFile)

	Cmd.PersistentFlags().String("env-file", ".env", "Environment file loaded before reading the environment")
	Cmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	Cmd.PersistentFlags().String("log-format", logging.FormatText, "Log format (text, json)")

	Cmd.PersistentFlags().String("provider", config.ProviderDataCrunch, "Cloud provider (datacrunch, gcp)")
	Cmd.PersistentFlags().String("datacrunch-url", cloud.DefaultDataCrunchURL, "DataCrunch API URL")
	Cmd.PersistentFlags().String("datacrunch-client-id", "", "DataCrunch client id")
	Cmd.PersistentFlags().String("datacrunch-client-secret", "", "DataCrunch client secret")
	Cmd.PersistentFlags().String("gcp-project", "", "GCP project")
	Cmd.PersistentFlags().String("gcp-zone", "", "GCP zone")
	Cmd.PersistentFlags().String("gcp-prices", "", "GCP spot prices per GPU type (H100=2.5,T4=0.2)")
	Cmd.PersistentFlags().String("gcp-machine-types", "", "GCP machine type per GPU type (T4=n1-standard-8)")
	Cmd.PersistentFlags().Duration("cloud-timeout", 0, "Timeout of a single cloud API call (provider default when 0)")

	Cmd.PersistentFlags().String("required-gpu", "", "GPU type to rent (H100, A100, T4...)")
	Cmd.PersistentFlags().Float64("price-cap", 0, "Maximum spot price per hour")
	Cmd.PersistentFlags().String("image", "", "Instance image (provider default when empty)")

	Cmd.PersistentFlags().String("ssh-key-path", "", "SSH private key (discovered in ~/.ssh when empty)")
	Cmd.PersistentFlags().String("ssh-user", "root", "SSH user")
	Cmd.PersistentFlags().String("ssh-known-hosts", "", "SSH known_hosts file (~/.ssh/known_hosts when empty)")
	Cmd.PersistentFlags().Bool("ssh-insecure", true, "Do not check host keys, spot instances are always new hosts")
	Cmd.PersistentFlags().Duration("ssh-timeout", 0, "Timeout of a single remote command (10m when 0)")

	Cmd.PersistentFlags().String("job-name", "train", "Job name, used for the remote log and exit files")
	Cmd.PersistentFlags().String("job-dir", "/root", "Remote working directory of the job")

	Cmd.PersistentFlags().String("ledger", ".gpuspot", "Instance ledger (redis:// URL, blob URL or local directory)")
	Cmd.PersistentFlags().String("artifacts", "", "Bucket for run reports and logs (blob URL or local directory)")

	Cmd.PersistentFlags().String("aws-bucket", "", "AWS bucket for artifacts, overrides --artifacts")
	Cmd.PersistentFlags().String("aws-region", "", "AWS region")
	Cmd.PersistentFlags().String("aws-endpoint", "", "AWS endpoint")
	Cmd.PersistentFlags().String("aws-id", "", "AWS id")
	Cmd.PersistentFlags().String("aws-secret", "", "AWS secret")

	Cmd.PersistentFlags().String("amqp", "", "RabbitMQ AMQP URL for lifecycle events and alerts")

	Cmd.PersistentFlags().String("influxdb", "", "InfluxDB endpoint")
	Cmd.PersistentFlags().String("influxdb-token", "", "InfluxDB token")
	Cmd.PersistentFlags().String("influxdb-bucket", "", "InfluxDB bucket")
	Cmd.PersistentFlags().String("influxdb-org", "", "InfluxDB organization")

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindPFlags(Cmd.PersistentFlags()); err != nil {
		log.WithError(err).Fatal("flag biding failed")
	}
}

func loadEnvFile() {
	path := viper.GetString("env-file")

	if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warnf("unable to load environment file '%s'", path)
	}
}

// LoadConfig reads the options and configures logging with secret redaction.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper())

	if err != nil {
		return nil, err
	}

	if err := logging.Setup(log.StandardLogger(), cfg.LogLevel, cfg.LogFormat, cfg.Secrets()); err != nil {
		return nil, err
	}

	return cfg, nil
}

func NewProvider(ctx context.Context, cfg *config.Config) (cloud.Provider, error) {
	switch cfg.Provider {
	case config.ProviderGCP:
		return cloud.NewGCP(ctx, cloud.GCPConfig{
			Project:      cfg.GCP.Project,
			Zone:         cfg.GCP.Zone,
			Image:        cfg.Image,
			MachineTypes: cfg.GCP.MachineTypes,
			Prices:       cfg.GCP.Prices,
			Timeout:      cfg.CloudTimeout,
		})
	default:
		return cloud.NewDataCrunch(cloud.DataCrunchConfig{
			BaseURL:      cfg.DataCrunch.URL,
			ClientID:     cfg.DataCrunch.ClientID,
			ClientSecret: cfg.DataCrunch.ClientSecret,
			Timeout:      cfg.CloudTimeout,
		})
	}
}

type Component struct {
	Ledger   store.Ledger
	Channel  queue.Channel
	Notifier *queue.Notifier
	Bucket   storage.Bucket
	Metric   metric.Client
}

// GetComponent connects the optional infrastructure. Queue, storage and
// metrics are skipped when not configured; Metric is never nil.
func GetComponent(ctx context.Context, cfg *config.Config, loadLedger, loadQueue, loadStorage, loadMetric bool) (*Component, error) {
	component := &Component{Metric: &metric.Null{Logger: log.WithField("component", "metric")}}

	if loadLedger {
		ledger, err := store.Open(ctx, cfg.Ledger)

		if err != nil {
			return nil, errors.Wrapf(err, "unable to open ledger '%s'", cfg.Ledger)
		}

		log.Infof("opened ledger '%s'", cfg.Ledger)
		component.Ledger = ledger
	}

	if loadQueue && cfg.AMQP != "" {
		channel, err := queue.NewRabbitMQ(cfg.AMQP)

		if err != nil {
			return nil, errors.Wrap(err, "unable to connect to queue")
		}

		notifier, err := queue.NewNotifier(channel)

		if err != nil {
			return nil, errors.Wrap(err, "unable to create queues")
		}

		log.Info("connected to queue")
		component.Channel = channel
		component.Notifier = notifier
	}

	if loadStorage {
		bucket, err := openArtifacts(ctx, cfg)

		if err != nil {
			return nil, err
		}

		component.Bucket = bucket
	}

	if loadMetric && cfg.Influxdb.Addr != "" {
		metricClient, err := metric.NewInfluxdb(metric.InfluxdbConfig{
			Addr:   cfg.Influxdb.Addr,
			Token:  cfg.Influxdb.Token,
			Bucket: cfg.Influxdb.Bucket,
			Org:    cfg.Influxdb.Org,
		}, log.WithField("component", "metric"))

		if err != nil {
			return nil, errors.Wrapf(err, "unable to connect to metrics '%s'", cfg.Influxdb.Addr)
		}

		log.Infof("connected to metrics '%s'", cfg.Influxdb.Addr)
		component.Metric = metricClient
	}

	return component, nil
}

func openArtifacts(ctx context.Context, cfg *config.Config) (storage.Bucket, error) {
	if cfg.AWS.Bucket != "" {
		bucket, err := storage.NewS3(ctx, cfg.AWS.Bucket, &aws.Config{
			Endpoint:    aws.String(cfg.AWS.Endpoint),
			Region:      aws.String(cfg.AWS.Region),
			Credentials: credentials.NewStaticCredentials(cfg.AWS.ID, cfg.AWS.Secret, ""),
		})

		if err != nil {
			return nil, errors.Wrapf(err, "unable to connect to storage '%s'", cfg.AWS.Bucket)
		}

		log.Infof("connected to storage '%s'", cfg.AWS.Bucket)
		return bucket, nil
	}

	if cfg.Artifacts == "" {
		return nil, nil
	}

	bucket, err := storage.Open(ctx, cfg.Artifacts)

	if err != nil {
		return nil, errors.Wrapf(err, "unable to connect to storage '%s'", cfg.Artifacts)
	}

	log.Infof("connected to storage '%s'", cfg.Artifacts)
	return bucket, nil
}

func (c *Component) Close() {
	if c.Ledger != nil {
		_ = c.Ledger.Close()
	}

	if c.Channel != nil {
		_ = c.Channel.Close()
	}

	if c.Bucket != nil {
		_ = c.Bucket.Close()
	}

	c.Metric.Close()
}
