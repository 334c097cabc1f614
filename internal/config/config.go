package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	ProviderDataCrunch = "datacrunch"
	ProviderGCP        = "gcp"
)

// Config is the typed view of the flat option set of the gpuspot commands.
type Config struct {
	Provider   string
	DataCrunch DataCrunchConfig
	GCP        GCPConfig

	RequiredGPU string
	PriceCap    float64
	Image       string

	SSH SSHConfig
	Job JobConfig

	Plan       string
	Dataset    string
	Output     string
	HFToken    string
	WandbToken string

	ReadinessTimeout   time.Duration
	PollInterval       time.Duration
	MonitorInterval    time.Duration
	MonitorMaxFailures int
	ProvisionAttempts  uint
	TerminateAttempts  uint
	CloudTimeout       time.Duration
	SSHTimeout         time.Duration
	MaxRuntime         time.Duration

	Ledger    string
	Artifacts string
	AWS       AWSConfig
	Influxdb  InfluxdbConfig
	AMQP      string

	LogLevel  string
	LogFormat string
}

type DataCrunchConfig struct {
	URL          string
	ClientID     string
	ClientSecret string
}

type GCPConfig struct {
	Project      string
	Zone         string
	Prices       map[string]float64
	MachineTypes map[string]string
}

type SSHConfig struct {
	KeyPath    string
	User       string
	KnownHosts string
	Insecure   bool
}

type JobConfig struct {
	Name    string
	Command string
	Dir     string
}

// AWSConfig describes an S3 compatible artifact bucket that an s3:// URL
// cannot express, such as a custom endpoint.
type AWSConfig struct {
	Bucket   string
	Region   string
	Endpoint string
	ID       string
	Secret   string
}

type InfluxdbConfig struct {
	Addr   string
	Token  string
	Bucket string
	Org    string
}

// MissingError lists every required option that is absent or invalid.
type MissingError struct {
	Options []string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("missing or invalid configuration: %s", strings.Join(e.Options, ", "))
}

func Load(v *viper.Viper) (*Config, error) {
	prices, err := ParsePrices(v.GetString("gcp-prices"))

	if err != nil {
		return nil, errors.Wrap(err, "gcp-prices")
	}

	machineTypes, err := ParseMap(v.GetString("gcp-machine-types"))

	if err != nil {
		return nil, errors.Wrap(err, "gcp-machine-types")
	}

	return &Config{
		Provider: strings.ToLower(v.GetString("provider")),
		DataCrunch: DataCrunchConfig{
			URL:          v.GetString("datacrunch-url"),
			ClientID:     v.GetString("datacrunch-client-id"),
			ClientSecret: v.GetString("datacrunch-client-secret"),
		},
		GCP: GCPConfig{
			Project:      v.GetString("gcp-project"),
			Zone:         v.GetString("gcp-zone"),
			Prices:       prices,
			MachineTypes: machineTypes,
		},
		RequiredGPU: strings.ToUpper(strings.TrimSpace(v.GetString("required-gpu"))),
		PriceCap:    v.GetFloat64("price-cap"),
		Image:       v.GetString("image"),
		SSH: SSHConfig{
			KeyPath:    v.GetString("ssh-key-path"),
			User:       v.GetString("ssh-user"),
			KnownHosts: v.GetString("ssh-known-hosts"),
			Insecure:   v.GetBool("ssh-insecure"),
		},
		Job: JobConfig{
			Name:    v.GetString("job-name"),
			Command: v.GetString("job-command"),
			Dir:     v.GetString("job-dir"),
		},
		Plan:               v.GetString("plan"),
		Dataset:            v.GetString("dataset"),
		Output:             v.GetString("output"),
		HFToken:            v.GetString("hf-token"),
		WandbToken:         v.GetString("wandb-token"),
		ReadinessTimeout:   v.GetDuration("readiness-timeout"),
		PollInterval:       v.GetDuration("poll-interval"),
		MonitorInterval:    v.GetDuration("monitor-interval"),
		MonitorMaxFailures: v.GetInt("monitor-max-failures"),
		ProvisionAttempts:  v.GetUint("provision-attempts"),
		TerminateAttempts:  v.GetUint("terminate-attempts"),
		CloudTimeout:       v.GetDuration("cloud-timeout"),
		SSHTimeout:         v.GetDuration("ssh-timeout"),
		MaxRuntime:         v.GetDuration("max-runtime"),
		Ledger:             v.GetString("ledger"),
		Artifacts:          v.GetString("artifacts"),
		AWS: AWSConfig{
			Bucket:   v.GetString("aws-bucket"),
			Region:   v.GetString("aws-region"),
			Endpoint: v.GetString("aws-endpoint"),
			ID:       v.GetString("aws-id"),
			Secret:   v.GetString("aws-secret"),
		},
		Influxdb: InfluxdbConfig{
			Addr:   v.GetString("influxdb"),
			Token:  v.GetString("influxdb-token"),
			Bucket: v.GetString("influxdb-bucket"),
			Org:    v.GetString("influxdb-org"),
		},
		AMQP:      v.GetString("amqp"),
		LogLevel:  v.GetString("log-level"),
		LogFormat: v.GetString("log-format"),
	}, nil
}

// ValidateProvider checks what every command talking to the cloud needs.
func (c *Config) ValidateProvider() error {
	return missing(c.providerErrors())
}

// Validate checks everything a full run needs.
func (c *Config) Validate() error {
	options := c.providerErrors()

	if c.RequiredGPU == "" {
		options = append(options, "required-gpu")
	}

	if c.PriceCap <= 0 {
		options = append(options, "price-cap")
	}

	if c.Job.Name == "" {
		options = append(options, "job-name")
	}

	if c.Job.Command == "" {
		options = append(options, "job-command")
	}

	if c.Plan == "" {
		options = append(options, "plan")
	}

	if c.SSH.KeyPath == "" {
		options = append(options, "ssh-key-path")
	}

	if c.ReadinessTimeout <= 0 {
		options = append(options, "readiness-timeout")
	}

	if c.MaxRuntime < 0 {
		options = append(options, "max-runtime")
	}

	return missing(options)
}

func (c *Config) providerErrors() []string {
	var options []string

	switch c.Provider {
	case ProviderDataCrunch:
		if c.DataCrunch.ClientID == "" {
			options = append(options, "datacrunch-client-id")
		}

		if c.DataCrunch.ClientSecret == "" {
			options = append(options, "datacrunch-client-secret")
		}
	case ProviderGCP:
		if c.GCP.Project == "" {
			options = append(options, "gcp-project")
		}

		if c.GCP.Zone == "" {
			options = append(options, "gcp-zone")
		}

		if len(c.GCP.Prices) == 0 {
			options = append(options, "gcp-prices")
		}
	default:
		options = append(options, "provider")
	}

	return options
}

func missing(options []string) error {
	if len(options) == 0 {
		return nil
	}

	return &MissingError{Options: options}
}

// Secrets returns the credential values that must never reach a log.
func (c *Config) Secrets() []string {
	var secrets []string

	for _, secret := range []string{
		c.DataCrunch.ClientSecret,
		c.HFToken,
		c.WandbToken,
		c.AWS.Secret,
		c.Influxdb.Token,
	} {
		if secret != "" {
			secrets = append(secrets, secret)
		}
	}

	return secrets
}

// Vars are the placeholders available to bootstrap plans.
func (c *Config) Vars() map[string]string {
	return map[string]string{
		"JOB_NAME":          c.Job.Name,
		"JOB_DIR":           c.Job.Dir,
		"DATASET":           c.Dataset,
		"OUTPUT":            c.Output,
		"HF_TOKEN":          c.HFToken,
		"HUGGINGFACE_TOKEN": c.HFToken,
		"WANDB_API_KEY":     c.WandbToken,
		"WANDB_TOKEN":       c.WandbToken,
		"REQUIRED_GPU":      c.RequiredGPU,
	}
}

// ParsePrices parses a "H100=2.5,A100=1.1" list. GPU names are upper cased.
func ParsePrices(s string) (map[string]float64, error) {
	pairs, err := ParseMap(s)

	if err != nil {
		return nil, err
	}

	prices := make(map[string]float64, len(pairs))

	for gpu, value := range pairs {
		price, err := strconv.ParseFloat(value, 64)

		if err != nil || price <= 0 {
			return nil, errors.Errorf("invalid price %q for %s", value, gpu)
		}

		prices[strings.ToUpper(gpu)] = price
	}

	return prices, nil
}

// ParseMap parses a "key=value,key=value" list.
func ParseMap(s string) (map[string]string, error) {
	out := map[string]string{}

	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
			return nil, errors.Errorf("invalid entry %q, expected key=value", pair)
		}

		out[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}

	return out, nil
}
