package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"gpuspot/internal/cloud"
	"gpuspot/internal/executor"
	"gpuspot/internal/metric"
	"gpuspot/internal/monitor"
	"gpuspot/internal/provision"
	"gpuspot/internal/queue"
	"gpuspot/internal/retry"
)

type Provisioner interface {
	Acquire(ctx context.Context, requiredGPU string, priceCap float64, readinessTimeout time.Duration) (*cloud.Instance, error)
}

type Executor interface {
	Run(ctx context.Context, plan *executor.Plan, instance *cloud.Instance) ([]executor.StepResult, error)
	Launch(ctx context.Context, instance *cloud.Instance, command string) error
	Fetch(ctx context.Context, instance *cloud.Instance, file string, lines int) (string, error)
}

type Monitor interface {
	Watch(ctx context.Context, instance *cloud.Instance, job *monitor.JobRun) (monitor.State, error)
}

type Terminator interface {
	DeleteInstance(ctx context.Context, id string) error
}

type Ledger interface {
	Forget(ctx context.Context, id string) error
}

type Notifier interface {
	Notify(event queue.Event) error
}

type Archiver interface {
	Store(ctx context.Context, key string, data []byte) error
}

// Dependencies are the collaborators of a run. Ledger, Notifier, Metric and
// Archive are optional.
type Dependencies struct {
	Provisioner Provisioner
	Executor    Executor
	Monitor     Monitor
	Terminator  Terminator
	Ledger      Ledger
	Notifier    Notifier
	Metric      metric.Client
	Archive     Archiver
}

type Config struct {
	RunID            string
	Provider         string
	RequiredGPU      string
	PriceCap         float64
	ReadinessTimeout time.Duration
	ProvisionRetry   retry.Policy
	TerminateRetry   retry.Policy
	TerminateTimeout time.Duration
	MaxRuntime       time.Duration
	MetricInterval   time.Duration
	LogLines         int
}

// Controller drives one job on one instance from provisioning to
// termination. Every path that created an instance goes through Terminating.
type Controller struct {
	deps   Dependencies
	config Config
	logger *log.Entry

	mu       sync.Mutex
	phase    Phase
	entered  time.Time
	history  []Transition
	instance *cloud.Instance
	acquired time.Time
}

func New(deps Dependencies, config Config, logger *log.Entry) *Controller {
	if deps.Metric == nil {
		deps.Metric = &metric.Null{}
	}

	if config.TerminateTimeout <= 0 {
		config.TerminateTimeout = 5 * time.Minute
	}

	if config.MetricInterval <= 0 {
		config.MetricInterval = time.Minute
	}

	if config.LogLines <= 0 {
		config.LogLines = 200
	}

	return &Controller{
		deps:    deps,
		config:  config,
		logger:  logger.WithField("run", config.RunID),
		phase:   PhaseIdle,
		entered: time.Now(),
	}
}

func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.phase
}

// Instance returns the live instance, if any.
func (c *Controller) Instance() *cloud.Instance {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.instance
}

func (c *Controller) setInstance(instance *cloud.Instance) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.instance = instance
	c.acquired = time.Now()
}

func (c *Controller) Run(ctx context.Context, plan *executor.Plan, job *monitor.JobRun) *Outcome {
	out := &Outcome{RunID: c.config.RunID, Job: job.State}

	tickCtx, stopTicker := context.WithCancel(context.Background())
	defer stopTicker()

	c.transition(PhaseProvisioning)

	instance, err := c.provision(ctx)

	if err != nil {
		var cleanup *provision.CleanupError
		if errors.As(err, &cleanup) {
			c.setInstance(cleanup.Instance)
			out.InstanceID = cleanup.Instance.ID
		}

		return c.fail(ctx, out, job, err)
	}

	c.setInstance(instance)
	out.InstanceID = instance.ID
	c.trackCost(instance)
	go c.deps.Metric.Ticker(tickCtx, c.config.MetricInterval)

	c.transition(PhaseBootstrapping)

	steps, err := c.deps.Executor.Run(ctx, plan.WithDeadline(c.config.MaxRuntime), instance)
	out.Steps = steps

	if err != nil {
		return c.fail(ctx, out, job, err)
	}

	c.transition(PhaseRunning)

	if err := c.deps.Executor.Launch(ctx, instance, job.LaunchCommand()); err != nil {
		return c.fail(ctx, out, job, err)
	}

	job.Started(time.Now())
	out.Job = job.State

	c.transition(PhaseMonitoring)

	state, err := c.deps.Monitor.Watch(ctx, instance, job)
	out.Job = state

	if err != nil {
		return c.fail(ctx, out, job, err)
	}

	if state == monitor.StateFailed {
		out.FailedIn = PhaseMonitoring
		out.Err = &JobFailedError{Job: job.Name, ExitCode: job.ExitCode, Reason: job.Reason}
		c.logger.WithError(out.Err).Warn("job failed")
	} else {
		c.logger.WithField("job", job.Name).Info("job succeeded")
	}

	c.finish(out, job)
	return out
}

func (c *Controller) provision(ctx context.Context) (*cloud.Instance, error) {
	logger := c.logger.WithFields(log.Fields{
		"phase": PhaseProvisioning,
		"gpu":   c.config.RequiredGPU,
		"cap":   c.config.PriceCap,
	})

	return retry.Value(ctx, c.config.ProvisionRetry, logger, func(ctx context.Context) (*cloud.Instance, error) {
		return c.deps.Provisioner.Acquire(ctx, c.config.RequiredGPU, c.config.PriceCap, c.config.ReadinessTimeout)
	}, retryableProvision)
}

// retryableProvision never retries a failed create nor once an instance is
// left behind.
func retryableProvision(err error) bool {
	var cleanup *provision.CleanupError
	var create *provision.CreateError
	if errors.As(err, &cleanup) || errors.As(err, &create) {
		return false
	}

	var noOffer *provision.NoOfferError
	return errors.As(err, &noOffer) || cloud.IsQuota(err) || cloud.IsTransport(err)
}

func (c *Controller) fail(ctx context.Context, out *Outcome, job *monitor.JobRun, err error) *Outcome {
	out.FailedIn = c.Phase()
	out.Err = err
	out.Interrupted = ctx.Err() != nil

	c.logger.WithError(err).WithFields(log.Fields{
		"phase":       out.FailedIn,
		"interrupted": out.Interrupted,
	}).Error("run failed")

	c.transition(PhaseFailed)

	if c.Instance() == nil {
		out.Phase = c.Phase()
		out.History = c.History()
		c.report(out)
		return out
	}

	c.finish(out, job)
	return out
}

// finish archives what can still be collected and terminates the instance.
func (c *Controller) finish(out *Outcome, job *monitor.JobRun) {
	c.archive(out, job)
	c.terminate(out)

	out.Phase = c.Phase()
	out.History = c.History()
	c.report(out)
}

// terminate runs on its own context: the run context may be cancelled.
func (c *Controller) terminate(out *Outcome) {
	c.transition(PhaseTerminating)

	instance := c.Instance()
	instance.Advance(cloud.StatusTerminating)

	logger := c.logger.WithField("instance", instance.ID)

	ctx, cancel := context.WithTimeout(context.Background(), c.config.TerminateTimeout)
	defer cancel()

	err := retry.Do(ctx, c.config.TerminateRetry, logger, func(ctx context.Context) error {
		err := c.deps.Terminator.DeleteInstance(ctx, instance.ID)

		if cloud.IsNotFound(err) {
			return nil
		}

		return err
	}, func(err error) bool {
		return !cloud.IsAuth(err)
	})

	if err != nil {
		out.Termination = &TerminationError{InstanceID: instance.ID, Err: err}

		logger.WithError(err).WithField("alert", true).
			Error("instance could not be terminated and may still be billing, delete it manually or run reap")

		c.notify(queue.Event{
			Type:       queue.EventAlert,
			Phase:      string(PhaseTerminating),
			InstanceID: instance.ID,
			Message:    out.Termination.Error(),
			ExitCode:   ExitTerminationFailure,
		})

		return
	}

	instance.Advance(cloud.StatusTerminated)
	logger.Info("instance terminated")

	if c.deps.Ledger != nil {
		if err := c.deps.Ledger.Forget(ctx, instance.ID); err != nil {
			logger.WithError(err).Warn("unable to remove instance from ledger")
		}
	}

	c.transition(PhaseDone)
}

func (c *Controller) transition(next Phase) {
	c.mu.Lock()

	from := c.phase
	if !from.CanTransition(next) {
		c.mu.Unlock()
		c.logger.WithFields(log.Fields{"from": from, "to": next}).Error("invalid lifecycle transition")
		return
	}

	now := time.Now()
	spent := now.Sub(c.entered)

	c.phase = next
	c.entered = now
	c.history = append(c.history, Transition{From: from, To: next, At: now})

	var instanceID string
	if c.instance != nil {
		instanceID = c.instance.ID
	}

	c.mu.Unlock()

	c.logger.WithFields(log.Fields{"from": from, "to": next, "instance": instanceID}).Info("lifecycle transition")

	if from != PhaseIdle {
		c.send(&metric.DurationMetric{
			RowMetric: metric.RowMetric{Name: "gpuspot_phase_duration", Tags: c.tags(metric.Tags{"phase": string(from)})},
			Duration:  spent,
		})
	}

	c.notify(queue.Event{Type: queue.EventTransition, Phase: string(next), InstanceID: instanceID})
}

func (c *Controller) History() []Transition {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]Transition(nil), c.history...)
}

func (c *Controller) notify(event queue.Event) {
	if c.deps.Notifier == nil {
		return
	}

	event.RunID = c.config.RunID

	if err := c.deps.Notifier.Notify(event); err != nil {
		c.logger.WithError(err).WithField("event", event.Type).Warn("unable to publish event")
	}
}

func (c *Controller) send(metrics ...metric.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c.deps.Metric.Send(ctx, metrics...)
}

func (c *Controller) tags(extra metric.Tags) metric.Tags {
	tags := metric.Tags{"run": c.config.RunID, "provider": c.config.Provider, "gpu": c.config.RequiredGPU}
	for k, v := range extra {
		tags[k] = v
	}
	return tags
}

// cost is the spend estimate since the instance was acquired.
func (c *Controller) cost() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.instance == nil || c.acquired.IsZero() {
		return 0
	}

	return c.instance.Offer.PricePerHour * time.Since(c.acquired).Hours()
}

func (c *Controller) trackCost(instance *cloud.Instance) {
	c.deps.Metric.Add(&metric.GaugeMetric{
		RowMetric: metric.RowMetric{Name: "gpuspot_instance_cost", Tags: c.tags(metric.Tags{"instance": instance.ID})},
		Value:     c.cost,
	})
}

func (c *Controller) report(out *Outcome) {
	code := out.ExitCode()

	fields := metric.Fields{"exit_code": code, "cost": c.cost()}
	c.send(&metric.EventMetric{
		RowMetric: metric.RowMetric{Name: "gpuspot_run", Tags: c.tags(metric.Tags{"phase": string(out.Phase), "job": string(out.Job)})},
		Fields:    fields,
	})

	event := queue.Event{Type: queue.EventOutcome, Phase: string(out.Phase), InstanceID: out.InstanceID, ExitCode: code}
	if out.Err != nil {
		event.Message = out.Err.Error()
	}
	c.notify(event)

	c.logger.WithFields(log.Fields{
		"phase":    out.Phase,
		"failedIn": out.FailedIn,
		"job":      out.Job,
		"exit":     code,
		"cost":     fields["cost"],
	}).Info("run finished")
}
