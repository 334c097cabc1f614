package provision

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"gpuspot/internal/cloud"
	"gpuspot/internal/retry"
)

// Recorder persists created instances until their deletion is confirmed, so
// that a supervisor can clean up after a crash.
type Recorder interface {
	Record(ctx context.Context, instance *cloud.Instance) error
	Forget(ctx context.Context, id string) error
}

type Config struct {
	PollInterval   time.Duration
	CleanupTimeout time.Duration
	RecordTimeout  time.Duration
	ListRetry      retry.Policy
	// Create.Hostname must be unique per run: it identifies an instance
	// whose create response was lost.
	Create         cloud.CreateOptions
}

type Provisioner struct {
	provider cloud.Provider
	recorder Recorder
	config   Config
	logger   *log.Entry
}

func New(provider cloud.Provider, recorder Recorder, config Config, logger *log.Entry) *Provisioner {
	if config.PollInterval <= 0 {
		config.PollInterval = 30 * time.Second
	}

	if config.CleanupTimeout <= 0 {
		config.CleanupTimeout = 2 * time.Minute
	}

	if config.RecordTimeout <= 0 {
		config.RecordTimeout = 30 * time.Second
	}

	return &Provisioner{provider: provider, recorder: recorder, config: config, logger: logger}
}

// Acquire returns a Ready instance for the cheapest acceptable offer. On any
// failure after a create succeeded, the instance is deleted before returning;
// if that deletion fails the error is a *CleanupError carrying the instance.
func (p *Provisioner) Acquire(ctx context.Context, requiredGPU string, priceCap float64, readinessTimeout time.Duration) (*cloud.Instance, error) {
	offers, err := retry.Value(ctx, p.config.ListRetry, p.logger, func(ctx context.Context) ([]cloud.Offer, error) {
		return p.provider.ListOffers(ctx, requiredGPU)
	}, cloud.IsTransport)

	if err != nil {
		return nil, errors.Wrap(err, "list offers")
	}

	candidates := Acceptable(offers, requiredGPU, priceCap)

	if len(candidates) == 0 {
		return nil, &NoOfferError{GPU: requiredGPU, PriceCap: priceCap, Seen: len(offers)}
	}

	instance, err := p.create(ctx, candidates)

	if err != nil {
		return nil, err
	}

	p.record(instance)

	if err := p.waitReady(ctx, instance, readinessTimeout); err != nil {
		return p.cleanup(instance, err)
	}

	return instance, nil
}

func (p *Provisioner) create(ctx context.Context, candidates []cloud.Offer) (*cloud.Instance, error) {
	var lastErr error

	for _, offer := range candidates {
		logger := p.logger.WithFields(log.Fields{
			"offer":  offer.ID,
			"gpu":    offer.GPUType,
			"price":  offer.PricePerHour,
			"region": offer.Region,
		})

		logger.Info("creating instance")

		instance, err := p.provider.CreateInstance(ctx, offer, p.config.Create)

		if err == nil {
			instance.Offer = offer
			logger.WithField("instance", instance.ID).Info("instance created")
			return instance, nil
		}

		if !cloud.IsQuota(err) {
			return nil, p.reconcile(&CreateError{Offer: offer.ID, Err: err})
		}

		logger.WithError(err).Warn("offer rejected, trying next")
		lastErr = err
	}

	return nil, errors.Wrap(lastErr, "every acceptable offer was rejected")
}

func (p *Provisioner) record(instance *cloud.Instance) {
	if p.recorder == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.config.RecordTimeout)
	defer cancel()

	if err := p.recorder.Record(ctx, instance); err != nil {
		p.logger.WithError(err).WithField("instance", instance.ID).Error("unable to record instance in ledger")
	}
}

// reconcile deletes any instance a failed create started anyway, found by
// hostname. It returns a *CleanupError if such an instance cannot be deleted.
func (p *Provisioner) reconcile(cause *CreateError) error {
	hostname := p.config.Create.Hostname

	if hostname == "" || cloud.IsAuth(cause.Err) {
		return cause
	}

	logger := p.logger.WithField("hostname", hostname)

	ctx, cancel := context.WithTimeout(context.Background(), p.config.CleanupTimeout)
	instances, err := p.provider.Instances(ctx)
	cancel()

	if err != nil {
		logger.WithError(err).WithField("alert", true).
			Error("unable to check whether the failed create started an instance, check the provider console")
		return cause
	}

	for _, instance := range instances {
		if instance.Hostname != hostname || instance.Status == cloud.StatusTerminating || instance.Status == cloud.StatusTerminated {
			continue
		}

		logger.WithField("instance", instance.ID).Warn("failed create started an instance")
		p.record(instance)

		if leaked, err := p.cleanup(instance, cause); leaked != nil {
			return err
		}
	}

	return cause
}

func (p *Provisioner) waitReady(ctx context.Context, instance *cloud.Instance, timeout time.Duration) error {
	logger := p.logger.WithField("instance", instance.ID)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		current, err := p.provider.GetStatus(ctx, instance.ID)

		switch {
		case err == nil:
			if current.Address != "" {
				instance.Address = current.Address
			}

			if instance.Advance(current.Status) {
				logger.WithField("status", instance.Status).Info("instance status changed")
			}

			switch current.Status {
			case cloud.StatusReady:
				return nil
			case cloud.StatusFailed, cloud.StatusTerminating, cloud.StatusTerminated:
				return &ProvisionError{InstanceID: instance.ID, Reason: "instance " + string(current.Status) + " while booting"}
			}
		case cloud.IsNotFound(err):
			return &ProvisionError{InstanceID: instance.ID, Reason: "instance disappeared while booting", Err: err}
		case cloud.IsTransport(err):
			logger.WithError(err).Warn("status poll failed")
		default:
			return &ProvisionError{InstanceID: instance.ID, Reason: "status poll", Err: err}
		}

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for instance")
		case <-deadline.C:
			return &ProvisionTimeoutError{InstanceID: instance.ID, Timeout: timeout, LastStatus: instance.Status}
		case <-ticker.C:
		}
	}
}

// cleanup runs on its own context: the caller's may already be cancelled.
func (p *Provisioner) cleanup(instance *cloud.Instance, cause error) (*cloud.Instance, error) {
	logger := p.logger.WithField("instance", instance.ID)
	logger.WithError(cause).Warn("provisioning failed, deleting instance")

	ctx, cancel := context.WithTimeout(context.Background(), p.config.CleanupTimeout)
	defer cancel()

	if instance.Status != cloud.StatusFailed {
		instance.Advance(cloud.StatusFailed)
	}

	instance.Advance(cloud.StatusTerminating)

	if err := p.provider.DeleteInstance(ctx, instance.ID); err != nil {
		return instance, &CleanupError{Instance: instance, Cause: cause, Err: err}
	}

	instance.Advance(cloud.StatusTerminated)
	logger.Info("instance deleted")

	if p.recorder != nil {
		if err := p.recorder.Forget(ctx, instance.ID); err != nil {
			logger.WithError(err).Warn("unable to remove instance from ledger")
		}
	}

	return nil, cause
}
