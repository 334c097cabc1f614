package provision

import (
	"fmt"
	"time"

	"gpuspot/internal/cloud"
)

// NoOfferError means the catalog had nothing passing the price gate. The
// caller should raise the cap or retry later rather than abort.
type NoOfferError struct {
	GPU      string
	PriceCap float64
	Seen     int
}

func (e *NoOfferError) Error() string {
	return fmt.Sprintf("no %s offer at or below $%.3f/h (%d offers seen)", e.GPU, e.PriceCap, e.Seen)
}

type ProvisionTimeoutError struct {
	InstanceID string
	Timeout    time.Duration
	LastStatus cloud.Status
}

func (e *ProvisionTimeoutError) Error() string {
	return fmt.Sprintf("instance %s not ready after %s (last status %s)", e.InstanceID, e.Timeout, e.LastStatus)
}

type ProvisionError struct {
	InstanceID string
	Reason     string
	Err        error
}

func (e *ProvisionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("instance %s: %s: %v", e.InstanceID, e.Reason, e.Err)
	}

	return fmt.Sprintf("instance %s: %s", e.InstanceID, e.Reason)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// CreateError is a create call that failed for a reason other than quota.
// The instance may exist regardless, so the call must not be repeated.
type CreateError struct {
	Offer string
	Err   error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("create instance from offer %s: %v", e.Offer, e.Err)
}

func (e *CreateError) Unwrap() error { return e.Err }

// CleanupError is returned when provisioning failed and the instance it
// created could not be deleted. Instance is still live and billing.
type CleanupError struct {
	Instance *cloud.Instance
	Cause    error
	Err      error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("%v; cleanup of instance %s failed: %v", e.Cause, e.Instance.ID, e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Cause }
