package cloud

import (
	"context"
	"time"
)

// Provider is the typed surface of a cloud provider API. Implementations do
// not retry; every retry decision belongs to the caller, and CreateInstance in
// particular must never be repeated implicitly since each call is billable.
type Provider interface {
	Name() string
	ListOffers(ctx context.Context, gpuType string) ([]Offer, error)
	CreateInstance(ctx context.Context, offer Offer, opts CreateOptions) (*Instance, error)
	GetStatus(ctx context.Context, id string) (*Instance, error)
	DeleteInstance(ctx context.Context, id string) error
	Instances(ctx context.Context) ([]*Instance, error)
}

// Offer is an immutable snapshot of a purchasable spot configuration.
type Offer struct {
	ID           string
	InstanceType string
	GPUType      string
	GPUCount     int
	PricePerHour float64
	Region       string
}

type CreateOptions struct {
	Hostname      string
	Description   string
	Image         string
	StartupScript string
	SSHPublicKey  string
	Labels        map[string]string
}

type Instance struct {
	ID        string
	Hostname  string
	Address   string
	Status    Status
	Offer     Offer
	CreatedAt time.Time
}

// Advance moves the instance to status s if the lifecycle allows it and
// reports whether the status changed.
func (i *Instance) Advance(s Status) bool {
	if !i.Status.CanTransition(s) {
		return false
	}

	i.Status = s
	return true
}
