package cloud

import (
	"context"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const gcpLabel = "gpuspot"

type GCPConfig struct {
	Project      string
	Zone         string
	Image        string
	MachineTypes map[string]string
	Prices       map[string]float64
	Timeout      time.Duration
	Options      []option.ClientOption
}

type gcp struct {
	computeService *compute.Service
	project        string
	zone           string
	image          string
	machineTypes   map[string]string
	prices         map[string]float64
	timeout        time.Duration
}

// NewGCP returns a Provider creating preemptible Compute Engine VMs with one
// guest accelerator. The Compute API publishes no spot prices, so offers are
// priced from config.Prices and GPU types without a price are never offered.
func NewGCP(ctx context.Context, config GCPConfig) (Provider, error) {
	opts := config.Options

	if len(opts) == 0 {
		httpClient, err := google.DefaultClient(ctx, compute.CloudPlatformScope)

		if err != nil {
			return nil, errors.Wrap(err, "gcp http client")
		}

		opts = []option.ClientOption{option.WithHTTPClient(httpClient)}
	}

	computeService, err := compute.NewService(ctx, opts...)

	if err != nil {
		return nil, errors.Wrap(err, "gcp compute service")
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	image := config.Image
	if image == "" {
		image = "projects/deeplearning-platform-release/global/images/family/common-cu121-ubuntu-2204"
	}

	return &gcp{
		computeService: computeService,
		project:        config.Project,
		zone:           config.Zone,
		image:          image,
		machineTypes:   config.MachineTypes,
		prices:         config.Prices,
		timeout:        timeout,
	}, nil
}

func (g *gcp) Name() string {
	return "gcp"
}

func (g *gcp) ListOffers(ctx context.Context, gpuType string) ([]Offer, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.computeService.AcceleratorTypes.List(g.project, g.zone).Context(ctx).Do()

	if err != nil {
		return nil, g.classify("gcp list accelerator types", err)
	}

	var offers []Offer

	for _, accelerator := range resp.Items {
		gpu := GPUTypeFromAccelerator(accelerator.Name)

		if gpuType != "" && !strings.EqualFold(gpu, gpuType) {
			continue
		}

		price, ok := g.prices[gpu]
		if !ok {
			continue
		}

		offers = append(offers, Offer{
			ID:           accelerator.Name + "@" + g.zone,
			InstanceType: g.machineType(gpu),
			GPUType:      gpu,
			GPUCount:     1,
			PricePerHour: price,
			Region:       g.zone,
		})
	}

	return offers, nil
}

func (g *gcp) machineType(gpu string) string {
	if machineType, ok := g.machineTypes[gpu]; ok {
		return machineType
	}

	return "n1-standard-8"
}

func (g *gcp) CreateInstance(ctx context.Context, offer Offer, opts CreateOptions) (*Instance, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	prefix := "projects/" + g.project
	accelerator := strings.TrimSuffix(offer.ID, "@"+g.zone)

	image := opts.Image
	if image == "" {
		image = g.image
	}

	labels := map[string]string{gcpLabel: "true"}
	for k, v := range opts.Labels {
		labels[k] = v
	}

	var metadata []*compute.MetadataItems

	if opts.StartupScript != "" {
		metadata = append(metadata, &compute.MetadataItems{
			Key:   "startup-script",
			Value: googleapi.String(opts.StartupScript),
		})
	}

	if opts.SSHPublicKey != "" {
		metadata = append(metadata, &compute.MetadataItems{
			Key:   "ssh-keys",
			Value: googleapi.String(opts.SSHPublicKey),
		})
	}

	instance := &compute.Instance{
		Name:        opts.Hostname,
		Description: opts.Description,
		MachineType: prefix + "/zones/" + g.zone + "/machineTypes/" + offer.InstanceType,
		Disks: []*compute.AttachedDisk{
			{
				AutoDelete: true,
				Boot:       true,
				Type:       "PERSISTENT",
				DeviceName: opts.Hostname,
				InitializeParams: &compute.AttachedDiskInitializeParams{
					SourceImage: image,
					DiskSizeGb:  200,
				},
			},
		},
		GuestAccelerators: []*compute.AcceleratorConfig{
			{
				AcceleratorCount: int64(offer.GPUCount),
				AcceleratorType:  prefix + "/zones/" + g.zone + "/acceleratorTypes/" + accelerator,
			},
		},
		NetworkInterfaces: []*compute.NetworkInterface{
			{
				Network: prefix + "/global/networks/default",
				AccessConfigs: []*compute.AccessConfig{
					{
						NetworkTier: "STANDARD",
					},
				},
			},
		},
		Labels:   labels,
		Metadata: &compute.Metadata{Items: metadata},
		Scheduling: &compute.Scheduling{
			AutomaticRestart:  googleapi.Bool(false),
			OnHostMaintenance: "TERMINATE",
			Preemptible:       true,
		},
	}

	op, err := g.computeService.Instances.Insert(g.project, g.zone, instance).Context(ctx).Do()

	if err != nil {
		if isGCPQuota(err) {
			return nil, &QuotaError{Offer: offer.ID, Reason: err.Error()}
		}

		return nil, g.classify("gcp add instance", err)
	}

	if op.Error != nil {
		for _, e := range op.Error.Errors {
			switch e.Code {
			case "QUOTA_EXCEEDED", "ZONE_RESOURCE_POOL_EXHAUSTED", "ZONE_RESOURCE_POOL_EXHAUSTED_WITH_DETAILS":
				return nil, &QuotaError{Offer: offer.ID, Reason: e.Message}
			}
		}

		return nil, &TransportError{Op: "gcp add instance", Err: errors.Errorf("operation %s failed", op.Name)}
	}

	return &Instance{
		ID:        instance.Name,
		Hostname:  instance.Name,
		Status:    StatusRequested,
		Offer:     offer,
		CreatedAt: time.Now(),
	}, nil
}

func (g *gcp) GetStatus(ctx context.Context, id string) (*Instance, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.computeService.Instances.Get(g.project, g.zone, id).Context(ctx).Do()

	if err != nil {
		if isGCPStatus(err, http.StatusNotFound) {
			return nil, &NotFoundError{ID: id}
		}

		return nil, g.classify("gcp get instance", err)
	}

	return g.toInstance(resp), nil
}

func (g *gcp) DeleteInstance(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	_, err := g.computeService.Instances.Delete(g.project, g.zone, id).Context(ctx).Do()

	if err != nil && !isGCPStatus(err, http.StatusNotFound) {
		return g.classify("gcp delete instance", err)
	}

	return nil
}

func (g *gcp) Instances(ctx context.Context) ([]*Instance, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.computeService.Instances.List(g.project, g.zone).Filter("labels." + gcpLabel + "=true").Context(ctx).Do()

	if err != nil {
		return nil, g.classify("gcp list instances", err)
	}

	instances := make([]*Instance, len(resp.Items))

	for i, instance := range resp.Items {
		instances[i] = g.toInstance(instance)
	}

	return instances, nil
}

func (g *gcp) toInstance(instance *compute.Instance) *Instance {
	var address string

	for _, iface := range instance.NetworkInterfaces {
		for _, access := range iface.AccessConfigs {
			if access.NatIP != "" {
				address = access.NatIP
			}
		}
	}

	result := &Instance{
		ID:       instance.Name,
		Hostname: instance.Name,
		Address:  address,
		Status:   gcpStatus(instance.Status, address),
		Offer: Offer{
			InstanceType: path.Base(instance.MachineType),
			Region:       g.zone,
		},
	}

	if len(instance.GuestAccelerators) > 0 {
		accelerator := path.Base(instance.GuestAccelerators[0].AcceleratorType)
		result.Offer.ID = accelerator + "@" + g.zone
		result.Offer.GPUType = GPUTypeFromAccelerator(accelerator)
		result.Offer.GPUCount = int(instance.GuestAccelerators[0].AcceleratorCount)
		result.Offer.PricePerHour = g.prices[result.Offer.GPUType]
	}

	if t, err := time.Parse(time.RFC3339, instance.CreationTimestamp); err == nil {
		result.CreatedAt = t
	}

	return result
}

func (g *gcp) classify(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusUnauthorized || (apiErr.Code == http.StatusForbidden && !isGCPQuota(err)) {
			return &AuthError{Provider: g.Name(), Err: err}
		}

		return &TransportError{Op: op, StatusCode: apiErr.Code, Err: err}
	}

	return &TransportError{Op: op, Err: err}
}

func isGCPStatus(err error, code int) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func isGCPQuota(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}

	if apiErr.Code == http.StatusTooManyRequests {
		return true
	}

	for _, item := range apiErr.Errors {
		switch item.Reason {
		case "quotaExceeded", "rateLimitExceeded", "resourcePoolExhausted":
			return true
		}
	}

	return false
}

func gcpStatus(status, address string) Status {
	switch status {
	case "PROVISIONING", "STAGING":
		return StatusBooting
	case "RUNNING":
		if address != "" {
			return StatusReady
		}

		return StatusBooting
	case "STOPPING", "SUSPENDING":
		return StatusTerminating
	case "TERMINATED", "STOPPED", "SUSPENDED":
		return StatusTerminated
	case "REPAIRING":
		return StatusFailed
	default:
		return StatusBooting
	}
}

// GPUTypeFromAccelerator maps accelerator names such as "nvidia-tesla-t4" or
// "nvidia-h100-80gb" to GPU type tokens ("T4", "H100").
func GPUTypeFromAccelerator(name string) string {
	parts := strings.Split(strings.ToLower(name), "-")

	for _, part := range parts {
		switch part {
		case "nvidia", "tesla":
			continue
		}

		return strings.ToUpper(part)
	}

	return strings.ToUpper(name)
}
