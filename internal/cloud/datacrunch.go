package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	DefaultDataCrunchURL   = "https://api.datacrunch.io/v1"
	DefaultDataCrunchImage = "ubuntu-24.04-cuda-12.8-open"
)

type DataCrunchConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

type dataCrunch struct {
	baseURL string
	client  *http.Client
	timeout time.Duration

	mu      sync.Mutex
	scripts map[string]string
}

// NewDataCrunch returns a Provider speaking the DataCrunch public API. The
// bearer token comes from the client-credentials exchange and lives only in memory.
func NewDataCrunch(config DataCrunchConfig) (Provider, error) {
	if config.ClientID == "" || config.ClientSecret == "" {
		return nil, errors.New("datacrunch client id and secret are required")
	}

	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultDataCrunchURL
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	credentials := &clientcredentials.Config{
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
		TokenURL:     baseURL + "/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	// the token source keeps this context for every refresh, so it must
	// outlive any single run context
	tokenCtx := context.Background()
	if config.HTTPClient != nil {
		tokenCtx = context.WithValue(tokenCtx, oauth2.HTTPClient, config.HTTPClient)
	}

	client := credentials.Client(tokenCtx)
	client.Timeout = timeout

	return &dataCrunch{
		baseURL: baseURL,
		client:  client,
		timeout: timeout,
		scripts: make(map[string]string),
	}, nil
}

func (d *dataCrunch) Name() string {
	return "datacrunch"
}

type price float64

func (p *price) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*p = 0
		return nil
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid price %q", s)
	}

	*p = price(v)
	return nil
}

type dcInstanceType struct {
	ID           string `json:"id"`
	InstanceType string `json:"instance_type"`
	PricePerHour price  `json:"price_per_hour"`
	SpotPrice    price  `json:"spot_price"`
	GPU          struct {
		Description  string `json:"description"`
		NumberOfGPUs int    `json:"number_of_gpus"`
	} `json:"gpu"`
}

type dcAvailability struct {
	LocationCode   string   `json:"location_code"`
	Availabilities []string `json:"availabilities"`
}

type dcInstance struct {
	ID           string `json:"id"`
	IP           string `json:"ip"`
	Status       string `json:"status"`
	InstanceType string `json:"instance_type"`
	Hostname     string `json:"hostname"`
	Location     string `json:"location"`
	PricePerHour price  `json:"price_per_hour"`
	IsSpot       bool   `json:"is_spot"`
	CreatedAt    string `json:"created_at"`
}

type dcSSHKey struct {
	ID string `json:"id"`
}

type dcCreateRequest struct {
	InstanceType    string   `json:"instance_type"`
	Image           string   `json:"image"`
	SSHKeyIDs       []string `json:"ssh_key_ids"`
	StartupScriptID string   `json:"startup_script_id,omitempty"`
	Hostname        string   `json:"hostname"`
	Description     string   `json:"description"`
	LocationCode    string   `json:"location_code"`
	IsSpot          bool     `json:"is_spot"`
}

type dcActionRequest struct {
	Action string   `json:"action"`
	ID     []string `json:"id"`
}

type apiError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}

	return e.Message
}

func (d *dataCrunch) ListOffers(ctx context.Context, gpuType string) ([]Offer, error) {
	var types []dcInstanceType

	if err := d.do(ctx, http.MethodGet, "/instance-types", nil, &types); err != nil {
		return nil, d.classify("datacrunch list instance types", err)
	}

	var availability []dcAvailability

	if err := d.do(ctx, http.MethodGet, "/instance-availability?is_spot=true", nil, &availability); err != nil {
		return nil, d.classify("datacrunch list availability", err)
	}

	byType := make(map[string]dcInstanceType, len(types))
	for _, t := range types {
		// a missing spot price would pass any price cap
		if t.SpotPrice <= 0 {
			continue
		}

		byType[t.InstanceType] = t
	}

	var offers []Offer

	for _, location := range availability {
		for _, name := range location.Availabilities {
			t, ok := byType[name]
			if !ok {
				continue
			}

			gpu := GPUTypeFromDescription(t.GPU.Description)
			if gpuType != "" && !strings.EqualFold(gpu, gpuType) {
				continue
			}

			offers = append(offers, Offer{
				ID:           t.InstanceType + "@" + location.LocationCode,
				InstanceType: t.InstanceType,
				GPUType:      gpu,
				GPUCount:     t.GPU.NumberOfGPUs,
				PricePerHour: float64(t.SpotPrice),
				Region:       location.LocationCode,
			})
		}
	}

	return offers, nil
}

func (d *dataCrunch) CreateInstance(ctx context.Context, offer Offer, opts CreateOptions) (*Instance, error) {
	var keys []dcSSHKey

	if err := d.do(ctx, http.MethodGet, "/ssh-keys", nil, &keys); err != nil {
		return nil, d.classify("datacrunch list ssh keys", err)
	}

	image := opts.Image
	if image == "" {
		image = DefaultDataCrunchImage
	}

	request := dcCreateRequest{
		InstanceType: offer.InstanceType,
		Image:        image,
		Hostname:     opts.Hostname,
		Description:  opts.Description,
		LocationCode: offer.Region,
		IsSpot:       true,
	}

	for _, key := range keys {
		request.SSHKeyIDs = append(request.SSHKeyIDs, key.ID)
	}

	if opts.StartupScript != "" {
		var scriptID string

		script := map[string]string{
			"name":   fmt.Sprintf("%s-%d", opts.Hostname, time.Now().Unix()),
			"script": opts.StartupScript,
		}

		if err := d.do(ctx, http.MethodPost, "/scripts", script, &scriptID); err != nil {
			return nil, d.classify("datacrunch create startup script", err)
		}

		request.StartupScriptID = scriptID
	}

	var id string

	if err := d.do(ctx, http.MethodPost, "/instances", request, &id); err != nil {
		d.deleteScript(request.StartupScriptID)

		var api *apiError
		if errors.As(err, &api) && api.StatusCode >= 400 && api.StatusCode < 500 &&
			api.StatusCode != http.StatusUnauthorized && api.StatusCode != http.StatusForbidden {
			return nil, &QuotaError{Offer: offer.ID, Reason: api.Error()}
		}

		return nil, d.classify("datacrunch create instance", err)
	}

	if request.StartupScriptID != "" {
		d.mu.Lock()
		d.scripts[id] = request.StartupScriptID
		d.mu.Unlock()
	}

	return &Instance{
		ID:        id,
		Hostname:  opts.Hostname,
		Status:    StatusRequested,
		Offer:     offer,
		CreatedAt: time.Now(),
	}, nil
}

func (d *dataCrunch) GetStatus(ctx context.Context, id string) (*Instance, error) {
	var instance dcInstance

	if err := d.do(ctx, http.MethodGet, "/instances/"+url.PathEscape(id), nil, &instance); err != nil {
		if isHTTPStatus(err, http.StatusNotFound) {
			return nil, &NotFoundError{ID: id}
		}

		return nil, d.classify("datacrunch get instance", err)
	}

	return instance.toInstance(), nil
}

func (d *dataCrunch) DeleteInstance(ctx context.Context, id string) error {
	request := dcActionRequest{Action: "delete", ID: []string{id}}

	if err := d.do(ctx, http.MethodPut, "/instances", request, nil); err != nil {
		if !isHTTPStatus(err, http.StatusNotFound) {
			return d.classify("datacrunch delete instance", err)
		}
	}

	d.mu.Lock()
	scriptID := d.scripts[id]
	delete(d.scripts, id)
	d.mu.Unlock()

	d.deleteScript(scriptID)

	return nil
}

func (d *dataCrunch) Instances(ctx context.Context) ([]*Instance, error) {
	var list []dcInstance

	if err := d.do(ctx, http.MethodGet, "/instances", nil, &list); err != nil {
		return nil, d.classify("datacrunch list instances", err)
	}

	instances := make([]*Instance, len(list))
	for i := range list {
		instances[i] = list[i].toInstance()
	}

	return instances, nil
}

func (d *dataCrunch) deleteScript(id string) {
	if id == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	body := map[string][]string{"scripts": {id}}

	if err := d.do(ctx, http.MethodDelete, "/scripts", body, nil); err != nil {
		log.WithError(err).WithField("script", id).Warn("unable to delete startup script")
	}
}

func (d *dataCrunch) do(ctx context.Context, method, path string, in interface{}, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var body io.Reader

	if in != nil {
		data, err := json.Marshal(in)

		if err != nil {
			return errors.Wrap(err, "encode request")
		}

		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, body)

	if err != nil {
		return errors.Wrap(err, "build request")
	}

	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)

	if err != nil {
		return err
	}

	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)

	if err != nil {
		return errors.Wrap(err, "read response")
	}

	if resp.StatusCode >= 300 {
		e := &apiError{}
		_ = json.Unmarshal(data, e)
		e.StatusCode = resp.StatusCode

		if e.Message == "" {
			e.Message = strings.TrimSpace(string(data))
		}

		return e
	}

	switch out := out.(type) {
	case nil:
		return nil
	case *string:
		*out = strings.Trim(strings.TrimSpace(string(data)), `"`)
		return nil
	default:
		return errors.Wrap(json.Unmarshal(data, out), "decode response")
	}
}

func (d *dataCrunch) classify(op string, err error) error {
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		return &AuthError{Provider: d.Name(), Err: err}
	}

	var api *apiError
	if errors.As(err, &api) {
		if api.StatusCode == http.StatusUnauthorized || api.StatusCode == http.StatusForbidden {
			return &AuthError{Provider: d.Name(), Err: api}
		}

		return &TransportError{Op: op, StatusCode: api.StatusCode, Err: api}
	}

	return &TransportError{Op: op, Err: err}
}

func isHTTPStatus(err error, code int) bool {
	var api *apiError
	return errors.As(err, &api) && api.StatusCode == code
}

func (i *dcInstance) toInstance() *Instance {
	instance := &Instance{
		ID:       i.ID,
		Hostname: i.Hostname,
		Address:  i.IP,
		Status:   dataCrunchStatus(i.Status, i.IP),
		Offer: Offer{
			ID:           i.InstanceType + "@" + i.Location,
			InstanceType: i.InstanceType,
			PricePerHour: float64(i.PricePerHour),
			Region:       i.Location,
		},
	}

	if t, err := time.Parse(time.RFC3339, i.CreatedAt); err == nil {
		instance.CreatedAt = t
	}

	return instance
}

func dataCrunchStatus(status, ip string) Status {
	switch strings.ToLower(status) {
	case "running":
		if ip != "" {
			return StatusReady
		}

		return StatusBooting
	case "deleting":
		return StatusTerminating
	case "offline", "discontinued", "deleted":
		return StatusTerminated
	case "error", "notfound", "no_capacity":
		return StatusFailed
	default:
		return StatusBooting
	}
}

var gpuFamilies = map[string]bool{"RTX": true, "TESLA": true, "NVIDIA": true, "QUADRO": true}

// GPUTypeFromDescription reduces a catalog description such as
// "8x H100 SXM5 80GB" or "1x RTX 4090 24GB" to a GPU type token ("H100", "RTX4090").
func GPUTypeFromDescription(description string) string {
	var prefix string

	for _, field := range strings.Fields(description) {
		upper := strings.ToUpper(field)

		if strings.HasSuffix(upper, "X") {
			if _, err := strconv.Atoi(strings.TrimSuffix(upper, "X")); err == nil {
				continue
			}
		}

		if gpuFamilies[upper] {
			if upper == "RTX" || upper == "QUADRO" {
				prefix += upper
			}
			continue
		}

		return prefix + upper
	}

	return prefix
}
