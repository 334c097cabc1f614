package store

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"gpuspot/internal/storage"
)

// Record is a created instance whose deletion has not been confirmed yet.
type Record struct {
	InstanceID   string    `yaml:"instanceId"`
	Provider     string    `yaml:"provider"`
	RunID        string    `yaml:"runId"`
	Job          string    `yaml:"job"`
	Address      string    `yaml:"address,omitempty"`
	Offer        string    `yaml:"offer"`
	PricePerHour float64   `yaml:"pricePerHour"`
	CreatedAt    time.Time `yaml:"createdAt"`
}

// Ledger persists records so that instances survive a controller crash.
type Ledger interface {
	Save(ctx context.Context, record Record) error
	Delete(ctx context.Context, instanceID string) error
	List(ctx context.Context) ([]Record, error)
	Close() error
}

// Open returns a redis ledger for redis:// and rediss:// URLs and a blob
// ledger for anything storage.Open accepts.
func Open(ctx context.Context, url string) (Ledger, error) {
	if strings.HasPrefix(url, "redis://") || strings.HasPrefix(url, "rediss://") {
		return NewRedis(ctx, url)
	}

	bucket, err := storage.Open(ctx, url)

	if err != nil {
		return nil, errors.Wrap(err, "ledger")
	}

	return NewBlob(bucket), nil
}

func encode(record Record) ([]byte, error) {
	data, err := yaml.Marshal(record)

	if err != nil {
		return nil, errors.Wrapf(err, "encode record %s", record.InstanceID)
	}

	return data, nil
}

func decode(data []byte) (Record, error) {
	var record Record

	if err := yaml.Unmarshal(data, &record); err != nil {
		return record, errors.Wrap(err, "decode record")
	}

	return record, nil
}
