package store

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"gpuspot/internal/storage"
)

const blobPrefix = "instances/"

type blobLedger struct {
	bucket storage.Bucket
}

// NewBlob stores one YAML object per record under instances/.
func NewBlob(bucket storage.Bucket) Ledger {
	return &blobLedger{bucket: bucket}
}

func (b *blobLedger) Save(ctx context.Context, record Record) error {
	data, err := encode(record)

	if err != nil {
		return err
	}

	return b.bucket.Store(ctx, blobPrefix+record.InstanceID+".yaml", data)
}

func (b *blobLedger) Delete(ctx context.Context, instanceID string) error {
	return b.bucket.Delete(ctx, blobPrefix+instanceID+".yaml")
}

func (b *blobLedger) List(ctx context.Context) ([]Record, error) {
	keys, err := b.bucket.List(ctx, blobPrefix)

	if err != nil {
		return nil, errors.Wrap(err, "list records")
	}

	records := make([]Record, 0, len(keys))

	for _, key := range keys {
		data, err := b.bucket.Get(ctx, key)

		if storage.IsNotFound(err) {
			continue
		}

		if err != nil {
			return nil, errors.Wrapf(err, "read %s", key)
		}

		record, err := decode(data)

		if err != nil {
			return nil, errors.Wrapf(err, "record %s", key)
		}

		records = append(records, record)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	return records, nil
}

func (b *blobLedger) Close() error {
	return b.bucket.Close()
}
