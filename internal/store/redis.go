package store

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const redisKey = "gpuspot:instances"

type redisLedger struct {
	client *redis.Client
}

func NewRedis(ctx context.Context, url string) (Ledger, error) {
	opts, err := redis.ParseURL(url)

	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis %s", opts.Addr)
	}

	return &redisLedger{client: client}, nil
}

func (r *redisLedger) Save(ctx context.Context, record Record) error {
	data, err := encode(record)

	if err != nil {
		return err
	}

	return r.client.HSet(ctx, redisKey, record.InstanceID, data).Err()
}

func (r *redisLedger) Delete(ctx context.Context, instanceID string) error {
	return r.client.HDel(ctx, redisKey, instanceID).Err()
}

func (r *redisLedger) List(ctx context.Context) ([]Record, error) {
	values, err := r.client.HGetAll(ctx, redisKey).Result()

	if err != nil {
		return nil, errors.Wrap(err, "list records")
	}

	records := make([]Record, 0, len(values))

	for id, value := range values {
		record, err := decode([]byte(value))

		if err != nil {
			return nil, errors.Wrapf(err, "record %s", id)
		}

		records = append(records, record)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	return records, nil
}

func (r *redisLedger) Close() error {
	return r.client.Close()
}
