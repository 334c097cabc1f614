package store

import (
	"context"
	"time"

	"gpuspot/internal/cloud"
)

// Tracker records the instances of one run in a ledger.
type Tracker struct {
	Ledger   Ledger
	Provider string
	RunID    string
	Job      string
}

func (t *Tracker) Record(ctx context.Context, instance *cloud.Instance) error {
	createdAt := instance.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	return t.Ledger.Save(ctx, Record{
		InstanceID:   instance.ID,
		Provider:     t.Provider,
		RunID:        t.RunID,
		Job:          t.Job,
		Address:      instance.Address,
		Offer:        instance.Offer.ID,
		PricePerHour: instance.Offer.PricePerHour,
		CreatedAt:    createdAt,
	})
}

func (t *Tracker) Forget(ctx context.Context, id string) error {
	return t.Ledger.Delete(ctx, id)
}
