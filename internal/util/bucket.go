package util

import (
	"context"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"gpuspot/internal/storage"
)

func Download(ctx context.Context, bucket storage.Bucket, key string, path string) error {
	log.WithFields(log.Fields{"key": key, "path": path}).Debug("download")

	data, err := bucket.Get(ctx, key)

	if err != nil {
		return errors.Wrapf(err, "download %s", key)
	}

	return os.WriteFile(path, data, 0o644)
}

func Upload(ctx context.Context, bucket storage.Bucket, key string, path string) error {
	log.WithFields(log.Fields{"key": key, "path": path}).Debug("upload")

	data, err := os.ReadFile(path)

	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}

	return errors.Wrapf(bucket.Store(ctx, key, data), "upload %s", key)
}
