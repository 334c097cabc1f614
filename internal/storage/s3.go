package storage

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/pkg/errors"
	"gocloud.dev/blob/s3blob"
)

// NewS3 opens an S3 bucket with an explicit configuration, for S3 compatible
// endpoints that the s3:// URL form cannot describe.
func NewS3(ctx context.Context, bucketName string, config *aws.Config) (Bucket, error) {
	sess, err := session.NewSession(config)

	if err != nil {
		return nil, errors.Wrap(err, "aws session")
	}

	b, err := s3blob.OpenBucket(ctx, sess, bucketName, nil)

	if err != nil {
		return nil, errors.Wrapf(err, "open bucket %s", bucketName)
	}

	return &bucket{bucket: b}, nil
}
