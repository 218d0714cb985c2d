// Package publish copies finished HLS output to object storage. VoD
// renditions are synced once after the pipeline stops; live renditions
// are followed while the pipeline runs, uploading each segment as the
// playlist announces it.
package publish

import (
	"context"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"

	"github.com/hlspipe/hlspipe/pkg/config"
)

const maxRetries = 5

// Store is the object storage surface the publisher writes through; it
// exists so tests can substitute an in-memory implementation.
type Store interface {
	Put(ctx context.Context, key string, body io.ReadSeeker, contentType string) error
}

type s3Store struct {
	svc    *s3.S3
	bucket string
}

// ParseURL splits an s3://bucket/prefix destination. A bare bucket gets
// an empty prefix.
func ParseURL(s3Url string) (bucket, prefix string) {
	s3Url = strings.TrimPrefix(s3Url, "s3://")
	if idx := strings.Index(s3Url, "/"); idx != -1 {
		return s3Url[:idx], strings.Trim(s3Url[idx+1:], "/")
	}
	return s3Url, ""
}

// NewS3Store opens an S3 session against the configured region.
func NewS3Store(conf config.S3Config, bucket string) (Store, error) {
	sess, err := session.NewSession(&aws.Config{
		Credentials: credentials.NewStaticCredentials(
			conf.AccessKey,
			conf.Secret,
			"",
		),
		Region: aws.String(conf.Region),
	})
	if err != nil {
		return nil, errors.Wrap(err, "opening s3 session")
	}
	return &s3Store{svc: s3.New(sess), bucket: bucket}, nil
}

func (s *s3Store) Put(ctx context.Context, key string, body io.ReadSeeker, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}

	var err error
	for retry := 0; retry <= maxRetries; retry++ {
		if _, err = body.Seek(0, io.SeekStart); err != nil {
			return err
		}
		if _, err = s.svc.PutObjectWithContext(ctx, input); err == nil {
			return nil
		}
	}
	return errors.Wrapf(err, "uploading %s", key)
}

func contentTypeFor(name string) string {
	switch {
	case strings.HasSuffix(name, ".m3u8"):
		return "application/x-mpegURL"
	case strings.HasSuffix(name, ".ts"):
		return "video/mp2t"
	}
	return "application/octet-stream"
}
