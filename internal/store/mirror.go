package store

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/sirupsen/logrus"
)

// Mirror is an optional, best-effort secondary copy of the Artifact Store.
// It is never consulted to answer "does this stage exist?" — the local tree
// is always the sole index. A mirror failure is logged and otherwise
// ignored.
type Mirror interface {
	Copy(localPath, key string) error
}

// S3Mirror asynchronously uploads artifacts to an S3-compatible bucket,
// following a "local is authoritative, remote is best-effort" split.
type S3Mirror struct {
	client *s3.S3
	bucket string
	log    *logrus.Entry
}

// S3MirrorConfig configures an S3-compatible mirror target.
type S3MirrorConfig struct {
	Bucket    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	PathStyle bool
}

// NewS3Mirror builds an S3Mirror, or returns (nil, nil) if cfg.Bucket is
// empty — the mirror is entirely optional.
func NewS3Mirror(cfg S3MirrorConfig) (*S3Mirror, error) {
	if cfg.Bucket == "" {
		return nil, nil
	}

	awsCfg := aws.NewConfig().
		WithRegion(cfg.Region).
		WithS3ForcePathStyle(cfg.PathStyle)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint)
	}
	if cfg.AccessKey != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""))
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("store: s3 mirror session: %w", err)
	}

	return &S3Mirror{
		client: s3.New(sess),
		bucket: cfg.Bucket,
		log:    logrus.WithField("component", "store.mirror"),
	}, nil
}

// Copy uploads the file at localPath to the mirror under key. Transient
// network errors are retried once after a short backoff.
func (m *S3Mirror) Copy(localPath, key string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read local artifact: %w", err)
	}

	_, err = m.client.PutObject(&s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		time.Sleep(250 * time.Millisecond)
		_, err = m.client.PutObject(&s3.PutObjectInput{
			Bucket: aws.String(m.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
	}
	return err
}
