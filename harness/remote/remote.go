// Package remote configures the durable-storage backend a cluster's nodes
// upload to: nothing, a local filesystem directory, an S3-compatible mock
// server, or a real S3 bucket.
package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/golang/glog"
)

type Kind string

const (
	KindNone    Kind = ""
	KindLocalFS Kind = "local_fs"
	KindMockS3  Kind = "mock_s3"
	KindRealS3  Kind = "real_s3"
)

// Storage describes one remote-storage backend. The zero value means "no
// remote storage".
type Storage struct {
	Kind Kind

	// LocalFS
	LocalPath string

	// S3 (mock and real)
	Bucket    string
	Region    string
	Endpoint  string // non-empty for mock servers
	Prefix    string
	AccessKey string
	SecretKey string
}

// NewLocalFS stores "remote" data under the cluster working directory, which
// makes teardown cleanup a plain directory removal.
func NewLocalFS(repoDir, name string) *Storage {
	return &Storage{
		Kind:      KindLocalFS,
		LocalPath: filepath.Join(repoDir, name),
	}
}

// NewMockS3 points the nodes at an S3-compatible mock server reachable at
// endpoint. Credentials are arbitrary but must be non-empty for the SDK.
func NewMockS3(endpoint, bucket, prefix string) *Storage {
	return &Storage{
		Kind:      KindMockS3,
		Bucket:    bucket,
		Region:    "us-east-1",
		Endpoint:  endpoint,
		Prefix:    prefix,
		AccessKey: "test",
		SecretKey: "test",
	}
}

// NewRealS3FromEnv reads the bucket coordinates CI provides.
func NewRealS3FromEnv(prefix string) (*Storage, error) {
	bucket := os.Getenv("REMOTE_STORAGE_S3_BUCKET")
	region := os.Getenv("REMOTE_STORAGE_S3_REGION")
	if bucket == "" || region == "" {
		return nil, fmt.Errorf("real S3 storage requires REMOTE_STORAGE_S3_BUCKET and REMOTE_STORAGE_S3_REGION")
	}
	return &Storage{
		Kind:   KindRealS3,
		Bucket: bucket,
		Region: region,
		Prefix: prefix,
	}, nil
}

// Enabled reports whether any backend is configured.
func (s *Storage) Enabled() bool {
	return s != nil && s.Kind != KindNone
}

// TOMLTable renders the backend as the `remote_storage` table embedded in a
// node's config.
func (s *Storage) TOMLTable() map[string]interface{} {
	switch s.Kind {
	case KindLocalFS:
		return map[string]interface{}{"local_path": s.LocalPath}
	case KindMockS3, KindRealS3:
		table := map[string]interface{}{
			"bucket_name":   s.Bucket,
			"bucket_region": s.Region,
		}
		if s.Prefix != "" {
			table["prefix_in_bucket"] = s.Prefix
		}
		if s.Endpoint != "" {
			table["endpoint"] = s.Endpoint
		}
		return table
	default:
		return nil
	}
}

// Client builds an S3 client for the backend; mock servers get static
// credentials and path-style addressing.
func (s *Storage) Client(ctx context.Context) (*s3.Client, error) {
	if s.Kind != KindMockS3 && s.Kind != KindRealS3 {
		return nil, fmt.Errorf("remote storage kind %q has no S3 client", s.Kind)
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(s.Region),
	}
	if s.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.AccessKey, s.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if s.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// EnsureBucket creates the bucket on mock servers; real buckets are
// provisioned outside the harness.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	if s.Kind != KindMockS3 {
		return nil
	}
	client, err := s.Client(ctx)
	if err != nil {
		return err
	}
	_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.Bucket)})
	if err != nil {
		var exists *s3types.BucketAlreadyOwnedByYou
		if errors.As(err, &exists) {
			return nil
		}
		return err
	}
	return nil
}

// Cleanup deletes everything the cluster uploaded. Real buckets are only
// cleaned under this run's prefix.
func (s *Storage) Cleanup(ctx context.Context) error {
	switch s.Kind {
	case KindNone:
		return nil
	case KindLocalFS:
		glog.V(1).Infof("removing local remote-storage dir %s", s.LocalPath)
		return os.RemoveAll(s.LocalPath)
	case KindMockS3, KindRealS3:
		return s.deleteAllObjects(ctx)
	default:
		return fmt.Errorf("unknown remote storage kind %q", s.Kind)
	}
}

func (s *Storage) deleteAllObjects(ctx context.Context) error {
	client, err := s.Client(ctx)
	if err != nil {
		return err
	}

	var continuation *string
	deleted := 0
	for {
		page, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.Bucket),
			Prefix:            aws.String(s.Prefix),
			ContinuationToken: continuation,
		})
		if err != nil {
			return err
		}
		if len(page.Contents) > 0 {
			objects := make([]s3types.ObjectIdentifier, 0, len(page.Contents))
			for _, obj := range page.Contents {
				objects = append(objects, s3types.ObjectIdentifier{Key: obj.Key})
			}
			if _, err := client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(s.Bucket),
				Delete: &s3types.Delete{Objects: objects},
			}); err != nil {
				return err
			}
			deleted += len(objects)
		}
		if page.IsTruncated == nil || !*page.IsTruncated {
			break
		}
		continuation = page.NextContinuationToken
	}
	glog.V(1).Infof("deleted %d objects under s3://%s/%s", deleted, s.Bucket, s.Prefix)
	return nil
}
