// Package objectstore reads template objects out of S3-compatible stores
// described by the orchestrator.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/containerd/errdefs"
	"github.com/sirupsen/logrus"

	"kvm-resource-agent/internal/model"
)

const defaultRegion = "us-east-1"

// Client opens objects on the store named in each request. Stores are
// described per request, so no SDK client is kept between calls.
type Client struct {
	logger *logrus.Entry
	region string
}

func NewClient(logger *logrus.Entry) *Client {
	return &Client{
		logger: logger.WithField("component", "objectstore"),
		region: defaultRegion,
	}
}

// Get opens bucket/key on store. The caller closes the returned body.
func (c *Client) Get(ctx context.Context, store *model.S3TO, key string) (io.ReadCloser, error) {
	if store == nil {
		return nil, fmt.Errorf("object store descriptor is nil: %w", errdefs.ErrInvalidArgument)
	}
	if store.BucketName == "" || key == "" {
		return nil, fmt.Errorf("bucket and key are required: %w", errdefs.ErrInvalidArgument)
	}

	api, err := c.newS3(ctx, store)
	if err != nil {
		return nil, err
	}

	key = strings.TrimPrefix(key, "/")
	c.logger.WithFields(logrus.Fields{
		"bucket":   store.BucketName,
		"s3_key":   key,
		"endpoint": store.EndPoint,
	}).Info("starting S3 download")

	resp, err := api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(store.BucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		var noBucket *types.NoSuchBucket
		if errors.As(err, &noKey) || errors.As(err, &noBucket) {
			return nil, fmt.Errorf("object %s/%s: %w", store.BucketName, key, errdefs.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get S3 object %s/%s: %w", store.BucketName, key, err)
	}
	return resp.Body, nil
}

func (c *Client) newS3(ctx context.Context, store *model.S3TO) (*s3.Client, error) {
	var cfg aws.Config
	if store.AccessKey != "" {
		cfg = aws.Config{
			Region:      c.region,
			Credentials: credentials.NewStaticCredentialsProvider(store.AccessKey, store.SecretKey, ""),
		}
	} else {
		loaded, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(c.region))
		if err != nil {
			loaded = aws.Config{Region: c.region, Credentials: aws.AnonymousCredentials{}}
		}
		cfg = loaded
	}

	endpoint := endpointURL(store)
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func endpointURL(store *model.S3TO) string {
	ep := strings.TrimSpace(store.EndPoint)
	if ep == "" {
		return ""
	}
	if strings.Contains(ep, "://") {
		return ep
	}
	if store.HTTPSFlag {
		return "https://" + ep
	}
	return "http://" + ep
}
