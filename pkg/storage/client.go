// Package storage provides read-only object-storage access used to verify
// repository state before any destructive operation: a probe for the
// repository marker object, and scope discovery under the storage root.
// Write access belongs to the backup engine, never to this client.
package storage

import (
	"context"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dtc-ops/imageprep/pkg/errors"
)

// Client provides read-only S3 operations against the storage root bucket.
type Client struct {
	s3Client *s3.Client
	bucket   string
}

// NewClient creates an S3 client using the ambient credential chain.
func NewClient(ctx context.Context, bucket, region string) (*Client, error) {
	slog.Info("s3_client_init", "bucket", bucket, "region", region)

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return &Client{
		s3Client: s3.NewFromConfig(cfg),
		bucket:   bucket,
	}, nil
}

// RepositoryExists probes for the repository marker object under the given
// scope prefix. A repository created by the backup engine always writes a
// "config" object at its root, so its presence is a reliable read-only
// signal that the remote repository is already initialized.
func (c *Client) RepositoryExists(ctx context.Context, scopePrefix string) (bool, error) {
	key := strings.TrimSuffix(scopePrefix, "/") + "/config"
	slog.Info("s3_repo_probe", "bucket", c.bucket, "key", key)

	_, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404") {
			slog.Info("s3_repo_absent", "key", key)
			return false, nil
		}
		slog.Error("s3_repo_probe_failed", "key", key, "error", err)
		return false, errors.Wrap(err, "repository probe failed")
	}

	slog.Info("s3_repo_present", "key", key)
	return true, nil
}

// ListScopes enumerates scope prefixes directly under the storage root.
func (c *Client) ListScopes(ctx context.Context) ([]string, error) {
	slog.Info("s3_list_scopes", "bucket", c.bucket)

	input := &s3.ListObjectsV2Input{
		Bucket:    aws.String(c.bucket),
		Delimiter: aws.String("/"),
	}

	var scopes []string
	paginator := s3.NewListObjectsV2Paginator(c.s3Client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			slog.Error("s3_list_scopes_failed", "error", err)
			return nil, errors.Wrap(err, "failed to list scopes")
		}
		for _, prefix := range page.CommonPrefixes {
			if prefix.Prefix != nil {
				scopes = append(scopes, strings.TrimSuffix(*prefix.Prefix, "/"))
			}
		}
	}

	slog.Info("s3_list_scopes_complete", "scope_count", len(scopes))
	return scopes, nil
}
