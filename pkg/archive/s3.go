// Package archive keeps a copy of every merge backup in an S3-compatible
// bucket, so an unmerge can proceed when the database copy is gone.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/Gobusters/ectologger"

	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/errs"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/models"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/tracing"
)

const DefaultPrefix = "merge-backups"

// Config selects the bucket. Endpoint and PathStyle serve MinIO; empty
// credentials fall back to the default AWS chain.
type Config struct {
	Bucket          string
	Region          string
	Prefix          string
	Endpoint        string
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
}

// S3Archive stores backups as JSON objects under <prefix>/<tenant>/<action id>.json.
type S3Archive struct {
	client *s3.Client
	bucket string
	prefix string
	logger ectologger.Logger
}

func New(ctx context.Context, cfg Config, logger ectologger.Logger) (*S3Archive, error) {
	if cfg.Bucket == "" {
		return nil, errs.Validation("archive bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, cfg.Bucket, cfg.Prefix, logger), nil
}

func NewWithClient(client *s3.Client, bucket, prefix string, logger ectologger.Logger) *S3Archive {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &S3Archive{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

// Key is the object key of one action's backup.
func (a *S3Archive) Key(tenantID, actionID string) string {
	return a.prefix + "/" + tenantID + "/" + actionID + ".json"
}

func (a *S3Archive) Put(ctx context.Context, tenantID string, backup models.Backup) error {
	ctx, span := tracing.StartSpan(ctx, "archive.S3Archive.Put")
	defer span.End()

	if backup.MergeActionID == "" {
		return errs.Validation("backup has no merge action id")
	}
	body, err := json.Marshal(backup)
	if err != nil {
		return fmt.Errorf("encode backup %s: %w", backup.MergeActionID, err)
	}
	key := a.Key(tenantID, backup.MergeActionID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"tenant-id":      tenantID,
			"backup-version": fmt.Sprint(backup.Version),
		},
	})
	if err != nil {
		a.logger.WithContext(ctx).WithError(err).WithField("key", key).Error("Failed to archive merge backup")
		return errs.Transient(err, "archive backup %s", backup.MergeActionID)
	}
	return nil
}

func (a *S3Archive) Get(ctx context.Context, tenantID, actionID string) (*models.Backup, error) {
	ctx, span := tracing.StartSpan(ctx, "archive.S3Archive.Get")
	defer span.End()

	key := a.Key(tenantID, actionID)
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if isNotFound(err) {
		return nil, errs.NotFound("no archived backup at %s", key)
	}
	if err != nil {
		return nil, errs.Transient(err, "read archived backup %s", key)
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errs.Transient(err, "read archived backup %s", key)
	}
	var backup models.Backup
	if err := json.Unmarshal(raw, &backup); err != nil {
		return nil, errs.BackupUnavailable("archived backup %s is corrupt: %v", key, err)
	}
	return &backup, nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var status interface{ HTTPStatusCode() int }
	return errors.As(err, &status) && status.HTTPStatusCode() == http.StatusNotFound
}
