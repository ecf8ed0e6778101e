package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type S3ClientConfig struct {
	// Endpoint overrides the AWS endpoint, e.g. a MinIO url.
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// newS3Client uses the static keys when both are set, otherwise the default
// credential chain. Without any credentials it falls back to anonymous access
// so that public model buckets stay readable.
func newS3Client(ctx context.Context, cfg S3ClientConfig) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	static := cfg.AccessKeyID != "" && cfg.SecretAccessKey != ""
	if static {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	if !static {
		if awsCfg.Credentials == nil {
			awsCfg.Credentials = aws.AnonymousCredentials{}
		} else if _, err := awsCfg.Credentials.Retrieve(ctx); err != nil {
			slog.Info("no aws credentials found, using anonymous access", "endpoint", cfg.Endpoint)
			awsCfg.Credentials = aws.AnonymousCredentials{}
		}
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		// MinIO only serves path-style requests.
		o.UsePathStyle = true
	}), nil
}
