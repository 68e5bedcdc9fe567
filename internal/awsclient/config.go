// Package awsclient loads the shared AWS configuration and builds the
// service clients the storefront uses.
package awsclient

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/safar/storefront/internal/config"
)

const defaultRegion = "us-east-1"

func LoadConfig(ctx context.Context, region string) (aws.Config, error) {
	if region == "" {
		region = defaultRegion
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return cfg, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return cfg, nil
}

// Clients bundles the service clients. A client is nil when the feature
// that needs it is not configured.
type Clients struct {
	S3  *s3.Client
	SQS *sqs.Client
}

func New(ctx context.Context, cfg config.AWSConfig) (*Clients, error) {
	clients := &Clients{}
	if cfg.S3Bucket == "" && cfg.OrderEventsQueue == "" {
		return clients, nil
	}

	awsCfg, err := LoadConfig(ctx, cfg.Region)
	if err != nil {
		return nil, err
	}

	if cfg.S3Bucket != "" {
		clients.S3 = s3.NewFromConfig(awsCfg)
	}
	if cfg.OrderEventsQueue != "" {
		clients.SQS = sqs.NewFromConfig(awsCfg)
	}

	return clients, nil
}
