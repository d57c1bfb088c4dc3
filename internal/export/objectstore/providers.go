// Provider-specific constructors. AWS and R2 use virtual-host style
// URLs; MinIO requires path-style.
package objectstore

import (
	"fmt"
	"strings"

	"github.com/caredock/caresync/internal/config"
)

// Default AWS S3 endpoints by region.
var awsEndpoints = map[string]string{
	"us-east-1":      "s3.amazonaws.com",
	"us-east-2":      "s3.us-east-2.amazonaws.com",
	"us-west-1":      "s3.us-west-1.amazonaws.com",
	"us-west-2":      "s3.us-west-2.amazonaws.com",
	"eu-west-1":      "s3.eu-west-1.amazonaws.com",
	"eu-west-2":      "s3.eu-west-2.amazonaws.com",
	"eu-west-3":      "s3.eu-west-3.amazonaws.com",
	"eu-central-1":   "s3.eu-central-1.amazonaws.com",
	"eu-north-1":     "s3.eu-north-1.amazonaws.com",
	"ap-northeast-1": "s3.ap-northeast-1.amazonaws.com",
	"ap-northeast-2": "s3.ap-northeast-2.amazonaws.com",
	"ap-southeast-1": "s3.ap-southeast-1.amazonaws.com",
	"ap-southeast-2": "s3.ap-southeast-2.amazonaws.com",
	"ap-south-1":     "s3.ap-south-1.amazonaws.com",
	"ca-central-1":   "s3.ca-central-1.amazonaws.com",
	"sa-east-1":      "s3.sa-east-1.amazonaws.com",
}

// AWSConfig holds AWS S3-specific settings.
type AWSConfig struct {
	BucketName string
	AccessKey  string
	SecretKey  string
	Region     string // Default: us-east-1
}

// NewAWSClient creates a client for AWS S3.
func NewAWSClient(cfg *AWSConfig) *Client {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	endpoint, ok := awsEndpoints[region]
	if !ok {
		// Global endpoint covers regions not in the table.
		endpoint = "s3.amazonaws.com"
	}

	return NewClient(&Config{
		Endpoint:       endpoint,
		BucketName:     cfg.BucketName,
		AccessKey:      cfg.AccessKey,
		SecretKey:      cfg.SecretKey,
		Region:         region,
		ForcePathStyle: false,
	})
}

// AWSEndpointForRegion returns the S3 endpoint for a region, or an
// error when the region is not recognized.
func AWSEndpointForRegion(region string) (string, error) {
	endpoint, ok := awsEndpoints[region]
	if !ok {
		return "", fmt.Errorf("unknown AWS region: %s", region)
	}
	return endpoint, nil
}

// MinIOConfig holds MinIO-specific settings.
type MinIOConfig struct {
	Endpoint   string // e.g. "localhost:9000" or "https://minio.example.com"
	BucketName string
	AccessKey  string
	SecretKey  string
	UseSSL     bool
}

// NewMinIOClient creates a client for a MinIO server.
func NewMinIOClient(cfg *MinIOConfig) *Client {
	endpoint := cfg.Endpoint

	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if cfg.UseSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}
	endpoint = strings.TrimSuffix(endpoint, "/")

	return NewClient(&Config{
		Endpoint:   endpoint,
		BucketName: cfg.BucketName,
		AccessKey:  cfg.AccessKey,
		SecretKey:  cfg.SecretKey,
		// MinIO ignores regions but signing needs one.
		Region:         "us-east-1",
		ForcePathStyle: true,
	})
}

// R2Config holds Cloudflare R2-specific settings.
type R2Config struct {
	AccountID  string
	BucketName string
	AccessKey  string
	SecretKey  string
}

// NewR2Client creates a client for Cloudflare R2.
func NewR2Client(cfg *R2Config) (*Client, error) {
	if cfg.AccountID == "" {
		return nil, fmt.Errorf("R2 account ID is required")
	}

	return NewClient(&Config{
		Endpoint:       R2EndpointForAccount(cfg.AccountID),
		BucketName:     cfg.BucketName,
		AccessKey:      cfg.AccessKey,
		SecretKey:      cfg.SecretKey,
		Region:         "auto",
		ForcePathStyle: false,
	}), nil
}

// R2EndpointForAccount returns the R2 endpoint for an account ID.
func R2EndpointForAccount(accountID string) string {
	return fmt.Sprintf("%s.r2.cloudflarestorage.com", accountID)
}

// FromConfig builds the client for the configured archive destination.
// Credentials arrive separately because they are kept encrypted at rest,
// never in the configuration file.
func FromConfig(cfg config.ArchiveConfig, accessKey, secretKey string) (*Client, error) {
	if accessKey == "" || secretKey == "" {
		return nil, fmt.Errorf("archive upload credentials are not configured")
	}

	switch cfg.Provider {
	case "aws":
		return NewAWSClient(&AWSConfig{
			BucketName: cfg.Bucket,
			AccessKey:  accessKey,
			SecretKey:  secretKey,
			Region:     cfg.Region,
		}), nil
	case "minio":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("archive.endpoint is required for the minio provider")
		}
		return NewMinIOClient(&MinIOConfig{
			Endpoint:   cfg.Endpoint,
			BucketName: cfg.Bucket,
			AccessKey:  accessKey,
			SecretKey:  secretKey,
			UseSSL:     strings.HasPrefix(cfg.Endpoint, "https://"),
		}), nil
	case "r2":
		return NewR2Client(&R2Config{
			AccountID:  cfg.AccountID,
			BucketName: cfg.Bucket,
			AccessKey:  accessKey,
			SecretKey:  secretKey,
		})
	default:
		return nil, fmt.Errorf("unknown archive provider: %s", cfg.Provider)
	}
}
