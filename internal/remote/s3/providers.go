package s3

import (
	"fmt"
	"strings"
)

// Provider presets for the buckets the app is deployed against.

// AWS S3 regional endpoints.
var awsEndpoints = map[string]string{
	"us-east-1":      "s3.amazonaws.com",
	"us-east-2":      "s3.us-east-2.amazonaws.com",
	"us-west-1":      "s3.us-west-1.amazonaws.com",
	"us-west-2":      "s3.us-west-2.amazonaws.com",
	"eu-west-1":      "s3.eu-west-1.amazonaws.com",
	"eu-central-1":   "s3.eu-central-1.amazonaws.com",
	"ap-northeast-1": "s3.ap-northeast-1.amazonaws.com",
	"ap-southeast-1": "s3.ap-southeast-1.amazonaws.com",
	"ap-southeast-2": "s3.ap-southeast-2.amazonaws.com",
}

// NewAWSClient creates a client for AWS S3 with virtual-host style URLs.
// An empty region means us-east-1; unknown regions use the global endpoint.
func NewAWSClient(bucket, accessKey, secretKey, region, publicBaseURL string) *Client {
	if region == "" {
		region = "us-east-1"
	}
	endpoint, ok := awsEndpoints[region]
	if !ok {
		endpoint = "s3.amazonaws.com"
	}
	return NewClient(&Config{
		Endpoint:      "https://" + endpoint,
		BucketName:    bucket,
		AccessKey:     accessKey,
		SecretKey:     secretKey,
		Region:        region,
		PublicBaseURL: publicBaseURL,
	})
}

// NewMinIOClient creates a client for MinIO, which requires path-style URLs.
func NewMinIOClient(endpoint, bucket, accessKey, secretKey string, useSSL bool, publicBaseURL string) (*Client, error) {
	endpoint, err := ParseEndpoint(endpoint, useSSL)
	if err != nil {
		return nil, err
	}
	return NewClient(&Config{
		Endpoint:       endpoint,
		BucketName:     bucket,
		AccessKey:      accessKey,
		SecretKey:      secretKey,
		Region:         "us-east-1", // MinIO ignores the region but signing needs one
		ForcePathStyle: true,
		PublicBaseURL:  publicBaseURL,
	}), nil
}

// NewR2Client creates a client for Cloudflare R2. R2 objects are only
// public through a bound custom domain, so publicBaseURL is required.
func NewR2Client(accountID, bucket, accessKey, secretKey, publicBaseURL string) (*Client, error) {
	if !IsValidR2AccountID(accountID) {
		return nil, fmt.Errorf("invalid R2 account id %q", accountID)
	}
	if publicBaseURL == "" {
		return nil, fmt.Errorf("R2 requires a public base URL")
	}
	return NewClient(&Config{
		Endpoint:      fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID),
		BucketName:    bucket,
		AccessKey:     accessKey,
		SecretKey:     secretKey,
		Region:        "auto",
		PublicBaseURL: publicBaseURL,
	}), nil
}

// ParseEndpoint adds a scheme to endpoint when it has none.
func ParseEndpoint(endpoint string, useSSL bool) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if useSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}
	return strings.TrimSuffix(endpoint, "/"), nil
}

// IsValidR2AccountID reports whether id looks like a Cloudflare account id:
// 32 hex characters.
func IsValidR2AccountID(id string) bool {
	if len(id) != 32 {
		return false
	}
	for _, c := range id {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}
