// Package s3 stores item images in an S3-compatible bucket.
package s3

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kimhsiao/postbills/backend/internal/remote"
)

// Config holds S3 connection configuration.
type Config struct {
	// Endpoint is the service host, with or without scheme. Without a scheme
	// https is assumed.
	Endpoint       string
	BucketName     string
	AccessKey      string
	SecretKey      string
	Region         string
	ForcePathStyle bool // Use path-style URLs (minio, localstack)

	// PublicBaseURL, when set, is the prefix of the URLs handed out for
	// uploaded objects, e.g. a CDN bound to the bucket.
	PublicBaseURL string
}

// Client implements remote.ObjectStore for S3-compatible storage.
type Client struct {
	config     *Config
	scheme     string
	host       string
	httpClient *http.Client
	now        func() time.Time
}

// NewClient creates a new Client.
func NewClient(config *Config) *Client {
	scheme, host := "https", config.Endpoint
	if i := strings.Index(host, "://"); i >= 0 {
		scheme, host = host[:i], host[i+3:]
	}
	host = strings.TrimSuffix(host, "/")

	return &Client{
		config: config,
		scheme: scheme,
		host:   host,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		now: time.Now,
	}
}

// Upload implements remote.ObjectStore.
func (c *Client) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req, err := c.createRequest(ctx, http.MethodPut, key, data)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = int64(len(data))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return remote.TransportError("upload", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return remote.StatusError("upload", resp.StatusCode, string(body))
	}
	return nil
}

// Download fetches an object.
func (c *Client) Download(ctx context.Context, key string) ([]byte, error) {
	req, err := c.createRequest(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, remote.TransportError("download", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, remote.StatusError("download "+key, resp.StatusCode, string(body))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, remote.TransportError("download", err)
	}
	return data, nil
}

// Delete implements remote.ObjectStore.
func (c *Client) Delete(ctx context.Context, key string) error {
	req, err := c.createRequest(ctx, http.MethodDelete, key, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return remote.TransportError("delete", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return remote.StatusError("delete", resp.StatusCode, string(body))
	}
	return nil
}

// URL implements remote.ObjectStore. Objects are assumed publicly readable
// under PublicBaseURL, or under the bucket URL when it is empty.
func (c *Client) URL(_ context.Context, key string) (string, error) {
	if c.config.PublicBaseURL != "" {
		return strings.TrimSuffix(c.config.PublicBaseURL, "/") + "/" + escapePath(key), nil
	}
	host, path := c.location(key)
	return c.scheme + "://" + host + path, nil
}

// location returns the request host and escaped path of key.
func (c *Client) location(key string) (host, path string) {
	if c.config.ForcePathStyle {
		// http://endpoint/bucket/key
		return c.host, "/" + escapePath(c.config.BucketName) + "/" + escapePath(key)
	}
	// http://bucket.endpoint/key
	return c.config.BucketName + "." + c.host, "/" + escapePath(key)
}

// createRequest creates a request signed with AWS Signature V4.
func (c *Client) createRequest(ctx context.Context, method, key string, body []byte) (*http.Request, error) {
	host, path := c.location(key)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.scheme+"://"+host+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Host = host

	amzDate := c.now().UTC().Format("20060102T150405Z")
	payloadHash := hex.EncodeToString(hashSHA256(body))

	req.Header.Set("X-Amz-Date", amzDate)
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)
	req.Header.Set("Authorization", c.authorization(method, host, path, amzDate, payloadHash))
	return req, nil
}

const signedHeaders = "host;x-amz-content-sha256;x-amz-date"

// authorization calculates the AWS V4 authorization header.
func (c *Client) authorization(method, host, path, amzDate, payloadHash string) string {
	dateStamp := amzDate[:8]
	scope := fmt.Sprintf("%s/%s/s3/aws4_request", dateStamp, c.config.Region)

	canonicalHeaders := fmt.Sprintf("host:%s\nx-amz-content-sha256:%s\nx-amz-date:%s\n",
		host, payloadHash, amzDate)
	canonicalRequest := strings.Join([]string{
		method,
		path,
		"", // query
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")

	algorithm := "AWS4-HMAC-SHA256"
	stringToSign := strings.Join([]string{
		algorithm,
		amzDate,
		scope,
		hex.EncodeToString(hashSHA256([]byte(canonicalRequest))),
	}, "\n")

	kDate := hmacSHA256([]byte("AWS4"+c.config.SecretKey), dateStamp)
	kRegion := hmacSHA256(kDate, c.config.Region)
	kService := hmacSHA256(kRegion, "s3")
	kSigning := hmacSHA256(kService, "aws4_request")
	signature := hex.EncodeToString(hmacSHA256(kSigning, stringToSign))

	return fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		algorithm, c.config.AccessKey, scope, signedHeaders, signature)
}

// escapePath URI-encodes each segment of p.
func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = strings.ReplaceAll(url.PathEscape(s), "+", "%2B")
	}
	return strings.Join(segments, "/")
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func hashSHA256(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

var _ remote.ObjectStore = (*Client)(nil)
