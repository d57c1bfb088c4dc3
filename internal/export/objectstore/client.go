// Package objectstore uploads audit archives to S3-compatible storage.
// The client speaks the S3 REST API directly with AWS Signature V4
// request signing, which keeps AWS, MinIO and Cloudflare R2 behind one
// implementation.
package objectstore

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	signAlgorithm   = "AWS4-HMAC-SHA256"
	signedHeaderSet = "host;x-amz-date"
	unsignedPayload = "UNSIGNED-PAYLOAD"
)

// Config holds the connection settings for one bucket.
type Config struct {
	Endpoint       string
	BucketName     string
	AccessKey      string
	SecretKey      string
	Region         string
	ForcePathStyle bool // Path-style URLs (MinIO, localstack)
}

// Client is an S3-compatible object store client.
type Client struct {
	config     *Config
	httpClient *http.Client
}

// NewClient creates a client for the configured bucket.
func NewClient(config *Config) *Client {
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// statusError reports an unexpected response status from the store.
type statusError struct {
	op     string
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s failed with status %d: %s", e.op, e.status, e.body)
}

// Upload stores data under key in the bucket.
func (c *Client) Upload(ctx context.Context, key string, data []byte) error {
	_, err := c.do(ctx, "upload", http.MethodPut, key, data, http.StatusOK)
	return err
}

// Download retrieves the object stored under key.
func (c *Client) Download(ctx context.Context, key string) ([]byte, error) {
	data, err := c.do(ctx, "download", http.MethodGet, key, nil, http.StatusOK)
	var se *statusError
	if errors.As(err, &se) && se.status == http.StatusNotFound {
		return nil, fmt.Errorf("object not found: %s", key)
	}
	return data, err
}

// Delete removes the object stored under key.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.do(ctx, "delete", http.MethodDelete, key, nil, http.StatusNoContent, http.StatusOK)
	return err
}

// listBucketResult is the S3 ListObjectsV2 response body.
type listBucketResult struct {
	XMLName  xml.Name `xml:"ListBucketResult"`
	Name     string   `xml:"Name"`
	Prefix   string   `xml:"Prefix"`
	Contents []struct {
		Key          string `xml:"Key"`
		LastModified string `xml:"LastModified"`
		Size         int64  `xml:"Size"`
	} `xml:"Contents"`
}

// List returns the keys of all objects under a prefix.
func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	listPath := c.config.BucketName + "?list-type=2&prefix=" + url.QueryEscape(prefix)
	data, err := c.do(ctx, "list", http.MethodGet, listPath, nil, http.StatusOK)
	if err != nil {
		return nil, err
	}

	var result listBucketResult
	if err := xml.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("parse list response: %w", err)
	}

	var keys []string
	for _, obj := range result.Contents {
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// TestConnection verifies the bucket is reachable with the configured
// credentials by listing it.
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.List(ctx, "")
	return err
}

// do signs and executes one object operation, reads the full response
// body, and checks the status against the accepted set.
func (c *Client) do(ctx context.Context, op, method, objectPath string, payload []byte, accept ...int) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.objectURL(objectPath), body)
	if err != nil {
		return nil, err
	}
	if !c.config.ForcePathStyle {
		req.Host = c.virtualHost()
	}
	if method == http.MethodPut {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	c.sign(req, method, objectPath)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", op, err)
	}

	for _, status := range accept {
		if resp.StatusCode == status {
			return data, nil
		}
	}
	return nil, &statusError{op: op, status: resp.StatusCode, body: string(data)}
}

// objectURL builds the request URL for one object path.
func (c *Client) objectURL(objectPath string) string {
	if c.config.ForcePathStyle {
		return fmt.Sprintf("%s/%s/%s", c.config.Endpoint, c.config.BucketName, objectPath)
	}
	return fmt.Sprintf("%s.%s/%s", c.config.BucketName, c.config.Endpoint, objectPath)
}

func (c *Client) virtualHost() string {
	return c.config.BucketName + "." + c.config.Endpoint
}

// sign adds AWS Signature V4 headers. Payloads are declared unsigned;
// transport integrity comes from TLS.
func (c *Client) sign(req *http.Request, method, objectPath string) {
	amzDate := time.Now().UTC().Format("20060102T150405Z")
	req.Header.Set("Host", req.Host)
	req.Header.Set("X-Amz-Date", amzDate)
	req.Header.Set("X-Amz-Content-Sha256", unsignedPayload)
	req.Header.Set("Authorization", c.authorization(method, objectPath, amzDate))
}

// authorization builds the Signature V4 authorization header value.
func (c *Client) authorization(method, objectPath, amzDate string) string {
	day := amzDate[:8]
	scope := day + "/" + c.config.Region + "/s3/aws4_request"

	canonical := strings.Join([]string{
		method,
		"/" + c.config.BucketName + "/" + objectPath,
		"",
		"host:" + c.virtualHost() + "\nx-amz-date:" + amzDate + "\n",
		signedHeaderSet + " " + unsignedPayload,
	}, "\n")

	digest := sha256.Sum256([]byte(canonical))
	stringToSign := strings.Join([]string{
		signAlgorithm,
		amzDate,
		scope,
		hex.EncodeToString(digest[:]),
	}, "\n")

	signature := hex.EncodeToString(hmacChain(
		[]byte("AWS4"+c.config.SecretKey),
		day, c.config.Region, "s3", "aws4_request", stringToSign,
	))

	return fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		signAlgorithm, c.config.AccessKey, scope, signedHeaderSet, signature)
}

// hmacChain folds each part into the running HMAC-SHA256 key.
func hmacChain(key []byte, parts ...string) []byte {
	for _, part := range parts {
		mac := hmac.New(sha256.New, key)
		mac.Write([]byte(part))
		key = mac.Sum(nil)
	}
	return key
}
