// Package blob implements the narrow blob-store client the application
// needs: PUT, DELETE, and HEAD existence checks against a Shared Key
// authenticated REST endpoint. It is deliberately not a general-purpose
// object-storage SDK.
package blob

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"kvitto/internal/auth"

	"github.com/hashicorp/go-retryablehttp"
)

// maxErrorDetail bounds how much of an error response body is surfaced.
const maxErrorDetail = 4 << 10

// BlobRef identifies a stored blob by its deterministic URL.
type BlobRef struct {
	Container string
	Name      string
	URL       string
}

// Client issues signed requests against the blob store. It owns no persistent
// state; one call is one request (uploads excepted, which may retry
// transport-level failures). Safe for concurrent use.
type Client struct {
	account  string
	endpoint string
	uploads  *retryablehttp.Client
	httpc    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoint overrides the service endpoint, e.g. to point at a test
// server. The default is https://{account}.blob.{suffix}.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		c.endpoint = strings.TrimRight(endpoint, "/")
	}
}

// NewClient creates a Client for the account described by cfg.
func NewClient(cfg auth.ConnectionConfig, opts ...Option) *Client {
	signer := auth.NewSigner(cfg)
	transport := &auth.Transport{Signer: signer}

	uploads := retryablehttp.NewClient()
	uploads.HTTPClient = &http.Client{Transport: transport}
	uploads.RetryMax = 2
	uploads.RetryWaitMin = 500 * time.Millisecond
	uploads.RetryWaitMax = 5 * time.Second
	uploads.Logger = nil
	uploads.CheckRetry = retryTransportOnly

	c := &Client{
		account:  cfg.AccountName,
		endpoint: fmt.Sprintf("https://%s.blob.%s", cfg.AccountName, cfg.EndpointSuffix),
		uploads:  uploads,
		httpc:    &http.Client{Transport: transport},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// retryTransportOnly retries connection-level failures and nothing else. A
// non-2xx HTTP response is a per-object outcome, not something to retry here.
func retryTransportOnly(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	return false, nil
}

// ObjectURL returns the deterministic URL for an object in a container.
func (c *Client) ObjectURL(container, name string) string {
	return c.endpoint + "/" + container + "/" + name
}

// Put uploads data as a block blob. Success is any 2xx response; any other
// response surfaces the response body as error detail. Transport-level
// failures are retried a bounded number of times, with each attempt re-signed.
func (c *Client) Put(ctx context.Context, container, name string, data []byte, contentType string) (BlobRef, error) {
	blobURL := c.ObjectURL(container, name)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, blobURL, data)
	if err != nil {
		return BlobRef{}, fmt.Errorf("build put request: %w", err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-ms-blob-type", "BlockBlob")

	resp, err := c.uploads.Do(req)
	if err != nil {
		return BlobRef{}, &TransportError{Op: "put", URL: blobURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return BlobRef{}, &RemoteError{
			Op:         "put",
			URL:        blobURL,
			StatusCode: resp.StatusCode,
			Detail:     readDetail(resp.Body),
		}
	}

	return BlobRef{Container: container, Name: name, URL: blobURL}, nil
}

// Delete removes the blob at blobURL. A 404 response counts as success: the
// blob is already absent, and deleting it again must be indistinguishable
// from deleting it once.
func (c *Client) Delete(ctx context.Context, blobURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, blobURL, nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &TransportError{Op: "delete", URL: blobURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &RemoteError{
			Op:         "delete",
			URL:        blobURL,
			StatusCode: resp.StatusCode,
			Detail:     readDetail(resp.Body),
		}
	}
	return nil
}

// HeadCheck issues a HEAD request against blobURL, bounded by timeout. It
// returns the HTTP status code when the service answered, and a
// *TransportError when it did not; the two cases must stay distinguishable so
// callers can tell "unreachable" from a confirmed 404.
func (c *Client) HeadCheck(ctx context.Context, blobURL string, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, blobURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build head request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, &TransportError{Op: "head", URL: blobURL, Err: err}
	}
	resp.Body.Close()

	return resp.StatusCode, nil
}

func readDetail(r io.Reader) string {
	detail, err := io.ReadAll(io.LimitReader(r, maxErrorDetail))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(detail))
}
