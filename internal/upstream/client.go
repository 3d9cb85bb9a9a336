// Package upstream implements the HTTP client for the remote registry
// archive endpoint: a HEAD probe for the modification timestamp and a
// streaming GET for the archive body.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alexiokay/freshandtidy-backend-zipcodes-update/internal/pipeline"
)

const (
	userAgent = "zipsync"

	// defaultHeadTimeout bounds the metadata probe. The body download
	// deliberately has no client-level timeout: the archive is multiple
	// gigabytes and is bounded by the caller's context instead.
	defaultHeadTimeout = 30 * time.Second

	// copyBufferSize is the chunk size for streaming the body to disk.
	copyBufferSize = 8192
)

// Client talks to the remote archive endpoint. It implements
// pipeline.Upstream.
type Client struct {
	url         string
	httpClient  *http.Client
	headTimeout time.Duration
	logger      *logrus.Logger
}

// New creates a client for the archive at rawURL. headTimeout bounds
// the HEAD probe; zero selects a 30s default. A nil logger falls back
// to the logrus standard logger.
func New(rawURL string, headTimeout time.Duration, logger *logrus.Logger) *Client {
	return NewWithClient(rawURL, http.DefaultClient, headTimeout, logger)
}

// NewWithClient is New with an explicit http.Client, for callers that
// need transport control.
func NewWithClient(rawURL string, httpClient *http.Client, headTimeout time.Duration, logger *logrus.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if headTimeout <= 0 {
		headTimeout = defaultHeadTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{
		url:         rawURL,
		httpClient:  httpClient,
		headTimeout: headTimeout,
		logger:      logger,
	}
}

// URL returns the endpoint this client is bound to.
func (c *Client) URL() string {
	return c.url
}

// LastModified issues a HEAD request and returns the remote snapshot's
// Last-Modified timestamp, both parsed and as the verbatim header value.
func (c *Client) LastModified(ctx context.Context) (pipeline.Stamp, error) {
	ctx, cancel := context.WithTimeout(ctx, c.headTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.url, nil)
	if err != nil {
		return pipeline.Stamp{}, fmt.Errorf("%w: building HEAD request for %s: %v", pipeline.ErrFetch, c.url, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return pipeline.Stamp{}, fmt.Errorf("%w: HEAD %s: %v", pipeline.ErrFetch, c.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return pipeline.Stamp{}, fmt.Errorf("%w: HEAD %s: status %s", pipeline.ErrFetch, c.url, resp.Status)
	}

	raw := resp.Header.Get("Last-Modified")
	if raw == "" {
		return pipeline.Stamp{}, fmt.Errorf("%w: HEAD %s: response has no Last-Modified header", pipeline.ErrMetadata, c.url)
	}

	lastModified, err := http.ParseTime(raw)
	if err != nil {
		return pipeline.Stamp{}, fmt.Errorf("%w: parsing Last-Modified %q: %v", pipeline.ErrMetadata, raw, err)
	}

	c.logger.WithFields(logrus.Fields{
		"url":           c.url,
		"last_modified": lastModified.Format(http.TimeFormat),
	}).Debug("probed remote modification time")

	return pipeline.Stamp{Time: lastModified, Raw: raw}, nil
}

// Download issues a GET request and streams the response body into w.
// It returns the number of bytes written.
func (c *Client) Download(ctx context.Context, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: building GET request for %s: %v", pipeline.ErrFetch, c.url, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: GET %s: %v", pipeline.ErrFetch, c.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("%w: GET %s: status %s", pipeline.ErrFetch, c.url, resp.Status)
	}

	c.logger.WithFields(logrus.Fields{
		"url":            c.url,
		"content_length": resp.ContentLength,
	}).Info("downloading archive")

	written, err := io.CopyBuffer(w, resp.Body, make([]byte, copyBufferSize))
	if err != nil {
		return written, fmt.Errorf("%w: streaming %s after %d bytes: %v", pipeline.ErrFetch, c.url, written, err)
	}

	return written, nil
}
