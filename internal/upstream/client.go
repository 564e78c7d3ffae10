// Package upstream holds the HTTPS client for the Graph API server.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Response is a fully buffered upstream response.
type Response struct {
	StatusCode int
	Status     string // status line, e.g. "200 OK"
	Header     http.Header
	Body       []byte
}

// Fetcher issues a request against the Graph server and returns the
// buffered response. Implementations must be safe for concurrent use.
type Fetcher interface {
	Fetch(ctx context.Context, method, path, rawQuery string, body io.Reader) (*Response, error)
}

// Client is the production Fetcher. One Client is shared across workers;
// each request carries its own context.
type Client struct {
	scheme string
	host   string
	http   *http.Client
}

// New creates a Client for the given Graph server host, spoken over HTTPS.
func New(host string) *Client {
	return &Client{scheme: "https", host: host, http: &http.Client{Transport: newTransport()}}
}

// NewWithBaseURL creates a Client from a full base URL. Used by tests to
// point at a local server.
func NewWithBaseURL(raw string) (*Client, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream base URL %q must include scheme and host", raw)
	}
	return &Client{scheme: u.Scheme, host: u.Host, http: &http.Client{Transport: newTransport()}}, nil
}

// Fetch performs one request. path may omit the leading slash.
func (c *Client) Fetch(ctx context.Context, method, path, rawQuery string, body io.Reader) (*Response, error) {
	u := url.URL{
		Scheme:   c.scheme,
		Host:     c.host,
		Path:     "/" + strings.TrimPrefix(path, "/"),
		RawQuery: rawQuery,
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}
