package httpx

import (
	"context"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/url"
	"path"
	"time"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultReadTimeout    = 30 * time.Second
	defaultIdleTimeout    = 90 * time.Second
	keepAlivePeriod       = 30 * time.Second
	maxIdleConns          = 100
	tlsHandshakeTimeout   = 10 * time.Second
	expectContinueTimeout = 1 * time.Second
	maxConnsPerHost       = 16

	DefaultUserAgent = "dsfetch/1.0"

	defaultResourceName = "download"
)

// Options tunes the client's transport and per-request timeouts.
type Options struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// DefaultOptions returns the timeouts used when the caller passes zero values.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: defaultConnectTimeout,
		ReadTimeout:    defaultReadTimeout,
	}
}

// Client wraps http.Client with a transport tuned for large streaming
// downloads and helpers for the request shapes the fetcher needs.
type Client struct {
	*http.Client

	readTimeout time.Duration
}

func NewClient(opts Options) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}

	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: keepAlivePeriod,
		}).DialContext,
		MaxIdleConns:          maxIdleConns,
		IdleConnTimeout:       defaultIdleTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ExpectContinueTimeout: expectContinueTimeout,
		DisableCompression:    true,
		MaxConnsPerHost:       maxConnsPerHost,
		ResponseHeaderTimeout: opts.ReadTimeout,
	}

	return &Client{
		Client:      &http.Client{Transport: transport},
		readTimeout: opts.ReadTimeout,
	}
}

// ReadTimeout returns the per-request read timeout the client was built with.
func (c *Client) ReadTimeout() time.Duration {
	return c.readTimeout
}

// Head issues a HEAD request with the default headers.
func (c *Client) Head(ctx context.Context, urlStr string, headers map[string]string) (*http.Response, error) {
	req, err := newRequest(ctx, http.MethodHead, urlStr, headers)
	if err != nil {
		return nil, err
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, ClassifyError(err)
	}

	if err := ClassifyHTTPError(resp.StatusCode); err != nil {
		resp.Body.Close()
		return nil, err
	}

	return resp, nil
}

// Get issues a plain GET request.
func (c *Client) Get(ctx context.Context, urlStr string, headers map[string]string) (*http.Response, error) {
	req, err := newRequest(ctx, http.MethodGet, urlStr, headers)
	if err != nil {
		return nil, err
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, ClassifyError(err)
	}

	if err := ClassifyHTTPError(resp.StatusCode); err != nil {
		resp.Body.Close()
		return nil, err
	}

	return resp, nil
}

// Range issues a GET with a bytes=start- range header. An end of zero or
// below start leaves the range open-ended. Callers must inspect the status
// code themselves: servers that ignore ranges answer 200 with a full body.
func (c *Client) Range(ctx context.Context, urlStr string, start, end int64, headers map[string]string) (*http.Response, error) {
	req, err := newRequest(ctx, http.MethodGet, urlStr, headers)
	if err != nil {
		return nil, err
	}

	if end > start {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	} else {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", start))
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, ClassifyError(err)
	}

	if err := ClassifyHTTPError(resp.StatusCode); err != nil {
		resp.Body.Close()
		return nil, err
	}

	return resp, nil
}

func newRequest(ctx context.Context, method, urlStr string, headers map[string]string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, urlStr, http.NoBody)
	if err != nil {
		return nil, ErrRequestCreation
	}

	req.Header.Set("User-Agent", DefaultUserAgent)

	for key, value := range headers {
		req.Header.Set(key, value)
	}

	return req, nil
}

// GetFilename derives a filename from a response, preferring the
// Content-Disposition header over the final URL path.
func GetFilename(resp *http.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := params["filename"]; name != "" {
				return path.Base(name)
			}
		}
	}

	if resp.Request != nil && resp.Request.URL != nil {
		if name := path.Base(resp.Request.URL.Path); name != "" && name != "/" && name != "." {
			return name
		}
	}

	return defaultResourceName
}

// FilenameFromURL derives a filename from a raw URL without a request.
func FilenameFromURL(urlStr string) string {
	u, err := url.Parse(urlStr)
	if err != nil {
		return defaultResourceName
	}

	if name := path.Base(u.Path); name != "" && name != "/" && name != "." {
		return name
	}

	return defaultResourceName
}
