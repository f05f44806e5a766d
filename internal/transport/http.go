package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/picklr-io/reconcilr/internal/fault"
)

// DefaultTimeout bounds a single request when the caller's context has none.
const DefaultTimeout = 60 * time.Second

// Authorizer decorates outgoing requests with credentials.
type Authorizer interface {
	Authorize(ctx context.Context, req *http.Request) error
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, req *http.Request) error

// Authorize calls f.
func (f AuthorizerFunc) Authorize(ctx context.Context, req *http.Request) error {
	return f(ctx, req)
}

// HTTPClient is the net/http implementation of Client.
type HTTPClient struct {
	client    *http.Client
	auth      Authorizer
	userAgent string
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithAuthorizer sets the credential decorator.
func WithAuthorizer(a Authorizer) Option {
	return func(c *HTTPClient) { c.auth = a }
}

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.client = hc }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *HTTPClient) { c.userAgent = ua }
}

// NewHTTPClient returns a Client backed by net/http.
func NewHTTPClient(opts ...Option) *HTTPClient {
	c := &HTTPClient{
		client:    &http.Client{Timeout: DefaultTimeout},
		userAgent: "reconcilr",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends req. Authorization failures are returned as errors; HTTP error
// statuses are not.
func (c *HTTPClient) Do(ctx context.Context, req *Request) (*Response, error) {
	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, fault.Configurationf("encode %s %s body: %v", req.Method, req.URL, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fault.Configurationf("build request %s %s: %v", req.Method, req.URL, err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	if c.auth != nil {
		if err := c.auth.Authorize(ctx, httpReq); err != nil {
			return nil, fmt.Errorf("authorize %s %s: %w", req.Method, req.URL, err)
		}
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fault.Transientf(err, fmt.Sprintf("%s %s", req.Method, req.URL))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Transientf(err, fmt.Sprintf("read %s %s response", req.Method, req.URL))
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

func encodeBody(body any) (io.Reader, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return bytes.NewReader(b), nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, err
		}
		return bytes.NewReader(data), nil
	}
}
