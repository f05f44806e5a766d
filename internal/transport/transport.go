// Package transport is the HTTP collaborator used by REST adapters.
// A Client returns an error only for network-level failures; 4xx and 5xx
// responses arrive as a normal Response that callers inspect explicitly.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/picklr-io/reconcilr/internal/fault"
)

// Request is a provider API call.
type Request struct {
	Method string
	URL    string
	Header http.Header

	// Body is JSON-encoded unless it is already a []byte.
	Body any
}

// Response is what the provider answered.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

// Client performs requests against a provider API.
type Client interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, req *Request) (*Response, error)

// Do calls f.
func (f ClientFunc) Do(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Decode unmarshals the JSON body into v. A body of the wrong shape is a
// parse error carrying the raw body.
func (r *Response) Decode(v any, op string) error {
	if len(r.Body) == 0 {
		return fault.ParseError(fmt.Errorf("empty response body"), op, r.Body)
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fault.ParseError(err, op, r.Body)
	}
	return nil
}

// CheckStatus classifies a non-2xx response. It returns nil for 2xx.
func CheckStatus(r *Response, op string) error {
	if r.OK() {
		return nil
	}

	cause := fmt.Errorf("unexpected status %d", r.StatusCode)
	class := fault.Terminal
	switch {
	case r.StatusCode == http.StatusNotFound:
		class = fault.NotFound
	case r.StatusCode == http.StatusConflict:
		class = fault.Conflict
	case r.StatusCode == http.StatusTooManyRequests, r.StatusCode == http.StatusRequestTimeout, r.StatusCode >= 500:
		class = fault.Transient
	}

	return &fault.Error{
		Class:      class,
		Op:         op,
		Cause:      cause,
		Body:       string(r.Body),
		StatusCode: r.StatusCode,
		RetryAfter: retryAfter(r.Header),
	}
}

func retryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return time.Until(at)
	}
	return 0
}
