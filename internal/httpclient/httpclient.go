// Package httpclient provides a uniform request/execute facade: a builder
// for GET/POST requests with header and Basic-auth support, an Execute
// step that records every dispatched request into an output tracker
// before it goes out, and a production transport tuned for long-lived
// ntfy streaming connections.
package httpclient

import (
	"context"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/ntfy-daemon/ntfyd/internal/outputtracker"
	"golang.org/x/net/http2"
)

// RecordedRequest is what the output tracker stores for each dispatched
// request: enough to assert on in tests without holding a live *http.Request.
type RecordedRequest struct {
	Method  string
	URL     string
	Headers http.Header
	Body    string
}

// recordRequest snapshots req for the output tracker. The body is captured
// through GetBody so the request's own reader is left unconsumed for the
// actual dispatch.
func recordRequest(req *http.Request) RecordedRequest {
	rec := RecordedRequest{
		Method:  req.Method,
		URL:     req.URL.String(),
		Headers: req.Header.Clone(),
	}
	if req.GetBody != nil {
		if rc, err := req.GetBody(); err == nil {
			data, _ := io.ReadAll(rc)
			rc.Close()
			rec.Body = string(data)
		}
	}
	return rec
}

// Client is the facade every actor depends on, rather than *http.Client
// directly, so tests can swap in a NullableClient.
type Client interface {
	Get(url string) *RequestBuilder
	Post(url string, body io.Reader) *RequestBuilder
	Execute(ctx context.Context, req *http.Request) (*http.Response, error)
}

// RequestBuilder accumulates headers and auth before the request is built.
// It is not itself executable; call Build to produce an *http.Request and
// pass that to Client.Execute.
type RequestBuilder struct {
	method  string
	url     string
	body    io.Reader
	headers http.Header
}

func newRequestBuilder(method, url string, body io.Reader) *RequestBuilder {
	return &RequestBuilder{method: method, url: url, body: body, headers: make(http.Header)}
}

// Header appends a header value (headers may be repeated, matching
// net/http.Header.Add semantics).
func (b *RequestBuilder) Header(key, value string) *RequestBuilder {
	b.headers.Add(key, value)
	return b
}

// BasicAuth attaches an HTTP Basic Authorization header.
func (b *RequestBuilder) BasicAuth(username, password string) *RequestBuilder {
	token := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	b.headers.Set("Authorization", "Basic "+token)
	return b
}

// Build finalizes the *http.Request bound to ctx.
func (b *RequestBuilder) Build(ctx context.Context) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, b.method, b.url, b.body)
	if err != nil {
		return nil, err
	}
	req.Header = b.headers.Clone()
	return req, nil
}

// httpClient is the production Client, backed by a single *http.Client
// configured for long-lived NDJSON streaming connections: a bounded
// connect timeout, a generous idle timeout so repeated polls to the same
// server reuse the connection, and HTTP/2 so those reused connections
// multiplex rather than queueing head-of-line.
type httpClient struct {
	inner   *http.Client
	tracker *outputtracker.Tracker[RecordedRequest]
}

const (
	connectTimeout = 15 * time.Second
	idleTimeout    = 240 * time.Second
)

// New builds the production Client. tracker may be nil, in which case a
// disabled tracker is created (Push becomes a no-op); pass a shared tracker
// to observe outbound requests from tests.
func New(tracker *outputtracker.Tracker[RecordedRequest]) Client {
	if tracker == nil {
		tracker = outputtracker.New[RecordedRequest]()
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: connectTimeout,
		}).DialContext,
		IdleConnTimeout:     idleTimeout,
		MaxIdleConnsPerHost: 4,
	}
	// Enable HTTP/2 so repeated requests to the same ntfy server
	// multiplex onto a single connection instead of opening one per poll.
	_ = http2.ConfigureTransport(transport)

	return &httpClient{
		inner:   &http.Client{Transport: transport},
		tracker: tracker,
	}
}

func (c *httpClient) Get(url string) *RequestBuilder {
	return newRequestBuilder(http.MethodGet, url, nil)
}

func (c *httpClient) Post(url string, body io.Reader) *RequestBuilder {
	return newRequestBuilder(http.MethodPost, url, body)
}

func (c *httpClient) Execute(ctx context.Context, req *http.Request) (*http.Response, error) {
	c.tracker.Push(recordRequest(req))
	return c.inner.Do(req)
}
