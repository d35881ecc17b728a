package httpclient

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ntfy-daemon/ntfyd/internal/outputtracker"
)

// ResponseFactory builds a fresh *http.Response for a given request. Fresh
// per call because http.Response.Body is consumed once.
type ResponseFactory func(req *http.Request) *http.Response

// NullableClient is a scripted Client double for deterministic tests. Each
// URL gets its own FIFO queue of ResponseFactory values; Execute consumes
// the queue head on every call to that URL and falls back to the default
// factory once exhausted (or if the URL was never scripted).
type NullableClient struct {
	mu       sync.Mutex
	queues   map[string][]ResponseFactory
	fallback ResponseFactory
	tracker  *outputtracker.Tracker[RecordedRequest]
}

// NewNullableClient builds a NullableClient. If tracker is nil, a disabled
// tracker is allocated (call Tracker().Enable() to start recording).
func NewNullableClient(tracker *outputtracker.Tracker[RecordedRequest]) *NullableClient {
	if tracker == nil {
		tracker = outputtracker.New[RecordedRequest]()
	}
	return &NullableClient{
		queues:  make(map[string][]ResponseFactory),
		tracker: tracker,
		fallback: func(req *http.Request) *http.Response {
			return textResponse(http.StatusOK, "")
		},
	}
}

// Tracker exposes the underlying output tracker so tests can Enable() it
// and assert on recorded requests.
func (c *NullableClient) Tracker() *outputtracker.Tracker[RecordedRequest] {
	return c.tracker
}

// QueueResponse appends a status/body pair to url's FIFO queue.
func (c *NullableClient) QueueResponse(url string, status int, body string) {
	c.QueueFactory(url, func(req *http.Request) *http.Response {
		return textResponse(status, body)
	})
}

// QueueFactory appends an arbitrary ResponseFactory to url's FIFO queue,
// for tests that need to inspect the request (e.g. to assert on auth
// headers) before producing a response.
func (c *NullableClient) QueueFactory(url string, factory ResponseFactory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues[url] = append(c.queues[url], factory)
}

// SetDefaultResponse overrides the factory used once a URL's queue is
// exhausted (or was never populated).
func (c *NullableClient) SetDefaultResponse(factory ResponseFactory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallback = factory
}

func (c *NullableClient) Get(url string) *RequestBuilder {
	return newRequestBuilder(http.MethodGet, url, nil)
}

func (c *NullableClient) Post(url string, body io.Reader) *RequestBuilder {
	return newRequestBuilder(http.MethodPost, url, body)
}

// Execute pops the next scripted response for req.URL, or falls back to
// the default factory. A 1ms yield keeps tests that loop on reconnect from
// busy-spinning the CPU while still resolving near-instantly.
func (c *NullableClient) Execute(ctx context.Context, req *http.Request) (*http.Response, error) {
	c.tracker.Push(recordRequest(req))

	time.Sleep(1 * time.Millisecond)

	c.mu.Lock()
	key := req.URL.String()
	queue := c.queues[key]
	var factory ResponseFactory
	if len(queue) > 0 {
		factory = queue[0]
		c.queues[key] = queue[1:]
	} else {
		factory = c.fallback
	}
	c.mu.Unlock()

	resp := factory(req)
	resp.Request = req
	return resp, nil
}

func textResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header:     make(http.Header),
	}
}
