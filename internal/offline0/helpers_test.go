package offline0

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testOrigin = "https://app.test"

var errOffline = errors.New("dial tcp: network is unreachable")

func testConfig(t *testing.T, extra string) Config {
	t.Helper()
	cfg, err := ParseConfig([]byte("server:\n  origin: " + testOrigin + "\n" + extra))
	require.NoError(t, err)
	return cfg
}

type fakeRoute struct {
	status int
	header http.Header
	body   string
	err    error
}

// fakeFetcher answers from a URL table; unknown URLs fail like a dropped
// network. When gate is set, every fetch blocks until it is closed.
type fakeFetcher struct {
	mu     sync.Mutex
	routes map[string]fakeRoute
	calls  []FetchRequest
	gate   chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{routes: map[string]fakeRoute{}}
}

func (f *fakeFetcher) set(url string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[url] = fakeRoute{status: status, body: body}
}

func (f *fakeFetcher) setHeader(url string, status int, body string, h http.Header) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[url] = fakeRoute{status: status, body: body, header: h}
}

func (f *fakeFetcher) fail(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[url] = fakeRoute{err: errOffline}
}

// goOffline makes every fetch fail.
func (f *fakeFetcher) goOffline() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes = map[string]fakeRoute{}
}

func (f *fakeFetcher) block() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	return f.gate
}

func (f *fakeFetcher) Fetch(ctx context.Context, fr *FetchRequest) (*Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, *fr)
	gate := f.gate
	route, ok := f.routes[fr.URL]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return nil, errOffline
	}
	if route.err != nil {
		return nil, route.err
	}
	h := cloneHeader(route.header)
	resp := newResponse(route.status, h, []byte(route.body))
	resp.URL = fr.URL
	resp.StoredAt = time.Now().Unix()
	return resp, nil
}

func (f *fakeFetcher) callsFor(url string) []FetchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []FetchRequest
	for _, c := range f.calls {
		if c.URL == url {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestWorker(t *testing.T, cfg Config, ff Fetcher) (*Worker, CacheStorage) {
	t.Helper()
	st := newMemoryStorage(0)
	c := cfg
	w := NewWorker(&c, st, ff, discardLogger())
	t.Cleanup(w.Wait)
	return w, st
}

// newPageRequest builds an intercepted request. headers are given as
// alternating name/value pairs.
func newPageRequest(t *testing.T, method, target string, headers ...string) *Request {
	t.Helper()
	r := httptest.NewRequest(method, target, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		r.Header.Set(headers[i], headers[i+1])
	}
	req, err := NewRequest(r, testOrigin)
	require.NoError(t, err)
	return req
}

func fetchEvent(req *Request) *Event {
	return &Event{Kind: EventFetch, ID: "test", Request: req}
}

func mustMatch(t *testing.T, b Bucket, key RequestKey) *Response {
	t.Helper()
	resp, err := b.Match(context.Background(), key)
	require.NoError(t, err, "expected cache entry for %s", key)
	return resp
}
