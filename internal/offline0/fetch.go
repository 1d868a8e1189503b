package offline0

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Fetcher performs network requests. A returned error means the network
// could not be reached; any HTTP status is a successful fetch.
type Fetcher interface {
	Fetch(ctx context.Context, req *FetchRequest) (*Response, error)
}

// FetchRequest describes a network fetch.
type FetchRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte

	// OmitCredentials strips cookies and authorization, as for a
	// cross-origin fetch with credentials omitted.
	OmitCredentials bool

	// ForCache requests an identity-encoded body for storing. Other
	// fetches keep the client's Accept-Encoding.
	ForCache bool
}

// hop-by-hop headers are never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

var credentialHeaders = []string{"Cookie", "Authorization"}

type httpFetcher struct {
	client *http.Client
}

// NewHTTPFetcher returns a Fetcher backed by net/http. timeout <= 0 leaves
// requests bounded only by the caller's context.
func NewHTTPFetcher(timeout time.Duration) Fetcher {
	return &httpFetcher{
		client: &http.Client{
			Timeout: timeout,
			// Redirects are followed, matching a browser fetch.
		},
	}
}

func (f *httpFetcher) Fetch(ctx context.Context, fr *FetchRequest) (*Response, error) {
	method := fr.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(fr.Body) > 0 {
		body = bytes.NewReader(fr.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, fr.URL, body)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, fr.Header)
	if fr.OmitCredentials {
		for _, h := range credentialHeaders {
			req.Header.Del(h)
		}
	}
	if fr.ForCache {
		req.Header.Set("Accept-Encoding", "identity")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	out := newResponse(resp.StatusCode, cloneHeader(resp.Header), b)
	out.Header.Del("Content-Length")
	out.URL = fr.URL
	out.StoredAt = time.Now().Unix()
	return out, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") || isHopHeader(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func isHopHeader(k string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(k, h) {
			return true
		}
	}
	return false
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
