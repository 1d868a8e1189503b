package offline0

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

type policy string

const (
	policyPassthrough policy = "passthrough"
	policyAPI         policy = "api"
	policyNavigate    policy = "navigate"
	policyAsset       policy = "asset"
)

// Request is an intercepted page request. It lives only for the duration of
// a fetch event.
type Request struct {
	Method string
	URL    *url.URL // absolute
	Header http.Header
	Body   []byte

	// Mode and Destination mirror the Fetch Metadata request headers.
	Mode        string
	Destination string
}

// NewRequest resolves r against origin. Absolute-form request targets (a
// page using offline0 as a forward proxy) keep their own host.
func NewRequest(r *http.Request, origin string) (*Request, error) {
	target := r.URL
	if !target.IsAbs() {
		u, err := url.Parse(origin + r.URL.RequestURI())
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", r.URL.RequestURI(), err)
		}
		target = u
	}

	var body []byte
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		body = b
	}

	return &Request{
		Method:      r.Method,
		URL:         target,
		Header:      r.Header.Clone(),
		Body:        body,
		Mode:        strings.ToLower(r.Header.Get("Sec-Fetch-Mode")),
		Destination: strings.ToLower(r.Header.Get("Sec-Fetch-Dest")),
	}, nil
}

func (r *Request) Key() RequestKey {
	return keyFor(r.Method, r.URL.String())
}

// IsNavigation reports a top-level document load. Clients that do not send
// Fetch Metadata are judged by their Accept header.
func (r *Request) IsNavigation() bool {
	if r.Mode != "" {
		return r.Mode == "navigate"
	}
	if r.Destination != "" {
		return r.Destination == "document"
	}
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}

// IsImage reports an image load. Without Fetch Metadata the first type the
// client accepts decides.
func (r *Request) IsImage() bool {
	if r.Destination != "" {
		return r.Destination == "image"
	}
	first, _, _ := strings.Cut(r.Header.Get("Accept"), ",")
	return strings.HasPrefix(strings.TrimSpace(strings.ToLower(first)), "image/")
}

func (r *Request) fetchRequest() *FetchRequest {
	return &FetchRequest{
		Method: r.Method,
		URL:    r.URL.String(),
		Header: r.Header,
		Body:   r.Body,
	}
}

// validatorHeaders make the origin answer relative to the client's own copy
// with a 304 or a 206.
var validatorHeaders = []string{
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
	"If-Range",
	"Range",
}

// cacheFetchRequest is fetchRequest for fetches whose response may be
// stored: it always asks for the full, unencoded representation.
func (r *Request) cacheFetchRequest() *FetchRequest {
	fr := r.fetchRequest()
	fr.Header = r.Header.Clone()
	for _, h := range validatorHeaders {
		fr.Header.Del(h)
	}
	fr.ForCache = true
	return fr
}

// classify picks the routing policy. Order matters: method first, then
// backend host, then navigation.
func classify(cfg *Config, r *Request) policy {
	if r.Method != http.MethodGet || cfg.Bypassed(r.URL.Path) {
		return policyPassthrough
	}
	if cfg.IsBackend(r.URL.Hostname()) {
		return policyAPI
	}
	if r.IsNavigation() {
		return policyNavigate
	}
	return policyAsset
}
