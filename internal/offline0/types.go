package offline0

import (
	"errors"
	"hash/crc32"
	"net/http"
	"strings"
)

// Response is a fully buffered HTTP response, either fresh from the network
// or stored in a cache bucket.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32

	// URL the response was fetched from.
	URL string
}

// RequestKey identifies a cache entry: "<METHOD> <absolute url>".
type RequestKey string

func keyFor(method, rawURL string) RequestKey {
	return RequestKey(strings.ToUpper(method) + " " + rawURL)
}

// URL returns the absolute URL part of the key.
func (k RequestKey) URL() string {
	_, u, _ := strings.Cut(string(k), " ")
	return u
}

// Ok reports a 2xx status.
func (r *Response) Ok() bool {
	return r.Status >= 200 && r.Status < 300
}

// Clone returns a deep copy so cached and returned responses never share
// header maps or body slices.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := *r
	out.Header = cloneHeader(r.Header)
	out.Body = append([]byte(nil), r.Body...)
	return &out
}

func (r *Response) size() int64 {
	n := int64(len(r.Body)) + int64(len(r.URL))
	for k, vs := range r.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}

func newResponse(status int, header http.Header, body []byte) *Response {
	if header == nil {
		header = make(http.Header)
	}
	return &Response{
		Status: status,
		Header: header,
		Body:   body,
		Hash32: crc32.ChecksumIEEE(body),
	}
}

var (
	// ErrNotFound is returned by bucket lookups that have no entry.
	ErrNotFound = errors.New("cache entry not found")

	// ErrNotInstalled is returned when activation is attempted before a
	// successful install.
	ErrNotInstalled = errors.New("worker not installed")

	// ErrAssetFailed marks a mandatory static asset that could not be
	// fetched during install.
	ErrAssetFailed = errors.New("static asset fetch failed")
)

// Outcome values for the X-Offline0 response header.
const (
	outcomeBypass      = "bypass"
	outcomeNetwork     = "network"
	outcomeHit         = "hit"
	outcomeMiss        = "miss"
	outcomeFallback    = "fallback"
	outcomeOffline     = "offline"
	outcomePassthrough = "passthrough"
	outcomeBadGateway  = "bad-gateway"
)
