package offline0

import (
	"encoding/json"
	"net/http"
	"strings"
)

const offlineAPIMessage = "You are offline. Please connect to the internet to scan messages."

type apiError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

var offlineAPIBody = func() []byte {
	var e apiError
	e.Error.Message = offlineAPIMessage
	b, err := json.Marshal(e)
	if err != nil {
		panic(err)
	}
	return b
}()

// offlineAPIResponse lets the calling app render a uniform offline message
// instead of an opaque network error.
func offlineAPIResponse() *Response {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return newResponse(http.StatusServiceUnavailable, h, append([]byte(nil), offlineAPIBody...))
}

func offlineImageResponse() *Response {
	return newResponse(http.StatusNotFound, nil, []byte{})
}

func offlineResponse() *Response {
	return newResponse(http.StatusServiceUnavailable, nil, []byte("Offline"))
}

func badGatewayResponse() *Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return newResponse(http.StatusBadGateway, h, []byte("bad gateway\n"))
}

// writeResponse copies resp to w and tags it with the routing outcome.
func writeResponse(w http.ResponseWriter, resp *Response, outcome string) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, "x-offline0") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOutcomeHeaders(w.Header(), outcome)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func setOutcomeHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set("X-Offline0", outcome)
	}
	// Custom headers are only readable by page scripts in a CORS context
	// when explicitly exposed.
	ensureExposedHeader(h, "X-Offline0")
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		part = strings.TrimSpace(part)
		if part == "*" || strings.EqualFold(part, name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
