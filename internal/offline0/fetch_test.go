package offline0

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPFetcherForwardsRequest(t *testing.T) {
	var got *http.Request
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, "created")
	}))
	defer srv.Close()

	f := NewHTTPFetcher(5 * time.Second)
	resp, err := f.Fetch(context.Background(), &FetchRequest{
		Method: http.MethodPut,
		URL:    srv.URL + "/items/1",
		Header: http.Header{
			"Cookie":     {"session=1"},
			"Connection": {"close"},
			"X-Client":   {"page"},
		},
		Body: []byte("item"),
	})
	require.NoError(t, err)

	require.Equal(t, http.StatusCreated, resp.Status)
	require.Equal(t, "created", string(resp.Body))
	require.Equal(t, "yes", resp.Header.Get("X-Upstream"))
	require.Empty(t, resp.Header.Get("Content-Length"))
	require.Equal(t, srv.URL+"/items/1", resp.URL)
	require.NotZero(t, resp.StoredAt)
	require.Equal(t, newResponse(201, nil, []byte("created")).Hash32, resp.Hash32)

	require.Equal(t, http.MethodPut, got.Method)
	require.Equal(t, "item", gotBody)
	require.Equal(t, "session=1", got.Header.Get("Cookie"))
	require.Equal(t, "page", got.Header.Get("X-Client"))
}

func TestHTTPFetcherOmitsCredentials(t *testing.T) {
	var cookie, auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie = r.Header.Get("Cookie")
		auth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	_, err := NewHTTPFetcher(0).Fetch(context.Background(), &FetchRequest{
		URL:             srv.URL + "/font.css",
		Header:          http.Header{"Cookie": {"session=1"}, "Authorization": {"Bearer x"}},
		OmitCredentials: true,
	})
	require.NoError(t, err)
	require.Empty(t, cookie)
	require.Empty(t, auth)
}

func TestHTTPFetcherErrorStatusIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	resp, err := NewHTTPFetcher(0).Fetch(context.Background(), &FetchRequest{URL: srv.URL + "/missing"})
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.Status)
	require.False(t, resp.Ok())
}

func TestHTTPFetcherUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := NewHTTPFetcher(time.Second).Fetch(context.Background(), &FetchRequest{URL: addr + "/"})
	require.Error(t, err)
}

func TestHTTPFetcherEncodingOnlyOverriddenForCache(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("Accept-Encoding"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(0)
	h := http.Header{"Accept-Encoding": {"gzip, br"}}
	_, err := f.Fetch(context.Background(), &FetchRequest{Method: http.MethodPost, URL: srv.URL + "/submit", Header: h})
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), &FetchRequest{URL: srv.URL + "/app.js", Header: h, ForCache: true})
	require.NoError(t, err)

	require.Equal(t, []string{"gzip, br", "identity"}, seen)
}
