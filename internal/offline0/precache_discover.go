package offline0

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// maxDiscoveredURLs caps how many sitemap URLs one install precaches.
const maxDiscoveredURLs = 500

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// discoverPrecacheURLs walks cache.sitemaps (following nested sitemap
// indexes) and returns the same-origin page URLs they list, deduplicated and
// in discovery order. URLs found before an error are still returned.
func (w *Worker) discoverPrecacheURLs(ctx context.Context) ([]string, error) {
	origin, err := url.Parse(w.cfg.Server.Origin)
	if err != nil {
		return nil, err
	}

	seenSitemaps := map[string]struct{}{}
	seenURLs := map[string]struct{}{}
	var out []string

	queue := make([]string, 0, len(w.cfg.Cache.Sitemaps))
	for _, sm := range w.cfg.Cache.Sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, w.cfg.resolve(ensureLeadingSlash(sm)))
		}
	}

	for len(queue) > 0 {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		default:
		}

		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := w.fetchSitemap(ctx, smURL)
		if err != nil {
			return out, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}

		for _, nested := range doc.Sitemaps {
			if nested = strings.TrimSpace(nested); nested != "" {
				queue = append(queue, w.cfg.resolve(ensureLeadingSlash(nested)))
			}
		}

		for _, loc := range doc.URLs {
			u := w.cfg.resolve(ensureLeadingSlash(strings.TrimSpace(loc)))
			pu, err := url.Parse(u)
			if err != nil || !strings.EqualFold(pu.Host, origin.Host) {
				precacheFetches.WithLabelValues("sitemap", "ignored").Inc()
				continue
			}
			if _, ok := seenURLs[u]; ok {
				continue
			}
			seenURLs[u] = struct{}{}
			out = append(out, u)
			if len(out) >= maxDiscoveredURLs {
				return out, nil
			}
		}
	}
	return out, nil
}

func ensureLeadingSlash(s string) string {
	if s == "" || isAbsoluteURL(s) || strings.HasPrefix(s, "/") {
		return s
	}
	return "/" + s
}

func (w *Worker) fetchSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	resp, err := w.fetcher.Fetch(ctx, &FetchRequest{Method: http.MethodGet, URL: sitemapURL})
	if err != nil {
		return sitemapDoc{}, err
	}
	if !resp.Ok() {
		snippet := resp.Body
		if len(snippet) > 2048 {
			snippet = snippet[:2048]
		}
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	body := resp.Body
	// Servers sometimes send a .gz sitemap without Content-Encoding.
	if strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b) {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	return doc, nil
}
