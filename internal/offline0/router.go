package offline0

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// onFetch routes one intercepted request. Each request is handled on its
// own; the only shared state is the bucket.
func (w *Worker) onFetch(ctx context.Context, ev *Event) (*Result, error) {
	r := ev.Request
	if r == nil {
		return nil, errors.New("fetch event without request")
	}
	p := classify(w.cfg, r)

	var res *Result
	switch p {
	case policyPassthrough:
		routedRequests.WithLabelValues(string(p), outcomeBypass).Inc()
		return nil, nil
	case policyAPI:
		res = w.networkOnly(ctx, r)
	case policyNavigate:
		res = w.networkFirst(ctx, r)
	default:
		res = w.cacheFirst(ctx, ev)
	}
	routedRequests.WithLabelValues(string(p), res.Outcome).Inc()
	w.log.WithFields(logrus.Fields{
		"action":     "fetch",
		"request_id": ev.ID,
		"policy":     p,
		"outcome":    res.Outcome,
		"url":        r.URL.String(),
		"status":     res.Response.Status,
	}).Debug("request routed")
	return res, nil
}

// networkOnly serves the backend API. Offline callers get a JSON error they
// can render like any other API error.
func (w *Worker) networkOnly(ctx context.Context, r *Request) *Result {
	resp, err := w.fetch(ctx, policyAPI, r.fetchRequest())
	if err != nil {
		return &Result{Response: offlineAPIResponse(), Outcome: outcomeOffline}
	}
	return &Result{Response: resp, Outcome: outcomeNetwork}
}

// networkFirst serves page loads: live when possible, else the cached page,
// else the cached app shell at "/".
func (w *Worker) networkFirst(ctx context.Context, r *Request) *Result {
	bucket := w.Bucket()
	key := r.Key()

	resp, err := w.fetch(ctx, policyNavigate, r.cacheFetchRequest())
	if err == nil {
		w.storeBestEffort(ctx, bucket, key, resp)
		return &Result{Response: resp, Outcome: outcomeNetwork}
	}

	if cached := w.match(ctx, bucket, key); cached != nil {
		return &Result{Response: cached, Outcome: outcomeFallback}
	}
	if shell := w.match(ctx, bucket, keyFor(http.MethodGet, w.cfg.Server.Origin+"/")); shell != nil {
		return &Result{Response: shell, Outcome: outcomeFallback}
	}
	return &Result{Response: offlineResponse(), Outcome: outcomeOffline}
}

// cacheFirst serves subresources from the bucket and refreshes hits in the
// background for next time.
func (w *Worker) cacheFirst(ctx context.Context, ev *Event) *Result {
	r := ev.Request
	bucket := w.Bucket()
	key := r.Key()

	if cached := w.match(ctx, bucket, key); cached != nil {
		fr := r.cacheFetchRequest()
		ev.WaitUntil(func(ctx context.Context) {
			w.refresh(ctx, bucket, key, fr)
		})
		return &Result{Response: cached, Outcome: outcomeHit}
	}

	resp, err := w.fetch(ctx, policyAsset, r.cacheFetchRequest())
	if err != nil {
		if r.IsImage() {
			return &Result{Response: offlineImageResponse(), Outcome: outcomeOffline}
		}
		return &Result{Response: offlineResponse(), Outcome: outcomeOffline}
	}
	if resp.Ok() {
		w.storeBestEffort(ctx, bucket, key, resp)
	}
	return &Result{Response: resp, Outcome: outcomeMiss}
}

// refresh is the detached half of a cache hit. Its errors are dropped: the
// hit was already served and the next hit simply gets the older copy.
func (w *Worker) refresh(ctx context.Context, bucket Bucket, key RequestKey, fr *FetchRequest) {
	resp, err := w.fetch(ctx, "refresh", fr)
	if err != nil {
		backgroundRefreshes.WithLabelValues("error").Inc()
		return
	}
	if !resp.Ok() || !storable(resp) {
		backgroundRefreshes.WithLabelValues("skipped").Inc()
		return
	}
	result := "updated"
	if cur := w.match(ctx, bucket, key); cur != nil && cur.Hash32 == resp.Hash32 {
		result = "unchanged"
	}
	w.storeBestEffort(ctx, bucket, key, resp)
	backgroundRefreshes.WithLabelValues(result).Inc()
}

func (w *Worker) fetch(ctx context.Context, p policy, fr *FetchRequest) (*Response, error) {
	start := time.Now()
	resp, err := w.fetcher.Fetch(ctx, fr)
	result := "ok"
	if err != nil {
		result = "error"
	}
	networkLatency.WithLabelValues(string(p), result).Observe(time.Since(start).Seconds())
	return resp, err
}

// match returns nil on a miss or on any storage error.
func (w *Worker) match(ctx context.Context, bucket Bucket, key RequestKey) *Response {
	if bucket == nil {
		return nil
	}
	resp, err := bucket.Match(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			w.warnLog.Warn(logrus.Fields{"action": "cache_match", "key": string(key), "error": err.Error()}, "cache read failed")
		}
		return nil
	}
	return resp
}

// storeBestEffort never stores a partial or not-modified response: neither
// holds the full resource the key names.
func (w *Worker) storeBestEffort(ctx context.Context, bucket Bucket, key RequestKey, resp *Response) {
	if bucket == nil || !storable(resp) {
		return
	}
	if err := bucket.Put(ctx, key, resp); err != nil {
		w.warnLog.Warn(logrus.Fields{"action": "cache_put", "key": string(key), "error": err.Error()}, "cache write failed")
	}
}

func storable(resp *Response) bool {
	return resp.Status != http.StatusPartialContent && resp.Status != http.StatusNotModified
}
