package offline0

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const (
	precacheConcurrency = 8
	defaultWarnInterval = time.Minute
)

type EventKind string

const (
	EventInstall  EventKind = "install"
	EventActivate EventKind = "activate"
	EventFetch    EventKind = "fetch"
)

type State string

const (
	StateNew        State = "new"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
)

// Event is handed to the handler registered for its kind.
type Event struct {
	Kind    EventKind
	ID      string
	Request *Request // fetch only

	w *Worker
}

// WaitUntil runs fn detached from the event's caller. The worker tracks it
// until it returns, so Close and Wait cover work the response never waited
// on. fn's outcome is intentionally discarded.
func (e *Event) WaitUntil(fn func(ctx context.Context)) {
	e.w.detach(fn)
}

// Result is what a handler resolves to. A fetch handler returning a nil
// Result leaves the request to the network untouched.
type Result struct {
	Response *Response
	Outcome  string
}

type HandlerFunc func(ctx context.Context, ev *Event) (*Result, error)

// Worker owns the current cache bucket and the install/activate/fetch
// handlers.
type Worker struct {
	cfg     *Config
	storage CacheStorage
	fetcher Fetcher
	log     logrus.FieldLogger
	warnLog *rateLimitedLogger

	handlers map[EventKind]HandlerFunc

	lifecycleMu sync.Mutex
	stateMu     sync.RWMutex
	state       State
	current     Bucket

	controlling atomic.Bool

	bgSem chan struct{}
	wg    sync.WaitGroup
}

func NewWorker(cfg *Config, storage CacheStorage, fetcher Fetcher, log logrus.FieldLogger) *Worker {
	w := &Worker{
		cfg:     cfg,
		storage: storage,
		fetcher: fetcher,
		log:     log,
		warnLog: newRateLimitedLogger(log, defaultWarnInterval),
		state:   StateNew,
		bgSem:   make(chan struct{}, cfg.Network.RefreshConcurrency),
	}
	w.handlers = map[EventKind]HandlerFunc{
		EventInstall:  w.onInstall,
		EventActivate: w.onActivate,
		EventFetch:    w.onFetch,
	}
	return w
}

// Dispatch runs the handler registered for ev.Kind and returns once the
// event is resolved.
func (w *Worker) Dispatch(ctx context.Context, ev *Event) (*Result, error) {
	h, ok := w.handlers[ev.Kind]
	if !ok {
		return nil, fmt.Errorf("no handler for event %q", ev.Kind)
	}
	ev.w = w
	return h(ctx, ev)
}

// Start installs and, unless configured to wait, activates.
func (w *Worker) Start(ctx context.Context) error {
	if _, err := w.Dispatch(ctx, &Event{Kind: EventInstall}); err != nil {
		return err
	}
	if !w.cfg.Lifecycle.SkipWaiting {
		w.log.WithField("action", "install").Info("installed, waiting for activation")
		return nil
	}
	_, err := w.Dispatch(ctx, &Event{Kind: EventActivate})
	return err
}

func (w *Worker) State() State {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.stateMu.Lock()
	w.state = s
	w.stateMu.Unlock()
}

// Bucket returns the current bucket, nil before the first install.
func (w *Worker) Bucket() Bucket {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	return w.current
}

// Controlling reports whether intercepted requests are routed through the
// fetch handler.
func (w *Worker) Controlling() bool {
	return w.controlling.Load()
}

// Controls reports whether req goes through the fetch handler. Without claim
// an activated worker takes over at the next page load.
func (w *Worker) Controls(req *Request) bool {
	if w.controlling.Load() {
		return true
	}
	if w.State() == StateActivated && req.IsNavigation() {
		w.controlling.Store(true)
		return true
	}
	return false
}

// Wait blocks until all detached work has finished.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) detach(fn func(ctx context.Context)) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.bgSem <- struct{}{}
		defer func() { <-w.bgSem }()

		var (
			ctx    context.Context
			cancel context.CancelFunc
		)
		if d := w.cfg.refreshTimeoutDur; d > 0 {
			ctx, cancel = context.WithTimeout(context.Background(), d)
		} else {
			ctx, cancel = context.WithCancel(context.Background())
		}
		defer cancel()
		fn(ctx)
	}()
}

// ---- install ----

func (w *Worker) onInstall(ctx context.Context, _ *Event) (*Result, error) {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	prev := w.State()
	w.setState(StateInstalling)
	log := w.log.WithFields(logrus.Fields{"action": "install", "bucket": w.cfg.Cache.Name})

	bucket, err := w.install(ctx, log)
	if err != nil {
		// The previous installation, if any, stays in charge.
		w.setState(prev)
		return nil, err
	}

	w.stateMu.Lock()
	w.current = bucket
	w.state = StateInstalled
	if prev == StateActivated {
		w.state = StateActivated
	}
	w.stateMu.Unlock()
	return nil, nil
}

func (w *Worker) install(ctx context.Context, log logrus.FieldLogger) (Bucket, error) {
	bucket, err := w.storage.Open(ctx, w.cfg.Cache.Name)
	if err != nil {
		return nil, fmt.Errorf("open bucket %q: %w", w.cfg.Cache.Name, err)
	}

	static := w.cfg.StaticURLs()
	written, err := w.addAll(ctx, bucket, static)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"static": len(static), "written": written}).Info("static assets cached")

	best := append([]string(nil), w.cfg.Cache.External...)
	if len(w.cfg.Cache.Sitemaps) > 0 {
		discovered, err := w.discoverPrecacheURLs(ctx)
		if err != nil {
			w.warnLog.Warn(logrus.Fields{"action": "sitemap_discover", "error": err.Error()}, "sitemap discovery incomplete")
		}
		best = append(best, discovered...)
	}
	stored := w.addBestEffort(ctx, bucket, best)
	log.WithFields(logrus.Fields{"optional": len(best), "stored": stored}).Info("optional assets cached")

	return bucket, nil
}

// addAll fetches every url and stores them in one batch, or stores nothing.
// Entries whose body is unchanged are not rewritten.
func (w *Worker) addAll(ctx context.Context, bucket Bucket, urls []string) (int, error) {
	resps := make([]*Response, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(precacheConcurrency)
	for i, u := range urls {
		i, u := i, u // per-iteration copies (go1.22+ loopvar semantics)
		g.Go(func() error {
			resp, err := w.fetcher.Fetch(gctx, &FetchRequest{Method: http.MethodGet, URL: u, ForCache: true})
			if err != nil {
				precacheFetches.WithLabelValues("static", "error").Inc()
				return fmt.Errorf("%w %s: %w", ErrAssetFailed, u, err)
			}
			if !resp.Ok() {
				precacheFetches.WithLabelValues("static", "status").Inc()
				return fmt.Errorf("%w %s: status %d", ErrAssetFailed, u, resp.Status)
			}
			precacheFetches.WithLabelValues("static", "ok").Inc()
			resps[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	entries := make(map[RequestKey]*Response, len(urls))
	for i, u := range urls {
		key := keyFor(http.MethodGet, u)
		cur, err := bucket.Match(ctx, key)
		if err == nil && cur.Status == resps[i].Status && cur.Hash32 == resps[i].Hash32 {
			continue
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return 0, fmt.Errorf("read %s: %w", key, err)
		}
		entries[key] = resps[i]
	}
	if len(entries) == 0 {
		return 0, nil
	}
	if err := bucket.PutAll(ctx, entries); err != nil {
		return 0, fmt.Errorf("store static assets: %w", err)
	}
	return len(entries), nil
}

// addBestEffort fetches each url independently with credentials omitted and
// stores the 2xx ones. Failures only cost that single asset.
func (w *Worker) addBestEffort(ctx context.Context, bucket Bucket, urls []string) int {
	var stored atomic.Int64
	var g errgroup.Group
	g.SetLimit(precacheConcurrency)
	for _, u := range urls {
		u := u // per-iteration copy (go1.22+ loopvar semantics)
		g.Go(func() error {
			resp, err := w.fetcher.Fetch(ctx, &FetchRequest{Method: http.MethodGet, URL: u, OmitCredentials: true, ForCache: true})
			if err != nil {
				precacheFetches.WithLabelValues("external", "error").Inc()
				w.log.WithFields(logrus.Fields{"action": "precache", "url": u, "error": err.Error()}).Debug("optional asset skipped")
				return nil
			}
			if !resp.Ok() {
				precacheFetches.WithLabelValues("external", "status").Inc()
				return nil
			}
			key := keyFor(http.MethodGet, u)
			if cur, err := bucket.Match(ctx, key); err == nil && cur.Status == resp.Status && cur.Hash32 == resp.Hash32 {
				precacheFetches.WithLabelValues("external", "unchanged").Inc()
				stored.Add(1)
				return nil
			}
			if err := bucket.Put(ctx, key, resp); err != nil {
				w.warnLog.Warn(logrus.Fields{"action": "precache", "url": u, "error": err.Error()}, "optional asset not stored")
				return nil
			}
			precacheFetches.WithLabelValues("external", "ok").Inc()
			stored.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(stored.Load())
}

// ---- activate ----

func (w *Worker) onActivate(ctx context.Context, _ *Event) (*Result, error) {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	switch w.State() {
	case StateInstalled, StateActivated:
	default:
		return nil, ErrNotInstalled
	}
	w.setState(StateActivating)

	err := w.deleteStaleBuckets(ctx)
	w.setState(StateActivated)
	if w.cfg.Lifecycle.Claim {
		w.controlling.Store(true)
	}
	w.log.WithFields(logrus.Fields{
		"action":      "activate",
		"bucket":      w.cfg.Cache.Name,
		"controlling": w.controlling.Load(),
	}).Info("activated")
	return nil, err
}

func (w *Worker) deleteStaleBuckets(ctx context.Context) error {
	names, err := w.storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list buckets: %w", err)
	}
	var errs error
	for _, name := range names {
		if name == w.cfg.Cache.Name {
			continue
		}
		ok, err := w.storage.Delete(ctx, name)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("delete bucket %q: %w", name, err))
			continue
		}
		if ok {
			bucketsDeleted.Inc()
			w.log.WithFields(logrus.Fields{"action": "activate", "stale": name}).Info("stale bucket deleted")
		}
	}
	return errs
}
