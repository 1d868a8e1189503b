package offline0

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Service is the HTTP face of the worker: it intercepts page traffic and
// exposes the admin endpoints.
type Service struct {
	cfg Config

	log     logrus.FieldLogger
	storage CacheStorage
	fetcher Fetcher
	worker  *Worker

	stats *statsCollector

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type Option func(*Service)

// WithFetcher replaces the net/http fetcher.
func WithFetcher(f Fetcher) Option { return func(s *Service) { s.fetcher = f } }

// WithStorage replaces the storage picked from cfg.Storage.
func WithStorage(st CacheStorage) Option { return func(s *Service) { s.storage = st } }

func WithLogger(l logrus.FieldLogger) Option { return func(s *Service) { s.log = l } }

func NewService(cfg Config, opts ...Option) (*Service, error) {
	s := &Service{
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = discardLogger()
	}
	if s.fetcher == nil {
		s.fetcher = NewHTTPFetcher(cfg.timeoutDur)
	}
	if s.storage == nil {
		st, err := NewStorage(cfg.Storage.Path, cfg.ramMax)
		if err != nil {
			return nil, err
		}
		s.storage = st
	}
	s.worker = NewWorker(&s.cfg, s.storage, s.fetcher, s.log)

	if cfg.statsEveryDur > 0 {
		s.stats = newStatsCollector()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.statsEveryDur)
		}()
	}
	return s, nil
}

// Start runs the install (and activate) lifecycle. A failed install leaves
// the proxy passing traffic through untouched; it can be retried through the
// admin endpoint.
func (s *Service) Start(ctx context.Context) error {
	if err := s.worker.Start(ctx); err != nil {
		s.log.WithFields(logrus.Fields{"action": "start", "error": err.Error()}).Error("lifecycle failed")
		return err
	}
	return nil
}

func (s *Service) Worker() *Worker { return s.worker }

// Close stops background loops, waits for detached work and closes storage.
func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
	s.worker.Wait()
	_ = s.storage.Close()
}

func (s *Service) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Route(s.cfg.Server.AdminPrefix, func(r chi.Router) {
		r.Get("/status", s.serveStatus)
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
		r.Post("/install", s.serveLifecycle(EventInstall))
		r.Post("/activate", s.serveLifecycle(EventActivate))
		// Other app paths under the prefix still belong to the origin.
		r.NotFound(s.handle)
		r.MethodNotAllowed(s.handle)
	})
	mux.HandleFunc("/*", s.handle)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Forward-proxy requests for other hosts never reach admin routes.
		if r.URL.IsAbs() {
			s.handle(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	req, err := NewRequest(r, s.cfg.Server.Origin)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if !s.worker.Controls(req) {
		routedRequests.WithLabelValues("uncontrolled", outcomePassthrough).Inc()
		s.passThrough(r.Context(), w, req, outcomePassthrough)
		return
	}

	ev := &Event{Kind: EventFetch, ID: uuid.NewString(), Request: req}
	res, err := s.worker.Dispatch(r.Context(), ev)
	if err != nil {
		s.log.WithFields(logrus.Fields{"action": "fetch", "request_id": ev.ID, "error": err.Error()}).Error("fetch handler failed")
		writeResponse(w, badGatewayResponse(), outcomeBadGateway)
		return
	}
	if res == nil {
		s.passThrough(r.Context(), w, req, outcomeBypass)
		return
	}
	s.write(w, res.Response, res.Outcome)
}

// passThrough forwards the request unmodified and caches nothing.
func (s *Service) passThrough(ctx context.Context, w http.ResponseWriter, req *Request, outcome string) {
	resp, err := s.fetcher.Fetch(ctx, req.fetchRequest())
	if err != nil {
		writeResponse(w, badGatewayResponse(), outcomeBadGateway)
		return
	}
	s.write(w, resp, outcome)
}

func (s *Service) write(w http.ResponseWriter, resp *Response, outcome string) {
	writeResponse(w, resp, outcome)
	if s.stats != nil {
		s.stats.Observe(outcome, len(resp.Body))
	}
}

type statusDoc struct {
	State       State    `json:"state"`
	Controlling bool     `json:"controlling"`
	Bucket      string   `json:"bucket"`
	Buckets     []string `json:"buckets"`
	Entries     int      `json:"entries"`
}

func (s *Service) serveStatus(w http.ResponseWriter, r *http.Request) {
	doc := statusDoc{
		State:       s.worker.State(),
		Controlling: s.worker.Controlling(),
		Bucket:      s.cfg.Cache.Name,
	}
	names, err := s.storage.Keys(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	doc.Buckets = names
	if b := s.worker.Bucket(); b != nil {
		keys, err := b.Keys(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		doc.Entries = len(keys)
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Service) serveLifecycle(kind EventKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		if kind == EventInstall {
			err = s.worker.Start(r.Context())
		} else {
			_, err = s.worker.Dispatch(r.Context(), &Event{Kind: kind})
		}
		if err != nil {
			s.log.WithFields(logrus.Fields{"action": string(kind), "error": err.Error()}).Warn("lifecycle request failed")
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]State{"state": s.worker.State()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type ramSizer interface {
	RAMBytes() int64
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	fields := logrus.Fields{
		"action":    "stats",
		"served":    ss.Served,
		"hit_ratio": ss.HitRatio(),
		"offline":   ss.Offline,
		"resp_min":  formatBytes(ss.MinBytes),
		"resp_avg":  formatBytes(ss.AvgBytes),
		"resp_max":  formatBytes(ss.MaxBytes),
	}
	if b := s.worker.Bucket(); b != nil {
		if keys, err := b.Keys(context.Background()); err == nil {
			fields["entries"] = len(keys)
		}
	}
	if rs, ok := s.storage.(ramSizer); ok {
		fields["ram"] = formatBytes(uint64(rs.RAMBytes()))
	}
	if rss, ok := processRSSBytes(); ok {
		fields["rss"] = formatBytes(rss)
	}
	s.log.WithFields(fields).Info("stats")
}
