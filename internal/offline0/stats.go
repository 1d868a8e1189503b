package offline0

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

// statsCollector aggregates served response sizes and cache hit ratio for
// the periodic stats log line.
type statsCollector struct {
	served    atomic.Uint64
	fromCache atomic.Uint64
	offline   atomic.Uint64
	bytes     atomic.Uint64
	minBytes  atomic.Uint64
	maxBytes  atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(outcome string, respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.served.Add(1)
	s.bytes.Add(n)
	switch outcome {
	case outcomeHit, outcomeFallback:
		s.fromCache.Add(1)
	case outcomeOffline:
		s.offline.Add(1)
	}

	for {
		cur := s.minBytes.Load()
		if n >= cur || s.minBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxBytes.Load()
		if n <= cur || s.maxBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Served    uint64
	FromCache uint64
	Offline   uint64
	MinBytes  uint64
	AvgBytes  uint64
	MaxBytes  uint64
}

// HitRatio is the share of responses answered from the bucket.
func (ss statsSnapshot) HitRatio() float64 {
	if ss.Served == 0 {
		return 0
	}
	return float64(ss.FromCache) / float64(ss.Served)
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.served.Load()
	if count == 0 {
		return statsSnapshot{}
	}
	minv := s.minBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return statsSnapshot{
		Served:    count,
		FromCache: s.fromCache.Load(),
		Offline:   s.offline.Load(),
		MinBytes:  minv,
		AvgBytes:  s.bytes.Load() / count,
		MaxBytes:  s.maxBytes.Load(),
	}
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	case b < gb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}
