package offline0

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// rateLimitedLogger emits at most one warning per interval. Best-effort
// paths (background refresh, opportunistic cache writes) fail in bursts when
// the network drops; one line per interval is enough.
type rateLimitedLogger struct {
	log      logrus.FieldLogger
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
	dropped  int
}

func newRateLimitedLogger(log logrus.FieldLogger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, interval: interval}
}

func (l *rateLimitedLogger) Warn(fields logrus.Fields, msg string) {
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.dropped++
		l.mu.Unlock()
		return
	}
	dropped := l.dropped
	l.lastAt = now
	l.dropped = 0
	l.mu.Unlock()

	entry := l.log.WithFields(fields)
	if dropped > 0 {
		entry = entry.WithField("suppressed", dropped)
	}
	entry.Warn(msg)
}
