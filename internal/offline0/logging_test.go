package offline0

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerWritesJSONToFile(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Logging.File = filepath.Join(t.TempDir(), "logs", "offline0.log")
	cfg.Logging.Level = "debug"

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	logger.WithField("action", "test").Debug("hello")

	raw, err := os.ReadFile(cfg.Logging.File)
	require.NoError(t, err)
	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(raw), &line))
	require.Equal(t, "hello", line["msg"])
	require.Equal(t, "test", line["action"])
	require.Equal(t, "debug", line["level"])
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Logging.Level = "loud"
	_, err := NewLogger(cfg)
	require.Error(t, err)
}

func TestRateLimitedLoggerSuppressesBursts(t *testing.T) {
	var buf bytes.Buffer
	base := logrus.New()
	base.SetOutput(&buf)
	base.SetFormatter(&logrus.JSONFormatter{})

	l := newRateLimitedLogger(base, 50*time.Millisecond)
	for i := 0; i < 5; i++ {
		l.Warn(logrus.Fields{"action": "refresh"}, "refresh failed")
	}
	require.Equal(t, 1, strings.Count(buf.String(), "refresh failed"))

	time.Sleep(60 * time.Millisecond)
	l.Warn(logrus.Fields{"action": "refresh"}, "refresh failed")
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var last map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &last))
	require.EqualValues(t, 4, last["suppressed"])
}
