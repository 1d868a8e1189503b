package offline0

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port        int    `yaml:"port" env:"PORT"`
		Origin      string `yaml:"origin" env:"ORIGIN"`
		AdminPrefix string `yaml:"adminPrefix"`
	} `yaml:"server"`

	Cache struct {
		// Name is the version tag of the current bucket. Changing it
		// supersedes every previously installed bucket on activation.
		Name     string   `yaml:"name" env:"CACHE_NAME"`
		Static   []string `yaml:"static"`
		External []string `yaml:"external"`
		Sitemaps []string `yaml:"sitemaps"`
	} `yaml:"cache"`

	Storage struct {
		// Path of the leveldb directory. Empty keeps buckets in memory only.
		Path string `yaml:"path" env:"STORAGE_PATH"`
		RAM  struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
	} `yaml:"storage"`

	Backend struct {
		Match string `yaml:"match"`
	} `yaml:"backend"`

	Bypass string `yaml:"bypass"`

	Network struct {
		Timeout            string `yaml:"timeout"`
		RefreshTimeout     string `yaml:"refreshTimeout"`
		RefreshConcurrency int    `yaml:"refreshConcurrency"`
	} `yaml:"network"`

	Lifecycle struct {
		SkipWaiting bool `yaml:"skipWaiting"`
		Claim       bool `yaml:"claim"`
	} `yaml:"lifecycle"`

	Logging struct {
		Level      string `yaml:"level" env:"LOG_LEVEL"`
		File       string `yaml:"file" env:"LOG_FILE"`
		MaxSizeMB  int    `yaml:"maxSizeMB"`
		MaxBackups int    `yaml:"maxBackups"`
		Compress   bool   `yaml:"compress"`
		StatsEvery string `yaml:"statsEvery"`
	} `yaml:"logging"`

	// compiled
	backend           []matcher
	bypass            []matcher
	ramMax            int64
	timeoutDur        time.Duration
	refreshTimeoutDur time.Duration
	statsEveryDur     time.Duration
}

const envPrefix = "OFFLINE0_"

func defaultConfig() Config {
	var cfg Config
	cfg.Server.Port = 8080
	cfg.Server.AdminPrefix = "/__offline0"
	cfg.Cache.Name = "offline0-v1"
	cfg.Cache.Static = []string{"/"}
	cfg.Storage.RAM.Max = "64mb"
	cfg.Backend.Match = "HostContains(workers.dev)"
	cfg.Network.Timeout = "30s"
	cfg.Network.RefreshTimeout = "30s"
	cfg.Network.RefreshConcurrency = 32
	cfg.Lifecycle.SkipWaiting = true
	cfg.Lifecycle.Claim = true
	cfg.Logging.Level = "info"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 10
	cfg.Logging.Compress = true
	return cfg
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML on top of the defaults, applies OFFLINE0_*
// environment overrides and compiles matchers and durations.
func ParseConfig(b []byte) (Config, error) {
	cfg := defaultConfig()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return Config{}, fmt.Errorf("env: %w", err)
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) compile() error {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")
	u, err := url.Parse(c.Server.Origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server.origin: invalid url %q", c.Server.Origin)
	}
	c.Server.AdminPrefix = "/" + strings.Trim(c.Server.AdminPrefix, "/")
	if c.Server.AdminPrefix == "/" {
		return fmt.Errorf("server.adminPrefix must not be the root path")
	}

	c.Cache.Name = strings.TrimSpace(c.Cache.Name)
	if c.Cache.Name == "" {
		return fmt.Errorf("cache.name is required")
	}
	for i, p := range c.Cache.Static {
		if !strings.HasPrefix(p, "/") && !isAbsoluteURL(p) {
			return fmt.Errorf("cache.static[%d]: %q is neither a path nor an absolute url", i, p)
		}
	}
	for i, p := range c.Cache.External {
		if !isAbsoluteURL(p) {
			return fmt.Errorf("cache.external[%d]: %q is not an absolute url", i, p)
		}
	}

	if c.ramMax, err = parseBytes(c.Storage.RAM.Max); err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}

	if c.backend, err = parseMatch(c.Backend.Match, hostMatchers); err != nil {
		return fmt.Errorf("backend.match: %w", err)
	}
	if strings.TrimSpace(c.Bypass) != "" {
		if c.bypass, err = parseMatch(c.Bypass, pathMatchers); err != nil {
			return fmt.Errorf("bypass: %w", err)
		}
	}

	if c.timeoutDur, err = parseOptionalDuration(c.Network.Timeout); err != nil {
		return fmt.Errorf("network.timeout: %w", err)
	}
	if c.refreshTimeoutDur, err = parseOptionalDuration(c.Network.RefreshTimeout); err != nil {
		return fmt.Errorf("network.refreshTimeout: %w", err)
	}
	if c.Network.RefreshConcurrency <= 0 {
		c.Network.RefreshConcurrency = 1
	}
	if c.statsEveryDur, err = parseOptionalDuration(c.Logging.StatsEvery); err != nil {
		return fmt.Errorf("logging.statsEvery: %w", err)
	}
	return nil
}

func parseOptionalDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func isAbsoluteURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// StaticURLs resolves the static asset list against the application origin.
func (c *Config) StaticURLs() []string {
	out := make([]string, 0, len(c.Cache.Static))
	for _, p := range c.Cache.Static {
		out = append(out, c.resolve(p))
	}
	return out
}

func (c *Config) resolve(p string) string {
	if isAbsoluteURL(p) {
		return p
	}
	return c.Server.Origin + p
}

// IsBackend reports whether host belongs to the remote API service.
func (c *Config) IsBackend(host string) bool {
	return matchAny(c.backend, strings.ToLower(host))
}

// Bypassed reports whether path is excluded from caching.
func (c *Config) Bypassed(path string) bool {
	return matchAny(c.bypass, path)
}

// ---- matchers ----

type matcher interface {
	Match(s string) bool
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

type hostContainsMatcher struct{ Part string }

func (m hostContainsMatcher) Match(host string) bool { return strings.Contains(host, m.Part) }

type hostSuffixMatcher struct{ Suffix string }

func (m hostSuffixMatcher) Match(host string) bool {
	return host == m.Suffix || strings.HasSuffix(host, "."+m.Suffix)
}

type hostExactMatcher struct{ Host string }

func (m hostExactMatcher) Match(host string) bool { return host == m.Host }

type matcherFactory func(arg string) (matcher, error)

var pathMatchers = map[string]matcherFactory{
	"PathPrefix": func(arg string) (matcher, error) {
		if !strings.HasPrefix(arg, "/") {
			return nil, fmt.Errorf("invalid prefix %q", arg)
		}
		return pathPrefixMatcher{Prefix: arg}, nil
	},
}

var hostMatchers = map[string]matcherFactory{
	"HostContains": func(arg string) (matcher, error) {
		return hostContainsMatcher{Part: strings.ToLower(arg)}, nil
	},
	"HostSuffix": func(arg string) (matcher, error) {
		return hostSuffixMatcher{Suffix: strings.ToLower(strings.TrimPrefix(arg, "."))}, nil
	},
	"Host": func(arg string) (matcher, error) {
		return hostExactMatcher{Host: strings.ToLower(arg)}, nil
	},
}

// parseMatch compiles expressions like "HostContains(workers.dev)|Host(api.example)".
func parseMatch(expr string, known map[string]matcherFactory) ([]matcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]matcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		open := strings.IndexByte(p, '(')
		if open <= 0 || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("malformed matcher %q", p)
		}
		name := p[:open]
		factory, ok := known[name]
		if !ok {
			return nil, fmt.Errorf("unsupported matcher %q", name)
		}
		arg := strings.TrimSpace(p[open+1 : len(p)-1])
		if arg == "" {
			return nil, fmt.Errorf("empty argument in %q", p)
		}
		m, err := factory(arg)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

func matchAny(ms []matcher, s string) bool {
	for _, m := range ms {
		if m.Match(s) {
			return true
		}
	}
	return false
}
