// Package config handles configuration loading and validation.
package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gateway-fm/rpcfallback/internal/metrics"
	"github.com/gateway-fm/rpcfallback/internal/ratelimit"
	"github.com/gateway-fm/rpcfallback/internal/router"
	"github.com/gateway-fm/rpcfallback/internal/rpc"
	"github.com/gateway-fm/rpcfallback/internal/storage"
	"github.com/gateway-fm/rpcfallback/internal/upstream"
)

// Config holds the proxy configuration.
type Config struct {
	ListenAddr    string
	UpstreamsFile string   // YAML list of upstreams
	UpstreamURLs  []string // alternative to UpstreamsFile
	Upstreams     []UpstreamConfig

	AllowableBlockLag           int
	HaltDetection               time.Duration
	LivelinessPollInterval      time.Duration
	BroadcastToAll              bool
	BroadcastOnlyToMEVProtected bool
	ThrowOnFirstBlockchainError bool

	Store        string // "memory", "sqlite" or "bolt"
	DatabasePath string

	LogLevel           string
	LogFormat          string // "text" or "json"
	CORSAllowedOrigins string // Comma-separated list of allowed origins, or "*" for all
}

// UpstreamConfig describes one upstream endpoint in the upstreams file.
type UpstreamConfig struct {
	ID           string            `yaml:"id"`
	URL          string            `yaml:"url"`
	Retries      int               `yaml:"retries"`
	Timeout      time.Duration     `yaml:"timeout"`
	RetryDelay   time.Duration     `yaml:"retryDelay"`
	MEVProtected bool              `yaml:"mevProtected"`
	RateLimit    float64           `yaml:"rateLimit"`   // requests per second, 0 = unlimited
	CacheHeight  bool              `yaml:"cacheHeight"` // persist heights in the store
	Headers      map[string]string `yaml:"headers"`

	// CacheHeightTTL is how long a cached height is trusted before the
	// upstream is queried live again. Defaults to the liveliness poll
	// interval.
	CacheHeightTTL time.Duration `yaml:"cacheHeightTTL"`
}

type upstreamsFile struct {
	Upstreams []UpstreamConfig `yaml:"upstreams"`
}

// Defaults
const (
	DefaultListenAddr             = ":8545"
	DefaultAllowableBlockLag      = router.DefaultAllowableBlockLag
	DefaultHaltDetection          = router.DefaultHaltDetection
	DefaultLivelinessPollInterval = 15 * time.Second
	DefaultStore                  = "memory"
	DefaultDatabasePath           = "./data/rpcfallback.db"
	DefaultLogLevel               = "info"
	DefaultLogFormat              = "text"
	DefaultCORSAllowedOrigins     = "*"
)

// Load reads configuration from environment variables and command-line
// flags in args. Flags take precedence over environment variables.
func Load(args []string) (*Config, error) {
	cfg := &Config{
		ListenAddr:                  DefaultListenAddr,
		AllowableBlockLag:           DefaultAllowableBlockLag,
		HaltDetection:               DefaultHaltDetection,
		LivelinessPollInterval:      DefaultLivelinessPollInterval,
		ThrowOnFirstBlockchainError: true,
		Store:                       DefaultStore,
		DatabasePath:                DefaultDatabasePath,
		LogLevel:                    DefaultLogLevel,
		LogFormat:                   DefaultLogFormat,
		CORSAllowedOrigins:          DefaultCORSAllowedOrigins,
	}

	// Load from environment variables first
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("UPSTREAMS_FILE"); v != "" {
		cfg.UpstreamsFile = v
	}
	if v := os.Getenv("UPSTREAM_URLS"); v != "" {
		cfg.UpstreamURLs = splitList(v)
	}
	if v := os.Getenv("ALLOWABLE_BLOCK_LAG"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid ALLOWABLE_BLOCK_LAG: %w", err)
		}
		cfg.AllowableBlockLag = n
	}
	for _, d := range []struct {
		env string
		dst *time.Duration
	}{
		{"HALT_DETECTION", &cfg.HaltDetection},
		{"LIVELINESS_POLL_INTERVAL", &cfg.LivelinessPollInterval},
	} {
		if v := os.Getenv(d.env); v != "" {
			dur, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", d.env, err)
			}
			*d.dst = dur
		}
	}
	for _, b := range []struct {
		env string
		dst *bool
	}{
		{"BROADCAST_TO_ALL", &cfg.BroadcastToAll},
		{"BROADCAST_ONLY_TO_MEV_PROTECTED", &cfg.BroadcastOnlyToMEVProtected},
		{"THROW_ON_FIRST_BLOCKCHAIN_ERROR", &cfg.ThrowOnFirstBlockchainError},
	} {
		if v := os.Getenv(b.env); v != "" {
			on, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", b.env, err)
			}
			*b.dst = on
		}
	}
	if v := os.Getenv("STORE"); v != "" {
		cfg.Store = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = v
	}

	// Define command-line flags
	fs := flag.NewFlagSet("rpcfallback", flag.ContinueOnError)
	var (
		listenAddr    = fs.String("listen", cfg.ListenAddr, "HTTP listen address")
		upstreamsFile = fs.String("upstreams-file", cfg.UpstreamsFile, "YAML file listing upstreams")
		upstreamURLs  = fs.String("upstreams", strings.Join(cfg.UpstreamURLs, ","), "Comma-separated upstream URLs in priority order")
		blockLag      = fs.Int("block-lag", cfg.AllowableBlockLag, "Blocks an upstream may trail the median")
		haltDetection = fs.Duration("halt-detection", cfg.HaltDetection, "Declare a halt after the median stalls this long (0 disables)")
		pollInterval  = fs.Duration("poll-interval", cfg.LivelinessPollInterval, "Liveliness check interval (0 disables)")
		broadcast     = fs.Bool("broadcast", cfg.BroadcastToAll, "Broadcast eth_sendRawTransaction to every active upstream")
		mevOnly       = fs.Bool("mev-only", cfg.BroadcastOnlyToMEVProtected, "Send raw transactions only to MEV-protected upstreams")
		throwFirst    = fs.Bool("throw-on-blockchain-error", cfg.ThrowOnFirstBlockchainError, "Return blockchain errors without retry or fallback")
		store         = fs.String("store", cfg.Store, "Height and discovery store (memory, sqlite, bolt)")
		dbPath        = fs.String("db", cfg.DatabasePath, "Database path for the sqlite or bolt store")
		logLevel      = fs.String("log-level", cfg.LogLevel, "Log level (debug, info, notice, warn, error)")
		logFormat     = fs.String("log-format", cfg.LogFormat, "Log format (text, json)")
	)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Apply flags to config
	cfg.ListenAddr = *listenAddr
	cfg.UpstreamsFile = *upstreamsFile
	cfg.UpstreamURLs = splitList(*upstreamURLs)
	cfg.AllowableBlockLag = *blockLag
	cfg.HaltDetection = *haltDetection
	cfg.LivelinessPollInterval = *pollInterval
	cfg.BroadcastToAll = *broadcast
	cfg.BroadcastOnlyToMEVProtected = *mevOnly
	cfg.ThrowOnFirstBlockchainError = *throwFirst
	cfg.Store = *store
	cfg.DatabasePath = *dbPath
	cfg.LogLevel = *logLevel
	cfg.LogFormat = *logFormat

	switch {
	case cfg.UpstreamsFile != "":
		ups, err := LoadUpstreamsFile(cfg.UpstreamsFile)
		if err != nil {
			return nil, err
		}
		cfg.Upstreams = ups
	default:
		for _, u := range cfg.UpstreamURLs {
			cfg.Upstreams = append(cfg.Upstreams, UpstreamConfig{URL: u})
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadUpstreamsFile parses a YAML upstreams file.
func LoadUpstreamsFile(path string) ([]UpstreamConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstreams file: %w", err)
	}
	return ParseUpstreams(data)
}

// ParseUpstreams decodes the upstreams document:
//
//	upstreams:
//	  - id: alchemy
//	    url: https://eth-mainnet.example/v2/key
//	    retries: 2
//	    timeout: 3s
//	    rateLimit: 25
func ParseUpstreams(data []byte) ([]UpstreamConfig, error) {
	var doc upstreamsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse upstreams file: %w", err)
	}
	return doc.Upstreams, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if len(c.Upstreams) == 0 {
		return errors.New("at least one upstream is required (UPSTREAMS_FILE or UPSTREAM_URLS)")
	}
	if c.AllowableBlockLag < 0 {
		return errors.New("block lag cannot be negative")
	}
	if c.HaltDetection < 0 {
		return errors.New("halt detection cannot be negative")
	}
	if c.LivelinessPollInterval < 0 {
		return errors.New("poll interval cannot be negative")
	}

	switch c.Store {
	case "memory":
	case "sqlite", "bolt":
		if c.DatabasePath == "" {
			return fmt.Errorf("store %s requires a database path", c.Store)
		}
	default:
		return fmt.Errorf("unknown store: %s (supported: memory, sqlite, bolt)", c.Store)
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log format: %s (supported: text, json)", c.LogFormat)
	}

	seen := make(map[string]bool, len(c.Upstreams))
	for i, u := range c.Upstreams {
		if err := u.validate(); err != nil {
			return fmt.Errorf("upstream %d: %w", i, err)
		}
		if u.ID != "" {
			if seen[u.ID] {
				return fmt.Errorf("upstream %d: duplicate id %q", i, u.ID)
			}
			seen[u.ID] = true
		}
		if u.CacheHeight && c.Store == "memory" {
			return fmt.Errorf("upstream %d: cacheHeight requires a sqlite or bolt store", i)
		}
		if u.CacheHeight && c.cacheHeightTTL(u) <= 0 {
			return fmt.Errorf("upstream %d: cacheHeight requires cacheHeightTTL or a liveliness poll interval", i)
		}
	}
	return nil
}

func (u UpstreamConfig) validate() error {
	parsed, err := url.Parse(u.URL)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("invalid url %q", u.URL)
	}
	switch parsed.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("unsupported url scheme %q", parsed.Scheme)
	}
	if u.Retries < 0 {
		return errors.New("retries cannot be negative")
	}
	if u.Timeout < 0 || u.RetryDelay < 0 {
		return errors.New("timeout and retryDelay cannot be negative")
	}
	if u.RateLimit < 0 {
		return errors.New("rateLimit cannot be negative")
	}
	if u.CacheHeightTTL < 0 {
		return errors.New("cacheHeightTTL cannot be negative")
	}
	return nil
}

// ParseLogLevel maps a level name to a slog level. "notice" sits between
// info and warn.
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "notice":
		return router.LevelNotice, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level: %s", level)
	}
}

// RouterOptions builds router options. store may be nil, in which case
// the router keeps its discovery record in memory.
func (c *Config) RouterOptions(store storage.Store, m *metrics.RouterMetrics, logger *slog.Logger) router.Options {
	opts := router.DefaultOptions()
	opts.AllowableBlockLag = c.AllowableBlockLag
	opts.HaltDetection = c.HaltDetection
	opts.LivelinessPollInterval = c.LivelinessPollInterval
	opts.BroadcastToAll = c.BroadcastToAll
	opts.BroadcastOnlyToMEVProtected = c.BroadcastOnlyToMEVProtected
	opts.RetryBlockchainErrors = !c.ThrowOnFirstBlockchainError
	opts.Logger = logger
	if m != nil {
		opts.Metrics = m
	}
	if store != nil {
		opts.GetBlockDiscoveryTime = store.BlockDiscoveryTime
		opts.SetBlockDiscoveryTime = store.SetBlockDiscoveryTime
	}
	return opts
}

// RouterUpstreams builds an upstream.Config per configured endpoint,
// opening its transport. Websocket endpoints connect in the background.
func (c *Config) RouterUpstreams(store storage.Store, logger *slog.Logger) ([]upstream.Config, error) {
	configs := make([]upstream.Config, 0, len(c.Upstreams))
	for i, u := range c.Upstreams {
		id := u.ID
		if id == "" {
			id = strconv.Itoa(i)
		}

		transport, err := u.transport(logger)
		if err != nil {
			for _, prev := range configs {
				prev.Transport.Close()
			}
			return nil, fmt.Errorf("upstream %s: %w", id, err)
		}

		uc := upstream.Config{
			Transport:    transport,
			ID:           id,
			Retries:      u.Retries,
			Timeout:      u.Timeout,
			RetryDelay:   u.RetryDelay,
			MEVProtected: u.MEVProtected,
			Logger:       logger,
		}
		if u.RateLimit > 0 {
			uc.Limiter = ratelimit.New(u.RateLimit)
		}
		if u.CacheHeight && store != nil {
			uc.GetCachedHeight, uc.SetCachedHeight = storage.HeightCache(store, id, c.cacheHeightTTL(u), nil)
		}
		configs = append(configs, uc)
	}
	return configs, nil
}

func (c *Config) cacheHeightTTL(u UpstreamConfig) time.Duration {
	if u.CacheHeightTTL > 0 {
		return u.CacheHeightTTL
	}
	return c.LivelinessPollInterval
}

func (u UpstreamConfig) transport(logger *slog.Logger) (upstream.Transport, error) {
	parsed, err := url.Parse(u.URL)
	if err != nil {
		return nil, err
	}

	switch parsed.Scheme {
	case "http", "https":
		cc := rpc.DefaultClientConfig(u.URL)
		cc.Headers = u.Headers
		cc.Logger = logger
		return rpc.NewHTTPClient(cc), nil
	case "ws", "wss":
		return rpc.DialWS(rpc.WSConfig{
			URL:       u.URL,
			Reconnect: true,
			Header:    toHeader(u.Headers),
			Logger:    logger,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported url scheme %q", parsed.Scheme)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func toHeader(m map[string]string) http.Header {
	if len(m) == 0 {
		return nil
	}
	h := make(http.Header, len(m))
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}
