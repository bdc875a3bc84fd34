// Package config provides configuration management for the gateway server.
// It loads a YAML configuration file once into a frozen Config value; edits
// to the file on disk are not applied to a running process.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the gateway process.
type Config struct {
	// Port is the network port the public HTTP surface listens on.
	Port int `yaml:"port"`
	// AuthDir is the directory the file-backed token store persists records to.
	AuthDir string `yaml:"auth-dir"`
	// Debug enables verbose logging.
	Debug bool `yaml:"debug"`
	// LogToFile enables rotating file logging via lumberjack.
	LogToFile bool `yaml:"log-to-file"`
	// ProxyURL is an optional outbound proxy used for every upstream call.
	ProxyURL string `yaml:"proxy-url"`
	// APIKeys authenticate clients of the public OpenAI-compatible surface.
	APIKeys []string `yaml:"api-keys"`
	// AdminKey authenticates the admin surface.
	AdminKey string `yaml:"admin-key"`
	// AllowRemoteAdmin permits admin endpoints from non-loopback clients.
	AllowRemoteAdmin bool `yaml:"allow-remote-admin"`

	Pool       PoolConfig       `yaml:"pool"`
	Retry      RetryConfig      `yaml:"retry"`
	Stream     StreamConfig     `yaml:"stream"`
	Usage      UsageConfig      `yaml:"usage"`
	Asset      AssetConfig      `yaml:"asset"`
	NSFW       NSFWConfig       `yaml:"nsfw"`
	Image      ImageConfig      `yaml:"image"`
	Video      VideoConfig      `yaml:"video"`
	MediaCache MediaCacheConfig `yaml:"media-cache"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
}

// PoolConfig tunes the token pool manager (spec.md §4.1).
type PoolConfig struct {
	// Backend selects the persistence implementation: "file" or "bolt".
	Backend string `yaml:"backend"`
	// BoltPath is the bbolt database path when Backend == "bolt".
	BoltPath string `yaml:"bolt-path"`
	// FailThreshold is the consecutive-failure count that disables a token.
	FailThreshold int `yaml:"fail-threshold"`
	// SaveDelayMS debounces persistence flushes after a mutation.
	SaveDelayMS int `yaml:"save-delay-ms"`
	// RefreshIntervalHours governs Basic-tier quota refresh cadence.
	RefreshIntervalHours float64 `yaml:"refresh-interval-hours"`
	// SuperRefreshIntervalHours governs Super-tier quota refresh cadence.
	SuperRefreshIntervalHours float64 `yaml:"super-refresh-interval-hours"`
	// ReloadIntervalSec governs cross-worker version-polling reload cadence.
	ReloadIntervalSec int `yaml:"reload-interval-sec"`
}

// RetryConfig tunes the upstream request pipeline (spec.md §4.2).
type RetryConfig struct {
	MaxRetry         int     `yaml:"max-retry"`
	RetryStatusCodes []int   `yaml:"retry-status-codes"`
	BackoffBaseSec   float64 `yaml:"backoff-base-sec"`
	BackoffFactor    float64 `yaml:"backoff-factor"`
	BackoffMaxSec    float64 `yaml:"backoff-max-sec"`
	BudgetSec        float64 `yaml:"budget-sec"`
	TimeoutSec       float64 `yaml:"timeout-sec"`
}

// StreamConfig tunes the stream translator's idle timeouts and tag filter.
type StreamConfig struct {
	StreamTimeoutSec int      `yaml:"stream-timeout-sec"`
	FilteredTags     []string `yaml:"filtered-tags"`
	ThinkingEnabled  bool     `yaml:"thinking-enabled"`
}

// UsageConfig bounds the refresh_usage batch task's concurrency. The pool's
// scheduled quota refresh does not read it and probes one record at a time.
type UsageConfig struct {
	Concurrent int `yaml:"concurrent"`
}

// AssetConfig bounds the batch engine's remote-asset fan-out concurrency.
type AssetConfig struct {
	ListConcurrent int `yaml:"list-concurrent"`
}

// NSFWConfig bounds the content-mode batch task's concurrency.
type NSFWConfig struct {
	Concurrent int `yaml:"concurrent"`
}

// ImageConfig tunes the WebSocket image mode.
type ImageConfig struct {
	UseWebSocket     bool `yaml:"use-websocket"`
	MediumMinBytes   int  `yaml:"medium-min-bytes"`
	FinalMinBytes    int  `yaml:"final-min-bytes"`
	FinalTimeoutSec  int  `yaml:"final-timeout-sec"`
	StreamTimeoutSec int  `yaml:"stream-timeout-sec"`
}

// VideoConfig tunes video generation requests.
type VideoConfig struct {
	StreamTimeoutSec int `yaml:"stream-timeout-sec"`
}

// MediaCacheConfig tunes the local media cache adapter.
type MediaCacheConfig struct {
	Dir           string `yaml:"dir"`
	MaxEntries    int    `yaml:"max-entries"`
	PublicBaseURL string `yaml:"public-base-url"`
}

// UpstreamConfig carries the fixed addressing details for the upstream service.
type UpstreamConfig struct {
	BaseURL           string `yaml:"base-url"`
	WebSocketURL      string `yaml:"websocket-url"`
	UserAgent         string `yaml:"user-agent"`
	StaticFingerprint string `yaml:"static-fingerprint"`
	CFClearance       string `yaml:"cf-clearance"`
}

// Default returns a Config populated with the defaults named throughout spec.md.
func Default() *Config {
	return &Config{
		Port:    8080,
		AuthDir: "data/tokens",
		Pool: PoolConfig{
			Backend:                   "file",
			BoltPath:                  "data/pool.bolt",
			FailThreshold:             5,
			SaveDelayMS:               500,
			RefreshIntervalHours:      24,
			SuperRefreshIntervalHours: 6,
			ReloadIntervalSec:         30,
		},
		Retry: RetryConfig{
			MaxRetry:         3,
			RetryStatusCodes: []int{401, 403, 429},
			BackoffBaseSec:   0.5,
			BackoffFactor:    2.0,
			BackoffMaxSec:    30,
			BudgetSec:        90,
			TimeoutSec:       90,
		},
		Stream: StreamConfig{
			StreamTimeoutSec: 60,
			FilteredTags:     []string{"xaiartifact", "xai:tool_usage_card", "grok:render"},
			ThinkingEnabled:  true,
		},
		Usage: UsageConfig{Concurrent: 10},
		Asset: AssetConfig{ListConcurrent: 20},
		NSFW:  NSFWConfig{Concurrent: 10},
		Image: ImageConfig{
			MediumMinBytes:   20 * 1024,
			FinalMinBytes:    80 * 1024,
			FinalTimeoutSec:  20,
			StreamTimeoutSec: 120,
		},
		Video: VideoConfig{StreamTimeoutSec: 120},
		MediaCache: MediaCacheConfig{
			Dir:        "data/media",
			MaxEntries: 5000,
		},
	}
}

// SaveDelay returns the configured debounce window as a time.Duration.
func (c *PoolConfig) SaveDelay() time.Duration {
	if c.SaveDelayMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.SaveDelayMS) * time.Millisecond
}

// Load reads a YAML configuration file from path, layering it over Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
