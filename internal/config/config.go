// Package config loads the service's immutable configuration record once
// at startup, per spec.md §6. There is no hot-reload: the loaded Config is
// never mutated after Load returns.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// BackendMode selects the export pipeline's write-capsule/build-sidecar
// execution path.
type BackendMode string

const (
	BackendLocal  BackendMode = "local"
	BackendRemote BackendMode = "remote"
)

type RemoteConfig struct {
	Endpoint         string        `yaml:"endpoint"`
	APIKey           string        `yaml:"-"`
	BaseURL          string        `yaml:"baseUrl"`
	PollInterval     time.Duration `yaml:"pollInterval"`
	ExecutionTimeout time.Duration `yaml:"executionTimeout"`
	TTL              time.Duration `yaml:"ttl"`
}

// Config is the service's full set of enumerated options (spec.md §6).
type Config struct {
	BindAddress string `yaml:"bindAddress"`
	BearerKey   string `yaml:"-"`

	ExportRoot string `yaml:"exportRoot"`
	StagingDir string `yaml:"stagingDir"`

	RetentionSeconds int `yaml:"retentionSeconds"`

	QueueCapacity int `yaml:"queueCapacity"`

	ResponseBudgetBytes int `yaml:"responseBudgetBytes"`

	RateLimitPerMinute int `yaml:"rateLimitPerMinute"`
	RateLimitBurst     int `yaml:"rateLimitBurst"`

	CacheCapacity int `yaml:"cacheCapacity"`

	AllowExternalCapsules bool `yaml:"allowExternalCapsules"`

	BackendMode BackendMode  `yaml:"backendMode"`
	Remote      RemoteConfig `yaml:"remote"`

	BodySizeCapBytes int64 `yaml:"bodySizeCapBytes"`
}

// yamlFile mirrors Config's yaml-tagged fields plus the fields that are
// deliberately excluded from Config's own yaml tags (secrets) so the file
// format can still carry them for local/dev use; production deployments
// are expected to set EXPORT_BEARER_KEY / EXPORT_REMOTE_API_KEY instead
// (see Load).
type yamlFile struct {
	Config        `yaml:",inline"`
	BearerKey     string `yaml:"bearerKey"`
	RemoteAPIKey  string `yaml:"remoteApiKey"`
}

// Defaults returns the baseline configuration applied before the YAML file
// and environment overrides are layered on.
func Defaults() Config {
	return Config{
		BindAddress:         ":8080",
		ExportRoot:          "/var/lib/memvid-export",
		StagingDir:          "/var/lib/memvid-export/staging",
		RetentionSeconds:    24 * 60 * 60,
		QueueCapacity:       128,
		ResponseBudgetBytes: 64 * 1024,
		RateLimitPerMinute:  60,
		RateLimitBurst:      10,
		CacheCapacity:       256,
		BackendMode:         BackendLocal,
		BodySizeCapBytes:    500 * 1024 * 1024,
		Remote: RemoteConfig{
			PollInterval:     2 * time.Second,
			ExecutionTimeout: 30 * time.Minute,
			TTL:              2 * time.Hour,
		},
	}
}

// Load reads a YAML file into Config, applying defaults first and
// environment variable overrides last, then resolves the export root's
// graceful fallback chain.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	wrapper := yamlFile{Config: cfg}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg = wrapper.Config
	cfg.BearerKey = wrapper.BearerKey
	cfg.Remote.APIKey = wrapper.RemoteAPIKey

	applyEnvOverrides(&cfg)

	cfg.ExportRoot = resolveExportRoot(cfg.ExportRoot)

	if cfg.BearerKey == "" {
		return nil, fmt.Errorf("configuration error for setting bearerKey: value is required")
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EXPORT_BEARER_KEY"); v != "" {
		cfg.BearerKey = v
	}
	if v := os.Getenv("EXPORT_REMOTE_API_KEY"); v != "" {
		cfg.Remote.APIKey = v
	}
	if v := os.Getenv("EXPORT_BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	if v := os.Getenv("EXPORT_ROOT"); v != "" {
		cfg.ExportRoot = v
	}
}

// resolveExportRoot walks the graceful fallback chain from spec.md §6:
// the configured root, then /tmp, /dev/shm, ./exports — the first
// directory that can be created/written to wins.
func resolveExportRoot(configured string) string {
	candidates := []string{configured, "/tmp/memvid-export", "/dev/shm/memvid-export", "./exports"}
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if err := os.MkdirAll(candidate, 0o755); err != nil {
			continue
		}
		probe := filepath.Join(candidate, ".write-probe")
		if f, err := os.Create(probe); err == nil {
			f.Close()
			os.Remove(probe)
			return candidate
		}
	}
	return configured
}
