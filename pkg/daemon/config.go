package daemon

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the daemon's tunables, populated from flags and an
// optional YAML file (flags win).
type Config struct {
	// RootDir is the root persisted paths resolve under (paths like
	// /var/chef/packs are joined beneath it).
	RootDir string `yaml:"root_dir"`

	// DataDir holds the journal, id counter, trust store, CA and pack
	// cache databases.
	DataDir string `yaml:"data_dir"`

	// ListenAddr, when set, additionally serves the read-only TLS
	// listener on this TCP address.
	ListenAddr string `yaml:"listen_addr"`

	// MetricsAddr serves /metrics, /health, /ready and /live.
	MetricsAddr string `yaml:"metrics_addr"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	// GracePeriod is how long terminal transactions stay queryable.
	GracePeriod time.Duration `yaml:"grace_period"`

	// DownloadRetryCap bounds download-retry cycles (0 = default 5).
	DownloadRetryCap int `yaml:"download_retry_cap"`

	// DependencyWaitTimeout bounds dependency waits (0 = default 10m).
	DependencyWaitTimeout time.Duration `yaml:"dependency_wait_timeout"`

	// LogCapacity bounds each transaction's retained log entries.
	LogCapacity int `yaml:"log_capacity"`
}

// DefaultConfig returns the daemon defaults.
func DefaultConfig() Config {
	return Config{
		RootDir:     "/",
		DataDir:     "/var/chef/state",
		MetricsAddr: "127.0.0.1:9090",
		LogLevel:    "info",
		GracePeriod: time.Hour,
	}
}

// UnmarshalYAML overlays only the keys present in the document, so a
// partial config file keeps the remaining defaults. Durations are
// written in Go syntax ("30m", "1h").
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		RootDir               *string `yaml:"root_dir"`
		DataDir               *string `yaml:"data_dir"`
		ListenAddr            *string `yaml:"listen_addr"`
		MetricsAddr           *string `yaml:"metrics_addr"`
		LogLevel              *string `yaml:"log_level"`
		LogJSON               *bool   `yaml:"log_json"`
		GracePeriod           *string `yaml:"grace_period"`
		DownloadRetryCap      *int    `yaml:"download_retry_cap"`
		DependencyWaitTimeout *string `yaml:"dependency_wait_timeout"`
		LogCapacity           *int    `yaml:"log_capacity"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setString(&c.RootDir, raw.RootDir)
	setString(&c.DataDir, raw.DataDir)
	setString(&c.ListenAddr, raw.ListenAddr)
	setString(&c.MetricsAddr, raw.MetricsAddr)
	setString(&c.LogLevel, raw.LogLevel)
	if raw.LogJSON != nil {
		c.LogJSON = *raw.LogJSON
	}
	if raw.DownloadRetryCap != nil {
		c.DownloadRetryCap = *raw.DownloadRetryCap
	}
	if raw.LogCapacity != nil {
		c.LogCapacity = *raw.LogCapacity
	}

	setDuration := func(dst *time.Duration, src *string, key string) error {
		if src == nil {
			return nil
		}
		d, err := time.ParseDuration(*src)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = d
		return nil
	}
	if err := setDuration(&c.GracePeriod, raw.GracePeriod, "grace_period"); err != nil {
		return err
	}
	return setDuration(&c.DependencyWaitTimeout, raw.DependencyWaitTimeout, "dependency_wait_timeout")
}

// LoadConfig reads a YAML config file over the defaults. An empty
// path returns the defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}
