package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries every tunable of the broker. All components receive it by
// value at construction; there are no hidden globals.
type Config struct {
	// Port range managed by the broker, inclusive on both ends
	PortMin int `yaml:"port_min"`
	PortMax int `yaml:"port_max"`

	// Host used in generated noVNC URLs
	ServerIP string `yaml:"server_ip"`

	// Durable state document and the advisory lock file guarding it
	StateFile string `yaml:"state_file"`
	LockFile  string `yaml:"lock_file"`

	// Process termination budget
	GraceMs int `yaml:"grace_ms"`
	KillMs  int `yaml:"kill_ms"`

	// Upper bound on one websockify spawn call
	SpawnTimeoutMs int `yaml:"spawn_timeout_ms"`

	// Age at which pid-less allocations become reclaimable
	AdoptionGraceS int `yaml:"adoption_grace_s"`

	// Cleanup daemon cadence
	CleanupIntervalS int `yaml:"cleanup_interval_s"`

	// Static noVNC assets served by websockify --web
	NoVNCWebRoot string `yaml:"novnc_web_root"`

	// RunOnce makes websockify exit after the first client disconnect
	RunOnce bool `yaml:"run_once"`

	// Optional bbolt journal of session lifecycle events; empty disables it
	JournalFile string `yaml:"journal_file"`

	// Address for the daemon's /metrics and /healthz endpoints
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the broker defaults.
func Default() Config {
	return Config{
		PortMin:          6100,
		PortMax:          6999,
		ServerIP:         "127.0.0.1",
		StateFile:        "/var/lib/vncbroker/port_pool.json",
		LockFile:         "/var/lib/vncbroker/port_pool.lock",
		GraceMs:          2000,
		KillMs:           1000,
		SpawnTimeoutMs:   5000,
		AdoptionGraceS:   30,
		CleanupIntervalS: 60,
		NoVNCWebRoot:     "/usr/share/novnc",
		RunOnce:          true,
		JournalFile:      "/var/lib/vncbroker/journal.db",
		MetricsAddr:      ":9105",
	}
}

// LoadFile reads a YAML config file over the defaults. Unknown keys are
// rejected so typos surface at startup instead of silently using defaults.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks range and path sanity.
func (c Config) Validate() error {
	if c.PortMin <= 0 || c.PortMax <= 0 {
		return fmt.Errorf("port range bounds must be positive, got %d-%d", c.PortMin, c.PortMax)
	}
	if c.PortMax < c.PortMin {
		return fmt.Errorf("port_max %d is below port_min %d", c.PortMax, c.PortMin)
	}
	if c.PortMax > 65535 {
		return fmt.Errorf("port_max %d exceeds 65535", c.PortMax)
	}
	if c.StateFile == "" {
		return fmt.Errorf("state_file must be set")
	}
	if c.LockFile == "" {
		return fmt.Errorf("lock_file must be set")
	}
	if c.ServerIP == "" {
		return fmt.Errorf("server_ip must be set")
	}
	return nil
}

// PoolSize returns the number of managed ports.
func (c Config) PoolSize() int {
	return c.PortMax - c.PortMin + 1
}

// Grace returns the graceful-termination wait.
func (c Config) Grace() time.Duration {
	return time.Duration(c.GraceMs) * time.Millisecond
}

// Kill returns the post-SIGKILL wait.
func (c Config) Kill() time.Duration {
	return time.Duration(c.KillMs) * time.Millisecond
}

// SpawnTimeout returns the upper bound on one spawn call.
func (c Config) SpawnTimeout() time.Duration {
	return time.Duration(c.SpawnTimeoutMs) * time.Millisecond
}

// AdoptionGrace returns the age at which pid-less allocations expire.
func (c Config) AdoptionGrace() time.Duration {
	return time.Duration(c.AdoptionGraceS) * time.Second
}

// CleanupInterval returns the cleanup daemon cadence.
func (c Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalS) * time.Second
}
