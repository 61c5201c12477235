package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/jnweiger/ocffs/pkg/utils"
)

// Configuration represents the complete application configuration.
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Mount      MountConfig      `yaml:"mount"`
	Overlay    OverlayConfig    `yaml:"overlay"`
	Client     ClientConfig     `yaml:"client"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents global application settings.
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	MetricsPort int    `yaml:"metrics_port"`
	HealthPort  int    `yaml:"health_port"`
}

// MountConfig controls how the filesystem is mounted.
type MountConfig struct {
	Root           string `yaml:"root"`
	Mountpoint     string `yaml:"mountpoint"`
	FSName         string `yaml:"fsname"`
	AllowOther     bool   `yaml:"allow_other"`
	RetryWithoutAO bool   `yaml:"retry_without_allow_other"`
}

// OverlayConfig controls the virtual/physical placeholder overlay.
type OverlayConfig struct {
	VirtualSuffix   string        `yaml:"virtual_suffix"`
	BlockSize       int64         `yaml:"block_size"`
	PlaceholderFill string        `yaml:"placeholder_fill"`
	DBQueryTimeout  time.Duration `yaml:"db_query_timeout"`
}

// ClientConfig controls discovery of the running sync client and the
// materialization control socket.
type ClientConfig struct {
	RunDir        string        `yaml:"run_dir"`
	SocketName    string        `yaml:"socket_name"`
	SocketTimeout time.Duration `yaml:"socket_timeout"`
}

// MonitoringConfig represents monitoring settings.
type MonitoringConfig struct {
	Metrics      MetricsConfig      `yaml:"metrics"`
	HealthChecks HealthChecksConfig `yaml:"health_checks"`
}

// MetricsConfig represents metrics settings.
type MetricsConfig struct {
	Enabled    bool `yaml:"enabled"`
	Prometheus bool `yaml:"prometheus"`
}

// HealthChecksConfig represents health check settings.
type HealthChecksConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// NewDefault returns a configuration with sensible defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFile:     "",
			MetricsPort: 8080,
			HealthPort:  8081,
		},
		Mount: MountConfig{
			FSName:         "ocffs",
			AllowOther:     true,
			RetryWithoutAO: true,
		},
		Overlay: OverlayConfig{
			VirtualSuffix:   ".owncloud",
			BlockSize:       4096,
			PlaceholderFill: "go get some coffee\n",
			DBQueryTimeout:  2 * time.Second,
		},
		Client: ClientConfig{
			RunDir:        "/run/user",
			SocketName:    "socket",
			SocketTimeout: 200 * time.Millisecond,
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:    true,
				Prometheus: true,
			},
			HealthChecks: HealthChecksConfig{
				Enabled:  true,
				Interval: 30 * time.Second,
				Timeout:  5 * time.Second,
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("OCFFS_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("OCFFS_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("OCFFS_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}

	if val := os.Getenv("OCFFS_ROOT"); val != "" {
		c.Mount.Root = val
	}
	if val := os.Getenv("OCFFS_MOUNTPOINT"); val != "" {
		c.Mount.Mountpoint = val
	}
	if val := os.Getenv("OCFFS_ALLOW_OTHER"); val != "" {
		c.Mount.AllowOther = strings.ToLower(val) == "true"
	}

	if val := os.Getenv("OCFFS_VIRTUAL_SUFFIX"); val != "" {
		c.Overlay.VirtualSuffix = val
	}
	if val := os.Getenv("OCFFS_BLOCK_SIZE"); val != "" {
		if size, err := utils.ParseBytes(val); err == nil {
			c.Overlay.BlockSize = size
		}
	}
	if val := os.Getenv("OCFFS_SOCKET_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Client.SocketTimeout = duration
		}
	}
	if val := os.Getenv("OCFFS_RUN_DIR"); val != "" {
		c.Client.RunDir = val
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration.
func (c *Configuration) Validate() error {
	if c.Mount.Root == "" {
		return fmt.Errorf("mount.root must be set")
	}

	if c.Overlay.BlockSize <= 0 {
		return fmt.Errorf("overlay.block_size must be greater than 0")
	}

	if c.Overlay.VirtualSuffix == "" {
		return fmt.Errorf("overlay.virtual_suffix must not be empty")
	}

	if c.Global.MetricsPort == c.Global.HealthPort {
		return fmt.Errorf("metrics_port and health_port cannot be the same")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}
