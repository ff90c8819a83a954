package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/gwdatafind/datafind-server/pkg/errors"
)

// Auth modes
const (
	AuthModeNone       = "none"
	AuthModeAccessList = "accesslist"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global     GlobalConfig       `yaml:"global"`
	Server     ServerConfig       `yaml:"server"`
	Inventory  InventoryConfig    `yaml:"inventory"`
	AccessList AccessListConfig   `yaml:"access_list"`
	Auth       AuthConfig         `yaml:"auth"`
	URLs       []EndpointConfig   `yaml:"urls"`
	Preference []PreferenceConfig `yaml:"preference"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`
	// Log file rotation, ignored when LogFile is empty
	LogMaxSizeMB  int64 `yaml:"log_max_size_mb"`
	LogMaxBackups int   `yaml:"log_max_backups"`
	LogCompress   bool  `yaml:"log_compress"`
}

// ServerConfig represents the HTTP server settings
type ServerConfig struct {
	Address         string        `yaml:"address"`
	APIPrefix       string        `yaml:"api_prefix"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// ReadyTimeout bounds how long a request waits for the first snapshot.
	ReadyTimeout  time.Duration `yaml:"ready_timeout"`
	EnableMetrics bool          `yaml:"enable_metrics"`
	MetricsPath   string        `yaml:"metrics_path"`
	EnableCORS    bool          `yaml:"enable_cors"`
}

// InventoryConfig represents the frame inventory file settings
type InventoryConfig struct {
	Path            string        `yaml:"path"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	Watch           bool          `yaml:"watch"`
	Debounce        time.Duration `yaml:"debounce"`
	LegacyExtension string        `yaml:"legacy_extension"`
	Include         []string      `yaml:"include"`
	Exclude         []string      `yaml:"exclude"`
	Strict          bool          `yaml:"strict"`
	// ReadAttempts bounds stat/open attempts per refresh cycle.
	ReadAttempts int `yaml:"read_attempts"`
}

// AccessListConfig represents the access list file settings
type AccessListConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Path            string        `yaml:"path"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	Watch           bool          `yaml:"watch"`
	ReadAttempts    int           `yaml:"read_attempts"`
}

// AuthConfig represents authorization settings
type AuthConfig struct {
	Mode          string `yaml:"mode"`
	SubjectHeader string `yaml:"subject_header"`
}

// EndpointConfig is one URL scheme the server hands out
type EndpointConfig struct {
	Scheme      string `yaml:"scheme"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	StripPrefix string `yaml:"strip_prefix"`
	PathPrefix  string `yaml:"path_prefix"`
}

// PreferenceConfig is one ordered URL preference rule
type PreferenceConfig struct {
	Pattern string   `yaml:"pattern"`
	Prefer  []string `yaml:"prefer"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:      "INFO",
			LogFormat:     "json",
			LogFile:       "",
			LogMaxSizeMB:  100,
			LogMaxBackups: 5,
		},
		Server: ServerConfig{
			Address:         ":8080",
			APIPrefix:       "/api/v1",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			ReadyTimeout:    10 * time.Second,
			EnableMetrics:   true,
			MetricsPath:     "/metrics",
		},
		Inventory: InventoryConfig{
			Path:            "/var/lib/datafind/frame_cache.dat",
			RefreshInterval: 60 * time.Second,
			Watch:           true,
			Debounce:        250 * time.Millisecond,
			LegacyExtension: "gwf",
			ReadAttempts:    3,
		},
		AccessList: AccessListConfig{
			Enabled:         false,
			Path:            "/etc/datafind/grid-mapfile",
			RefreshInterval: 60 * time.Second,
			Watch:           true,
			ReadAttempts:    3,
		},
		Auth: AuthConfig{
			Mode:          AuthModeNone,
			SubjectHeader: "X-SSL-Client-S-DN",
		},
		URLs: []EndpointConfig{
			{Scheme: "file", Host: "localhost"},
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(errors.ErrCodeConfigLoad, err, "failed to read config file").
			WithDetail("file", filename)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(errors.ErrCodeConfigLoad, err, "failed to parse config file").
			WithDetail("file", filename)
	}

	return nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. With no
// files, ./.env is loaded when it exists.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		files = []string{".env"}
	}
	if err := godotenv.Load(files...); err != nil {
		return errors.Wrap(errors.ErrCodeConfigLoad, err, "failed to load env file").
			WithDetail("files", strings.Join(files, ","))
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	if val := os.Getenv("DATAFIND_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("DATAFIND_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("DATAFIND_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}

	// Server settings
	if val := os.Getenv("DATAFIND_ADDRESS"); val != "" {
		c.Server.Address = val
	}
	if val := os.Getenv("DATAFIND_API_PREFIX"); val != "" {
		c.Server.APIPrefix = val
	}
	if val := os.Getenv("DATAFIND_ENABLE_METRICS"); val != "" {
		c.Server.EnableMetrics = parseBool(val)
	}

	// Inventory settings
	if val := os.Getenv("DATAFIND_INVENTORY_PATH"); val != "" {
		c.Inventory.Path = val
	}
	if val := os.Getenv("DATAFIND_INVENTORY_REFRESH_INTERVAL"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return invalid("invalid DATAFIND_INVENTORY_REFRESH_INTERVAL %q: %v", val, err)
		}
		c.Inventory.RefreshInterval = d
	}
	if val := os.Getenv("DATAFIND_INVENTORY_WATCH"); val != "" {
		c.Inventory.Watch = parseBool(val)
	}
	if val := os.Getenv("DATAFIND_INVENTORY_STRICT"); val != "" {
		c.Inventory.Strict = parseBool(val)
	}
	if val := os.Getenv("DATAFIND_LEGACY_EXTENSION"); val != "" {
		c.Inventory.LegacyExtension = val
	}

	// Access list and auth settings
	if val := os.Getenv("DATAFIND_ACCESS_LIST_ENABLED"); val != "" {
		c.AccessList.Enabled = parseBool(val)
	}
	if val := os.Getenv("DATAFIND_ACCESS_LIST_PATH"); val != "" {
		c.AccessList.Path = val
	}
	if val := os.Getenv("DATAFIND_ACCESS_LIST_REFRESH_INTERVAL"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return invalid("invalid DATAFIND_ACCESS_LIST_REFRESH_INTERVAL %q: %v", val, err)
		}
		c.AccessList.RefreshInterval = d
	}
	if val := os.Getenv("DATAFIND_AUTH_MODE"); val != "" {
		c.Auth.Mode = strings.ToLower(val)
	}
	if val := os.Getenv("DATAFIND_SUBJECT_HEADER"); val != "" {
		c.Auth.SubjectHeader = val
	}

	return nil
}

func parseBool(val string) bool {
	b, err := strconv.ParseBool(val)
	return err == nil && b
}

// SaveToFile saves the configuration to a YAML file
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

// Validate validates the configuration
func (c *Configuration) Validate() error {
	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.EqualFold(c.Global.LogLevel, level) {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return invalid("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}
	switch strings.ToLower(c.Global.LogFormat) {
	case "", "json", "console":
	default:
		return invalid("invalid log_format: %s (must be json or console)", c.Global.LogFormat)
	}

	if c.Global.LogMaxSizeMB < 0 || c.Global.LogMaxBackups < 0 {
		return invalid("log rotation limits must not be negative")
	}

	if c.Server.Address == "" {
		return invalid("server address is required")
	}
	if c.Server.APIPrefix != "" && !strings.HasPrefix(c.Server.APIPrefix, "/") {
		return invalid("api_prefix must start with /")
	}
	if c.Server.EnableMetrics && !strings.HasPrefix(c.Server.MetricsPath, "/") {
		return invalid("metrics_path must start with /")
	}

	if c.Inventory.Path == "" {
		return invalid("inventory path is required")
	}
	if c.Inventory.RefreshInterval <= 0 {
		return invalid("inventory refresh_interval must be greater than 0")
	}
	if c.Inventory.ReadAttempts < 0 {
		return invalid("inventory read_attempts must not be negative")
	}
	if err := compileAll("inventory include", c.Inventory.Include); err != nil {
		return err
	}
	if err := compileAll("inventory exclude", c.Inventory.Exclude); err != nil {
		return err
	}

	if c.AccessList.Enabled {
		if c.AccessList.Path == "" {
			return invalid("access_list path is required when enabled")
		}
		if c.AccessList.RefreshInterval <= 0 {
			return invalid("access_list refresh_interval must be greater than 0")
		}
		if c.AccessList.ReadAttempts < 0 {
			return invalid("access_list read_attempts must not be negative")
		}
	}

	switch c.Auth.Mode {
	case AuthModeNone:
	case AuthModeAccessList:
		if !c.AccessList.Enabled {
			return invalid("auth mode %s requires access_list.enabled", AuthModeAccessList)
		}
	default:
		return invalid("invalid auth mode: %s (must be %s or %s)", c.Auth.Mode, AuthModeNone, AuthModeAccessList)
	}

	for i, ep := range c.URLs {
		if ep.Scheme == "" {
			return invalid("urls[%d]: scheme is required", i)
		}
		if ep.Port < 0 || ep.Port > 65535 {
			return invalid("urls[%d]: invalid port %d", i, ep.Port)
		}
	}

	for i, p := range c.Preference {
		if _, err := regexp.Compile(p.Pattern); err != nil {
			return invalid("preference[%d]: invalid pattern %q: %v", i, p.Pattern, err)
		}
		if err := compileAll(fmt.Sprintf("preference[%d] prefer", i), p.Prefer); err != nil {
			return err
		}
	}

	return nil
}

func compileAll(what string, patterns []string) error {
	for _, p := range patterns {
		if _, err := regexp.Compile(p); err != nil {
			return invalid("%s: invalid pattern %q: %v", what, p, err)
		}
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return errors.NewError(errors.ErrCodeInvalidConfig, fmt.Sprintf(format, args...)).
		WithComponent("config")
}
