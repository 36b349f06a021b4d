package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/tflow/attachstore/internal/attachment"
	"github.com/tflow/attachstore/internal/cache"
	"github.com/tflow/attachstore/internal/circuit"
	"github.com/tflow/attachstore/internal/compress"
	"github.com/tflow/attachstore/internal/metrics"
	"github.com/tflow/attachstore/internal/pathresolve"
	"github.com/tflow/attachstore/internal/remote/ftp"
	"github.com/tflow/attachstore/internal/remote/s3"
	"github.com/tflow/attachstore/internal/session"
	"github.com/tflow/attachstore/internal/transfer"
	"github.com/tflow/attachstore/pkg/retry"
	"github.com/tflow/attachstore/pkg/utils"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "ATTACHSTORE_"

// Remote drivers.
const (
	DriverFTP = "ftp"
	DriverS3  = "s3"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global      GlobalConfig    `yaml:"global"`
	Remote      RemoteConfig    `yaml:"remote"`
	Pool        session.Config  `yaml:"pool"`
	Retry       retry.Config    `yaml:"retry"`
	Compression compress.Config `yaml:"compression"`
	Cache       CacheConfig     `yaml:"cache"`
	Transfer    TransferConfig  `yaml:"transfer"`
	Uploads     UploadsConfig   `yaml:"uploads"`
	HTTP        HTTPConfig      `yaml:"http"`
	Database    DatabaseConfig  `yaml:"database"`
	Metrics     metrics.Config  `yaml:"metrics"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`
}

// RemoteConfig selects and configures the remote file host.
type RemoteConfig struct {
	Driver  string             `yaml:"driver"`
	FTP     ftp.Config         `yaml:"ftp"`
	S3      s3.Config          `yaml:"s3"`
	Layout  pathresolve.Layout `yaml:"layout"`
	Breaker circuit.Config     `yaml:"breaker"`
}

// CacheConfig represents cache configuration. Sizes are human-readable
// strings such as "1MB".
type CacheConfig struct {
	Enabled           bool          `yaml:"enabled"`
	TTL               time.Duration `yaml:"ttl"`
	MemoryMaxEntries  int           `yaml:"memory_max_entries"`
	MemoryMaxItemSize string        `yaml:"memory_max_item_size"`
	Directory         string        `yaml:"directory"`
	MaxSize           string        `yaml:"max_size"`
	Compression       bool          `yaml:"compression"`
}

// TransferConfig represents transfer pipeline settings
type TransferConfig struct {
	TeeLimit            string `yaml:"tee_limit"`
	DisableRootFallback bool   `yaml:"disable_root_fallback"`
}

// UploadsConfig represents upload limits and the local fallback directory
type UploadsConfig struct {
	MaxFiles     int      `yaml:"max_files"`
	MaxFileSize  string   `yaml:"max_file_size"`
	AllowedTypes []string `yaml:"allowed_types"`

	// LocalFallbackDir keeps uploads the remote store rejected. Empty
	// disables the fallback.
	LocalFallbackDir string `yaml:"local_fallback_dir"`
}

// HTTPConfig represents HTTP server settings
type HTTPConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig represents record store settings. An empty DSN keeps
// records in memory.
type DatabaseConfig struct {
	DSN         string `yaml:"dsn"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "json",
		},
		Remote: RemoteConfig{
			Driver: DriverFTP,
			FTP: ftp.Config{
				Port:    21,
				Timeout: 30 * time.Second,
			},
			S3: s3.Config{
				Region:      "us-east-1",
				Concurrency: 4,
			},
			Layout:  pathresolve.DefaultLayout(),
			Breaker: circuit.DefaultConfig(),
		},
		Pool:        session.DefaultConfig(),
		Retry:       retry.DefaultConfig(),
		Compression: compress.DefaultConfig(),
		Cache: CacheConfig{
			Enabled:           true,
			TTL:               time.Hour,
			MemoryMaxEntries:  1000,
			MemoryMaxItemSize: "1MB",
			Directory:         filepath.Join(os.TempDir(), "attachstore-cache"),
			MaxSize:           "1GB",
		},
		Transfer: TransferConfig{
			TeeLimit: "10MB",
		},
		Uploads: UploadsConfig{
			MaxFiles:         5,
			MaxFileSize:      "10MB",
			AllowedTypes:     attachment.DefaultAllowedTypes,
			LocalFallbackDir: "storage/uploads",
		},
		HTTP: HTTPConfig{
			Addr:              ":3000",
			ReadHeaderTimeout: 30 * time.Second, // Prevent Slowloris attacks
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Database: DatabaseConfig{
			AutoMigrate: true,
		},
		Metrics: *metrics.DefaultConfig(),
	}
}

// LoadFromFile loads configuration from a YAML file
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

// LoadFromEnv loads configuration from environment variables
func (c *Configuration) LoadFromEnv() error {
	str := func(name string, dst *string) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			*dst = val
		}
	}
	boolean := func(name string, dst *bool) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			*dst = strings.ToLower(val) == "true"
		}
	}
	integer := func(name string, dst *int) error {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
			}
			*dst = n
		}
		return nil
	}
	duration := func(name string, dst *time.Duration) error {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
			}
			*dst = d
		}
		return nil
	}

	// Global settings
	str("LOG_LEVEL", &c.Global.LogLevel)
	str("LOG_FORMAT", &c.Global.LogFormat)
	str("LOG_FILE", &c.Global.LogFile)

	// Remote store
	str("REMOTE_DRIVER", &c.Remote.Driver)
	str("FTP_HOST", &c.Remote.FTP.Host)
	str("FTP_USER", &c.Remote.FTP.User)
	str("FTP_PASSWORD", &c.Remote.FTP.Password)
	boolean("FTP_SECURE", &c.Remote.FTP.Secure)
	boolean("BREAKER_ENABLED", &c.Remote.Breaker.Enabled)
	str("S3_BUCKET", &c.Remote.S3.Bucket)
	str("S3_REGION", &c.Remote.S3.Region)
	str("S3_ENDPOINT", &c.Remote.S3.Endpoint)
	str("UPLOAD_DIR", &c.Remote.Layout.CurrentDir)
	if val := os.Getenv(EnvPrefix + "LEGACY_DIRS"); val != "" {
		c.Remote.Layout.LegacyDirs = splitList(val)
	}

	// Uploads and cache
	boolean("ALWAYS_COMPRESS_IMAGES", &c.Compression.Always)
	boolean("CACHE_ENABLED", &c.Cache.Enabled)
	str("CACHE_DIR", &c.Cache.Directory)
	str("CACHE_MAX_SIZE", &c.Cache.MaxSize)
	str("LOCAL_FALLBACK_DIR", &c.Uploads.LocalFallbackDir)
	str("MAX_FILE_SIZE", &c.Uploads.MaxFileSize)

	// Service
	str("HTTP_ADDR", &c.HTTP.Addr)
	str("DATABASE_DSN", &c.Database.DSN)
	boolean("METRICS_ENABLED", &c.Metrics.Enabled)

	for _, err := range []error{
		integer("FTP_PORT", &c.Remote.FTP.Port),
		integer("POOL_MAX_SESSIONS", &c.Pool.MaxSessions),
		integer("MAX_FILES", &c.Uploads.MaxFiles),
		duration("POOL_ACQUIRE_TIMEOUT", &c.Pool.AcquireTimeout),
		duration("COMPRESSION_TIMEOUT", &c.Compression.Timeout),
		duration("CACHE_TTL", &c.Cache.TTL),
		duration("BREAKER_TIMEOUT", &c.Remote.Breaker.Timeout),
	} {
		if err != nil {
			return err
		}
	}

	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
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
	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %s (must be one of: DEBUG, INFO, WARN, ERROR)", c.Global.LogLevel)
	}
	switch strings.ToLower(c.Global.LogFormat) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format: %s (must be json or text)", c.Global.LogFormat)
	}

	switch c.Remote.Driver {
	case DriverFTP:
		if c.Remote.FTP.Host == "" {
			return fmt.Errorf("remote.ftp.host is required for the ftp driver")
		}
	case DriverS3:
		if c.Remote.S3.Bucket == "" {
			return fmt.Errorf("remote.s3.bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("invalid remote.driver: %s (must be ftp or s3)", c.Remote.Driver)
	}
	if strings.TrimSpace(c.Remote.Layout.CurrentDir) == "" {
		return fmt.Errorf("remote.layout.current_dir cannot be empty")
	}

	if c.Pool.MaxSessions <= 0 {
		return fmt.Errorf("pool.max_sessions must be greater than 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be greater than 0")
	}
	if c.Compression.MaxRatio <= 0 || c.Compression.MaxRatio > 1 {
		return fmt.Errorf("compression.max_ratio must be in (0, 1]")
	}
	if c.Uploads.MaxFiles <= 0 {
		return fmt.Errorf("uploads.max_files must be greater than 0")
	}

	for name, size := range map[string]string{
		"cache.memory_max_item_size": c.Cache.MemoryMaxItemSize,
		"cache.max_size":             c.Cache.MaxSize,
		"transfer.tee_limit":         c.Transfer.TeeLimit,
		"uploads.max_file_size":      c.Uploads.MaxFileSize,
	} {
		if _, err := utils.ParseBytes(size); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	if c.Cache.Enabled && c.Cache.Directory == "" {
		return fmt.Errorf("cache.directory is required when the cache is enabled")
	}

	return nil
}

// CacheSettings converts the cache section for the cache package.
func (c *Configuration) CacheSettings() (cache.Config, error) {
	itemSize, err := utils.ParseBytes(c.Cache.MemoryMaxItemSize)
	if err != nil {
		return cache.Config{}, fmt.Errorf("invalid cache.memory_max_item_size: %w", err)
	}
	maxSize, err := utils.ParseBytes(c.Cache.MaxSize)
	if err != nil {
		return cache.Config{}, fmt.Errorf("invalid cache.max_size: %w", err)
	}

	cfg := cache.DefaultConfig()
	cfg.Enabled = c.Cache.Enabled
	cfg.Memory.MaxEntries = c.Cache.MemoryMaxEntries
	cfg.Memory.MaxItemSize = itemSize
	cfg.Memory.TTL = c.Cache.TTL
	cfg.Disk.Directory = c.Cache.Directory
	cfg.Disk.MaxSize = maxSize
	cfg.Disk.TTL = c.Cache.TTL
	cfg.Disk.Compression = c.Cache.Compression
	return cfg, nil
}

// TransferSettings converts the transfer section for the transfer package.
func (c *Configuration) TransferSettings() (transfer.Config, error) {
	limit, err := utils.ParseBytes(c.Transfer.TeeLimit)
	if err != nil {
		return transfer.Config{}, fmt.Errorf("invalid transfer.tee_limit: %w", err)
	}
	return transfer.Config{
		TeeLimit:            limit,
		DisableRootFallback: c.Transfer.DisableRootFallback,
	}, nil
}

// UploadSettings converts the uploads section for the attachment service.
func (c *Configuration) UploadSettings() (attachment.Config, error) {
	size, err := utils.ParseBytes(c.Uploads.MaxFileSize)
	if err != nil {
		return attachment.Config{}, fmt.Errorf("invalid uploads.max_file_size: %w", err)
	}
	return attachment.Config{
		MaxFiles:     c.Uploads.MaxFiles,
		MaxFileSize:  size,
		AllowedTypes: c.Uploads.AllowedTypes,
	}, nil
}
