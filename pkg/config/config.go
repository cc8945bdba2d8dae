package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides.
	EnvPrefix = "CLOUDARCHIVE"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultOutputDir is the default watched directory.
	DefaultOutputDir = "./output"

	// DefaultPrefixTemplate is the default object key prefix template.
	DefaultPrefixTemplate = "comfyui-outputs"

	// DefaultRegion is the default S3 region.
	DefaultRegion = "us-east-1"

	// DefaultPollInterval is the default stabilization sampling interval.
	DefaultPollInterval = time.Second

	// DefaultStableThreshold is the number of identical consecutive samples
	// required before a file is considered fully written.
	DefaultStableThreshold = 2

	// DefaultStabilizationTimeout bounds how long a file may keep changing.
	DefaultStabilizationTimeout = 5 * time.Minute

	// DefaultWorkers is the default number of upload workers.
	DefaultWorkers = 1

	// DefaultPartSize is the default multipart upload part size.
	DefaultPartSize = "16MiB"

	// DefaultListen is the default control API listen address.
	DefaultListen = ":8190"

	// DefaultRequestsPerMinute is the default per-IP control API rate.
	DefaultRequestsPerMinute = 120

	// DefaultHistoryPath is the default sqlite database path.
	DefaultHistoryPath = "./cloudarchive.db"

	// StorageDriverS3 selects the S3 backend.
	StorageDriverS3 = "s3"

	// StorageDriverBlob selects the Go CDK blob backend (file://, mem://).
	StorageDriverBlob = "blob"
)

// ErrConfiguration marks errors caused by missing or invalid settings.
var ErrConfiguration = errors.New("configuration error")

// Config is the root configuration for cloudarchive.
type Config struct {
	Global        GlobalConfig        `yaml:"global" mapstructure:"global"`
	Archive       ArchiveConfig       `yaml:"archive" mapstructure:"archive"`
	Stabilization StabilizationConfig `yaml:"stabilization" mapstructure:"stabilization"`
	Storage       StorageConfig       `yaml:"storage" mapstructure:"storage"`
	API           APIConfig           `yaml:"api" mapstructure:"api"`
	History       HistoryConfig       `yaml:"history" mapstructure:"history"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// ArchiveConfig controls what is watched and where it lands.
type ArchiveConfig struct {
	OutputDir        string   `yaml:"output_dir" mapstructure:"output_dir"`
	PrefixTemplate   string   `yaml:"prefix_template" mapstructure:"prefix_template"`
	RenameOnConflict bool     `yaml:"rename_on_conflict" mapstructure:"rename_on_conflict"`
	SessionID        string   `yaml:"session_id,omitempty" mapstructure:"session_id"`
	Workers          int      `yaml:"workers" mapstructure:"workers"`
	MaxFileSize      string   `yaml:"max_file_size,omitempty" mapstructure:"max_file_size"`
	IgnorePatterns   []string `yaml:"ignore_patterns,omitempty" mapstructure:"ignore_patterns"`
	AutoStart        bool     `yaml:"auto_start" mapstructure:"auto_start"`
}

// StabilizationConfig controls when a file counts as fully written.
type StabilizationConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	StableThreshold int           `yaml:"stable_threshold" mapstructure:"stable_threshold"`
	Timeout         time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// StorageConfig selects and configures the destination backend.
type StorageConfig struct {
	Driver string     `yaml:"driver" mapstructure:"driver"`
	S3     S3Config   `yaml:"s3" mapstructure:"s3"`
	Blob   BlobConfig `yaml:"blob,omitempty" mapstructure:"blob"`
}

// S3Config contains settings for S3-compatible storage.
type S3Config struct {
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	StorageClass    string `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
	ACL             string `yaml:"acl,omitempty" mapstructure:"acl"`
	PartSize        string `yaml:"part_size" mapstructure:"part_size"`
}

// BlobConfig contains settings for the Go CDK blob backend.
type BlobConfig struct {
	URL string `yaml:"url,omitempty" mapstructure:"url"`
}

// APIConfig contains control API settings.
type APIConfig struct {
	Enabled                bool            `yaml:"enabled" mapstructure:"enabled"`
	Listen                 string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins            []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	AllowOutputDirOverride bool            `yaml:"allow_output_dir_override" mapstructure:"allow_output_dir_override"`
	RateLimit              RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
	BasicAuth              BasicAuthConfig `yaml:"basic_auth" mapstructure:"basic_auth"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// BasicAuthConfig configures username/password authentication.
type BasicAuthConfig struct {
	Enabled bool            `yaml:"enabled" mapstructure:"enabled"`
	Users   []BasicAuthUser `yaml:"users,omitempty" mapstructure:"users"`
}

// BasicAuthUser defines a basic auth user from config.
type BasicAuthUser struct {
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
}

// HistoryConfig configures the optional upload history database.
type HistoryConfig struct {
	Enabled  bool           `yaml:"enabled" mapstructure:"enabled"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// legacyEnv maps config keys to the plain environment names used by
// existing deployments. The prefixed name always wins when both are set.
var legacyEnv = map[string]string{
	"storage.s3.access_key_id":     "S3_ACCESS_KEY_ID",
	"storage.s3.secret_access_key": "S3_SECRET_ACCESS_KEY",
	"storage.s3.region":            "S3_REGION",
	"storage.s3.bucket":            "S3_BUCKET",
	"storage.s3.endpoint_url":      "S3_ENDPOINT_URL",
	"archive.prefix_template":      "S3_PREFIX",
	"archive.rename_on_conflict":   "S3_RENAME_ON_CONFLICT",
}

// Load reads configuration from path (optional) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, env := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return nil, fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// setDefaults registers every key so environment overrides resolve even when
// the key is absent from the file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)

	v.SetDefault("archive.output_dir", DefaultOutputDir)
	v.SetDefault("archive.prefix_template", DefaultPrefixTemplate)
	v.SetDefault("archive.rename_on_conflict", true)
	v.SetDefault("archive.session_id", "")
	v.SetDefault("archive.workers", DefaultWorkers)
	v.SetDefault("archive.max_file_size", "")
	v.SetDefault("archive.ignore_patterns", []string{})
	v.SetDefault("archive.auto_start", true)

	v.SetDefault("stabilization.poll_interval", DefaultPollInterval)
	v.SetDefault("stabilization.stable_threshold", DefaultStableThreshold)
	v.SetDefault("stabilization.timeout", DefaultStabilizationTimeout)

	v.SetDefault("storage.driver", StorageDriverS3)
	v.SetDefault("storage.s3.endpoint_url", "")
	v.SetDefault("storage.s3.region", DefaultRegion)
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.access_key_id", "")
	v.SetDefault("storage.s3.secret_access_key", "")
	v.SetDefault("storage.s3.force_path_style", false)
	v.SetDefault("storage.s3.storage_class", "")
	v.SetDefault("storage.s3.acl", "")
	v.SetDefault("storage.s3.part_size", DefaultPartSize)
	v.SetDefault("storage.blob.url", "")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", DefaultListen)
	v.SetDefault("api.cors_origins", []string{})
	v.SetDefault("api.allow_output_dir_override", false)
	v.SetDefault("api.rate_limit.enabled", false)
	v.SetDefault("api.rate_limit.requests_per_minute", DefaultRequestsPerMinute)
	v.SetDefault("api.basic_auth.enabled", false)

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.database.driver", "sqlite")
	v.SetDefault("history.database.sqlite.path", DefaultHistoryPath)
	v.SetDefault("history.database.postgres.host", "localhost")
	v.SetDefault("history.database.postgres.port", 5432)
	v.SetDefault("history.database.postgres.user", "")
	v.SetDefault("history.database.postgres.password", "")
	v.SetDefault("history.database.postgres.database", "cloudarchive")
	v.SetDefault("history.database.postgres.ssl_mode", "disable")
}

// applyDefaults fills values that decoded as zero.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Archive.OutputDir == "" {
		c.Archive.OutputDir = DefaultOutputDir
	}

	if c.Archive.Workers <= 0 {
		c.Archive.Workers = DefaultWorkers
	}

	if c.Stabilization.PollInterval <= 0 {
		c.Stabilization.PollInterval = DefaultPollInterval
	}

	if c.Stabilization.StableThreshold <= 0 {
		c.Stabilization.StableThreshold = DefaultStableThreshold
	}

	if c.Stabilization.Timeout <= 0 {
		c.Stabilization.Timeout = DefaultStabilizationTimeout
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = StorageDriverS3
	}

	if c.Storage.S3.Region == "" {
		c.Storage.S3.Region = DefaultRegion
	}

	if c.Storage.S3.PartSize == "" {
		c.Storage.S3.PartSize = DefaultPartSize
	}

	if c.API.Listen == "" {
		c.API.Listen = DefaultListen
	}

	if c.API.RateLimit.RequestsPerMinute <= 0 {
		c.API.RateLimit.RequestsPerMinute = DefaultRequestsPerMinute
	}
}

// Validate checks the configuration for errors. Every returned error wraps
// ErrConfiguration.
func (c *Config) Validate() error {
	if err := c.Storage.Validate(); err != nil {
		return err
	}

	if c.Stabilization.Timeout <= c.Stabilization.PollInterval {
		return fmt.Errorf("%w: stabilization timeout (%s) must exceed poll interval (%s)",
			ErrConfiguration, c.Stabilization.Timeout, c.Stabilization.PollInterval)
	}

	if _, err := c.Archive.MaxFileSizeBytes(); err != nil {
		return err
	}

	for _, pattern := range c.Archive.IgnorePatterns {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return fmt.Errorf("%w: invalid ignore pattern %q: %v", ErrConfiguration, pattern, err)
		}
	}

	if c.API.BasicAuth.Enabled {
		if len(c.API.BasicAuth.Users) == 0 {
			return fmt.Errorf("%w: basic auth enabled without users", ErrConfiguration)
		}

		for i, u := range c.API.BasicAuth.Users {
			if u.Username == "" || u.Password == "" {
				return fmt.Errorf("%w: basic auth user %d: username and password are required",
					ErrConfiguration, i)
			}
		}
	}

	if c.History.Enabled {
		switch c.History.Database.Driver {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("%w: unsupported history database driver %q",
				ErrConfiguration, c.History.Database.Driver)
		}
	}

	return nil
}

// Validate checks that the selected storage backend has its required settings.
func (c *StorageConfig) Validate() error {
	switch c.Driver {
	case StorageDriverS3:
		var missing []string

		if c.S3.AccessKeyID == "" {
			missing = append(missing, "S3_ACCESS_KEY_ID")
		}

		if c.S3.SecretAccessKey == "" {
			missing = append(missing, "S3_SECRET_ACCESS_KEY")
		}

		if c.S3.Bucket == "" {
			missing = append(missing, "S3_BUCKET")
		}

		if len(missing) > 0 {
			return fmt.Errorf("%w: missing required environment variables: %s",
				ErrConfiguration, strings.Join(missing, ", "))
		}

		if _, err := c.S3.PartSizeBytes(); err != nil {
			return err
		}
	case StorageDriverBlob:
		if c.Blob.URL == "" {
			return fmt.Errorf("%w: storage.blob.url is required for the blob driver", ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown storage driver %q", ErrConfiguration, c.Driver)
	}

	return nil
}

// MaxFileSizeBytes parses MaxFileSize. Zero means unlimited.
func (c *ArchiveConfig) MaxFileSizeBytes() (int64, error) {
	if c.MaxFileSize == "" {
		return 0, nil
	}

	n, err := units.FromHumanSize(c.MaxFileSize)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid max_file_size %q: %v", ErrConfiguration, c.MaxFileSize, err)
	}

	return n, nil
}

// PartSizeBytes parses PartSize as a binary size (e.g. "16MiB").
func (c *S3Config) PartSizeBytes() (int64, error) {
	n, err := units.RAMInBytes(c.PartSize)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid part_size %q: %v", ErrConfiguration, c.PartSize, err)
	}

	return n, nil
}

// Redacted returns a copy with secrets masked, suitable for printing.
func (c Config) Redacted() Config {
	const mask = "********"

	if c.Storage.S3.SecretAccessKey != "" {
		c.Storage.S3.SecretAccessKey = mask
	}

	if c.History.Database.Postgres.Password != "" {
		c.History.Database.Postgres.Password = mask
	}

	users := make([]BasicAuthUser, len(c.API.BasicAuth.Users))
	for i, u := range c.API.BasicAuth.Users {
		users[i] = BasicAuthUser{Username: u.Username, Password: mask}
	}

	c.API.BasicAuth.Users = users

	return c
}
