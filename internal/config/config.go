// Package config loads boardsync settings from a YAML file and the
// environment.
package config

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/postbills/backend/internal/errors"
)

// Environment overrides, applied after the file.
const (
	EnvDataDir    = "POSTBILLS_DATA_DIR"
	EnvRemoteURL  = "POSTBILLS_REMOTE_URL"
	EnvLogLevel   = "POSTBILLS_LOG_LEVEL"
	EnvSignalFile = "POSTBILLS_SIGNAL_FILE"
	EnvBoard      = "POSTBILLS_BOARD"
)

// Object store backends.
const (
	ObjectsRemote = "remote" // served by the document server
	ObjectsS3     = "s3"
)

// S3 providers.
const (
	ProviderAWS   = "aws"
	ProviderMinIO = "minio"
	ProviderR2    = "r2"
)

// Config is the full boardsync configuration.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	Board    string `yaml:"board"`
	LogLevel string `yaml:"log_level"`

	Remote       RemoteConfig       `yaml:"remote"`
	Sync         SyncConfig         `yaml:"sync"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Server       ServerConfig       `yaml:"server"`
}

// RemoteConfig selects the remote store. An empty URL keeps the remote
// in memory for the lifetime of the process.
type RemoteConfig struct {
	URL     string   `yaml:"url"`
	Objects string   `yaml:"objects"`
	S3      S3Config `yaml:"s3"`
}

// S3Config configures the S3 object store.
type S3Config struct {
	Provider      string `yaml:"provider"`
	Endpoint      string `yaml:"endpoint"`
	Bucket        string `yaml:"bucket"`
	AccessKey     string `yaml:"access_key"`
	SecretKey     string `yaml:"secret_key"`
	Region        string `yaml:"region"`
	AccountID     string `yaml:"account_id"`
	UseSSL        bool   `yaml:"use_ssl"`
	PublicBaseURL string `yaml:"public_base_url"`
}

// SyncConfig tunes the sync engine and board cache.
type SyncConfig struct {
	MaxRetries int `yaml:"max_retries"`
	// SuccessResetDelay is how long "success" shows before idle. Negative
	// keeps the success status.
	SuccessResetDelay time.Duration `yaml:"success_reset_delay"`
	SnapshotDebounce  time.Duration `yaml:"snapshot_debounce"`
	TrustEmptyAfter   int           `yaml:"trust_empty_after"`
	// PeriodicDrain retries queued work at this interval. Zero disables.
	PeriodicDrain   time.Duration `yaml:"periodic_drain"`
	BackfillTimeout time.Duration `yaml:"backfill_timeout"`
}

// ConnectivityConfig configures the connectivity source.
type ConnectivityConfig struct {
	// SignalFile, when set, is watched for "online"/"offline".
	SignalFile  string `yaml:"signal_file"`
	StartOnline bool   `yaml:"start_online"`
}

// ServerConfig configures the development remote server.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// PublicURL is the externally visible base URL, used in object URLs.
	// Defaults to http://<addr>.
	PublicURL string `yaml:"public_url"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:  "./data",
		Board:    "default",
		LogLevel: "info",
		Remote: RemoteConfig{
			Objects: ObjectsRemote,
		},
		Sync: SyncConfig{
			MaxRetries:        3,
			SuccessResetDelay: 3 * time.Second,
			SnapshotDebounce:  500 * time.Millisecond,
			PeriodicDrain:     time.Minute,
			BackfillTimeout:   15 * time.Second,
		},
		Connectivity: ConnectivityConfig{
			StartOnline: true,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8090",
		},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(errors.ErrConfigInvalid, "failed to read config "+path, err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, nil
}

// Parse decodes YAML over the defaults without consulting the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil && !stderrors.Is(err, io.EOF) {
		return errors.Wrap(errors.ErrConfigInvalid, "failed to parse config", err)
	}
	return nil
}

// ApplyEnv overrides settings from the environment through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvDataDir); ok && v != "" {
		c.DataDir = v
	}
	if v, ok := lookup(EnvRemoteURL); ok {
		c.Remote.URL = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := lookup(EnvSignalFile); ok {
		c.Connectivity.SignalFile = v
	}
	if v, ok := lookup(EnvBoard); ok && v != "" {
		c.Board = v
	}
}

// Validate reports every invalid setting in one CONFIG_INVALID error.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.DataDir == "" {
		add("data_dir is required")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("log_level %q is not one of debug, info, warn, error", c.LogLevel)
	}

	if c.Remote.URL != "" {
		u, err := url.Parse(c.Remote.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("remote.url %q must be an http or https URL", c.Remote.URL)
		}
	}
	switch c.Remote.Objects {
	case "", ObjectsRemote:
	case ObjectsS3:
		problems = append(problems, c.Remote.S3.validate()...)
	default:
		add("remote.objects %q is not one of remote, s3", c.Remote.Objects)
	}

	if c.Sync.MaxRetries < 0 {
		add("sync.max_retries must not be negative")
	}
	if c.Sync.TrustEmptyAfter < 0 {
		add("sync.trust_empty_after must not be negative")
	}
	if c.Sync.SnapshotDebounce < 0 {
		add("sync.snapshot_debounce must not be negative")
	}
	if c.Sync.PeriodicDrain < 0 {
		add("sync.periodic_drain must not be negative")
	}
	if c.Sync.BackfillTimeout < 0 {
		add("sync.backfill_timeout must not be negative")
	}

	if c.Server.Addr == "" {
		add("server.addr is required")
	}

	if len(problems) > 0 {
		return errors.New(errors.ErrConfigInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func (s S3Config) validate() []string {
	var problems []string
	if s.Bucket == "" {
		problems = append(problems, "remote.s3.bucket is required")
	}
	switch s.Provider {
	case ProviderAWS:
	case ProviderMinIO:
		if s.Endpoint == "" {
			problems = append(problems, "remote.s3.endpoint is required for minio")
		}
	case ProviderR2:
		if s.AccountID == "" {
			problems = append(problems, "remote.s3.account_id is required for r2")
		}
		if s.PublicBaseURL == "" {
			problems = append(problems, "remote.s3.public_base_url is required for r2")
		}
	default:
		problems = append(problems, fmt.Sprintf("remote.s3.provider %q is not one of aws, minio, r2", s.Provider))
	}
	return problems
}

// ServerPublicURL returns the base URL clients reach the server at.
func (c *Config) ServerPublicURL() string {
	if c.Server.PublicURL != "" {
		return strings.TrimSuffix(c.Server.PublicURL, "/")
	}
	return "http://" + c.Server.Addr
}
