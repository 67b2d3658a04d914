// Package config loads remote-run configuration. Values are layered:
// defaults, then an optional YAML file, then a .env file, then REMOTE_RUN_*
// environment variables. Command line flags are applied on top by the
// caller.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "REMOTE_RUN_"

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Run     RunConfig     `yaml:"run"`
	Archive ArchiveConfig `yaml:"archive"`
	History HistoryConfig `yaml:"history"`
	Notify  NotifyConfig  `yaml:"notify"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	URL      string        `yaml:"url"`
	User     string        `yaml:"user"`
	UserID   string        `yaml:"user_id"`
	Password string        `yaml:"password"`
	Token    string        `yaml:"token"`
	Timeout  time.Duration `yaml:"timeout"`
}

type RunConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	PollTimeout  time.Duration `yaml:"poll_timeout"`
	SkipPolicy   string        `yaml:"skip_policy"`   // skip | fail
	DeletePolicy string        `yaml:"delete_policy"` // on-success | always | never
	WorkDir      string        `yaml:"work_dir"`
}

type ArchiveConfig struct {
	Backend        string `yaml:"backend"` // "" (disabled) | local | gcs | s3
	Bucket         string `yaml:"bucket"`
	Prefix         string `yaml:"prefix"`
	LocalDir       string `yaml:"local_dir"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

type HistoryConfig struct {
	Backend string `yaml:"backend"` // noop | file | postgres
	Path    string `yaml:"path"`
	DSN     string `yaml:"dsn"`
}

type NotifyConfig struct {
	Mode       string `yaml:"mode"` // log | http | file
	Endpoint   string `yaml:"endpoint"`
	FilePath   string `yaml:"file_path"`
	MaxRetries int    `yaml:"max_retries"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Namespace string `yaml:"namespace"`
}

type LogConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Timeout: 30 * time.Second,
		},
		Run: RunConfig{
			PollInterval: 10 * time.Second,
			SkipPolicy:   "skip",
			DeletePolicy: "on-success",
		},
		Archive: ArchiveConfig{
			Prefix:   "remote-run/",
			LocalDir: "./patches",
		},
		History: HistoryConfig{
			Backend: "noop",
			Path:    "remote-run-history.json",
		},
		Notify: NotifyConfig{
			Mode:       "log",
			MaxRetries: 3,
		},
		Metrics: MetricsConfig{
			Address:   ":9090",
			Namespace: "remote_run",
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty), a .env file in the working directory and the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	// A missing .env is normal.
	_ = godotenv.Load()

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	slog.Debug("config loaded", "component", "config", "file", path)
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Server.URL, "SERVER_URL")
	setString(&cfg.Server.User, "USER")
	setString(&cfg.Server.UserID, "USER_ID")
	setString(&cfg.Server.Password, "PASSWORD")
	setString(&cfg.Server.Token, "TOKEN")

	setString(&cfg.Run.SkipPolicy, "SKIP_POLICY")
	setString(&cfg.Run.DeletePolicy, "DELETE_POLICY")
	setString(&cfg.Run.WorkDir, "WORK_DIR")

	setString(&cfg.Archive.Backend, "ARCHIVE_BACKEND")
	setString(&cfg.Archive.Bucket, "ARCHIVE_BUCKET")
	setString(&cfg.Archive.Prefix, "ARCHIVE_PREFIX")
	setString(&cfg.Archive.LocalDir, "ARCHIVE_LOCAL_DIR")
	setString(&cfg.Archive.Region, "ARCHIVE_REGION")
	setString(&cfg.Archive.Endpoint, "ARCHIVE_ENDPOINT")

	setString(&cfg.History.Backend, "HISTORY_BACKEND")
	setString(&cfg.History.Path, "HISTORY_PATH")
	setString(&cfg.History.DSN, "HISTORY_DSN")

	setString(&cfg.Notify.Mode, "NOTIFY_MODE")
	setString(&cfg.Notify.Endpoint, "NOTIFY_ENDPOINT")
	setString(&cfg.Notify.FilePath, "NOTIFY_FILE")

	setString(&cfg.Metrics.Address, "METRICS_ADDRESS")
	setString(&cfg.Metrics.Namespace, "METRICS_NAMESPACE")

	setString(&cfg.Log.Format, "LOG_FORMAT")
	setString(&cfg.Log.Level, "LOG_LEVEL")

	var errs []error
	errs = append(errs,
		setDuration(&cfg.Server.Timeout, "SERVER_TIMEOUT"),
		setDuration(&cfg.Run.PollInterval, "POLL_INTERVAL"),
		setDuration(&cfg.Run.PollTimeout, "POLL_TIMEOUT"),
		setBool(&cfg.Archive.ForcePathStyle, "ARCHIVE_FORCE_PATH_STYLE"),
		setBool(&cfg.Metrics.Enabled, "METRICS_ENABLED"),
		setInt(&cfg.Notify.MaxRetries, "NOTIFY_MAX_RETRIES"),
	)
	return errors.Join(errs...)
}

// Validate reports settings that would make a remote run impossible.
func (c Config) Validate() error {
	var problems []string

	if c.Server.URL == "" {
		problems = append(problems, "server url is required")
	} else if !strings.HasPrefix(c.Server.URL, "http://") && !strings.HasPrefix(c.Server.URL, "https://") {
		problems = append(problems, "server url must be http or https")
	}
	if c.Server.Token == "" && (c.Server.User == "" || c.Server.Password == "") {
		problems = append(problems, "either a token or user and password are required")
	}
	if c.Run.PollInterval < 0 || c.Run.PollTimeout < 0 || c.Server.Timeout < 0 {
		problems = append(problems, "durations must not be negative")
	}
	if !oneOf(c.Run.SkipPolicy, "", "skip", "fail") {
		problems = append(problems, fmt.Sprintf("unknown skip policy %q", c.Run.SkipPolicy))
	}
	if !oneOf(c.Run.DeletePolicy, "", "on-success", "always", "never") {
		problems = append(problems, fmt.Sprintf("unknown delete policy %q", c.Run.DeletePolicy))
	}

	switch c.Archive.Backend {
	case "", "local":
	case "gcs", "s3":
		if c.Archive.Bucket == "" {
			problems = append(problems, "archive bucket is required for "+c.Archive.Backend)
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown archive backend %q", c.Archive.Backend))
	}

	switch c.History.Backend {
	case "", "noop", "file":
	case "postgres":
		if c.History.DSN == "" {
			problems = append(problems, "history dsn is required for postgres")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown history backend %q", c.History.Backend))
	}

	switch c.Notify.Mode {
	case "", "log":
	case "http":
		if c.Notify.Endpoint == "" {
			problems = append(problems, "notify endpoint is required for http mode")
		}
	case "file":
		if c.Notify.FilePath == "" {
			problems = append(problems, "notify file path is required for file mode")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown notify mode %q", c.Notify.Mode))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

func setString(dst *string, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("parse %s%s: %w", EnvPrefix, key, err)
	}
	*dst = d
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("parse %s%s: %w", EnvPrefix, key, err)
	}
	*dst = b
	return nil
}

func setInt(dst *int, key string) error {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("parse %s%s: %w", EnvPrefix, key, err)
	}
	*dst = n
	return nil
}
