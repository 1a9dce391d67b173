package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/paulgrammer/genbatch/internal/credentials"
	"github.com/paulgrammer/genbatch/internal/executor"
	"github.com/paulgrammer/genbatch/internal/remote"
	"github.com/pkg/errors"
)

// Prefix is prepended to every environment variable, e.g. BATCHGEN_API_ADDR.
const Prefix = "BATCHGEN"

type Config struct {
	APIAddr    string `envconfig:"API_ADDR" default:":8080"`
	APIBaseURL string `envconfig:"API_BASE_URL" default:"https://api.bizyair.cn"`
	SubmitPath string `envconfig:"SUBMIT_PATH" default:"/w/v1/webapp/task/openapi/create"`
	PollPath   string `envconfig:"POLL_PATH" default:"/w/v1/webapp/task/openapi/query"`
	WebAppID   int    `envconfig:"WEB_APP_ID"`

	CredentialsFile string `envconfig:"CREDENTIALS_FILE"`
	APIToken        string `envconfig:"API_TOKEN"`

	PollInterval        time.Duration `envconfig:"POLL_INTERVAL" default:"5s"`
	PollTimeout         time.Duration `envconfig:"POLL_TIMEOUT" default:"10m"`
	TickInterval        time.Duration `envconfig:"TICK_INTERVAL" default:"1s"`
	RequestTimeout      time.Duration `envconfig:"REQUEST_TIMEOUT" default:"60s"`
	DownloadIdleTimeout time.Duration `envconfig:"DOWNLOAD_IDLE_TIMEOUT" default:"60s"`
	OutputDir           string        `envconfig:"OUTPUT_DIR"`

	MaxConcurrent  int     `envconfig:"MAX_CONCURRENT" default:"16"`
	RateLimitRPS   float64 `envconfig:"RATE_LIMIT_RPS" default:"0"`
	RateLimitBurst int     `envconfig:"RATE_LIMIT_BURST" default:"1"`

	WebhookURL        string        `envconfig:"WEBHOOK_URL"`
	WebhookTimeout    time.Duration `envconfig:"WEBHOOK_TIMEOUT" default:"10s"`
	WebhookMaxRetries int           `envconfig:"WEBHOOK_MAX_RETRIES" default:"5"`

	HistoryFile string `envconfig:"HISTORY_FILE" default:"video_history.json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"INFO"`
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "load config")
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.PollInterval <= 0:
		return errors.New("poll interval must be > 0")
	case c.PollTimeout < c.PollInterval:
		return errors.New("poll timeout must not be shorter than the poll interval")
	case c.MaxConcurrent < 0:
		return errors.New("max concurrent must be >= 0")
	case c.RateLimitRPS < 0:
		return errors.New("rate limit must be >= 0")
	}
	return nil
}

func (c Config) Worker() executor.Config {
	return executor.Config{
		PollInterval: c.PollInterval,
		PollTimeout:  c.PollTimeout,
		TickInterval: c.TickInterval,
		OutputDir:    c.OutputDir,
	}
}

func (c Config) Remote() remote.HTTPConfig {
	return remote.HTTPConfig{
		BaseURL:    c.APIBaseURL,
		SubmitPath: c.SubmitPath,
		PollPath:   c.PollPath,
		WebAppID:   c.WebAppID,
		Timeout:    c.RequestTimeout,
	}
}

func (c Config) Credentials() credentials.Source {
	return credentials.Source{File: c.CredentialsFile, Token: c.APIToken}
}

func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
