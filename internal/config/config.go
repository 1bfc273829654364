package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"price-extractor/internal/types"
)

// Environments with an overlay file in the configuration directory.
const (
	EnvLocal      = "local"
	EnvProduction = "production"
)

// EnvPrefix prefixes every environment override. Nested keys use a double
// underscore, e.g. APP_BROWSER__ENDPOINT.
const EnvPrefix = "APP"

// Load builds the run configuration from, in increasing precedence:
// built-in defaults, <dir>/base.yaml, <dir>/<environment>.yaml, APP_
// environment variables and overrides (usually changed CLI flags).
func Load(dir string, overrides map[string]any) (*types.Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	setDefaults(v, types.DefaultConfig())

	if err := readOptional(v, filepath.Join(dir, "base.yaml"), false); err != nil {
		return nil, err
	}

	env := strings.ToLower(v.GetString("environment"))
	if o, ok := overrides["environment"].(string); ok && o != "" {
		env = strings.ToLower(o)
	}
	switch env {
	case EnvLocal, EnvProduction:
	default:
		return nil, fmt.Errorf("%s is not a supported environment, use either `%s` or `%s`", env, EnvLocal, EnvProduction)
	}
	if err := readOptional(v, filepath.Join(dir, env+".yaml"), true); err != nil {
		return nil, err
	}

	for k, val := range overrides {
		v.Set(k, val)
	}

	var cfg types.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	cfg.Environment = env

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func readOptional(v *viper.Viper, path string, merge bool) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	v.SetConfigFile(path)
	var err error
	if merge {
		err = v.MergeInConfig()
	} else {
		err = v.ReadInConfig()
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return nil
}

func setDefaults(v *viper.Viper, d *types.Config) {
	v.SetDefault("environment", d.Environment)
	v.SetDefault("out_path", d.OutPath)
	v.SetDefault("catalog_path", d.CatalogPath)
	v.SetDefault("mode", d.Mode)
	v.SetDefault("timeout", d.Timeout)
	v.SetDefault("ready_timeout", d.ReadyTimeout)
	v.SetDefault("max_retries", d.MaxRetries)
	v.SetDefault("retry_backoff", d.RetryBackoff)
	v.SetDefault("max_retry_backoff", d.MaxRetryBackoff)
	v.SetDefault("max_concurrent_requests", d.MaxConcurrentRequests)
	v.SetDefault("request_delay", d.RequestDelay)
	v.SetDefault("merge_policy", d.MergePolicy)
	v.SetDefault("run_deadline", d.RunDeadline)
	v.SetDefault("fail_threshold", d.FailThreshold)
	v.SetDefault("timezone", d.Timezone)
	v.SetDefault("user_agent", d.UserAgent)
	v.SetDefault("browser.backend", d.Browser.Backend)
	v.SetDefault("browser.endpoint", d.Browser.Endpoint)
	v.SetDefault("browser.headless", d.Browser.Headless)
	v.SetDefault("browser.stealth", d.Browser.Stealth)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// InitLogger creates the process logger. LOG_LEVEL wins over the configured
// level; verbose forces debug when LOG_LEVEL is unset.
func InitLogger(cfg types.LogConfig, verbose bool) (*logrus.Logger, error) {
	logger := logrus.New()

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	case "text", "":
		// Set timestamp format with milliseconds
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	levelStr := cfg.Level
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		levelStr = env
	} else if verbose {
		levelStr = "debug"
	}
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}
	logger.SetLevel(level)
	return logger, nil
}
