package types

import (
	"fmt"
	"time"
)

// Merge policies for colliding record keys.
const (
	MergeReject          = "reject"
	MergeOverwrite       = "overwrite"
	MergeAppendVersioned = "append-versioned"
)

// Catalog modes.
const (
	ModeProduction = "production"
	ModeTest       = "test"
)

// Browser backends.
const (
	BackendChromedp = "chromedp"
	BackendRod      = "rod"
)

// Config holds the configuration for a run
type Config struct {
	Environment string `mapstructure:"environment"`
	OutPath     string `mapstructure:"out_path"`
	CatalogPath string `mapstructure:"catalog_path"`
	Mode        string `mapstructure:"mode"`

	// Timeout bounds one fetch attempt.
	Timeout time.Duration `mapstructure:"timeout"`

	// ReadyTimeout bounds the wait for the page-ready signal.
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`

	// MaxRetries is the total number of fetch attempts per page.
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff"`

	MaxConcurrentRequests int           `mapstructure:"max_concurrent_requests"`
	RequestDelay          time.Duration `mapstructure:"request_delay"`
	MergePolicy           string        `mapstructure:"merge_policy"`
	RunDeadline           time.Duration `mapstructure:"run_deadline"`

	// FailThreshold fails the run when the share of failed targets exceeds
	// it. Zero disables the check.
	FailThreshold float64 `mapstructure:"fail_threshold"`

	Timezone  string        `mapstructure:"timezone"`
	UserAgent string        `mapstructure:"user_agent"`
	Browser   BrowserConfig `mapstructure:"browser"`
	Log       LogConfig     `mapstructure:"log"`
}

// BrowserConfig selects and reaches the browser automation endpoint.
type BrowserConfig struct {
	Backend string `mapstructure:"backend"`

	// Endpoint is the remote automation address, e.g. ws://127.0.0.1:9222.
	// Empty launches a local browser.
	Endpoint string `mapstructure:"endpoint"`
	Headless bool   `mapstructure:"headless"`
	Stealth  bool   `mapstructure:"stealth"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Environment:           "local",
		OutPath:               "data",
		CatalogPath:           "configuration/catalog.yaml",
		Mode:                  ModeProduction,
		Timeout:               30 * time.Second,
		ReadyTimeout:          10 * time.Second,
		MaxRetries:            3,
		RetryBackoff:          500 * time.Millisecond,
		MaxRetryBackoff:       10 * time.Second,
		MaxConcurrentRequests: 2,
		RequestDelay:          1 * time.Second,
		MergePolicy:           MergeReject,
		RunDeadline:           30 * time.Minute,
		Timezone:              "America/Lima",
		UserAgent:             "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		Browser: BrowserConfig{
			Backend:  BackendChromedp,
			Endpoint: "ws://127.0.0.1:9222",
			Headless: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.MergePolicy {
	case MergeReject, MergeOverwrite, MergeAppendVersioned:
	default:
		return fmt.Errorf("unknown merge policy %q", c.MergePolicy)
	}
	switch c.Mode {
	case ModeProduction, ModeTest:
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	switch c.Browser.Backend {
	case BackendChromedp, BackendRod:
	default:
		return fmt.Errorf("unknown browser backend %q", c.Browser.Backend)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1, got %d", c.MaxRetries)
	}
	if c.MaxConcurrentRequests < 1 {
		return fmt.Errorf("max_concurrent_requests must be at least 1, got %d", c.MaxConcurrentRequests)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.RunDeadline <= 0 {
		return fmt.Errorf("run_deadline must be positive, got %s", c.RunDeadline)
	}
	if c.FailThreshold < 0 || c.FailThreshold > 1 {
		return fmt.Errorf("fail_threshold must be between 0 and 1, got %v", c.FailThreshold)
	}
	if c.OutPath == "" {
		return fmt.Errorf("out_path is required")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return nil
}
