package main

import (
	"fmt"
	"os"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"price-extractor/internal/config"
	"price-extractor/internal/types"
)

var (
	cfg    *types.Config
	logger *logrus.Logger

	configDir   string
	environment string
	verbose     bool

	// exitCode is set by commands whose outcome is not a plain error.
	exitCode int
)

// flagKeys maps command flags onto configuration keys. A flag only
// overrides the configuration when it was given explicitly.
var flagKeys = map[string]string{
	"out":            "out_path",
	"catalog":        "catalog_path",
	"mode":           "mode",
	"merge-policy":   "merge_policy",
	"concurrency":    "max_concurrent_requests",
	"deadline":       "run_deadline",
	"timeout":        "timeout",
	"retries":        "max_retries",
	"delay":          "request_delay",
	"fail-threshold": "fail_threshold",
	"endpoint":       "browser.endpoint",
	"backend":        "browser.backend",
	"headless":       "browser.headless",
	"stealth":        "browser.stealth",
}

var rootCmd = &cobra.Command{
	Use:           "price-extractor",
	Short:         "Consumer price scraping pipeline",
	Long:          "Renders catalog targets in a browser, extracts and validates price records and writes them to a durable CSV store.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Load .env file if present
		_ = godotenv.Load()

		overrides := map[string]any{}
		if environment != "" {
			overrides["environment"] = environment
		}
		for name, key := range flagKeys {
			if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
				overrides[key] = f.Value.String()
			}
		}

		c, err := config.Load(configDir, overrides)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		l, err := config.InitLogger(cfg.Log, verbose)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		logger = l
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "configuration", "Directory holding base.yaml and the environment overlays")
	rootCmd.PersistentFlags().StringVar(&environment, "environment", "", "Configuration overlay to apply (local, production); overrides APP_ENVIRONMENT")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(runCmd, catalogCmd, probeCmd, reportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}
