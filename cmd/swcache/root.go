package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"swcache/internal/logger"
	"swcache/internal/swcache"
)

var rootCmd = &cobra.Command{
	Use:   "swcache",
	Short: "Offline-first caching front for web applications",
	Long: `swcache sits in front of a web application and serves it the way an
offline-first service worker would: versioned caches, an all-or-nothing
install of the app shell, cache-first sub-resources and an offline fallback
page for navigations.`,
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "swcache.yaml", "path to swcache.yaml")
	rootCmd.PersistentFlags().String("log-level", "", "debug, info, warn or error (overrides logging.level)")
	rootCmd.PersistentFlags().Bool("log-json", false, "log as JSON (overrides logging.json)")
	rootCmd.PersistentFlags().IntP("port", "p", 0, "listen port (overrides server.port)")
	_ = viper.BindPFlags(rootCmd.PersistentFlags())

	viper.SetEnvPrefix("SWCACHE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(serveCmd, storesCmd, purgeCmd, sendCmd, statusCmd)
}

// loadConfig reads the YAML config and applies flag and SWCACHE_* overrides.
func loadConfig() (swcache.Config, error) {
	path := viper.GetString("config")
	cfg, err := swcache.LoadConfig(path)
	if err != nil {
		return swcache.Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if port := viper.GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if viper.GetBool("log-json") {
		cfg.Logging.JSON = true
	}
	return cfg, nil
}

// setupLogging configures the logger before any command runs. A config that
// fails to load is reported by the command itself.
func setupLogging(_ *cobra.Command, _ []string) error {
	opts := logger.Options{
		Level: viper.GetString("log-level"),
		JSON:  viper.GetBool("log-json"),
	}
	if cfg, err := loadConfig(); err == nil {
		opts.Level = cfg.Logging.Level
		opts.JSON = cfg.Logging.JSON
	}
	logger.Configure(opts)
	return nil
}
