package main

import (
	"fmt"
	"os"

	"github.com/hyperengineering/outbox"
	"github.com/spf13/cobra"
)

// ConfigEnv names a YAML config file when --config is not given.
const ConfigEnv = "OUTBOX_CONFIG"

var (
	cfgDBPath    string
	cfgServerURL string
	cfgAPIKey    string
	cfgTenant    string
	cfgFile      string
	cfgLogLevel  string
	outputJSON   bool
)

var rootCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Outbox - offline mutation queue CLI",
	Long: `Outbox inspects and drives the local queue of writes that are waiting
to reach the server.

Writes made while offline are recorded with an idempotency key and replayed
in order once the server can be reached. This tool shows the queue, replays
it on demand, and handles mutations that are stuck or were rejected.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgDBPath, "db", "", "Path to the local database (default: ~/.outbox/outbox.db)")
	rootCmd.PersistentFlags().StringVar(&cfgServerURL, "server", "", "Base URL of the API receiving mutations")
	rootCmd.PersistentFlags().StringVar(&cfgAPIKey, "api-key", "", "API key sent as a bearer token")
	rootCmd.PersistentFlags().StringVar(&cfgTenant, "tenant", "", "Tenant to operate on (default: $OUTBOX_TENANT)")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (default: $OUTBOX_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&cfgLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output as JSON")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(mutateCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(devserverCmd)
}

// loadConfig layers flags over environment over the config file.
func loadConfig() (outbox.Config, error) {
	cfg := outbox.Config{
		DBPath:    cfgDBPath,
		ServerURL: cfgServerURL,
		APIKey:    cfgAPIKey,
		Tenant:    cfgTenant,
		LogLevel:  cfgLogLevel,
	}.Merge(outbox.ConfigFromEnv())

	path := cfgFile
	if path == "" {
		path = os.Getenv(ConfigEnv)
	}
	if path != "" {
		file, err := outbox.ConfigFromFile(path)
		if err != nil {
			return outbox.Config{}, err
		}
		cfg = cfg.Merge(file)
	}
	return cfg, nil
}

// openClient opens a client for a one-shot command. Replay only happens
// when a command asks for it.
func openClient() (*outbox.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	cfg.ManualReplay = true
	cfg.Logger = outbox.NewLogger(os.Stderr, cfg.LogLevel, "text")

	client, err := outbox.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize client: %w", err)
	}
	return client, nil
}
