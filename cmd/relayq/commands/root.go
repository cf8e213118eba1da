package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/busybox42/relayq/internal/config"
)

var (
	configPath string
	apiURL     string

	rootCmd = &cobra.Command{
		Use:   "relayq",
		Short: "relayq outbound SMTP relay",
		Long: `relayq queues outbound mail, delivers it to the MX hosts of each recipient
domain on a per-domain retry schedule and reports delays and failures to the sender.`,
		SilenceUsage: true,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	rootCmd.PersistentFlags().StringVarP(&apiURL, "api-url", "a", "", "API address (defaults to server.api_listen)")
}

// loadConfig loads the configuration named by --config, or the first
// file found in the standard locations.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// apiAddress returns the API address to talk to.
func apiAddress() (string, error) {
	if apiURL != "" {
		return apiURL, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Server.APIListen, nil
}
