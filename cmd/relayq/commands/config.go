package commands

import (
	"fmt"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/busybox42/relayq/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

func init() {
	configCmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the configuration",
		RunE:  checkConfig,
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE:  showConfig,
	})
	rootCmd.AddCommand(configCmd)
}

func checkConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Read(configPath)
	if err != nil {
		return err
	}
	result := cfg.Validate()
	out := cmd.OutOrStdout()

	source := cfg.File
	if source == "" {
		source = "(defaults)"
	}
	fmt.Fprintf(out, "Configuration: %s\n", source)

	if len(result.Errors) > 0 {
		fmt.Fprintf(out, "\nErrors (%d):\n", len(result.Errors))
		for i, e := range result.Errors {
			fmt.Fprintf(out, "  %d. %s\n", i+1, e.Error())
		}
	}
	if len(result.Warnings) > 0 {
		fmt.Fprintf(out, "\nWarnings (%d):\n", len(result.Warnings))
		for i, w := range result.Warnings {
			fmt.Fprintf(out, "  %d. %s\n", i+1, w.Error())
		}
	}
	if !result.Valid {
		return fmt.Errorf("configuration validation failed with %d errors", len(result.Errors))
	}

	rules, err := cfg.Rules()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nConfiguration is valid\n")
	fmt.Fprintf(out, "  Hostname: %s\n", cfg.Server.Hostname)
	fmt.Fprintf(out, "  API: %s\n", cfg.Server.APIListen)
	fmt.Fprintf(out, "  Queue: %s\n", cfg.Queue.Type)
	fmt.Fprintf(out, "  Workers: %d\n", cfg.Scheduler.Workers)
	fmt.Fprintf(out, "  Policy rules: %d (default rule: %t)\n", rules.Len(), cfg.Policy.Default != nil)
	return nil
}

func showConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Read(configPath)
	if err != nil {
		return err
	}
	if cfg.Queue.RedisPassword != "" {
		cfg.Queue.RedisPassword = "********"
	}
	out, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
