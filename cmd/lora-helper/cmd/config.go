package cmd

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"go-lora-helper/internal/config"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var configInitForceFlag bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create the configuration file",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the fully loaded configuration as JSON",
	Long: `Loads configuration via flags, environment and config file (respecting precedence)
and prints the resulting configuration to stdout as JSON. The API key is masked.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		shown := globalConfig
		if shown.APIKey != "" {
			shown.APIKey = "********"
		}
		jsonBytes, err := json.MarshalIndent(shown, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(jsonBytes))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [PATH]",
	Short: "Write a config file with the default settings",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.DefaultConfigName + ".toml"
		if len(args) > 0 {
			path = args[0]
		}
		if err := config.WriteDefault(path, config.Defaults(), configInitForceFlag); err != nil {
			return err
		}
		abs, _ := filepath.Abs(path)
		log.Infof("Wrote default configuration to %s", abs)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)

	configInitCmd.Flags().BoolVarP(&configInitForceFlag, "force", "f", false, "Overwrite an existing file")
}
