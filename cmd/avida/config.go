package main

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var configShowRaw bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configGetCmd, configSetCmd)
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "print the file as stored, without environment overrides")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Avida configuration",
	Long: "View or modify ~/.avida/config.toml. Values from AVIDA_* environment\n" +
		"variables (or --env-file) take precedence over the file.",
}

// effectiveConfig renders cfg as TOML with the token masked.
func effectiveConfig(cfg *Config) ([]byte, error) {
	shown := *cfg
	if shown.Default.APIKey != "" {
		shown.Default.APIKey = maskKey(shown.Default.APIKey)
	}
	return toml.Marshal(shown)
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configShowRaw {
			path, err := configPath()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'avida init <token>' to create one.")
				return nil
			}
			if err != nil {
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := effectiveConfig(cfg)
		if err != nil {
			return fmt.Errorf("cannot render config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one effective configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		v, err := getConfigValue(cfg, args[0])
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Validate and store a configuration value",
	Long: "Set a configuration value using dot notation.\n" +
		"Example: avida config set offline.max_retries 5",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		// the file, not the env-merged view, is what gets written back
		cfg, err := readConfigFile()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Printf("Set %s\n", args[0])
		return nil
	},
}
