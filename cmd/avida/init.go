package main

import (
	"fmt"

	"github.com/spf13/cobra"

	avida "github.com/kelvinofficial/avida-sub001"
)

var initFlags initOptions

type initOptions struct {
	Environment string
	BaseURL     string
	StoreDir    string
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initFlags.Environment, "environment", "", "production or staging (default production)")
	initCmd.Flags().StringVar(&initFlags.BaseURL, "base-url", "", "API root overriding the environment")
	initCmd.Flags().StringVar(&initFlags.StoreDir, "store-dir", "", "directory for the offline store (default ~/.avida/store)")
}

// initConfig applies token and opts to cfg and opens the offline store so a
// bad store directory is reported now rather than on the first queue command.
// It returns the store directory.
func initConfig(cfg *Config, token string, opts initOptions) (string, error) {
	if err := setConfigValue(cfg, "default.api_key", token); err != nil {
		return "", err
	}
	env := opts.Environment
	if env == "" {
		env = valueOrDefault(cfg.Default.Environment, string(avida.Production))
	}
	if err := setConfigValue(cfg, "default.environment", env); err != nil {
		return "", err
	}
	if opts.BaseURL != "" {
		if err := setConfigValue(cfg, "default.base_url", opts.BaseURL); err != nil {
			return "", err
		}
	}
	if opts.StoreDir != "" {
		cfg.Offline.StoreDir = opts.StoreDir
	}

	dir, err := storeDir(cfg)
	if err != nil {
		return "", err
	}
	if _, err := avida.NewFileStore(dir); err != nil {
		return "", err
	}
	return dir, nil
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the session token and prepare the offline store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return err
		}
		dir, err := initConfig(cfg, args[0], initFlags)
		if err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}

		path, _ := configPath()
		fmt.Printf("Token %s saved to %s\n", maskKey(args[0]), path)
		fmt.Printf("Offline store: %s\n", dir)
		return nil
	},
}
