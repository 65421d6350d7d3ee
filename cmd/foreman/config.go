package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/ShayCichocki/foreman/internal/config"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify Foreman configuration.

Without arguments, displays every known key with its effective value.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the value in the user config file.

Configuration is stored at ~/.config/foreman/config.yaml
Project-specific overrides can be placed in .foreman.yaml
Environment variables use the FOREMAN_ prefix (FOREMAN_QUEUE_MAX_CONCURRENT).`,
	Args: cobra.MaximumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		var err error
		switch len(args) {
		case 0:
			err = displayAllConfig()
		case 1:
			err = displayConfigKey(args[0])
		default:
			err = setConfigKey(args[0], args[1])
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the effective value of a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return displayConfigKey(args[0])
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Write a key to the user config file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setConfigKey(args[0], args[1])
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print config file locations",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("user:    %s\n", config.GetUserConfigPath())
		if p := config.GetProjectConfigPath(); p != "" {
			fmt.Printf("project: %s\n", p)
		} else {
			fmt.Println("project: (none)")
		}
	},
}

var configCredentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Show where each provider credential resolves from",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		creds := config.NewCredentials(cfg)
		for _, p := range cfg.Providers {
			fmt.Printf("%-12s %-20s %s\n", p.Name, p.CredentialKey, credentialLabel(creds, p.CredentialKey))
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configCredentialsCmd)
}

// displayAllConfig prints all configuration values.
func displayAllConfig() error {
	for _, key := range config.Keys() {
		v, err := config.Get(key)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", key, formatValue(key, v))
	}
	return nil
}

// displayConfigKey prints the value for a specific key.
func displayConfigKey(key string) error {
	v, err := config.Get(key)
	if err != nil {
		return err
	}
	fmt.Println(formatValue(key, v))
	return nil
}

// setConfigKey sets a configuration value and saves it.
func setConfigKey(key, value string) error {
	path, err := config.Set(key, value)
	if err != nil {
		return err
	}
	fmt.Printf("%s Set %s in %s\n", color.GreenString("✓"), key, path)
	return nil
}

// formatValue renders v, masking credential values.
func formatValue(key string, v any) string {
	if isSecretKey(key) {
		if s, ok := v.(string); ok {
			return config.MaskKey(s)
		}
		if m, ok := v.(map[string]any); ok {
			parts := make([]string, 0, len(m))
			for k, sv := range m {
				parts = append(parts, fmt.Sprintf("%s=%s", k, config.MaskKey(fmt.Sprint(sv))))
			}
			return strings.Join(parts, " ")
		}
	}
	if v == nil {
		return "(not set)"
	}
	return fmt.Sprint(v)
}

func isSecretKey(key string) bool {
	key = strings.ToLower(key)
	return key == "credentials" || strings.HasPrefix(key, "credentials.") || key == "state.postgres_url"
}
