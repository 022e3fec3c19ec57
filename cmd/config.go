package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"github.com/hongkongkiwi/retrygo/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration settings",
	Long: `Manage retrygo configuration.

Configuration is resolved in order of precedence:
1. Command-line flags
2. RETRYGO_-prefixed environment variables
3. Configuration file ($HOME/.retrygo.yaml)
4. Built-in defaults`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration as YAML",
	RunE:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show configuration file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)

	configInitCmd.Flags().Bool("force", false, "Overwrite an existing configuration file")
}

func defaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".retrygo.yaml"), nil
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := loadCLIConfig()
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}
	fmt.Print(string(out))
	return nil
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	path := viper.ConfigFileUsed()
	if path == "" {
		var err error
		path, err = defaultConfigPath()
		if err != nil {
			return err
		}
	}

	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("configuration file %s already exists (use --force to overwrite)", path)
	}

	out, err := yaml.Marshal(config.Default())
	if err != nil {
		return fmt.Errorf("failed to marshal default configuration: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("Wrote default configuration to %s\n", path)
	return nil
}

func runConfigPath(cmd *cobra.Command, _ []string) error {
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Printf("Configuration file: %s (exists)\n", used)
		return nil
	}

	path, err := defaultConfigPath()
	if err != nil {
		return err
	}
	fmt.Printf("Configuration file: %s (not found)\n", path)
	fmt.Println("Note: run 'retrygo config init' to create it")
	return nil
}
