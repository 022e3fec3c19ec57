package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/hongkongkiwi/retrygo/internal/config"
	"github.com/hongkongkiwi/retrygo/internal/logging"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "retrygo",
	Short: "A retry and recovery runtime for flaky operations",
	Long: `retrygo wraps ordinary operations so they automatically retry on
transient failure, back off between attempts, trip a circuit breaker on
chronic failure, and durably record their progress so an interrupted
operation can be resumed across process restarts.

Features:
- Pluggable backoff strategies: exponential, linear, fixed, or a custom closure
- Per-function-identity circuit breaking
- In-memory or relational (PostgreSQL) persistence of in-flight operations
- Resumption of interrupted operations from their last recorded attempt`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen
// once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.retrygo.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (text, json)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable verbose output")

	bindFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	bindFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
	bindFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// bindFlag is a helper to bind flags and handle errors gracefully
func bindFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to bind flag %s: %v\n", key, err)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(".retrygo")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("retrygo")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	level, err := logrus.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		level = logrus.InfoLevel
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = level.String()
	if format := viper.GetString("log-format"); format != "" {
		logCfg.Format = format
	}
	if err := logging.InitGlobalLogger(logCfg); err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
	}
}

// loadCLIConfig builds a config.Config from defaults, an optional config
// file (already read into viper by initConfig), and RETRYGO_ environment
// overrides, validating the result before returning it.
func loadCLIConfig() (*config.Config, error) {
	cfg := config.Default()

	if dir := viper.GetString("data_dir"); dir != "" {
		cfg.DataDir = dir
	}
	if driver := viper.GetString("persistence"); driver != "" {
		cfg.Persistence = config.PersistenceDriver(driver)
	}
	if dsn := viper.GetString("postgres_dsn"); dsn != "" {
		cfg.PostgresDSN = dsn
	}
	if level := viper.GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}

	cfg.LoadFromEnvironment()
	if f := rootCmd.PersistentFlags().Lookup("log-level"); f != nil && f.Changed {
		cfg.LogLevel = f.Value.String()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DataDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to prepare data directory: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
