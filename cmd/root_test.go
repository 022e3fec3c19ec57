package cmd

import (
	"bytes"
	"os"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd(t *testing.T) {
	assert.Equal(t, "retrygo", rootCmd.Use)
	assert.Contains(t, rootCmd.Short, "retry and recovery runtime")
	assert.NotEmpty(t, rootCmd.Long)
}

func TestRootCmdFlags(t *testing.T) {
	flags := []string{"config", "log-level", "log-format", "verbose"}
	for _, flagName := range flags {
		flag := rootCmd.PersistentFlags().Lookup(flagName)
		assert.NotNil(t, flag, "flag %s should exist", flagName)
	}
}

func TestExecuteFunction(t *testing.T) {
	assert.NotNil(t, Execute)
}

func TestInitConfig_NoConfigFileDoesNotPanic(t *testing.T) {
	originalConfig := viper.ConfigFileUsed()
	defer func() {
		viper.Reset()
		if originalConfig != "" {
			viper.SetConfigFile(originalConfig)
			_ = viper.ReadInConfig()
		}
	}()

	viper.Reset()
	cfgFile = ""

	assert.NotPanics(t, func() {
		initConfig()
	})
}

func TestInitConfig_CustomFileIsDiscovered(t *testing.T) {
	tempFile, err := os.CreateTemp("", "retrygo-test-config-*.yaml")
	require.NoError(t, err)
	defer func() { _ = os.Remove(tempFile.Name()) }()

	_, err = tempFile.WriteString("log-level: debug\nverbose: true\n")
	require.NoError(t, err)
	require.NoError(t, tempFile.Close())

	originalCfgFile := cfgFile
	defer func() {
		viper.Reset()
		cfgFile = originalCfgFile
	}()

	viper.Reset()
	cfgFile = tempFile.Name()

	assert.NotPanics(t, func() {
		initConfig()
	})
	assert.Equal(t, tempFile.Name(), viper.ConfigFileUsed())
}

func TestRootCmdHelp(t *testing.T) {
	cmd := &cobra.Command{Use: rootCmd.Use, Short: rootCmd.Short, Long: rootCmd.Long}

	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"--help"})

	assert.NoError(t, cmd.Execute())
}

func TestLoadCLIConfig_DefaultsToMemoryPersistence(t *testing.T) {
	defer viper.Reset()
	viper.Reset()
	viper.Set("data_dir", t.TempDir())

	cfg, err := loadCLIConfig()
	require.NoError(t, err)
	assert.Equal(t, "memory", string(cfg.Persistence))
}

func TestLoadCLIConfig_OverlaysViperValues(t *testing.T) {
	defer viper.Reset()
	viper.Reset()
	dataDir := t.TempDir()
	viper.Set("data_dir", dataDir)
	viper.Set("log-level", "debug")

	cfg, err := loadCLIConfig()
	require.NoError(t, err)
	assert.Equal(t, dataDir, cfg.DataDir)
	assert.Equal(t, "debug", cfg.LogLevel)
}
