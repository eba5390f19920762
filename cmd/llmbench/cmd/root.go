package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/llmbench/llmbench/internal/config"
	"github.com/llmbench/llmbench/internal/logging"
)

var (
	configPath   string
	outputFormat string

	// v holds defaults, environment and the flags of the running command
	v = config.New()

	logger = slog.Default()
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "llmbench",
	Short: "llmbench - load test streaming LLM inference servers",
	Long: `llmbench drives simulated users against a vLLM or Triton server,
times every streamed response and keeps fleet-wide E2E, TTFT and TPOT
averages in a JSON result store.

This CLI tool allows you to:
- Run a load test locally or as distributed workers and a coordinator
- Turn result stores into report tables
- Parse benchmark_serving logs and vLLM metric dumps
- Archive results on a remote host`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath != "" {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("failed to read config file: %w", err)
			}
		}
		if err := bindFlags(cmd.Flags(), map[string]string{
			"logging.level":  "log-level",
			"logging.format": "log-format",
		}); err != nil {
			return err
		}
		logger = logging.Setup(logging.Config{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		})
		return nil
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", getEnvOrDefault("LLMBENCH_CONFIG", ""), "Config file (yaml, toml or json)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (text, json)")
}

// bindFlags binds viper keys to the named flags of the running command.
// Binding at execution time lets commands share flag names.
func bindFlags(flags *pflag.FlagSet, keys map[string]string) error {
	for key, name := range keys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	return nil
}

// loadConfig decodes the effective configuration
func loadConfig() (*config.Config, error) {
	return config.Decode(v)
}

// resetConfig starts over from defaults and environment, for tests
func resetConfig() *viper.Viper {
	v = config.New()
	return v
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
