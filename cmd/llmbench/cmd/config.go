package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the configuration after defaults, file and environment",
	RunE:  runConfigShow,
}

// configEnvVars are the environment variables the config layer reads
var configEnvVars = []string{
	"LLMBENCH_CONFIG",
	"LLMBENCH_SERVER",
	"LLMBENCH_HOST",
	"LLMBENCH_ENDPOINT",
	"LLMBENCH_IFILE",
	"LLMBENCH_OLEN",
	"LLMBENCH_OUT_JSON",
	"LLMBENCH_TARGET",
	"MODEL_PATH",
	"COORDINATOR_PORT",
	"COORDINATOR_URL",
	"DATABASE_PATH",
	"RPD_PROFILE",
	"RESULTS_HOST",
	"RESULTS_USER",
	"RESULTS_KEY_PATH",
	"LOG_LEVEL",
	"LOG_FORMAT",
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()
	settings := v.AllSettings()

	fmt.Fprintln(w, "llmbench Configuration")
	fmt.Fprintln(w, "======================")
	fmt.Fprintln(w)
	if file := v.ConfigFileUsed(); file != "" {
		fmt.Fprintf(w, "Config file:    %s\n", file)
	} else {
		fmt.Fprintln(w, "Config file:    (none)")
	}
	fmt.Fprintf(w, "Output Format:  %s\n", outputFormat)
	fmt.Fprintln(w)

	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	fmt.Fprint(w, string(data))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Environment Variables:")
	for _, name := range configEnvVars {
		if value := os.Getenv(name); value != "" {
			fmt.Fprintf(w, "  %s=%s\n", name, value)
		} else {
			fmt.Fprintf(w, "  %s (not set)\n", name)
		}
	}
	return nil
}
