package cmd

import (
	"github.com/spf13/cobra"

	"github.com/llmbench/llmbench/internal/api"
)

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Serve the coordinator API for distributed workers",
	Long: `Coordinator accepts worker summaries on POST /api/v1/summaries and
rewrites the result store after every one it receives, so the stored
aggregate always covers every summary seen so far.`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd.Flags(), map[string]string{
			"run.server":       "server",
			"run.out_json":     "out-json",
			"run.target":       "target",
			"coordinator.host": "listen-host",
			"coordinator.port": "port",
			"database.enabled": "history",
			"database.path":    "db",
		})
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()
		return api.RunCoordinator(ctx, cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(coordinatorCmd)
	f := coordinatorCmd.Flags()
	f.String("server", "vLLM", "Backend key in the result store (vLLM, Triton)")
	f.String("out-json", "benchmark.json", "Result store path")
	f.String("target", "", "Default result key when workers send none")
	f.String("listen-host", "0.0.0.0", "Listen address")
	f.Int("port", 5557, "Listen port")
	f.Bool("history", true, "Record every aggregate in the run history database")
	f.String("db", "./data/llmbench.db", "Run history database path")
}
