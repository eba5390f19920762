package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/llmbench/llmbench/agent/reporter"
	"github.com/llmbench/llmbench/internal/runner"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run users and report to a remote coordinator",
	Long: `Worker runs its share of the users like run does, but instead of
writing the result store it posts each worker summary once to the
coordinator when the duration elapses or the process is interrupted.
A summary that cannot be delivered is logged and lost.`,
	Example: `  llmbench worker --coordinator http://10.0.0.5:5557 --server vLLM \
    --host http://localhost:8000 --endpoint /v1/completions --hf-model m \
    --ifile Datasets/2500.txt --olen 350 --users 32 --duration 3m`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		keys := map[string]string{"coordinator.url": "coordinator"}
		for k, f := range runFlagKeys {
			keys[k] = f
		}
		return bindFlags(cmd.Flags(), keys)
	},
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	addRunFlags(workerCmd.Flags())
	workerCmd.Flags().String("coordinator", "http://localhost:5557", "Coordinator base URL")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Run.Validate(); err != nil {
		return err
	}
	if cfg.Coordinator.URL == "" {
		return fmt.Errorf("coordinator URL is required")
	}

	ctx, stop := signalContext()
	defer stop()

	opts := append(runOptions(cfg), runner.WithDeliverer(func(workerID string) runner.Deliverer {
		sender := reporter.New(cfg.Coordinator.URL, workerID, reporter.WithLogger(logger))
		return runner.DelivererFunc(sender.Send)
	}))

	r, err := runner.New(cfg.Run, opts...)
	if err != nil {
		return err
	}
	report, err := r.Run(ctx)
	if err != nil {
		logger.Error("some worker summaries were not delivered", slog.String("error", err.Error()))
	}
	if report != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Spawned %d users, delivered %d of %d summaries to %s\n",
			report.Spawned, report.Delivered, len(report.Workers), cfg.Coordinator.URL)
	}
	return err
}
