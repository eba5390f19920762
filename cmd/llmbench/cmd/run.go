package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/llmbench/llmbench/internal/aggregate"
	"github.com/llmbench/llmbench/internal/config"
	"github.com/llmbench/llmbench/internal/profiling"
	"github.com/llmbench/llmbench/internal/resultstore"
	"github.com/llmbench/llmbench/internal/runner"
	"github.com/llmbench/llmbench/internal/stats"
	"github.com/llmbench/llmbench/internal/storage"
)

// runFlagKeys maps viper keys to the flags shared by run and worker
var runFlagKeys = map[string]string{
	"run.server":          "server",
	"run.api":             "api",
	"run.host":            "host",
	"run.endpoint":        "endpoint",
	"run.ifile":           "ifile",
	"run.olen":            "olen",
	"run.out_json":        "out-json",
	"run.out":             "out",
	"run.target":          "target",
	"run.hf_model":        "hf-model",
	"run.users":           "users",
	"run.spawn_rate":      "spawn-rate",
	"run.duration":        "duration",
	"run.workers":         "workers",
	"run.pacing":          "pacing",
	"run.random_input":    "random-input",
	"run.pool_size":       "pool-size",
	"run.request_timeout": "request-timeout",
	"profiling.enabled":   "profile",
	"database.enabled":    "history",
	"database.path":       "db",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a load test with an in-process coordinator",
	Long: `Run spawns users at the spawn rate across in-process workers, stops
them all when the duration elapses and merges every worker's summary into
the result store under the target key.`,
	Example: `  llmbench run --server vLLM --host http://localhost:8000 --endpoint /v1/completions \
    --hf-model meta-llama/Llama-3.1-8B --ifile Datasets/2500.txt --olen 350 \
    --target Llama-3.1-8B/3m_i2500_08user --users 8 --spawn-rate 8 --duration 3m`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd.Flags(), runFlagKeys)
	},
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	addRunFlags(runCmd.Flags())
	runCmd.Flags().Bool("history", true, "Record the aggregate in the run history database")
	runCmd.Flags().String("db", "./data/llmbench.db", "Run history database path")
}

func addRunFlags(f *pflag.FlagSet) {
	f.String("server", config.ServerVLLM, "Inference server (vLLM, Triton)")
	f.String("api", config.APICompletions, "vLLM API flavor (completions, chat)")
	f.String("host", "http://localhost:8000", "Inference server base URL")
	f.String("endpoint", "", "Generation endpoint path, e.g. /v1/completions")
	f.String("ifile", "", "Prompt input file, e.g. Datasets/2500.txt")
	f.Int("olen", 0, "Output tokens per request (must be greater than 1)")
	f.String("out-json", "benchmark.json", "Result store path")
	f.String("out", "", "Folder for per-session latency dumps")
	f.String("target", "", "Result key <model>/<test case>")
	f.String("hf-model", "", "Model identifier sent to vLLM")
	f.IntP("users", "u", 1, "Number of simulated users")
	f.Float64P("spawn-rate", "r", 1, "Users started per second")
	f.DurationP("duration", "t", 0, "Test duration, e.g. 3m")
	f.Int("workers", 1, "Workers the users are split across")
	f.Duration("pacing", 0, "Minimum interval between a user's request starts")
	f.Bool("random-input", false, "Give every user its own random prompts")
	f.Int("pool-size", 200, "Prompts per user in random input mode")
	f.Duration("request-timeout", 0, "Per-request timeout")
	f.Bool("profile", false, "Call /start_profile and /stop_profile on the server")
}

// runOptions builds the runner options shared by run and worker
func runOptions(cfg *config.Config) []runner.Option {
	opts := []runner.Option{runner.WithLogger(logger)}
	if cfg.Profiling.Enabled {
		opts = append(opts, runner.WithProfiler(profiling.New(cfg.Run.Host,
			profiling.WithTimeout(cfg.Profiling.Timeout),
			profiling.WithLogger(logger))))
	}
	return opts
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Run.Validate(); err != nil {
		return err
	}
	if err := cfg.Run.ValidateReporting(); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	coordOpts := []aggregate.CoordinatorOption{aggregate.WithCoordinatorLogger(logger)}
	if cfg.Database.Enabled {
		db, err := storage.New(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		coordOpts = append(coordOpts, aggregate.WithHistory(storage.NewRunStore(db)))
	}

	coord := aggregate.NewCoordinator(cfg.Run.Server, resultstore.New(cfg.Run.OutJSON), coordOpts...)
	opts := append(runOptions(cfg), runner.WithRunID(coord.RunID()))

	result, report, err := runner.RunLocal(ctx, cfg.Run, coord, opts...)
	if report == nil {
		return err
	}
	if err != nil {
		logger.Error("run finished with errors", slog.String("error", err.Error()))
	}

	if result == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions were recorded; the result store was not updated.")
		return err
	}
	if printErr := printResult(cmd.OutOrStdout(), result, report); printErr != nil {
		return printErr
	}
	return err
}

func printResult(w io.Writer, result *aggregate.Result, report *runner.Report) error {
	if outputFormat == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Result *aggregate.Result `json:"result"`
			Run    *runner.Report    `json:"run"`
		}{result, report})
	}

	fmt.Fprintf(w, "Target:     %s (%s)\n", result.Target, result.Backend)
	fmt.Fprintf(w, "Workers:    %d\n", result.Workers)
	fmt.Fprintf(w, "Sessions:   %d\n", result.Sessions)
	fmt.Fprintf(w, "Requests:   %d (%d failed)\n", result.Requests, report.Latency.Failed)
	fmt.Fprintf(w, "E2E:        %.4fs\n", result.E2E)
	fmt.Fprintf(w, "TTFT:       %.4fs\n", result.TTFT)
	fmt.Fprintf(w, "TPOT:       %.4fs\n", result.TPOT)
	fmt.Fprintln(w)
	printDistribution(w, "E2E", report.Latency.E2E)
	printDistribution(w, "TTFT", report.Latency.TTFT)
	printDistribution(w, "TPOT", report.Latency.TPOT)
	fmt.Fprintf(w, "\nRecorded %s\n", result.Entry.Date)
	return nil
}

func printDistribution(w io.Writer, name string, d stats.Distribution) {
	fmt.Fprintf(w, "%-5s p50=%.4fs p90=%.4fs p99=%.4fs max=%.4fs\n", name, d.P50, d.P90, d.P99, d.Max)
}
