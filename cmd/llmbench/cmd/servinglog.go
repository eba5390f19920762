package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/llmbench/llmbench/internal/servinglog"
)

var (
	servingFolder  string
	servingOut     string
	servingServers int
	servingModel   string
	servingILens   []string
	servingConcur  []int
	servingUsers   []int
)

var servingLogCmd = &cobra.Command{
	Use:   "serving-log",
	Short: "Extract figures from benchmark_serving logs and vLLM metric dumps",
}

var servingBenchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Tabulate benchmark_serving logs as CSV",
	Long: `Bench reads the logs of a benchmark_serving sweep, named like
i2000_o200_c4_p80.log, and writes the mean TTFT, TPOT and E2E latency of
each one as a CSV row per concurrency level. Missing logs are written as "-".`,
	Example: `  llmbench serving-log bench --folder logs/Llama-3.1-8B --out result.csv`,
	RunE:    runServingBench,
}

var servingPromCmd = &cobra.Command{
	Use:   "prom",
	Short: "Summarize vLLM metric dumps of a multi-server sweep as JSON",
	Long: `Prom reads <folder>/OpenAI_Metric/<dur>_<ilen>_<NN>user_server<k>.log
for every server of the sweep, sums the counters across servers and writes
per-request means to <folder>/OpenAI_Metric.json. The server count defaults
to the NxTP component of the folder name.`,
	Example: `  llmbench serving-log prom --folder MultiServer_vLLM/meta-llama_Llama-3.1-8B_4xTP1`,
	RunE:    runServingProm,
}

func init() {
	rootCmd.AddCommand(servingLogCmd)
	servingLogCmd.AddCommand(servingBenchCmd)
	servingLogCmd.AddCommand(servingPromCmd)

	bench := servinglog.DefaultBenchSweep()
	servingLogCmd.PersistentFlags().StringVar(&servingFolder, "folder", "", "Folder holding the logs")
	_ = servingLogCmd.MarkPersistentFlagRequired("folder")

	servingBenchCmd.Flags().StringVar(&servingOut, "out", "result.csv", "CSV output file")
	servingBenchCmd.Flags().StringSliceVar(&servingILens, "ilens", bench.InputLens, "Input length components of the log names")
	servingBenchCmd.Flags().IntSliceVar(&servingConcur, "concurrency", bench.Concurrency, "Concurrency levels")

	prom := servinglog.DefaultPromSweep()
	servingPromCmd.Flags().IntVar(&servingServers, "servers", 0, "Server count (default: from the folder name)")
	servingPromCmd.Flags().StringVar(&servingModel, "model", "", "Model key in the output (default: folder name)")
	servingPromCmd.Flags().IntSliceVar(&servingUsers, "users", prom.Users, "User counts of the sweep")
}

func runServingBench(cmd *cobra.Command, args []string) error {
	sweep := servinglog.DefaultBenchSweep()
	sweep.InputLens = servingILens
	sweep.Concurrency = servingConcur

	f, err := os.Create(servingOut)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", servingOut, err)
	}
	defer f.Close()

	missing, err := servinglog.WriteBenchCSV(f, servingFolder, sweep, logger)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s", servingOut)
	if len(missing) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), " (%d logs missing)", len(missing))
	}
	fmt.Fprintln(cmd.OutOrStdout())
	return nil
}

func runServingProm(cmd *cobra.Command, args []string) error {
	name := filepath.Base(filepath.Clean(servingFolder))
	sweep := servinglog.DefaultPromSweep()
	sweep.Users = servingUsers
	sweep.Servers = servingServers
	if sweep.Servers < 1 {
		sweep.Servers = servinglog.ServersFromName(name)
	}
	model := servingModel
	if model == "" {
		model = name
	}

	rep, err := servinglog.CollectProm(filepath.Join(servingFolder, "OpenAI_Metric"), model, sweep, logger)
	if err != nil {
		return err
	}
	// the backend is named by the parent folder, not the metric folder
	rep.Inference = servinglog.InferenceFromName(servingFolder)

	out := filepath.Join(servingFolder, "OpenAI_Metric.json")
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", out, err)
	}
	defer f.Close()
	if err := rep.WriteJSON(f); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d servers, %d points)\n", out, sweep.Servers, len(rep.Data[model]))
	return nil
}
