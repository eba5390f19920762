package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/llmbench/llmbench/internal/storage"
)

var (
	historyRunID   string
	historyTarget  string
	historyBackend string
	historyModel   string
	historySince   time.Duration
	historyLimit   int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect the run history database",
	Long: `Every time a coordinator rewrites the result store it also records the
aggregate, with per-session averages, in the run history database.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
			return err
		}
		return bindFlags(cmd.Flags(), map[string]string{"database.path": "db"})
	},
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded aggregates, newest first",
	RunE:  runHistoryList,
}

var historyShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show one recorded aggregate with its sessions",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete one recorded aggregate",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryDelete,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyDeleteCmd)

	historyCmd.PersistentFlags().String("db", "./data/llmbench.db", "Run history database path")

	historyListCmd.Flags().StringVar(&historyRunID, "run", "", "Filter by coordinator run ID")
	historyListCmd.Flags().StringVar(&historyTarget, "target", "", "Filter by target")
	historyListCmd.Flags().StringVar(&historyBackend, "backend", "", "Filter by backend")
	historyListCmd.Flags().StringVar(&historyModel, "model", "", "Filter by model")
	historyListCmd.Flags().DurationVar(&historySince, "since", 0, "Only runs recorded within this long")
	historyListCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum rows")
}

func openHistory(ctx context.Context) (*storage.RunStore, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	db, err := storage.New(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return storage.NewRunStore(db), func() { db.Close() }, nil
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	runs, closeDB, err := openHistory(ctx)
	if err != nil {
		return err
	}
	defer closeDB()

	filter := storage.RunFilter{
		RunID:   historyRunID,
		Target:  historyTarget,
		Backend: historyBackend,
		Model:   historyModel,
		Limit:   historyLimit,
	}
	if historySince > 0 {
		filter.Since = time.Now().Add(-historySince)
	}

	list, err := runs.List(ctx, filter)
	if err != nil {
		return err
	}
	return printRuns(cmd.OutOrStdout(), list)
}

func printRuns(w io.Writer, runs []*storage.Run) error {
	if outputFormat == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tRECORDED\tBACKEND\tTARGET\tWORKERS\tSESSIONS\t#REQ\tE2E(s)\tTTFT(s)\tTPOT(s)")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%.4f\t%.4f\t%.4f\n",
			shortRunID(r.ID), r.CreatedAt.Local().Format("2006-01-02 15:04:05"), r.Backend, r.Target,
			r.Workers, r.Sessions, r.Requests, r.E2E, r.TTFT, r.TPOT)
	}
	return tw.Flush()
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	runs, closeDB, err := openHistory(ctx)
	if err != nil {
		return err
	}
	defer closeDB()

	run, err := runs.Get(ctx, args[0])
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if outputFormat == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	}

	fmt.Fprintf(w, "ID:           %s\n", run.ID)
	fmt.Fprintf(w, "Run:          %s\n", run.RunID)
	fmt.Fprintf(w, "Target:       %s (%s)\n", run.Target, run.Backend)
	fmt.Fprintf(w, "Result store: %s\n", run.ResultPath)
	fmt.Fprintf(w, "Date:         %s\n", run.DateLabel)
	fmt.Fprintf(w, "Requests:     %d over %d sessions from %d workers\n", run.Requests, run.Sessions, run.Workers)
	fmt.Fprintf(w, "E2E:          %.4fs (weighted %.4fs, p99 %.4fs)\n", run.E2E, run.WeightedE2E, run.E2EP99)
	fmt.Fprintf(w, "TTFT:         %.4fs (weighted %.4fs, p99 %.4fs)\n", run.TTFT, run.WeightedTTFT, run.TTFTP99)
	fmt.Fprintf(w, "TPOT:         %.4fs (weighted %.4fs)\n", run.TPOT, run.WeightedTPOT)

	if len(run.SessionStats) > 0 {
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "SESSION\t#REQ\tE2E(s)\tTTFT(s)\tTPOT(s)")
		for i, s := range run.SessionStats {
			fmt.Fprintf(tw, "%d\t%d\t%.4f\t%.4f\t%.4f\n", i, s.Requests, s.E2E, s.TTFT, s.TPOT)
		}
		return tw.Flush()
	}
	return nil
}

func runHistoryDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	runs, closeDB, err := openHistory(ctx)
	if err != nil {
		return err
	}
	defer closeDB()

	if err := runs.Delete(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s\n", args[0])
	return nil
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
