package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/llmbench/llmbench/internal/report"
	"github.com/llmbench/llmbench/internal/resultstore"
)

var (
	reportInputs   []string
	reportOut      string
	reportFormat   string
	reportBackend  string
	reportModels   []string
	reportName     string
	reportDuration string
	reportILens    []string
	reportUsers    string
	reportOLen     int
	reportChart    string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Render result stores as tables",
	Long: `Report reads one or more result stores and writes a table per model,
keyed by input length and user count. Missing cells are written as "-".

With several input files, each file is taken to be one server of a
multi-server run holding a single model: latencies are averaged across the
files and request counts summed, followed by one table per server.`,
	Example: `  llmbench report -i benchmark_1115.json --out result.csv
  llmbench report -i s1.json -i s2.json --name 8B_BF16_2xTP1 --format markdown`,
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)

	defaults := report.DefaultLayout()
	f := reportCmd.Flags()
	f.StringArrayVarP(&reportInputs, "input", "i", nil, "Result store file (repeatable)")
	f.StringVar(&reportOut, "out", "", "Output file (default stdout)")
	f.StringVar(&reportFormat, "format", "csv", "Table format (csv, markdown)")
	f.StringVar(&reportBackend, "backend", "", "Backend section to read (default: the one holding data)")
	f.StringSliceVar(&reportModels, "models", nil, "Models to render, in order (default all)")
	f.StringVar(&reportName, "name", "", "Table name prefix for multi-file reports (default: input directory)")
	f.StringVar(&reportDuration, "dur", defaults.Duration, "Test duration component of the key")
	f.StringSliceVar(&reportILens, "ilens", defaults.InputLens, "Input length components of the key")
	f.StringVar(&reportUsers, "users", "1,8,16,24,32,40,48,56,64", "User counts, comma separated")
	f.IntVar(&reportOLen, "olen", defaults.OutputLen, "Output length shown in column headers")
	f.StringVar(&reportChart, "chart", "", "Also plot a metric against users (E2E, TTFT, TPOT)")

	_ = reportCmd.MarkFlagRequired("input")
}

func runReport(cmd *cobra.Command, args []string) error {
	users, err := report.UserCounts(reportUsers)
	if err != nil {
		return err
	}
	layout := report.Layout{
		Duration:  reportDuration,
		InputLens: reportILens,
		OutputLen: reportOLen,
		Users:     users,
	}

	docs := make([]resultstore.Document, 0, len(reportInputs))
	for _, p := range reportInputs {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("result store %s: %w", p, err)
		}
		doc, err := resultstore.Load(p)
		if err != nil {
			return err
		}
		docs = append(docs, doc)
	}

	var tables []*report.Table
	if len(docs) == 1 {
		var skipped []string
		tables, skipped, err = report.Build(docs[0], reportBackend, layout, reportModels)
		if err != nil {
			return err
		}
		for _, m := range skipped {
			logger.Warn("model not in result store, skipping", "model", m)
		}
	} else {
		name := reportName
		if name == "" {
			name = filepath.Base(filepath.Dir(reportInputs[0]))
		}
		if tables, err = report.Merge(name, docs, layout); err != nil {
			return err
		}
	}

	var w io.Writer = cmd.OutOrStdout()
	if reportOut != "" {
		f, err := os.Create(reportOut)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", reportOut, err)
		}
		defer f.Close()
		w = f
	}

	switch strings.ToLower(reportFormat) {
	case "csv":
		err = report.WriteCSV(w, tables)
	case "markdown", "md":
		err = report.WriteMarkdown(w, tables)
	default:
		return fmt.Errorf("unknown format %q (csv, markdown)", reportFormat)
	}
	if err != nil {
		return err
	}

	if reportChart != "" {
		for _, t := range tables {
			fmt.Fprintln(cmd.OutOrStdout(), report.Chart(t, strings.ToUpper(reportChart), 60, 12))
			fmt.Fprintln(cmd.OutOrStdout())
		}
	}
	if reportOut != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Saved %d table(s) to %s\n", len(tables), reportOut)
	}
	return nil
}
