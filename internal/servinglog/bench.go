// Package servinglog extracts latency figures from benchmark_serving logs
// and from scraped vLLM metric dumps.
package servinglog

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	markerTTFT = "Mean TTFT (ms):"
	markerTPOT = "Mean TPOT (ms):"
	markerE2EL = "Mean E2EL (ms):"
)

// Missing marks a value the log did not contain
const Missing = "-"

// BenchResult holds the means printed by one benchmark_serving run, in ms.
// A nil field was not present in the log.
type BenchResult struct {
	TTFT *float64
	TPOT *float64
	E2EL *float64
}

// ParseBench scans a benchmark_serving log. Later lines overwrite earlier
// ones, so a log holding several runs yields the last run's figures.
func ParseBench(r io.Reader) (BenchResult, error) {
	var res BenchResult
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		for _, m := range []struct {
			marker string
			dst    **float64
		}{
			{markerTTFT, &res.TTFT},
			{markerTPOT, &res.TPOT},
			{markerE2EL, &res.E2EL},
		} {
			_, value, ok := strings.Cut(line, m.marker)
			if !ok {
				continue
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
			if err != nil {
				return res, fmt.Errorf("invalid value after %q: %w", m.marker, err)
			}
			*m.dst = &v
		}
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("failed to read log: %w", err)
	}
	return res, nil
}

// BenchSweep names the log files of one benchmark_serving sweep
type BenchSweep struct {
	InputLens   []string
	OutputLen   int
	Concurrency []int
	// PromptsPerClient times concurrency gives the prompt count in the file name
	PromptsPerClient int
}

// DefaultBenchSweep is the sweep the serving scripts run
func DefaultBenchSweep() BenchSweep {
	return BenchSweep{
		InputLens:        []string{"i2000", "i4000", "i8500"},
		OutputLen:        200,
		Concurrency:      []int{1, 2, 4, 6, 8, 10, 12, 14, 16},
		PromptsPerClient: 20,
	}
}

// LogName returns e.g. i2000_o200_c4_p80.log
func (s BenchSweep) LogName(ilen string, concurrency int) string {
	return fmt.Sprintf("%s_o%d_c%d_p%d.log", ilen, s.OutputLen, concurrency, concurrency*s.PromptsPerClient)
}

// WriteBenchCSV reads every log of the sweep from dir and writes one row
// per concurrency level. Missing logs and values are written as "-" and
// their names returned.
func WriteBenchCSV(w io.Writer, dir string, sweep BenchSweep, logger *slog.Logger) (missing []string, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	cw := csv.NewWriter(w)

	header := []string{"#Concur"}
	for _, ilen := range sweep.InputLens {
		header = append(header, ilen+"_TTFT(ms)", ilen+"_TPOT(ms)", ilen+"_E2E(ms)")
	}
	if err := cw.WriteAll([][]string{{dir}, header}); err != nil {
		return nil, err
	}

	for _, c := range sweep.Concurrency {
		row := []string{strconv.Itoa(c)}
		for _, ilen := range sweep.InputLens {
			name := sweep.LogName(ilen, c)
			res, err := parseBenchFile(filepath.Join(dir, name))
			if errors.Is(err, fs.ErrNotExist) {
				logger.Warn("benchmark log not found, skipping", slog.String("file", name))
				missing = append(missing, name)
				row = append(row, Missing, Missing, Missing)
				continue
			}
			if err != nil {
				return missing, fmt.Errorf("%s: %w", name, err)
			}
			row = append(row, cell(res.TTFT), cell(res.TPOT), cell(res.E2EL))
		}
		if err := cw.Write(row); err != nil {
			return missing, err
		}
	}
	cw.Flush()
	return missing, cw.Error()
}

func parseBenchFile(path string) (BenchResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return BenchResult{}, err
	}
	defer f.Close()
	return ParseBench(f)
}

func cell(v *float64) string {
	if v == nil {
		return Missing
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
