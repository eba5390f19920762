package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/guptarohit/asciigraph"
)

// Missing fills cells with no measurement
const Missing = "-"

func (t *Table) header() (groups, columns []string) {
	groups = []string{"ilen/olen"}
	columns = []string{"#User"}
	for _, ilen := range t.Layout.InputLens {
		label := ilen
		if t.Layout.OutputLen > 0 {
			label = fmt.Sprintf("%s-o%d", ilen, t.Layout.OutputLen)
		}
		groups = append(groups, label, "", "", "")
		columns = append(columns, Metrics...)
	}
	return groups, columns
}

func (t *Table) row(users int) []string {
	out := []string{strconv.Itoa(users)}
	for _, ilen := range t.Layout.InputLens {
		c := t.Cell(ilen, users)
		if !c.Present() {
			out = append(out, Missing, Missing, Missing, Missing)
			continue
		}
		out = append(out,
			strconv.Itoa(c.Requests),
			formatSeconds(c.E2E),
			formatSeconds(c.TTFT),
			formatSeconds(c.TPOT))
	}
	return out
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

// WriteCSV writes tables one after another, each headed by its name and
// separated by a blank record
func WriteCSV(w io.Writer, tables []*Table) error {
	cw := csv.NewWriter(w)
	for i, t := range tables {
		if i > 0 {
			if err := cw.Write([]string{""}); err != nil {
				return err
			}
		}
		groups, columns := t.header()
		records := [][]string{{t.Name}, groups, columns}
		for _, u := range t.Layout.Users {
			records = append(records, t.row(u))
		}
		if err := cw.WriteAll(records); err != nil {
			return fmt.Errorf("failed to write table %s: %w", t.Name, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteMarkdown writes one section per table
func WriteMarkdown(w io.Writer, tables []*Table) error {
	var sb strings.Builder
	for _, t := range tables {
		sb.WriteString(fmt.Sprintf("## %s\n\n", t.Name))

		groups, columns := t.header()
		head := make([]string, len(columns))
		for i := range columns {
			head[i] = columns[i]
			if i > 0 && groups[i] != "" {
				head[i] = groups[i] + " " + columns[i]
			}
		}
		sb.WriteString("| " + strings.Join(head, " | ") + " |\n")
		sb.WriteString("|" + strings.Repeat("---|", len(head)) + "\n")
		for _, u := range t.Layout.Users {
			sb.WriteString("| " + strings.Join(t.row(u), " | ") + " |\n")
		}
		sb.WriteString("\n")
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

// Chart plots one metric against the user sweep, one series per input
// length. Missing cells are interpolated from their neighbours so a gap in
// the sweep does not drop the line to zero.
func Chart(t *Table, metric string, width, height int) string {
	if width < 20 {
		width = 20
	}
	if height < 3 {
		height = 3
	}

	var series [][]float64
	var legend []string
	for _, ilen := range t.Layout.InputLens {
		values, ok := t.Series(ilen, metric)
		if !fillGaps(values, ok) {
			continue
		}
		series = append(series, values)
		legend = append(legend, ilen)
	}
	if len(series) == 0 {
		return fmt.Sprintf("%s: no %s data", t.Name, metric)
	}

	colors := []asciigraph.AnsiColor{asciigraph.Red, asciigraph.Blue, asciigraph.Green, asciigraph.Yellow}
	opts := []asciigraph.Option{
		asciigraph.Height(height),
		asciigraph.Width(width),
		asciigraph.Caption(fmt.Sprintf("%s %s vs users (%s)", t.Name, metric, strings.Join(legend, ", "))),
	}
	if len(series) <= len(colors) {
		opts = append(opts, asciigraph.SeriesColors(colors[:len(series)]...))
	}
	return asciigraph.PlotMany(series, opts...)
}

// fillGaps replaces missing points with the nearest present value on the
// left, or the first present value for a leading gap. It reports whether any
// point was present.
func fillGaps(values []float64, ok []bool) bool {
	first := -1
	for i, present := range ok {
		if present {
			first = i
			break
		}
	}
	if first < 0 {
		return false
	}
	for i := 0; i < first; i++ {
		values[i] = values[first]
	}
	for i := first + 1; i < len(values); i++ {
		if !ok[i] {
			values[i] = values[i-1]
		}
	}
	return true
}
