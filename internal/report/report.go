// Package report turns result store documents into per-model tables keyed
// by input length and user count.
package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/llmbench/llmbench/internal/resultstore"
)

// Metrics are the columns rendered for every input length
var Metrics = []string{"#Req", "E2E(s)", "TTFT(s)", "TPOT(s)"}

// Layout fixes the rows and column groups of a table
type Layout struct {
	Duration  string
	InputLens []string
	OutputLen int
	Users     []int
}

// DefaultLayout is the sweep the benchmark scripts run
func DefaultLayout() Layout {
	return Layout{
		Duration:  "3m",
		InputLens: []string{"i2500", "i5500", "i11000"},
		OutputLen: 350,
		Users:     []int{1, 8, 16, 24, 32, 40, 48, 56, 64},
	}
}

// Key returns the test case key, e.g. 3m/i2500/08user
func (l Layout) Key(ilen string, users int) string {
	return strings.Join([]string{l.Duration, ilen, userLabel(users)}, "/")
}

// LegacyKey returns the underscore form older runs were stored under
func (l Layout) LegacyKey(ilen string, users int) string {
	return strings.Join([]string{l.Duration, ilen, userLabel(users)}, "_")
}

func userLabel(users int) string {
	return fmt.Sprintf("%02duser", users)
}

// Cell is one (input length, users) measurement
type Cell struct {
	Requests int
	E2E      float64
	TTFT     float64
	TPOT     float64
	Sources  int // result files that contributed
}

// Present reports whether any result contributed to the cell
func (c Cell) Present() bool {
	return c.Sources > 0
}

// Table is one model's grid
type Table struct {
	Name   string
	Layout Layout
	cells  map[string]Cell
}

// NewTable creates an empty table
func NewTable(name string, layout Layout) *Table {
	return &Table{Name: name, Layout: layout, cells: make(map[string]Cell)}
}

// Cell returns the measurement for ilen and users
func (t *Table) Cell(ilen string, users int) Cell {
	return t.cells[t.Layout.Key(ilen, users)]
}

// Filled returns the number of present cells
func (t *Table) Filled() int {
	n := 0
	for _, c := range t.cells {
		if c.Present() {
			n++
		}
	}
	return n
}

// Series returns one metric across the user sweep for ilen. Missing cells
// are returned as ok=false so callers can decide how to plot gaps.
func (t *Table) Series(ilen, metric string) (values []float64, ok []bool) {
	values = make([]float64, len(t.Layout.Users))
	ok = make([]bool, len(t.Layout.Users))
	for i, u := range t.Layout.Users {
		c := t.Cell(ilen, u)
		if !c.Present() {
			continue
		}
		ok[i] = true
		switch metric {
		case "E2E":
			values[i] = c.E2E
		case "TTFT":
			values[i] = c.TTFT
		case "TPOT":
			values[i] = c.TPOT
		case "#Req":
			values[i] = float64(c.Requests)
		}
	}
	return values, ok
}

// fill copies every layout cell found in entries
func (t *Table) fill(lookup func(key string) (resultstore.Entry, bool, error)) error {
	for _, ilen := range t.Layout.InputLens {
		for _, u := range t.Layout.Users {
			e, found, err := lookup(t.Layout.Key(ilen, u))
			if err != nil {
				return err
			}
			if !found {
				e, found, err = lookup(t.Layout.LegacyKey(ilen, u))
				if err != nil {
					return err
				}
			}
			if !found {
				continue
			}
			t.add(t.Layout.Key(ilen, u), e)
		}
	}
	return nil
}

// add sums an entry into its cell; finish turns latency sums into means
func (t *Table) add(key string, e resultstore.Entry) {
	c := t.cells[key]
	c.Requests += e.Requests
	c.E2E += e.E2E
	c.TTFT += e.TTFT
	c.TPOT += e.TPOT
	c.Sources++
	t.cells[key] = c
}

func (t *Table) finish() {
	for key, c := range t.cells {
		if c.Sources > 1 {
			n := float64(c.Sources)
			c.E2E /= n
			c.TTFT /= n
			c.TPOT /= n
			t.cells[key] = c
		}
	}
}

// PickBackend returns the backend section holding data, preferring vLLM
func PickBackend(doc resultstore.Document) (string, error) {
	for _, b := range []string{"vLLM", "Triton"} {
		if len(doc[b]) > 0 {
			return b, nil
		}
	}
	for _, b := range doc.Backends() {
		if len(doc[b]) > 0 {
			return b, nil
		}
	}
	return "", fmt.Errorf("result document has no data under any backend")
}

// Build returns one table per model of the chosen backend. When models is
// non-empty only those are rendered, in the given order; unknown ones are
// reported in skipped.
func Build(doc resultstore.Document, backend string, layout Layout, models []string) (tables []*Table, skipped []string, err error) {
	if backend == "" {
		if backend, err = PickBackend(doc); err != nil {
			return nil, nil, err
		}
	}
	available := doc.Models(backend)
	if len(models) == 0 {
		models = available
	}
	known := make(map[string]bool, len(available))
	for _, m := range available {
		known[m] = true
	}

	for _, model := range models {
		if !known[model] {
			skipped = append(skipped, model)
			continue
		}
		t := NewTable(model, layout)
		err := t.fill(func(key string) (resultstore.Entry, bool, error) {
			return doc.Get(backend, model, key)
		})
		if err != nil {
			return nil, nil, fmt.Errorf("model %s: %w", model, err)
		}
		tables = append(tables, t)
	}
	return tables, skipped, nil
}

// Merge combines result files from servers that ran the same sweep in
// parallel. Each file must hold exactly one model. Latencies are averaged
// over the files that have a cell and request counts are summed. The first
// table is the combined one, followed by one table per file.
func Merge(name string, docs []resultstore.Document, layout Layout) ([]*Table, error) {
	if len(docs) == 0 {
		return nil, fmt.Errorf("no result documents to merge")
	}

	combined := NewTable(name+"_ALL", layout)
	tables := []*Table{combined}
	for i, doc := range docs {
		backend, err := PickBackend(doc)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i+1, err)
		}
		models := doc.Models(backend)
		if len(models) != 1 {
			return nil, fmt.Errorf("document %d: expected one model under %s, found %d", i+1, backend, len(models))
		}
		model := models[0]
		lookup := func(key string) (resultstore.Entry, bool, error) {
			return doc.Get(backend, model, key)
		}

		server := NewTable(fmt.Sprintf("%s_server%d", name, i+1), layout)
		if err := server.fill(lookup); err != nil {
			return nil, fmt.Errorf("document %d: %w", i+1, err)
		}
		if err := combined.fill(lookup); err != nil {
			return nil, fmt.Errorf("document %d: %w", i+1, err)
		}
		tables = append(tables, server)
	}
	combined.finish()
	return tables, nil
}

// UserCounts parses a comma separated list such as "1,8,16"
func UserCounts(s string) ([]int, error) {
	var out []int
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(f, "%d", &n); err != nil || n < 1 {
			return nil, fmt.Errorf("invalid user count %q", f)
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no user counts given")
	}
	sort.Ints(out)
	return out, nil
}
