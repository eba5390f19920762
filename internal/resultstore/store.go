// Package resultstore persists fleet-wide results as nested JSON keyed
// backend -> model -> test case.
//
// Writes are a plain read-modify-write of the whole file with no locking:
// two coordinators writing the same path race and the last writer wins.
package resultstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DatePrefix labels the fixed UTC+8 timestamp stored with each entry
const DatePrefix = "Taipei Time: "

const dateLayout = "2006-01-02 15:04"

// reportZone is fixed at UTC+8 regardless of the host's local zone
var reportZone = time.FixedZone("Etc/GMT-8", 8*60*60)

// Entry is one test case result
type Entry struct {
	Date     string  `json:"Date"`
	Requests int     `json:"#Req"`
	E2E      float64 `json:"E2E"`
	TTFT     float64 `json:"TTFT"`
	TPOT     float64 `json:"TPOT"`
}

// FormatDate renders t in the store's fixed zone
func FormatDate(t time.Time) string {
	return DatePrefix + t.In(reportZone).Format(dateLayout)
}

// SplitTarget splits a report key into model name (directory part) and test
// case (last element), e.g. "Llama-3.1-8B/3m_i2500_01user".
func SplitTarget(target string) (model, testCase string) {
	target = strings.TrimRight(target, "/")
	dir := path.Dir(target)
	if dir == "." {
		dir = ""
	}
	return dir, path.Base(target)
}

// Document is the decoded file. Entries are kept raw so fields written by
// other tools survive a rewrite.
type Document map[string]map[string]map[string]json.RawMessage

// NewDocument returns the initial content of a missing store
func NewDocument() Document {
	return Document{"vLLM": {}}
}

// Put sets one entry, creating the backend and model levels as needed
func (d Document) Put(backend, model, testCase string, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}
	if d[backend] == nil {
		d[backend] = map[string]map[string]json.RawMessage{}
	}
	if d[backend][model] == nil {
		d[backend][model] = map[string]json.RawMessage{}
	}
	d[backend][model][testCase] = raw
	return nil
}

// Get decodes one entry
func (d Document) Get(backend, model, testCase string) (Entry, bool, error) {
	raw, ok := d[backend][model][testCase]
	if !ok {
		return Entry{}, false, nil
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, true, fmt.Errorf("failed to decode %s/%s/%s: %w", backend, model, testCase, err)
	}
	return e, true, nil
}

// Backends lists backends that hold at least one model, sorted
func (d Document) Backends() []string {
	var out []string
	for b, models := range d {
		if len(models) > 0 {
			out = append(out, b)
		}
	}
	sort.Strings(out)
	return out
}

// Models lists the models recorded under a backend, sorted
func (d Document) Models(backend string) []string {
	var out []string
	for m := range d[backend] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// TestCases lists the test cases recorded for a model, sorted
func (d Document) TestCases(backend, model string) []string {
	var out []string
	for tc := range d[backend][model] {
		out = append(out, tc)
	}
	sort.Strings(out)
	return out
}

// Load reads a store file. A missing file yields NewDocument.
func Load(p string) (Document, error) {
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return NewDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read result store: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse result store %s: %w", p, err)
	}
	if doc == nil {
		doc = NewDocument()
	}
	return doc, nil
}

// Save writes the whole document with 4-space indentation, creating parent
// directories.
func Save(p string, doc Document) error {
	if dir := filepath.Dir(p); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create result store directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode result store: %w", err)
	}
	if err := os.WriteFile(p, data, 0644); err != nil {
		return fmt.Errorf("failed to write result store: %w", err)
	}
	return nil
}

// Store binds a file path to the read-modify-write cycle
type Store struct {
	path string
	now  func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a Store for path
func New(p string, opts ...Option) *Store {
	s := &Store{path: p, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the store file path
func (s *Store) Path() string {
	return s.path
}

// Record loads the file, sets backend/model/testCase with the current date
// and rewrites the file. It returns the entry written.
func (s *Store) Record(backend, model, testCase string, requests int, e2e, ttft, tpot float64) (Entry, error) {
	doc, err := Load(s.path)
	if err != nil {
		return Entry{}, err
	}

	entry := Entry{
		Date:     FormatDate(s.now()),
		Requests: requests,
		E2E:      e2e,
		TTFT:     ttft,
		TPOT:     tpot,
	}
	if err := doc.Put(backend, model, testCase, entry); err != nil {
		return Entry{}, err
	}
	if err := Save(s.path, doc); err != nil {
		return Entry{}, err
	}
	return entry, nil
}
