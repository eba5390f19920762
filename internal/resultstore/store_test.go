package resultstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() time.Time {
	// 2024-11-15 00:30 UTC is 08:30 in UTC+8
	return time.Date(2024, 11, 15, 0, 30, 0, 0, time.UTC)
}

func TestFormatDate_FixedOffset(t *testing.T) {
	assert.Equal(t, "Taipei Time: 2024-11-15 08:30", FormatDate(fixedClock()))

	ny, err := time.LoadLocation("America/New_York")
	if err == nil {
		assert.Equal(t, "Taipei Time: 2024-11-15 08:30", FormatDate(fixedClock().In(ny)))
	}
}

func TestSplitTarget(t *testing.T) {
	tests := []struct {
		target, model, testCase string
	}{
		{"Llama-3.1-8B/3m_i2500_01user", "Llama-3.1-8B", "3m_i2500_01user"},
		{"Llama-3.1-8B/3m/i2500/01user", "Llama-3.1-8B/3m/i2500", "01user"},
		{"01user", "", "01user"},
		{"a/b/", "a", "b"},
	}
	for _, tt := range tests {
		model, tc := SplitTarget(tt.target)
		assert.Equal(t, tt.model, model, tt.target)
		assert.Equal(t, tt.testCase, tc, tt.target)
	}
}

func TestLoad_MissingFileStartsWithVLLM(t *testing.T) {
	doc, err := Load(filepath.Join(t.TempDir(), "none.json"))
	require.NoError(t, err)
	assert.Equal(t, NewDocument(), doc)
	assert.Contains(t, doc, "vLLM")
}

func TestLoad_InvalidJSON(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(p, []byte("{oops"), 0644))

	_, err := Load(p)
	assert.Error(t, err)
}

func TestStore_RecordRoundTripKeepsPriorEntries(t *testing.T) {
	p := filepath.Join(t.TempDir(), "nested", "out", "benchmark.json")

	prior := `{
    "vLLM": {
        "Llama-3.1-8B": {
            "3m/i2500/08user": {"Date": "Taipei Time: 2024-11-01 10:00", "#Req": 40, "E2E": 9.5, "TTFT": 0.7, "TPOT": 0.025, "Note": "kept"}
        }
    },
    "Triton": {
        "Llama-3.1-70B": {
            "3m/i5500/01user": {"Date": "Taipei Time: 2024-10-01 10:00", "#Req": 3, "E2E": 20.1, "TTFT": 1.2, "TPOT": 0.05}
        }
    }
}`
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(prior), 0644))

	store := New(p, WithClock(fixedClock))
	entry, err := store.Record("vLLM", "Llama-3.1-8B", "3m/i2500/01user", 9, 2.0, 0.5, 0.02)
	require.NoError(t, err)
	assert.Equal(t, "Taipei Time: 2024-11-15 08:30", entry.Date)

	doc, err := Load(p)
	require.NoError(t, err)

	got, ok, err := doc.Get("vLLM", "Llama-3.1-8B", "3m/i2500/01user")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entry, got)

	old, ok, err := doc.Get("vLLM", "Llama-3.1-8B", "3m/i2500/08user")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 40, old.Requests)
	assert.Contains(t, string(doc["vLLM"]["Llama-3.1-8B"]["3m/i2500/08user"]), `"Note"`)

	triton, ok, err := doc.Get("Triton", "Llama-3.1-70B", "3m/i5500/01user")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, triton.Requests)

	assert.Equal(t, []string{"Triton", "vLLM"}, doc.Backends())
	assert.Equal(t, []string{"3m/i2500/01user", "3m/i2500/08user"}, doc.TestCases("vLLM", "Llama-3.1-8B"))
}

func TestStore_RecordCreatesNewBackendAndIndents(t *testing.T) {
	p := filepath.Join(t.TempDir(), "benchmark.json")
	store := New(p, WithClock(fixedClock))

	_, err := store.Record("Triton", "Llama-3.1-8B", "3m_i2500_01user", 1, 1, 1, 1)
	require.NoError(t, err)

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "{\n    \""), "expected 4-space indentation")

	var raw map[string]map[string]map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Empty(t, raw["vLLM"])
	assert.Equal(t, float64(1), raw["Triton"]["Llama-3.1-8B"]["3m_i2500_01user"]["#Req"])
	assert.Equal(t, "Taipei Time: 2024-11-15 08:30", raw["Triton"]["Llama-3.1-8B"]["3m_i2500_01user"]["Date"])
}

func TestStore_RecordOverwritesSameTestCase(t *testing.T) {
	p := filepath.Join(t.TempDir(), "benchmark.json")
	store := New(p, WithClock(fixedClock))

	_, err := store.Record("vLLM", "m", "tc", 1, 1, 1, 1)
	require.NoError(t, err)
	_, err = store.Record("vLLM", "m", "tc", 7, 2, 2, 2)
	require.NoError(t, err)

	doc, err := Load(p)
	require.NoError(t, err)
	e, _, err := doc.Get("vLLM", "m", "tc")
	require.NoError(t, err)
	assert.Equal(t, 7, e.Requests)
	assert.Len(t, doc.TestCases("vLLM", "m"), 1)
}
