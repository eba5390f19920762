package servinglog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// vLLM metric families read from a /metrics dump
const (
	familyRequestSuccess = "vllm:request_success_total"
	familyPromptTokens   = "vllm:prompt_tokens_total"
	familyGenTokens      = "vllm:generation_tokens_total"
	familyIterTokens     = "vllm:iteration_tokens_total"
	familyInferenceTime  = "vllm:request_inference_time_seconds"
	familyE2ELatency     = "vllm:e2e_request_latency_seconds"
	familyTTFT           = "vllm:time_to_first_token_seconds"
)

// ServerMetrics is one server's counters at the end of a test case
type ServerMetrics struct {
	RequestSuccess      float64 `json:"request_success_total"`
	PromptTokens        float64 `json:"prompt_tokens_total"`
	GenerationTokens    float64 `json:"generation_tokens_total"`
	IterationTokensSum  float64 `json:"iteration_tokens_total_sum"`
	InferenceTimeSum    float64 `json:"request_inference_time_seconds_sum"`
	E2ELatencySum       float64 `json:"e2e_request_latency_seconds_sum"`
	TimeToFirstTokenSum float64 `json:"time_to_first_token_seconds_sum"`
}

// ParseMetrics decodes a Prometheus text exposition
func ParseMetrics(r io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse metrics: %w", err)
	}
	return families, nil
}

// Extract reads the vLLM counters. Only requests that finished by length
// count as successes, since every benchmark request ignores EOS.
func Extract(families map[string]*dto.MetricFamily) ServerMetrics {
	return ServerMetrics{
		RequestSuccess: sumValues(families, familyRequestSuccess, func(m *dto.Metric) bool {
			return label(m, "finished_reason") == "length"
		}),
		PromptTokens:        sumValues(families, familyPromptTokens, nil),
		GenerationTokens:    sumValues(families, familyGenTokens, nil),
		IterationTokensSum:  sumHistogram(families, familyIterTokens),
		InferenceTimeSum:    sumHistogram(families, familyInferenceTime),
		E2ELatencySum:       sumHistogram(families, familyE2ELatency),
		TimeToFirstTokenSum: sumHistogram(families, familyTTFT),
	}
}

// lookup finds a family under its exposition name, tolerating exporters
// that drop the _total suffix from counter families
func lookup(families map[string]*dto.MetricFamily, name string) *dto.MetricFamily {
	if mf, ok := families[name]; ok {
		return mf
	}
	if trimmed := strings.TrimSuffix(name, "_total"); trimmed != name {
		return families[trimmed]
	}
	return nil
}

func sumValues(families map[string]*dto.MetricFamily, name string, keep func(*dto.Metric) bool) float64 {
	mf := lookup(families, name)
	if mf == nil {
		return 0
	}
	var total float64
	for _, m := range mf.GetMetric() {
		if keep != nil && !keep(m) {
			continue
		}
		switch {
		case m.Counter != nil:
			total += m.GetCounter().GetValue()
		case m.Gauge != nil:
			total += m.GetGauge().GetValue()
		case m.Untyped != nil:
			total += m.GetUntyped().GetValue()
		}
	}
	return total
}

func sumHistogram(families map[string]*dto.MetricFamily, name string) float64 {
	mf := lookup(families, name)
	if mf == nil {
		return 0
	}
	var total float64
	for _, m := range mf.GetMetric() {
		total += m.GetHistogram().GetSampleSum()
	}
	return total
}

func label(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

// Combine sums counters across servers. Latency sums become per-request
// means by dividing by the combined success count.
func Combine(servers []ServerMetrics) ServerMetrics {
	var out ServerMetrics
	for _, s := range servers {
		out.RequestSuccess += s.RequestSuccess
		out.PromptTokens += s.PromptTokens
		out.GenerationTokens += s.GenerationTokens
		out.IterationTokensSum += s.IterationTokensSum
		out.InferenceTimeSum += s.InferenceTimeSum
		out.E2ELatencySum += s.E2ELatencySum
		out.TimeToFirstTokenSum += s.TimeToFirstTokenSum
	}
	if out.RequestSuccess > 0 {
		out.InferenceTimeSum /= out.RequestSuccess
		out.E2ELatencySum /= out.RequestSuccess
		out.TimeToFirstTokenSum /= out.RequestSuccess
	}
	return out
}

// PromSweep names the metric dumps of a multi-server sweep, e.g.
// 3m_i2000_01user_server0.log
type PromSweep struct {
	Duration  string
	InputLens []string
	Users     []int
	Servers   int
}

// DefaultPromSweep is the sweep the multi-server scripts run
func DefaultPromSweep() PromSweep {
	return PromSweep{
		Duration:  "3m",
		InputLens: []string{"i2000", "i4400", "i8600"},
		Users:     []int{1, 8, 16, 24, 32, 40, 48, 56, 64, 96, 128, 196},
		Servers:   1,
	}
}

// TestCase returns the key of one sweep point
func (s PromSweep) TestCase(ilen string, users int) string {
	return fmt.Sprintf("%s_%s_%02duser", s.Duration, ilen, users)
}

// LogName returns the dump file of one server for a sweep point
func (s PromSweep) LogName(ilen string, users, server int) string {
	return fmt.Sprintf("%s_server%d.log", s.TestCase(ilen, users), server)
}

var serversPattern = regexp.MustCompile(`(\d+)xTP`)

// ServersFromName reads the server count from a folder name such as
// meta-llama_Llama-3.1-8B_4xTP1. It returns 1 when the name carries none.
func ServersFromName(name string) int {
	m := serversPattern.FindStringSubmatch(name)
	if m == nil {
		return 1
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// InferenceFromName maps MultiServer_vLLM/... and MultiServer_Triton/...
// folder names onto a backend name
func InferenceFromName(name string) string {
	switch {
	case strings.Contains(name, "MultiServer_vLLM"):
		return "vLLM"
	case strings.Contains(name, "MultiServer_Triton"):
		return "Triton"
	}
	return "UNKNOWN"
}

// PromReport is the JSON written for a folder of metric dumps
type PromReport struct {
	Inference string                                `json:"Inference"`
	Data      map[string][]map[string]ServerMetrics `json:"Data"`
}

// CollectProm walks a sweep in dir. A sweep point is reported only when
// every server's dump for it exists.
func CollectProm(dir, model string, sweep PromSweep, logger *slog.Logger) (*PromReport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sweep.Servers < 1 {
		sweep.Servers = 1
	}

	points := []map[string]ServerMetrics{}
	for _, users := range sweep.Users {
		for _, ilen := range sweep.InputLens {
			servers, complete, err := readPoint(dir, sweep, ilen, users)
			if err != nil {
				return nil, err
			}
			if !complete {
				logger.Debug("sweep point incomplete, skipping", slog.String("test_case", sweep.TestCase(ilen, users)))
				continue
			}
			points = append(points, map[string]ServerMetrics{sweep.TestCase(ilen, users): Combine(servers)})
		}
	}

	return &PromReport{
		Inference: InferenceFromName(dir),
		Data:      map[string][]map[string]ServerMetrics{model: points},
	}, nil
}

func readPoint(dir string, sweep PromSweep, ilen string, users int) ([]ServerMetrics, bool, error) {
	var servers []ServerMetrics
	for idx := 0; idx < sweep.Servers; idx++ {
		name := sweep.LogName(ilen, users, idx)
		f, err := os.Open(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		families, err := ParseMetrics(f)
		f.Close()
		if err != nil {
			return nil, false, fmt.Errorf("%s: %w", name, err)
		}
		servers = append(servers, Extract(families))
	}
	return servers, true, nil
}

// WriteJSON writes a report with four-space indentation
func (r *PromReport) WriteJSON(w io.Writer) error {
	data, err := json.MarshalIndent(r, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	_, err = w.Write(append(data, '\n'))
	return err
}
