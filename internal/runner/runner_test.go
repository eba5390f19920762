package runner

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmbench/llmbench/internal/aggregate"
	"github.com/llmbench/llmbench/internal/config"
	"github.com/llmbench/llmbench/internal/profiling"
	"github.com/llmbench/llmbench/internal/resultstore"
	"github.com/llmbench/llmbench/test/mockllm"
)

func testConfig(t *testing.T, host string) config.RunConfig {
	t.Helper()
	input := filepath.Join(t.TempDir(), "16.txt")
	require.NoError(t, os.WriteFile(input, []byte("Summarize the poem:\nthe sea is calm tonight the tide is full\n"), 0644))
	return config.RunConfig{
		Server:    config.ServerVLLM,
		API:       config.APICompletions,
		Host:      host,
		Endpoint:  "/v1/completions",
		InputFile: input,
		OutputLen: 4,
		OutJSON:   filepath.Join(t.TempDir(), "benchmark.json"),
		Target:    "Llama-3-8B/test_case_1",
		Model:     "meta-llama/Llama-3-8B",
		Users:     4,
		SpawnRate: 100,
		Duration:  300 * time.Millisecond,
		Workers:   2,
		Pacing:    10 * time.Millisecond,
		PoolSize:  10,
	}
}

func mockServer(t *testing.T) (*httptest.Server, *mockllm.State) {
	t.Helper()
	state := mockllm.NewState()
	state.SetBehavior(mockllm.Behavior{TokenDelay: time.Millisecond})
	srv := httptest.NewServer(mockllm.NewServer(state))
	t.Cleanup(srv.Close)
	return srv, state
}

type collector struct {
	mu  sync.Mutex
	got []aggregate.WorkerSummary
}

func (c *collector) factory(string) Deliverer {
	return DelivererFunc(func(_ context.Context, s aggregate.WorkerSummary) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.got = append(c.got, s)
		return nil
	})
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, "http://localhost:1")
	cfg.OutputLen = 1
	_, err := New(cfg)
	require.Error(t, err)
	assert.True(t, config.IsConfigurationError(err))
}

func TestRun_DeliversOneSummaryPerWorker(t *testing.T) {
	srv, state := mockServer(t)
	cfg := testConfig(t, srv.URL)

	c := &collector{}
	r, err := New(cfg, WithHTTPClient(srv.Client()), WithDeliverer(c.factory))
	require.NoError(t, err)

	report, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, report.Spawned)
	assert.Equal(t, 2, report.Delivered)
	require.Len(t, c.got, 2)

	sessions := 0
	requests := 0
	for _, s := range c.got {
		require.NoError(t, s.Validate())
		assert.Equal(t, cfg.Target, s.Target)
		assert.Equal(t, 2, s.Sessions())
		sessions += s.Sessions()
		for _, n := range s.Requests {
			requests += n
		}
	}
	assert.Equal(t, 4, sessions)
	assert.Greater(t, requests, 0)
	assert.LessOrEqual(t, int64(requests), state.Requests())
	assert.Equal(t, int64(requests), report.Latency.Completed)
}

func TestSpawnInterval(t *testing.T) {
	tests := []struct {
		rate float64
		want time.Duration
	}{
		{1, time.Second},
		{4, 250 * time.Millisecond},
		{0.5, 2 * time.Second},
		{1e9, time.Nanosecond},
		{2e9, time.Nanosecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, spawnInterval(tt.rate), "rate %g", tt.rate)
	}
}

func TestRun_ExtremeSpawnRate(t *testing.T) {
	srv, _ := mockServer(t)
	cfg := testConfig(t, srv.URL)
	cfg.SpawnRate = 2e9

	c := &collector{}
	r, err := New(cfg, WithHTTPClient(srv.Client()), WithDeliverer(c.factory))
	require.NoError(t, err)

	report, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cfg.Users, report.Spawned)
	assert.Len(t, c.got, cfg.Workers)
}

func TestRun_MoreWorkersThanUsers(t *testing.T) {
	srv, _ := mockServer(t)
	cfg := testConfig(t, srv.URL)
	cfg.Users = 1
	cfg.Workers = 3

	c := &collector{}
	r, err := New(cfg, WithHTTPClient(srv.Client()), WithDeliverer(c.factory))
	require.NoError(t, err)

	report, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Workers, 3)

	// idle workers still report, with empty slices
	var hosting, idle int
	for _, w := range c.got {
		if w.Sessions() == 0 {
			idle++
			assert.NotNil(t, w.Requests)
		} else {
			hosting++
		}
	}
	assert.Equal(t, 1, hosting)
	assert.Equal(t, 2, idle)
}

func TestRun_DurationCutsSpawning(t *testing.T) {
	srv, _ := mockServer(t)
	cfg := testConfig(t, srv.URL)
	cfg.Users = 100
	cfg.SpawnRate = 10
	cfg.Duration = 250 * time.Millisecond

	r, err := New(cfg, WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	report, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Less(t, report.Spawned, 100)
	assert.GreaterOrEqual(t, report.Spawned, 1)
}

func TestRun_DeliveryErrorsJoined(t *testing.T) {
	srv, _ := mockServer(t)
	cfg := testConfig(t, srv.URL)

	lost := errors.New("coordinator unreachable")
	r, err := New(cfg, WithHTTPClient(srv.Client()), WithDeliverer(func(string) Deliverer {
		return DelivererFunc(func(context.Context, aggregate.WorkerSummary) error { return lost })
	}))
	require.NoError(t, err)

	report, err := r.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, lost)
	assert.Zero(t, report.Delivered)
}

func TestRun_ProfilerBracketsRun(t *testing.T) {
	srv, state := mockServer(t)
	cfg := testConfig(t, srv.URL)
	cfg.Users = 1
	cfg.Workers = 1

	p := profiling.New(srv.URL, profiling.WithHTTPClient(srv.Client()))
	r, err := New(cfg, WithHTTPClient(srv.Client()), WithProfiler(p))
	require.NoError(t, err)

	_, err = r.Run(context.Background())
	require.NoError(t, err)

	starts, stops := state.ProfileCalls()
	assert.Equal(t, int64(1), starts)
	assert.Equal(t, int64(1), stops)
	assert.False(t, state.Profiling())
}

func TestRun_FailingServerYieldsEmptySessions(t *testing.T) {
	srv, state := mockServer(t)
	state.SetBehavior(mockllm.Behavior{FailStatus: 503})
	cfg := testConfig(t, srv.URL)
	cfg.Users = 2

	c := &collector{}
	r, err := New(cfg, WithHTTPClient(srv.Client()), WithDeliverer(c.factory))
	require.NoError(t, err)

	report, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Latency.Completed)
	assert.Greater(t, report.Latency.Failed, int64(0))
	for _, w := range c.got {
		for _, n := range w.Requests {
			assert.Zero(t, n)
		}
	}
}

func TestRunLocal_PersistsAggregate(t *testing.T) {
	srv, _ := mockServer(t)
	cfg := testConfig(t, srv.URL)
	cfg.RandomInput = true

	store := resultstore.New(cfg.OutJSON)
	coord := aggregate.NewCoordinator(cfg.Server, store, aggregate.WithDefaultTarget(cfg.Target))

	result, report, err := RunLocal(context.Background(), cfg, coord, WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 2, report.Delivered)
	assert.Equal(t, 2, result.Workers)
	assert.Equal(t, 4, result.Sessions)
	assert.Equal(t, "Llama-3-8B", result.Model)
	assert.Equal(t, "test_case_1", result.TestCase)
	assert.Greater(t, result.E2E, 0.0)

	doc, err := resultstore.Load(cfg.OutJSON)
	require.NoError(t, err)
	entry, ok, err := doc.Get(config.ServerVLLM, "Llama-3-8B", "test_case_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, result.Requests, entry.Requests)
}

func TestRunLocal_WritesSessionDumps(t *testing.T) {
	srv, _ := mockServer(t)
	cfg := testConfig(t, srv.URL)
	cfg.OutDir = t.TempDir()
	cfg.Users = 3

	coord := aggregate.NewCoordinator(cfg.Server, resultstore.New(cfg.OutJSON))
	_, _, err := RunLocal(context.Background(), cfg, coord, WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	dumps, err := filepath.Glob(filepath.Join(cfg.OutDir, "benchmark_*.json"))
	require.NoError(t, err)
	assert.Len(t, dumps, 3)
}
