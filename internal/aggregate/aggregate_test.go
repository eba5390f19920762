package aggregate

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmbench/llmbench/internal/resultstore"
	"github.com/llmbench/llmbench/internal/storage"
)

func fixedClock() time.Time {
	return time.Date(2024, 11, 15, 0, 30, 0, 0, time.UTC)
}

type recordingHistory struct {
	mu   sync.Mutex
	runs []*storage.Run
	err  error
}

func (h *recordingHistory) Create(ctx context.Context, run *storage.Run) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.runs = append(h.runs, run)
	return nil
}

func newTestCoordinator(t *testing.T, opts ...CoordinatorOption) (*Coordinator, string) {
	t.Helper()
	p := filepath.Join(t.TempDir(), "out", "benchmark.json")
	store := resultstore.New(p, resultstore.WithClock(fixedClock))
	return NewCoordinator("vLLM", store, opts...), p
}

func TestWorkerAggregator_ConcurrentAdds(t *testing.T) {
	agg := NewWorkerAggregator("w-1", "m/3m_i2500_08user")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := agg.Add(SessionSummary{
				SessionID: fmt.Sprintf("s-%d", i),
				Requests:  i,
				E2E:       float64(i),
				TTFT:      float64(i) / 10,
				TPOT:      float64(i) / 100,
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	summary := agg.Seal()
	assert.Equal(t, "w-1", summary.WorkerID)
	assert.Equal(t, "m/3m_i2500_08user", summary.Target)
	require.NoError(t, summary.Validate())
	assert.Equal(t, 50, summary.Sessions())

	// parallel slices stay aligned whatever the arrival order
	for i, req := range summary.Requests {
		assert.InDelta(t, float64(req), summary.E2E[i], 1e-9)
		assert.InDelta(t, float64(req)/10, summary.TTFT[i], 1e-9)
	}
}

func TestWorkerAggregator_DuplicateAndSealed(t *testing.T) {
	agg := NewWorkerAggregator("w-1", "m/tc")

	require.NoError(t, agg.Add(SessionSummary{SessionID: "a", Requests: 1}))
	err := agg.Add(SessionSummary{SessionID: "a", Requests: 5})
	assert.ErrorIs(t, err, ErrDuplicateSession)

	first := agg.Seal()
	assert.Equal(t, []int{1}, first.Requests)

	assert.ErrorIs(t, agg.Add(SessionSummary{SessionID: "b"}), ErrSealed)
	assert.Equal(t, first.Requests, agg.Seal().Requests)
}

func TestWorkerAggregator_EmptySealKeepsSlices(t *testing.T) {
	summary := NewWorkerAggregator("w-0", "m/tc").Seal()
	assert.NotNil(t, summary.Requests)
	assert.Equal(t, 0, summary.Sessions())
	assert.NotNil(t, summary.Latency)
}

func TestWorkerSummary_Validate(t *testing.T) {
	bad := WorkerSummary{Requests: []int{1, 2}, E2E: []float64{1}, TTFT: []float64{1, 2}, TPOT: []float64{1, 2}}
	assert.Error(t, bad.Validate())

	neg := WorkerSummary{Requests: []int{-1}, E2E: []float64{1}, TTFT: []float64{1}, TPOT: []float64{1}}
	assert.Error(t, neg.Validate())
}

func TestCoordinator_PerSessionAveraging(t *testing.T) {
	coord, path := newTestCoordinator(t, WithDefaultTarget("Llama-3.1-8B/3m_i2500_01user"))
	ctx := context.Background()

	first, err := coord.Handle(ctx, WorkerSummary{
		WorkerID: "w-1",
		Requests: []int{2, 3},
		E2E:      []float64{1.0, 2.0},
		TTFT:     []float64{0.1, 0.2},
		TPOT:     []float64{0.01, 0.02},
	})
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, 5, first.Requests)

	res, err := coord.Handle(ctx, WorkerSummary{
		WorkerID: "w-2",
		Requests: []int{4},
		E2E:      []float64{3.0},
		TTFT:     []float64{0.3},
		TPOT:     []float64{0.03},
	})
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, 9, res.Requests)
	assert.Equal(t, 3, res.Sessions)
	assert.Equal(t, 2, res.Workers)
	assert.InDelta(t, 2.0, res.E2E, 1e-9)
	assert.InDelta(t, 0.2, res.TTFT, 1e-9)
	assert.InDelta(t, 0.02, res.TPOT, 1e-9)
	// (2*1 + 3*2 + 4*3) / 9
	assert.InDelta(t, 20.0/9.0, res.WeightedE2E, 1e-9)

	doc, err := resultstore.Load(path)
	require.NoError(t, err)
	entry, ok, err := doc.Get("vLLM", "Llama-3.1-8B", "3m_i2500_01user")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 9, entry.Requests)
	assert.InDelta(t, 2.0, entry.E2E, 1e-9)
	assert.Equal(t, "Taipei Time: 2024-11-15 08:30", entry.Date)

	assert.Equal(t, res, coord.Last())
}

func TestCoordinator_ZeroSessionsSkipsPersistence(t *testing.T) {
	coord, path := newTestCoordinator(t, WithDefaultTarget("m/tc"))

	res, err := coord.Handle(context.Background(), WorkerSummary{
		WorkerID: "w-empty",
		Requests: []int{},
		E2E:      []float64{},
		TTFT:     []float64{},
		TPOT:     []float64{},
	})
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Nil(t, coord.Last())
	assert.NoFileExists(t, path)
}

func TestCoordinator_TargetFromSummaryWins(t *testing.T) {
	coord, path := newTestCoordinator(t, WithDefaultTarget("default/tc"))

	res, err := coord.Handle(context.Background(), WorkerSummary{
		WorkerID: "w-1",
		Requests: []int{1},
		E2E:      []float64{1},
		TTFT:     []float64{1},
		TPOT:     []float64{1},
		Target:   "Llama-3.1-70B/3m_i5500_16user",
	})
	require.NoError(t, err)
	assert.Equal(t, "Llama-3.1-70B", res.Model)
	assert.Equal(t, "3m_i5500_16user", res.TestCase)

	doc, err := resultstore.Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"Llama-3.1-70B"}, doc.Models("vLLM"))
}

func TestCoordinator_NoTarget(t *testing.T) {
	coord, _ := newTestCoordinator(t)

	_, err := coord.Handle(context.Background(), WorkerSummary{
		WorkerID: "w-1",
		Requests: []int{1},
		E2E:      []float64{1},
		TTFT:     []float64{1},
		TPOT:     []float64{1},
	})
	assert.ErrorIs(t, err, ErrNoTarget)
}

func TestCoordinator_InvalidSummaryNotMerged(t *testing.T) {
	coord, _ := newTestCoordinator(t, WithDefaultTarget("m/tc"))

	_, err := coord.Handle(context.Background(), WorkerSummary{
		WorkerID: "w-bad",
		Requests: []int{1, 2},
		E2E:      []float64{1},
	})
	require.Error(t, err)

	res, err := coord.Handle(context.Background(), WorkerSummary{
		WorkerID: "w-1",
		Requests: []int{3},
		E2E:      []float64{4},
		TTFT:     []float64{1},
		TPOT:     []float64{1},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sessions)
	assert.Equal(t, 1, res.Workers)
}

func TestCoordinator_HistoryRecorded(t *testing.T) {
	history := &recordingHistory{}
	coord, _ := newTestCoordinator(t, WithDefaultTarget("m/tc"), WithHistory(history), WithRunID("run-42"))

	_, err := coord.Handle(context.Background(), WorkerSummary{
		WorkerID: "w-1",
		Requests: []int{2, 3},
		E2E:      []float64{1, 2},
		TTFT:     []float64{0.1, 0.2},
		TPOT:     []float64{0.01, 0.02},
	})
	require.NoError(t, err)

	require.Len(t, history.runs, 1)
	run := history.runs[0]
	assert.Equal(t, "run-42", run.RunID)
	assert.Equal(t, "vLLM", run.Backend)
	assert.Equal(t, 5, run.Requests)
	assert.Len(t, run.SessionStats, 2)
	assert.Equal(t, "Taipei Time: 2024-11-15 08:30", run.DateLabel)
}

func TestCoordinator_HistoryFailureIsNotFatal(t *testing.T) {
	history := &recordingHistory{err: errors.New("disk full")}
	coord, path := newTestCoordinator(t, WithDefaultTarget("m/tc"), WithHistory(history))

	res, err := coord.Handle(context.Background(), WorkerSummary{
		WorkerID: "w-1",
		Requests: []int{1},
		E2E:      []float64{1},
		TTFT:     []float64{1},
		TPOT:     []float64{1},
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.FileExists(t, path)
}

func TestCoordinator_RunDrainsChannel(t *testing.T) {
	coord, _ := newTestCoordinator(t, WithDefaultTarget("m/tc"))

	inbox := make(chan WorkerSummary)
	done := make(chan error, 1)
	go func() {
		done <- coord.Run(context.Background(), inbox)
	}()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		agg := NewWorkerAggregator(fmt.Sprintf("w-%d", i), "m/tc")
		require.NoError(t, agg.Add(SessionSummary{SessionID: "s", Requests: i + 1, E2E: 1, TTFT: 1, TPOT: 1}))
		require.NoError(t, Submit(ctx, inbox, agg.Seal()))
	}
	close(inbox)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator did not stop after inbox closed")
	}

	last := coord.Last()
	require.NotNil(t, last)
	assert.Equal(t, 6, last.Requests)
	assert.Equal(t, 3, last.Sessions)
}

func TestSubmit_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Submit(ctx, make(chan WorkerSummary), WorkerSummary{WorkerID: "w-1"})
	assert.ErrorIs(t, err, context.Canceled)
}
