package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordGeneration_ObservesOnlySuccess(t *testing.T) {
	before := testutil.CollectAndCount(E2ELatency)

	RecordGeneration("triton", "transport_error", 0, 0, 0)
	assert.Equal(t, float64(1), testutil.ToFloat64(GenerationRequests.WithLabelValues("triton", "transport_error")))
	assert.Equal(t, before, testutil.CollectAndCount(E2ELatency))

	RecordGeneration("triton", "ok", 2.0, 0.5, 0.01)
	assert.Equal(t, float64(1), testutil.ToFloat64(GenerationRequests.WithLabelValues("triton", "ok")))
	assert.Equal(t, before+1, testutil.CollectAndCount(E2ELatency))
}

func TestTrackInFlight(t *testing.T) {
	done := TrackInFlight("vllm-chat")
	assert.Equal(t, float64(1), testutil.ToFloat64(GenerationInFlight.WithLabelValues("vllm-chat")))
	done()
	assert.Equal(t, float64(0), testutil.ToFloat64(GenerationInFlight.WithLabelValues("vllm-chat")))
}

func TestRecordResultStoreWrite(t *testing.T) {
	RecordResultStoreWrite(nil)
	RecordResultStoreWrite(errors.New("disk full"))

	assert.GreaterOrEqual(t, testutil.ToFloat64(ResultStoreWrites.WithLabelValues("success")), float64(1))
	assert.GreaterOrEqual(t, testutil.ToFloat64(ResultStoreWrites.WithLabelValues("error")), float64(1))
}

func TestRecordHTTPRequest(t *testing.T) {
	RecordHTTPRequest("POST", "/api/v1/summaries", "202", 5*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("POST", "/api/v1/summaries", "202")))
}
