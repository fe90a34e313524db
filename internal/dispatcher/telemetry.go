package dispatcher

import (
	"sync/atomic"
	"time"

	"github.com/rejourney/replay-agent/pkg/model"
)

// telemetry is the atomic counter set backing the SDK self-telemetry
// snapshot embedded in every confirm and session-end call. Reset only by
// Configure.
type telemetry struct {
	uploadSuccessCount      atomic.Int64
	uploadFailureCount      atomic.Int64
	uploadRetryCount        atomic.Int64
	circuitBreakerOpenCount atomic.Int64
	memoryEvictionCount     atomic.Int64
	offlinePersistCount     atomic.Int64
	bytesUploaded           atomic.Int64
	totalBytesEvicted       atomic.Int64
	lastUploadAtMs          atomic.Int64
	lastRetryAtMs           atomic.Int64

	durationSumMs   atomic.Int64
	durationSamples atomic.Int64
}

func (t *telemetry) reset() {
	t.uploadSuccessCount.Store(0)
	t.uploadFailureCount.Store(0)
	t.uploadRetryCount.Store(0)
	t.circuitBreakerOpenCount.Store(0)
	t.memoryEvictionCount.Store(0)
	t.offlinePersistCount.Store(0)
	t.bytesUploaded.Store(0)
	t.totalBytesEvicted.Store(0)
	t.lastUploadAtMs.Store(0)
	t.lastRetryAtMs.Store(0)
	t.durationSumMs.Store(0)
	t.durationSamples.Store(0)
}

func (t *telemetry) recordSuccess(bytes int64, duration time.Duration, nowMs int64) {
	t.uploadSuccessCount.Add(1)
	t.bytesUploaded.Add(bytes)
	t.lastUploadAtMs.Store(nowMs)
	t.durationSumMs.Add(duration.Milliseconds())
	t.durationSamples.Add(1)
}

func (t *telemetry) recordFailure() {
	t.uploadFailureCount.Add(1)
}

func (t *telemetry) recordRetry(nowMs int64) {
	t.uploadRetryCount.Add(1)
	t.lastRetryAtMs.Store(nowMs)
}

func (t *telemetry) recordBreakerOpen() {
	t.circuitBreakerOpenCount.Add(1)
}

func (t *telemetry) recordEviction(bytes int64) {
	t.memoryEvictionCount.Add(1)
	t.totalBytesEvicted.Add(bytes)
}

func (t *telemetry) recordOfflinePersist() {
	t.offlinePersistCount.Add(1)
}

// snapshot renders the current counters as the wire type, given the
// caller-supplied current queue depth (retry queue + in-flight).
func (t *telemetry) snapshot(queueDepth int) model.SDKTelemetry {
	samples := t.durationSamples.Load()
	var avg float64
	if samples > 0 {
		avg = float64(t.durationSumMs.Load()) / float64(samples)
	}
	return model.SDKTelemetry{
		UploadSuccessCount:      t.uploadSuccessCount.Load(),
		UploadFailureCount:      t.uploadFailureCount.Load(),
		UploadRetryCount:        t.uploadRetryCount.Load(),
		CircuitBreakerOpenCount: t.circuitBreakerOpenCount.Load(),
		MemoryEvictionCount:     t.memoryEvictionCount.Load(),
		OfflinePersistCount:     t.offlinePersistCount.Load(),
		BytesUploaded:           t.bytesUploaded.Load(),
		TotalBytesEvicted:       t.totalBytesEvicted.Load(),
		AvgUploadDurationMs:     avg,
		QueueDepth:              queueDepth,
		LastUploadAtMs:          t.lastUploadAtMs.Load(),
		LastRetryAtMs:           t.lastRetryAtMs.Load(),
	}
}
