// Package dispatcher ships screenshot, hierarchy, and event payloads to the
// backend through a three-step presign/PUT/confirm protocol, protected by a
// circuit breaker and a small fixed-size worker pool.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rejourney/replay-agent/internal/httputil"
	"github.com/rejourney/replay-agent/internal/logging"
	"github.com/rejourney/replay-agent/internal/workerpool"
	"github.com/rejourney/replay-agent/pkg/capability"
	"github.com/rejourney/replay-agent/pkg/model"
)

var log = logging.L("dispatcher")

// Config wires the dispatcher's network identity and tunables.
type Config struct {
	Endpoint  string
	APIToken  string
	Transport capability.HttpTransport
	Clock     capability.Clock

	Workers                int
	QueueCeiling           int
	MaxAttempts            int
	CircuitBreakerFailures int
	CircuitBreakerOpen     time.Duration
	RequestTimeout         time.Duration

	// MaxSubmitsPerSecond shapes how fast batches are handed to the worker
	// pool, independent of the pool's fixed worker/queue sizing -- this is
	// the backpressure knob for bursty capture/stability traffic sharing
	// the same two workers. Zero disables shaping.
	MaxSubmitsPerSecond float64
	SubmitBurst         int

	// OneShotRetry controls the backoff used by the session-end and
	// retention-evaluation calls, which sit outside the segment retry
	// queue. The zero value falls back to httputil.DefaultRetryConfig().
	OneShotRetry httputil.RetryConfig
}

// Dispatcher is SegmentDispatcher (C2). One instance is owned by the
// orchestrator for the lifetime of the process; Configure re-keys it to a
// new session without resetting the breaker's billing-blocked latch, which
// is deliberately process-lifetime sticky.
type Dispatcher struct {
	cfg Config

	pool      *workerpool.Pool
	breaker   *breaker
	telemetry *telemetry

	oneShotRetry httputil.RetryConfig

	mu               sync.Mutex
	sessionID        string
	uploadCredential string
	isSampledIn      bool
	retryQueue       []model.PendingUpload
	inFlight         int
}

// New constructs a Dispatcher. Call Configure before the first Submit.
func New(cfg Config) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 2
	}
	if cfg.QueueCeiling < 1 {
		cfg.QueueCeiling = 64
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.CircuitBreakerFailures < 1 {
		cfg.CircuitBreakerFailures = 5
	}
	if cfg.CircuitBreakerOpen <= 0 {
		cfg.CircuitBreakerOpen = 60 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 20 * time.Second
	}

	oneShotRetry := cfg.OneShotRetry
	if oneShotRetry == (httputil.RetryConfig{}) {
		oneShotRetry = httputil.DefaultRetryConfig()
	}

	pool := workerpool.New(cfg.Workers, cfg.QueueCeiling)
	if cfg.MaxSubmitsPerSecond > 0 {
		pool.SetRateLimit(cfg.MaxSubmitsPerSecond, cfg.SubmitBurst)
	}

	return &Dispatcher{
		cfg:          cfg,
		pool:         pool,
		breaker:      newBreaker(cfg.Clock, cfg.CircuitBreakerFailures, cfg.CircuitBreakerOpen),
		telemetry:    &telemetry{},
		oneShotRetry: oneShotRetry,
	}
}

// SetRateLimit re-shapes the dispatcher's worker-pool submission rate at
// runtime, e.g. when the adaptive quality level drops and uploads should be
// throttled harder than the default.
func (d *Dispatcher) SetRateLimit(ratePerSec float64, burst int) {
	d.pool.SetRateLimit(ratePerSec, burst)
}

// Configure sets the active session identity and resets the self-telemetry
// snapshot to zero.
func (d *Dispatcher) Configure(sessionID, uploadCredential string, isSampledIn bool) {
	d.mu.Lock()
	d.sessionID = sessionID
	d.uploadCredential = uploadCredential
	d.isSampledIn = isSampledIn
	d.mu.Unlock()
	d.telemetry.reset()
}

// CanUploadNow reports whether a new upload may be attempted right now.
func (d *Dispatcher) CanUploadNow() bool {
	return d.breaker.canUploadNow()
}

// QueueDepth returns the current retry-queue length plus in-flight count,
// embedded in every telemetry snapshot.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.retryQueue) + d.inFlight
}

// Telemetry returns the current SDK self-telemetry snapshot.
func (d *Dispatcher) Telemetry() model.SDKTelemetry {
	return d.telemetry.snapshot(d.QueueDepth())
}

// Submit attempts to hand upload to the worker pool. Returns false (without
// touching the network) if the breaker is open/billing-blocked or the
// queue ceiling is exceeded — the caller's job on false is to keep
// buffering on disk.
func (d *Dispatcher) Submit(upload model.PendingUpload) bool {
	if !d.CanUploadNow() {
		return false
	}

	d.mu.Lock()
	if len(d.retryQueue)+d.inFlight >= d.cfg.QueueCeiling {
		d.mu.Unlock()
		log.Warn("dispatcher queue ceiling exceeded, rejecting submission")
		return false
	}
	d.inFlight++
	d.mu.Unlock()

	ok := d.pool.Submit(func() {
		d.runAttempt(upload)
	})
	if !ok {
		d.mu.Lock()
		d.inFlight--
		d.mu.Unlock()
	}
	return ok
}

// ShipPending drains the retry queue, resubmitting each entry to the pool.
// Called on dispatcher foreground transitions and whenever new room opens
// up; entries that fail to resubmit (pool full) stay queued for next call.
func (d *Dispatcher) ShipPending() {
	d.mu.Lock()
	pending := d.retryQueue
	d.retryQueue = nil
	d.mu.Unlock()

	for _, upload := range pending {
		if !d.Submit(upload) {
			d.mu.Lock()
			d.retryQueue = append(d.retryQueue, upload)
			d.mu.Unlock()
		}
	}
}

func (d *Dispatcher) runAttempt(upload model.PendingUpload) {
	defer func() {
		d.mu.Lock()
		d.inFlight--
		d.mu.Unlock()
	}()

	start := d.cfg.Clock.Now()
	err := d.attemptUpload(upload)
	duration := d.cfg.Clock.Now().Sub(start)
	nowMs := model.NowMs(d.cfg.Clock.Now())

	if err == nil {
		d.telemetry.recordSuccess(int64(len(upload.Payload)), duration, nowMs)
		d.breaker.recordSuccess()
		return
	}

	log.Warn("upload attempt failed", "sessionId", upload.SessionID, "kind", upload.ContentType, "attempt", upload.Attempt, "error", err)
	d.telemetry.recordFailure()

	if _, ok := err.(*billingBlockedError); ok {
		d.breaker.setBillingBlocked()
		return
	}

	if tripped := d.breaker.recordFailure(); tripped {
		d.telemetry.recordBreakerOpen()
		log.Warn("circuit breaker opened", "sessionId", upload.SessionID)
	}

	upload.Attempt++
	if upload.Attempt < d.cfg.MaxAttempts {
		d.telemetry.recordRetry(nowMs)
		d.mu.Lock()
		d.retryQueue = append(d.retryQueue, upload)
		d.mu.Unlock()
	} else {
		log.Error("upload exhausted retries, dropping", "sessionId", upload.SessionID, "kind", upload.ContentType)
	}
}

// billingBlockedError marks a 402 response from presign.
type billingBlockedError struct{}

func (e *billingBlockedError) Error() string { return "billing blocked (402)" }

// attemptUpload runs the full presign → PUT → confirm sequence for one
// upload. skipUpload:true from presign is treated as terminal success.
func (d *Dispatcher) attemptUpload(upload model.PendingUpload) error {
	ctx, cancel := capability.WithDeadline(context.Background(), d.cfg.RequestTimeout)
	defer cancel()

	itemCount := upload.ItemCount
	req := presignRequest{
		SessionID:   upload.SessionID,
		SizeBytes:   int64(len(upload.Payload)),
		ContentType: string(upload.ContentType),
		StartTime:   upload.RangeStart,
		EndTime:     upload.RangeEnd,
		Compression: "gzip",
		IsSampledIn: d.sampledIn(),
	}
	if upload.ContentType == model.KindEvents {
		req.EventCount = &itemCount
		if upload.BatchNumber != 0 {
			bn := upload.BatchNumber
			req.BatchNumber = &bn
		}
	} else {
		req.FrameCount = &itemCount
	}

	presign, err := d.doPresign(ctx, upload.ContentType, req)
	if err != nil {
		return err
	}
	if presign.SkipUpload {
		return nil
	}

	if err := d.doPut(ctx, presign.PresignedURL, upload.Payload); err != nil {
		return err
	}

	confirm := confirmRequest{
		SegmentID:       presign.SegmentID,
		BatchID:         presign.BatchID,
		ActualSizeBytes: int64(len(upload.Payload)),
		Timestamp:       model.NowMs(d.cfg.Clock.Now()),
		SDKTelemetry:    d.telemetry.snapshot(d.QueueDepth()),
	}
	if upload.ContentType == model.KindEvents {
		confirm.EventCount = &itemCount
	} else {
		confirm.FrameCount = &itemCount
	}

	return d.doConfirm(ctx, upload.ContentType, confirm)
}

func (d *Dispatcher) sampledIn() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isSampledIn
}

func (d *Dispatcher) sessionIdentity() (sessionID, credential string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessionID, d.uploadCredential
}

func (d *Dispatcher) headers(sessionID, credential string) http.Header {
	h := make(http.Header)
	h.Set("x-rejourney-key", d.cfg.APIToken)
	h.Set("x-upload-token", credential)
	h.Set("x-session-id", sessionID)
	h.Set("Content-Type", "application/json")
	return h
}

func (d *Dispatcher) doPresign(ctx context.Context, kind model.UploadKind, body presignRequest) (presignResponse, error) {
	var resp presignResponse
	err := d.doJSON(ctx, presignPath(kind), body, &resp)
	return resp, err
}

func (d *Dispatcher) doConfirm(ctx context.Context, kind model.UploadKind, body confirmRequest) error {
	return d.doJSON(ctx, confirmPath(kind), body, nil)
}

// ConcludeReplay posts session-end metrics and the final telemetry
// snapshot.
func (d *Dispatcher) ConcludeReplay(sessionID string, endedAt, backgroundDurationMs int64, metrics model.Tallies, queueDepth int) error {
	ctx, cancel := capability.WithDeadline(context.Background(), d.cfg.RequestTimeout)
	defer cancel()

	body := sessionEndRequest{
		SessionID:            sessionID,
		EndedAt:              endedAt,
		BackgroundDurationMs: backgroundDurationMs,
		Metrics:              metrics,
		QueueDepth:           queueDepth,
		SDKTelemetry:         d.telemetry.snapshot(queueDepth),
	}
	return d.doJSONRetrying(ctx, "/api/ingest/session/end", body, nil)
}

// EvaluateReplayRetention asks the backend whether this session's replay
// should be promoted (retained) given its tallies.
func (d *Dispatcher) EvaluateReplayRetention(sessionID string, metrics model.Tallies) (model.RetentionDecision, error) {
	ctx, cancel := capability.WithDeadline(context.Background(), d.cfg.RequestTimeout)
	defer cancel()

	var decision model.RetentionDecision
	body := retentionRequest{SessionID: sessionID, Metrics: metrics}
	err := d.doJSONRetrying(ctx, "/api/ingest/replay/evaluate", body, &decision)
	return decision, err
}

// doJSON posts a JSON body to path and, if out is non-nil, decodes the
// JSON response into it. A 402 response returns a *billingBlockedError
// (runAttempt latches the sticky billing-blocked flag on seeing it); any
// other non-2xx is a plain retryable error.
func (d *Dispatcher) doJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	sessionID, credential := d.sessionIdentity()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.Endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header = d.headers(sessionID, credential)

	resp, err := d.cfg.Transport.Do(req)
	if err != nil {
		return fmt.Errorf("transport error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusPaymentRequired {
		return &billingBlockedError{}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, string(respBody))
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// doJSONRetrying is doJSON's counterpart for the one-shot calls that sit
// outside the segment retry queue (session-end, retention evaluation): these
// aren't covered by the worker pool's attempt-bounded retry or the circuit
// breaker, so they get their own exponential backoff via internal/httputil
// instead of going out on a single attempt.
func (d *Dispatcher) doJSONRetrying(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	sessionID, credential := d.sessionIdentity()
	resp, err := httputil.Do(ctx, d.cfg.Transport, http.MethodPost, d.cfg.Endpoint+path, payload, d.headers(sessionID, credential), d.oneShotRetry)
	if err != nil {
		return fmt.Errorf("transport error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusPaymentRequired {
		return &billingBlockedError{}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, string(respBody))
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// doPut uploads the raw gzipped payload directly to a presigned URL.
func (d *Dispatcher) doPut(ctx context.Context, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build PUT request: %w", err)
	}
	req.Header.Set("Content-Type", "application/gzip")

	resp, err := d.cfg.Transport.Do(req)
	if err != nil {
		return fmt.Errorf("PUT transport error: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("PUT to presigned URL returned status %d", resp.StatusCode)
	}
	return nil
}

// Shutdown drains in-flight uploads, respecting ctx's deadline.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.pool.Shutdown(ctx)
}
