// Package stability implements StabilityMonitor (C4): capturing uncaught
// exceptions and ANR incidents, persisting them as a single small document
// rather than an append-only log, and shipping them to the backend.
package stability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rejourney/replay-agent/internal/httputil"
	"github.com/rejourney/replay-agent/internal/logging"
	"github.com/rejourney/replay-agent/internal/workerpool"
	"github.com/rejourney/replay-agent/pkg/capability"
	"github.com/rejourney/replay-agent/pkg/model"
)

var log = logging.L("stability")

const incidentFileName = "rj_incidents.json"

// TallyIncrementer lets StabilityMonitor and AnrSentinel bump the session's
// health tallies without importing the orchestrator package.
type TallyIncrementer interface {
	IncrementFault()
	IncrementStalled()
}

// Config carries StabilityMonitor's fixed settings.
type Config struct {
	CacheDir  string
	Endpoint  string
	APIToken  string
	ProjectID string

	// UploadRetry controls the fault-upload backoff; the zero value falls
	// back to httputil.DefaultRetryConfig().
	UploadRetry httputil.RetryConfig
}

// Deps bundles the capability adapters StabilityMonitor is written against.
type Deps struct {
	Installer capability.UncaughtHandlerInstaller
	Transport capability.HttpTransport
	Clock     capability.Clock
	Tallies   TallyIncrementer
}

// Monitor is C4 StabilityMonitor.
type Monitor struct {
	cfg       Config
	installer capability.UncaughtHandlerInstaller
	transport capability.HttpTransport
	clock     capability.Clock
	tallies   TallyIncrementer
	pool      *workerpool.Pool
	retryCfg  httputil.RetryConfig

	mu        sync.Mutex
	sessionID string
	handle    capability.Handle
}

// New constructs a Monitor. The upload path runs on a dedicated
// single-worker pool so a stalled network call never competes with other
// background work for a goroutine slot.
func New(cfg Config, deps Deps) *Monitor {
	retryCfg := cfg.UploadRetry
	if retryCfg == (httputil.RetryConfig{}) {
		retryCfg = httputil.DefaultRetryConfig()
	}
	return &Monitor{
		cfg:       cfg,
		installer: deps.Installer,
		transport: deps.Transport,
		clock:     deps.Clock,
		tallies:   deps.Tallies,
		pool:      workerpool.New(1, 16),
		retryCfg:  retryCfg,
	}
}

// Activate installs the process-wide uncaught-exception handler, chaining
// to whatever handler was previously installed. Idempotent: calling while
// already active replaces the session identity but not the installed hook.
func (m *Monitor) Activate(sessionID string) {
	m.mu.Lock()
	alreadyInstalled := m.handle != nil
	m.sessionID = sessionID
	m.mu.Unlock()

	if alreadyInstalled || m.installer == nil {
		return
	}

	handle := m.installer.Install(func(t capability.Throwable, chainPrior func()) {
		m.handleThrowable(t)
		chainPrior()
	})

	m.mu.Lock()
	m.handle = handle
	m.mu.Unlock()
}

// Deactivate restores the previously chained handler.
func (m *Monitor) Deactivate() {
	m.mu.Lock()
	handle := m.handle
	m.handle = nil
	m.mu.Unlock()

	if handle != nil {
		handle.Unregister()
	}
}

// Shutdown deactivates the handler and drains the upload worker.
func (m *Monitor) Shutdown(ctx context.Context) {
	m.Deactivate()
	m.pool.Shutdown(ctx)
}

func (m *Monitor) handleThrowable(t capability.Throwable) {
	m.mu.Lock()
	sessionID := m.sessionID
	m.mu.Unlock()

	inc := model.Incident{
		SessionID:   sessionID,
		TimestampMs: model.NowMs(m.clock.Now()),
		Category:    model.IncidentException,
		Identifier:  t.Message,
		Detail:      t.Message,
		Frames:      t.StackFrames,
		Context: map[string]string{
			"threadName": t.ThreadName,
			"isMain":     fmt.Sprintf("%v", t.IsMain),
			"priority":   fmt.Sprintf("%d", t.Priority),
		},
	}

	if m.tallies != nil {
		m.tallies.IncrementFault()
	}
	m.captureIncident(inc)
}

// ReportANR persists an ANR incident in the same store as crashes. Called
// by AnrSentinel once its watchdog trips.
func (m *Monitor) ReportANR(frames []string, threadName string) {
	m.mu.Lock()
	sessionID := m.sessionID
	m.mu.Unlock()

	inc := model.Incident{
		SessionID:   sessionID,
		TimestampMs: model.NowMs(m.clock.Now()),
		Category:    model.IncidentANR,
		Identifier:  "anr",
		Detail:      "main thread unresponsive",
		Frames:      frames,
		Context:     map[string]string{"threadName": threadName},
	}

	if m.tallies != nil {
		m.tallies.IncrementStalled()
	}
	m.captureIncident(inc)
}

func (m *Monitor) captureIncident(inc model.Incident) {
	if err := m.persistIncident(inc); err != nil {
		log.Error("persist incident", "error", err, "category", inc.Category)
		return
	}
	m.scheduleUpload(inc)
}

// persistIncident writes inc as a single JSON document via a temp-file
// write + fsync + rename, then sleeps briefly to give the OS time to flush
// the rename before the caller (potentially the process's final moments)
// continues.
func (m *Monitor) persistIncident(inc model.Incident) error {
	if err := os.MkdirAll(m.cfg.CacheDir, 0700); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	data, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("marshal incident: %w", err)
	}

	path := filepath.Join(m.cfg.CacheDir, incidentFileName)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("open incident temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write incident: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync incident: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close incident temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename incident file: %w", err)
	}

	if m.clock != nil {
		m.clock.Sleep(150 * time.Millisecond)
	}
	return nil
}

func (m *Monitor) scheduleUpload(inc model.Incident) {
	work := func() { m.uploadIncident(inc) }
	if m.pool != nil && m.pool.Submit(work) {
		return
	}
	go work()
}

// uploadIncident is a one-shot POST outside the segment retry queue, so it
// gets internal/httputil's exponential backoff rather than a single
// attempt: an incident is precious (it only exists because something
// crashed) and is worth a few retries before it's left for
// ReloadPendingIncidentOnStartup to pick up on the next launch.
func (m *Monitor) uploadIncident(inc model.Incident) {
	body, err := json.Marshal(inc)
	if err != nil {
		log.Error("marshal incident for upload", "error", err)
		return
	}

	headers := make(http.Header)
	headers.Set("Content-Type", "application/json")
	headers.Set("X-Api-Key", m.cfg.APIToken)
	headers.Set("X-Project-Id", m.cfg.ProjectID)

	ctx, cancel := capability.WithDeadline(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := httputil.Do(ctx, m.transport, http.MethodPost, m.cfg.Endpoint+"/api/ingest/fault", body, headers, m.retryCfg)
	if err != nil {
		log.Warn("fault upload failed, incident remains on disk", "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Warn("fault upload rejected, incident remains on disk", "status", resp.StatusCode)
		return
	}

	if err := m.deleteIncidentFile(); err != nil {
		log.Error("delete uploaded incident file", "error", err)
	}
}

func (m *Monitor) deleteIncidentFile() error {
	path := filepath.Join(m.cfg.CacheDir, incidentFileName)
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// ReloadPendingIncidentOnStartup re-attempts upload of an incident left on
// disk from a prior process (a crash whose upload never completed, or one
// that occurred just before the process was killed).
func (m *Monitor) ReloadPendingIncidentOnStartup() {
	path := filepath.Join(m.cfg.CacheDir, incidentFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		log.Error("read pending incident", "error", err)
		return
	}

	var inc model.Incident
	if err := json.Unmarshal(data, &inc); err != nil {
		log.Error("unmarshal pending incident, discarding", "error", err)
		_ = m.deleteIncidentFile()
		return
	}

	m.scheduleUpload(inc)
}
