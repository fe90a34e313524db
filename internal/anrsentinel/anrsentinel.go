// Package anrsentinel implements AnrSentinel (C5): a main-thread-hang
// watchdog that pings the UI thread on a fixed interval and reports an ANR
// once a threshold of missed pongs has elapsed.
package anrsentinel

import (
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rejourney/replay-agent/internal/logging"
	"github.com/rejourney/replay-agent/pkg/capability"
	"github.com/rejourney/replay-agent/pkg/model"
)

var log = logging.L("anrsentinel")

// EventReporter routes a classified event back through the orchestrator's
// event pipeline.
type EventReporter interface {
	ReportEvent(model.Event)
}

// IncidentReporter persists an ANR incident through the same store as
// crashes. Satisfied by *stability.Monitor.
type IncidentReporter interface {
	ReportANR(frames []string, threadName string)
}

// Config carries AnrSentinel's tunables.
type Config struct {
	ThresholdMs  int64
	PingInterval time.Duration
}

// Deps bundles the capability adapters AnrSentinel is written against.
type Deps struct {
	Exec     capability.MainThreadExecutor
	Clock    capability.Clock
	Monitor  IncidentReporter
	Reporter EventReporter
}

// Sentinel is C5 AnrSentinel.
type Sentinel struct {
	cfg      Config
	exec     capability.MainThreadExecutor
	clock    capability.Clock
	monitor  IncidentReporter
	reporter EventReporter

	mu        sync.Mutex
	sessionID string
	active    bool
	stop      chan struct{}
	wg        sync.WaitGroup

	pingSequence   atomic.Int64
	pongSequence   atomic.Int64
	lastResponseMs atomic.Int64
}

// New constructs a Sentinel in the inactive state.
func New(cfg Config, deps Deps) *Sentinel {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = time.Second
	}
	if cfg.ThresholdMs <= 0 {
		cfg.ThresholdMs = 5000
	}
	return &Sentinel{
		cfg:      cfg,
		exec:     deps.Exec,
		clock:    deps.Clock,
		monitor:  deps.Monitor,
		reporter: deps.Reporter,
	}
}

// Activate resets the watchdog counters and starts the ping loop.
// Idempotent: calling while already active is a no-op.
func (s *Sentinel) Activate(sessionID string) {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return
	}
	s.active = true
	s.sessionID = sessionID
	s.stop = make(chan struct{})
	stopCh := s.stop
	s.mu.Unlock()

	s.pingSequence.Store(0)
	s.pongSequence.Store(0)
	s.lastResponseMs.Store(model.NowMs(s.clock.Now()))

	s.wg.Add(1)
	go s.watchdogLoop(stopCh)
}

// Deactivate interrupts the watchdog loop. Idempotent.
func (s *Sentinel) Deactivate() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	stopCh := s.stop
	s.stop = nil
	s.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		s.wg.Wait()
	}
}

func (s *Sentinel) watchdogLoop(stopCh chan struct{}) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error("anr watchdog panicked, not propagating", "panic", r)
		}
	}()

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		seq := s.pingSequence.Add(1)
		s.postPing(seq)

		select {
		case <-stopCh:
			return
		case <-s.clock.After(s.cfg.PingInterval):
		}

		s.evaluate()
	}
}

// postPing enqueues the pong-recording closure on the main thread. A
// failure to enqueue looks identical to a genuine hang to the watchdog,
// which is accepted: both cases should surface as a missed pong.
func (s *Sentinel) postPing(seq int64) {
	if s.exec == nil {
		return
	}
	s.exec.Post(func() {
		s.pongSequence.Store(seq)
		s.lastResponseMs.Store(model.NowMs(s.clock.Now()))
	})
}

func (s *Sentinel) evaluate() {
	now := model.NowMs(s.clock.Now())
	elapsed := now - s.lastResponseMs.Load()
	missed := s.pingSequence.Load() - s.pongSequence.Load()

	if elapsed >= s.cfg.ThresholdMs && missed > 0 {
		s.reportHang()
	}
}

func (s *Sentinel) reportHang() {
	frames := captureStack()

	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()

	if s.reporter != nil {
		s.reporter.ReportEvent(model.Event{
			Type:        model.EventANR,
			TimestampMs: model.NowMs(s.clock.Now()),
			SessionID:   sessionID,
		})
	}
	if s.monitor != nil {
		s.monitor.ReportANR(frames, "main")
	}

	// Reset counters so the same hang is not reported twice while the
	// main thread remains stuck.
	s.pingSequence.Store(0)
	s.pongSequence.Store(0)
	s.lastResponseMs.Store(model.NowMs(s.clock.Now()))
}

// captureStack stands in for a platform main-thread stack walk: this
// process has no separate UI thread, so the watchdog's own goroutine
// stack is captured instead.
func captureStack() []string {
	stack := strings.TrimSpace(string(debug.Stack()))
	return strings.Split(stack, "\n")
}
