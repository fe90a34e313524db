package anrsentinel

import (
	"sync"
	"testing"
	"time"

	"github.com/rejourney/replay-agent/pkg/model"
)

// testClock decouples logical time (advanced explicitly by the test) from
// wall time (used only to pace the watchdog loop's iterations so tests
// don't busy-spin at full CPU).
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1700000000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *testClock) Sleep(time.Duration) {}

func (c *testClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	time.AfterFunc(time.Millisecond, func() { ch <- c.Now() })
	return ch
}

type fakeExecutor struct {
	mu         sync.Mutex
	responsive bool
	panicky    bool
}

func (f *fakeExecutor) Post(fn func()) {
	f.mu.Lock()
	responsive, panicky := f.responsive, f.panicky
	f.mu.Unlock()

	if panicky {
		panic("main thread executor exploded")
	}
	if responsive {
		fn()
	}
}

func (f *fakeExecutor) setResponsive(v bool) {
	f.mu.Lock()
	f.responsive = v
	f.mu.Unlock()
}

type fakeReporter struct {
	mu     sync.Mutex
	events []model.Event
}

func (f *fakeReporter) ReportEvent(e model.Event) {
	f.mu.Lock()
	f.events = append(f.events, e)
	f.mu.Unlock()
}

func (f *fakeReporter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fakeMonitor struct {
	mu          sync.Mutex
	frames      [][]string
	threadNames []string
}

func (f *fakeMonitor) ReportANR(frames []string, threadName string) {
	f.mu.Lock()
	f.frames = append(f.frames, frames)
	f.threadNames = append(f.threadNames, threadName)
	f.mu.Unlock()
}

func (f *fakeMonitor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeMonitor) last() ([]string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.frames)
	return f.frames[n-1], f.threadNames[n-1]
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func newTestSentinel(clock *testClock, exec *fakeExecutor, monitor *fakeMonitor, reporter *fakeReporter) *Sentinel {
	return New(Config{ThresholdMs: 200, PingInterval: 10 * time.Millisecond}, Deps{
		Exec:     exec,
		Clock:    clock,
		Monitor:  monitor,
		Reporter: reporter,
	})
}

func TestDetectsHangAfterThreshold(t *testing.T) {
	clock := newTestClock()
	exec := &fakeExecutor{responsive: false}
	monitor := &fakeMonitor{}
	reporter := &fakeReporter{}
	s := newTestSentinel(clock, exec, monitor, reporter)

	s.Activate("session-1")
	defer s.Deactivate()

	clock.Advance(250 * time.Millisecond)

	waitFor(t, time.Second, func() bool { return monitor.count() == 1 })
	if reporter.count() != 1 {
		t.Fatalf("events reported = %d, want 1", reporter.count())
	}

	frames, threadName := monitor.last()
	if threadName != "main" {
		t.Fatalf("threadName = %q, want main", threadName)
	}
	if len(frames) == 0 {
		t.Fatal("expected captured stack frames on the reported hang")
	}

	events := reporter.events
	if events[0].Type != model.EventANR {
		t.Fatalf("event type = %q, want %q", events[0].Type, model.EventANR)
	}
	if events[0].SessionID != "session-1" {
		t.Fatalf("event sessionId = %q, want session-1", events[0].SessionID)
	}
}

func TestResponsiveMainThreadNeverReports(t *testing.T) {
	clock := newTestClock()
	exec := &fakeExecutor{responsive: true}
	monitor := &fakeMonitor{}
	reporter := &fakeReporter{}
	s := newTestSentinel(clock, exec, monitor, reporter)

	s.Activate("session-1")
	defer s.Deactivate()

	for i := 0; i < 10; i++ {
		clock.Advance(300 * time.Millisecond)
		time.Sleep(5 * time.Millisecond)
	}

	if monitor.count() != 0 {
		t.Fatalf("expected no ANR reports for a responsive main thread, got %d", monitor.count())
	}
}

func TestDeactivateStopsWatchdog(t *testing.T) {
	clock := newTestClock()
	exec := &fakeExecutor{responsive: false}
	monitor := &fakeMonitor{}
	reporter := &fakeReporter{}
	s := newTestSentinel(clock, exec, monitor, reporter)

	s.Activate("session-1")
	s.Deactivate()

	clock.Advance(time.Second)
	time.Sleep(20 * time.Millisecond)

	if monitor.count() != 0 {
		t.Fatalf("expected no reports after Deactivate, got %d", monitor.count())
	}
}

func TestReactivateClearsStaleCounters(t *testing.T) {
	// The main thread stays unresponsive across both activations. If
	// reactivation failed to reset lastResponseMs, the elapsed time would
	// be measured from the first activation's start and would already
	// exceed the threshold the moment the clock is advanced again.
	clock := newTestClock()
	exec := &fakeExecutor{responsive: false}
	monitor := &fakeMonitor{}
	reporter := &fakeReporter{}
	s := newTestSentinel(clock, exec, monitor, reporter)

	s.Activate("session-1")
	clock.Advance(150 * time.Millisecond) // below the 200ms threshold
	time.Sleep(10 * time.Millisecond)
	s.Deactivate()

	if monitor.count() != 0 {
		t.Fatalf("expected no report before threshold crossed, got %d", monitor.count())
	}

	s.Activate("session-2")
	defer s.Deactivate()

	clock.Advance(60 * time.Millisecond) // 210ms since session-1's start, but only 60ms since reset
	time.Sleep(20 * time.Millisecond)

	if monitor.count() != 0 {
		t.Fatalf("expected reactivation to discard stale counters, got %d reports", monitor.count())
	}

	clock.Advance(250 * time.Millisecond)
	waitFor(t, time.Second, func() bool { return monitor.count() == 1 })
	if reporter.events[len(reporter.events)-1].SessionID != "session-2" {
		t.Fatalf("expected the eventual report to use the reactivated session id")
	}
}

func TestActivateIsIdempotent(t *testing.T) {
	clock := newTestClock()
	exec := &fakeExecutor{responsive: true}
	monitor := &fakeMonitor{}
	reporter := &fakeReporter{}
	s := newTestSentinel(clock, exec, monitor, reporter)

	s.Activate("session-1")
	s.Activate("session-2") // should be a no-op; sessionID stays session-1
	defer s.Deactivate()

	exec.setResponsive(false)
	clock.Advance(250 * time.Millisecond)

	waitFor(t, time.Second, func() bool { return monitor.count() == 1 })
	if reporter.events[0].SessionID != "session-1" {
		t.Fatalf("sessionId = %q, want session-1 (second Activate should be ignored)", reporter.events[0].SessionID)
	}
}

func TestWatchdogPanicIsNotPropagated(t *testing.T) {
	clock := newTestClock()
	exec := &fakeExecutor{panicky: true}
	monitor := &fakeMonitor{}
	reporter := &fakeReporter{}
	s := newTestSentinel(clock, exec, monitor, reporter)

	s.Activate("session-1")
	time.Sleep(20 * time.Millisecond)
	s.Deactivate()

	if monitor.count() != 0 {
		t.Fatalf("expected no report from a panicking executor, got %d", monitor.count())
	}
}
