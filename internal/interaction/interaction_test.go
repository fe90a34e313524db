package interaction

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rejourney/replay-agent/pkg/capability"
	"github.com/rejourney/replay-agent/pkg/model"
)

// stubClock never fires After on its own, so tests that don't exercise
// long-press detection or tap-window resolution aren't racing a
// background timer goroutine.
type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stubClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *stubClock) Sleep(time.Duration) {}

func (c *stubClock) After(time.Duration) <-chan time.Time { return make(chan time.Time) }

var _ capability.Clock = (*stubClock)(nil)

// deferredClock fires After shortly after being called in real time,
// decoupled from its Now(), so long-press and tap-window tests don't need
// to wait out the production threshold.
type deferredClock struct {
	stubClock
}

func (c *deferredClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	time.AfterFunc(5*time.Millisecond, func() { ch <- c.Now() })
	return ch
}

func newStubClock() *stubClock {
	return &stubClock{now: time.Unix(1700000000, 0)}
}

type fakeTapHandle struct{ screen *fakeScreen }

func (h *fakeTapHandle) Unregister() {
	h.screen.mu.Lock()
	h.screen.tapFn = nil
	h.screen.mu.Unlock()
}

type fakeScreen struct {
	mu       sync.Mutex
	bounds   capability.Rect
	tapFn    func(capability.TouchEvent)
	installs int
}

func (f *fakeScreen) Bounds() capability.Rect {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bounds
}

func (f *fakeScreen) InstallTouchTap(fn func(capability.TouchEvent)) capability.Handle {
	f.mu.Lock()
	f.tapFn = fn
	f.installs++
	f.mu.Unlock()
	return &fakeTapHandle{screen: f}
}

func (f *fakeScreen) send(ev capability.TouchEvent) {
	f.mu.Lock()
	fn := f.tapFn
	f.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (f *fakeScreen) installed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tapFn != nil
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

func (f *fakeReporter) snapshot() []model.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Event, len(f.events))
	copy(out, f.events)
	return out
}

type fakeTallies struct {
	taps, rageTaps, deadTaps, gestures atomic.Int64
}

func (f *fakeTallies) IncrementTaps()     { f.taps.Add(1) }
func (f *fakeTallies) IncrementRageTaps() { f.rageTaps.Add(1) }
func (f *fakeTallies) IncrementDeadTaps() { f.deadTaps.Add(1) }
func (f *fakeTallies) IncrementGestures() { f.gestures.Add(1) }

type fakeCapture struct {
	ticks  atomic.Int64
	forced atomic.Int64
}

func (f *fakeCapture) Tick(force bool) {
	f.ticks.Add(1)
	if force {
		f.forced.Add(1)
	}
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

func newTestRecorder(clock capability.Clock) (*Recorder, *fakeScreen, *fakeReporter, *fakeTallies, *fakeCapture) {
	screen := &fakeScreen{bounds: capability.Rect{W: 400, H: 800}}
	reporter := &fakeReporter{}
	tallies := &fakeTallies{}
	capture := &fakeCapture{}
	r := New(Config{}, Deps{
		Screen:   screen,
		Clock:    clock,
		Reporter: reporter,
		Tallies:  tallies,
		Capture:  capture,
	})
	return r, screen, reporter, tallies, capture
}

func TestTapEmitsTapEvent(t *testing.T) {
	clock := &deferredClock{stubClock: stubClock{now: time.Unix(1700000000, 0)}}
	r, screen, reporter, tallies, _ := newTestRecorder(clock)
	r.Activate("session-1")

	screen.send(capability.TouchEvent{PointerID: 1, Phase: capability.TouchDown, X: 10, Y: 10, PointerCount: 1})
	screen.send(capability.TouchEvent{PointerID: 1, Phase: capability.TouchUp, X: 11, Y: 11, PointerCount: 1})

	waitFor(t, time.Second, func() bool { return len(reporter.snapshot()) == 1 })
	events := reporter.snapshot()
	if events[0].Type != model.EventTap {
		t.Fatalf("expected a single tap event, got %+v", events)
	}
	if tallies.taps.Load() != 1 {
		t.Fatalf("taps = %d, want 1", tallies.taps.Load())
	}
	if tallies.gestures.Load() != 1 {
		t.Fatalf("gestures = %d, want 1", tallies.gestures.Load())
	}
}

// TestRageTapFiresOnThirdNearbyTap feeds three taps inside the same
// rage-tap window and radius. The tap/rage-tap invariant is exclusive: the
// third tap's neighbor count crosses the rage threshold and consumes all
// three candidates into a single rageTap, so no standalone tap event (or
// tap tally) should ever surface for this window. Uses a stub clock whose
// After() never fires, so if the first two taps were (incorrectly) still
// pending resolution when the test finishes, they could never slip out as
// late standalone taps and falsely pass.
func TestRageTapFiresOnThirdNearbyTap(t *testing.T) {
	r, screen, reporter, tallies, _ := newTestRecorder(newStubClock())
	r.Activate("session-1")

	for i, id := 0, 1; i < 3; i, id = i+1, id+1 {
		screen.send(capability.TouchEvent{PointerID: id, Phase: capability.TouchDown, X: 10, Y: 10, PointerCount: 1})
		screen.send(capability.TouchEvent{PointerID: id, Phase: capability.TouchUp, X: 10, Y: 10, PointerCount: 1})
	}

	events := reporter.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected exactly one emitted event (the rageTap), got %d: %+v", len(events), events)
	}
	if events[0].Type != model.EventRageTap {
		t.Fatalf("expected a rageTap event, got %q", events[0].Type)
	}
	if count, ok := events[0].Payload["count"].(int); !ok || count != 3 {
		t.Fatalf("rageTap count = %v, want 3", events[0].Payload["count"])
	}
	if tallies.rageTaps.Load() != 1 {
		t.Fatalf("rageTaps = %d, want 1", tallies.rageTaps.Load())
	}
	if tallies.taps.Load() != 0 {
		t.Fatalf("taps = %d, want 0 (rageTap must consume all three candidates, not just the third)", tallies.taps.Load())
	}
}

// TestTwoNearbyTapsFlushAsStandaloneTapsWhenWindowCloses feeds only two
// taps inside the rage radius -- one short of RageTapMinCount -- and
// expects both to resolve as individual tap events once their rage-tap
// window elapses without a third neighbor arriving.
func TestTwoNearbyTapsFlushAsStandaloneTapsWhenWindowCloses(t *testing.T) {
	clock := &deferredClock{stubClock: stubClock{now: time.Unix(1700000000, 0)}}
	r, screen, reporter, tallies, _ := newTestRecorder(clock)
	r.Activate("session-1")

	screen.send(capability.TouchEvent{PointerID: 1, Phase: capability.TouchDown, X: 10, Y: 10, PointerCount: 1})
	screen.send(capability.TouchEvent{PointerID: 1, Phase: capability.TouchUp, X: 10, Y: 10, PointerCount: 1})
	screen.send(capability.TouchEvent{PointerID: 2, Phase: capability.TouchDown, X: 11, Y: 9, PointerCount: 1})
	screen.send(capability.TouchEvent{PointerID: 2, Phase: capability.TouchUp, X: 11, Y: 9, PointerCount: 1})

	waitFor(t, time.Second, func() bool { return len(reporter.snapshot()) == 2 })
	events := reporter.snapshot()
	for _, e := range events {
		if e.Type != model.EventTap {
			t.Fatalf("expected only standalone tap events, got %+v", events)
		}
	}
	if tallies.taps.Load() != 2 {
		t.Fatalf("taps = %d, want 2", tallies.taps.Load())
	}
	if tallies.rageTaps.Load() != 0 {
		t.Fatalf("rageTaps = %d, want 0", tallies.rageTaps.Load())
	}
}

func TestLongPressFiresAfterThreshold(t *testing.T) {
	clock := &deferredClock{stubClock: stubClock{now: time.Unix(1700000000, 0)}}
	r, screen, reporter, tallies, _ := newTestRecorder(clock)
	r.cfg.LongPressThreshold = time.Millisecond
	r.Activate("session-1")

	screen.send(capability.TouchEvent{PointerID: 1, Phase: capability.TouchDown, X: 5, Y: 5, PointerCount: 1})

	waitFor(t, time.Second, func() bool { return len(reporter.snapshot()) == 1 })
	events := reporter.snapshot()
	if events[0].Type != model.EventLongPress {
		t.Fatalf("expected longPress event, got %q", events[0].Type)
	}

	screen.send(capability.TouchEvent{PointerID: 1, Phase: capability.TouchUp, X: 5, Y: 5, PointerCount: 1})
	time.Sleep(10 * time.Millisecond)

	events = reporter.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected no additional tap after a fired long press, got %+v", events)
	}
	if tallies.gestures.Load() != 1 {
		t.Fatalf("gestures = %d, want 1", tallies.gestures.Load())
	}
}

func TestPanThenScrollOnSlowRelease(t *testing.T) {
	clock := newStubClock()
	r, screen, reporter, _, _ := newTestRecorder(clock)
	r.Activate("session-1")

	screen.send(capability.TouchEvent{PointerID: 1, Phase: capability.TouchDown, X: 0, Y: 0, PointerCount: 1})
	screen.send(capability.TouchEvent{PointerID: 1, Phase: capability.TouchMove, X: 0, Y: 20, PointerCount: 1})

	clock.Advance(150 * time.Millisecond)
	screen.send(capability.TouchEvent{PointerID: 1, Phase: capability.TouchMove, X: 0, Y: 40, PointerCount: 1})

	clock.Advance(50 * time.Millisecond)
	screen.send(capability.TouchEvent{PointerID: 1, Phase: capability.TouchUp, X: 0, Y: 45, PointerCount: 1})

	events := reporter.snapshot()
	var panCount int
	var sawScroll bool
	for _, e := range events {
		switch e.Type {
		case model.EventPan:
			panCount++
		case model.EventScroll:
			sawScroll = true
		case model.EventSwipe:
			t.Fatalf("expected a slow release to classify as scroll, not swipe")
		}
	}
	if panCount != 2 {
		t.Fatalf("pan events = %d, want 2 (one per move, each past the throttle)", panCount)
	}
	if !sawScroll {
		t.Fatalf("expected a scroll event on pointer-up, got %+v", events)
	}
}

func TestSwipeOnFastRelease(t *testing.T) {
	clock := newStubClock()
	r, screen, reporter, _, _ := newTestRecorder(clock)
	r.Activate("session-1")

	screen.send(capability.TouchEvent{PointerID: 1, Phase: capability.TouchDown, X: 0, Y: 0, PointerCount: 1})
	screen.send(capability.TouchEvent{PointerID: 1, Phase: capability.TouchMove, X: 0, Y: 30, PointerCount: 1})
	clock.Advance(10 * time.Millisecond)
	screen.send(capability.TouchEvent{PointerID: 1, Phase: capability.TouchMove, X: 0, Y: 130, PointerCount: 1})
	screen.send(capability.TouchEvent{PointerID: 1, Phase: capability.TouchUp, X: 0, Y: 140, PointerCount: 1})

	events := reporter.snapshot()
	var swipe *model.Event
	for i := range events {
		if events[i].Type == model.EventSwipe {
			swipe = &events[i]
		}
	}
	if swipe == nil {
		t.Fatalf("expected a swipe event on a fast release, got %+v", events)
	}
	if swipe.Payload["direction"] != "down" {
		t.Fatalf("swipe direction = %v, want down", swipe.Payload["direction"])
	}
}

func TestPinchAndRotationThenTerminalEvent(t *testing.T) {
	clock := newStubClock()
	r, screen, reporter, _, _ := newTestRecorder(clock)
	r.Activate("session-1")

	screen.send(capability.TouchEvent{PointerID: 1, Phase: capability.TouchDown, X: 0, Y: 0, PointerCount: 1})
	screen.send(capability.TouchEvent{PointerID: 2, Phase: capability.TouchDown, X: 100, Y: 0, PointerCount: 2})

	clock.Advance(150 * time.Millisecond)
	screen.send(capability.TouchEvent{PointerID: 2, Phase: capability.TouchMove, X: 200, Y: 50, PointerCount: 2})

	screen.send(capability.TouchEvent{PointerID: 1, Phase: capability.TouchUp, X: 0, Y: 0, PointerCount: 2})
	screen.send(capability.TouchEvent{PointerID: 2, Phase: capability.TouchUp, X: 200, Y: 50, PointerCount: 1})

	events := reporter.snapshot()
	var sawPinch, sawRotation, sawTerminal bool
	for _, e := range events {
		if e.Type == model.EventPinch {
			sawPinch = true
			if terminal, _ := e.Payload["terminal"].(bool); terminal {
				sawTerminal = true
			}
		}
		if e.Type == model.EventRotation {
			sawRotation = true
		}
	}
	if !sawPinch {
		t.Fatalf("expected at least one pinch event, got %+v", events)
	}
	if !sawRotation {
		t.Fatalf("expected at least one rotation event, got %+v", events)
	}
	if !sawTerminal {
		t.Fatalf("expected a terminal pinch event when the gesture ends, got %+v", events)
	}
}

func TestNavigationEmitsViewTransitionAndForcesSnapshot(t *testing.T) {
	r, _, reporter, _, capture := newTestRecorder(newStubClock())
	r.Activate("session-1")

	r.PushScreen("screen-a")
	r.PushScreen("screen-b")
	r.PopScreen()

	events := reporter.snapshot()
	if len(events) != 3 {
		t.Fatalf("expected 3 viewTransition events, got %d", len(events))
	}
	if events[0].Payload["to"] != "screen-a" || events[0].Payload["entering"] != true {
		t.Fatalf("unexpected first transition: %+v", events[0])
	}
	if events[2].Payload["from"] != "screen-b" || events[2].Payload["entering"] != false {
		t.Fatalf("unexpected pop transition: %+v", events[2])
	}
	if capture.forced.Load() != 3 {
		t.Fatalf("forced snapshots = %d, want 3", capture.forced.Load())
	}
}

func TestKeyboardHeightDeltaTogglesVisibility(t *testing.T) {
	r, _, reporter, _, _ := newTestRecorder(newStubClock())
	r.Activate("session-1") // windowH = 800 from fakeScreen.bounds

	r.ObserveWindowFrame(500) // 37.5% shrink, exceeds 15%

	events := reporter.snapshot()
	if len(events) != 1 || events[0].Type != model.EventKeyboard || events[0].Payload["visible"] != true {
		t.Fatalf("expected keyboard-visible event, got %+v", events)
	}

	r.ObserveWindowFrame(800)
	events = reporter.snapshot()
	if len(events) != 2 || events[1].Payload["visible"] != false {
		t.Fatalf("expected keyboard-hidden event, got %+v", events)
	}
}

func TestReportDeadTapTalliesAndEmits(t *testing.T) {
	r, _, reporter, tallies, _ := newTestRecorder(newStubClock())
	r.Activate("session-1")

	r.ReportDeadTap("view_5_5")

	events := reporter.snapshot()
	if len(events) != 1 || events[0].Type != model.EventDeadTap {
		t.Fatalf("expected a deadTap event, got %+v", events)
	}
	if tallies.deadTaps.Load() != 1 {
		t.Fatalf("deadTaps = %d, want 1", tallies.deadTaps.Load())
	}
}

func TestReportInputMasksValue(t *testing.T) {
	r, _, reporter, _, _ := newTestRecorder(newStubClock())
	r.Activate("session-1")

	r.ReportInput("s3cr3t", true, "password")
	r.ReportInput("hello", false, "search")

	events := reporter.snapshot()
	if events[0].Payload["value"] == "s3cr3t" {
		t.Fatal("expected masked field value to be replaced before emission")
	}
	if events[1].Payload["value"] != "hello" {
		t.Fatalf("expected unmasked value preserved, got %v", events[1].Payload["value"])
	}
}

func TestDeactivateUninstallsTouchTap(t *testing.T) {
	r, screen, _, _, _ := newTestRecorder(newStubClock())
	r.Activate("session-1")
	if !screen.installed() {
		t.Fatal("expected touch tap installed after Activate")
	}

	r.Deactivate()
	if screen.installed() {
		t.Fatal("expected touch tap uninstalled after Deactivate")
	}
}

func TestActivateIsIdempotentForInstallation(t *testing.T) {
	r, screen, _, _, _ := newTestRecorder(newStubClock())
	r.Activate("session-1")
	r.Activate("session-2")

	if screen.installs != 1 {
		t.Fatalf("installs = %d, want 1 (second Activate must not reinstall)", screen.installs)
	}
}
