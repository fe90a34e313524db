// Package interaction implements InteractionRecorder (C6): it installs a
// non-consuming touch tap on the foreground window, classifies the raw
// pointer stream into a small vocabulary of semantic gestures, and routes
// them as events while tallying gesture counts for the session-health
// decision.
package interaction

import (
	"sync"
	"time"

	"github.com/rejourney/replay-agent/internal/logging"
	"github.com/rejourney/replay-agent/pkg/capability"
	"github.com/rejourney/replay-agent/pkg/model"
)

var log = logging.L("interaction")

// EventReporter routes a classified event back through the orchestrator's
// event pipeline.
type EventReporter interface {
	ReportEvent(model.Event)
}

// TallyIncrementer lets the recorder bump the session's gesture-health
// counters without importing the orchestrator package.
type TallyIncrementer interface {
	IncrementTaps()
	IncrementRageTaps()
	IncrementDeadTaps()
	IncrementGestures()
}

// ForceSnapshotter is the narrow slice of VisualCapture the recorder needs:
// an immediate, unthrottled snapshot on screen navigation.
type ForceSnapshotter interface {
	Tick(force bool)
}

// Config carries InteractionRecorder's gesture-classification tunables.
type Config struct {
	LongPressThreshold   time.Duration
	TapMaxDistance       float64
	RageTapWindow        time.Duration
	RageTapRadius        float64
	RageTapMinCount      int
	PanThrottle          time.Duration
	PinchThrottle        time.Duration
	RotationThrottle     time.Duration
	RotationMinDeltaRad  float64
	FlingVelocityPxPerMs float64
	KeyboardHeightDelta  float64
}

func (c *Config) applyDefaults() {
	if c.LongPressThreshold <= 0 {
		c.LongPressThreshold = 500 * time.Millisecond
	}
	if c.TapMaxDistance <= 0 {
		c.TapMaxDistance = 8
	}
	if c.RageTapWindow <= 0 {
		c.RageTapWindow = 1000 * time.Millisecond
	}
	if c.RageTapRadius <= 0 {
		c.RageTapRadius = 50
	}
	if c.RageTapMinCount <= 0 {
		c.RageTapMinCount = 3
	}
	if c.PanThrottle <= 0 {
		c.PanThrottle = 100 * time.Millisecond
	}
	if c.PinchThrottle <= 0 {
		c.PinchThrottle = 100 * time.Millisecond
	}
	if c.RotationThrottle <= 0 {
		c.RotationThrottle = 100 * time.Millisecond
	}
	if c.RotationMinDeltaRad <= 0 {
		c.RotationMinDeltaRad = 0.01
	}
	if c.FlingVelocityPxPerMs <= 0 {
		c.FlingVelocityPxPerMs = 0.8
	}
	if c.KeyboardHeightDelta <= 0 {
		c.KeyboardHeightDelta = 0.15
	}
}

// Deps bundles the capability adapters and collaborators the recorder is
// written against.
type Deps struct {
	Screen   capability.ScreenSurface
	Clock    capability.Clock
	Reporter EventReporter
	Tallies  TallyIncrementer
	Capture  ForceSnapshotter
}

// tapRecord is a candidate tap awaiting resolution: either the rage-tap
// window closes with too few neighbors (it becomes a standalone tap) or a
// later tap in the same window pushes the neighbor count over the rage
// threshold (it is consumed into that rageTap instead). resolved is set
// exactly once, under the recorder's mutex, by whichever happens first.
type tapRecord struct {
	x, y     int64
	at       time.Time
	resolved bool
}

type pointerState struct {
	startX, startY   float64
	startTime        time.Time
	lastX, lastY     float64
	lastTime         time.Time
	moved            bool
	longPressFired   bool
	longPressVersion int
	lastVX, lastVY   float64
}

type twoPointerState struct {
	set           bool // idA/idB identify real participants, even after active goes false
	active        bool
	idA, idB      int
	startDistance float64
	lastDistance  float64
	startAngle    float64
	lastAngle     float64
	lastPinchEmit time.Time
	lastRotEmit   time.Time
}

// Recorder is C6 InteractionRecorder.
type Recorder struct {
	cfg      Config
	screen   capability.ScreenSurface
	clock    capability.Clock
	reporter EventReporter
	tallies  TallyIncrementer
	capture  ForceSnapshotter

	mu         sync.Mutex
	sessionID  string
	active     bool
	tapHandle  capability.Handle
	windowH    float64
	keyboardUp bool

	pointers  map[int]*pointerState
	twoFinger twoPointerState
	rageRing  []*tapRecord
	lastPan   time.Time

	navStack []string
}

// New constructs a Recorder in the inactive state.
func New(cfg Config, deps Deps) *Recorder {
	cfg.applyDefaults()
	return &Recorder{
		cfg:      cfg,
		screen:   deps.Screen,
		clock:    deps.Clock,
		reporter: deps.Reporter,
		tallies:  deps.Tallies,
		capture:  deps.Capture,
		pointers: make(map[int]*pointerState),
	}
}

// Activate installs the touch tap and resets gesture-classification state
// for the new session. Idempotent: calling while already active only
// updates the session identity.
func (r *Recorder) Activate(sessionID string) {
	r.mu.Lock()
	r.sessionID = sessionID
	alreadyActive := r.active
	r.mu.Unlock()

	if alreadyActive {
		return
	}

	r.installTap()

	r.mu.Lock()
	r.active = true
	r.pointers = make(map[int]*pointerState)
	r.twoFinger = twoPointerState{}
	r.rageRing = nil
	r.navStack = nil
	r.keyboardUp = false
	if r.screen != nil {
		r.windowH = r.screen.Bounds().H
	}
	r.mu.Unlock()
}

// Deactivate uninstalls the touch tap and clears gesture state.
func (r *Recorder) Deactivate() {
	r.mu.Lock()
	r.active = false
	handle := r.tapHandle
	r.tapHandle = nil
	r.mu.Unlock()

	if handle != nil {
		handle.Unregister()
	}
}

// SetScreen re-targets the touch tap at a new foreground window, e.g. after
// a window/activity change. Installation re-runs only if the recorder is
// currently active.
func (r *Recorder) SetScreen(screen capability.ScreenSurface) {
	r.mu.Lock()
	r.screen = screen
	active := r.active
	oldHandle := r.tapHandle
	r.tapHandle = nil
	r.mu.Unlock()

	if oldHandle != nil {
		oldHandle.Unregister()
	}
	if active {
		r.installTap()
		r.mu.Lock()
		r.active = true
		r.mu.Unlock()
	}
}

func (r *Recorder) installTap() {
	r.mu.Lock()
	screen := r.screen
	r.mu.Unlock()

	if screen == nil {
		log.Warn("activate called with no screen surface, touch tap not installed")
		return
	}
	handle := screen.InstallTouchTap(r.onTouch)
	r.mu.Lock()
	r.tapHandle = handle
	r.mu.Unlock()
}

func (r *Recorder) nowMs() int64 {
	return model.NowMs(r.clock.Now())
}

func (r *Recorder) emit(eventType string, payload map[string]any) {
	if r.reporter == nil {
		return
	}
	r.mu.Lock()
	sessionID := r.sessionID
	r.mu.Unlock()

	r.reporter.ReportEvent(model.Event{
		Type:        eventType,
		TimestampMs: r.nowMs(),
		SessionID:   sessionID,
		Payload:     payload,
	})
}

func (r *Recorder) incrementGestures() {
	if r.tallies != nil {
		r.tallies.IncrementGestures()
	}
}
