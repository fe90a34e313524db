// Package capability defines the narrow adapter interfaces the recording
// engine is written against. The host application's UI toolkit, map SDK,
// and pixel-copy facility vary per platform; the core never calls a
// platform API directly, only these interfaces.
package capability

import (
	"context"
	"net/http"
	"time"
)

// Rect is a window-relative rectangle, used both for view bounds and for
// privacy-mask regions.
type Rect struct {
	X, Y, W, H float64
}

// ViewRef is an opaque, comparable reference to a host view/widget. The
// core never inspects it; it is only used as a map key and passed back to
// ScreenSurface/ViewHierarchyProvider calls.
type ViewRef any

// ScreenSurface exposes the foreground window: its bounds, and a
// non-consuming touch tap for InteractionRecorder.
type ScreenSurface interface {
	// Bounds returns the current foreground window bounds in points.
	Bounds() Rect
	// InstallTouchTap registers a callback invoked for every raw touch
	// event without altering dispatch order. The returned handle's
	// Unregister method removes the tap.
	InstallTouchTap(fn func(TouchEvent)) Handle
}

// TouchPhase enumerates the raw touch lifecycle stages InteractionRecorder
// classifies into semantic gestures.
type TouchPhase int

const (
	TouchDown TouchPhase = iota
	TouchMove
	TouchUp
	TouchCancel
)

// TouchEvent is one raw pointer sample.
type TouchEvent struct {
	PointerID int
	Phase     TouchPhase
	X, Y      float64
	TimeMs    int64
	// PointerCount is the number of simultaneously active pointers,
	// used to distinguish single-pointer pan from two-pointer
	// pinch/rotation.
	PointerCount int
}

// Handle is returned by every register()-style call. Unregister is
// idempotent.
type Handle interface {
	Unregister()
}

// ViewHierarchyProvider walks the live view tree for redaction scanning
// and hierarchy-snapshot serialization.
type ViewHierarchyProvider interface {
	// Walk invokes visit for each node reachable from the root, bounded
	// by maxDepth. Returning false from visit stops descending into
	// that node's children.
	Walk(maxDepth int, visit func(node ViewNode) bool)
	// Serialize produces the {screenName, root, rootElement, ...}
	// payload for a hierarchy snapshot.
	Serialize(screenName string) (any, error)
}

// ViewNode is one node surfaced by ViewHierarchyProvider.Walk.
type ViewNode struct {
	Ref      ViewRef
	Bounds   Rect
	Category string // e.g. "textInput", "cameraPreview", "browserView", "video", "map"
	Sentinel bool   // explicitly tagged as sensitive by the host
}

// PixelCopyProvider reads back GPU surface content (maps, camera, video)
// that the system UI tree otherwise renders as opaque black, so
// VisualCapture can composite it at the correct window-relative
// coordinates.
type PixelCopyProvider interface {
	// ReadPixels attempts to copy the given surface's current frame.
	// Returns ok=false if readback failed or is unsupported, in which
	// case the caller paints black instead.
	ReadPixels(ref ViewRef, bounds Rect) (pixels []byte, width, height int, ok bool)
}

// MapIdleSource is the narrow adapter over a map SDK's idle/move
// callbacks, used to skip capture ticks while a map camera is animating
// and to trigger an out-of-band snapshot the instant it settles.
type MapIdleSource interface {
	// Subscribe registers onIdle/onMoving callbacks for the given map
	// view. onIdle fires once per idle transition.
	Subscribe(ref ViewRef, onIdle func(), onMoving func()) Handle
	// IsIdle reports the last known idle state for ref.
	IsIdle(ref ViewRef) bool
}

// UncaughtHandlerInstaller installs the process-wide uncaught-exception
// handler, chaining to whatever handler was previously installed.
type UncaughtHandlerInstaller interface {
	// Install replaces the current handler with fn, which receives the
	// captured throwable plus a function to invoke the previously
	// installed handler. Returns a handle that restores the prior
	// handler on Unregister.
	Install(fn func(Throwable, func())) Handle
}

// Throwable is a host-language exception/panic, reduced to the fields
// StabilityMonitor needs to build an Incident.
type Throwable struct {
	Message    string
	StackFrames []string
	ThreadName string
	IsMain     bool
	Priority   int
}

// MainThreadExecutor posts a closure onto the host's single UI/main
// thread, used by AnrSentinel's ping.
type MainThreadExecutor interface {
	// Post enqueues fn to run on the main thread. Post itself must
	// never block; a failure to enqueue is indistinguishable from a
	// hang to the caller.
	Post(fn func())
}

// HttpTransport is the outbound network capability SegmentDispatcher and
// the orchestrator's one-shot calls are written against, so tests can
// substitute a fake transport without spinning up a real listener.
type HttpTransport interface {
	Do(req *http.Request) (*http.Response, error)
}

// DefaultHttpTransport adapts *http.Client to HttpTransport.
type DefaultHttpTransport struct {
	Client *http.Client
}

func (d DefaultHttpTransport) Do(req *http.Request) (*http.Response, error) {
	return d.Client.Do(req)
}

// Clock abstracts wall-clock time and sleeping so retry/backoff/ANR-timing
// logic is deterministically testable.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
	After(d time.Duration) <-chan time.Time
}

// DeviceSignalProvider reports the device pressure signals that drive
// adaptive capture quality: thermal state, battery level, and memory
// pressure. A mobile embedder implements this
// against its platform APIs; internal/devicesignal provides a
// gopsutil-backed stand-in for non-mobile hosts (tests, the CLI harness).
type DeviceSignalProvider interface {
	ThermalState() ThermalState
	BatteryLevelPercent() (level float64, ok bool)
	MemoryWarning() bool
}

// ThermalState mirrors the coarse thermal buckets mobile platforms expose.
type ThermalState int

const (
	ThermalNominal ThermalState = iota
	ThermalFair
	ThermalSevere
	ThermalCritical
)

// WithDeadline is a small helper so capability implementations can honor
// the same cancellation discipline as the rest of the module.
func WithDeadline(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}
