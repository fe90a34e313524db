package main

import (
	"sync"

	"github.com/rejourney/replay-agent/pkg/capability"
)

// syntheticScreen stands in for a real UIWindow/Activity: fixed bounds, and
// a fan-out of raw touch events to whichever InteractionRecorder (and any
// other subscriber) installed a tap callback.
type syntheticScreen struct {
	bounds capability.Rect

	mu   sync.Mutex
	taps []func(capability.TouchEvent)
}

func newSyntheticScreen() *syntheticScreen {
	return &syntheticScreen{bounds: capability.Rect{X: 0, Y: 0, W: 390, H: 844}}
}

func (s *syntheticScreen) Bounds() capability.Rect { return s.bounds }

func (s *syntheticScreen) InstallTouchTap(fn func(capability.TouchEvent)) capability.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.taps)
	s.taps = append(s.taps, fn)
	return &tapHandle{screen: s, idx: idx}
}

func (s *syntheticScreen) emitTap(ev capability.TouchEvent) {
	s.mu.Lock()
	fns := make([]func(capability.TouchEvent), len(s.taps))
	copy(fns, s.taps)
	s.mu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn(ev)
		}
	}
}

type tapHandle struct {
	screen *syntheticScreen
	idx    int
}

func (h *tapHandle) Unregister() {
	h.screen.mu.Lock()
	defer h.screen.mu.Unlock()
	if h.idx < len(h.screen.taps) {
		h.screen.taps[h.idx] = nil
	}
}

var _ capability.ScreenSurface = (*syntheticScreen)(nil)

// syntheticHierarchy reports a single static root view -- enough for the
// masking scanner and hierarchy snapshots to exercise their serialization
// path without a live UI tree to walk.
type syntheticHierarchy struct{}

func newSyntheticHierarchy() syntheticHierarchy { return syntheticHierarchy{} }

func (syntheticHierarchy) Walk(maxDepth int, visit func(capability.ViewNode) bool) {
	visit(capability.ViewNode{Ref: "root", Bounds: capability.Rect{X: 0, Y: 0, W: 390, H: 844}, Category: "container"})
}

func (syntheticHierarchy) Serialize(screenName string) (any, error) {
	return map[string]any{
		"screenName": screenName,
		"root":       map[string]any{"type": "container", "bounds": [4]float64{0, 0, 390, 844}},
	}, nil
}

var _ capability.ViewHierarchyProvider = syntheticHierarchy{}

// syntheticInstaller implements UncaughtHandlerInstaller without touching
// any real process-wide panic hook -- the harness has nothing to crash
// into, so Install is a no-op registration.
type syntheticInstaller struct{}

func newSyntheticInstaller() syntheticInstaller { return syntheticInstaller{} }

func (syntheticInstaller) Install(fn func(capability.Throwable, func())) capability.Handle {
	return noopHandle{}
}

var _ capability.UncaughtHandlerInstaller = syntheticInstaller{}

// syntheticExecutor runs posted closures inline: the harness has no
// distinct UI thread, so "posting to main" and "running now" coincide.
type syntheticExecutor struct{}

func newSyntheticExecutor() syntheticExecutor { return syntheticExecutor{} }

func (syntheticExecutor) Post(fn func()) { fn() }

var _ capability.MainThreadExecutor = syntheticExecutor{}

type noopHandle struct{}

func (noopHandle) Unregister() {}
