package capture

import (
	"sync"
	"time"

	"github.com/rejourney/replay-agent/pkg/capability"
)

// autoMaskedCategories are view categories blacked out without an explicit
// registration call.
var autoMaskedCategories = map[string]bool{
	"textInput":     true,
	"cameraPreview": true,
	"browserView":   true,
	"video":         true,
}

// maskRegistry tracks explicitly registered sensitive regions plus a cache
// of the view tree's auto-detected sensitive regions, rescanned at most
// once per scanInterval so ticks between rescans reuse the cached regions
// instead of walking the tree for masking.
type maskRegistry struct {
	mu           sync.Mutex
	registered   map[string]capability.Rect
	autoScanned  []capability.Rect
	lastScan     time.Time
	scanInterval time.Duration
	hierarchy    capability.ViewHierarchyProvider
	clock        capability.Clock
}

func newMaskRegistry(hierarchy capability.ViewHierarchyProvider, clock capability.Clock, scanInterval time.Duration) *maskRegistry {
	return &maskRegistry{
		registered:   make(map[string]capability.Rect),
		scanInterval: scanInterval,
		hierarchy:    hierarchy,
		clock:        clock,
	}
}

// register adds an explicitly-masked region under id, returning a handle
// that unregisters it.
func (m *maskRegistry) register(id string, r capability.Rect) capability.Handle {
	m.mu.Lock()
	m.registered[id] = r
	m.mu.Unlock()
	return &maskHandle{registry: m, id: id}
}

type maskHandle struct {
	registry *maskRegistry
	id       string
}

func (h *maskHandle) Unregister() {
	h.registry.mu.Lock()
	delete(h.registry.registered, h.id)
	h.registry.mu.Unlock()
}

// rects returns the current full set of masked rectangles, rescanning the
// view tree for auto-masked categories if the cache is stale.
func (m *maskRegistry) rects() []capability.Rect {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hierarchy != nil && m.clock.Now().Sub(m.lastScan) >= m.scanInterval {
		m.rescanLocked()
	}

	out := make([]capability.Rect, 0, len(m.registered)+len(m.autoScanned))
	for _, r := range m.registered {
		out = append(out, r)
	}
	out = append(out, m.autoScanned...)
	return out
}

const maxWalkDepth = 40

func (m *maskRegistry) rescanLocked() {
	var found []capability.Rect
	m.hierarchy.Walk(maxWalkDepth, func(node capability.ViewNode) bool {
		if node.Sentinel || autoMaskedCategories[node.Category] {
			found = append(found, node.Bounds)
		}
		return true
	})
	m.autoScanned = found
	m.lastScan = m.clock.Now()
}
