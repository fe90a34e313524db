// Package capture implements VisualCapture: a periodic screen-snapshot,
// redaction, and batching pipeline that produces gzipped frame bundles for
// the segment dispatcher. No GPU/graphics code is implemented here — the
// platform embedder supplies pixel readback through capability.PixelCopyProvider;
// this package owns only the state machine, masking, and bundle framing.
package capture

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"sync"
	"time"

	"github.com/rejourney/replay-agent/internal/logging"
	"github.com/rejourney/replay-agent/internal/workerpool"
	"github.com/rejourney/replay-agent/pkg/capability"
	"github.com/rejourney/replay-agent/pkg/model"
)

var log = logging.L("capture")

type state int32

const (
	stateIdle state = iota
	stateCapturing
	stateHalted
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateCapturing:
		return "capturing"
	case stateHalted:
		return "halted"
	default:
		return "unknown"
	}
}

var legalTransitions = map[state][]state{
	stateIdle:      {stateCapturing},
	stateCapturing: {stateHalted},
	stateHalted:    {stateIdle, stateCapturing},
}

// BundleSink receives a finished, gzipped frame bundle. The orchestrator
// wires this to the segment dispatcher's Submit, translating a bundle into
// a model.PendingUpload of kind model.KindScreenshots.
type BundleSink interface {
	SubmitFrameBundle(sessionID, filename string, gzipped []byte, frameCount int) bool
}

// HierarchySink receives a serialized view-tree snapshot for upload as the
// "hierarchy" payload kind.
type HierarchySink interface {
	SubmitHierarchySnapshot(snap model.HierarchySnapshot) bool
}

// QualityProvider is the narrow slice of the adaptive-quality controller
// VisualCapture needs: whether a capture may proceed at all, and how hard
// to clamp scale/interval under pressure. A nil QualityProvider behaves as
// if the level were always Normal.
type QualityProvider interface {
	AllowCapture(highImportance bool) bool
	ClampScale(base float64) float64
	ClampInterval(base time.Duration) time.Duration
}

// Config carries VisualCapture's scheduling, scaling, masking, and
// backpressure tunables.
type Config struct {
	SnapshotInterval       time.Duration
	BatchSize              int
	MaxBufferedScreenshots int
	MaxPendingBatches      int
	JPEGQuality            int
	ScaleFactor            float64
	MaxDimension           int
	MaskScanInterval       time.Duration
	HierarchyEveryNFrames  int
	CacheDir               string
}

// Capture is C3 VisualCapture.
type Capture struct {
	cfg   Config
	clock capability.Clock

	screen    capability.ScreenSurface
	hierarchy capability.ViewHierarchyProvider
	pixels    capability.PixelCopyProvider
	mapIdle   capability.MapIdleSource

	mask          *maskRegistry
	pool          *workerpool.Pool
	sink          BundleSink
	hierarchySink HierarchySink
	quality       QualityProvider

	mu             sync.Mutex
	state          state
	sessionID      string
	sessionEpochMs int64
	buffer         []model.Frame
	pendingBatches int
	frameCounter   int64

	mapRefMu sync.Mutex
	mapRefs  map[capability.ViewRef]bool

	evictionCount     int64
	totalBytesEvicted int64

	stop chan struct{}
	wg   sync.WaitGroup
}

// Deps bundles the capability adapters VisualCapture is written against.
// Fields left nil degrade gracefully: a nil PixelCopyProvider means GPU
// surfaces stay black, a nil MapIdleSource means map-aware stutter
// avoidance is skipped entirely.
type Deps struct {
	Clock         capability.Clock
	Screen        capability.ScreenSurface
	Hierarchy     capability.ViewHierarchyProvider
	Pixels        capability.PixelCopyProvider
	MapIdle       capability.MapIdleSource
	Pool          *workerpool.Pool
	Sink          BundleSink
	HierarchySink HierarchySink
	Quality       QualityProvider
}

// New constructs a Capture in the idle state.
func New(cfg Config, deps Deps) *Capture {
	if cfg.MaskScanInterval <= 0 {
		cfg.MaskScanInterval = 500 * time.Millisecond
	}
	return &Capture{
		cfg:           cfg,
		clock:         deps.Clock,
		screen:        deps.Screen,
		hierarchy:     deps.Hierarchy,
		pixels:        deps.Pixels,
		mapIdle:       deps.MapIdle,
		pool:          deps.Pool,
		sink:          deps.Sink,
		hierarchySink: deps.HierarchySink,
		quality:       deps.Quality,
		mask:          newMaskRegistry(deps.Hierarchy, deps.Clock, cfg.MaskScanInterval),
		mapRefs:       make(map[capability.ViewRef]bool),
		state:         stateIdle,
	}
}

// RegisterMask explicitly adds a redacted region, returning a handle that
// removes it. Used for host-tagged sensitive views the auto-scan would
// otherwise miss.
func (c *Capture) RegisterMask(id string, r capability.Rect) capability.Handle {
	return c.mask.register(id, r)
}

func (c *Capture) transition(to state) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, allowed := range legalTransitions[c.state] {
		if allowed == to {
			c.state = to
			return true
		}
	}
	return false
}

func (c *Capture) currentState() state {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// BeginCapture transitions idle/halted → capturing and starts the
// snapshot timer. Returns false if capture is already running.
func (c *Capture) BeginCapture(sessionID string, sessionEpochMs int64) bool {
	if !c.transition(stateCapturing) {
		return false
	}

	c.mu.Lock()
	c.sessionID = sessionID
	c.sessionEpochMs = sessionEpochMs
	c.buffer = nil
	c.frameCounter = 0
	c.stop = make(chan struct{})
	stopCh := c.stop
	c.mu.Unlock()

	c.mapRefMu.Lock()
	c.mapRefs = make(map[capability.ViewRef]bool)
	c.mapRefMu.Unlock()

	c.wg.Add(1)
	go c.timerLoop(stopCh)
	return true
}

// Halt transitions capturing → halted, stops the timer, flushes the
// buffer to the network (falling back to disk persistence on failure),
// and persists anything still in memory.
func (c *Capture) Halt() bool {
	if !c.transition(stateHalted) {
		return false
	}

	c.mu.Lock()
	stopCh := c.stop
	c.stop = nil
	c.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		c.wg.Wait()
	}

	c.FlushBufferToNetwork()
	return true
}

func (c *Capture) timerLoop(stopCh chan struct{}) {
	defer c.wg.Done()
	for {
		interval := c.cfg.SnapshotInterval
		if c.quality != nil {
			interval = c.quality.ClampInterval(interval)
			if interval <= 0 {
				// Paused: re-check on the configured cadence rather than
				// spinning, so the loop notices when pressure lifts.
				interval = c.cfg.SnapshotInterval
			}
		}
		select {
		case <-stopCh:
			return
		case <-c.clock.After(interval):
			c.Tick(false)
		}
	}
}

// Tick executes one capture cycle. force=true bypasses map-stutter
// avoidance and the quality gate's low-importance refusal (used by an
// out-of-band idle transition, navigation snapshot, or explicit caller).
func (c *Capture) Tick(force bool) {
	if c.currentState() != stateCapturing {
		return
	}
	if c.screen == nil {
		return
	}
	if c.quality != nil && !c.quality.AllowCapture(force) {
		return
	}

	c.refreshMapPresence()
	if !force && c.mapIsAnimating() {
		return
	}

	bounds := c.screen.Bounds()
	frame, err := c.renderFrame(bounds)
	if err != nil {
		log.Error("render frame", "error", err)
		return
	}

	c.appendFrame(frame)
	c.captureHierarchyIfDue()
}

// captureHierarchyIfDue serializes the view tree every HierarchyEveryNFrames
// ticks.
func (c *Capture) captureHierarchyIfDue() {
	if c.hierarchy == nil || c.hierarchySink == nil || c.cfg.HierarchyEveryNFrames <= 0 {
		return
	}

	c.mu.Lock()
	due := c.frameCounter%int64(c.cfg.HierarchyEveryNFrames) == 0
	sessionID := c.sessionID
	c.mu.Unlock()
	if !due {
		return
	}

	root, err := c.hierarchy.Serialize("")
	if err != nil {
		log.Error("serialize view hierarchy", "error", err, "sessionId", sessionID)
		return
	}

	snap := model.HierarchySnapshot{
		SessionID:  sessionID,
		CapturedAt: model.NowMs(c.clock.Now()),
		Root:       root,
	}
	c.hierarchySink.SubmitHierarchySnapshot(snap)
}

// FlushBufferToNetwork copies and clears the in-memory buffer, encoding
// and handing it off regardless of whether it has reached BatchSize.
func (c *Capture) FlushBufferToNetwork() {
	c.mu.Lock()
	frames := c.buffer
	c.buffer = nil
	sessionID := c.sessionID
	sessionEpochMs := c.sessionEpochMs
	c.mu.Unlock()

	if len(frames) == 0 {
		return
	}
	c.dispatchFrames(sessionID, sessionEpochMs, frames)
}

func (c *Capture) dispatchFrames(sessionID string, sessionEpochMs int64, frames []model.Frame) {
	data, filename, err := encodeBundle(sessionID, sessionEpochMs, frames)
	if err != nil {
		log.Error("encode frame bundle", "error", err, "sessionId", sessionID)
		return
	}

	if c.sink == nil || !c.sink.SubmitFrameBundle(sessionID, filename, data, len(frames)) {
		if err := persistFramesToDisk(c.cfg.CacheDir, sessionID, frames); err != nil {
			log.Error("persist frames after failed submit", "error", err, "sessionId", sessionID)
		}
		return
	}
}

func (c *Capture) appendFrame(frame model.Frame) {
	c.mu.Lock()
	c.buffer = append(c.buffer, frame)
	c.frameCounter++

	evicted, evictedBytes := 0, int64(0)
	for len(c.buffer) > c.cfg.MaxBufferedScreenshots {
		evictedBytes += int64(len(c.buffer[0].JPEG))
		c.buffer = c.buffer[1:]
		evicted++
	}
	if evicted > 0 {
		c.evictionCount += int64(evicted)
		c.totalBytesEvicted += evictedBytes
	}

	var batch []model.Frame
	sessionID, sessionEpochMs := c.sessionID, c.sessionEpochMs
	ready := c.cfg.BatchSize > 0 && len(c.buffer) >= c.cfg.BatchSize
	if ready {
		batch = c.buffer
		c.buffer = nil
		c.pendingBatches++
	}
	pendingBatches := c.pendingBatches
	c.mu.Unlock()

	if evicted > 0 {
		log.Warn("frame buffer backpressure, evicting oldest frames", "evicted", evicted, "bytesEvicted", evictedBytes)
	}
	if !ready {
		return
	}

	// Over the pending-batch ceiling the batch just formed is discarded;
	// batches already handed off are not cancelled.
	if c.cfg.MaxPendingBatches > 0 && pendingBatches > c.cfg.MaxPendingBatches {
		log.Warn("pending batch ceiling exceeded, dropping newest batch", "pendingBatches", pendingBatches)
		c.mu.Lock()
		c.pendingBatches--
		c.mu.Unlock()
		return
	}

	c.submitBatch(sessionID, sessionEpochMs, batch)
}

func (c *Capture) submitBatch(sessionID string, sessionEpochMs int64, batch []model.Frame) {
	work := func() {
		c.dispatchFrames(sessionID, sessionEpochMs, batch)
		c.mu.Lock()
		c.pendingBatches--
		c.mu.Unlock()
	}

	if c.pool != nil {
		if ok := c.pool.Submit(work); ok {
			return
		}
	}
	work()
}

// Stats is a point-in-time snapshot of capture telemetry for embedding in
// the session's SDK self-telemetry block.
type Stats struct {
	MemoryEvictionCount int64
	TotalBytesEvicted   int64
	BufferedFrameCount  int
	PendingBatchCount   int
}

func (c *Capture) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		MemoryEvictionCount: c.evictionCount,
		TotalBytesEvicted:   c.totalBytesEvicted,
		BufferedFrameCount:  len(c.buffer),
		PendingBatchCount:   c.pendingBatches,
	}
}

// ReloadPendingOnStartup walks the crash-safety directory for leftover
// sessions from a prior process, packages each into a bundle identical to
// an in-memory flush, and submits it; the on-disk copy is deleted only on
// a successful submit.
func (c *Capture) ReloadPendingOnStartup() {
	pending, err := reloadPendingSessions(c.cfg.CacheDir)
	if err != nil {
		log.Error("reload pending frames", "error", err)
		return
	}
	for sessionID, frames := range pending {
		sessionEpochMs := frames[0].CapturedAtMs
		data, filename, err := encodeBundle(sessionID, sessionEpochMs, frames)
		if err != nil {
			log.Error("encode reloaded bundle", "error", err, "sessionId", sessionID)
			continue
		}
		if c.sink != nil && c.sink.SubmitFrameBundle(sessionID, filename, data, len(frames)) {
			if err := clearPendingFrames(c.cfg.CacheDir, sessionID); err != nil {
				log.Error("clear pending frames after reload submit", "error", err, "sessionId", sessionID)
			}
		}
	}
}

// refreshMapPresence re-walks the view tree for visible map surfaces,
// subscribing to any new ones and dropping tracked refs no longer present.
func (c *Capture) refreshMapPresence() {
	if c.hierarchy == nil || c.mapIdle == nil {
		return
	}

	seen := make(map[capability.ViewRef]bool)
	c.hierarchy.Walk(maxWalkDepth, func(node capability.ViewNode) bool {
		if node.Category == "map" {
			seen[node.Ref] = true
			c.trackMapRef(node.Ref)
		}
		return true
	})

	c.mapRefMu.Lock()
	for ref := range c.mapRefs {
		if !seen[ref] {
			delete(c.mapRefs, ref)
		}
	}
	c.mapRefMu.Unlock()
}

func (c *Capture) trackMapRef(ref capability.ViewRef) {
	c.mapRefMu.Lock()
	_, known := c.mapRefs[ref]
	if !known {
		c.mapRefs[ref] = c.mapIdle.IsIdle(ref)
	}
	c.mapRefMu.Unlock()

	if known {
		return
	}

	c.mapIdle.Subscribe(ref, func() {
		c.mapRefMu.Lock()
		c.mapRefs[ref] = true
		c.mapRefMu.Unlock()
		c.Tick(true)
	}, func() {
		c.mapRefMu.Lock()
		c.mapRefs[ref] = false
		c.mapRefMu.Unlock()
	})
}

func (c *Capture) mapIsAnimating() bool {
	c.mapRefMu.Lock()
	defer c.mapRefMu.Unlock()
	for _, idle := range c.mapRefs {
		if !idle {
			return true
		}
	}
	return false
}

func (c *Capture) renderFrame(bounds capability.Rect) (model.Frame, error) {
	w, h := c.scaledDimensions(bounds)
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)

	scaleX := float64(w) / maxf(bounds.W, 1)
	scaleY := float64(h) / maxf(bounds.H, 1)

	if c.hierarchy != nil && c.pixels != nil {
		c.hierarchy.Walk(maxWalkDepth, func(node capability.ViewNode) bool {
			switch node.Category {
			case "map", "cameraPreview", "video":
				c.compositeSurface(img, node, bounds, scaleX, scaleY)
			}
			return true
		})
	}

	c.paintMasks(img, bounds, scaleX, scaleY)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: clampQuality(c.cfg.JPEGQuality)}); err != nil {
		return model.Frame{}, err
	}

	return model.Frame{CapturedAtMs: model.NowMs(c.clock.Now()), JPEG: buf.Bytes()}, nil
}

// compositeSurface paints an available GPU-surface readback into the
// canvas at its window-relative, scaled position using nearest-neighbor
// sampling. If readback is unavailable the surface is left as the
// canvas's black background.
func (c *Capture) compositeSurface(img *image.RGBA, node capability.ViewNode, full capability.Rect, scaleX, scaleY float64) {
	pixels, pw, ph, ok := c.pixels.ReadPixels(node.Ref, node.Bounds)
	if !ok || pw <= 0 || ph <= 0 || len(pixels) < pw*ph*4 {
		return
	}

	dst := scaleRect(node.Bounds, full, scaleX, scaleY, img.Bounds())
	dw, dh := dst.Dx(), dst.Dy()
	if dw <= 0 || dh <= 0 {
		return
	}

	for dy := 0; dy < dh; dy++ {
		sy := dy * ph / dh
		for dx := 0; dx < dw; dx++ {
			sx := dx * pw / dw
			o := (sy*pw + sx) * 4
			img.SetRGBA(dst.Min.X+dx, dst.Min.Y+dy, color.RGBA{pixels[o], pixels[o+1], pixels[o+2], pixels[o+3]})
		}
	}
}

// paintMasks overlays solid black rectangles over every masked region,
// scaled to canvas coordinates. This runs last so masked pixels are never
// visible in the final encoded frame.
func (c *Capture) paintMasks(img *image.RGBA, full capability.Rect, scaleX, scaleY float64) {
	for _, r := range c.mask.rects() {
		dst := scaleRect(r, full, scaleX, scaleY, img.Bounds())
		if dst.Dx() <= 0 || dst.Dy() <= 0 {
			continue
		}
		draw.Draw(img, dst, image.NewUniform(color.Black), image.Point{}, draw.Src)
	}
}

func scaleRect(r, full capability.Rect, scaleX, scaleY float64, canvas image.Rectangle) image.Rectangle {
	x0 := int((r.X - full.X) * scaleX)
	y0 := int((r.Y - full.Y) * scaleY)
	x1 := x0 + int(r.W*scaleX)
	y1 := y0 + int(r.H*scaleY)
	return image.Rect(x0, y0, x1, y1).Intersect(canvas)
}

func (c *Capture) scaledDimensions(bounds capability.Rect) (int, int) {
	scale := c.cfg.ScaleFactor
	if scale <= 0 {
		scale = 1
	}
	if c.quality != nil {
		scale = c.quality.ClampScale(scale)
	}
	w := int(bounds.W * scale)
	h := int(bounds.H * scale)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	if max := c.cfg.MaxDimension; max > 0 {
		if w > max {
			h = int(float64(h) * float64(max) / float64(w))
			w = max
		}
		if h > max {
			w = int(float64(w) * float64(max) / float64(h))
			h = max
		}
		if h < 1 {
			h = 1
		}
		if w < 1 {
			w = 1
		}
	}
	return w, h
}

func clampQuality(q int) int {
	if q < 1 {
		return 1
	}
	if q > 100 {
		return 100
	}
	return q
}

func maxf(v, min float64) float64 {
	if v < min {
		return min
	}
	return v
}
