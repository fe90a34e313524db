// Package replay exposes Orchestrator, the single control plane a host
// embeds: it owns session identity, starts and stops every component
// together, aggregates tallies, and routes each component's output to the
// durable event log and the network dispatcher.
package replay

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rejourney/replay-agent/internal/anrsentinel"
	"github.com/rejourney/replay-agent/internal/capture"
	"github.com/rejourney/replay-agent/internal/dispatcher"
	"github.com/rejourney/replay-agent/internal/eventbuffer"
	"github.com/rejourney/replay-agent/internal/idgen"
	"github.com/rejourney/replay-agent/internal/interaction"
	"github.com/rejourney/replay-agent/internal/logging"
	"github.com/rejourney/replay-agent/internal/quality"
	"github.com/rejourney/replay-agent/internal/stability"
	"github.com/rejourney/replay-agent/pkg/capability"
	"github.com/rejourney/replay-agent/pkg/model"
)

var log = logging.L("replay")

// Config carries the orchestrator's own tunables, separate from each
// component's Config (those are supplied to Deps already constructed).
type Config struct {
	EventBatchSize int
	ShutdownWait   time.Duration
}

func (c *Config) applyDefaults() {
	if c.EventBatchSize <= 0 {
		c.EventBatchSize = 20
	}
	if c.ShutdownWait <= 0 {
		c.ShutdownWait = 10 * time.Second
	}
}

// Deps bundles every component instance the orchestrator wires together.
// Quality is optional: a nil Quality leaves VisualCapture running at its
// unclamped configuration.
type Deps struct {
	EventBuffer *eventbuffer.Buffer
	Dispatcher  *dispatcher.Dispatcher
	Capture     *capture.Capture
	Stability   *stability.Monitor
	Anr         *anrsentinel.Sentinel
	Interaction *interaction.Recorder
	Quality     *quality.Controller
}

// Orchestrator is C7 ReplayOrchestrator/TelemetryPipeline.
type Orchestrator struct {
	cfg Config
	clock capability.Clock

	buf         *eventbuffer.Buffer
	dispatcher  *dispatcher.Dispatcher
	capture     *capture.Capture
	stability   *stability.Monitor
	anr         *anrsentinel.Sentinel
	interaction *interaction.Recorder
	quality     *quality.Controller

	taps, rageTaps, deadTaps, gestures, faults, stalled atomic.Int64

	mu             sync.Mutex
	sessionID      string
	sessionEpochMs int64
	active         bool
	backgroundedAt int64

	batchMu     sync.Mutex
	eventBatch  []model.Event
	batchNumber int64
}

// New constructs a bare Orchestrator with only a clock. Components are
// attached with Wire once they exist -- each component's own Deps takes
// the Orchestrator as its EventReporter/TallyIncrementer/ForceSnapshotter,
// so the orchestrator must be allocated before those constructors run.
func New(cfg Config, clock capability.Clock) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{cfg: cfg, clock: clock}
}

// Wire attaches the constructed components. Call once, after every
// component has been built with this Orchestrator as its collaborator
// interface. Safe to call before the first StartSession only.
func (o *Orchestrator) Wire(deps Deps) {
	o.buf = deps.EventBuffer
	o.dispatcher = deps.Dispatcher
	o.capture = deps.Capture
	o.stability = deps.Stability
	o.anr = deps.Anr
	o.interaction = deps.Interaction
	o.quality = deps.Quality
	if o.quality != nil {
		o.quality.Subscribe(qualitySubscriber{o})
	}
}

type qualitySubscriber struct{ o *Orchestrator }

// OnQualityChanged lets the dispatcher's submission rate track the
// adaptive quality level: a pressured device ships less aggressively too.
func (q qualitySubscriber) OnQualityChanged(level quality.Level) {
	if q.o.dispatcher == nil {
		return
	}
	switch level {
	case quality.Paused:
		q.o.dispatcher.SetRateLimit(0.5, 1)
	case quality.Minimal:
		q.o.dispatcher.SetRateLimit(2, 2)
	case quality.Reduced:
		q.o.dispatcher.SetRateLimit(5, 5)
	default:
		q.o.dispatcher.SetRateLimit(0, 0) // disables shaping
	}
}

// StartSession assigns (or accepts) a session identity, configures every
// component for it, and begins capture. Component start/stop is
// coordinated with errgroup so one component's slow setup never serializes
// behind another's.
func (o *Orchestrator) StartSession(sessionID string) string {
	if sessionID == "" {
		sessionID = idgen.NewSessionID()
	}

	o.mu.Lock()
	o.sessionID = sessionID
	o.sessionEpochMs = model.NowMs(o.clock.Now())
	o.active = true
	epoch := o.sessionEpochMs
	o.mu.Unlock()

	o.resetTallies()
	o.batchMu.Lock()
	o.eventBatch = nil
	o.batchNumber = 0
	o.batchMu.Unlock()

	if o.buf != nil {
		if err := o.buf.Configure(sessionID); err != nil {
			log.Error("configure event buffer", "error", err, "sessionId", sessionID)
		}
	}
	if o.dispatcher != nil {
		o.dispatcher.Configure(sessionID, "", true)
	}
	if o.quality != nil {
		o.quality.Start()
	}

	var g errgroup.Group
	if o.stability != nil {
		g.Go(func() error { o.stability.Activate(sessionID); return nil })
	}
	if o.anr != nil {
		g.Go(func() error { o.anr.Activate(sessionID); return nil })
	}
	if o.interaction != nil {
		g.Go(func() error { o.interaction.Activate(sessionID); return nil })
	}
	_ = g.Wait()

	if o.capture != nil {
		o.capture.BeginCapture(sessionID, epoch)
	}

	o.ReportEvent(model.Event{
		Type:        model.EventSessionStart,
		TimestampMs: epoch,
		SessionID:   sessionID,
	})

	return sessionID
}

// Foreground ships the uploads waiting in the dispatcher's retry queue
// after a background period. Background does not stop the capture timer,
// so there is no timer to resume here.
func (o *Orchestrator) Foreground() {
	if o.dispatcher != nil {
		o.dispatcher.ShipPending()
	}
}

// Background synchronously flushes the in-memory frame buffer so the
// session survives a process kill while backgrounded; the session itself
// stays alive.
func (o *Orchestrator) Background() {
	o.mu.Lock()
	o.backgroundedAt = model.NowMs(o.clock.Now())
	o.mu.Unlock()

	if o.capture != nil {
		o.capture.FlushBufferToNetwork()
	}
}

// StopSession halts every component, flushes durable state, and reports
// the session's final tallies for the server's retention decision.
// StabilityMonitor is deliberately left active for one more tick by the
// caller's choice of when to tear it down entirely (a fresh
// StartSession re-activates it) -- it keeps observing for late crashes
// that happen between this call returning and full process exit.
func (o *Orchestrator) StopSession() model.RetentionDecision {
	o.mu.Lock()
	sessionID := o.sessionID
	epoch := o.sessionEpochMs
	backgroundedAt := o.backgroundedAt
	o.active = false
	o.mu.Unlock()

	if o.capture != nil {
		o.capture.Halt()
	}

	var g errgroup.Group
	if o.anr != nil {
		g.Go(func() error { o.anr.Deactivate(); return nil })
	}
	if o.interaction != nil {
		g.Go(func() error { o.interaction.Deactivate(); return nil })
	}
	_ = g.Wait()

	o.flushBatchLocked()

	if o.buf != nil {
		o.buf.Shutdown()
	}
	if o.quality != nil {
		o.quality.Stop()
	}

	metrics := o.snapshotTallies()
	queueDepth := 0
	if o.dispatcher != nil {
		queueDepth = o.dispatcher.QueueDepth()
		endedAt := model.NowMs(o.clock.Now())
		var bgDuration int64
		if backgroundedAt > 0 {
			bgDuration = endedAt - backgroundedAt
		}
		if err := o.dispatcher.ConcludeReplay(sessionID, endedAt, bgDuration, metrics, queueDepth); err != nil {
			log.Error("conclude replay", "error", err, "sessionId", sessionID)
		}
	}

	decision := model.RetentionDecision{}
	if o.dispatcher != nil {
		d, err := o.dispatcher.EvaluateReplayRetention(sessionID, metrics)
		if err != nil {
			log.Error("evaluate replay retention", "error", err, "sessionId", sessionID)
		} else {
			decision = d
			log.Info("replay retention decision", "sessionId", sessionID, "promoted", decision.Promoted, "reason", decision.Reason)
		}
	}
	return decision
}

// ReportEvent implements the EventReporter interface shared by AnrSentinel
// and InteractionRecorder: it durably appends the event and batches toward
// the dispatcher. Tallies are updated through the Increment* methods, not
// here.
func (o *Orchestrator) ReportEvent(e model.Event) {
	if o.buf != nil {
		o.buf.AppendEvent(e)
	}

	var ready []model.Event
	var batchNumber int64
	o.batchMu.Lock()
	o.eventBatch = append(o.eventBatch, e)
	if len(o.eventBatch) >= o.cfg.EventBatchSize {
		ready = o.eventBatch
		o.eventBatch = nil
		o.batchNumber++
		batchNumber = o.batchNumber
	}
	o.batchMu.Unlock()

	if ready != nil {
		o.submitEventBatch(ready, batchNumber)
	}
}

func (o *Orchestrator) flushBatchLocked() {
	o.batchMu.Lock()
	ready := o.eventBatch
	o.eventBatch = nil
	if len(ready) == 0 {
		o.batchMu.Unlock()
		return
	}
	o.batchNumber++
	batchNumber := o.batchNumber
	o.batchMu.Unlock()

	o.submitEventBatch(ready, batchNumber)
}

func (o *Orchestrator) submitEventBatch(events []model.Event, batchNumber int64) {
	if o.dispatcher == nil || len(events) == 0 {
		return
	}
	payload, err := encodeEventBatch(events)
	if err != nil {
		log.Error("encode event batch", "error", err)
		return
	}

	o.mu.Lock()
	sessionID := o.sessionID
	o.mu.Unlock()

	o.dispatcher.Submit(model.PendingUpload{
		SessionID:   sessionID,
		ContentType: model.KindEvents,
		Payload:     payload,
		RangeStart:  events[0].TimestampMs,
		RangeEnd:    events[len(events)-1].TimestampMs,
		ItemCount:   len(events),
		BatchNumber: batchNumber,
	})
}

func encodeEventBatch(events []model.Event) ([]byte, error) {
	var raw bytes.Buffer
	enc := json.NewEncoder(&raw)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return nil, err
		}
	}

	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	if _, err := w.Write(raw.Bytes()); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return gz.Bytes(), nil
}

// SubmitFrameBundle implements capture.BundleSink.
func (o *Orchestrator) SubmitFrameBundle(sessionID, filename string, gzipped []byte, frameCount int) bool {
	if o.dispatcher == nil {
		return false
	}
	return o.dispatcher.Submit(model.PendingUpload{
		SessionID:   sessionID,
		ContentType: model.KindScreenshots,
		Payload:     gzipped,
		ItemCount:   frameCount,
	})
}

// SubmitHierarchySnapshot implements capture.HierarchySink.
func (o *Orchestrator) SubmitHierarchySnapshot(snap model.HierarchySnapshot) bool {
	if o.dispatcher == nil {
		return false
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		log.Error("marshal hierarchy snapshot", "error", err, "sessionId", snap.SessionID)
		return false
	}

	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	if _, err := w.Write(payload); err != nil {
		return false
	}
	if err := w.Close(); err != nil {
		return false
	}

	return o.dispatcher.Submit(model.PendingUpload{
		SessionID:   snap.SessionID,
		ContentType: model.KindHierarchy,
		Payload:     gz.Bytes(),
		ItemCount:   1,
	})
}

// ReportANR implements anrsentinel.IncidentReporter, forwarding to the
// stability monitor's shared incident path. The monitor bumps the stalled
// tally itself; without a monitor the tally is bumped here.
func (o *Orchestrator) ReportANR(frames []string, threadName string) {
	if o.stability != nil {
		o.stability.ReportANR(frames, threadName)
		return
	}
	o.IncrementStalled()
}

// Tick implements interaction.ForceSnapshotter, used for the forced
// snapshot on every navigation transition.
func (o *Orchestrator) Tick(force bool) {
	if o.capture != nil {
		o.capture.Tick(force)
	}
}

func (o *Orchestrator) IncrementTaps()     { o.taps.Add(1) }
func (o *Orchestrator) IncrementRageTaps() { o.rageTaps.Add(1) }
func (o *Orchestrator) IncrementDeadTaps() { o.deadTaps.Add(1) }
func (o *Orchestrator) IncrementGestures() { o.gestures.Add(1) }
func (o *Orchestrator) IncrementFault()    { o.faults.Add(1) }
func (o *Orchestrator) IncrementStalled()  { o.stalled.Add(1) }

func (o *Orchestrator) resetTallies() {
	o.taps.Store(0)
	o.rageTaps.Store(0)
	o.deadTaps.Store(0)
	o.gestures.Store(0)
	o.faults.Store(0)
	o.stalled.Store(0)
}

func (o *Orchestrator) snapshotTallies() model.Tallies {
	return model.Tallies{
		Taps:     o.taps.Load(),
		RageTaps: o.rageTaps.Load(),
		DeadTaps: o.deadTaps.Load(),
		Gestures: o.gestures.Load(),
		Faults:   o.faults.Load(),
		Stalled:  o.stalled.Load(),
	}
}

// EmergencyFlush synchronously halts capture and pushes in-flight state
// out: Halt hands the frame buffer to the upload sink (persisting it to
// disk when the sink refuses it), the pending event batch is submitted to
// the dispatcher, and the event log is flushed and closed. Uploads are
// queued, not awaited; what the event log and the frames directory still
// hold is picked up by ReloadPendingSessions on the next process start.
func (o *Orchestrator) EmergencyFlush() {
	if o.capture != nil {
		o.capture.Halt()
	}
	o.flushBatchLocked()
	if o.buf != nil {
		o.buf.Shutdown()
	}
}

// ReloadPendingSessions replays any crash-safety state left by a prior
// process: leftover frame bundles, incident documents, and buffered
// events. Called once at process start, before any StartSession.
func (o *Orchestrator) ReloadPendingSessions(ctx context.Context) {
	if o.capture != nil {
		o.capture.ReloadPendingOnStartup()
	}
	if o.stability != nil {
		o.stability.ReloadPendingIncidentOnStartup()
	}
	if o.buf == nil || o.dispatcher == nil {
		return
	}

	sessions, err := o.buf.GetPendingSessions()
	if err != nil {
		log.Error("get pending sessions", "error", err)
		return
	}
	for _, sessionID := range sessions {
		events, err := o.buf.ReadPendingEvents(sessionID)
		if err != nil {
			log.Error("read pending events", "error", err, "sessionId", sessionID)
			continue
		}
		if len(events) == 0 {
			continue
		}
		payload, err := encodeEventBatch(events)
		if err != nil {
			log.Error("encode reloaded event batch", "error", err, "sessionId", sessionID)
			continue
		}
		ok := o.dispatcher.Submit(model.PendingUpload{
			SessionID:   sessionID,
			ContentType: model.KindEvents,
			Payload:     payload,
			RangeStart:  events[0].TimestampMs,
			RangeEnd:    events[len(events)-1].TimestampMs,
			ItemCount:   len(events),
		})
		if ok {
			if err := o.buf.ClearSession(sessionID); err != nil {
				log.Error("clear reloaded session", "error", err, "sessionId", sessionID)
			}
		}
	}
}

// Shutdown releases process-wide resources: the worker pools backing the
// dispatcher and stability monitor.
func (o *Orchestrator) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ShutdownWait)
	defer cancel()
	if o.dispatcher != nil {
		o.dispatcher.Shutdown(ctx)
	}
	if o.stability != nil {
		o.stability.Shutdown(ctx)
	}
}
