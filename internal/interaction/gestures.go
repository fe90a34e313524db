package interaction

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rejourney/replay-agent/pkg/capability"
	"github.com/rejourney/replay-agent/pkg/model"
)

func fallbackTarget(x, y float64) string {
	return fmt.Sprintf("view_%d_%d", int(x), int(y))
}

func distance(x1, y1, x2, y2 float64) float64 {
	dx, dy := x2-x1, y2-y1
	return math.Sqrt(dx*dx + dy*dy)
}

type pendingEmit struct {
	eventType string
	payload   map[string]any
	gesture   bool
}

// onTouch is installed via capability.ScreenSurface.InstallTouchTap. It
// must never consume or reorder events, only observe them.
func (r *Recorder) onTouch(ev capability.TouchEvent) {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return
	}

	var pending []pendingEmit
	switch ev.Phase {
	case capability.TouchDown:
		r.handleDownLocked(ev)
	case capability.TouchMove:
		pending = r.handleMoveLocked(ev)
	case capability.TouchUp:
		pending = r.handleUpLocked(ev, true)
	case capability.TouchCancel:
		pending = r.handleUpLocked(ev, false)
	}
	r.mu.Unlock()

	r.dispatch(pending)
}

func (r *Recorder) dispatch(pending []pendingEmit) {
	for _, p := range pending {
		r.emit(p.eventType, p.payload)
		if p.gesture {
			r.incrementGestures()
		}
	}
}

func (r *Recorder) handleDownLocked(ev capability.TouchEvent) {
	now := r.clock.Now()
	ps := &pointerState{
		startX: ev.X, startY: ev.Y, startTime: now,
		lastX: ev.X, lastY: ev.Y, lastTime: now,
	}
	r.pointers[ev.PointerID] = ps

	if ev.PointerCount >= 2 {
		r.resyncTwoFingerLocked()
	} else {
		r.twoFinger = twoPointerState{}
	}

	version := ps.longPressVersion
	go r.watchLongPress(ev.PointerID, version, ev.X, ev.Y)
}

func (r *Recorder) watchLongPress(id, version int, x, y float64) {
	<-r.clock.After(r.cfg.LongPressThreshold)

	r.mu.Lock()
	ps, ok := r.pointers[id]
	fire := ok && ps.longPressVersion == version && !ps.moved && !ps.longPressFired
	if fire {
		ps.longPressFired = true
	}
	r.mu.Unlock()

	if !fire {
		return
	}
	r.emit(model.EventLongPress, map[string]any{"target": fallbackTarget(x, y)})
	r.incrementGestures()
}

func (r *Recorder) handleMoveLocked(ev capability.TouchEvent) []pendingEmit {
	ps, ok := r.pointers[ev.PointerID]
	if !ok {
		return nil
	}

	now := r.clock.Now()
	dt := now.Sub(ps.lastTime).Milliseconds()
	if dt > 0 {
		ps.lastVX = (ev.X - ps.lastX) / float64(dt)
		ps.lastVY = (ev.Y - ps.lastY) / float64(dt)
	}
	ps.lastX, ps.lastY, ps.lastTime = ev.X, ev.Y, now

	if !ps.moved && distance(ps.startX, ps.startY, ev.X, ev.Y) > r.cfg.TapMaxDistance {
		ps.moved = true
	}

	var pending []pendingEmit

	if ev.PointerCount == 1 && ps.moved {
		if now.Sub(r.lastPan) >= r.cfg.PanThrottle {
			r.lastPan = now
			pending = append(pending, pendingEmit{
				eventType: model.EventPan,
				payload: map[string]any{
					"x": ev.X, "y": ev.Y,
					"dx": ev.X - ps.startX, "dy": ev.Y - ps.startY,
					"target": fallbackTarget(ps.startX, ps.startY),
				},
				gesture: true,
			})
		}
	} else if ev.PointerCount >= 2 {
		if !r.twoFinger.active {
			r.resyncTwoFingerLocked()
		}
		pending = append(pending, r.updateTwoFingerLocked(now)...)
	}

	return pending
}

// resyncTwoFingerLocked (re)establishes the pinch/rotation baseline from
// the two active pointers with the lowest IDs. Called on every pointer-count
// transition into the two-pointer regime.
func (r *Recorder) resyncTwoFingerLocked() {
	ids := r.activePointerIDsLocked()
	if len(ids) < 2 {
		r.twoFinger = twoPointerState{}
		return
	}
	a, b := r.pointers[ids[0]], r.pointers[ids[1]]
	dist := distance(a.lastX, a.lastY, b.lastX, b.lastY)
	angle := math.Atan2(b.lastY-a.lastY, b.lastX-a.lastX)
	r.twoFinger = twoPointerState{
		set:           true,
		active:        true,
		idA:           ids[0],
		idB:           ids[1],
		startDistance: dist,
		lastDistance:  dist,
		startAngle:    angle,
		lastAngle:     angle,
	}
}

// activePointerIDsLocked returns the currently-down pointer IDs in a
// stable, deterministic order so distance/angle computations between the
// same two fingers don't flip sign across calls.
func (r *Recorder) activePointerIDsLocked() []int {
	ids := make([]int, 0, len(r.pointers))
	for id := range r.pointers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (r *Recorder) updateTwoFingerLocked(now time.Time) []pendingEmit {
	if !r.twoFinger.active {
		return nil
	}
	a, aok := r.pointers[r.twoFinger.idA]
	b, bok := r.pointers[r.twoFinger.idB]
	if !aok || !bok {
		return nil
	}
	dist := distance(a.lastX, a.lastY, b.lastX, b.lastY)
	angle := math.Atan2(b.lastY-a.lastY, b.lastX-a.lastX)

	var pending []pendingEmit

	if r.twoFinger.startDistance > 0 && now.Sub(r.twoFinger.lastPinchEmit) >= r.cfg.PinchThrottle {
		scale := dist / r.twoFinger.startDistance
		pending = append(pending, pendingEmit{
			eventType: model.EventPinch,
			payload:   map[string]any{"scale": scale, "terminal": false},
			gesture:   true,
		})
		r.twoFinger.lastPinchEmit = now
	}

	delta := angleDelta(r.twoFinger.startAngle, angle)
	if math.Abs(delta) > r.cfg.RotationMinDeltaRad && now.Sub(r.twoFinger.lastRotEmit) >= r.cfg.RotationThrottle {
		pending = append(pending, pendingEmit{
			eventType: model.EventRotation,
			payload:   map[string]any{"deltaRad": delta},
			gesture:   true,
		})
		r.twoFinger.lastRotEmit = now
	}

	r.twoFinger.lastDistance = dist
	r.twoFinger.lastAngle = angle
	return pending
}

func angleDelta(from, to float64) float64 {
	d := to - from
	for d > math.Pi {
		d -= 2 * math.Pi
	}
	for d < -math.Pi {
		d += 2 * math.Pi
	}
	return d
}

func (r *Recorder) handleUpLocked(ev capability.TouchEvent, isUp bool) []pendingEmit {
	ps, ok := r.pointers[ev.PointerID]
	if !ok {
		return nil
	}
	delete(r.pointers, ev.PointerID)
	ps.longPressVersion++ // invalidate any in-flight long-press watcher

	var pending []pendingEmit

	wasParticipant := r.twoFinger.set && (r.twoFinger.idA == ev.PointerID || r.twoFinger.idB == ev.PointerID)
	if wasParticipant && r.twoFinger.active {
		scale := 1.0
		if r.twoFinger.startDistance > 0 {
			scale = r.twoFinger.lastDistance / r.twoFinger.startDistance
		}
		pending = append(pending, pendingEmit{
			eventType: model.EventPinch,
			payload:   map[string]any{"scale": scale, "terminal": true},
		})
		r.twoFinger.active = false
	}
	if r.twoFinger.set {
		_, aDown := r.pointers[r.twoFinger.idA]
		_, bDown := r.pointers[r.twoFinger.idB]
		if !aDown && !bDown {
			r.twoFinger = twoPointerState{}
		}
	}

	if !isUp {
		return pending
	}
	if wasParticipant || ps.longPressFired {
		return pending
	}

	if !ps.moved {
		pending = append(pending, r.classifyTapLocked(ev.X, ev.Y, r.clock.Now())...)
		return pending
	}

	speed := math.Hypot(ps.lastVX, ps.lastVY)
	target := fallbackTarget(ps.startX, ps.startY)
	if speed >= r.cfg.FlingVelocityPxPerMs {
		pending = append(pending, pendingEmit{
			eventType: model.EventSwipe,
			payload:   map[string]any{"direction": swipeDirection(ps.lastVX, ps.lastVY), "target": target},
			gesture:   true,
		})
	} else {
		pending = append(pending, pendingEmit{
			eventType: model.EventScroll,
			payload:   map[string]any{"dx": ev.X - ps.startX, "dy": ev.Y - ps.startY, "target": target},
			gesture:   true,
		})
	}
	return pending
}

func swipeDirection(vx, vy float64) string {
	if math.Abs(vx) >= math.Abs(vy) {
		if vx >= 0 {
			return "right"
		}
		return "left"
	}
	if vy >= 0 {
		return "down"
	}
	return "up"
}

// classifyTapLocked implements the tap/rage-tap ring: push (center, now),
// prune entries older than the rage window, and if enough neighbors fall
// within the rage radius, fire a rageTap and consume every record in the
// ring so none of them is separately emitted as a tap.
//
// A tap that does not (yet) complete a rage cluster is never emitted here:
// it would race a later tap that turns it into a rageTap's third neighbor
// a few hundred milliseconds on. Instead its record is parked in the ring
// and watchTapWindow waits out the rest of the window to see whether it
// gets consumed; only then does it resolve to a standalone tap.
func (r *Recorder) classifyTapLocked(x, y float64, now time.Time) []pendingEmit {
	cutoff := now.Add(-r.cfg.RageTapWindow)
	kept := r.rageRing[:0]
	for _, rec := range r.rageRing {
		if rec.at.After(cutoff) {
			kept = append(kept, rec)
		}
	}
	r.rageRing = kept

	rec := &tapRecord{x: int64(x), y: int64(y), at: now}
	r.rageRing = append(r.rageRing, rec)

	neighbors := 0
	for _, other := range r.rageRing {
		if distance(float64(other.x), float64(other.y), x, y) <= r.cfg.RageTapRadius {
			neighbors++
		}
	}

	if neighbors >= r.cfg.RageTapMinCount {
		count := neighbors
		for _, other := range r.rageRing {
			other.resolved = true
		}
		r.rageRing = nil
		if r.tallies != nil {
			r.tallies.IncrementRageTaps()
		}
		return []pendingEmit{{
			eventType: model.EventRageTap,
			payload:   map[string]any{"count": count, "target": fallbackTarget(x, y)},
			gesture:   true,
		}}
	}

	go r.watchTapWindow(rec)
	return nil
}

// watchTapWindow waits out this tap's full rage-tap window. If nothing has
// consumed it into a rageTap by the time the window closes, it resolves as
// a standalone tap; otherwise it is a no-op, since the rageTap that
// consumed it already accounted for the gesture.
func (r *Recorder) watchTapWindow(rec *tapRecord) {
	<-r.clock.After(r.cfg.RageTapWindow)

	r.mu.Lock()
	fire := !rec.resolved
	if fire {
		rec.resolved = true
		for i, other := range r.rageRing {
			if other == rec {
				r.rageRing = append(r.rageRing[:i], r.rageRing[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	if !fire {
		return
	}
	if r.tallies != nil {
		r.tallies.IncrementTaps()
	}
	r.emit(model.EventTap, map[string]any{"target": fallbackTarget(float64(rec.x), float64(rec.y))})
	r.incrementGestures()
}
