package interaction

import (
	"github.com/rejourney/replay-agent/pkg/model"
)

const maskPlaceholder = "•••"

// PushScreen appends to the in-memory navigation stack, emits a
// viewTransition event, and forces VisualCapture to take an immediate
// snapshot of the new screen.
func (r *Recorder) PushScreen(id string) {
	r.mu.Lock()
	from := r.topScreenLocked()
	r.navStack = append(r.navStack, id)
	r.mu.Unlock()

	r.emit(model.EventViewTransition, map[string]any{"from": from, "to": id, "entering": true})
	r.forceSnapshot()
}

// PopScreen removes the top of the navigation stack, symmetric to
// PushScreen. A pop on an empty stack changes no state but still emits the
// event and forces the snapshot.
func (r *Recorder) PopScreen() {
	r.mu.Lock()
	to := r.topScreenLocked()
	var from string
	if n := len(r.navStack); n > 0 {
		from = r.navStack[n-1]
		r.navStack = r.navStack[:n-1]
		to = r.topScreenLocked()
	}
	r.mu.Unlock()

	r.emit(model.EventViewTransition, map[string]any{"from": from, "to": to, "entering": false})
	r.forceSnapshot()
}

func (r *Recorder) topScreenLocked() string {
	if n := len(r.navStack); n > 0 {
		return r.navStack[n-1]
	}
	return ""
}

func (r *Recorder) forceSnapshot() {
	if r.capture != nil {
		r.capture.Tick(true)
	}
}

// ObserveWindowFrame is called by the host bridge whenever the visible
// window frame changes. The current frame height is compared against the
// fixed full-screen baseline captured at Activate; a shrink greater than
// KeyboardHeightDelta of that baseline means the keyboard is visible, and
// a return to within that delta means it's hidden.
func (r *Recorder) ObserveWindowFrame(heightNow float64) {
	r.mu.Lock()
	baseline := r.windowH
	if baseline <= 0 {
		r.windowH = heightNow
		r.mu.Unlock()
		return
	}

	delta := (baseline - heightNow) / baseline
	wasUp := r.keyboardUp
	nowUp := delta > r.cfg.KeyboardHeightDelta
	changed := nowUp != wasUp
	r.keyboardUp = nowUp
	r.mu.Unlock()

	if changed {
		r.emit(model.EventKeyboard, map[string]any{"visible": nowUp})
	}
}

// ReportDeadTap records a tap on a region with no interactable target.
// Detection happens at the host bridge/JS layer; the native side only
// emits the hint and tallies it.
func (r *Recorder) ReportDeadTap(target string) {
	if r.tallies != nil {
		r.tallies.IncrementDeadTaps()
	}
	r.emit(model.EventDeadTap, map[string]any{"target": target})
	r.incrementGestures()
}

// ReportInput records a text-field change. Values from masked fields are
// replaced before emission; the recorder never sees or forwards the real
// value for a masked field.
func (r *Recorder) ReportInput(value string, masked bool, hint string) {
	reported := value
	if masked {
		reported = maskPlaceholder
	}
	r.emit(model.EventInput, map[string]any{
		"value":  reported,
		"masked": masked,
		"hint":   hint,
	})
}
