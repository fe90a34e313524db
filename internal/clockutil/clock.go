// Package clockutil provides the default and fake capability.Clock
// implementations used across the module's timing-sensitive components.
package clockutil

import (
	"sync"
	"time"

	"github.com/rejourney/replay-agent/pkg/capability"
)

// Real is the production capability.Clock, a thin pass-through to the
// time package.
type Real struct{}

func (Real) Now() time.Time                   { return time.Now() }
func (Real) Sleep(d time.Duration)            { time.Sleep(d) }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

var _ capability.Clock = Real{}

// Fake is a deterministic clock for tests: Now() is controlled explicitly
// via Advance/Set, and Sleep/After resolve immediately after the fake time
// has been advanced past their deadline.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a Fake clock starting at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Sleep on the fake clock advances time immediately rather than blocking,
// so tests stay fast and deterministic.
func (f *Fake) Sleep(d time.Duration) {
	f.Advance(d)
}

// After returns a channel that is already ready, after advancing the fake
// clock by d. It does not model true asynchronous delay — tests that need
// to observe intermediate states should call Advance directly instead of
// relying on this.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.Advance(d)
	ch := make(chan time.Time, 1)
	ch <- f.Now()
	return ch
}

var _ capability.Clock = (*Fake)(nil)
