// Package clock provides the monotonic tick and one-shot timer abstraction
// that the Wake Scheduler and quota back-off logic build on. It is the only
// source of "time has passed" in the core (spec.md §2), which keeps the
// scheduler deterministically testable.
package clock

import "time"

// Clock abstracts time so tests can advance it deterministically instead of
// sleeping. The real implementation wraps the standard library; tests use a
// fake that advances on demand.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc schedules f to run after d elapses, returning a Timer that
	// can be stopped or reset. Mirrors time.AfterFunc's semantics.
	AfterFunc(d time.Duration, f func()) Timer

	// NewTicker returns a Ticker that fires every d.
	NewTicker(d time.Duration) Ticker
}

// Timer is the subset of *time.Timer the core needs.
type Timer interface {
	Stop() bool
	Reset(d time.Duration) bool
}

// Ticker is the subset of *time.Ticker the core needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// System is the production Clock backed by the standard library.
type System struct{}

// New returns the production system clock.
func New() Clock { return System{} }

func (System) Now() time.Time { return time.Now() }

func (System) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{time.AfterFunc(d, f)}
}

func (System) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

type realTimer struct{ t *time.Timer }

func (r realTimer) Stop() bool            { return r.t.Stop() }
func (r realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// DeadlineTimer arms a one-shot timer that fires at an absolute time rather
// than after a relative duration, following gastown's
// internal/ratelimit/cooldown.go CooldownStore (absolute ExpiresAt +
// IsExpired check) so that persisting and restoring the deadline across a
// process restart (spec.md §4.8) is just "am I past T yet", not "how much
// time was left when I died".
func DeadlineTimer(c Clock, deadline time.Time, f func()) Timer {
	d := deadline.Sub(c.Now())
	if d < 0 {
		d = 0
	}
	return c.AfterFunc(d, f)
}
