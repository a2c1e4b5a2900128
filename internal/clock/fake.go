package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a deterministic Clock for tests. Advance moves time forward and
// fires any timers whose deadline has passed, in deadline order.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*fakeTimer
	seq     int
}

// NewFake returns a Fake clock starting at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward by d, firing any timers that become
// due (strictly in order of deadline, then registration order).
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.now = target

	var due []*fakeTimer
	remaining := f.timers[:0]
	for _, t := range f.timers {
		if t.stopped {
			continue
		}
		if !t.deadline.After(target) {
			due = append(due, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	f.timers = remaining
	sort.SliceStable(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].seq < due[j].seq
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	f.mu.Unlock()

	for _, t := range due {
		t.fire()
	}
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &fakeTimer{deadline: f.now.Add(d), fn: fn, seq: f.seq, owner: f}
	f.timers = append(f.timers, t)
	return t
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	ch := make(chan time.Time, 1)
	t := &fakeTicker{c: ch}
	var schedule func()
	schedule = func() {
		f.AfterFunc(d, func() {
			select {
			case ch <- f.Now():
			default:
			}
			if !t.stoppedFlag() {
				schedule()
			}
		})
	}
	schedule()
	return t
}

type fakeTimer struct {
	mu       sync.Mutex
	deadline time.Time
	fn       func()
	seq      int
	stopped  bool
	fired    bool
	owner    *Fake
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasPending := !t.stopped && !t.fired
	t.stopped = true
	return wasPending
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.mu.Lock()
	wasPending := !t.stopped && !t.fired
	t.stopped = false
	t.fired = false
	t.deadline = t.owner.Now().Add(d)
	t.mu.Unlock()

	t.owner.mu.Lock()
	t.owner.timers = append(t.owner.timers, t)
	t.owner.mu.Unlock()
	return wasPending
}

func (t *fakeTimer) fire() {
	t.mu.Lock()
	if t.stopped || t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	fn := t.fn
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type fakeTicker struct {
	mu      sync.Mutex
	c       chan time.Time
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.c }

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *fakeTicker) stoppedFlag() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}
