package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced Clock for tests. Timers fire synchronously
// inside Advance, in deadline order.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

// NewFake returns a Fake positioned at an arbitrary fixed instant.
func NewFake() *Fake {
	return &Fake{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{
		clk:      f,
		ch:       make(chan time.Time, 1),
		deadline: f.now.Add(d),
		active:   true,
	}
	f.timers = append(f.timers, t)
	return t
}

// Advance moves the clock forward and fires every timer whose deadline is
// reached, in order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	for {
		var next *fakeTimer
		for _, t := range f.timers {
			if !t.active || t.deadline.After(target) {
				continue
			}
			if next == nil || t.deadline.Before(next.deadline) {
				next = t
			}
		}
		if next == nil {
			break
		}
		f.now = next.deadline
		next.active = false
		select {
		case next.ch <- f.now:
		default:
		}
	}
	f.now = target
	f.mu.Unlock()
	f.compact()
}

func (f *Fake) compact() {
	f.mu.Lock()
	defer f.mu.Unlock()
	live := f.timers[:0]
	for _, t := range f.timers {
		if t.active {
			live = append(live, t)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].deadline.Before(live[j].deadline) })
	f.timers = live
}

type fakeTimer struct {
	clk      *Fake
	ch       chan time.Time
	deadline time.Time
	active   bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	was := t.active
	t.active = false
	return was
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	was := t.active
	t.deadline = t.clk.now.Add(d)
	t.active = true
	select {
	case <-t.ch:
	default:
	}
	if !contains(t.clk.timers, t) {
		t.clk.timers = append(t.clk.timers, t)
	}
	return was
}

func contains(ts []*fakeTimer, t *fakeTimer) bool {
	for _, x := range ts {
		if x == t {
			return true
		}
	}
	return false
}
