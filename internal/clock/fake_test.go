package clock

import (
	"testing"
	"time"
)

func TestFakeAdvanceFiresTimers(t *testing.T) {
	f := NewFake()
	tm := f.NewTimer(100 * time.Millisecond)

	f.Advance(50 * time.Millisecond)
	select {
	case <-tm.C():
		t.Fatal("timer fired before deadline")
	default:
	}

	f.Advance(50 * time.Millisecond)
	select {
	case at := <-tm.C():
		if !at.Equal(NewFake().Now().Add(100 * time.Millisecond)) {
			t.Errorf("fired at %v", at)
		}
	default:
		t.Fatal("timer did not fire at deadline")
	}
}

func TestFakeTimersFireInDeadlineOrder(t *testing.T) {
	f := NewFake()
	late := f.NewTimer(200 * time.Millisecond)
	early := f.NewTimer(100 * time.Millisecond)

	f.Advance(300 * time.Millisecond)

	var earlyAt, lateAt time.Time
	select {
	case earlyAt = <-early.C():
	default:
		t.Fatal("early timer did not fire")
	}
	select {
	case lateAt = <-late.C():
	default:
		t.Fatal("late timer did not fire")
	}
	if !earlyAt.Before(lateAt) {
		t.Errorf("early fired at %v, late at %v", earlyAt, lateAt)
	}
}

func TestFakeTimerStop(t *testing.T) {
	f := NewFake()
	tm := f.NewTimer(100 * time.Millisecond)
	if !tm.Stop() {
		t.Error("Stop on active timer = false")
	}
	f.Advance(time.Second)
	select {
	case <-tm.C():
		t.Error("stopped timer fired")
	default:
	}
	if tm.Stop() {
		t.Error("Stop on stopped timer = true")
	}
}

func TestFakeTimerReset(t *testing.T) {
	f := NewFake()
	tm := f.NewTimer(100 * time.Millisecond)
	f.Advance(100 * time.Millisecond)
	<-tm.C()

	tm.Reset(50 * time.Millisecond)
	f.Advance(49 * time.Millisecond)
	select {
	case <-tm.C():
		t.Fatal("reset timer fired early")
	default:
	}
	f.Advance(time.Millisecond)
	select {
	case <-tm.C():
	default:
		t.Fatal("reset timer did not fire")
	}
}

func TestFakeNowAdvances(t *testing.T) {
	f := NewFake()
	start := f.Now()
	f.Advance(time.Hour)
	if got := f.Now().Sub(start); got != time.Hour {
		t.Errorf("advanced %v, want 1h", got)
	}
}
