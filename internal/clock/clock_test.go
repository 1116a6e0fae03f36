package clock

import (
	"testing"
	"time"
)

func TestFake_AfterFiresOnAdvance(t *testing.T) {
	f := NewFake(time.Unix(1700000000, 0).UTC())
	ch := f.After(time.Second)

	select {
	case <-ch:
		t.Fatalf("expected timer to wait for advance")
	default:
	}

	f.Advance(999 * time.Millisecond)
	select {
	case <-ch:
		t.Fatalf("fired early")
	default:
	}

	f.Advance(time.Millisecond)
	select {
	case got := <-ch:
		if !got.Equal(time.Unix(1700000001, 0).UTC()) {
			t.Fatalf("unexpected fire time %v", got)
		}
	default:
		t.Fatalf("expected timer to fire")
	}
	if f.Waiters() != 0 {
		t.Fatalf("expected no pending waiters, got %d", f.Waiters())
	}
}

func TestFake_AfterZeroFiresImmediately(t *testing.T) {
	f := NewFake(time.Unix(1700000000, 0).UTC())
	select {
	case <-f.After(0):
	default:
		t.Fatalf("expected immediate fire")
	}
}

func TestFake_TickerRepeatsAndStops(t *testing.T) {
	f := NewFake(time.Unix(1700000000, 0).UTC())
	tk := f.NewTicker(10 * time.Second)

	f.Advance(10 * time.Second)
	<-tk.C()
	f.Advance(10 * time.Second)
	<-tk.C()

	tk.Stop()
	f.Advance(time.Minute)
	select {
	case <-tk.C():
		t.Fatalf("stopped ticker fired")
	default:
	}
	if got := f.Now(); !got.Equal(time.Unix(1700000080, 0).UTC()) {
		t.Fatalf("unexpected now %v", got)
	}
}
