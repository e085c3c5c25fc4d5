package clock

import (
	"context"
	"errors"
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFake_AfterFiresOnAdvance(t *testing.T) {
	f := NewFake(epoch)
	ch := f.After(5 * time.Second)

	f.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired before deadline")
	default:
	}

	f.Advance(time.Second)
	select {
	case ts := <-ch:
		if !ts.Equal(epoch.Add(5 * time.Second)) {
			t.Errorf("fired at %v", ts)
		}
	default:
		t.Fatal("did not fire at deadline")
	}
	if f.Waiters() != 0 {
		t.Errorf("expected one-shot timer to be removed, %d left", f.Waiters())
	}
}

func TestFake_TickerRepeats(t *testing.T) {
	f := NewFake(epoch)
	tk := f.NewTicker(time.Second)
	defer tk.Stop()

	for i := 0; i < 3; i++ {
		f.Advance(time.Second)
		select {
		case <-tk.C():
		default:
			t.Fatalf("tick %d missing", i)
		}
	}

	tk.Stop()
	if f.Waiters() != 0 {
		t.Errorf("stopped ticker still registered")
	}
}

func TestSleep_ContextCancel(t *testing.T) {
	f := NewFake(epoch)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Sleep(ctx, f, time.Hour) }()

	if !f.BlockUntil(1, time.Second) {
		t.Fatal("sleeper never registered")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
