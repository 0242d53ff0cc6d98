package loop

import (
	"context"
	"sync"
	"testing"
	"time"
)

func runLoop(t *testing.T, l *Loop) (context.CancelFunc, <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Run(ctx)
	}()
	return cancel, done
}

func TestLoop_TimersFireInDeadlineOrder(t *testing.T) {
	l := New()
	var mu sync.Mutex
	var order []int
	finished := make(chan struct{})

	record := func(n int) Func {
		return func() {
			mu.Lock()
			order = append(order, n)
			if len(order) == 3 {
				close(finished)
			}
			mu.Unlock()
		}
	}

	l.After(30*time.Millisecond, record(3))
	l.After(10*time.Millisecond, record(1))
	l.After(20*time.Millisecond, record(2))

	cancel, done := runLoop(t, l)
	defer func() {
		cancel()
		<-done
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatalf("timers did not fire")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, n := range order {
		if n != i+1 {
			t.Fatalf("unexpected order %v", order)
		}
	}
}

func TestLoop_CallbacksNeverOverlap(t *testing.T) {
	l := New()
	cancel, done := runLoop(t, l)
	defer func() {
		cancel()
		<-done
	}()

	var active, maxActive, count int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Call(context.Background(), func() {
				active++
				if active > maxActive {
					maxActive = active
				}
				time.Sleep(100 * time.Microsecond)
				count++
				active--
			})
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("expected serialized callbacks, saw %d concurrent", maxActive)
	}
	if count != 50 {
		t.Fatalf("expected 50 callbacks, got %d", count)
	}
}

func TestLoop_PanicDoesNotStopLoop(t *testing.T) {
	l := New()
	cancel, done := runLoop(t, l)
	defer func() {
		cancel()
		<-done
	}()

	l.Post(func() { panic("boom") })

	ran := false
	if err := l.Call(context.Background(), func() { ran = true }); err != nil {
		t.Fatalf("call: %v", err)
	}
	if !ran {
		t.Fatalf("expected loop to keep running after a panic")
	}
}

func TestLoop_RunStopsOnCancel(t *testing.T) {
	l := New()
	l.After(time.Hour, func() {})

	cancel, done := runLoop(t, l)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	if l.Pending() != 1 {
		t.Fatalf("expected the far timer to remain queued, got %d", l.Pending())
	}
}
