// Package loop runs callbacks one at a time on a single goroutine.
//
// Timers and posted work from any goroutine are funneled into Run, so the
// state they touch needs no locking as long as it is only mutated from
// callbacks.
package loop

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/bryanchriswhite/FloatPeek/internal/logger"
)

// Func is a unit of work executed on the loop goroutine
type Func func()

type timer struct {
	at  time.Time
	seq uint64
	fn  Func
}

type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)   { *h = append(*h, x.(*timer)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Loop is a cooperative scheduler
type Loop struct {
	mu     sync.Mutex
	timers timerHeap
	posted []Func
	seq    uint64
	wake   chan struct{}
	now    func() time.Time
}

// New creates an idle loop
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		now:  time.Now,
	}
}

// After schedules fn to run on the loop once d has elapsed
func (l *Loop) After(d time.Duration, fn Func) {
	if d < 0 {
		d = 0
	}
	l.mu.Lock()
	l.seq++
	heap.Push(&l.timers, &timer{at: l.now().Add(d), seq: l.seq, fn: fn})
	l.mu.Unlock()
	l.signal()
}

// Post queues fn to run on the loop as soon as the current callback returns
func (l *Loop) Post(fn Func) {
	l.mu.Lock()
	l.posted = append(l.posted, fn)
	l.mu.Unlock()
	l.signal()
}

// Call runs fn on the loop and waits for it to finish, or for ctx to end
func (l *Loop) Call(ctx context.Context, fn Func) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run dispatches callbacks until ctx is cancelled
func (l *Loop) Run(ctx context.Context) error {
	log := logger.WithComponent("loop")
	log.Debug().Msg("Event loop started")
	defer log.Debug().Msg("Event loop stopped")

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		fn, wait := l.next()
		if fn != nil {
			l.dispatch(fn)
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		case <-timer.C:
		}
	}
}

// next pops the next runnable callback. When nothing is due it returns the
// time until the earliest timer.
func (l *Loop) next() (Func, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.posted) > 0 {
		fn := l.posted[0]
		l.posted[0] = nil
		l.posted = l.posted[1:]
		return fn, 0
	}

	if len(l.timers) == 0 {
		return nil, time.Hour
	}

	wait := l.timers[0].at.Sub(l.now())
	if wait <= 0 {
		t := heap.Pop(&l.timers).(*timer)
		return t.fn, 0
	}
	return nil, wait
}

func (l *Loop) dispatch(fn Func) {
	defer func() {
		if p := recover(); p != nil {
			logger.WithComponent("loop").Error().
				Interface("panic", p).
				Msg("Callback panicked")
		}
	}()
	fn()
}

// Pending returns the number of queued callbacks and timers
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.posted) + len(l.timers)
}
