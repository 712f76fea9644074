// Package mainloop provides the cooperative run loop the plugin executes on.
// All posted functions and timeout callbacks run on the single loop
// goroutine, so code driven by the loop needs no locking.
package mainloop

import (
	"context"
	"sync"
	"time"
)

// SourceID identifies a registered timeout source. The zero value is never a
// valid source.
type SourceID uint64

type timeoutSource struct {
	timer *time.Timer
}

type Loop struct {
	funcs chan func()

	mu     sync.Mutex
	nextID SourceID
	timers map[SourceID]*timeoutSource
}

func New() *Loop {
	return &Loop{
		funcs:  make(chan func(), 128),
		timers: make(map[SourceID]*timeoutSource),
	}
}

// Run executes posted functions until the context is cancelled. Pending
// timeout sources are stopped on exit.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			for id, src := range l.timers {
				if src.timer != nil {
					src.timer.Stop()
				}
				delete(l.timers, id)
			}
			l.mu.Unlock()
			return
		case fn := <-l.funcs:
			fn()
		}
	}
}

// Post schedules fn to run on the loop goroutine. Safe to call from any
// goroutine; may block if the loop is not running and the queue is full.
func (l *Loop) Post(fn func()) {
	l.funcs <- fn
}

// TimeoutAdd registers fn to run on the loop every interval until it returns
// false or the source is removed. Ticks for one source never overlap: the
// next tick is armed only after the previous callback returns.
func (l *Loop) TimeoutAdd(interval time.Duration, fn func() bool) SourceID {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	src := &timeoutSource{}
	l.timers[id] = src
	l.mu.Unlock()

	l.arm(id, src, interval, fn)

	return id
}

// SourceRemove deregisters a timeout source. Removing an already-removed or
// unknown source is a no-op.
func (l *Loop) SourceRemove(id SourceID) {
	l.mu.Lock()
	src, ok := l.timers[id]
	if ok {
		delete(l.timers, id)
		if src.timer != nil {
			src.timer.Stop()
		}
	}
	l.mu.Unlock()
}

func (l *Loop) arm(id SourceID, src *timeoutSource, interval time.Duration, fn func() bool) {
	t := time.AfterFunc(interval, func() {
		l.Post(func() {
			l.mu.Lock()
			_, live := l.timers[id]
			l.mu.Unlock()
			// A tick already in flight when its source is removed must
			// not fire.
			if !live {
				return
			}
			if fn() {
				l.arm(id, src, interval, fn)
				return
			}
			l.SourceRemove(id)
		})
	})

	l.mu.Lock()
	if _, live := l.timers[id]; live {
		src.timer = t
	} else {
		t.Stop()
	}
	l.mu.Unlock()
}
