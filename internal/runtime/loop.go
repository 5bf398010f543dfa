package runtime

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// The NM client API is cooperative and single-threaded: every call must be
// issued from the goroutine that owns the loop, and completions are delivered
// there. Loop owns that goroutine and bridges results back to callers via
// completion handles.

// Handle is the resolvable result of an operation submitted to the loop.
// It resolves at most once.
type Handle struct {
	done chan struct{}
	val  any
	err  error
}

// Await blocks until the operation completes or ctx is cancelled.
// Awaiting from the loop goroutine itself would self-deadlock and is a
// programmer error; it panics.
func (h *Handle) Await(ctx context.Context) (any, error) {
	if onLoop() {
		panic("runtime: Await called from the event-loop goroutine")
	}
	select {
	case <-h.done:
		return h.val, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Loop is the process-wide event loop. Use Default() to obtain it.
type Loop struct {
	ops     chan func()
	startMu sync.Once
}

var (
	defaultLoop Loop
	loopGID     atomic.Int64
)

// Default returns the process-wide loop, starting its goroutine on first use.
// The goroutine is never joined; it dies with the process.
func Default() *Loop {
	defaultLoop.start()
	return &defaultLoop
}

func (l *Loop) start() {
	l.startMu.Do(func() {
		l.ops = make(chan func(), 16)
		go func() {
			loopGID.Store(gid())
			for op := range l.ops {
				op()
			}
		}()
	})
}

// Submit schedules op onto the loop and returns a handle resolvable from any
// goroutine except the loop itself.
func (l *Loop) Submit(op func() (any, error)) *Handle {
	l.start()
	h := &Handle{done: make(chan struct{})}
	l.ops <- func() {
		defer func() {
			if r := recover(); r != nil {
				h.err = fmt.Errorf("loop operation panicked: %v", r)
			}
			close(h.done)
		}()
		h.val, h.err = op()
	}
	return h
}

// Run submits op and awaits its completion.
func (l *Loop) Run(ctx context.Context, op func() (any, error)) (any, error) {
	return l.Submit(op).Await(ctx)
}

// onLoop reports whether the caller is the loop goroutine.
func onLoop() bool {
	g := loopGID.Load()
	return g != 0 && g == gid()
}

// gid extracts the current goroutine id from the stack header
// ("goroutine 12 [running]:"). There is no supported API for this; it is
// used only to detect self-await.
func gid() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseInt(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
