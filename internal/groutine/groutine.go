package groutine

import (
	"context"
	"runtime/pprof"
	"sync"
	"time"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Go starts a goroutine labelled with name so it shows up in pprof dumps.
// If parentCtx is nil, context.Background() is used.
//
//	groutine.Go(ctx, "serial-reader", func(ctx context.Context) {
//	    // work
//	})
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, goroutineNameKey, name)
		fn(ctx)
	})
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(goroutineNameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Timer is a named, cancellable delayed call.
type Timer struct {
	once   sync.Once
	cancel context.CancelFunc
}

// After runs fn on a named goroutine once d has elapsed, unless the timer is
// stopped or parentCtx is cancelled first. fn never runs more than once.
func After(parentCtx context.Context, name string, d time.Duration, fn func(ctx context.Context)) *Timer {
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	t := &Timer{cancel: cancel}

	Go(ctx, name, func(ctx context.Context) {
		defer cancel()

		timer := time.NewTimer(d)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		t.once.Do(func() { fn(ctx) })
	})
	return t
}

// Stop cancels the pending call. Stopping a fired or stopped timer is a no-op.
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.once.Do(func() {})
	t.cancel()
}
