package postgres

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
)

// QueryObserver receives the duration of every traced query. main installs
// one backed by a Prometheus histogram.
type QueryObserver interface {
	ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, method, route, outcome string, dur time.Duration)

// ObserveQuery calls f.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration) {
	f(ctx, method, route, outcome, dur)
}

type observerBox struct{ QueryObserver }

var observer atomic.Pointer[observerBox]

// SetQueryObserver installs o process-wide. Nil removes the current one.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		observer.Store(nil)
		return
	}
	observer.Store(&observerBox{o})
}

func currentObserver() QueryObserver {
	if b := observer.Load(); b != nil {
		return b.QueryObserver
	}
	return nil
}

// queryLabels derives the metric labels for a query issued under ctx.
func queryLabels(ctx context.Context, err error) (method, route, outcome string) {
	method, route, outcome = "UNKNOWN", "unknown", "ok"
	if m, ok := ctx.Value(methodKey{}).(string); ok && m != "" {
		method = m
	}
	if rc := chi.RouteContext(ctx); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			route = p
		}
	}
	if err != nil {
		outcome = "error"
	}
	return method, route, outcome
}
