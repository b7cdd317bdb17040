package postgres

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type (
	methodKey struct{}
	statsKey  struct{}
)

// RequestStats tallies the queries issued while serving one request.
type RequestStats struct {
	mu      sync.Mutex
	queries int
	errors  int
	elapsed time.Duration
}

// Record adds one finished query.
func (s *RequestStats) Record(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++
	s.elapsed += dur
	if err != nil {
		s.errors++
	}
}

// Totals returns the query count, failed query count and summed duration.
func (s *RequestStats) Totals() (queries, errors int, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries, s.errors, s.elapsed
}

// WithRequestStats attaches a fresh RequestStats to ctx.
func WithRequestStats(ctx context.Context) (context.Context, *RequestStats) {
	s := &RequestStats{}
	return context.WithValue(ctx, statsKey{}, s), s
}

// RequestStatsFrom returns the RequestStats attached to ctx, if any.
func RequestStatsFrom(ctx context.Context) (*RequestStats, bool) {
	s, ok := ctx.Value(statsKey{}).(*RequestStats)
	return s, ok
}

// WithHTTPMethod labels queries issued under ctx with method.
func WithHTTPMethod(ctx context.Context, method string) context.Context {
	if method == "" {
		return ctx
	}
	return context.WithValue(ctx, methodKey{}, method)
}

// Middleware labels queries with the request method and, once the handler
// returns, adds the request's query totals to the active span.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, stats := WithRequestStats(WithHTTPMethod(r.Context(), r.Method))
		next.ServeHTTP(w, r.WithContext(ctx))

		queries, failed, elapsed := stats.Totals()
		if queries == 0 {
			return
		}
		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.SetAttributes(
				attribute.Int("db.query_count", queries),
				attribute.Int("db.query_errors", failed),
				attribute.Float64("db.query_seconds", elapsed.Seconds()),
			)
		}
	})
}
