package postgres

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestQueryTracer_Logs(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	tests := []struct {
		name string
		slow time.Duration
		dur  time.Duration
		err  error
		want bool
	}{
		{"no threshold logs everything", 0, time.Microsecond, nil, true},
		{"fast query suppressed", 50 * time.Millisecond, 10 * time.Millisecond, nil, false},
		{"slow query logged", 50 * time.Millisecond, 50 * time.Millisecond, nil, true},
		{"fast failure logged", 50 * time.Millisecond, time.Millisecond, boom, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := (queryTracer{slow: tt.slow}).logs(tt.dur, tt.err); got != tt.want {
				t.Errorf("logs(%v, %v) = %v, want %v", tt.dur, tt.err, got, tt.want)
			}
		})
	}
}

func kvMap(t *testing.T, kv []any) map[string]any {
	t.Helper()
	if len(kv)%2 != 0 {
		t.Fatalf("odd field count %d", len(kv))
	}
	m := make(map[string]any, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		m[kv[i].(string)] = kv[i+1]
	}
	return m
}

func TestQueryTracer_Fields(t *testing.T) {
	t.Parallel()

	p := &pending{
		sql:    "UPDATE alerts SET status = $2 WHERE id = $1",
		args:   []any{"01J", "closed"},
		origin: origin{store: "(*Store).UpdateMergeFields", caller: "(*Service).Merge"},
	}
	data := pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("UPDATE 1")}

	plain := kvMap(t, queryTracer{}.fields(p, time.Millisecond, data))
	if _, ok := plain["db.args"]; ok {
		t.Error("args logged without LogQueryArgs")
	}
	if plain["db.operation.name"] != "UPDATE" || plain["db.rows"] != int64(1) {
		t.Errorf("fields = %v", plain)
	}
	if plain["db.caller"] != "(*Store).UpdateMergeFields" || plain["db.handler"] != "(*Service).Merge" {
		t.Errorf("origin = %v / %v", plain["db.caller"], plain["db.handler"])
	}
	if _, ok := plain["db.slow"]; ok {
		t.Error("db.slow set without threshold")
	}

	verbose := kvMap(t, queryTracer{withArgs: true, slow: time.Millisecond}.fields(p, 2*time.Millisecond, data))
	if args, ok := verbose["db.args"].([]any); !ok || !slices.Equal(args, p.args) {
		t.Errorf("db.args = %v", verbose["db.args"])
	}
	if verbose["db.slow"] != true {
		t.Error("slow query not flagged")
	}

	pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "alerts_pkey"}
	failed := kvMap(t, queryTracer{}.fields(&pending{}, 0, pgx.TraceQueryEndData{Err: pgErr}))
	if failed["db.error_code"] != "23505" || failed["db.error_constraint"] != "alerts_pkey" {
		t.Errorf("pg error fields = %v", failed)
	}
	if _, ok := failed["db.operation.name"]; ok {
		t.Error("operation set without command tag")
	}
}

func TestQueryTracer_EndWithoutStart(t *testing.T) {
	t.Parallel()

	// A missing start must not panic or record a zero-length observation.
	tr := newQueryTracer(nil, PoolOptions{SlowQueryThreshold: time.Hour})
	ctx, stats := WithRequestStats(context.Background())
	tr.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{})

	if q, _, _ := stats.Totals(); q != 1 {
		t.Errorf("queries = %d, want 1", q)
	}
}

func TestQueryTracer_ObservesAndCounts(t *testing.T) {
	// Not parallel: swaps the process-wide observer.
	var method, outcome string
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, m, _, o string, _ time.Duration) {
		method, outcome = m, o
	}))
	defer SetQueryObserver(nil)

	tr := newQueryTracer(nil, PoolOptions{SlowQueryThreshold: time.Hour})
	ctx, stats := WithRequestStats(WithHTTPMethod(context.Background(), "POST"))
	ctx = tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	time.Sleep(time.Millisecond)
	tr.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{Err: errors.New("boom")})

	queries, failed, elapsed := stats.Totals()
	if queries != 1 || failed != 1 || elapsed <= 0 {
		t.Errorf("totals = %d/%d/%v", queries, failed, elapsed)
	}
	if method != "POST" || outcome != "error" {
		t.Errorf("observed %q %q, want POST error", method, outcome)
	}
}

func TestSetQueryObserver(t *testing.T) {
	// Not parallel: swaps the process-wide observer.
	defer SetQueryObserver(nil)

	called := false
	SetQueryObserver(QueryObserverFunc(func(context.Context, string, string, string, time.Duration) {
		called = true
	}))
	obs := currentObserver()
	if obs == nil {
		t.Fatal("observer not installed")
	}
	obs.ObserveQuery(context.Background(), "GET", "/x", "ok", time.Millisecond)
	if !called {
		t.Error("observer not called")
	}

	SetQueryObserver(nil)
	if currentObserver() != nil {
		t.Error("observer still installed after nil")
	}
}

func TestQueryLabels(t *testing.T) {
	t.Parallel()

	m, r, o := queryLabels(context.Background(), nil)
	if m != "UNKNOWN" || r != "unknown" || o != "ok" {
		t.Errorf("defaults = %q %q %q", m, r, o)
	}
	m, _, o = queryLabels(WithHTTPMethod(context.Background(), "DELETE"), errors.New("x"))
	if m != "DELETE" || o != "error" {
		t.Errorf("labels = %q %q", m, o)
	}
	if m, _, _ := queryLabels(WithHTTPMethod(context.Background(), ""), nil); m != "UNKNOWN" {
		t.Errorf("empty method label = %q", m)
	}
}
