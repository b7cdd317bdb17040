package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type pendingKey struct{}

// pending is carried from TraceQueryStart to TraceQueryEnd.
type pending struct {
	sql    string
	args   []any
	began  time.Time
	origin origin
}

// queryTracer wraps the otel tracer, logging queries and feeding the
// observer and per-request stats.
type queryTracer struct {
	next     pgx.QueryTracer
	slow     time.Duration
	withArgs bool
}

func newQueryTracer(next pgx.QueryTracer, opts PoolOptions) pgx.QueryTracer {
	return queryTracer{next: next, slow: opts.SlowQueryThreshold, withArgs: opts.LogQueryArgs}
}

func (t queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	p := &pending{sql: data.SQL, began: time.Now(), origin: queryOrigin()}
	if t.withArgs {
		p.args = data.Args
	}

	if t.next != nil {
		ctx = t.next.TraceQueryStart(ctx, conn, data)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		if p.origin.store != "" {
			span.SetAttributes(attribute.String("db.caller", p.origin.store))
		}
		if p.origin.caller != "" {
			span.SetAttributes(attribute.String("db.handler", p.origin.caller))
		}
	}
	return context.WithValue(ctx, pendingKey{}, p)
}

func (t queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.next != nil {
		t.next.TraceQueryEnd(ctx, conn, data)
	}

	p, ok := ctx.Value(pendingKey{}).(*pending)
	if !ok {
		p = &pending{}
	}
	var dur time.Duration
	if !p.began.IsZero() {
		dur = time.Since(p.began)
	}

	if stats, ok := RequestStatsFrom(ctx); ok {
		stats.Record(dur, data.Err)
	}
	if obs := currentObserver(); obs != nil && dur > 0 {
		method, route, outcome := queryLabels(ctx, data.Err)
		obs.ObserveQuery(ctx, method, route, outcome, dur)
	}

	if !t.logs(dur, data.Err) {
		return
	}
	L := log.FromContext(ctx)
	if data.Err != nil {
		L.Error(ctx, data.Err, "db query failed", t.fields(p, dur, data)...)
		return
	}
	L.Info(ctx, "db query", t.fields(p, dur, data)...)
}

// logs reports whether a query is logged: failures always, successes only
// at or above the slow threshold when one is set.
func (t queryTracer) logs(dur time.Duration, err error) bool {
	return err != nil || t.slow <= 0 || dur >= t.slow
}

func (t queryTracer) fields(p *pending, dur time.Duration, data pgx.TraceQueryEndData) []any {
	kv := []any{"db.statement", p.sql, "db.duration", dur.Seconds()}
	if t.withArgs {
		kv = append(kv, "db.args", p.args)
	}
	if t.slow > 0 && dur >= t.slow {
		kv = append(kv, "db.slow", true)
	}

	tag := strings.TrimSpace(data.CommandTag.String())
	if tag != "" {
		op, _, _ := strings.Cut(tag, " ")
		kv = append(kv,
			"db.operation.name", strings.ToUpper(op),
			"pg.command_tag", tag,
			"db.rows", data.CommandTag.RowsAffected(),
		)
	}
	if p.origin.store != "" {
		kv = append(kv, "db.caller", p.origin.store)
	}
	if p.origin.caller != "" {
		kv = append(kv, "db.handler", p.origin.caller)
	}

	var pgErr *pgconn.PgError
	if errors.As(data.Err, &pgErr) {
		kv = append(kv, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
	}
	return kv
}
