// Package pgstore provides a PostgreSQL implementation of correlation.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/corerecon/internal/alert"
	"github.com/linnemanlabs/corerecon/internal/correlation"
)

var tracer = otel.Tracer("github.com/linnemanlabs/corerecon/internal/correlation/pgstore")

//go:embed schema.sql
var schema string

// Store persists alerts in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const alertColumns = `id, title, description, severity, status, source, category, created_at,
	raw_event, observables, mitre_techniques, notes, duplicate_count, duplicate_alert_ids, version`

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Get retrieves an alert by ID.
func (s *Store) Get(ctx context.Context, id string) (*alert.Alert, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	a, err := scanAlert(s.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	if a == nil {
		return nil, false, nil
	}
	return a, true, nil
}

// Put inserts or replaces an alert.
func (s *Store) Put(ctx context.Context, a *alert.Alert) error {
	ctx, span := startSpan(ctx, "pgstore.Put", "UPSERT")
	defer span.End()

	var rawJSON []byte
	if a.RawEvent != nil {
		b, err := json.Marshal(a.RawEvent)
		if err != nil {
			return fail(span, fmt.Errorf("marshal raw_event: %w", err))
		}
		rawJSON = b
	}
	obsJSON, err := marshalList(a.Observables)
	if err != nil {
		return fail(span, fmt.Errorf("marshal observables: %w", err))
	}
	techJSON, err := marshalList(a.Techniques)
	if err != nil {
		return fail(span, fmt.Errorf("marshal techniques: %w", err))
	}
	dupIDs := a.DuplicateAlertIDs
	if dupIDs == nil {
		dupIDs = []string{}
	}

	query := `INSERT INTO alerts (` + alertColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	ON CONFLICT (id) DO UPDATE SET
		title               = EXCLUDED.title,
		description         = EXCLUDED.description,
		severity            = EXCLUDED.severity,
		status              = EXCLUDED.status,
		source              = EXCLUDED.source,
		category            = EXCLUDED.category,
		created_at          = EXCLUDED.created_at,
		raw_event           = EXCLUDED.raw_event,
		observables         = EXCLUDED.observables,
		mitre_techniques    = EXCLUDED.mitre_techniques,
		notes               = EXCLUDED.notes,
		duplicate_count     = EXCLUDED.duplicate_count,
		duplicate_alert_ids = EXCLUDED.duplicate_alert_ids,
		version             = EXCLUDED.version`

	_, err = s.pool.Exec(ctx, query,
		a.ID, a.Title, a.Description, a.Severity, string(a.Status), a.Source, a.Category, a.CreatedAt,
		rawJSON, obsJSON, techJSON, a.Notes, a.DuplicateCount, dupIDs, a.Version,
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert alert: %w", err))
	}
	return nil
}

// QueryByTimeRange returns alerts created in [start, end] other than
// excludeID, oldest first. A zero end is unbounded.
func (s *Store) QueryByTimeRange(ctx context.Context, start, end time.Time, excludeID string) ([]*alert.Alert, error) {
	ctx, span := startSpan(ctx, "pgstore.QueryByTimeRange", "SELECT")
	defer span.End()

	var endArg *time.Time
	if !end.IsZero() {
		endArg = &end
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+alertColumns+` FROM alerts
		 WHERE created_at >= $1
		   AND ($2::timestamptz IS NULL OR created_at <= $2)
		   AND id <> $3
		 ORDER BY created_at, id`,
		start, endArg, excludeID,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query alerts: %w", err))
	}
	defer rows.Close()

	var out []*alert.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate alerts: %w", err))
	}
	span.SetAttributes(attribute.Int("db.rows", len(out)))
	return out, nil
}

// UpdateMergeFields records the merge on the original and closes the
// duplicate in one transaction. Both rows are locked in ID order so mutual
// merges from different processes serialize instead of deadlocking.
func (s *Store) UpdateMergeFields(ctx context.Context, u correlation.MergeUpdate) error {
	ctx, span := startSpan(ctx, "pgstore.UpdateMergeFields", "UPDATE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if err := checkMergeable(ctx, tx, u); err != nil {
		if errors.Is(err, correlation.ErrNotFound) || errors.Is(err, correlation.ErrVersionConflict) ||
			errors.Is(err, correlation.ErrAlertClosed) {
			return err
		}
		return fail(span, err)
	}

	duplicateIDs := u.DuplicateIDs
	if duplicateIDs == nil {
		duplicateIDs = []string{}
	}
	if _, err := tx.Exec(ctx,
		`UPDATE alerts
		 SET duplicate_count = $2, duplicate_alert_ids = $3, version = version + 1
		 WHERE id = $1`,
		u.OriginalID, u.DuplicateCount, duplicateIDs,
	); err != nil {
		return fail(span, fmt.Errorf("update merge fields: %w", err))
	}
	if _, err := tx.Exec(ctx,
		`UPDATE alerts
		 SET status = $2,
		     notes = CASE WHEN btrim(notes) = '' THEN $3 ELSE notes || E'\n' || $3 END,
		     version = version + 1
		 WHERE id = $1`,
		u.DuplicateID, string(alert.StatusClosed), u.Note,
	); err != nil {
		return fail(span, fmt.Errorf("close duplicate: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

func checkMergeable(ctx context.Context, tx pgx.Tx, u correlation.MergeUpdate) error {
	rows, err := tx.Query(ctx,
		`SELECT id, status, version FROM alerts WHERE id = ANY($1) ORDER BY id FOR UPDATE`,
		[]string{u.OriginalID, u.DuplicateID},
	)
	if err != nil {
		return fmt.Errorf("lock merge rows: %w", err)
	}
	defer rows.Close()

	type row struct {
		status  alert.Status
		version int64
	}
	found := make(map[string]row, 2)
	for rows.Next() {
		var (
			id     string
			status string
			r      row
		)
		if err := rows.Scan(&id, &status, &r.version); err != nil {
			return fmt.Errorf("scan merge row: %w", err)
		}
		r.status = alert.Status(status)
		found[id] = r
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate merge rows: %w", err)
	}

	orig, ok := found[u.OriginalID]
	if !ok {
		return correlation.ErrNotFound
	}
	dup, ok := found[u.DuplicateID]
	if !ok {
		return correlation.ErrNotFound
	}
	if orig.version != u.ExpectedVersion {
		return correlation.ErrVersionConflict
	}
	if orig.status.Terminal() || dup.status.Terminal() {
		return correlation.ErrAlertClosed
	}
	return nil
}

func marshalList[T any](v []T) ([]byte, error) {
	if v == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(v)
}

// scanAlert scans a single row into an alert.Alert. Returns (nil, nil) when
// no row is found.
func scanAlert(row pgx.Row) (*alert.Alert, error) {
	var (
		a        alert.Alert
		status   string
		rawJSON  []byte
		obsJSON  []byte
		techJSON []byte
	)

	err := row.Scan(
		&a.ID, &a.Title, &a.Description, &a.Severity, &status, &a.Source, &a.Category, &a.CreatedAt,
		&rawJSON, &obsJSON, &techJSON, &a.Notes, &a.DuplicateCount, &a.DuplicateAlertIDs, &a.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	a.Status = alert.Status(status)

	if len(rawJSON) > 0 {
		if err := json.Unmarshal(rawJSON, &a.RawEvent); err != nil {
			return nil, fmt.Errorf("unmarshal raw_event %s: %w", a.ID, err)
		}
	}
	if err := json.Unmarshal(obsJSON, &a.Observables); err != nil {
		return nil, fmt.Errorf("unmarshal observables %s: %w", a.ID, err)
	}
	if err := json.Unmarshal(techJSON, &a.Techniques); err != nil {
		return nil, fmt.Errorf("unmarshal techniques %s: %w", a.ID, err)
	}
	if len(a.Observables) == 0 {
		a.Observables = nil
	}
	if len(a.Techniques) == 0 {
		a.Techniques = nil
	}
	if len(a.DuplicateAlertIDs) == 0 {
		a.DuplicateAlertIDs = nil
	}

	return &a, nil
}
