package correlation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/corerecon/internal/alert"
	"github.com/linnemanlabs/corerecon/internal/hub"
	"github.com/linnemanlabs/corerecon/internal/signature"
)

var tracer = otel.Tracer("github.com/linnemanlabs/corerecon/internal/correlation")

// Publisher distributes events to observers.
type Publisher interface {
	Publish(ctx context.Context, channel string, ev hub.Event) (hub.Delivery, error)
}

// Notifier is told about newly ingested alerts that correlate with others.
// Implementations decide whether the results are worth a notification.
type Notifier interface {
	NotifyCorrelated(ctx context.Context, a *alert.Alert, results []Result) error
}

// AlertEvent is the payload of alert_created and alert_updated events.
type AlertEvent struct {
	Alert      *alert.Alert `json:"alert"`
	Correlated []Result     `json:"correlated,omitempty"`
}

// Service is the business boundary for correlation, deduplication and merge
// operations against a Store.
type Service struct {
	store     Store
	extractor *signature.Extractor
	scorer    *Scorer
	merger    *Merger
	publisher Publisher
	notifier  Notifier
	logger    log.Logger
	metrics   *Metrics
	now       func() time.Time
}

// NewService creates a correlation service. publisher, notifier and metrics
// are optional.
func NewService(store Store, extractor *signature.Extractor, logger log.Logger, metrics *Metrics, publisher Publisher, notifier Notifier) *Service {
	if store == nil {
		panic(xerrors.New("correlation store is required"))
	}
	if extractor == nil {
		extractor = signature.Default()
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		store:     store,
		extractor: extractor,
		scorer:    NewScorer(extractor),
		merger:    NewMerger(store, metrics.MergeHooks()),
		publisher: publisher,
		notifier:  notifier,
		logger:    logger.With("component", "correlation"),
		metrics:   metrics,
		now:       time.Now,
	}
}

// Get retrieves an alert by ID.
func (s *Service) Get(ctx context.Context, id string) (*alert.Alert, bool, error) {
	return s.store.Get(ctx, id)
}

// Correlate returns alerts created within window of the given alert that
// score above the default threshold, best first, at most maxResults.
func (s *Service) Correlate(ctx context.Context, alertID string, window time.Duration, maxResults int) (results []Result, err error) {
	ctx, span := tracer.Start(ctx, "correlation.Correlate", trace.WithAttributes(
		attribute.String("corerecon.alert.id", alertID),
		attribute.Int64("corerecon.correlation.window_s", int64(window.Seconds())),
	))
	defer func() { s.finish(span, "correlate", err) }()

	a, err := s.mustGet(ctx, alertID)
	if err != nil {
		return nil, err
	}
	results, err = s.correlate(ctx, a, window, maxResults)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("corerecon.correlation.results", len(results)))
	return results, nil
}

func (s *Service) correlate(ctx context.Context, a *alert.Alert, window time.Duration, maxResults int) ([]Result, error) {
	candidates, err := s.store.QueryByTimeRange(ctx, a.CreatedAt.Add(-window), a.CreatedAt.Add(window), a.ID)
	if err != nil {
		return nil, fmt.Errorf("query correlation candidates: %w", err)
	}
	s.metrics.candidates("correlate", len(candidates))

	results := s.scorer.FindCorrelated(a, candidates, Options{
		Threshold:  DefaultThreshold,
		MaxResults: maxResults,
		Window:     window,
	})
	s.metrics.scores(results)
	return results, nil
}

// FindDuplicate looks for a non-closed alert created within window of now
// that has the same fingerprint as the given alert.
func (s *Service) FindDuplicate(ctx context.Context, alertID string, window time.Duration) (dup *alert.Alert, found bool, err error) {
	ctx, span := tracer.Start(ctx, "correlation.FindDuplicate", trace.WithAttributes(
		attribute.String("corerecon.alert.id", alertID),
	))
	defer func() { s.finish(span, "find_duplicate", err) }()

	a, err := s.mustGet(ctx, alertID)
	if err != nil {
		return nil, false, err
	}
	dup, found, err = s.findDuplicate(ctx, a, window)
	if err != nil {
		return nil, false, err
	}
	span.SetAttributes(attribute.Bool("corerecon.dedup.found", found))
	return dup, found, nil
}

func (s *Service) findDuplicate(ctx context.Context, a *alert.Alert, window time.Duration) (*alert.Alert, bool, error) {
	candidates, err := s.store.QueryByTimeRange(ctx, s.now().Add(-window), time.Time{}, a.ID)
	if err != nil {
		return nil, false, fmt.Errorf("query dedup candidates: %w", err)
	}
	s.metrics.candidates("find_duplicate", len(candidates))

	dup, ok := FindDuplicate(s.extractor, a, candidates)
	return dup, ok, nil
}

// Merge folds duplicateID into originalID and publishes the updated original.
// Re-merging a recorded pair returns the original without publishing.
func (s *Service) Merge(ctx context.Context, originalID, duplicateID string) (orig *alert.Alert, err error) {
	ctx, span := tracer.Start(ctx, "correlation.Merge", trace.WithAttributes(
		attribute.String("corerecon.alert.id", originalID),
		attribute.String("corerecon.alert.duplicate_id", duplicateID),
	))
	defer func() { s.finish(span, "merge", err) }()

	orig, changed, err := s.merger.Merge(ctx, originalID, duplicateID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Bool("corerecon.merge.changed", changed))
	if changed {
		s.publish(ctx, hub.ChannelAlerts, hub.EventAlertUpdated, AlertEvent{Alert: orig})
	}
	return orig, nil
}

// Ingest stores a new alert, then either merges it into an existing
// duplicate or correlates it and announces it.
func (s *Service) Ingest(ctx context.Context, a *alert.Alert) (res *IngestResult, err error) {
	ctx, span := tracer.Start(ctx, "correlation.Ingest")
	defer func() { s.finish(span, "ingest", err) }()

	a = a.Clone()
	if err := s.prepare(a); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("corerecon.alert.id", a.ID))
	L := s.logger.With("alert_id", a.ID, "source", a.Source)

	if _, exists, err := s.store.Get(ctx, a.ID); err != nil {
		return nil, fmt.Errorf("get alert %s: %w", a.ID, err)
	} else if exists {
		return nil, fmt.Errorf("alert %s already exists: %w", a.ID, ErrInvalidAlert)
	}

	if err := s.store.Put(ctx, a); err != nil {
		return nil, fmt.Errorf("store alert: %w", err)
	}

	dup, ok, err := s.findDuplicate(ctx, a, DefaultWindow)
	if err != nil {
		return nil, err
	}
	if ok {
		orig, merged, err := s.mergeIngested(ctx, dup.ID, a.ID)
		if err != nil {
			return nil, err
		}
		if merged {
			s.metrics.ingested("duplicate")
			L.Info(ctx, "alert merged into existing duplicate",
				"original_id", orig.ID,
				"duplicate_count", orig.DuplicateCount,
			)
			s.publish(ctx, hub.ChannelAlerts, hub.EventAlertUpdated, AlertEvent{Alert: orig})
			return &IngestResult{ID: a.ID, DuplicateOf: orig.ID, Correlated: []Result{}}, nil
		}
		L.Info(ctx, "duplicate closed before merge, correlating instead", "original_id", dup.ID)
	}

	results, err := s.correlate(ctx, a, DefaultWindow, DefaultMaxResults)
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []Result{}
	}
	s.metrics.ingested("new")
	L.Info(ctx, "alert ingested", "correlated", len(results))

	s.publish(ctx, hub.ChannelAlerts, hub.EventAlertCreated, AlertEvent{Alert: a, Correlated: results})

	if s.notifier != nil && len(results) > 0 {
		if err := s.notifier.NotifyCorrelated(ctx, a, results); err != nil {
			L.Error(ctx, err, "failed to send correlation notification")
		}
	}

	return &IngestResult{ID: a.ID, Correlated: results}, nil
}

// mergeIngested merges the freshly stored alert dupID into origID. It
// reports merged=false when origID was closed in the meantime, typically by
// a concurrent ingest that merged origID into dupID, and dupID itself is
// still open.
func (s *Service) mergeIngested(ctx context.Context, origID, dupID string) (*alert.Alert, bool, error) {
	orig, _, err := s.merger.Merge(ctx, origID, dupID)
	if err == nil {
		return orig, true, nil
	}
	if errors.Is(err, ErrAlertClosed) {
		self, ok, gerr := s.store.Get(ctx, dupID)
		if gerr == nil && ok && !self.Status.Terminal() {
			return nil, false, nil
		}
	}
	return nil, false, fmt.Errorf("merge into %s: %w", origID, err)
}

func (s *Service) prepare(a *alert.Alert) error {
	a.Title = strings.TrimSpace(a.Title)
	if a.Title == "" {
		return fmt.Errorf("title is required: %w", ErrInvalidAlert)
	}
	if a.Status == "" {
		a.Status = alert.StatusNew
	}
	if !a.Status.Valid() {
		return fmt.Errorf("unknown status %q: %w", a.Status, ErrInvalidAlert)
	}
	if a.ID == "" {
		a.ID = ulid.Make().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now().UTC()
	}
	a.DuplicateCount = 0
	a.DuplicateAlertIDs = nil
	a.Version = 0
	return nil
}

// Statistics summarizes alerts created in the last hours hours.
func (s *Service) Statistics(ctx context.Context, hours int) (st *Statistics, err error) {
	ctx, span := tracer.Start(ctx, "correlation.Statistics", trace.WithAttributes(
		attribute.Int("corerecon.statistics.hours", hours),
	))
	defer func() { s.finish(span, "statistics", err) }()

	since := s.now().Add(-time.Duration(hours) * time.Hour)
	alerts, err := s.store.QueryByTimeRange(ctx, since, time.Time{}, "")
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	return computeStatistics(s.extractor, alerts, hours, since), nil
}

func computeStatistics(e *signature.Extractor, alerts []*alert.Alert, hours int, since time.Time) *Statistics {
	st := &Statistics{
		TimeRangeHours: hours,
		Since:          since.UTC(),
		TotalAlerts:    len(alerts),
	}

	src := make(map[string]struct{})
	dst := make(map[string]struct{})
	hosts := make(map[string]struct{})
	for _, a := range alerts {
		st.DuplicatesMerged += a.DuplicateCount
		sig := e.Extract(a)
		if sig.SourceIP != "" {
			src[sig.SourceIP] = struct{}{}
		}
		if sig.DestinationIP != "" {
			dst[sig.DestinationIP] = struct{}{}
		}
		if sig.Hostname != "" {
			hosts[sig.Hostname] = struct{}{}
		}
	}

	st.UniqueSourceIPs = len(src)
	st.UniqueDestIPs = len(dst)
	st.UniqueHostnames = len(hosts)
	st.CorrelationByField = Potential{
		BySourceIP: len(src),
		ByDestIP:   len(dst),
		ByHostname: len(hosts),
	}
	// Duplicates merged into an alert in range may themselves be older.
	st.UniqueAlerts = max(st.TotalAlerts-st.DuplicatesMerged, 0)
	if st.TotalAlerts > 0 {
		// Percent, two decimals.
		st.DeduplicationRate = math.Round(float64(st.DuplicatesMerged)/float64(st.TotalAlerts)*10000) / 100
	}
	return st
}

func (s *Service) mustGet(ctx context.Context, id string) (*alert.Alert, error) {
	a, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get alert %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	return a, nil
}

// publish is best-effort: failures are logged and never surface to callers.
func (s *Service) publish(ctx context.Context, channel, typ string, payload AlertEvent) {
	if s.publisher == nil {
		return
	}
	if _, err := s.publisher.Publish(ctx, channel, hub.Event{Type: typ, Payload: payload}); err != nil {
		s.logger.Error(ctx, err, "failed to publish event", "channel", channel, "type", typ)
	}
}

func (s *Service) finish(span trace.Span, operation string, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	s.metrics.request(operation, err)
}
