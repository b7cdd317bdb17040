package correlation

import (
	"cmp"
	"slices"
	"time"

	"github.com/linnemanlabs/corerecon/internal/alert"
	"github.com/linnemanlabs/corerecon/internal/signature"
)

// Signal weights in percent. They must sum to 100; keeping them integral
// makes a full self-match exactly 1.0.
const (
	weightSourceIP    = 25
	weightDestIP      = 20
	weightHostname    = 25
	weightTechniques  = 15
	weightObservables = 10
	weightCategory    = 5
	weightTotal       = weightSourceIP + weightDestIP + weightHostname + weightTechniques + weightObservables + weightCategory
)

const (
	// DefaultThreshold is the score a candidate must exceed to be reported.
	DefaultThreshold = 0.3

	// DefaultMaxResults caps correlation results when the caller does not.
	DefaultMaxResults = 50

	// DefaultWindow is the correlation and dedup lookback.
	DefaultWindow = 60 * time.Minute
)

// Options controls FindCorrelated.
type Options struct {
	// Threshold is exclusive: only scores strictly above it are kept.
	Threshold float64
	// MaxResults truncates the ranked list; <= 0 means no limit.
	MaxResults int
	// Window drops candidates created outside [a-Window, a+Window]; 0 disables.
	Window time.Duration
}

// DefaultOptions returns the thresholds used by the API when unspecified.
func DefaultOptions() Options {
	return Options{
		Threshold:  DefaultThreshold,
		MaxResults: DefaultMaxResults,
		Window:     DefaultWindow,
	}
}

// Scorer computes pairwise similarity between alerts. It is pure and safe for
// concurrent use.
type Scorer struct {
	extractor *signature.Extractor
}

// NewScorer returns a Scorer using e for raw event extraction. A nil e uses
// the default aliases.
func NewScorer(e *signature.Extractor) *Scorer {
	if e == nil {
		e = signature.Default()
	}
	return &Scorer{extractor: e}
}

// features is the precomputed, comparison-ready view of one alert.
type features struct {
	sig         signature.Signature
	category    string
	techniques  map[string]struct{}
	observables map[string]struct{}
}

func (s *Scorer) features(a *alert.Alert) features {
	if a == nil {
		return features{}
	}
	return features{
		sig:         s.extractor.Extract(a),
		category:    a.Category,
		techniques:  toSet(signature.TechniqueIDs(a)),
		observables: toSet(signature.ObservableValues(a)),
	}
}

// Score returns the weighted similarity of a and b in [0, 1]. Signals absent
// on either side contribute nothing.
func (s *Scorer) Score(a, b *alert.Alert) float64 {
	return score(s.features(a), s.features(b))
}

func score(a, b features) float64 {
	var points float64
	if exact(a.sig.SourceIP, b.sig.SourceIP) {
		points += weightSourceIP
	}
	if exact(a.sig.DestinationIP, b.sig.DestinationIP) {
		points += weightDestIP
	}
	if exact(a.sig.Hostname, b.sig.Hostname) {
		points += weightHostname
	}
	points += weightTechniques * Jaccard(a.techniques, b.techniques)
	points += weightObservables * Jaccard(a.observables, b.observables)
	if exact(a.category, b.category) {
		points += weightCategory
	}
	return min(max(points/weightTotal, 0), 1)
}

// FindCorrelated scores every candidate against a and returns those above the
// threshold, highest score first, ties broken by ascending alert ID.
func (s *Scorer) FindCorrelated(a *alert.Alert, candidates []*alert.Alert, opts Options) []Result {
	if a == nil {
		return nil
	}
	fa := s.features(a)

	var out []Result
	for _, c := range candidates {
		if c == nil || c.ID == a.ID {
			continue
		}
		if opts.Window > 0 && !within(c.CreatedAt, a.CreatedAt, opts.Window) {
			continue
		}
		sc := score(fa, s.features(c))
		if sc > opts.Threshold {
			out = append(out, Result{AlertID: c.ID, Score: sc})
		}
	}

	slices.SortFunc(out, func(x, y Result) int {
		if c := cmp.Compare(y.Score, x.Score); c != 0 {
			return c
		}
		return cmp.Compare(x.AlertID, y.AlertID)
	})

	if opts.MaxResults > 0 && len(out) > opts.MaxResults {
		out = out[:opts.MaxResults]
	}
	return out
}

// Jaccard returns |a ∩ b| / |a ∪ b|, or 0 when either set is empty.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	var inter int
	for k := range small {
		if _, ok := large[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func exact(a, b string) bool {
	return a != "" && a == b
}

func within(t, center time.Time, window time.Duration) bool {
	return !t.Before(center.Add(-window)) && !t.After(center.Add(window))
}

func toSet(vals []string) map[string]struct{} {
	if len(vals) == 0 {
		return nil
	}
	m := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		m[v] = struct{}{}
	}
	return m
}
