package correlation

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound means an alert ID did not resolve in the store.
	ErrNotFound = errors.New("alert not found")

	// ErrVersionConflict is returned by Store.UpdateMergeFields when the
	// original's stored version no longer matches the expected one.
	ErrVersionConflict = errors.New("alert version conflict")

	// ErrMergeConflict means concurrent merges kept winning the race for the
	// same original and retries were exhausted.
	ErrMergeConflict = errors.New("concurrent merge conflict")

	// ErrInvalidMerge rejects a merge that would break the merge record, such
	// as merging an alert into itself.
	ErrInvalidMerge = errors.New("invalid merge")

	// ErrAlertClosed is returned by Store.UpdateMergeFields when either side
	// of a merge is already closed. It is an ErrInvalidMerge.
	ErrAlertClosed = fmt.Errorf("%w: alert is closed", ErrInvalidMerge)

	// ErrInvalidAlert rejects ingesting an alert missing required fields.
	ErrInvalidAlert = errors.New("invalid alert")
)

// Result is a single correlated candidate and its score in [0, 1].
type Result struct {
	AlertID string  `json:"alert_id"`
	Score   float64 `json:"score"`
}

// IngestResult is the outcome of ingesting an alert.
type IngestResult struct {
	ID          string   `json:"id"`
	DuplicateOf string   `json:"duplicate_of,omitempty"`
	Correlated  []Result `json:"correlated"`
}

// Statistics summarizes correlation and deduplication over a time range.
type Statistics struct {
	TimeRangeHours     int       `json:"time_range_hours"`
	Since              time.Time `json:"since"`
	TotalAlerts        int       `json:"total_alerts"`
	UniqueAlerts       int       `json:"unique_alerts"`
	DuplicatesMerged   int       `json:"duplicate_alerts_merged"`
	DeduplicationRate  float64   `json:"deduplication_rate"` // percent
	UniqueSourceIPs    int       `json:"unique_source_ips"`
	UniqueDestIPs      int       `json:"unique_dest_ips"`
	UniqueHostnames    int       `json:"unique_hostnames"`
	CorrelationByField Potential `json:"correlation_potential"`
}

// Potential counts distinct pivot values per correlation field.
type Potential struct {
	BySourceIP int `json:"by_source_ip"`
	ByDestIP   int `json:"by_dest_ip"`
	ByHostname int `json:"by_hostname"`
}
