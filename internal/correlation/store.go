package correlation

import (
	"context"
	"time"

	"github.com/linnemanlabs/corerecon/internal/alert"
)

// Store is the persistence interface for alerts as seen by the correlation
// engine. Implementations return copies.
type Store interface {
	Get(ctx context.Context, id string) (*alert.Alert, bool, error)
	Put(ctx context.Context, a *alert.Alert) error

	// QueryByTimeRange returns alerts created in [start, end], excluding
	// excludeID, ordered by CreatedAt then ID. A zero end is unbounded.
	QueryByTimeRange(ctx context.Context, start, end time.Time, excludeID string) ([]*alert.Alert, error)

	// UpdateMergeFields applies u in one atomic step: it replaces the merge
	// record of the original, closes the duplicate and appends the note to
	// it, bumping both versions. It returns ErrNotFound when either alert is
	// missing, ErrVersionConflict when the original's version is no longer
	// u.ExpectedVersion and ErrAlertClosed when either alert is closed.
	UpdateMergeFields(ctx context.Context, u MergeUpdate) error
}

// MergeUpdate is the write side of one merge.
type MergeUpdate struct {
	OriginalID      string
	ExpectedVersion int64
	DuplicateCount  int
	DuplicateIDs    []string

	DuplicateID string
	Note        string
}
