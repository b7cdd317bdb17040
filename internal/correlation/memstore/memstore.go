// Package memstore provides an in-memory implementation of correlation.Store.
package memstore

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/corerecon/internal/alert"
	"github.com/linnemanlabs/corerecon/internal/correlation"
)

// Store holds alerts in memory. Suitable for dev/testing.
type Store struct {
	mu     sync.RWMutex
	alerts map[string]*alert.Alert // alert ID -> alert
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		alerts: make(map[string]*alert.Alert),
	}
}

// Get retrieves an alert by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*alert.Alert, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, false, nil
	}
	return a.Clone(), true, nil
}

// Put stores a copy of the alert, replacing any alert with the same ID.
func (s *Store) Put(_ context.Context, a *alert.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[a.ID] = a.Clone()
	return nil
}

// QueryByTimeRange returns copies of alerts created in [start, end] other than
// excludeID, oldest first. A zero end is unbounded.
func (s *Store) QueryByTimeRange(_ context.Context, start, end time.Time, excludeID string) ([]*alert.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*alert.Alert
	for id, a := range s.alerts {
		if id == excludeID || a.CreatedAt.Before(start) {
			continue
		}
		if !end.IsZero() && a.CreatedAt.After(end) {
			continue
		}
		out = append(out, a.Clone())
	}

	slices.SortFunc(out, func(x, y *alert.Alert) int {
		if c := x.CreatedAt.Compare(y.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(x.ID, y.ID)
	})
	return out, nil
}

// UpdateMergeFields records the merge on the original and closes the
// duplicate under one lock.
func (s *Store) UpdateMergeFields(_ context.Context, u correlation.MergeUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	orig, ok := s.alerts[u.OriginalID]
	if !ok {
		return correlation.ErrNotFound
	}
	dup, ok := s.alerts[u.DuplicateID]
	if !ok {
		return correlation.ErrNotFound
	}
	if orig.Version != u.ExpectedVersion {
		return correlation.ErrVersionConflict
	}
	if orig.Status.Terminal() || dup.Status.Terminal() {
		return correlation.ErrAlertClosed
	}

	orig.DuplicateCount = u.DuplicateCount
	orig.DuplicateAlertIDs = slices.Clone(u.DuplicateIDs)
	orig.Version++

	dup.Status = alert.StatusClosed
	dup.Notes = joinNote(dup.Notes, u.Note)
	dup.Version++
	return nil
}

func joinNote(notes, note string) string {
	if strings.TrimSpace(notes) == "" {
		return note
	}
	return notes + "\n" + note
}
