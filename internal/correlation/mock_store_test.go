package correlation

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/linnemanlabs/corerecon/internal/alert"
)

// mockStore is an in-memory Store with hooks for injecting failures.
type mockStore struct {
	mu     sync.Mutex
	alerts map[string]*alert.Alert

	// conflicts makes the next n UpdateMergeFields calls report a version
	// conflict without writing.
	conflicts int
	// getErr, updateErr and queryErr fail the respective operation when set.
	getErr    error
	updateErr error
	queryErr  error

	updates int
}

func newMockStore(alerts ...*alert.Alert) *mockStore {
	m := &mockStore{alerts: make(map[string]*alert.Alert)}
	for _, a := range alerts {
		m.alerts[a.ID] = a.Clone()
	}
	return m
}

func (m *mockStore) Get(_ context.Context, id string) (*alert.Alert, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	a, ok := m.alerts[id]
	if !ok {
		return nil, false, nil
	}
	return a.Clone(), true, nil
}

func (m *mockStore) Put(_ context.Context, a *alert.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[a.ID] = a.Clone()
	return nil
}

func (m *mockStore) QueryByTimeRange(_ context.Context, start, end time.Time, excludeID string) ([]*alert.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	var out []*alert.Alert
	for _, a := range m.alerts {
		if a.ID == excludeID || a.CreatedAt.Before(start) {
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

func (m *mockStore) UpdateMergeFields(_ context.Context, u MergeUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	if m.updateErr != nil {
		return m.updateErr
	}
	orig, ok := m.alerts[u.OriginalID]
	if !ok {
		return ErrNotFound
	}
	dup, ok := m.alerts[u.DuplicateID]
	if !ok {
		return ErrNotFound
	}
	if m.conflicts > 0 {
		m.conflicts--
		// Simulate another writer bumping the version.
		orig.Version++
		return ErrVersionConflict
	}
	if orig.Version != u.ExpectedVersion {
		return ErrVersionConflict
	}
	if orig.Status.Terminal() || dup.Status.Terminal() {
		return ErrAlertClosed
	}
	orig.DuplicateCount = u.DuplicateCount
	orig.DuplicateAlertIDs = slices.Clone(u.DuplicateIDs)
	orig.Version++

	dup.Status = alert.StatusClosed
	if dup.Notes != "" {
		dup.Notes += "\n"
	}
	dup.Notes += u.Note
	dup.Version++
	return nil
}

func (m *mockStore) updateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates
}

func (m *mockStore) snapshot(id string) *alert.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alerts[id].Clone()
}

var errBoom = errors.New("boom")
