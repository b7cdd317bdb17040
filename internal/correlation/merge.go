package correlation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/linnemanlabs/corerecon/internal/alert"
)

// maxMergeAttempts bounds compare-and-swap retries against the store when
// another process keeps updating the same original.
const maxMergeAttempts = 5

// Merge outcomes reported to MergeHooks.
const (
	MergeMerged   = "merged"
	MergeNoop     = "noop"
	MergeNotFound = "not_found"
	MergeRejected = "rejected"
	MergeConflict = "conflict"
	MergeError    = "error"
)

// MergeHooks are optional callbacks for observability.
type MergeHooks struct {
	OnMerge         func(outcome string)
	OnConflictRetry func()
}

// Merger folds duplicate alerts into their originals. Merges targeting the
// same original are serialized in-process and guarded by a version check at
// the store, so concurrent merges never lose an increment. The store closes
// the duplicate in the same step and refuses closed alerts on either side,
// so of two alerts merged into each other only one merge lands.
type Merger struct {
	store Store
	locks *keyedMutex
	hooks MergeHooks
}

// NewMerger creates a Merger over store.
func NewMerger(store Store, hooks MergeHooks) *Merger {
	return &Merger{
		store: store,
		locks: newKeyedMutex(),
		hooks: hooks,
	}
}

// Merge records duplicateID on originalID, closes the duplicate and notes the
// merge on it. It returns the current original and whether this call changed
// it; merging an already recorded pair changes nothing.
//
// A closed original, or a closed duplicate not recorded on originalID, is
// rejected with ErrAlertClosed.
func (m *Merger) Merge(ctx context.Context, originalID, duplicateID string) (*alert.Alert, bool, error) {
	orig, outcome, err := m.merge(ctx, originalID, duplicateID)
	if m.hooks.OnMerge != nil {
		m.hooks.OnMerge(outcome)
	}
	return orig, outcome == MergeMerged, err
}

func (m *Merger) merge(ctx context.Context, originalID, duplicateID string) (*alert.Alert, string, error) {
	if originalID == duplicateID {
		return nil, MergeRejected, fmt.Errorf("alert %s cannot be merged into itself: %w", originalID, ErrInvalidMerge)
	}

	unlock, err := m.locks.lock(ctx, originalID)
	if err != nil {
		return nil, MergeError, fmt.Errorf("wait for merge lock: %w", err)
	}
	defer unlock()

	for attempt := 1; ; attempt++ {
		orig, err := m.get(ctx, "original", originalID)
		if err != nil {
			return nil, outcomeOf(err), err
		}
		dup, err := m.get(ctx, "duplicate", duplicateID)
		if err != nil {
			return nil, outcomeOf(err), err
		}

		if orig.HasDuplicate(duplicateID) {
			return orig, MergeNoop, nil
		}
		if orig.Status.Terminal() {
			return nil, MergeRejected, fmt.Errorf("original alert %s: %w", originalID, ErrAlertClosed)
		}
		if dup.Status.Terminal() {
			return nil, MergeRejected, fmt.Errorf("duplicate alert %s: %w", duplicateID, ErrAlertClosed)
		}

		u := MergeUpdate{
			OriginalID:      originalID,
			ExpectedVersion: orig.Version,
			DuplicateCount:  orig.DuplicateCount + 1,
			DuplicateIDs:    append(slices.Clone(orig.DuplicateAlertIDs), duplicateID),
			DuplicateID:     duplicateID,
			Note:            fmt.Sprintf("[Merged into alert %s]", originalID),
		}
		err = m.store.UpdateMergeFields(ctx, u)
		switch {
		case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrAlertClosed):
			// Re-read; a closed side is reported by the checks above.
			if attempt >= maxMergeAttempts {
				if errors.Is(err, ErrAlertClosed) {
					return nil, MergeRejected, fmt.Errorf("merge %s into %s: %w", duplicateID, originalID, err)
				}
				return nil, MergeConflict, fmt.Errorf("merge %s into %s after %d attempts: %w", duplicateID, originalID, attempt, ErrMergeConflict)
			}
			if m.hooks.OnConflictRetry != nil {
				m.hooks.OnConflictRetry()
			}
			continue
		case errors.Is(err, ErrNotFound):
			return nil, MergeNotFound, fmt.Errorf("merge %s into %s: %w", duplicateID, originalID, err)
		case err != nil:
			return nil, MergeError, fmt.Errorf("update merge fields of %s: %w", originalID, err)
		}

		orig.DuplicateCount = u.DuplicateCount
		orig.DuplicateAlertIDs = u.DuplicateIDs
		orig.Version++
		return orig, MergeMerged, nil
	}
}

func (m *Merger) get(ctx context.Context, role, id string) (*alert.Alert, error) {
	a, ok, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", role, id, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s alert %s: %w", role, id, ErrNotFound)
	}
	return a, nil
}

func outcomeOf(err error) string {
	if errors.Is(err, ErrNotFound) {
		return MergeNotFound
	}
	return MergeError
}

// keyedMutex hands out one context-aware lock per key. Entries are dropped
// once nobody holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyLock)}
}

func (k *keyedMutex) lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			k.release(key, l)
		}, nil
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}
}

func (k *keyedMutex) release(key string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// held reports how many keys currently have holders or waiters.
func (k *keyedMutex) held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
