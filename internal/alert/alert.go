// Package alert defines the alert record shared by the correlation engine,
// the stores and the HTTP API.
package alert

import (
	"encoding/json"
	"slices"
	"time"
)

// Status tracks where an alert is in its lifecycle.
type Status string

const (
	StatusNew           Status = "new"
	StatusAcknowledged  Status = "acknowledged"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
	StatusFalsePositive Status = "false_positive"
	StatusSuppressed    Status = "suppressed"

	// StatusClosed is terminal. Merged duplicates end up here.
	StatusClosed Status = "closed"
)

// Terminal reports whether no further transitions are allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusClosed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusAcknowledged, StatusInvestigating, StatusResolved,
		StatusFalsePositive, StatusSuppressed, StatusClosed:
		return true
	}
	return false
}

// Observable is an indicator attached to an alert (IP, hash, domain, ...).
type Observable struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Alert is a read-only snapshot of an alert's correlation-relevant fields.
// Stores hand out copies; the correlation engine never mutates one.
type Alert struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Severity    string         `json:"severity,omitempty"`
	Status      Status         `json:"status"`
	Source      string         `json:"source,omitempty"`
	Category    string         `json:"category,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	RawEvent    map[string]any `json:"raw_event,omitempty"`
	Observables []Observable   `json:"observables,omitempty"`
	Techniques  Techniques     `json:"mitre_techniques,omitempty"`
	Notes       string         `json:"notes,omitempty"`

	DuplicateCount    int      `json:"duplicate_count"`
	DuplicateAlertIDs []string `json:"duplicate_alert_ids,omitempty"`

	// Version is the optimistic concurrency token owned by the store.
	Version int64 `json:"version"`
}

// Clone returns a copy that shares no slices with a. RawEvent is copied one
// level deep; nested values are treated as immutable.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Observables = slices.Clone(a.Observables)
	cp.Techniques = slices.Clone(a.Techniques)
	cp.DuplicateAlertIDs = slices.Clone(a.DuplicateAlertIDs)
	if a.RawEvent != nil {
		cp.RawEvent = make(map[string]any, len(a.RawEvent))
		for k, v := range a.RawEvent {
			cp.RawEvent[k] = v
		}
	}
	return &cp
}

// HasDuplicate reports whether id is already recorded as merged into a.
func (a *Alert) HasDuplicate(id string) bool {
	return slices.Contains(a.DuplicateAlertIDs, id)
}

// Techniques is an ordered list of MITRE ATT&CK technique IDs. Detectors send
// either plain strings or objects carrying a technique_id field; both decode.
type Techniques []string

// UnmarshalJSON accepts ["T1059", {"technique_id": "T1003"}, ...]. Entries
// that are neither are skipped rather than failing the whole alert.
func (t *Techniques) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Techniques, 0, len(raw))
	for _, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err == nil {
			if s != "" {
				out = append(out, s)
			}
			continue
		}
		var obj struct {
			TechniqueID string `json:"technique_id"`
		}
		if err := json.Unmarshal(r, &obj); err == nil && obj.TechniqueID != "" {
			out = append(out, obj.TechniqueID)
		}
	}
	*t = out
	return nil
}
