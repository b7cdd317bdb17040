// Package signature pulls normalized indicators out of an alert's free-form
// raw event. Extraction is best-effort and pure: unknown shapes yield absent
// fields, never errors.
package signature

import (
	"strings"

	"github.com/linnemanlabs/corerecon/internal/alert"
)

// Payload is a read-only key-value lookup over a raw event.
type Payload interface {
	Lookup(key string) (any, bool)
}

// MapPayload adapts a decoded JSON object to Payload.
type MapPayload map[string]any

// Lookup returns the value stored under key.
func (m MapPayload) Lookup(key string) (any, bool) {
	v, ok := m[key]
	return v, ok
}

// Aliases lists, in priority order, the payload paths tried for each field.
// A path is a dotted sequence of keys into nested objects.
type Aliases struct {
	SourceIP      []string `yaml:"source_ip"`
	DestinationIP []string `yaml:"destination_ip"`
	Hostname      []string `yaml:"hostname"`
}

// DefaultAliases covers the field names emitted by the SIEM, EDR and cloud
// detectors we ingest from.
func DefaultAliases() Aliases {
	return Aliases{
		SourceIP:      []string{"source_ip", "src_ip", "source.ip"},
		DestinationIP: []string{"destination_ip", "dest_ip", "destination.ip"},
		Hostname:      []string{"hostname", "host", "host.name", "computer_name"},
	}
}

// Signature holds the extracted fields. An empty string means absent.
type Signature struct {
	SourceIP      string
	DestinationIP string
	Hostname      string
}

// Extractor resolves signatures using a fixed set of aliases.
type Extractor struct {
	aliases Aliases
}

// NewExtractor returns an Extractor for the given aliases. Empty alias lists
// fall back to the defaults for that field.
func NewExtractor(a Aliases) *Extractor {
	def := DefaultAliases()
	if len(a.SourceIP) == 0 {
		a.SourceIP = def.SourceIP
	}
	if len(a.DestinationIP) == 0 {
		a.DestinationIP = def.DestinationIP
	}
	if len(a.Hostname) == 0 {
		a.Hostname = def.Hostname
	}
	return &Extractor{aliases: a}
}

// Default returns an Extractor using DefaultAliases.
func Default() *Extractor {
	return NewExtractor(DefaultAliases())
}

// Aliases returns the alias lists in use.
func (e *Extractor) Aliases() Aliases {
	return e.aliases
}

// Extract returns the signature of a. A nil alert or raw event yields an
// empty Signature.
func (e *Extractor) Extract(a *alert.Alert) Signature {
	if a == nil || a.RawEvent == nil {
		return Signature{}
	}
	return e.ExtractPayload(MapPayload(a.RawEvent))
}

// ExtractPayload returns the signature found in p.
func (e *Extractor) ExtractPayload(p Payload) Signature {
	if p == nil {
		return Signature{}
	}
	return Signature{
		SourceIP:      first(p, e.aliases.SourceIP),
		DestinationIP: first(p, e.aliases.DestinationIP),
		Hostname:      first(p, e.aliases.Hostname),
	}
}

// first returns the first alias resolving to a non-empty string.
func first(p Payload, paths []string) string {
	for _, path := range paths {
		if s, ok := resolve(p, path); ok {
			return s
		}
	}
	return ""
}

func resolve(p Payload, path string) (string, bool) {
	keys := strings.Split(path, ".")
	var cur Payload = p
	for i, k := range keys {
		v, ok := cur.Lookup(k)
		if !ok || v == nil {
			return "", false
		}
		if i == len(keys)-1 {
			return asString(v)
		}
		switch nested := v.(type) {
		case map[string]any:
			cur = MapPayload(nested)
		case Payload:
			cur = nested
		default:
			return "", false
		}
	}
	return "", false
}

// asString accepts only non-blank strings; numbers, objects and lists under
// an IP or hostname key are malformed and count as absent.
func asString(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

// ObservableValues returns the distinct non-empty observable values of a in
// their original order.
func ObservableValues(a *alert.Alert) []string {
	if a == nil {
		return nil
	}
	out := make([]string, 0, len(a.Observables))
	seen := make(map[string]struct{}, len(a.Observables))
	for _, o := range a.Observables {
		if o.Value == "" {
			continue
		}
		if _, dup := seen[o.Value]; dup {
			continue
		}
		seen[o.Value] = struct{}{}
		out = append(out, o.Value)
	}
	return out
}

// TechniqueIDs returns the distinct non-empty technique IDs of a in their
// original order.
func TechniqueIDs(a *alert.Alert) []string {
	if a == nil {
		return nil
	}
	out := make([]string, 0, len(a.Techniques))
	seen := make(map[string]struct{}, len(a.Techniques))
	for _, t := range a.Techniques {
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
