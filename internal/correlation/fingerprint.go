package correlation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"

	"github.com/linnemanlabs/corerecon/internal/alert"
	"github.com/linnemanlabs/corerecon/internal/signature"
)

// maxFingerprintObservables bounds how many observable values take part in
// the fingerprint.
const maxFingerprintObservables = 5

// canonical is the deduplication tuple. Field order is fixed by the struct,
// so its JSON encoding is stable.
type canonical struct {
	DestIP      string   `json:"dest_ip"`
	Hostname    string   `json:"hostname"`
	Observables []string `json:"observables"`
	Source      string   `json:"source"`
	SourceIP    string   `json:"source_ip"`
	Title       string   `json:"title"`
}

// Fingerprint returns the hex SHA-256 identifying the underlying event of a.
// Two alerts are duplicates iff their fingerprints are equal.
func Fingerprint(e *signature.Extractor, a *alert.Alert) string {
	if e == nil {
		e = signature.Default()
	}
	sig := e.Extract(a)

	obs := signature.ObservableValues(a)
	slices.Sort(obs)
	if len(obs) > maxFingerprintObservables {
		obs = obs[:maxFingerprintObservables]
	}
	if obs == nil {
		obs = []string{}
	}

	c := canonical{
		DestIP:      sig.DestinationIP,
		Hostname:    sig.Hostname,
		Observables: obs,
		SourceIP:    sig.SourceIP,
	}
	if a != nil {
		c.Title = a.Title
		c.Source = a.Source
	}

	// Marshal cannot fail on a struct of strings.
	b, _ := json.Marshal(c)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// FindDuplicate returns the first candidate, in the given order, that is not
// a itself, is not in a terminal status, and shares a's fingerprint.
func FindDuplicate(e *signature.Extractor, a *alert.Alert, candidates []*alert.Alert) (*alert.Alert, bool) {
	if a == nil {
		return nil, false
	}
	fp := Fingerprint(e, a)
	for _, c := range candidates {
		if c == nil || c.ID == a.ID || c.Status.Terminal() {
			continue
		}
		if Fingerprint(e, c) == fp {
			return c, true
		}
	}
	return nil, false
}
