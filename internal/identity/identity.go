// Package identity handles actor identity normalization and the
// provisioned actor registry.
//
// Actor identities arrive from two independent sources: the ledger gateway
// (inside confirmation events) and request handlers (inside submitted
// intents). The two sources do not agree on representation - the gateway
// may report "M0" where the client submitted "m0". Every comparison and
// every map lookup must therefore go through Normalize first; matching
// silently fails otherwise.
package identity

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var folder = cases.Fold()

// Normalize canonicalizes an actor identity for comparison.
//
// The canonical form is NFC-normalized, Unicode case-folded, and stripped
// of surrounding whitespace. Normalize is idempotent:
// Normalize(Normalize(s)) == Normalize(s).
func Normalize(s string) string {
	return folder.String(norm.NFC.String(strings.TrimSpace(s)))
}

// Actor is a pre-provisioned identity authorized to submit ledger commands.
type Actor struct {
	// Name is the identity as provisioned (display form, not normalized).
	Name string `yaml:"name"`

	// Credential references the signing credential for this actor,
	// e.g. a key alias in the gateway's wallet. The core never reads
	// credential material; it only carries the reference.
	Credential string `yaml:"credential"`
}

// Registry is the closed set of provisioned actors, indexed by
// normalized identity.
//
// The registry is immutable after construction and safe for concurrent use.
type Registry struct {
	actors map[string]Actor
}

// NewRegistry builds a registry from the provisioned actor list.
// Duplicate identities (under normalization) are rejected by config
// validation before this point; later entries would win here.
func NewRegistry(actors []Actor) *Registry {
	m := make(map[string]Actor, len(actors))
	for _, a := range actors {
		m[Normalize(a.Name)] = a
	}
	return &Registry{actors: m}
}

// Lookup returns the provisioned actor for an identity, normalizing first.
func (r *Registry) Lookup(name string) (Actor, bool) {
	a, ok := r.actors[Normalize(name)]
	return a, ok
}

// Known reports whether an identity is provisioned.
func (r *Registry) Known(name string) bool {
	_, ok := r.actors[Normalize(name)]
	return ok
}

// Names returns the normalized identities in the registry.
// Order is unspecified.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.actors))
	for n := range r.actors {
		names = append(names, n)
	}
	return names
}
