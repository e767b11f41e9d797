package datapath

import (
	"fmt"
	"net/url"

	"github.com/xapi-storage/storage-scriptd/internal/model"
)

// Candidate is one parsed entry from a Volume's uri list: the URI's
// scheme (the datapath plugin name) paired with the full URI to hand to
// that plugin's scripts.
type Candidate struct {
	Datapath string
	URI      string
}

// ErrMissingURI is returned when no uri in the volume's list names a
// registered datapath plugin, per spec.md §4.5's MISSING_URI error.
var ErrMissingURI = fmt.Errorf("missing_uri")

// ParseCandidates derives (scheme, uri) pairs from a Volume's uri list,
// discarding entries without a parseable URI scheme.
func ParseCandidates(uris []string) []Candidate {
	out := make([]Candidate, 0, len(uris))
	for _, uri := range uris {
		parsed, err := url.Parse(uri)
		if err != nil || parsed.Scheme == "" {
			continue
		}
		out = append(out, Candidate{Datapath: parsed.Scheme, URI: uri})
	}
	return out
}

// Domain0 is the literal domain identifier used for the dom0 attach path,
// per spec.md §4.5.
const Domain0 = "0"

// Choose selects the datapath candidate to use for an attach, per
// spec.md §4.5: candidates are derived from the volume's uri list and
// retained only if their scheme is currently registered. If persistent
// is true, the order of the volume's uri list is preserved. If persistent is false,
// candidates are stably partitioned so that those whose plugin
// advertises NONPERSISTENT come first, followed by the rest in their
// original relative order. The first candidate of the resulting order
// wins. MISSING_URI is returned only when no candidate is registered at
// all — a non-persistent request never removes a candidate for lacking
// NONPERSISTENT, it merely reorders them.
func Choose(r *Registry, uris []string, persistent bool) (Candidate, model.PluginCapabilities, error) {
	type registered struct {
		candidate Candidate
		caps      model.PluginCapabilities
	}

	var eligible []registered
	for _, c := range ParseCandidates(uris) {
		caps, ok := r.Capabilities(c.Datapath)
		if !ok {
			continue
		}
		eligible = append(eligible, registered{c, caps})
	}
	if len(eligible) == 0 {
		return Candidate{}, model.PluginCapabilities{}, ErrMissingURI
	}
	if persistent {
		return eligible[0].candidate, eligible[0].caps, nil
	}
	for _, e := range eligible {
		if e.caps.Has(model.FeatureNonpersistent) {
			return e.candidate, e.caps, nil
		}
	}
	return eligible[0].candidate, eligible[0].caps, nil
}
