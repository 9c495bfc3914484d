// Package acl resolves a principal's permissions on shares: owner bypass,
// explicit grants, and default grant materialization.
package acl

import (
	"sort"
	"strings"
)

// Permission vocabulary.
const (
	PermRead           = "read"
	PermDownload       = "download"
	PermRequestSend    = "request_send"
	PermAcceptIncoming = "accept_incoming"
	PermManageShare    = "manage_share"
)

var vocabulary = map[string]struct{}{
	PermRead:           {},
	PermDownload:       {},
	PermRequestSend:    {},
	PermAcceptIncoming: {},
	PermManageShare:    {},
}

// Set is a permission set.
type Set map[string]struct{}

// OwnerSet returns the full permission set an owner implicitly holds.
func OwnerSet() Set {
	return Set{
		PermRead:           {},
		PermDownload:       {},
		PermRequestSend:    {},
		PermAcceptIncoming: {},
		PermManageShare:    {},
	}
}

// DefaultExternalSet returns the default grant for non-owners.
func DefaultExternalSet() Set {
	return Set{
		PermRead:        {},
		PermDownload:    {},
		PermRequestSend: {},
	}
}

// Has reports whether the set contains a permission.
func (s Set) Has(perm string) bool {
	_, ok := s[perm]
	return ok
}

// Sorted returns the permissions in sorted order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Normalize builds a Set from arbitrary tokens, trimming whitespace and
// dropping anything outside the vocabulary.
func Normalize(values []string) Set {
	set := Set{}
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, known := vocabulary[v]; known {
			set[v] = struct{}{}
		}
	}
	return set
}

// Encode renders a set as the canonical CSV stored in permissions_raw.
func Encode(s Set) string {
	return strings.Join(s.Sorted(), ",")
}

// Decode parses a permissions_raw CSV back into a Set. Unknown tokens are
// dropped, so a vocabulary change never poisons stored grants.
func Decode(raw string) Set {
	if raw == "" {
		return Set{}
	}
	return Normalize(strings.Split(raw, ","))
}
