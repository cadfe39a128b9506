package source

import (
	"fmt"
	"strconv"
	"strings"

	"relic.dev/relic/ident"
	"relic.dev/relic/platform"
)

// Well-known keys. Stored as ordinary values so they round-trip through the
// codec like any other change.
var (
	KeyResourceType = ident.KeyHash("resource_type")
	KeyHash         = ident.KeyHash("hash")
	KeyDependencies = ident.KeyHash("dependencies")
)

// Dependency is one direct dependency edge of a resource.
type Dependency struct {
	ID       ident.UUID
	Platform uint64
}

// Type returns the resource type at plat, or "" when unset.
func (s *Source) Type(plat uint64) string {
	c := s.Get(KeyResourceType, plat)
	if c == nil {
		return ""
	}
	return string(c.Value())
}

// SetType records the resource type.
func (s *Source) SetType(ts int64, plat uint64, typ string) {
	s.Set(ts, KeyResourceType, plat, []byte(typ))
}

// ImportHash returns the hash last stamped under the hash key, or the null
// hash when the source was never stamped.
func (s *Source) ImportHash() ident.Hash {
	c := s.Get(KeyHash, platform.Any)
	if c == nil {
		return ident.ZeroHash
	}
	h, err := ident.ParseHash(string(c.Value()))
	if err != nil {
		return ident.ZeroHash
	}
	return h
}

// SetImportHash stamps h under the hash key at platform.Any.
func (s *Source) SetImportHash(ts int64, h ident.Hash) {
	s.Set(ts, KeyHash, platform.Any, []byte(h.Hex()))
}

// Dependencies parses the direct dependency list stored for plat. The value
// is a space-separated run of "<uuid>:<decimal platform>" tokens.
func (s *Source) Dependencies(plat uint64) ([]Dependency, error) {
	c := s.Get(KeyDependencies, plat)
	if c == nil {
		return nil, nil
	}
	return ParseDependencies(string(c.Value()))
}

// SetDependencies stores the direct dependency list for plat.
func (s *Source) SetDependencies(ts int64, plat uint64, deps []Dependency) {
	s.Set(ts, KeyDependencies, plat, []byte(FormatDependencies(deps)))
}

// ParseDependencies parses a dependency value.
func ParseDependencies(v string) ([]Dependency, error) {
	fields := strings.Fields(v)
	out := make([]Dependency, 0, len(fields))
	for _, f := range fields {
		idStr, platStr, ok := strings.Cut(f, ":")
		if !ok {
			return nil, fmt.Errorf("source: dependency token %q", f)
		}
		id, err := ident.ParseUUID(idStr)
		if err != nil {
			return nil, err
		}
		p, err := strconv.ParseUint(platStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("source: dependency platform %q: %w", platStr, err)
		}
		out = append(out, Dependency{ID: id, Platform: p})
	}
	return out, nil
}

// FormatDependencies renders deps as a dependency value.
func FormatDependencies(deps []Dependency) string {
	parts := make([]string, len(deps))
	for i, d := range deps {
		parts[i] = fmt.Sprintf("%s:%d", d.ID.String(), d.Platform)
	}
	return strings.Join(parts, " ")
}
