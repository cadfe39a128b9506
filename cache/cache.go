// Package cache resolves compiled artifacts on local disk. Artifacts live
// under directory-hashed uuid paths, one file per platform specifier, and
// open falls back through platform reduction to the most specific match.
package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"relic.dev/relic/ident"
	"relic.dev/relic/platform"
)

// ErrNotFound marks a missing artifact after all platform fallbacks.
var ErrNotFound = errors.New("cache: artifact not found")

// DynamicSuffix distinguishes the dynamic artifact of a (uuid, platform).
const DynamicSuffix = ".blob"

// Cache searches an ordered list of local roots.
type Cache struct {
	roots []string
}

// New returns a cache over roots, searched in order.
func New(roots ...string) *Cache {
	return &Cache{roots: append([]string(nil), roots...)}
}

// Roots returns the configured search list.
func (c *Cache) Roots() []string {
	if c == nil {
		return nil
	}
	return c.roots
}

// StaticPath is root/<ab>/<cd>/<uuid>/<decimal platform>.
func StaticPath(root string, id ident.UUID, plat uint64) string {
	return filepath.Join(ident.UUIDPath(root, id), strconv.FormatUint(plat, 10))
}

// DynamicPath is the static path plus the dynamic suffix.
func DynamicPath(root string, id ident.UUID, plat uint64) string {
	return StaticPath(root, id, plat) + DynamicSuffix
}

func (c *Cache) open(id ident.UUID, plat uint64, suffix string) (*os.File, uint64, error) {
	if c == nil || len(c.roots) == 0 {
		return nil, 0, ErrNotFound
	}
	full := plat
	for {
		for _, root := range c.roots {
			f, err := os.Open(StaticPath(root, id, plat) + suffix)
			if err == nil {
				return f, plat, nil
			}
			if !os.IsNotExist(err) {
				return nil, 0, err
			}
		}
		if plat == platform.Any {
			return nil, 0, ErrNotFound
		}
		plat = platform.Reduce(plat, full)
	}
}

// OpenStatic opens the most specific static artifact applicable to plat,
// reducing the platform until a stored file matches. Returns the platform
// the artifact was stored under.
func (c *Cache) OpenStatic(id ident.UUID, plat uint64) (*os.File, uint64, error) {
	return c.open(id, plat, "")
}

// OpenDynamic behaves like OpenStatic for the dynamic companion file.
func (c *Cache) OpenDynamic(id ident.UUID, plat uint64) (*os.File, uint64, error) {
	return c.open(id, plat, DynamicSuffix)
}

func (c *Cache) create(id ident.UUID, plat uint64, suffix string) (*os.File, error) {
	if c == nil || len(c.roots) == 0 {
		return nil, errors.New("cache: no local roots configured")
	}
	path := StaticPath(c.roots[0], id, plat) + suffix
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
}

// CreateStatic opens the exact (id, plat) static artifact for writing with
// truncation in the first root, creating intermediate directories.
func (c *Cache) CreateStatic(id ident.UUID, plat uint64) (*os.File, error) {
	return c.create(id, plat, "")
}

// CreateDynamic is CreateStatic for the dynamic companion file.
func (c *Cache) CreateDynamic(id ident.UUID, plat uint64) (*os.File, error) {
	return c.create(id, plat, DynamicSuffix)
}

// Remove deletes the stored artifacts for the exact (id, plat) pair in
// every root. Missing files are not an error.
func (c *Cache) Remove(id ident.UUID, plat uint64) error {
	if c == nil {
		return nil
	}
	for _, root := range c.roots {
		for _, p := range [...]string{StaticPath(root, id, plat), DynamicPath(root, id, plat)} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	return nil
}

// ReadHeaderFor reads the artifact header of the best static match.
func (c *Cache) ReadHeaderFor(id ident.UUID, plat uint64) (Header, error) {
	f, _, err := c.OpenStatic(id, plat)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()
	h, err := ReadHeader(f)
	if err != nil {
		return Header{}, fmt.Errorf("cache: %s/%d: %w", id, plat, err)
	}
	return h, nil
}
