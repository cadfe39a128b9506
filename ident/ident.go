// Package ident holds the identifier and hashing primitives shared across
// the pipeline: 128-bit resource ids, 64-bit key hashes, and 256-bit
// content hashes.
package ident

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

// UUID is the stable 128-bit resource identifier.
type UUID = uuid.UUID

// Nil is the zero resource id.
var Nil UUID

// Hash is a 256-bit content hash.
type Hash [32]byte

// ZeroHash marks "never imported".
var ZeroHash Hash

// NewUUID returns a fresh random resource id.
func NewUUID() UUID {
	return uuid.New()
}

// ParseUUID parses the canonical dashed form.
func ParseUUID(s string) (UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("ident: parse uuid %q: %w", s, err)
	}
	return id, nil
}

// UUIDDir returns root/ab/cd for id "abcd...", the two-level fanout
// directory holding the id's files.
func UUIDDir(root string, id UUID) string {
	s := id.String()
	return filepath.Join(root, s[0:2], s[2:4])
}

// UUIDPath returns the id's path under root: root/ab/cd/<uuid>.
func UUIDPath(root string, id UUID) string {
	return filepath.Join(UUIDDir(root, id), id.String())
}

// KeyHash maps a key name to its stored 64-bit hash.
func KeyHash(name string) uint64 {
	return xxhash.Sum64String(name)
}

// PathHash maps an import-map sub-path to its 64-bit line hash.
func PathHash(path string) uint64 {
	return xxhash.Sum64String(path)
}

// Checksum is the 64-bit blob checksum.
func Checksum(b []byte) uint64 {
	return xxhash.Sum64(b)
}

// HashBytes computes the content hash of b.
func HashBytes(b []byte) Hash {
	return sha3.Sum256(b)
}

// HashReader computes the content hash of everything remaining in r.
func HashReader(r io.Reader) (Hash, error) {
	h := sha3.New256()
	if _, err := io.Copy(h, r); err != nil {
		return ZeroHash, err
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}

// HashFile computes the content hash of the file at path.
func HashFile(path string) (Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return ZeroHash, err
	}
	defer f.Close()
	return HashReader(f)
}

// Hex renders h as 64 lowercase hex characters.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the null hash.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// ParseHash parses a 64-hex-character content hash.
func ParseHash(s string) (Hash, error) {
	var out Hash
	if len(s) != 64 {
		return out, fmt.Errorf("ident: hash %q: want 64 hex chars", s)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("ident: hash %q: %w", s, err)
	}
	copy(out[:], b)
	return out, nil
}
