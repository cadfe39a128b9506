package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"relic.dev/relic/ident"
)

// HeaderSize is the fixed byte length of an artifact header.
// Layout (little-endian): type u64 | version u32 | source_hash 32.
const HeaderSize = 8 + 4 + 32

// ErrBadHeader marks a truncated or malformed artifact header.
var ErrBadHeader = errors.New("cache: bad artifact header")

// Header prefixes every compiled artifact. SourceHash ties the artifact to
// the source content it was compiled from.
type Header struct {
	Type       uint64
	Version    uint32
	SourceHash ident.Hash
}

// WriteHeader emits h at the writer's current position.
func WriteHeader(w io.Writer, h Header) error {
	var buf [HeaderSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], h.Type)
	binary.LittleEndian.PutUint32(buf[8:12], h.Version)
	copy(buf[12:44], h.SourceHash[:])
	_, err := w.Write(buf[:])
	return err
}

// ReadHeader parses a header from the reader's current position.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	var h Header
	h.Type = binary.LittleEndian.Uint64(buf[0:8])
	h.Version = binary.LittleEndian.Uint32(buf[8:12])
	copy(h.SourceHash[:], buf[12:44])
	return h, nil
}
