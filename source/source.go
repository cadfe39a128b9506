// Package source implements the authoritative change log of a resource: an
// append-only sequence of timestamped key/value changes with per-platform
// specialization. Value payloads are interned in per-block arena pages and
// stay valid until the owning chain is replaced or the source is dropped.
package source

import (
	"errors"
	"sort"

	"relic.dev/relic/platform"
)

// Kind discriminates the change payload.
type Kind uint8

const (
	KindValue Kind = iota
	KindBlob
	KindUnset
)

// BlockCapacity is the number of changes a single block holds.
const BlockCapacity = 32

// arenaPageSize is the initial value-arena page of every block. Overflow
// pages are sized max(arenaPageSize, requested).
const arenaPageSize = 1024

// Change is one record of the log.
type Change struct {
	Timestamp int64
	Key       uint64
	Platform  uint64
	Kind      Kind

	// value points into the owning block's arena. Valid for KindValue.
	value []byte

	// Blob reference. Valid for KindBlob.
	Checksum uint64
	Size     uint64
}

// Value returns the payload bytes of a KindValue change. The slice borrows
// the owning block's arena; callers that outlive the source must copy.
func (c *Change) Value() []byte {
	if c == nil || c.Kind != KindValue {
		return nil
	}
	return c.value
}

type arenaPage struct {
	buf  []byte
	used int
}

type changeBlock struct {
	changes [BlockCapacity]Change
	used    int
	pages   []*arenaPage
	next    *changeBlock
}

func newBlock() *changeBlock {
	return &changeBlock{pages: []*arenaPage{{buf: make([]byte, arenaPageSize)}}}
}

// intern copies b into the block's arena, walking the page chain for a fit
// before allocating an overflow page.
func (blk *changeBlock) intern(b []byte) []byte {
	if len(b) == 0 {
		return blk.pages[0].buf[:0]
	}
	for _, p := range blk.pages {
		if len(p.buf)-p.used >= len(b) {
			dst := p.buf[p.used : p.used+len(b)]
			copy(dst, b)
			p.used += len(b)
			return dst
		}
	}
	size := arenaPageSize
	if len(b) > size {
		size = len(b)
	}
	p := &arenaPage{buf: make([]byte, size)}
	copy(p.buf, b)
	p.used = len(b)
	blk.pages = append(blk.pages, p)
	return p.buf[:len(b)]
}

// Source owns a chain of change blocks. Not safe for concurrent use; callers
// sharing a source across goroutines serialize externally.
type Source struct {
	first   *changeBlock
	current *changeBlock
}

// New returns an empty source with its first block in place.
func New() *Source {
	b := newBlock()
	return &Source{first: b, current: b}
}

func (s *Source) append(c Change) *Change {
	if s.current.used == BlockCapacity {
		nb := newBlock()
		s.current.next = nb
		s.current = nb
	}
	blk := s.current
	blk.changes[blk.used] = c
	out := &blk.changes[blk.used]
	blk.used++
	return out
}

// Set appends a VALUE change, copying value into the current block's arena.
func (s *Source) Set(ts int64, key, plat uint64, value []byte) {
	c := Change{Timestamp: ts, Key: key, Platform: plat, Kind: KindValue}
	appended := s.append(c)
	appended.value = s.current.intern(value)
}

// SetBlob appends a BLOB change referencing an out-of-line payload.
func (s *Source) SetBlob(ts int64, key, plat uint64, checksum, size uint64) {
	s.append(Change{Timestamp: ts, Key: key, Platform: plat, Kind: KindBlob, Checksum: checksum, Size: size})
}

// Unset appends an UNSET change removing key at plat from ts on.
func (s *Source) Unset(ts int64, key, plat uint64) {
	s.append(Change{Timestamp: ts, Key: key, Platform: plat, Kind: KindUnset})
}

// NumChanges counts the changes currently in the chain.
func (s *Source) NumChanges() int {
	n := 0
	for blk := s.first; blk != nil; blk = blk.next {
		n += blk.used
	}
	return n
}

// Each visits every change in log order.
func (s *Source) Each(fn func(c *Change)) {
	s.each(fn)
}

// each visits every change in log order.
func (s *Source) each(fn func(c *Change)) {
	for blk := s.first; blk != nil; blk = blk.next {
		for i := 0; i < blk.used; i++ {
			fn(&blk.changes[i])
		}
	}
}

// MapAll builds key → changes. With allTimestamps false only the newest
// change per (key, platform) is retained, UNSETs included; with true the
// buckets hold the full history in log order.
func (s *Source) MapAll(allTimestamps bool) map[uint64][]*Change {
	m := make(map[uint64][]*Change)
	s.each(func(c *Change) {
		bucket := m[c.Key]
		if allTimestamps {
			m[c.Key] = append(bucket, c)
			return
		}
		for i, prev := range bucket {
			if prev.Platform == c.Platform {
				if c.Timestamp >= prev.Timestamp {
					bucket[i] = c
				}
				return
			}
		}
		m[c.Key] = append(bucket, c)
	})
	return m
}

// ErrAbort stops a MapReduce iteration early.
var ErrAbort = errors.New("source: iteration aborted")

// ReduceFunc folds the changes of one key. carry is the value the previous
// call for the same key returned, nil on the first.
type ReduceFunc func(key uint64, c *Change, carry any) (any, error)

// MapReduce folds fn over every bucket of m. Multi-change buckets skip
// UNSET entries; single-change buckets are visited as-is. The result map
// holds fn's final value per key. Returning ErrAbort stops the iteration
// with the buckets folded so far.
func MapReduce(m map[uint64][]*Change, fn ReduceFunc) (map[uint64]any, error) {
	out := make(map[uint64]any, len(m))
	for key, bucket := range m {
		var carry any
		if len(bucket) == 1 {
			v, err := fn(key, bucket[0], nil)
			if err != nil {
				if errors.Is(err, ErrAbort) {
					out[key] = v
					return out, nil
				}
				return nil, err
			}
			out[key] = v
			continue
		}
		for _, c := range bucket {
			if c.Kind == KindUnset {
				continue
			}
			v, err := fn(key, c, carry)
			if err != nil {
				if errors.Is(err, ErrAbort) {
					out[key] = v
					return out, nil
				}
				return nil, err
			}
			carry = v
		}
		out[key] = carry
	}
	return out, nil
}

// Get returns the most specific non-UNSET change for key applicable to
// plat, walking the platform reduction chain when no change exists at the
// full platform. An UNSET winner at any step means the key is removed for
// that specialization and nil is returned.
func (s *Source) Get(key, plat uint64) *Change {
	return getFrom(s.MapAll(false), key, plat)
}

func getFrom(m map[uint64][]*Change, key, plat uint64) *Change {
	bucket := m[key]
	if len(bucket) == 0 {
		return nil
	}
	full := plat
	for {
		for _, c := range bucket {
			if c.Platform != plat {
				continue
			}
			if c.Kind == KindUnset {
				return nil
			}
			return c
		}
		if plat == platform.Any {
			return nil
		}
		plat = platform.Reduce(plat, full)
	}
}

// CollapseHistory replaces the chain with a single pass of per-(key,
// platform) winners. UNSET winners are dropped. Surviving changes are
// re-stamped with the newest timestamp seen in the log and their value
// bytes are copied into the new chain's arena.
func (s *Source) CollapseHistory() {
	winners := s.MapAll(false)
	var maxTs int64
	s.each(func(c *Change) {
		if c.Timestamp > maxTs {
			maxTs = c.Timestamp
		}
	})

	keep := make([]*Change, 0, len(winners))
	for _, bucket := range winners {
		for _, c := range bucket {
			if c.Kind == KindUnset {
				continue
			}
			keep = append(keep, c)
		}
	}
	sort.Slice(keep, func(i, j int) bool {
		if keep[i].Key != keep[j].Key {
			return keep[i].Key < keep[j].Key
		}
		return keep[i].Platform < keep[j].Platform
	})

	nb := newBlock()
	ns := &Source{first: nb, current: nb}
	for _, c := range keep {
		switch c.Kind {
		case KindValue:
			ns.Set(maxTs, c.Key, c.Platform, c.value)
		case KindBlob:
			ns.SetBlob(maxTs, c.Key, c.Platform, c.Checksum, c.Size)
		}
	}
	s.first = ns.first
	s.current = ns.current
}
