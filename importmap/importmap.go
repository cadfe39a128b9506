// Package importmap maintains the per-tree text index mapping imported
// file paths to resource ids and import-time signature hashes.
//
// The index is a plain text file named import.map. Each line is
//
//	<16-hex path-hash> SP <uuid> SP <64-hex sig-hash> SP <sub-path> LF
//
// at fixed columns 0, 17, 54 and 119. New entries are appended; re-imports
// patch only the signature column in place, so the uuid and path columns of
// a line never move once written. The format survives renames of any parent
// above the map's directory because stored paths are relative to it.
package importmap

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"relic.dev/relic/ident"
)

// FileName is the index file name searched for up the directory tree.
const FileName = "import.map"

// Line geometry. A line with an empty sub-path is 119 bytes plus LF;
// anything shorter is skipped as garbage.
const (
	colHash      = 0
	colUUID      = 17
	colSignature = 54
	colPath      = 119
	minLineBytes = colPath
)

// Map is an open import map.
type Map struct {
	path     string // the import.map file
	dir      string // its directory; stored sub-paths are relative to it
	writable bool
}

// Open locates the import map governing forPath: the first import.map found
// walking from forPath's directory toward the root. When writable and no
// index exists yet, a new one is placed in forPath's own directory.
func Open(forPath string, writable bool) (*Map, error) {
	abs, err := filepath.Abs(forPath)
	if err != nil {
		return nil, fmt.Errorf("importmap: %w", err)
	}
	start := filepath.Dir(abs)
	for dir := start; ; {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return &Map{path: candidate, dir: dir, writable: writable}, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	// No index anywhere above; a writable open roots a fresh one next to
	// the file, a read-only open gets an empty view there.
	return &Map{path: filepath.Join(start, FileName), dir: start, writable: writable}, nil
}

// Dir returns the directory the map's stored sub-paths are relative to.
func (m *Map) Dir() string { return m.dir }

// Path returns the index file path.
func (m *Map) Path() string { return m.path }

// subPath normalizes path into the form stored on a line: relative to the
// map's directory with forward slashes, or the full slashed path when it
// lies outside the tree.
func (m *Map) subPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("importmap: %w", err)
	}
	rel, err := filepath.Rel(m.dir, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.ToSlash(abs), nil
	}
	return filepath.ToSlash(rel), nil
}

type line struct {
	offset  int64 // byte offset of the line start
	hash    uint64
	id      ident.UUID
	sig     ident.Hash
	subPath string
}

// scan visits every well-formed line. fn returning false stops the scan.
func (m *Map) scan(fn func(l line) bool) error {
	f, err := os.Open(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var offset int64
	for {
		raw, err := r.ReadString('\n')
		if raw == "" && err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		lineStart := offset
		offset += int64(len(raw))
		text := strings.TrimRight(raw, "\n")
		text = strings.TrimSuffix(text, "\r")
		if len(text) < minLineBytes {
			if err != nil {
				return nil
			}
			continue
		}
		l, ok := parseLine(text)
		if ok {
			l.offset = lineStart
			if !fn(l) {
				return nil
			}
		}
		if err != nil {
			return nil
		}
	}
}

func parseLine(text string) (line, bool) {
	var l line
	hash, err := strconv.ParseUint(text[colHash:colHash+16], 16, 64)
	if err != nil {
		return l, false
	}
	id, err := ident.ParseUUID(text[colUUID : colUUID+36])
	if err != nil {
		return l, false
	}
	sig, err := ident.ParseHash(text[colSignature : colSignature+64])
	if err != nil {
		return l, false
	}
	l.hash = hash
	l.id = id
	l.sig = sig
	l.subPath = text[colPath:]
	return l, true
}

// Lookup resolves path to its stored (uuid, signature hash). A path with no
// entry yields the nil uuid and null hash without error.
func (m *Map) Lookup(path string) (ident.UUID, ident.Hash, error) {
	if m == nil {
		return ident.Nil, ident.ZeroHash, errors.New("importmap: nil map")
	}
	sub, err := m.subPath(path)
	if err != nil {
		return ident.Nil, ident.ZeroHash, err
	}
	want := ident.PathHash(sub)
	var id ident.UUID
	var sig ident.Hash
	scanErr := m.scan(func(l line) bool {
		// Hash narrows the scan; the stored path settles collisions.
		if l.hash != want || l.subPath != sub {
			return true
		}
		id = l.id
		sig = l.sig
		return false
	})
	if scanErr != nil {
		return ident.Nil, ident.ZeroHash, scanErr
	}
	return id, sig, nil
}

// ReverseLookup finds the stored path of id, absolute against the map's
// directory. Returns ok false when id has no entry.
func (m *Map) ReverseLookup(id ident.UUID) (string, bool, error) {
	if m == nil {
		return "", false, errors.New("importmap: nil map")
	}
	var found string
	var ok bool
	err := m.scan(func(l line) bool {
		if l.id != id {
			return true
		}
		found = l.subPath
		ok = true
		return false
	})
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	p := filepath.FromSlash(found)
	if !filepath.IsAbs(p) {
		p = filepath.Join(m.dir, p)
	}
	return p, true, nil
}

// Store records path → (id, sig). An existing line for path keeps its uuid
// and path columns and gets only its signature column rewritten in place;
// the stored uuid is returned either way. Paths containing CR or LF cannot
// be represented and are rejected.
func (m *Map) Store(path string, id ident.UUID, sig ident.Hash) (ident.UUID, error) {
	if m == nil {
		return ident.Nil, errors.New("importmap: nil map")
	}
	if !m.writable {
		return ident.Nil, errors.New("importmap: opened read-only")
	}
	if strings.ContainsAny(path, "\r\n") {
		return ident.Nil, fmt.Errorf("importmap: path %q contains line separators", path)
	}
	sub, err := m.subPath(path)
	if err != nil {
		return ident.Nil, err
	}
	want := ident.PathHash(sub)

	var existing *line
	if err := m.scan(func(l line) bool {
		if l.hash != want || l.subPath != sub {
			return true
		}
		cp := l
		existing = &cp
		return false
	}); err != nil {
		return ident.Nil, err
	}

	if existing != nil {
		f, err := os.OpenFile(m.path, os.O_RDWR, 0o644)
		if err != nil {
			return ident.Nil, err
		}
		defer f.Close()
		if _, err := f.WriteAt([]byte(sig.Hex()), existing.offset+colSignature); err != nil {
			return ident.Nil, err
		}
		return existing.id, nil
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return ident.Nil, err
	}
	f, err := os.OpenFile(m.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return ident.Nil, err
	}
	defer f.Close()
	// A single append keeps concurrent writers line-atomic.
	entry := fmt.Sprintf("%016x %s %s %s\n", want, id.String(), sig.Hex(), sub)
	if _, err := f.WriteString(entry); err != nil {
		return ident.Nil, err
	}
	return id, nil
}
