package source

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

// Record operators shared by the binary and text layouts.
const (
	opSet   = '='
	opBlob  = '#'
	opUnset = '-'
)

// maxValueBytes caps a single declared value length on read.
const maxValueBytes = 64 << 20

// ErrCorrupt marks a truncated or malformed source stream.
var ErrCorrupt = errors.New("source: corrupt stream")

// Write streams every change in log order. The binary and text layouts
// share field order and differ only in separators; text records are
// space-separated and LF-terminated with values length-prefixed so they
// may carry arbitrary bytes.
func (s *Source) Write(w io.Writer, binaryMode bool) error {
	bw := bufio.NewWriter(w)
	var failed error
	s.each(func(c *Change) {
		if failed != nil {
			return
		}
		if binaryMode {
			failed = writeBinaryChange(bw, c)
		} else {
			failed = writeTextChange(bw, c)
		}
	})
	if failed != nil {
		return failed
	}
	return bw.Flush()
}

func writeBinaryChange(w *bufio.Writer, c *Change) error {
	var hdr [25]byte
	binary.LittleEndian.PutUint64(hdr[0:8], uint64(c.Timestamp))
	binary.LittleEndian.PutUint64(hdr[8:16], c.Key)
	binary.LittleEndian.PutUint64(hdr[16:24], c.Platform)
	hdr[24] = opFor(c.Kind)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	switch c.Kind {
	case KindValue:
		var n [4]byte
		binary.LittleEndian.PutUint32(n[:], uint32(len(c.value)))
		if _, err := w.Write(n[:]); err != nil {
			return err
		}
		_, err := w.Write(c.value)
		return err
	case KindBlob:
		var b [16]byte
		binary.LittleEndian.PutUint64(b[0:8], c.Checksum)
		binary.LittleEndian.PutUint64(b[8:16], c.Size)
		_, err := w.Write(b[:])
		return err
	}
	return nil
}

func writeTextChange(w *bufio.Writer, c *Change) error {
	if _, err := fmt.Fprintf(w, "%d %d %d %c", c.Timestamp, c.Key, c.Platform, opFor(c.Kind)); err != nil {
		return err
	}
	switch c.Kind {
	case KindValue:
		if _, err := fmt.Fprintf(w, " %d ", len(c.value)); err != nil {
			return err
		}
		if _, err := w.Write(c.value); err != nil {
			return err
		}
	case KindBlob:
		if _, err := fmt.Fprintf(w, " %d %d", c.Checksum, c.Size); err != nil {
			return err
		}
	}
	return w.WriteByte('\n')
}

func opFor(k Kind) byte {
	switch k {
	case KindBlob:
		return opBlob
	case KindUnset:
		return opUnset
	default:
		return opSet
	}
}

// Read appends the stream's changes to s.
func (s *Source) Read(r io.Reader, binaryMode bool) error {
	br := bufio.NewReader(r)
	if binaryMode {
		return s.readBinary(br)
	}
	return s.readText(br)
}

func (s *Source) readBinary(r *bufio.Reader) error {
	var hdr [25]byte
	for {
		_, err := io.ReadFull(r, hdr[:])
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: record header: %v", ErrCorrupt, err)
		}
		ts := int64(binary.LittleEndian.Uint64(hdr[0:8]))
		key := binary.LittleEndian.Uint64(hdr[8:16])
		plat := binary.LittleEndian.Uint64(hdr[16:24])
		switch hdr[24] {
		case opSet:
			var nb [4]byte
			if _, err := io.ReadFull(r, nb[:]); err != nil {
				return fmt.Errorf("%w: value length: %v", ErrCorrupt, err)
			}
			n := binary.LittleEndian.Uint32(nb[:])
			if n > maxValueBytes {
				return fmt.Errorf("%w: value length %d", ErrCorrupt, n)
			}
			v := make([]byte, n)
			if _, err := io.ReadFull(r, v); err != nil {
				return fmt.Errorf("%w: value bytes: %v", ErrCorrupt, err)
			}
			s.Set(ts, key, plat, v)
		case opBlob:
			var b [16]byte
			if _, err := io.ReadFull(r, b[:]); err != nil {
				return fmt.Errorf("%w: blob fields: %v", ErrCorrupt, err)
			}
			s.SetBlob(ts, key, plat, binary.LittleEndian.Uint64(b[0:8]), binary.LittleEndian.Uint64(b[8:16]))
		case opUnset:
			s.Unset(ts, key, plat)
		default:
			return fmt.Errorf("%w: operator %#x", ErrCorrupt, hdr[24])
		}
	}
}

func (s *Source) readText(r *bufio.Reader) error {
	for {
		tsTok, err := readToken(r)
		if err == io.EOF && tsTok == "" {
			return nil
		}
		if err != nil && err != io.EOF {
			return err
		}
		ts, err := strconv.ParseInt(tsTok, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: timestamp %q", ErrCorrupt, tsTok)
		}
		key, err := readUintToken(r)
		if err != nil {
			return err
		}
		plat, err := readUintToken(r)
		if err != nil {
			return err
		}
		opTok, err := readToken(r)
		if err != nil && err != io.EOF {
			return err
		}
		if len(opTok) != 1 {
			return fmt.Errorf("%w: operator %q", ErrCorrupt, opTok)
		}
		switch opTok[0] {
		case opSet:
			n, err := readUintToken(r)
			if err != nil {
				return err
			}
			if n > maxValueBytes {
				return fmt.Errorf("%w: value length %d", ErrCorrupt, n)
			}
			v := make([]byte, n)
			if _, err := io.ReadFull(r, v); err != nil {
				return fmt.Errorf("%w: value bytes: %v", ErrCorrupt, err)
			}
			if lf, err := r.ReadByte(); err != nil || lf != '\n' {
				return fmt.Errorf("%w: missing record terminator", ErrCorrupt)
			}
			s.Set(ts, key, plat, v)
		case opBlob:
			checksum, err := readUintToken(r)
			if err != nil {
				return err
			}
			size, err := readUintToken(r)
			if err != nil {
				return err
			}
			s.SetBlob(ts, key, plat, checksum, size)
		case opUnset:
			s.Unset(ts, key, plat)
		default:
			return fmt.Errorf("%w: operator %q", ErrCorrupt, opTok)
		}
	}
}

// readToken reads bytes up to the next space or LF separator.
func readToken(r *bufio.Reader) (string, error) {
	var out []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF {
				return string(out), io.EOF
			}
			return "", err
		}
		if b == ' ' || b == '\n' {
			return string(out), nil
		}
		out = append(out, b)
	}
}

func readUintToken(r *bufio.Reader) (uint64, error) {
	tok, err := readToken(r)
	if err != nil && err != io.EOF {
		return 0, err
	}
	v, perr := strconv.ParseUint(tok, 10, 64)
	if perr != nil {
		return 0, fmt.Errorf("%w: field %q", ErrCorrupt, tok)
	}
	return v, nil
}

// WriteFile persists the source at path, creating parent directories and
// replacing the previous file atomically so a failed write leaves the old
// content intact.
func (s *Source) WriteFile(path string, binaryMode bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".source-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if err := s.Write(tmp, binaryMode); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// ReadFile loads a persisted source into s.
func (s *Source) ReadFile(path string, binaryMode bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return s.Read(f, binaryMode)
}
