// Package wire defines the framing and message codecs of the sourced and
// compiled protocols. Every message starts with an 8-byte little-endian
// header {id u32, size u32}. Requests and notifications count their whole
// payload in size; replies carry an extended preamble {id, size, result,
// flags} where size counts only the bytes following flags.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"relic.dev/relic/ident"
)

// HeaderSize is the fixed message header length.
const HeaderSize = 8

// Result codes carried by every reply.
const (
	ResultOK     uint32 = 0
	ResultFailed uint32 = 1
)

// MaxPayloadBytes caps a declared payload length; anything larger is a
// protocol desync.
const MaxPayloadBytes = 64 << 20

// ErrDesync marks a framing violation: unknown id, oversized or short
// payload. The connection carrying it cannot be trusted further.
var ErrDesync = errors.New("wire: protocol desync")

// Header is the leading frame of every message.
type Header struct {
	ID   uint32
	Size uint32
}

// ReadHeader reads one message header.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}
	h := Header{
		ID:   binary.LittleEndian.Uint32(buf[0:4]),
		Size: binary.LittleEndian.Uint32(buf[4:8]),
	}
	if h.Size > MaxPayloadBytes {
		return Header{}, fmt.Errorf("%w: payload %d exceeds cap", ErrDesync, h.Size)
	}
	return h, nil
}

// ReadPayload reads exactly h.Size payload bytes.
func ReadPayload(r io.Reader, h Header) ([]byte, error) {
	if h.Size == 0 {
		return nil, nil
	}
	b := make([]byte, h.Size)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("%w: truncated payload: %v", ErrDesync, err)
	}
	return b, nil
}

// WriteMessage frames a request or notification.
func WriteMessage(w io.Writer, id uint32, payload []byte) error {
	if uint64(len(payload)) > MaxPayloadBytes {
		return fmt.Errorf("%w: payload %d exceeds cap", ErrDesync, len(payload))
	}
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], id)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// WriteReply frames a reply: header, result, flags, body. size counts only
// body.
func WriteReply(w io.Writer, id, result, flags uint32, body []byte) error {
	if uint64(len(body)) > MaxPayloadBytes {
		return fmt.Errorf("%w: body %d exceeds cap", ErrDesync, len(body))
	}
	var hdr [16]byte
	binary.LittleEndian.PutUint32(hdr[0:4], id)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(body)))
	binary.LittleEndian.PutUint32(hdr[8:12], result)
	binary.LittleEndian.PutUint32(hdr[12:16], flags)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	_, err := w.Write(body)
	return err
}

// Reply is a decoded reply frame.
type Reply struct {
	ID     uint32
	Result uint32
	Flags  uint32
	Body   []byte
}

// ReadReplyRest completes a reply whose header was already read: the
// result and flags words, then h.Size body bytes.
func ReadReplyRest(r io.Reader, h Header) (Reply, error) {
	var rf [8]byte
	if _, err := io.ReadFull(r, rf[:]); err != nil {
		return Reply{}, fmt.Errorf("%w: truncated reply: %v", ErrDesync, err)
	}
	body, err := ReadPayload(r, h)
	if err != nil {
		return Reply{}, err
	}
	return Reply{
		ID:     h.ID,
		Result: binary.LittleEndian.Uint32(rf[0:4]),
		Flags:  binary.LittleEndian.Uint32(rf[4:8]),
		Body:   body,
	}, nil
}

// OK reports a successful reply.
func (r Reply) OK() bool { return r.Result == ResultOK }

func appendUUID(b []byte, id ident.UUID) []byte {
	return append(b, id[:]...)
}

func appendU64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) fail(what string) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: short %s", ErrDesync, what)
	}
}

func (r *reader) uuid() (out ident.UUID) {
	if r.err != nil {
		return
	}
	if r.off+16 > len(r.b) {
		r.fail("uuid")
		return
	}
	copy(out[:], r.b[r.off:r.off+16])
	r.off += 16
	return
}

func (r *reader) u64() uint64 {
	if r.err != nil {
		return 0
	}
	if r.off+8 > len(r.b) {
		r.fail("u64")
		return 0
	}
	v := binary.LittleEndian.Uint64(r.b[r.off : r.off+8])
	r.off += 8
	return v
}

func (r *reader) u32() uint32 {
	if r.err != nil {
		return 0
	}
	if r.off+4 > len(r.b) {
		r.fail("u32")
		return 0
	}
	v := binary.LittleEndian.Uint32(r.b[r.off : r.off+4])
	r.off += 4
	return v
}

func (r *reader) hash() (out ident.Hash) {
	if r.err != nil {
		return
	}
	if r.off+32 > len(r.b) {
		r.fail("hash")
		return
	}
	copy(out[:], r.b[r.off:r.off+32])
	r.off += 32
	return
}

func (r *reader) rest() []byte {
	if r.err != nil {
		return nil
	}
	out := r.b[r.off:]
	r.off = len(r.b)
	return out
}
