package wire

import (
	"encoding/binary"
	"fmt"

	"relic.dev/relic/ident"
)

// Sourced protocol message ids. The enumeration is stable wire contract;
// never reorder.
const (
	MsgLookup             uint32 = 1
	MsgLookupResult       uint32 = 2
	MsgReverseLookup      uint32 = 3
	MsgReverseLookupRes   uint32 = 4
	MsgImport             uint32 = 5
	MsgImportResult       uint32 = 6
	MsgRead               uint32 = 7
	MsgReadResult         uint32 = 8
	MsgHash               uint32 = 9
	MsgHashResult         uint32 = 10
	MsgDependencies       uint32 = 11
	MsgDependenciesResult uint32 = 12
	MsgReadBlob           uint32 = 13
	MsgReadBlobResult     uint32 = 14
	MsgSet                uint32 = 15
	MsgSetResult          uint32 = 16
	MsgUnset              uint32 = 17
	MsgUnsetResult        uint32 = 18
	MsgDelete             uint32 = 19
	MsgDeleteResult       uint32 = 20
	MsgNotifyCreate       uint32 = 21
	MsgNotifyModify       uint32 = 22
	MsgNotifyDepends      uint32 = 23
	MsgNotifyDelete       uint32 = 24
)

// IsSourcedReply reports whether id carries the extended reply preamble.
func IsSourcedReply(id uint32) bool {
	return id >= MsgLookupResult && id <= MsgDeleteResult && id%2 == 0
}

// IsNotify reports whether id is a notification in either protocol.
func IsNotify(id uint32) bool {
	return id >= MsgNotifyCreate && id <= MsgNotifyDelete
}

// Wire change flags.
const (
	ChangeValue uint32 = 0
	ChangeBlob  uint32 = 1
	ChangeUnset uint32 = 2
)

// wireChangeSize is the fixed on-wire change struct:
// ts i64 | key u64 | platform u64 | flags u32 | pad u32 | union 16.
const wireChangeSize = 48

// Change is the wire form of one source change.
type Change struct {
	Timestamp int64
	Key       uint64
	Platform  uint64
	Flags     uint32
	// ChangeValue payload.
	Value []byte
	// ChangeBlob payload.
	Checksum uint64
	Size     uint64
}

// ReadResult is the decoded READ reply.
type ReadResult struct {
	Hash    ident.Hash
	Changes []Change
}

// NodeRef addresses a (uuid, platform) pair on the wire.
type NodeRef struct {
	ID       ident.UUID
	Platform uint64
}

// Notify is the shared body of every notification message.
type Notify struct {
	ID       ident.UUID
	Platform uint64
	Token    uint64
}

// EncodeUUID is the {uuid} request body shared by READ, REVERSE_LOOKUP and
// DELETE.
func EncodeUUID(id ident.UUID) []byte {
	return appendUUID(nil, id)
}

// DecodeUUID is the inverse of EncodeUUID.
func DecodeUUID(b []byte) (ident.UUID, error) {
	r := &reader{b: b}
	id := r.uuid()
	if r.err != nil {
		return ident.Nil, r.err
	}
	return id, nil
}

// EncodeNodeRef is the {uuid, platform} body shared by HASH, DEPENDENCIES
// and the compiled OPEN requests.
func EncodeNodeRef(n NodeRef) []byte {
	return appendU64(appendUUID(nil, n.ID), n.Platform)
}

// DecodeNodeRef is the inverse of EncodeNodeRef.
func DecodeNodeRef(b []byte) (NodeRef, error) {
	r := &reader{b: b}
	n := NodeRef{ID: r.uuid(), Platform: r.u64()}
	if r.err != nil {
		return NodeRef{}, r.err
	}
	return n, nil
}

// EncodeLookupResult builds the LOOKUP reply body {uuid, hash}.
func EncodeLookupResult(id ident.UUID, h ident.Hash) []byte {
	return append(appendUUID(nil, id), h[:]...)
}

// DecodeLookupResult is the inverse of EncodeLookupResult.
func DecodeLookupResult(b []byte) (ident.UUID, ident.Hash, error) {
	r := &reader{b: b}
	id := r.uuid()
	h := r.hash()
	if r.err != nil {
		return ident.Nil, ident.ZeroHash, r.err
	}
	return id, h, nil
}

// EncodeHashResult builds the HASH reply body.
func EncodeHashResult(h ident.Hash) []byte {
	return append([]byte(nil), h[:]...)
}

// DecodeHashResult is the inverse of EncodeHashResult.
func DecodeHashResult(b []byte) (ident.Hash, error) {
	r := &reader{b: b}
	h := r.hash()
	if r.err != nil {
		return ident.ZeroHash, r.err
	}
	return h, nil
}

// EncodeDependenciesResult builds the DEPENDENCIES reply body
// {count u64, count * {uuid, platform}}.
func EncodeDependenciesResult(deps []NodeRef) []byte {
	out := appendU64(nil, uint64(len(deps)))
	for _, d := range deps {
		out = appendU64(appendUUID(out, d.ID), d.Platform)
	}
	return out
}

// DecodeDependenciesResult is the inverse of EncodeDependenciesResult.
func DecodeDependenciesResult(b []byte) ([]NodeRef, error) {
	r := &reader{b: b}
	count := r.u64()
	if r.err != nil {
		return nil, r.err
	}
	if count > uint64(len(b))/24 {
		return nil, fmt.Errorf("%w: dependency count %d", ErrDesync, count)
	}
	out := make([]NodeRef, 0, count)
	for i := uint64(0); i < count; i++ {
		out = append(out, NodeRef{ID: r.uuid(), Platform: r.u64()})
	}
	if r.err != nil {
		return nil, r.err
	}
	return out, nil
}

// EncodeReadBlob builds the READ_BLOB request body {uuid, platform, key}.
func EncodeReadBlob(n NodeRef, key uint64) []byte {
	return appendU64(EncodeNodeRef(n), key)
}

// DecodeReadBlob is the inverse of EncodeReadBlob.
func DecodeReadBlob(b []byte) (NodeRef, uint64, error) {
	r := &reader{b: b}
	n := NodeRef{ID: r.uuid(), Platform: r.u64()}
	key := r.u64()
	if r.err != nil {
		return NodeRef{}, 0, r.err
	}
	return n, key, nil
}

// EncodeReadBlobResult builds the READ_BLOB reply body
// {checksum, size, bytes}.
func EncodeReadBlobResult(checksum uint64, payload []byte) []byte {
	out := appendU64(nil, checksum)
	out = appendU64(out, uint64(len(payload)))
	return append(out, payload...)
}

// DecodeReadBlobResult is the inverse of EncodeReadBlobResult.
func DecodeReadBlobResult(b []byte) (uint64, []byte, error) {
	r := &reader{b: b}
	checksum := r.u64()
	size := r.u64()
	payload := r.rest()
	if r.err != nil {
		return 0, nil, r.err
	}
	if uint64(len(payload)) != size {
		return 0, nil, fmt.Errorf("%w: blob size %d, have %d bytes", ErrDesync, size, len(payload))
	}
	return checksum, payload, nil
}

// EncodeSet builds the SET request body {uuid, platform, key, value…}.
func EncodeSet(n NodeRef, key uint64, value []byte) []byte {
	return append(EncodeReadBlob(n, key), value...)
}

// DecodeSet is the inverse of EncodeSet.
func DecodeSet(b []byte) (NodeRef, uint64, []byte, error) {
	r := &reader{b: b}
	n := NodeRef{ID: r.uuid(), Platform: r.u64()}
	key := r.u64()
	value := r.rest()
	if r.err != nil {
		return NodeRef{}, 0, nil, r.err
	}
	return n, key, value, nil
}

// EncodeNotify builds a notification payload {uuid, platform, token}.
func EncodeNotify(n Notify) []byte {
	return appendU64(appendU64(appendUUID(nil, n.ID), n.Platform), n.Token)
}

// DecodeNotify is the inverse of EncodeNotify.
func DecodeNotify(b []byte) (Notify, error) {
	r := &reader{b: b}
	n := Notify{ID: r.uuid(), Platform: r.u64(), Token: r.u64()}
	if r.err != nil {
		return Notify{}, r.err
	}
	return n, nil
}

// readResultFixed is hash(32) + change_count(4).
const readResultFixed = 36

// EncodeReadResult builds the READ reply body. String offsets are measured
// from the start of the reply payload, which begins at the result word,
// 8 bytes before the body.
func EncodeReadResult(res ReadResult) []byte {
	var valueBytes int
	for _, c := range res.Changes {
		if c.Flags == ChangeValue {
			valueBytes += len(c.Value)
		}
	}
	body := make([]byte, readResultFixed+wireChangeSize*len(res.Changes), readResultFixed+wireChangeSize*len(res.Changes)+valueBytes)
	copy(body[0:32], res.Hash[:])
	binary.LittleEndian.PutUint32(body[32:36], uint32(len(res.Changes)))

	// Offsets count from the result word of the reply payload.
	payloadBase := uint64(8 + readResultFixed + wireChangeSize*len(res.Changes))
	cursor := payloadBase
	for i, c := range res.Changes {
		off := readResultFixed + i*wireChangeSize
		binary.LittleEndian.PutUint64(body[off:off+8], uint64(c.Timestamp))
		binary.LittleEndian.PutUint64(body[off+8:off+16], c.Key)
		binary.LittleEndian.PutUint64(body[off+16:off+24], c.Platform)
		binary.LittleEndian.PutUint32(body[off+24:off+28], c.Flags)
		// off+28..off+32 is pad, already zero.
		switch c.Flags {
		case ChangeBlob:
			binary.LittleEndian.PutUint64(body[off+32:off+40], c.Checksum)
			binary.LittleEndian.PutUint64(body[off+40:off+48], c.Size)
		case ChangeValue:
			binary.LittleEndian.PutUint64(body[off+32:off+40], cursor)
			binary.LittleEndian.PutUint64(body[off+40:off+48], uint64(len(c.Value)))
			cursor += uint64(len(c.Value))
		}
	}
	for _, c := range res.Changes {
		if c.Flags == ChangeValue {
			body = append(body, c.Value...)
		}
	}
	return body
}

// DecodeReadResult is the inverse of EncodeReadResult.
func DecodeReadResult(b []byte) (ReadResult, error) {
	var res ReadResult
	if len(b) < readResultFixed {
		return res, fmt.Errorf("%w: short read result", ErrDesync)
	}
	copy(res.Hash[:], b[0:32])
	count := binary.LittleEndian.Uint32(b[32:36])
	if uint64(count) > uint64(len(b)-readResultFixed)/wireChangeSize {
		return res, fmt.Errorf("%w: change count %d", ErrDesync, count)
	}
	res.Changes = make([]Change, count)
	for i := range res.Changes {
		off := readResultFixed + i*wireChangeSize
		c := &res.Changes[i]
		c.Timestamp = int64(binary.LittleEndian.Uint64(b[off : off+8]))
		c.Key = binary.LittleEndian.Uint64(b[off+8 : off+16])
		c.Platform = binary.LittleEndian.Uint64(b[off+16 : off+24])
		c.Flags = binary.LittleEndian.Uint32(b[off+24 : off+28])
		switch c.Flags {
		case ChangeBlob:
			c.Checksum = binary.LittleEndian.Uint64(b[off+32 : off+40])
			c.Size = binary.LittleEndian.Uint64(b[off+40 : off+48])
		case ChangeValue:
			strOff := binary.LittleEndian.Uint64(b[off+32 : off+40])
			strLen := binary.LittleEndian.Uint64(b[off+40 : off+48])
			// Offsets count from the result word, 8 bytes before b.
			if strOff < 8 || strOff-8+strLen > uint64(len(b)) {
				return res, fmt.Errorf("%w: value span %d+%d", ErrDesync, strOff, strLen)
			}
			c.Value = b[strOff-8 : strOff-8+strLen]
		case ChangeUnset:
			// no payload
		default:
			return res, fmt.Errorf("%w: change flags %#x", ErrDesync, c.Flags)
		}
	}
	return res, nil
}
