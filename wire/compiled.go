package wire

import "encoding/binary"

// Compiled protocol message ids. Notifications share the sourced ids so
// both protocols route them identically.
const (
	MsgOpenStatic        uint32 = 1
	MsgOpenStaticResult  uint32 = 2
	MsgOpenDynamic       uint32 = 3
	MsgOpenDynamicResult uint32 = 4
)

// IsCompiledReply reports whether id carries the extended reply preamble
// in the compiled protocol.
func IsCompiledReply(id uint32) bool {
	return id == MsgOpenStaticResult || id == MsgOpenDynamicResult
}

// EncodeOpenResult builds an OPEN reply body {stream_size u64}. A
// successful reply is followed on the same connection by exactly
// stream_size bytes of artifact content.
func EncodeOpenResult(streamSize uint64) []byte {
	var out [8]byte
	binary.LittleEndian.PutUint64(out[:], streamSize)
	return out[:]
}

// DecodeOpenResult is the inverse of EncodeOpenResult.
func DecodeOpenResult(b []byte) (uint64, error) {
	r := &reader{b: b}
	size := r.u64()
	if r.err != nil {
		return 0, r.err
	}
	return size, nil
}
