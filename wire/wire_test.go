package wire

import (
	"bytes"
	"testing"

	"relic.dev/relic/ident"
)

func TestLookupRequestBytes(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, MsgLookup, []byte("foo/bar")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	want := append([]byte{0x01, 0, 0, 0, 0x07, 0, 0, 0}, []byte("foo/bar")...)
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("wire bytes:\n got %x\nwant %x", buf.Bytes(), want)
	}
}

func TestLookupReplyBytes(t *testing.T) {
	id, err := ident.ParseUUID("00112233-4455-6677-8899-aabbccddeeff")
	if err != nil {
		t.Fatalf("ParseUUID: %v", err)
	}
	h := ident.HashBytes([]byte("content"))

	var buf bytes.Buffer
	if err := WriteReply(&buf, MsgLookupResult, ResultOK, 0, EncodeLookupResult(id, h)); err != nil {
		t.Fatalf("WriteReply: %v", err)
	}
	raw := buf.Bytes()
	// Header id=2, size=48 (uuid+hash, excluding result and flags).
	wantPrefix := []byte{0x02, 0, 0, 0, 0x30, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(raw[:16], wantPrefix) {
		t.Fatalf("reply preamble: got %x want %x", raw[:16], wantPrefix)
	}
	if len(raw) != 16+48 {
		t.Fatalf("reply length: got %d want 64", len(raw))
	}
	if !bytes.Equal(raw[16:32], id[:]) {
		t.Fatalf("uuid bytes misplaced")
	}
	if !bytes.Equal(raw[32:64], h[:]) {
		t.Fatalf("hash bytes misplaced")
	}
}

func TestReplyRoundTrip(t *testing.T) {
	id := ident.NewUUID()
	h := ident.HashBytes([]byte("x"))
	var buf bytes.Buffer
	if err := WriteReply(&buf, MsgLookupResult, ResultOK, 7, EncodeLookupResult(id, h)); err != nil {
		t.Fatalf("WriteReply: %v", err)
	}

	hdr, err := ReadHeader(&buf)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if hdr.ID != MsgLookupResult || hdr.Size != 48 {
		t.Fatalf("header: %+v", hdr)
	}
	rep, err := ReadReplyRest(&buf, hdr)
	if err != nil {
		t.Fatalf("ReadReplyRest: %v", err)
	}
	if !rep.OK() || rep.Flags != 7 {
		t.Fatalf("reply: %+v", rep)
	}
	gotID, gotHash, err := DecodeLookupResult(rep.Body)
	if err != nil {
		t.Fatalf("DecodeLookupResult: %v", err)
	}
	if gotID != id || gotHash != h {
		t.Fatalf("decoded (%s, %s)", gotID, gotHash.Hex())
	}
}

func TestHeaderRejectsOversize(t *testing.T) {
	var raw [8]byte
	raw[0] = 1
	// size field > cap
	raw[4] = 0xff
	raw[5] = 0xff
	raw[6] = 0xff
	raw[7] = 0x7f
	if _, err := ReadHeader(bytes.NewReader(raw[:])); err == nil {
		t.Fatalf("expected desync error")
	}
}

func TestNodeRefAndNotifyRoundTrip(t *testing.T) {
	n := NodeRef{ID: ident.NewUUID(), Platform: 0x0102030405060708}
	got, err := DecodeNodeRef(EncodeNodeRef(n))
	if err != nil || got != n {
		t.Fatalf("node ref: %+v, %v", got, err)
	}

	notif := Notify{ID: ident.NewUUID(), Platform: 9, Token: 77}
	payload := EncodeNotify(notif)
	if len(payload) != 32 {
		t.Fatalf("notify payload length: got %d", len(payload))
	}
	back, err := DecodeNotify(payload)
	if err != nil || back != notif {
		t.Fatalf("notify: %+v, %v", back, err)
	}

	if _, err := DecodeNodeRef([]byte{1, 2}); err == nil {
		t.Fatalf("expected short-buffer error")
	}
}

func TestDependenciesResultRoundTrip(t *testing.T) {
	deps := []NodeRef{
		{ID: ident.NewUUID(), Platform: 1},
		{ID: ident.NewUUID(), Platform: 0},
	}
	got, err := DecodeDependenciesResult(EncodeDependenciesResult(deps))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0] != deps[0] || got[1] != deps[1] {
		t.Fatalf("round trip: %+v", got)
	}

	empty, err := DecodeDependenciesResult(EncodeDependenciesResult(nil))
	if err != nil || len(empty) != 0 {
		t.Fatalf("empty list: %+v, %v", empty, err)
	}

	// Count larger than the buffer can hold is a desync.
	bad := EncodeDependenciesResult(deps)
	bad[0] = 0xff
	if _, err := DecodeDependenciesResult(bad); err == nil {
		t.Fatalf("expected desync for inflated count")
	}
}

func TestReadBlobRoundTrip(t *testing.T) {
	n := NodeRef{ID: ident.NewUUID(), Platform: 3}
	gotN, key, err := DecodeReadBlob(EncodeReadBlob(n, 0xabc))
	if err != nil || gotN != n || key != 0xabc {
		t.Fatalf("request: %+v %d %v", gotN, key, err)
	}

	payload := []byte("blob bytes")
	checksum, body, err := DecodeReadBlobResult(EncodeReadBlobResult(0xfeed, payload))
	if err != nil || checksum != 0xfeed || !bytes.Equal(body, payload) {
		t.Fatalf("result: %x %q %v", checksum, body, err)
	}

	short := EncodeReadBlobResult(0xfeed, payload)
	if _, _, err := DecodeReadBlobResult(short[:len(short)-1]); err == nil {
		t.Fatalf("expected size mismatch error")
	}
}

func TestSetRoundTrip(t *testing.T) {
	n := NodeRef{ID: ident.NewUUID(), Platform: 5}
	gotN, key, value, err := DecodeSet(EncodeSet(n, 11, []byte("v")))
	if err != nil || gotN != n || key != 11 || string(value) != "v" {
		t.Fatalf("set: %+v %d %q %v", gotN, key, value, err)
	}
}

func TestReadResultRoundTrip(t *testing.T) {
	res := ReadResult{
		Hash: ident.HashBytes([]byte("src")),
		Changes: []Change{
			{Timestamp: 1, Key: 10, Platform: 0, Flags: ChangeValue, Value: []byte("hello")},
			{Timestamp: 2, Key: 11, Platform: 3, Flags: ChangeBlob, Checksum: 0xbeef, Size: 99},
			{Timestamp: 3, Key: 12, Platform: 0, Flags: ChangeUnset},
			{Timestamp: 4, Key: 13, Platform: 0, Flags: ChangeValue, Value: []byte("world!")},
		},
	}
	body := EncodeReadResult(res)
	got, err := DecodeReadResult(body)
	if err != nil {
		t.Fatalf("DecodeReadResult: %v", err)
	}
	if got.Hash != res.Hash || len(got.Changes) != len(res.Changes) {
		t.Fatalf("shape mismatch: %+v", got)
	}
	for i, c := range got.Changes {
		want := res.Changes[i]
		if c.Timestamp != want.Timestamp || c.Key != want.Key || c.Platform != want.Platform || c.Flags != want.Flags {
			t.Fatalf("change %d: %+v", i, c)
		}
		switch want.Flags {
		case ChangeValue:
			if !bytes.Equal(c.Value, want.Value) {
				t.Fatalf("change %d value: %q", i, c.Value)
			}
		case ChangeBlob:
			if c.Checksum != want.Checksum || c.Size != want.Size {
				t.Fatalf("change %d blob: %+v", i, c)
			}
		}
	}

	// A change struct is exactly 48 bytes on the wire.
	if len(body) != 36+4*48+len("hello")+len("world!") {
		t.Fatalf("body length: got %d", len(body))
	}

	if _, err := DecodeReadResult(body[:20]); err == nil {
		t.Fatalf("expected error for truncated body")
	}
	// Inflate the declared count past the buffer.
	bad := append([]byte(nil), body...)
	bad[32] = 0xff
	if _, err := DecodeReadResult(bad); err == nil {
		t.Fatalf("expected desync for inflated change count")
	}
}

func TestOpenResultRoundTrip(t *testing.T) {
	size, err := DecodeOpenResult(EncodeOpenResult(123456))
	if err != nil || size != 123456 {
		t.Fatalf("open result: %d, %v", size, err)
	}
	if _, err := DecodeOpenResult(nil); err == nil {
		t.Fatalf("expected error for empty body")
	}
}

func TestReplyClassification(t *testing.T) {
	for _, id := range []uint32{MsgLookupResult, MsgReadResult, MsgDeleteResult} {
		if !IsSourcedReply(id) {
			t.Fatalf("id %d must classify as reply", id)
		}
	}
	for _, id := range []uint32{MsgLookup, MsgRead, MsgNotifyModify} {
		if IsSourcedReply(id) {
			t.Fatalf("id %d must not classify as reply", id)
		}
	}
	for _, id := range []uint32{MsgNotifyCreate, MsgNotifyModify, MsgNotifyDepends, MsgNotifyDelete} {
		if !IsNotify(id) {
			t.Fatalf("id %d must classify as notify", id)
		}
	}
	if !IsCompiledReply(MsgOpenStaticResult) || IsCompiledReply(MsgOpenStatic) {
		t.Fatalf("compiled reply classification broken")
	}
}
