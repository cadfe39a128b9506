package server

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"relic.dev/relic/cache"
	"relic.dev/relic/event"
	"relic.dev/relic/ident"
	"relic.dev/relic/pipeline"
	"relic.dev/relic/platform"
	"relic.dev/relic/remote"
	"relic.dev/relic/wire"
)

func startServer(t *testing.T) (*pipeline.Module, *Server) {
	t.Helper()
	base := t.TempDir()
	cfg := pipeline.Config{
		LocalPaths:   []string{filepath.Join(base, "cache")},
		SourcePath:   filepath.Join(base, "sources"),
		BasePath:     filepath.Join(base, "assets"),
		BindSourced:  "127.0.0.1:0",
		BindCompiled: "127.0.0.1:0",
	}
	if err := os.MkdirAll(cfg.BasePath, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	m, err := pipeline.New(cfg, nil)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	s := New(m, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		s.Stop()
		_ = m.Close()
	})
	return m, s
}

func importAsset(t *testing.T, m *pipeline.Module, name, content string) ident.UUID {
	t.Helper()
	path := filepath.Join(m.Config().BasePath, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	id, _, err := m.Import(path)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	return id
}

func TestSourcedEndToEnd(t *testing.T) {
	m, s := startServer(t)
	id := importAsset(t, m, "ship.obj", "ship-geometry")
	asset := filepath.Join(m.Config().BasePath, "ship.obj")

	c := remote.DialSourced([]string{s.SourcedAddr()}, nil, nil)
	t.Cleanup(c.Close)

	gotID, sig, err := c.Lookup(asset)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if gotID != id || sig != ident.HashBytes([]byte("ship-geometry")) {
		t.Fatalf("Lookup: (%s, %s)", gotID, sig.Hex())
	}

	if _, _, err := c.Lookup(filepath.Join(m.Config().BasePath, "absent.obj")); err != remote.ErrNotFound {
		t.Fatalf("missing lookup: got %v", err)
	}

	path, err := c.ReverseLookup(id)
	if err != nil || path != asset {
		t.Fatalf("ReverseLookup: %q, %v", path, err)
	}

	res, err := c.Read(id)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if res.Hash != sig {
		t.Fatalf("Read hash: %s", res.Hash.Hex())
	}
	foundType := false
	for _, ch := range res.Changes {
		if ch.Key == ident.KeyHash("resource_type") && string(ch.Value) == "raw" {
			foundType = true
		}
	}
	if !foundType {
		t.Fatalf("resource_type change missing from read: %+v", res.Changes)
	}

	h, err := c.Hash(id, platform.Any)
	if err != nil || h != sig {
		t.Fatalf("Hash: %s, %v", h.Hex(), err)
	}

	deps, err := c.Dependencies(id, platform.Any)
	if err != nil || len(deps) != 0 {
		t.Fatalf("Dependencies: %+v, %v", deps, err)
	}

	checksum, blob, err := c.ReadBlob(id, platform.Any, ident.KeyHash("content"))
	if err != nil {
		t.Fatalf("ReadBlob: %v", err)
	}
	if string(blob) != "ship-geometry" || checksum != ident.Checksum(blob) {
		t.Fatalf("ReadBlob: %q", blob)
	}
}

func TestSourcedSetUnsetDelete(t *testing.T) {
	m, s := startServer(t)
	id := importAsset(t, m, "a.bin", "content")

	c := remote.DialSourced([]string{s.SourcedAddr()}, nil, nil)
	t.Cleanup(c.Close)

	key := ident.KeyHash("note")
	if err := c.Set(id, platform.Any, key, []byte("hello")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	src, err := m.Read(id)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if ch := src.Get(key, platform.Any); ch == nil || string(ch.Value()) != "hello" {
		t.Fatalf("value not stored: %v", ch)
	}

	if err := c.Unset(id, platform.Any, key); err != nil {
		t.Fatalf("Unset: %v", err)
	}
	src, _ = m.Read(id)
	if ch := src.Get(key, platform.Any); ch != nil {
		t.Fatalf("value survived unset")
	}

	if err := c.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Read(id); !errors.Is(err, pipeline.ErrNotFound) {
		t.Fatalf("source survived delete: %v", err)
	}
	if err := c.Delete(id); err != remote.ErrNotFound {
		t.Fatalf("second delete: got %v", err)
	}
}

func TestImportOverWire(t *testing.T) {
	m, s := startServer(t)
	path := filepath.Join(m.Config().BasePath, "wire.bin")
	if err := os.WriteFile(path, []byte("wire-content"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c := remote.DialSourced([]string{s.SourcedAddr()}, nil, nil)
	t.Cleanup(c.Close)

	id, h, err := c.Import(path)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if id == ident.Nil || h != ident.HashBytes([]byte("wire-content")) {
		t.Fatalf("Import: (%s, %s)", id, h.Hex())
	}
	if _, err := m.Read(id); err != nil {
		t.Fatalf("imported source unreadable: %v", err)
	}
}

func TestCompiledEndToEnd(t *testing.T) {
	m, s := startServer(t)
	id := importAsset(t, m, "tex.png", "pixels")

	c := remote.DialCompiled([]string{s.CompiledAddr()}, nil, nil)
	t.Cleanup(c.Close)

	st, err := c.OpenStatic(id, platform.Any)
	if err != nil {
		t.Fatalf("OpenStatic: %v", err)
	}
	raw, err := io.ReadAll(st)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	hdr, err := cache.ReadHeader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("artifact header: %v", err)
	}
	if hdr.Type != ident.KeyHash("raw") {
		t.Fatalf("artifact type: %#x", hdr.Type)
	}
	if string(raw[cache.HeaderSize:]) != "pixels" {
		t.Fatalf("artifact body: %q", raw[cache.HeaderSize:])
	}

	if _, err := c.OpenStatic(ident.NewUUID(), platform.Any); err != remote.ErrNotFound {
		t.Fatalf("missing artifact: got %v", err)
	}

	// The connection still serves requests after a miss.
	st, err = c.OpenStatic(id, platform.Any)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = st.Close()
}

func TestNotificationsBroadcast(t *testing.T) {
	m, s := startServer(t)
	id := importAsset(t, m, "n.bin", "v1")

	notifs := make(chan wire.Notify, 8)
	c := remote.DialSourced([]string{s.SourcedAddr()}, func(msgID uint32, n wire.Notify) {
		if msgID == wire.MsgNotifyModify {
			notifs <- n
		}
	}, nil)
	t.Cleanup(c.Close)

	// Round-trip once so the connection is established before the event.
	if _, err := c.Hash(id, platform.Any); err != nil {
		t.Fatalf("Hash: %v", err)
	}

	if err := m.Set(id, platform.Any, ident.KeyHash("k"), []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	select {
	case n := <-notifs:
		if n.ID != id {
			t.Fatalf("notification id: %s", n.ID)
		}
		if n.Token == 0 {
			t.Fatalf("notification token missing")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("modify notification not broadcast")
	}
}

func TestDesyncDropsOnlyThatClient(t *testing.T) {
	m, s := startServer(t)
	id := importAsset(t, m, "d.bin", "x")

	// A raw connection speaking garbage.
	conn, err := net.Dial("tcp", s.SourcedAddr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := wire.WriteMessage(conn, 9999, []byte("junk")); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Server drops the connection: the next read sees EOF.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatalf("expected the server to drop the desynced client")
	}

	// A well-behaved client is unaffected.
	c := remote.DialSourced([]string{s.SourcedAddr()}, nil, nil)
	t.Cleanup(c.Close)
	if _, err := c.Hash(id, platform.Any); err != nil {
		t.Fatalf("healthy client failed: %v", err)
	}
}

func TestEventStreamOrderPreserved(t *testing.T) {
	m, s := startServer(t)
	_ = s
	id := importAsset(t, m, "o.bin", "x")

	var mu sync.Mutex
	var events []event.Event
	m.Events().Subscribe(func(ev event.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	for i := 0; i < 3; i++ {
		if err := m.Set(id, platform.Any, ident.KeyHash("k"), []byte{byte(i)}); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(events) != 3 {
		t.Fatalf("want 3 events, got %d", len(events))
	}
	var lastToken uint64
	for _, ev := range events {
		if ev.Token <= lastToken {
			t.Fatalf("tokens not increasing: %+v", events)
		}
		lastToken = ev.Token
	}
}
