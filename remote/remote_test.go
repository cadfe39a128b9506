package remote

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"relic.dev/relic/ident"
	"relic.dev/relic/wire"
)

// fakeServer accepts sourced or compiled connections and hands each to fn.
type fakeServer struct {
	ln net.Listener
	wg sync.WaitGroup
}

func newFakeServer(t *testing.T, fn func(conn net.Conn)) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeServer{ln: ln}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer conn.Close()
				fn(conn)
			}()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		s.wg.Wait()
	})
	return s
}

func (s *fakeServer) addr() string { return s.ln.Addr().String() }

// readRequest returns the zero header when the client hung up.
func readRequest(t *testing.T, br *bufio.Reader) (wire.Header, []byte) {
	t.Helper()
	hdr, err := wire.ReadHeader(br)
	if err != nil {
		return wire.Header{}, nil
	}
	payload, err := wire.ReadPayload(br, hdr)
	if err != nil {
		return wire.Header{}, nil
	}
	return hdr, payload
}

func TestSourcedLookupRoundTrip(t *testing.T) {
	id := ident.NewUUID()
	h := ident.HashBytes([]byte("sig"))

	srv := newFakeServer(t, func(conn net.Conn) {
		br := bufio.NewReader(conn)
		for {
			hdr, payload := readRequest(t, br)
			if hdr.ID == 0 {
				return
			}
			if hdr.ID != wire.MsgLookup || string(payload) != "art/ship.png" {
				t.Errorf("unexpected request: id=%d payload=%q", hdr.ID, payload)
				return
			}
			_ = wire.WriteReply(conn, wire.MsgLookupResult, wire.ResultOK, 0, wire.EncodeLookupResult(id, h))
		}
	})

	c := DialSourced([]string{srv.addr()}, nil, nil)
	t.Cleanup(c.Close)

	gotID, gotHash, err := c.Lookup("art/ship.png")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if gotID != id || gotHash != h {
		t.Fatalf("Lookup: got (%s, %s)", gotID, gotHash.Hex())
	}
}

func TestSourcedFailedReplyIsNotFound(t *testing.T) {
	srv := newFakeServer(t, func(conn net.Conn) {
		br := bufio.NewReader(conn)
		for {
			hdr, _ := readRequest(t, br)
			if hdr.ID == 0 {
				return
			}
			_ = wire.WriteReply(conn, hdr.ID+1, wire.ResultFailed, 0, nil)
		}
	})
	c := DialSourced([]string{srv.addr()}, nil, nil)
	t.Cleanup(c.Close)

	if _, _, err := c.Lookup("missing"); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if _, err := c.Read(ident.NewUUID()); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestNotificationsBypassCorrelation(t *testing.T) {
	id := ident.NewUUID()
	srv := newFakeServer(t, func(conn net.Conn) {
		br := bufio.NewReader(conn)
		hdr, _ := readRequest(t, br)
		if hdr.ID == 0 {
			return
		}
		// A notification lands before the reply; the client must route it
		// aside and still correlate the reply.
		_ = wire.WriteMessage(conn, wire.MsgNotifyModify, wire.EncodeNotify(wire.Notify{ID: id, Platform: 2, Token: 5}))
		_ = wire.WriteReply(conn, wire.MsgHashResult, wire.ResultOK, 0, wire.EncodeHashResult(ident.HashBytes([]byte("h"))))
	})

	notifs := make(chan wire.Notify, 1)
	c := DialSourced([]string{srv.addr()}, func(msgID uint32, n wire.Notify) {
		if msgID == wire.MsgNotifyModify {
			notifs <- n
		}
	}, nil)
	t.Cleanup(c.Close)

	if _, err := c.Hash(ident.NewUUID(), 0); err != nil {
		t.Fatalf("Hash: %v", err)
	}
	select {
	case n := <-notifs:
		if n.ID != id || n.Platform != 2 || n.Token != 5 {
			t.Fatalf("notification: %+v", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("notification not delivered")
	}
}

func TestReissueAfterDisconnect(t *testing.T) {
	var mu sync.Mutex
	accepts := 0
	srv := newFakeServer(t, func(conn net.Conn) {
		mu.Lock()
		accepts++
		n := accepts
		mu.Unlock()
		br := bufio.NewReader(conn)
		hdr, payload := readRequest(t, br)
		if hdr.ID == 0 {
			return
		}
		if n == 1 {
			// Drop the connection with the request in flight.
			return
		}
		_ = wire.WriteReply(conn, hdr.ID+1, wire.ResultOK, 0, payload)
	})

	c := DialSourced([]string{srv.addr()}, nil, nil)
	t.Cleanup(c.Close)

	// The request lost to the first connection is re-issued on reconnect.
	if err := c.Delete(ident.NewUUID()); err != nil {
		t.Fatalf("Delete after reconnect: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if accepts < 2 {
		t.Fatalf("expected a reconnect, saw %d accepts", accepts)
	}
}

func TestTerminateUnblocksCall(t *testing.T) {
	// Endpoint that never answers: a listener that accepts nothing.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close() // now unreachable; dials fail and back off

	c := DialSourced([]string{addr}, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, _, err := c.Lookup("x")
		done <- err
	}()
	// Give the call time to queue behind the backoff.
	time.Sleep(100 * time.Millisecond)
	c.Close()

	select {
	case err := <-done:
		if err != ErrRemoteUnavailable {
			t.Fatalf("got %v, want ErrRemoteUnavailable", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("terminate did not unblock the call")
	}
}

func TestCompiledOpenStreams(t *testing.T) {
	body := bytes.Repeat([]byte("artifact-bytes."), 100)
	srv := newFakeServer(t, func(conn net.Conn) {
		br := bufio.NewReader(conn)
		for {
			hdr, payload := readRequest(t, br)
			if hdr.ID == 0 {
				return
			}
			if hdr.ID != wire.MsgOpenStatic {
				t.Errorf("unexpected request id %d", hdr.ID)
				return
			}
			if _, err := wire.DecodeNodeRef(payload); err != nil {
				t.Errorf("bad open payload: %v", err)
				return
			}
			_ = wire.WriteReply(conn, wire.MsgOpenStaticResult, wire.ResultOK, 0, wire.EncodeOpenResult(uint64(len(body))))
			if _, err := conn.Write(body); err != nil {
				return
			}
		}
	})

	c := DialCompiled([]string{srv.addr()}, nil, nil)
	t.Cleanup(c.Close)

	stream, err := c.OpenStatic(ident.NewUUID(), 0)
	if err != nil {
		t.Fatalf("OpenStatic: %v", err)
	}
	if stream.Size() != uint64(len(body)) {
		t.Fatalf("Size: got %d want %d", stream.Size(), len(body))
	}
	got, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("stream content mismatch: %d bytes", len(got))
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The connection is usable for the next request once the stream is done.
	second, err := c.OpenStatic(ident.NewUUID(), 0)
	if err != nil {
		t.Fatalf("second OpenStatic: %v", err)
	}
	// Close without reading: the remainder is drained for us.
	if err := second.Close(); err != nil {
		t.Fatalf("Close without reading: %v", err)
	}
	third, err := c.OpenStatic(ident.NewUUID(), 0)
	if err != nil {
		t.Fatalf("third OpenStatic: %v", err)
	}
	_ = third.Close()
}

func TestCompiledOpenMiss(t *testing.T) {
	srv := newFakeServer(t, func(conn net.Conn) {
		br := bufio.NewReader(conn)
		for {
			hdr, _ := readRequest(t, br)
			if hdr.ID == 0 {
				return
			}
			_ = wire.WriteReply(conn, hdr.ID+1, wire.ResultFailed, 0, nil)
		}
	})
	c := DialCompiled([]string{srv.addr()}, nil, nil)
	t.Cleanup(c.Close)

	if _, err := c.OpenDynamic(ident.NewUUID(), 0); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}
