package remote

import (
	"bufio"
	"io"
	"sync"
)

// Stream is the bounded read-only view of a compiled artifact body served
// on the worker's connection. Reads count toward the size declared by the
// OPEN reply; EOS is reached exactly when every declared byte was read.
// Closing drains any unread remainder and hands the connection back to the
// worker's read loop.
type Stream struct {
	mu     sync.Mutex
	br     *bufio.Reader
	size   uint64
	read   uint64
	resume chan<- struct{}
	closed bool
}

func newStream(br *bufio.Reader, size uint64, resume chan<- struct{}) *Stream {
	return &Stream{br: br, size: size, resume: resume}
}

// Size returns the total byte count declared for the stream.
func (s *Stream) Size() uint64 {
	if s == nil {
		return 0
	}
	return s.size
}

// Read implements io.Reader over the remaining artifact bytes.
func (s *Stream) Read(p []byte) (int, error) {
	if s == nil {
		return 0, io.ErrClosedPipe
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	remaining := s.size - s.read
	if remaining == 0 {
		return 0, io.EOF
	}
	if uint64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := s.br.Read(p)
	s.read += uint64(n)
	if err == io.EOF && s.read < s.size {
		// Connection dropped short of the declared size.
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

// Close consumes any unread remainder so the connection stays framed and
// signals the worker to resume polling it. Close is idempotent.
func (s *Stream) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var err error
	if remaining := s.size - s.read; remaining > 0 {
		_, err = io.CopyN(io.Discard, s.br, int64(remaining))
	}
	close(s.resume)
	return err
}
