// Package remote implements the client side of the sourced and compiled
// protocols: one background worker per endpoint owning the connection,
// with at most one in-flight request, automatic reconnection with
// exponential backoff, and notification routing that bypasses request
// correlation.
package remote

import (
	"bufio"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"relic.dev/relic/wire"
)

// ErrRemoteUnavailable is returned when the worker terminates, or has no
// addresses, before a request is answered. A request lost to a disconnect
// is re-issued after reconnect rather than failed.
var ErrRemoteUnavailable = errors.New("remote: endpoint unavailable")

// NotifyFunc receives notifications routed around request correlation.
type NotifyFunc func(msgID uint32, n wire.Notify)

type protoKind int

const (
	protoSourced protoKind = iota
	protoCompiled
)

const (
	dialTimeout     = 10 * time.Second
	backoffInitial  = 2 * time.Second
	backoffMax      = 60 * time.Second
	backoffJitterUp = time.Second
)

type callReply struct {
	rep    wire.Reply
	stream *Stream
	ok     bool
}

type call struct {
	id      uint32
	payload []byte
	reply   chan callReply
}

func (c *call) fail() {
	c.reply <- callReply{}
}

// frame is one correlated reply from the reader goroutine.
type frame struct {
	rep    wire.Reply
	stream *Stream
}

type worker struct {
	name   string
	kind   protoKind
	addrs  []string
	notify NotifyFunc
	log    *slog.Logger

	// calls is the depth-1 request queue; the in-flight request lives in
	// the loop's waiting slot, a lost one in pending.
	calls chan *call

	termOnce sync.Once
	term     chan struct{}
	done     chan struct{}
}

func newWorker(name string, kind protoKind, addrs []string, notify NotifyFunc, log *slog.Logger) *worker {
	if log == nil {
		log = slog.Default()
	}
	w := &worker{
		name:   name,
		kind:   kind,
		addrs:  append([]string(nil), addrs...),
		notify: notify,
		log:    log,
		calls:  make(chan *call, 1),
		term:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

// terminate unblocks every outstanding request with a failure reply and
// stops the worker.
func (w *worker) terminate() {
	w.termOnce.Do(func() { close(w.term) })
	<-w.done
}

// submit queues one request and blocks until the worker replies. A nil
// reply frame means the remote was unavailable.
func (w *worker) submit(id uint32, payload []byte) (wire.Reply, *Stream, error) {
	c := &call{id: id, payload: payload, reply: make(chan callReply, 1)}
	select {
	case w.calls <- c:
	case <-w.done:
		return wire.Reply{}, nil, ErrRemoteUnavailable
	}
	r := <-c.reply
	if !r.ok {
		return wire.Reply{}, nil, ErrRemoteUnavailable
	}
	return r.rep, r.stream, nil
}

func (w *worker) drain(waiting, pending *call) {
	if waiting != nil {
		waiting.fail()
	}
	if pending != nil {
		pending.fail()
	}
	for {
		select {
		case c := <-w.calls:
			c.fail()
		default:
			return
		}
	}
}

func (w *worker) run() {
	defer close(w.done)

	sched := backoff.NewExponentialBackOff()
	sched.InitialInterval = backoffInitial
	sched.Multiplier = 2
	sched.MaxInterval = backoffMax
	sched.RandomizationFactor = 0
	sched.MaxElapsedTime = 0
	sched.Reset()

	var pending *call
	addrIdx := 0
	for {
		if len(w.addrs) == 0 {
			w.drain(nil, pending)
			return
		}
		addr := w.addrs[addrIdx%len(w.addrs)]
		addrIdx++

		conn, err := net.DialTimeout("tcp", addr, dialTimeout)
		if err != nil {
			delay := sched.NextBackOff() + time.Duration(rand.Int63n(int64(backoffJitterUp)))
			w.log.Debug("remote connect failed", "endpoint", w.name, "addr", addr, "retry_in", delay, "err", err)
			select {
			case <-w.term:
				w.drain(nil, pending)
				return
			case <-time.After(delay):
			}
			continue
		}

		w.log.Info("remote connected", "endpoint", w.name, "addr", addr)
		reconnects.WithLabelValues(w.name).Inc()
		sched.Reset()

		var terminated bool
		pending, terminated = w.connected(conn, pending)
		_ = conn.Close()
		if terminated {
			w.drain(nil, pending)
			return
		}
		w.log.Info("remote disconnected", "endpoint", w.name, "addr", addr)
	}
}

// connected services calls over conn until the connection drops or the
// worker terminates. A request lost to the disconnect is returned as
// pending for re-issue after reconnect.
func (w *worker) connected(conn net.Conn, pending *call) (*call, bool) {
	frames := make(chan frame)
	readerDone := make(chan struct{})
	go w.readLoop(conn, frames, readerDone)

	// shutdown tears the connection down and unsticks the reader, which
	// may be blocked handing over a frame.
	shutdown := func() {
		_ = conn.Close()
		go func() {
			for range frames {
			}
		}()
		<-readerDone
	}

	var waiting *call
	send := func(c *call) bool {
		if err := wire.WriteMessage(conn, c.id, c.payload); err != nil {
			return false
		}
		return true
	}

	if pending != nil {
		if !send(pending) {
			shutdown()
			return pending, false
		}
		waiting = pending
	}

	for {
		calls := w.calls
		if waiting != nil {
			calls = nil // one in-flight request at a time
		}
		select {
		case <-w.term:
			shutdown()
			if waiting != nil {
				waiting.fail()
			}
			return nil, true
		case c := <-calls:
			if !send(c) {
				shutdown()
				return c, false
			}
			waiting = c
		case f, ok := <-frames:
			if !ok {
				<-readerDone
				return waiting, false
			}
			if waiting == nil {
				w.log.Debug("uncorrelated reply dropped", "endpoint", w.name, "id", f.rep.ID)
				if f.stream != nil {
					_ = f.stream.Close()
				}
				continue
			}
			waiting.reply <- callReply{rep: f.rep, stream: f.stream, ok: true}
			waiting = nil
		}
	}
}

// readLoop reads frames off conn. Notifications are dispatched directly;
// replies flow to the connected loop. After a successful compiled OPEN
// reply the loop parks until the handed-out stream is finished, since the
// artifact body owns the connection until fully consumed.
func (w *worker) readLoop(conn net.Conn, frames chan<- frame, done chan<- struct{}) {
	defer close(done)
	defer close(frames)
	br := bufio.NewReader(conn)
	for {
		hdr, err := wire.ReadHeader(br)
		if err != nil {
			return
		}
		switch {
		case wire.IsNotify(hdr.ID):
			payload, err := wire.ReadPayload(br, hdr)
			if err != nil {
				return
			}
			n, err := wire.DecodeNotify(payload)
			if err != nil {
				return
			}
			if w.notify != nil {
				w.notify(hdr.ID, n)
			}
		case w.kind == protoSourced && wire.IsSourcedReply(hdr.ID):
			rep, err := wire.ReadReplyRest(br, hdr)
			if err != nil {
				return
			}
			frames <- frame{rep: rep}
		case w.kind == protoCompiled && wire.IsCompiledReply(hdr.ID):
			rep, err := wire.ReadReplyRest(br, hdr)
			if err != nil {
				return
			}
			if rep.OK() {
				size, err := wire.DecodeOpenResult(rep.Body)
				if err != nil {
					return
				}
				resume := make(chan struct{})
				frames <- frame{rep: rep, stream: newStream(br, size, resume)}
				select {
				case <-resume:
				case <-w.term:
					return
				}
				continue
			}
			frames <- frame{rep: rep}
		default:
			// Unknown id is a desync; abandon the connection.
			return
		}
	}
}
