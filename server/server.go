// Package server exposes a pipeline.Module over the sourced and compiled
// protocols: per-connection request/reply handling plus notification
// broadcast driven by the module's event stream.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"relic.dev/relic/event"
	"relic.dev/relic/pipeline"
	"relic.dev/relic/wire"
)

type protoKind int

const (
	protoSourced protoKind = iota
	protoCompiled
)

// client is one accepted connection. The write mutex keeps broadcast
// notifications from interleaving inside a reply's header/body sequence.
type client struct {
	conn net.Conn
	mu   sync.Mutex
	kind protoKind
}

func (c *client) writeReply(id, result, flags uint32, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wire.WriteReply(c.conn, id, result, flags, body)
}

func (c *client) writeNotify(id uint32, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wire.WriteMessage(c.conn, id, payload)
}

// Server accepts sourced and compiled connections for one module.
type Server struct {
	m   *pipeline.Module
	log *slog.Logger

	mu        sync.Mutex
	clients   map[*client]struct{}
	listeners []boundListener
	started   bool

	group errgroup.Group
}

// New wraps m. Call Start to bind the configured endpoints.
func New(m *pipeline.Module, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		m:       m,
		log:     log,
		clients: make(map[*client]struct{}),
	}
}

// bindBoth listens on the IPv4 and IPv6 flavors of addr. Failure is fatal
// only when neither family binds.
func bindBoth(addr string) ([]net.Listener, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	var out []net.Listener
	var errs []error
	if ln, err := net.Listen("tcp4", addr); err == nil {
		out = append(out, ln)
	} else {
		errs = append(errs, err)
	}
	v6Host := host
	if host == "" || host == "0.0.0.0" {
		v6Host = "::"
	}
	if ln, err := net.Listen("tcp6", net.JoinHostPort(v6Host, port)); err == nil {
		out = append(out, ln)
	} else {
		errs = append(errs, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("server: bind %s: %w", addr, errors.Join(errs...))
	}
	return out, nil
}

// Start binds the configured endpoints and begins serving. Notifications
// posted on the module's event stream are broadcast to every client from
// this point on.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("server: already started")
	}
	cfg := s.m.Config()

	bind := func(addr string, kind protoKind) error {
		if addr == "" {
			return nil
		}
		lns, err := bindBoth(addr)
		if err != nil {
			return err
		}
		for _, ln := range lns {
			ln := ln
			s.listeners = append(s.listeners, boundListener{ln: ln, kind: kind})
			s.group.Go(func() error {
				s.acceptLoop(ln, kind)
				return nil
			})
			s.log.Info("listening", "proto", kindName(kind), "addr", ln.Addr())
		}
		return nil
	}
	if err := bind(cfg.BindSourced, protoSourced); err != nil {
		s.closeListenersLocked()
		return err
	}
	if err := bind(cfg.BindCompiled, protoCompiled); err != nil {
		s.closeListenersLocked()
		return err
	}

	s.m.Events().Subscribe(s.broadcast)
	s.started = true
	return nil
}

func kindName(k protoKind) string {
	if k == protoCompiled {
		return "compiled"
	}
	return "sourced"
}

// boundListener ties a listener to the protocol it serves.
type boundListener struct {
	ln   net.Listener
	kind protoKind
}

// addrFor returns the bound address of the first listener serving kind.
func (s *Server) addrFor(kind protoKind) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, bl := range s.listeners {
		if bl.kind == kind {
			return bl.ln.Addr().String()
		}
	}
	return ""
}

// SourcedAddr returns a dialable address of the sourced endpoint.
func (s *Server) SourcedAddr() string { return s.addrFor(protoSourced) }

// CompiledAddr returns a dialable address of the compiled endpoint.
func (s *Server) CompiledAddr() string { return s.addrFor(protoCompiled) }

// Stop closes the listeners and every client connection, then waits for
// the handler goroutines.
func (s *Server) Stop() {
	s.mu.Lock()
	s.closeListenersLocked()
	for c := range s.clients {
		_ = c.conn.Close()
	}
	s.mu.Unlock()
	_ = s.group.Wait()
}

func (s *Server) closeListenersLocked() {
	for _, bl := range s.listeners {
		_ = bl.ln.Close()
	}
}

func (s *Server) acceptLoop(ln net.Listener, kind protoKind) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		c := &client{conn: conn, kind: kind}
		s.mu.Lock()
		s.clients[c] = struct{}{}
		clientGauge.Inc()
		s.mu.Unlock()

		s.group.Go(func() error {
			defer s.dropClient(c)
			if kind == protoCompiled {
				s.serveCompiled(c)
			} else {
				s.serveSourced(c)
			}
			return nil
		})
	}
}

func (s *Server) dropClient(c *client) {
	_ = c.conn.Close()
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		clientGauge.Dec()
	}
	s.mu.Unlock()
}

// broadcast writes one notification to every connected client. A write
// failure closes only that client.
func (s *Server) broadcast(ev event.Event) {
	var msgID uint32
	switch ev.Kind {
	case event.KindCreate:
		msgID = wire.MsgNotifyCreate
	case event.KindModify:
		msgID = wire.MsgNotifyModify
	case event.KindDepends:
		msgID = wire.MsgNotifyDepends
	case event.KindDelete:
		msgID = wire.MsgNotifyDelete
	default:
		return
	}
	payload := wire.EncodeNotify(wire.Notify{ID: ev.ID, Platform: ev.Platform, Token: ev.Token})

	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		if err := c.writeNotify(msgID, payload); err != nil {
			s.log.Debug("broadcast write failed", "addr", c.conn.RemoteAddr(), "err", err)
			s.dropClient(c)
			continue
		}
		broadcasts.Inc()
	}
}
