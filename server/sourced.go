package server

import (
	"bufio"
	"fmt"

	"relic.dev/relic/ident"
	"relic.dev/relic/pipeline"
	"relic.dev/relic/platform"
	"relic.dev/relic/wire"
)

// serveSourced handles one sourced connection: one request at a time, in
// request order, one reply each. Any framing violation drops the client.
func (s *Server) serveSourced(c *client) {
	br := bufio.NewReader(c.conn)
	for {
		hdr, err := wire.ReadHeader(br)
		if err != nil {
			return
		}
		payload, err := wire.ReadPayload(br, hdr)
		if err != nil {
			return
		}
		if err := s.dispatchSourced(c, hdr.ID, payload); err != nil {
			s.log.Debug("sourced client dropped", "addr", c.conn.RemoteAddr(), "err", err)
			return
		}
	}
}

func (s *Server) dispatchSourced(c *client, id uint32, payload []byte) error {
	requests.WithLabelValues("sourced", fmt.Sprintf("%d", id)).Inc()
	switch id {
	case wire.MsgLookup:
		return s.handleLookup(c, payload)
	case wire.MsgReverseLookup:
		return s.handleReverseLookup(c, payload)
	case wire.MsgImport:
		return s.handleImport(c, payload)
	case wire.MsgRead:
		return s.handleRead(c, payload)
	case wire.MsgHash:
		return s.handleHash(c, payload)
	case wire.MsgDependencies:
		return s.handleDependencies(c, payload)
	case wire.MsgReadBlob:
		return s.handleReadBlob(c, payload)
	case wire.MsgSet:
		return s.handleSet(c, payload)
	case wire.MsgUnset:
		return s.handleUnset(c, payload)
	case wire.MsgDelete:
		return s.handleDelete(c, payload)
	default:
		return fmt.Errorf("%w: request id %d", wire.ErrDesync, id)
	}
}

func (s *Server) handleLookup(c *client, payload []byte) error {
	id, sig, err := s.m.Lookup(string(payload))
	if err != nil || id == ident.Nil {
		return c.writeReply(wire.MsgLookupResult, wire.ResultFailed, 0, nil)
	}
	return c.writeReply(wire.MsgLookupResult, wire.ResultOK, 0, wire.EncodeLookupResult(id, sig))
}

func (s *Server) handleReverseLookup(c *client, payload []byte) error {
	id, err := wire.DecodeUUID(payload)
	if err != nil {
		return err
	}
	path, err := s.m.ReverseLookup(id)
	if err != nil {
		return c.writeReply(wire.MsgReverseLookupRes, wire.ResultFailed, 0, nil)
	}
	return c.writeReply(wire.MsgReverseLookupRes, wire.ResultOK, 0, []byte(path))
}

func (s *Server) handleImport(c *client, payload []byte) error {
	id, h, err := s.m.Import(string(payload))
	if err != nil {
		s.log.Info("import failed", "path", string(payload), "err", err)
		return c.writeReply(wire.MsgImportResult, wire.ResultFailed, 0, nil)
	}
	return c.writeReply(wire.MsgImportResult, wire.ResultOK, 0, wire.EncodeLookupResult(id, h))
}

func (s *Server) handleRead(c *client, payload []byte) error {
	id, err := wire.DecodeUUID(payload)
	if err != nil {
		return err
	}
	src, err := s.m.Read(id)
	if err != nil {
		return c.writeReply(wire.MsgReadResult, wire.ResultFailed, 0, nil)
	}
	h, _ := s.m.Hash(id, platform.Any)
	res := wire.ReadResult{Hash: h, Changes: pipeline.WireChanges(src)}
	return c.writeReply(wire.MsgReadResult, wire.ResultOK, 0, wire.EncodeReadResult(res))
}

func (s *Server) handleHash(c *client, payload []byte) error {
	ref, err := wire.DecodeNodeRef(payload)
	if err != nil {
		return err
	}
	h, err := s.m.Hash(ref.ID, ref.Platform)
	if err != nil {
		return c.writeReply(wire.MsgHashResult, wire.ResultFailed, 0, nil)
	}
	return c.writeReply(wire.MsgHashResult, wire.ResultOK, 0, wire.EncodeHashResult(h))
}

func (s *Server) handleDependencies(c *client, payload []byte) error {
	ref, err := wire.DecodeNodeRef(payload)
	if err != nil {
		return err
	}
	deps, err := s.m.Dependencies(ref.ID, ref.Platform)
	if err != nil {
		return c.writeReply(wire.MsgDependenciesResult, wire.ResultFailed, 0, nil)
	}
	refs := make([]wire.NodeRef, len(deps))
	for i, d := range deps {
		refs[i] = wire.NodeRef{ID: d.ID, Platform: d.Platform}
	}
	return c.writeReply(wire.MsgDependenciesResult, wire.ResultOK, 0, wire.EncodeDependenciesResult(refs))
}

func (s *Server) handleReadBlob(c *client, payload []byte) error {
	ref, key, err := wire.DecodeReadBlob(payload)
	if err != nil {
		return err
	}
	checksum, blob, err := s.m.ReadBlob(ref.ID, ref.Platform, key)
	if err != nil {
		return c.writeReply(wire.MsgReadBlobResult, wire.ResultFailed, 0, nil)
	}
	return c.writeReply(wire.MsgReadBlobResult, wire.ResultOK, 0, wire.EncodeReadBlobResult(checksum, blob))
}

func (s *Server) handleSet(c *client, payload []byte) error {
	ref, key, value, err := wire.DecodeSet(payload)
	if err != nil {
		return err
	}
	if err := s.m.Set(ref.ID, ref.Platform, key, value); err != nil {
		return c.writeReply(wire.MsgSetResult, wire.ResultFailed, 0, nil)
	}
	return c.writeReply(wire.MsgSetResult, wire.ResultOK, 0, nil)
}

func (s *Server) handleUnset(c *client, payload []byte) error {
	ref, key, err := wire.DecodeReadBlob(payload)
	if err != nil {
		return err
	}
	if err := s.m.Unset(ref.ID, ref.Platform, key); err != nil {
		return c.writeReply(wire.MsgUnsetResult, wire.ResultFailed, 0, nil)
	}
	return c.writeReply(wire.MsgUnsetResult, wire.ResultOK, 0, nil)
}

func (s *Server) handleDelete(c *client, payload []byte) error {
	id, err := wire.DecodeUUID(payload)
	if err != nil {
		return err
	}
	if err := s.m.Delete(id); err != nil {
		return c.writeReply(wire.MsgDeleteResult, wire.ResultFailed, 0, nil)
	}
	return c.writeReply(wire.MsgDeleteResult, wire.ResultOK, 0, nil)
}
