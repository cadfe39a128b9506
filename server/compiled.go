package server

import (
	"bufio"
	"fmt"
	"io"

	"relic.dev/relic/pipeline"
	"relic.dev/relic/wire"
)

// serveCompiled handles one compiled connection. A successful OPEN reply
// is followed by exactly the declared byte count of artifact content; the
// connection carries nothing else until the stream completes.
func (s *Server) serveCompiled(c *client) {
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
		if err := s.dispatchCompiled(c, hdr.ID, payload); err != nil {
			s.log.Debug("compiled client dropped", "addr", c.conn.RemoteAddr(), "err", err)
			return
		}
	}
}

func (s *Server) dispatchCompiled(c *client, id uint32, payload []byte) error {
	requests.WithLabelValues("compiled", fmt.Sprintf("%d", id)).Inc()
	switch id {
	case wire.MsgOpenStatic:
		return s.handleOpen(c, payload, false)
	case wire.MsgOpenDynamic:
		return s.handleOpen(c, payload, true)
	default:
		return fmt.Errorf("%w: request id %d", wire.ErrDesync, id)
	}
}

func (s *Server) handleOpen(c *client, payload []byte, dynamic bool) error {
	replyID := wire.MsgOpenStaticResult
	if dynamic {
		replyID = wire.MsgOpenDynamicResult
	}
	ref, err := wire.DecodeNodeRef(payload)
	if err != nil {
		return err
	}
	var st pipeline.ArtifactStream
	if dynamic {
		st, err = s.m.OpenDynamic(ref.ID, ref.Platform)
	} else {
		st, err = s.m.OpenStatic(ref.ID, ref.Platform)
	}
	if err != nil {
		return c.writeReply(replyID, wire.ResultFailed, 0, wire.EncodeOpenResult(0))
	}
	defer st.Close()

	// Reply and body form one atomic sequence on the wire.
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := wire.WriteReply(c.conn, replyID, wire.ResultOK, 0, wire.EncodeOpenResult(st.Size())); err != nil {
		return err
	}
	if _, err := io.CopyN(c.conn, st, int64(st.Size())); err != nil {
		return err
	}
	return nil
}
