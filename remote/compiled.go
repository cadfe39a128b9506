package remote

import (
	"log/slog"

	"relic.dev/relic/ident"
	"relic.dev/relic/wire"
)

// CompiledClient fetches compiled artifacts from a remote endpoint as
// length-known streams.
type CompiledClient struct {
	w *worker
}

// DialCompiled starts the background worker for a compiled endpoint.
func DialCompiled(addrs []string, notify NotifyFunc, log *slog.Logger) *CompiledClient {
	return &CompiledClient{w: newWorker("compiled", protoCompiled, addrs, notify, log)}
}

// Close terminates the worker, failing outstanding requests.
func (c *CompiledClient) Close() {
	if c == nil || c.w == nil {
		return
	}
	c.w.terminate()
}

func (c *CompiledClient) open(reqID uint32, id ident.UUID, plat uint64) (*Stream, error) {
	if c == nil || c.w == nil {
		return nil, ErrRemoteUnavailable
	}
	rep, stream, err := c.w.submit(reqID, wire.EncodeNodeRef(wire.NodeRef{ID: id, Platform: plat}))
	if err != nil {
		return nil, err
	}
	if rep.ID != reqID+1 {
		if stream != nil {
			_ = stream.Close()
		}
		return nil, wire.ErrDesync
	}
	if !rep.OK() || stream == nil {
		return nil, ErrNotFound
	}
	return stream, nil
}

// OpenStatic opens the static artifact of (id, plat). The caller owns the
// returned stream and must close it to release the connection.
func (c *CompiledClient) OpenStatic(id ident.UUID, plat uint64) (*Stream, error) {
	return c.open(wire.MsgOpenStatic, id, plat)
}

// OpenDynamic opens the dynamic artifact of (id, plat).
func (c *CompiledClient) OpenDynamic(id ident.UUID, plat uint64) (*Stream, error) {
	return c.open(wire.MsgOpenDynamic, id, plat)
}
