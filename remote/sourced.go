package remote

import (
	"errors"
	"log/slog"

	"relic.dev/relic/ident"
	"relic.dev/relic/wire"
)

// ErrNotFound is the normal miss outcome of a remote request: the endpoint
// answered and had nothing.
var ErrNotFound = errors.New("remote: not found")

// SourcedClient issues source-side requests against a remote endpoint.
// All methods block the caller until the worker replies and are safe for
// concurrent use; the worker serializes to one in-flight request.
type SourcedClient struct {
	w *worker
}

// DialSourced starts the background worker for a sourced endpoint. addrs
// are tried round-robin; notify receives asynchronous notifications.
func DialSourced(addrs []string, notify NotifyFunc, log *slog.Logger) *SourcedClient {
	return &SourcedClient{w: newWorker("sourced", protoSourced, addrs, notify, log)}
}

// Close terminates the worker, failing outstanding requests.
func (c *SourcedClient) Close() {
	if c == nil || c.w == nil {
		return
	}
	c.w.terminate()
}

func (c *SourcedClient) roundTrip(id uint32, payload []byte) (wire.Reply, error) {
	if c == nil || c.w == nil {
		return wire.Reply{}, ErrRemoteUnavailable
	}
	rep, _, err := c.w.submit(id, payload)
	if err != nil {
		return wire.Reply{}, err
	}
	if rep.ID != id+1 {
		return wire.Reply{}, wire.ErrDesync
	}
	return rep, nil
}

// Lookup resolves path to its (uuid, signature hash) on the remote.
func (c *SourcedClient) Lookup(path string) (ident.UUID, ident.Hash, error) {
	rep, err := c.roundTrip(wire.MsgLookup, []byte(path))
	if err != nil {
		return ident.Nil, ident.ZeroHash, err
	}
	if !rep.OK() {
		return ident.Nil, ident.ZeroHash, ErrNotFound
	}
	return wire.DecodeLookupResult(rep.Body)
}

// ReverseLookup resolves id back to its imported path.
func (c *SourcedClient) ReverseLookup(id ident.UUID) (string, error) {
	rep, err := c.roundTrip(wire.MsgReverseLookup, wire.EncodeUUID(id))
	if err != nil {
		return "", err
	}
	if !rep.OK() {
		return "", ErrNotFound
	}
	return string(rep.Body), nil
}

// Import asks the remote to (re)import path.
func (c *SourcedClient) Import(path string) (ident.UUID, ident.Hash, error) {
	rep, err := c.roundTrip(wire.MsgImport, []byte(path))
	if err != nil {
		return ident.Nil, ident.ZeroHash, err
	}
	if !rep.OK() {
		return ident.Nil, ident.ZeroHash, ErrNotFound
	}
	return wire.DecodeLookupResult(rep.Body)
}

// Read fetches the full change set of id.
func (c *SourcedClient) Read(id ident.UUID) (wire.ReadResult, error) {
	rep, err := c.roundTrip(wire.MsgRead, wire.EncodeUUID(id))
	if err != nil {
		return wire.ReadResult{}, err
	}
	if !rep.OK() {
		return wire.ReadResult{}, ErrNotFound
	}
	return wire.DecodeReadResult(rep.Body)
}

// Hash fetches the source hash of (id, plat).
func (c *SourcedClient) Hash(id ident.UUID, plat uint64) (ident.Hash, error) {
	rep, err := c.roundTrip(wire.MsgHash, wire.EncodeNodeRef(wire.NodeRef{ID: id, Platform: plat}))
	if err != nil {
		return ident.ZeroHash, err
	}
	if !rep.OK() {
		return ident.ZeroHash, ErrNotFound
	}
	return wire.DecodeHashResult(rep.Body)
}

// Dependencies fetches the direct dependencies of (id, plat).
func (c *SourcedClient) Dependencies(id ident.UUID, plat uint64) ([]wire.NodeRef, error) {
	rep, err := c.roundTrip(wire.MsgDependencies, wire.EncodeNodeRef(wire.NodeRef{ID: id, Platform: plat}))
	if err != nil {
		return nil, err
	}
	if !rep.OK() {
		return nil, ErrNotFound
	}
	return wire.DecodeDependenciesResult(rep.Body)
}

// ReadBlob fetches the blob payload stored under (id, plat, key).
func (c *SourcedClient) ReadBlob(id ident.UUID, plat, key uint64) (uint64, []byte, error) {
	rep, err := c.roundTrip(wire.MsgReadBlob, wire.EncodeReadBlob(wire.NodeRef{ID: id, Platform: plat}, key))
	if err != nil {
		return 0, nil, err
	}
	if !rep.OK() {
		return 0, nil, ErrNotFound
	}
	return wire.DecodeReadBlobResult(rep.Body)
}

// Set stores a value change on the remote.
func (c *SourcedClient) Set(id ident.UUID, plat, key uint64, value []byte) error {
	rep, err := c.roundTrip(wire.MsgSet, wire.EncodeSet(wire.NodeRef{ID: id, Platform: plat}, key, value))
	if err != nil {
		return err
	}
	if !rep.OK() {
		return ErrNotFound
	}
	return nil
}

// Unset removes (key, plat) on the remote.
func (c *SourcedClient) Unset(id ident.UUID, plat, key uint64) error {
	rep, err := c.roundTrip(wire.MsgUnset, wire.EncodeReadBlob(wire.NodeRef{ID: id, Platform: plat}, key))
	if err != nil {
		return err
	}
	if !rep.OK() {
		return ErrNotFound
	}
	return nil
}

// Delete removes the resource on the remote.
func (c *SourcedClient) Delete(id ident.UUID) error {
	rep, err := c.roundTrip(wire.MsgDelete, wire.EncodeUUID(id))
	if err != nil {
		return err
	}
	if !rep.OK() {
		return ErrNotFound
	}
	return nil
}
