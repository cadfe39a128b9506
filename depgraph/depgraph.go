// Package depgraph persists the dependency relation between resources:
// forward edges for recursive compilation and reverse edges for cascaded
// change notifications, plus the last-notified state autoimport uses to
// deduplicate file events across restarts.
package depgraph

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"relic.dev/relic/ident"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketForward = []byte("deps_forward")
	bucketReverse = []byte("deps_reverse")
	bucketNotify  = []byte("notify_state")
)

// nodeKeySize is uuid(16) + platform(8).
const nodeKeySize = 24

// Node identifies one (resource, platform) vertex.
type Node struct {
	ID       ident.UUID
	Platform uint64
}

// DB is an open dependency index.
type DB struct {
	db *bolt.DB
}

// Open creates or opens deps.db inside dir.
func Open(dir string) (*DB, error) {
	if dir == "" {
		return nil, fmt.Errorf("depgraph: dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "deps.db")
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("depgraph: open bbolt: %w", err)
	}
	d := &DB{db: bdb}
	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketForward, bucketReverse, bucketNotify} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", string(b), err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return d, nil
}

// Close releases the underlying store.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func nodeKey(n Node) []byte {
	out := make([]byte, nodeKeySize)
	copy(out[0:16], n.ID[:])
	binary.LittleEndian.PutUint64(out[16:24], n.Platform)
	return out
}

func encodeNodes(nodes []Node) []byte {
	out := make([]byte, 0, len(nodes)*nodeKeySize)
	for _, n := range nodes {
		out = append(out, nodeKey(n)...)
	}
	return out
}

func decodeNodes(b []byte) ([]Node, error) {
	if len(b)%nodeKeySize != 0 {
		return nil, fmt.Errorf("depgraph: edge list length %d", len(b))
	}
	out := make([]Node, 0, len(b)/nodeKeySize)
	for off := 0; off < len(b); off += nodeKeySize {
		var n Node
		copy(n.ID[:], b[off:off+16])
		n.Platform = binary.LittleEndian.Uint64(b[off+16 : off+24])
		out = append(out, n)
	}
	return out, nil
}

func removeNode(nodes []Node, victim Node) []Node {
	out := nodes[:0]
	for _, n := range nodes {
		if n != victim {
			out = append(out, n)
		}
	}
	return out
}

// SetDependencies replaces the forward edge list of node and keeps the
// reverse buckets consistent: node is removed from the dependents of edges
// it no longer uses and added to those it now does.
func (d *DB) SetDependencies(node Node, deps []Node) error {
	if d == nil || d.db == nil {
		return fmt.Errorf("depgraph: closed")
	}
	key := nodeKey(node)
	return d.db.Update(func(tx *bolt.Tx) error {
		fwd := tx.Bucket(bucketForward)
		rev := tx.Bucket(bucketReverse)

		old, err := decodeNodes(fwd.Get(key))
		if err != nil {
			return err
		}
		for _, prev := range old {
			prevKey := nodeKey(prev)
			dependents, err := decodeNodes(rev.Get(prevKey))
			if err != nil {
				return err
			}
			dependents = removeNode(dependents, node)
			if len(dependents) == 0 {
				if err := rev.Delete(prevKey); err != nil {
					return err
				}
				continue
			}
			if err := rev.Put(prevKey, encodeNodes(dependents)); err != nil {
				return err
			}
		}

		if len(deps) == 0 {
			if err := fwd.Delete(key); err != nil {
				return err
			}
		} else if err := fwd.Put(key, encodeNodes(deps)); err != nil {
			return err
		}

		for _, dep := range deps {
			depKey := nodeKey(dep)
			dependents, err := decodeNodes(rev.Get(depKey))
			if err != nil {
				return err
			}
			present := false
			for _, n := range dependents {
				if n == node {
					present = true
					break
				}
			}
			if present {
				continue
			}
			dependents = append(dependents, node)
			if err := rev.Put(depKey, encodeNodes(dependents)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Dependencies returns the forward edges of node.
func (d *DB) Dependencies(node Node) ([]Node, error) {
	return d.edges(bucketForward, node)
}

// Dependents returns the reverse edges of node: everything that depends on
// it, in no specified order.
func (d *DB) Dependents(node Node) ([]Node, error) {
	return d.edges(bucketReverse, node)
}

func (d *DB) edges(bucket []byte, node Node) ([]Node, error) {
	if d == nil || d.db == nil {
		return nil, fmt.Errorf("depgraph: closed")
	}
	var out []Node
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get(nodeKey(node))
		if v == nil {
			return nil
		}
		nodes, err := decodeNodes(v)
		if err != nil {
			return err
		}
		out = nodes
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// notifyState is hash(32) | token(8).
const notifyStateSize = 40

// LastNotified returns the (content hash, token) recorded by the most
// recent autoimport notification for id, ok false when none was recorded.
func (d *DB) LastNotified(id ident.UUID) (ident.Hash, uint64, bool, error) {
	if d == nil || d.db == nil {
		return ident.ZeroHash, 0, false, fmt.Errorf("depgraph: closed")
	}
	var h ident.Hash
	var token uint64
	var ok bool
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketNotify).Get(id[:])
		if v == nil {
			return nil
		}
		if len(v) != notifyStateSize {
			return fmt.Errorf("depgraph: notify state length %d", len(v))
		}
		copy(h[:], v[0:32])
		token = binary.LittleEndian.Uint64(v[32:40])
		ok = true
		return nil
	})
	if err != nil {
		return ident.ZeroHash, 0, false, err
	}
	return h, token, ok, nil
}

// SetLastNotified records the (content hash, token) of a posted change
// notification for id.
func (d *DB) SetLastNotified(id ident.UUID, h ident.Hash, token uint64) error {
	if d == nil || d.db == nil {
		return fmt.Errorf("depgraph: closed")
	}
	v := make([]byte, notifyStateSize)
	copy(v[0:32], h[:])
	binary.LittleEndian.PutUint64(v[32:40], token)
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNotify).Put(id[:], v)
	})
}
