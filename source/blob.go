package source

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"relic.dev/relic/ident"
)

// BlobPath returns the sidecar file holding an out-of-line payload:
// the source path plus ".<key-hex>.<platform-hex>.<checksum-hex>.blob".
func BlobPath(root string, id ident.UUID, key, plat, checksum uint64) string {
	return fmt.Sprintf("%s.%x.%x.%x.blob", ident.UUIDPath(root, id), key, plat, checksum)
}

// WriteBlob stores payload as a sidecar file, creating parent directories
// on demand.
func WriteBlob(root string, id ident.UUID, key, plat, checksum uint64, payload []byte) error {
	path := BlobPath(root, id, key, plat, checksum)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o644)
}

// ReadBlob loads a sidecar payload. The stored file must be exactly size
// bytes long.
func ReadBlob(root string, id ident.UUID, key, plat, checksum, size uint64) ([]byte, error) {
	path := BlobPath(root, id, key, plat, checksum)
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if uint64(len(b)) != size {
		return nil, fmt.Errorf("%w: blob %s is %d bytes, want %d", ErrCorrupt, filepath.Base(path), len(b), size)
	}
	return b, nil
}

// EnumerateBlobs lists the sidecar file names currently on disk for id.
func EnumerateBlobs(root string, id ident.UUID) ([]string, error) {
	dir := ident.UUIDDir(root, id)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	prefix := id.String() + "."
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".blob") {
			continue
		}
		out = append(out, name)
	}
	return out, nil
}

type blobRef struct {
	key, plat, checksum uint64
}

func parseBlobName(name string, id ident.UUID) (blobRef, bool) {
	trimmed := strings.TrimPrefix(name, id.String()+".")
	trimmed = strings.TrimSuffix(trimmed, ".blob")
	parts := strings.Split(trimmed, ".")
	if len(parts) != 3 {
		return blobRef{}, false
	}
	var vals [3]uint64
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 64)
		if err != nil {
			return blobRef{}, false
		}
		vals[i] = v
	}
	return blobRef{key: vals[0], plat: vals[1], checksum: vals[2]}, true
}

// ClearBlobHistory deletes sidecar files whose (key, platform, checksum)
// triple is no longer referenced by any change across the full history.
func ClearBlobHistory(root string, id ident.UUID, s *Source) error {
	names, err := EnumerateBlobs(root, id)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}

	referenced := make(map[blobRef]bool)
	_, err = MapReduce(s.MapAll(true), func(key uint64, c *Change, carry any) (any, error) {
		if c.Kind == KindBlob {
			referenced[blobRef{key: c.Key, plat: c.Platform, checksum: c.Checksum}] = true
		}
		return carry, nil
	})
	if err != nil {
		return err
	}

	dir := ident.UUIDDir(root, id)
	for _, name := range names {
		ref, ok := parseBlobName(name, id)
		if ok && referenced[ref] {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
