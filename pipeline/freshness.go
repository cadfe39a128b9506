package pipeline

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"relic.dev/relic/cache"
	"relic.dev/relic/depgraph"
	"relic.dev/relic/event"
	"relic.dev/relic/ident"
	"relic.dev/relic/importmap"
	"relic.dev/relic/platform"
	"relic.dev/relic/remote"
	"relic.dev/relic/source"
)

// NeedsUpdate reports whether (id, plat) must be recompiled: the source
// was never hashed, no static artifact exists, or the artifact header's
// source hash no longer matches the source.
func (m *Module) NeedsUpdate(id ident.UUID, plat uint64) bool {
	srcHash, err := m.Hash(id, plat)
	if err != nil || srcHash.IsZero() {
		return true
	}
	hdr, err := m.cache.ReadHeaderFor(id, plat)
	if err != nil {
		return true
	}
	return hdr.SourceHash != srcHash
}

// Compile builds the artifact of (id, plat), recursively compiling stale
// dependencies first. Cycles through user data are cut by the visited set.
func (m *Module) Compile(id ident.UUID, plat uint64) error {
	return m.compile(id, plat, make(map[depgraph.Node]bool))
}

func (m *Module) compile(id ident.UUID, plat uint64, visited map[depgraph.Node]bool) error {
	node := depgraph.Node{ID: id, Platform: plat}
	if visited[node] {
		return nil
	}
	visited[node] = true

	deps, err := m.Dependencies(id, plat)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	for _, dep := range deps {
		if !m.NeedsUpdate(dep.ID, dep.Platform) {
			continue
		}
		if err := m.compile(dep.ID, dep.Platform, visited); err != nil {
			m.log.Debug("dependency compile failed", "id", dep.ID, "platform", dep.Platform, "err", err)
			return fmt.Errorf("%w: %s/%d: %v", ErrDependencyFailed, dep.ID, dep.Platform, err)
		}
	}

	src, err := m.loadSource(id)
	if err != nil {
		return err
	}
	srcHash := sourceHashAt(src, plat)
	if srcHash.IsZero() && m.localSource() {
		// Never-hashed local source: stamp it and rewrite so later
		// freshness checks see a stable value.
		h := sourceLogHash(src)
		src.SetImportHash(m.tick(), h)
		if err := src.WriteFile(m.SourcePathFor(id), true); err != nil {
			return err
		}
		srcHash = h
	}

	src.CollapseHistory()
	typ := src.Type(plat)

	ctx := CompileContext{
		Module:     m,
		ID:         id,
		Platform:   plat,
		Source:     src,
		SourceHash: srcHash,
		Type:       typ,
	}
	var lastErr error
	for _, fn := range m.compilers {
		if err := fn(ctx); err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		if err := m.runCompileTools(id); err != nil {
			m.log.Info("compile failed", "id", id, "platform", plat, "type", typ, "err", lastErr)
			return lastErr
		}
	}

	if m.deps != nil {
		edges := make([]depgraph.Node, len(deps))
		for i, d := range deps {
			edges[i] = depgraph.Node{ID: d.ID, Platform: d.Platform}
		}
		if err := m.deps.SetDependencies(node, edges); err != nil {
			m.log.Debug("dependency index update failed", "id", id, "err", err)
		}
	}
	return nil
}

// AutoimportNeedsUpdate reports whether (id, plat) must be reimported: the
// source file is gone, the import-map signature no longer matches the
// asset's content, or the source's stored import hash does not.
func (m *Module) AutoimportNeedsUpdate(id ident.UUID, plat uint64) bool {
	if m.localSource() {
		if _, err := os.Stat(m.SourcePathFor(id)); err != nil {
			return true
		}
	}
	path, err := m.ReverseLookup(id)
	if err != nil {
		return false
	}
	fileHash, err := ident.HashFile(path)
	if err != nil {
		// Asset vanished; reimport cannot help.
		return false
	}
	im, err := importmap.Open(path, false)
	if err == nil {
		if _, sig, err := im.Lookup(path); err == nil && sig != fileHash {
			return true
		}
	}
	src, err := m.loadSource(id)
	if err != nil {
		return true
	}
	return src.ImportHash() != fileHash
}

// Autoimport reimports id from its recorded path.
func (m *Module) Autoimport(id ident.UUID, plat uint64) error {
	path, err := m.ReverseLookup(id)
	if err != nil {
		return err
	}
	_, _, err = m.Import(path)
	return err
}

// Import runs the import pipeline for the asset at path: registered
// importers first, then external import tools, then the built-in raw
// import. The asset's (uuid, content hash) pair is recorded in the
// governing import map and the source is stamped and persisted.
func (m *Module) Import(path string) (ident.UUID, ident.Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ident.Nil, ident.ZeroHash, ErrNotFound
		}
		return ident.Nil, ident.ZeroHash, err
	}
	defer f.Close()

	fileHash, err := ident.HashReader(f)
	if err != nil {
		return ident.Nil, ident.ZeroHash, err
	}

	m.ensureBaseMap(path)
	im, err := importmap.Open(path, true)
	if err != nil {
		return ident.Nil, ident.ZeroHash, err
	}
	id, _, err := im.Lookup(path)
	if err != nil {
		return ident.Nil, ident.ZeroHash, err
	}
	created := id == ident.Nil
	if created {
		id = ident.NewUUID()
	}

	src, err := m.loadSource(id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return ident.Nil, ident.ZeroHash, err
		}
		src = source.New()
	}

	imported := false
	var lastErr error
	for _, fn := range m.importers {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return ident.Nil, ident.ZeroHash, err
		}
		if err := fn(m, f, id, src); err != nil {
			lastErr = err
			continue
		}
		imported = true
		break
	}
	if !imported && len(m.cfg.ToolPaths) > 0 {
		if err := m.runImportTools(path, id); err == nil {
			imported = true
			// The tool rewrote the source on disk; reload it.
			if reloaded, err := m.loadSource(id); err == nil {
				src = reloaded
			}
		}
	}
	if !imported {
		if err := m.rawImport(f, id, src); err != nil {
			if lastErr != nil {
				return ident.Nil, ident.ZeroHash, lastErr
			}
			return ident.Nil, ident.ZeroHash, err
		}
	}

	src.SetImportHash(m.tick(), fileHash)
	if m.localSource() {
		if err := src.WriteFile(m.SourcePathFor(id), true); err != nil {
			return ident.Nil, ident.ZeroHash, err
		}
	}

	storedID, err := im.Store(path, id, fileHash)
	if err != nil {
		return ident.Nil, ident.ZeroHash, err
	}

	token := m.tokens.Next()
	kind := event.KindModify
	if created {
		kind = event.KindCreate
	}
	m.events.Post(kind, storedID, platform.Any, token)
	if m.deps != nil {
		_ = m.deps.SetLastNotified(storedID, fileHash, token)
	}
	m.events.PostDepends(storedID, platform.Any, token)
	return storedID, fileHash, nil
}

// ensureBaseMap roots the import map at the configured base path before a
// first import, so every asset under it shares one index and reverse
// lookups have a stable anchor. Without a base path the index lands in the
// asset's own directory.
func (m *Module) ensureBaseMap(path string) {
	if m.cfg.BasePath == "" {
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil || !isPathPrefix(m.cfg.BasePath, abs) {
		return
	}
	mapPath := filepath.Join(m.cfg.BasePath, importmap.FileName)
	if _, err := os.Stat(mapPath); err == nil || !os.IsNotExist(err) {
		return
	}
	if err := os.MkdirAll(m.cfg.BasePath, 0o755); err != nil {
		return
	}
	if f, err := os.OpenFile(mapPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644); err == nil {
		_ = f.Close()
	}
}

// rawImport stores the asset verbatim: type "raw" plus a content blob.
func (m *Module) rawImport(f *os.File, id ident.UUID, src *source.Source) error {
	if !m.localSource() {
		return errors.New("resource: raw import needs a local source root")
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	payload, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	ts := m.tick()
	if src.Type(platform.Any) == "" {
		src.SetType(ts, platform.Any, "raw")
	}
	checksum := ident.Checksum(payload)
	if err := source.WriteBlob(m.cfg.SourcePath, id, rawContentKey, platform.Any, checksum, payload); err != nil {
		return err
	}
	src.SetBlob(m.tick(), rawContentKey, platform.Any, checksum, uint64(len(payload)))
	return nil
}

// ArtifactStream is a length-known artifact body.
type ArtifactStream interface {
	io.ReadCloser
	Size() uint64
}

type fileArtifact struct {
	*os.File
	size uint64
}

func (f *fileArtifact) Size() uint64 { return f.size }

func openFileArtifact(f *os.File) (ArtifactStream, error) {
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &fileArtifact{File: f, size: uint64(info.Size())}, nil
}

// OpenStatic serves the static artifact of (id, plat): the remote compiled
// endpoint first, then the local cache after reimporting and recompiling
// anything stale.
func (m *Module) OpenStatic(id ident.UUID, plat uint64) (ArtifactStream, error) {
	return m.openArtifact(id, plat, false)
}

// OpenDynamic serves the dynamic artifact of (id, plat).
func (m *Module) OpenDynamic(id ident.UUID, plat uint64) (ArtifactStream, error) {
	return m.openArtifact(id, plat, true)
}

func (m *Module) openArtifact(id ident.UUID, plat uint64, dynamic bool) (ArtifactStream, error) {
	if m.compiled != nil {
		var st *remote.Stream
		var err error
		if dynamic {
			st, err = m.compiled.OpenDynamic(id, plat)
		} else {
			st, err = m.compiled.OpenStatic(id, plat)
		}
		if err == nil {
			return st, nil
		}
		if !errors.Is(err, remote.ErrNotFound) && !errors.Is(err, remote.ErrRemoteUnavailable) {
			return nil, err
		}
	}

	if m.AutoimportNeedsUpdate(id, plat) {
		if err := m.Autoimport(id, plat); err != nil {
			m.log.Debug("autoimport failed", "id", id, "err", err)
		}
	}
	if m.NeedsUpdate(id, plat) {
		if err := m.Compile(id, plat); err != nil {
			m.log.Info("compile on open failed", "id", id, "platform", plat, "err", err)
		}
	}

	var f *os.File
	var err error
	if dynamic {
		f, _, err = m.cache.OpenDynamic(id, plat)
	} else {
		f, _, err = m.cache.OpenStatic(id, plat)
	}
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return openFileArtifact(f)
}
