// Package pipeline assembles the resource module: configuration, the local
// cache and source store, the import map, the dependency graph, registered
// compilers and importers, remote endpoint clients and the event stream.
// One Module value owns all of it; there is no process-wide state.
package pipeline

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/sha3"

	"relic.dev/relic/cache"
	"relic.dev/relic/depgraph"
	"relic.dev/relic/event"
	"relic.dev/relic/ident"
	"relic.dev/relic/importmap"
	"relic.dev/relic/platform"
	"relic.dev/relic/remote"
	"relic.dev/relic/source"
	"relic.dev/relic/wire"
)

// ErrNotFound is the normal miss outcome: unknown path, uuid or artifact.
var ErrNotFound = errors.New("resource: not found")

// ErrDependencyFailed aborts a compile whose dependency failed to compile.
var ErrDependencyFailed = errors.New("resource: dependency failed to compile")

// CompileContext hands a compiler everything it needs. Source holds the
// collapsed per-platform winners; compilers emit artifacts through
// Module.WriteArtifact or the cache directly.
type CompileContext struct {
	Module     *Module
	ID         ident.UUID
	Platform   uint64
	Source     *source.Source
	SourceHash ident.Hash
	Type       string
}

// Compiler turns a source into artifacts. A compiler that does not handle
// the context's type returns an error and the next one is tried.
type Compiler func(ctx CompileContext) error

// Importer populates a source from an opened asset file. Importers run in
// registration order until one succeeds.
type Importer func(m *Module, f *os.File, id ident.UUID, src *source.Source) error

// Module is the assembled resource pipeline.
type Module struct {
	cfg    Config
	log    *slog.Logger
	cache  *cache.Cache
	deps   *depgraph.DB
	events *event.Stream
	tokens event.Tokens

	sourced  *remote.SourcedClient
	compiled *remote.CompiledClient

	compilers []Compiler
	importers []Importer
	tick      func() int64

	mu      sync.Mutex
	watched []string
	monitor Monitor
}

// New builds a module from cfg. Remote clients are dialed when endpoints
// are configured; the dependency graph lives under the source root (or the
// first local path when sources are remote-only).
func New(cfg Config, log *slog.Logger) (*Module, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	m := &Module{
		cfg:   cfg,
		log:   log,
		cache: cache.New(cfg.LocalPaths...),
		tick:  newTickSource(),
	}

	depDir := cfg.SourcePath
	if depDir == "" && len(cfg.LocalPaths) > 0 {
		depDir = cfg.LocalPaths[0]
	}
	if depDir != "" {
		d, err := depgraph.Open(depDir)
		if err != nil {
			return nil, err
		}
		m.deps = d
	}
	m.events = event.NewStream(m.deps)

	if addrs := EndpointAddrs(cfg.RemoteSourced); len(addrs) > 0 {
		m.sourced = remote.DialSourced(addrs, m.routeNotify, log)
	}
	if addrs := EndpointAddrs(cfg.RemoteCompiled); len(addrs) > 0 {
		m.compiled = remote.DialCompiled(addrs, m.routeNotify, log)
	}

	m.RegisterCompiler(rawCompiler)
	return m, nil
}

// Close releases the module: remote workers terminate, the monitor and
// dependency graph close.
func (m *Module) Close() error {
	if m == nil {
		return nil
	}
	if m.sourced != nil {
		m.sourced.Close()
	}
	if m.compiled != nil {
		m.compiled.Close()
	}
	m.mu.Lock()
	mon := m.monitor
	m.monitor = nil
	m.mu.Unlock()
	if mon != nil {
		_ = mon.Close()
	}
	return m.deps.Close()
}

// newTickSource returns a strictly increasing monotonic tick function.
func newTickSource() func() int64 {
	var last atomic.Int64
	return func() int64 {
		now := time.Now().UnixNano()
		for {
			prev := last.Load()
			if now <= prev {
				now = prev + 1
			}
			if last.CompareAndSwap(prev, now) {
				return now
			}
		}
	}
}

// SetTickSource replaces the monotonic tick source. The source must be
// non-decreasing; changes are stamped with its values.
func (m *Module) SetTickSource(fn func() int64) {
	if fn != nil {
		m.tick = fn
	}
}

// Events returns the module's event stream.
func (m *Module) Events() *event.Stream { return m.events }

// Config returns the module configuration.
func (m *Module) Config() Config { return m.cfg }

// Cache returns the local artifact cache.
func (m *Module) Cache() *cache.Cache { return m.cache }

// RegisterCompiler appends fn to the compiler chain.
func (m *Module) RegisterCompiler(fn Compiler) {
	if fn != nil {
		m.compilers = append(m.compilers, fn)
	}
}

// RegisterImporter appends fn to the importer chain.
func (m *Module) RegisterImporter(fn Importer) {
	if fn != nil {
		m.importers = append(m.importers, fn)
	}
}

// routeNotify feeds remote notifications into the local event stream.
func (m *Module) routeNotify(msgID uint32, n wire.Notify) {
	var kind event.Kind
	switch msgID {
	case wire.MsgNotifyCreate:
		kind = event.KindCreate
	case wire.MsgNotifyModify:
		kind = event.KindModify
	case wire.MsgNotifyDepends:
		kind = event.KindDepends
	case wire.MsgNotifyDelete:
		kind = event.KindDelete
	default:
		return
	}
	m.tokens.Seed(n.Token)
	m.events.Post(kind, n.ID, n.Platform, n.Token)
}

// SourcePathFor returns the local source file path of id.
func (m *Module) SourcePathFor(id ident.UUID) string {
	return ident.UUIDPath(m.cfg.SourcePath, id)
}

func (m *Module) localSource() bool { return m.cfg.SourcePath != "" }

// baseMap opens the import map governing the configured base path.
func (m *Module) baseMap(writable bool) (*importmap.Map, error) {
	base := m.cfg.BasePath
	if base == "" {
		base = m.cfg.SourcePath
	}
	if base == "" {
		return nil, ErrNotFound
	}
	return importmap.Open(filepath.Join(base, "_"), writable)
}

// loadSource reads the change log of id: from the local source root when
// configured, otherwise from the remote sourced endpoint.
func (m *Module) loadSource(id ident.UUID) (*source.Source, error) {
	if m.localSource() {
		s := source.New()
		err := s.ReadFile(m.SourcePathFor(id), true)
		if err == nil {
			return s, nil
		}
		if !os.IsNotExist(err) {
			return nil, err
		}
		if m.sourced == nil {
			return nil, ErrNotFound
		}
	}
	if m.sourced == nil {
		return nil, ErrNotFound
	}
	res, err := m.sourced.Read(id)
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return sourceFromWire(res), nil
}

func sourceFromWire(res wire.ReadResult) *source.Source {
	s := source.New()
	for _, c := range res.Changes {
		switch c.Flags {
		case wire.ChangeValue:
			s.Set(c.Timestamp, c.Key, c.Platform, c.Value)
		case wire.ChangeBlob:
			s.SetBlob(c.Timestamp, c.Key, c.Platform, c.Checksum, c.Size)
		case wire.ChangeUnset:
			s.Unset(c.Timestamp, c.Key, c.Platform)
		}
	}
	return s
}

// WireChanges flattens a source into its wire representation.
func WireChanges(s *source.Source) []wire.Change {
	var out []wire.Change
	s.Each(func(c *source.Change) {
		wc := wire.Change{
			Timestamp: c.Timestamp,
			Key:       c.Key,
			Platform:  c.Platform,
		}
		switch c.Kind {
		case source.KindValue:
			wc.Flags = wire.ChangeValue
			wc.Value = append([]byte(nil), c.Value()...)
		case source.KindBlob:
			wc.Flags = wire.ChangeBlob
			wc.Checksum = c.Checksum
			wc.Size = c.Size
		case source.KindUnset:
			wc.Flags = wire.ChangeUnset
		}
		out = append(out, wc)
	})
	return out
}

// Lookup resolves path to its (uuid, signature hash) via the closest
// import map, falling back to the remote sourced endpoint. A path that is
// nowhere recorded yields the nil uuid without error.
func (m *Module) Lookup(path string) (ident.UUID, ident.Hash, error) {
	if m.cfg.BasePath != "" || m.localSource() {
		im, err := importmap.Open(path, false)
		if err != nil {
			return ident.Nil, ident.ZeroHash, err
		}
		id, sig, err := im.Lookup(path)
		if err != nil {
			return ident.Nil, ident.ZeroHash, err
		}
		if id != ident.Nil {
			return id, sig, nil
		}
	}
	if m.sourced != nil {
		id, sig, err := m.sourced.Lookup(path)
		if err != nil && !errors.Is(err, remote.ErrNotFound) {
			return ident.Nil, ident.ZeroHash, err
		}
		return id, sig, nil
	}
	return ident.Nil, ident.ZeroHash, nil
}

// ReverseLookup resolves id back to its imported path.
func (m *Module) ReverseLookup(id ident.UUID) (string, error) {
	if im, err := m.baseMap(false); err == nil {
		path, ok, err := im.ReverseLookup(id)
		if err != nil {
			return "", err
		}
		if ok {
			return path, nil
		}
	}
	if m.sourced != nil {
		path, err := m.sourced.ReverseLookup(id)
		if err != nil {
			if errors.Is(err, remote.ErrNotFound) {
				return "", ErrNotFound
			}
			return "", err
		}
		return path, nil
	}
	return "", ErrNotFound
}

// Read loads the full change log of id.
func (m *Module) Read(id ident.UUID) (*source.Source, error) {
	return m.loadSource(id)
}

// Hash returns the source hash of (id, plat): the value stored under the
// hash key at the most specific applicable platform. Import stores the
// asset's content hash there; local edits re-stamp it with a digest of the
// change log.
func (m *Module) Hash(id ident.UUID, plat uint64) (ident.Hash, error) {
	src, err := m.loadSource(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) && m.sourced != nil {
			h, rerr := m.sourced.Hash(id, plat)
			if rerr == nil {
				return h, nil
			}
		}
		return ident.ZeroHash, err
	}
	return sourceHashAt(src, plat), nil
}

// sourceLogHash hashes the serialized change log, excluding the stored
// hash key itself so re-stamping converges. Any substantive change to the
// log changes this value.
func sourceLogHash(src *source.Source) ident.Hash {
	h := sha3.New256()
	var scratch [8]byte
	word := func(v uint64) {
		binary.LittleEndian.PutUint64(scratch[:], v)
		_, _ = h.Write(scratch[:])
	}
	src.Each(func(c *source.Change) {
		if c.Key == source.KeyHash {
			return
		}
		word(uint64(c.Timestamp))
		word(c.Key)
		word(c.Platform)
		word(uint64(c.Kind))
		switch c.Kind {
		case source.KindValue:
			word(uint64(len(c.Value())))
			_, _ = h.Write(c.Value())
		case source.KindBlob:
			word(c.Checksum)
			word(c.Size)
		}
	})
	var out ident.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// sourceHashAt reads the stored hash value at plat, null when absent.
func sourceHashAt(src *source.Source, plat uint64) ident.Hash {
	c := src.Get(source.KeyHash, plat)
	if c == nil {
		return ident.ZeroHash
	}
	h, err := ident.ParseHash(string(c.Value()))
	if err != nil {
		return ident.ZeroHash
	}
	return h
}

// Dependencies returns the direct dependencies of (id, plat) from the
// source metadata.
func (m *Module) Dependencies(id ident.UUID, plat uint64) ([]source.Dependency, error) {
	src, err := m.loadSource(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) && m.sourced != nil {
			refs, rerr := m.sourced.Dependencies(id, plat)
			if rerr == nil {
				out := make([]source.Dependency, len(refs))
				for i, r := range refs {
					out[i] = source.Dependency{ID: r.ID, Platform: r.Platform}
				}
				return out, nil
			}
		}
		return nil, err
	}
	return src.Dependencies(plat)
}

// ReadBlob loads the blob payload referenced by (id, plat, key).
func (m *Module) ReadBlob(id ident.UUID, plat, key uint64) (uint64, []byte, error) {
	if !m.localSource() {
		if m.sourced == nil {
			return 0, nil, ErrNotFound
		}
		checksum, payload, err := m.sourced.ReadBlob(id, plat, key)
		if errors.Is(err, remote.ErrNotFound) {
			return 0, nil, ErrNotFound
		}
		return checksum, payload, err
	}
	src, err := m.loadSource(id)
	if err != nil {
		return 0, nil, err
	}
	c := src.Get(key, plat)
	if c == nil || c.Kind != source.KindBlob {
		return 0, nil, ErrNotFound
	}
	payload, err := source.ReadBlob(m.cfg.SourcePath, id, key, c.Platform, c.Checksum, c.Size)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil, ErrNotFound
		}
		return 0, nil, err
	}
	return c.Checksum, payload, nil
}

// Set appends a value change to id's source, persists it and posts the
// change notification cascade.
func (m *Module) Set(id ident.UUID, plat, key uint64, value []byte) error {
	if !m.localSource() {
		if m.sourced == nil {
			return ErrNotFound
		}
		return m.sourced.Set(id, plat, key, value)
	}
	src, err := m.loadSource(id)
	created := false
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		src = source.New()
		created = true
	}
	src.Set(m.tick(), key, plat, value)
	src.SetImportHash(m.tick(), sourceLogHash(src))
	if err := src.WriteFile(m.SourcePathFor(id), true); err != nil {
		return err
	}
	m.postChange(created, id, plat)
	return nil
}

// SetBlob stores an out-of-line payload for (id, plat, key) and appends
// the referencing change.
func (m *Module) SetBlob(id ident.UUID, plat, key uint64, payload []byte) error {
	if !m.localSource() {
		return errors.New("resource: blob writes need a local source root")
	}
	src, err := m.loadSource(id)
	created := false
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		src = source.New()
		created = true
	}
	checksum := ident.Checksum(payload)
	if err := source.WriteBlob(m.cfg.SourcePath, id, key, plat, checksum, payload); err != nil {
		return err
	}
	src.SetBlob(m.tick(), key, plat, checksum, uint64(len(payload)))
	src.SetImportHash(m.tick(), sourceLogHash(src))
	if err := src.WriteFile(m.SourcePathFor(id), true); err != nil {
		return err
	}
	m.postChange(created, id, plat)
	return nil
}

// Unset appends an UNSET change for (id, plat, key).
func (m *Module) Unset(id ident.UUID, plat, key uint64) error {
	if !m.localSource() {
		if m.sourced == nil {
			return ErrNotFound
		}
		return m.sourced.Unset(id, plat, key)
	}
	src, err := m.loadSource(id)
	if err != nil {
		return err
	}
	src.Unset(m.tick(), key, plat)
	src.SetImportHash(m.tick(), sourceLogHash(src))
	if err := src.WriteFile(m.SourcePathFor(id), true); err != nil {
		return err
	}
	m.postChange(false, id, plat)
	return nil
}

// Delete removes id's source, its blob sidecars and cached artifacts, and
// posts the DELETE notification.
func (m *Module) Delete(id ident.UUID) error {
	if !m.localSource() {
		if m.sourced == nil {
			return ErrNotFound
		}
		return m.sourced.Delete(id)
	}
	path := m.SourcePathFor(id)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	names, err := source.EnumerateBlobs(m.cfg.SourcePath, id)
	if err == nil {
		dir := ident.UUIDDir(m.cfg.SourcePath, id)
		for _, name := range names {
			_ = os.Remove(filepath.Join(dir, name))
		}
	}
	for _, root := range m.cache.Roots() {
		_ = os.RemoveAll(ident.UUIDPath(root, id))
	}
	token := m.tokens.Next()
	m.events.Post(event.KindDelete, id, platform.Any, token)
	m.events.PostDepends(id, platform.Any, token)
	return nil
}

func (m *Module) postChange(created bool, id ident.UUID, plat uint64) {
	token := m.tokens.Next()
	kind := event.KindModify
	if created {
		kind = event.KindCreate
	}
	m.events.Post(kind, id, plat, token)
	m.events.PostDepends(id, plat, token)
}

// WriteArtifact emits a compiled artifact for (id, plat): the header
// followed by body, into the first local root.
func (m *Module) WriteArtifact(id ident.UUID, plat uint64, hdr cache.Header, body io.Reader) error {
	f, err := m.cache.CreateStatic(id, plat)
	if err != nil {
		return err
	}
	if err := cache.WriteHeader(f, hdr); err != nil {
		_ = f.Close()
		return err
	}
	if body != nil {
		if _, err := io.Copy(f, body); err != nil {
			_ = f.Close()
			return err
		}
	}
	return f.Close()
}

// rawCompiler handles type "raw": the imported content blob becomes the
// artifact body unchanged.
func rawCompiler(ctx CompileContext) error {
	if ctx.Type != "raw" {
		return fmt.Errorf("raw: cannot compile type %q", ctx.Type)
	}
	hdr := cache.Header{
		Type:       ident.KeyHash(ctx.Type),
		Version:    1,
		SourceHash: ctx.SourceHash,
	}
	c := ctx.Source.Get(rawContentKey, ctx.Platform)
	if c == nil {
		return ctx.Module.WriteArtifact(ctx.ID, ctx.Platform, hdr, nil)
	}
	switch c.Kind {
	case source.KindBlob:
		payload, err := source.ReadBlob(ctx.Module.cfg.SourcePath, ctx.ID, rawContentKey, c.Platform, c.Checksum, c.Size)
		if err != nil {
			return err
		}
		return ctx.Module.WriteArtifact(ctx.ID, ctx.Platform, hdr, bytes.NewReader(payload))
	default:
		return ctx.Module.WriteArtifact(ctx.ID, ctx.Platform, hdr, bytes.NewReader(c.Value()))
	}
}

// rawContentKey holds the imported file content of raw resources.
var rawContentKey = ident.KeyHash("content")
