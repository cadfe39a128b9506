package pipeline

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"relic.dev/relic/event"
	"relic.dev/relic/ident"
	"relic.dev/relic/importmap"
	"relic.dev/relic/platform"
)

// Monitor watches directories and reports created or modified file paths.
type Monitor interface {
	Add(dir string) error
	Remove(dir string) error
	Events() <-chan string
	Close() error
}

// fsMonitor adapts fsnotify to recursive directory watching: adding a
// directory walks its subtree, and directories created later are picked up
// from their create events.
type fsMonitor struct {
	w      *fsnotify.Watcher
	out    chan string
	closed chan struct{}
}

// NewFSMonitor starts the default filesystem monitor.
func NewFSMonitor() (Monitor, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	m := &fsMonitor{
		w:      w,
		out:    make(chan string, 256),
		closed: make(chan struct{}),
	}
	go m.loop()
	return m, nil
}

func (m *fsMonitor) loop() {
	defer close(m.out)
	for {
		select {
		case ev, ok := <-m.w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
				if ev.Op&fsnotify.Create != 0 {
					_ = m.addTree(ev.Name)
				}
				continue
			}
			select {
			case m.out <- ev.Name:
			case <-m.closed:
				return
			default:
				// Consumer stalled; drop rather than block the watcher.
			}
		case _, ok := <-m.w.Errors:
			if !ok {
				return
			}
		case <-m.closed:
			return
		}
	}
}

func (m *fsMonitor) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		return m.w.Add(path)
	})
}

func (m *fsMonitor) Add(dir string) error    { return m.addTree(dir) }
func (m *fsMonitor) Remove(dir string) error { return m.w.Remove(dir) }
func (m *fsMonitor) Events() <-chan string   { return m.out }

func (m *fsMonitor) Close() error {
	close(m.closed)
	return m.w.Close()
}

// SetMonitor installs the filesystem monitor autoimport watches through.
func (m *Module) SetMonitor(mon Monitor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monitor = mon
}

// Watch adds dir to the autoimport watch set. The set stays pairwise
// incomparable: a watch under an already-watched ancestor is suppressed,
// and watched descendants of dir are collapsed into it.
func (m *Module) Watch(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	abs = filepath.Clean(abs)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.watched {
		if w == abs || isPathPrefix(w, abs) {
			return nil // already covered by an ancestor
		}
	}
	kept := m.watched[:0]
	for _, w := range m.watched {
		if isPathPrefix(abs, w) {
			if m.monitor != nil {
				_ = m.monitor.Remove(w)
			}
			continue
		}
		kept = append(kept, w)
	}
	m.watched = append(kept, abs)
	if m.monitor != nil {
		return m.monitor.Add(abs)
	}
	return nil
}

// Unwatch removes an exact watch-set entry.
func (m *Module) Unwatch(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	abs = filepath.Clean(abs)

	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.watched[:0]
	removed := false
	for _, w := range m.watched {
		if w == abs {
			removed = true
			continue
		}
		kept = append(kept, w)
	}
	m.watched = kept
	if removed && m.monitor != nil {
		return m.monitor.Remove(abs)
	}
	return nil
}

// WatchedDirs returns a copy of the current watch set.
func (m *Module) WatchedDirs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.watched...)
}

// isPathPrefix reports whether child lies strictly under parent.
func isPathPrefix(parent, child string) bool {
	if parent == child {
		return false
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

// HandleFileEvent reacts to a created or modified file under a watched
// directory: the file's uuid is resolved through the closest import map
// and, when the content hash moved since the last notification, a MODIFY
// event with a fresh token is posted followed by the DEPENDS cascade.
func (m *Module) HandleFileEvent(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	m.mu.Lock()
	covered := false
	for _, w := range m.watched {
		if w == abs || isPathPrefix(w, abs) {
			covered = true
			break
		}
	}
	m.mu.Unlock()
	if !covered {
		return
	}
	if base := filepath.Base(abs); base == importmap.FileName {
		return
	}

	im, err := importmap.Open(abs, false)
	if err != nil {
		return
	}
	id, _, err := im.Lookup(abs)
	if err != nil || id == ident.Nil {
		return
	}
	h, err := ident.HashFile(abs)
	if err != nil {
		return
	}
	if m.deps != nil {
		if lastHash, _, ok, err := m.deps.LastNotified(id); err == nil && ok && lastHash == h {
			return // already notified for this content
		}
	}

	token := m.tokens.Next()
	m.events.Post(event.KindModify, id, platform.Any, token)
	if m.deps != nil {
		_ = m.deps.SetLastNotified(id, h, token)
	}
	m.events.PostDepends(id, platform.Any, token)
}

// RunAutoimport pumps monitor events into HandleFileEvent until ctx ends
// or the monitor closes. The configured autoimport paths are watched
// before the pump starts.
func (m *Module) RunAutoimport(ctx context.Context) error {
	m.mu.Lock()
	mon := m.monitor
	m.mu.Unlock()
	if mon == nil {
		return errors.New("resource: no monitor installed")
	}
	for _, dir := range m.cfg.AutoimportPaths {
		if err := m.Watch(dir); err != nil {
			m.log.Info("autoimport watch failed", "dir", dir, "err", err)
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case path, ok := <-mon.Events():
			if !ok {
				return nil
			}
			m.HandleFileEvent(path)
		}
	}
}
