package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"relic.dev/relic/event"
	"relic.dev/relic/platform"
	"relic.dev/relic/source"
)

func TestWatchSetStaysMinimal(t *testing.T) {
	m := testModule(t)
	root := t.TempDir()
	a := filepath.Join(root, "a")
	ab := filepath.Join(root, "a", "b")
	abc := filepath.Join(root, "a", "b", "c")
	x := filepath.Join(root, "x")

	for _, dir := range []string{ab, abc, x, a} {
		if err := m.Watch(dir); err != nil {
			t.Fatalf("Watch(%s): %v", dir, err)
		}
	}
	got := m.WatchedDirs()
	// Watching a collapses its descendants; abc was suppressed by ab.
	if len(got) != 2 {
		t.Fatalf("watched set: %v", got)
	}
	for _, w := range got {
		for _, v := range got {
			if w != v && strings.HasPrefix(v, w+string(filepath.Separator)) {
				t.Fatalf("watch set not prefix-free: %v", got)
			}
		}
	}

	// A new watch under a watched ancestor is suppressed.
	if err := m.Watch(abc); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if len(m.WatchedDirs()) != 2 {
		t.Fatalf("descendant watch not suppressed: %v", m.WatchedDirs())
	}

	if err := m.Unwatch(a); err != nil {
		t.Fatalf("Unwatch: %v", err)
	}
	if got := m.WatchedDirs(); len(got) != 1 || got[0] != x {
		t.Fatalf("after unwatch: %v", got)
	}
}

func TestHandleFileEventPostsModifyAndCascade(t *testing.T) {
	m := testModule(t)
	asset := writeAsset(t, m, "watched/thing.bin", "v1")
	id, _, err := m.Import(asset)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}

	// A dependent resource to receive the cascade.
	depAsset := writeAsset(t, m, "watched/user.bin", "user")
	userID, _, err := m.Import(depAsset)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	depList := source.FormatDependencies([]source.Dependency{{ID: id, Platform: platform.Any}})
	if err := m.Set(userID, platform.Any, source.KeyDependencies, []byte(depList)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := m.Compile(userID, platform.Any); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if err := m.Watch(m.Config().BasePath); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	m.Events().Drain(func(event.Event) {})

	// Same content as the import recorded: deduplicated, nothing posted.
	m.HandleFileEvent(asset)
	if m.Events().Pending() != 0 {
		t.Fatalf("unchanged file must not notify")
	}

	if err := os.WriteFile(asset, []byte("v2"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	m.HandleFileEvent(asset)

	var got []event.Event
	m.Events().Drain(func(ev event.Event) { got = append(got, ev) })
	if len(got) != 2 {
		t.Fatalf("want MODIFY plus one DEPENDS, got %+v", got)
	}
	if got[0].Kind != event.KindModify || got[0].ID != id {
		t.Fatalf("first event: %+v", got[0])
	}
	if got[1].Kind != event.KindDepends || got[1].ID != userID {
		t.Fatalf("cascade event: %+v", got[1])
	}
	if got[0].Token != got[1].Token {
		t.Fatalf("cascade must reuse the trigger token")
	}

	// Replay of the same content is deduplicated again.
	m.HandleFileEvent(asset)
	if m.Events().Pending() != 0 {
		t.Fatalf("replayed event must be deduplicated")
	}
}

func TestHandleFileEventIgnoresUnwatchedAndUnknown(t *testing.T) {
	m := testModule(t)
	asset := writeAsset(t, m, "loose.bin", "x")
	if _, _, err := m.Import(asset); err != nil {
		t.Fatalf("Import: %v", err)
	}
	// Not watched: ignored even though it is imported.
	m.Events().Drain(func(event.Event) {})
	if err := os.WriteFile(asset, []byte("y"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	m.HandleFileEvent(asset)
	if m.Events().Pending() != 0 {
		t.Fatalf("unwatched path must be ignored")
	}

	// Watched but never imported: no uuid, ignored.
	if err := m.Watch(m.Config().BasePath); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	unknown := writeAsset(t, m, "unknown.bin", "z")
	m.HandleFileEvent(unknown)
	if m.Events().Pending() != 0 {
		t.Fatalf("unimported path must be ignored")
	}
}
