package depgraph

import (
	"testing"

	"relic.dev/relic/ident"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func node(plat uint64) Node {
	return Node{ID: ident.NewUUID(), Platform: plat}
}

func contains(nodes []Node, want Node) bool {
	for _, n := range nodes {
		if n == want {
			return true
		}
	}
	return false
}

func TestSetDependenciesAndLookup(t *testing.T) {
	d := openTestDB(t)
	app := node(0)
	tex := node(0)
	mesh := node(7)

	if err := d.SetDependencies(app, []Node{tex, mesh}); err != nil {
		t.Fatalf("SetDependencies: %v", err)
	}

	deps, err := d.Dependencies(app)
	if err != nil {
		t.Fatalf("Dependencies: %v", err)
	}
	if len(deps) != 2 || !contains(deps, tex) || !contains(deps, mesh) {
		t.Fatalf("forward edges: %+v", deps)
	}

	for _, dep := range []Node{tex, mesh} {
		dependents, err := d.Dependents(dep)
		if err != nil {
			t.Fatalf("Dependents: %v", err)
		}
		if len(dependents) != 1 || dependents[0] != app {
			t.Fatalf("reverse edge of %v: %+v", dep, dependents)
		}
	}
}

func TestSetDependenciesReplacesEdges(t *testing.T) {
	d := openTestDB(t)
	app := node(0)
	tex := node(0)
	mesh := node(0)

	if err := d.SetDependencies(app, []Node{tex}); err != nil {
		t.Fatalf("SetDependencies: %v", err)
	}
	if err := d.SetDependencies(app, []Node{mesh}); err != nil {
		t.Fatalf("SetDependencies: %v", err)
	}

	deps, _ := d.Dependencies(app)
	if len(deps) != 1 || deps[0] != mesh {
		t.Fatalf("forward edges after replace: %+v", deps)
	}
	if dependents, _ := d.Dependents(tex); len(dependents) != 0 {
		t.Fatalf("stale reverse edge survived: %+v", dependents)
	}
	if dependents, _ := d.Dependents(mesh); len(dependents) != 1 || dependents[0] != app {
		t.Fatalf("new reverse edge missing: %+v", dependents)
	}

	if err := d.SetDependencies(app, nil); err != nil {
		t.Fatalf("SetDependencies(nil): %v", err)
	}
	if deps, _ := d.Dependencies(app); len(deps) != 0 {
		t.Fatalf("clearing left forward edges: %+v", deps)
	}
	if dependents, _ := d.Dependents(mesh); len(dependents) != 0 {
		t.Fatalf("clearing left reverse edges: %+v", dependents)
	}
}

func TestSharedDependency(t *testing.T) {
	d := openTestDB(t)
	a := node(0)
	b := node(0)
	shared := node(0)

	if err := d.SetDependencies(a, []Node{shared}); err != nil {
		t.Fatalf("SetDependencies: %v", err)
	}
	if err := d.SetDependencies(b, []Node{shared}); err != nil {
		t.Fatalf("SetDependencies: %v", err)
	}
	dependents, err := d.Dependents(shared)
	if err != nil {
		t.Fatalf("Dependents: %v", err)
	}
	if len(dependents) != 2 || !contains(dependents, a) || !contains(dependents, b) {
		t.Fatalf("shared dependents: %+v", dependents)
	}

	// Re-storing the same list must not duplicate the reverse edge.
	if err := d.SetDependencies(a, []Node{shared}); err != nil {
		t.Fatalf("SetDependencies: %v", err)
	}
	dependents, _ = d.Dependents(shared)
	if len(dependents) != 2 {
		t.Fatalf("duplicate reverse edge: %+v", dependents)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	app := node(3)
	dep := node(0)
	if err := d.SetDependencies(app, []Node{dep}); err != nil {
		t.Fatalf("SetDependencies: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	d2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = d2.Close() })
	deps, err := d2.Dependencies(app)
	if err != nil {
		t.Fatalf("Dependencies: %v", err)
	}
	if len(deps) != 1 || deps[0] != dep {
		t.Fatalf("edges lost across reopen: %+v", deps)
	}
}

func TestLastNotified(t *testing.T) {
	d := openTestDB(t)
	id := ident.NewUUID()

	if _, _, ok, err := d.LastNotified(id); err != nil || ok {
		t.Fatalf("fresh id: ok=%v err=%v", ok, err)
	}

	h := ident.HashBytes([]byte("content"))
	if err := d.SetLastNotified(id, h, 42); err != nil {
		t.Fatalf("SetLastNotified: %v", err)
	}
	gotHash, gotToken, ok, err := d.LastNotified(id)
	if err != nil || !ok {
		t.Fatalf("LastNotified: ok=%v err=%v", ok, err)
	}
	if gotHash != h || gotToken != 42 {
		t.Fatalf("got (%s, %d)", gotHash.Hex(), gotToken)
	}
}
