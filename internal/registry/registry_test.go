package registry_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/groupgate/internal/persistence"
	"github.com/basket/groupgate/internal/registry"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	s, err := persistence.Open(filepath.Join(t.TempDir(), "groupgate.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRegister_PersistsAndResolvesFolder(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "team"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	store := openTestStore(t)
	r := registry.New(root, store, "main")
	ctx := context.Background()

	g := registry.Group{JID: "g1@g.us", Name: "Team", Folder: "team", RequiresTrigger: true}
	if err := r.Register(ctx, g); err != nil {
		t.Fatalf("register: %v", err)
	}

	got, ok := r.Get("g1@g.us")
	if !ok {
		t.Fatal("expected group to be registered")
	}
	if got.Folder != "team" {
		t.Fatalf("got %+v", got)
	}

	// Reload from a fresh registry backed by the same store to confirm persistence.
	r2 := registry.New(root, store, "main")
	if err := r2.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := r2.Get("g1@g.us"); !ok {
		t.Fatal("expected group to survive reload")
	}
}

func TestRegister_RejectsFolderEscapingRoot(t *testing.T) {
	root := t.TempDir()
	store := openTestStore(t)
	r := registry.New(root, store, "main")
	ctx := context.Background()

	g := registry.Group{JID: "g1@g.us", Name: "Evil", Folder: "../../etc"}
	if err := r.Register(ctx, g); err == nil {
		t.Fatal("expected error for path-escaping folder")
	}
}

func TestRegister_RejectsNonPatternFolder(t *testing.T) {
	root := t.TempDir()
	store := openTestStore(t)
	r := registry.New(root, store, "main")
	ctx := context.Background()

	for _, bad := range []string{"has space", "slash/here", "semi;colon", ""} {
		g := registry.Group{JID: "g1@g.us", Name: "Bad", Folder: bad}
		if err := r.Register(ctx, g); err == nil {
			t.Fatalf("expected error for invalid folder %q", bad)
		}
	}
}

func TestRegister_SecondMainRejected(t *testing.T) {
	root := t.TempDir()
	for _, f := range []string{"main", "second"} {
		if err := os.MkdirAll(filepath.Join(root, f), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	store := openTestStore(t)
	r := registry.New(root, store, "main")
	ctx := context.Background()

	if err := r.Register(ctx, registry.Group{JID: "g1@g.us", Folder: "main", IsMain: true}); err != nil {
		t.Fatalf("register first main: %v", err)
	}
	err := r.Register(ctx, registry.Group{JID: "g2@g.us", Folder: "second", IsMain: true})
	if err != registry.ErrDuplicateMain {
		t.Fatalf("expected ErrDuplicateMain, got %v", err)
	}
}

func TestLoad_DuplicateMainInStoreFailsLoad(t *testing.T) {
	root := t.TempDir()
	for _, f := range []string{"main", "second"} {
		if err := os.MkdirAll(filepath.Join(root, f), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	store := openTestStore(t)
	ctx := context.Background()

	// Bypass the registry's own guard to simulate a store that already
	// has two main rows (e.g. hand-edited or from an older bug).
	if err := store.UpsertGroup(ctx, persistence.RegisteredGroup{JID: "g1@g.us", Folder: "main", IsMain: true}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.UpsertGroup(ctx, persistence.RegisteredGroup{JID: "g2@g.us", Folder: "second", IsMain: true}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	r := registry.New(root, store, "main")
	if err := r.Load(ctx); err != registry.ErrDuplicateMain {
		t.Fatalf("expected ErrDuplicateMain on load, got %v", err)
	}
}

func TestMain_ReturnsDesignatedGroup(t *testing.T) {
	root := t.TempDir()
	for _, f := range []string{"main", "side"} {
		if err := os.MkdirAll(filepath.Join(root, f), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	store := openTestStore(t)
	r := registry.New(root, store, "main")
	ctx := context.Background()

	if err := r.Register(ctx, registry.Group{JID: "g1@g.us", Folder: "main", IsMain: true}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(ctx, registry.Group{JID: "g2@g.us", Folder: "side"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	main, ok := r.Main()
	if !ok || main.JID != "g1@g.us" {
		t.Fatalf("expected g1 as main, got %+v ok=%v", main, ok)
	}
}

func TestUnregister_RemovesFromRegistryAndStore(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "team"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	store := openTestStore(t)
	r := registry.New(root, store, "main")
	ctx := context.Background()

	if err := r.Register(ctx, registry.Group{JID: "g1@g.us", Folder: "team"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Unregister(ctx, "g1@g.us"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if _, ok := r.Get("g1@g.us"); ok {
		t.Fatal("expected group removed")
	}
}

func TestAll_SortedByFolder(t *testing.T) {
	root := t.TempDir()
	for _, f := range []string{"zebra", "alpha", "mango"} {
		if err := os.MkdirAll(filepath.Join(root, f), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	store := openTestStore(t)
	r := registry.New(root, store, "main")
	ctx := context.Background()

	for i, f := range []string{"zebra", "alpha", "mango"} {
		jid := string(rune('a'+i)) + "@g.us"
		if err := r.Register(ctx, registry.Group{JID: jid, Folder: f}); err != nil {
			t.Fatalf("register %s: %v", f, err)
		}
	}

	groups := r.All()
	want := []string{"alpha", "mango", "zebra"}
	if len(groups) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(groups))
	}
	for i, g := range groups {
		if g.Folder != want[i] {
			t.Fatalf("groups[%d].Folder = %q, want %q", i, g.Folder, want[i])
		}
	}
}
