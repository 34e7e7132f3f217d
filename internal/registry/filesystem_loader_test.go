package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeBundle(t *testing.T, root, name, version, mainJS string) string {
	t.Helper()
	dir := filepath.Join(root, name+"-"+version)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	metadata := `{"name":"` + name + `","version":"` + version + `","description":"test task"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, metadataFile), []byte(metadata), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, mainScriptFile), []byte(mainJS), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, inputSchemaFile), []byte(`{"type":"object"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, outputSchemaFile), []byte(`{"type":"object"}`), 0o644))
	return dir
}

func TestFilesystemLoaderDiscoverAndLoad(t *testing.T) {
	root := t.TempDir()
	writeBundle(t, root, "echo", "1.0.0", "function main(input) { return input; }")

	loader := NewFilesystemLoader(root)
	ctx := context.Background()

	refs, err := loader.Discover(ctx)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	require.Equal(t, "echo", refs[0].Name)
	require.Equal(t, "1.0.0", refs[0].Version)

	def, err := loader.Load(ctx, refs[0])
	require.NoError(t, err)
	require.Equal(t, "echo", def.Name)
	require.Contains(t, def.MainJS, "function main")
}

func TestFilesystemLoaderSkipsIncompleteDirectories(t *testing.T) {
	root := t.TempDir()
	writeBundle(t, root, "echo", "1.0.0", "function main(input) { return input; }")

	// A directory missing main.js must not be treated as a bundle.
	incomplete := filepath.Join(root, "broken-1.0.0")
	require.NoError(t, os.MkdirAll(incomplete, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(incomplete, metadataFile), []byte(`{"name":"broken","version":"1.0.0"}`), 0o644))

	refs, err := NewFilesystemLoader(root).Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, refs, 1)
	require.Equal(t, "echo", refs[0].Name)
}

func TestRegistryReconcileEmitsAddedUpdatedRemoved(t *testing.T) {
	root := t.TempDir()
	writeBundle(t, root, "echo", "1.0.0", "function main(input) { return input; }")
	loader := NewFilesystemLoader(root)
	reg := New(10)
	ctx := context.Background()

	require.NoError(t, reg.Reconcile(ctx, loader))
	ev := mustRecvEvent(t, reg)
	require.Equal(t, EventTaskAdded, ev.Kind)

	def, ok := reg.Get("echo@1.0.0")
	require.True(t, ok)
	require.Contains(t, def.MainJS, "function main")

	// Reconciling again with no changes must not emit a new event.
	require.NoError(t, reg.Reconcile(ctx, loader))
	select {
	case ev := <-reg.Events():
		t.Fatalf("unexpected event on unchanged reconcile: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	// Update the bundle's main.js; expect TaskUpdated.
	writeBundle(t, root, "echo", "1.0.0", "function main(input) { return { doubled: input.n * 2 }; }")
	require.NoError(t, reg.Reconcile(ctx, loader))
	ev = mustRecvEvent(t, reg)
	require.Equal(t, EventTaskUpdated, ev.Kind)

	// Remove the bundle entirely; expect TaskRemoved.
	require.NoError(t, os.RemoveAll(root))
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, reg.Reconcile(ctx, loader))
	ev = mustRecvEvent(t, reg)
	require.Equal(t, EventTaskRemoved, ev.Kind)

	_, ok = reg.Get("echo@1.0.0")
	require.False(t, ok)
}

func mustRecvEvent(t *testing.T, reg *Registry) Event {
	t.Helper()
	select {
	case ev := <-reg.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for registry event")
		return Event{}
	}
}
