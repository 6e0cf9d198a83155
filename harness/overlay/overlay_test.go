package overlay

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExec records mount/umount invocations instead of running them.
type fakeExec struct {
	calls   []string
	failOn  string
	umounts int
	mounts  int
}

func (f *fakeExec) run(name string, args ...string) error {
	call := name
	for _, a := range args {
		call += " " + a
	}
	f.calls = append(f.calls, call)
	if f.failOn != "" && name == f.failOn {
		return fmt.Errorf("injected %s failure", name)
	}
	switch name {
	case "mount":
		f.mounts++
	case "umount":
		f.umounts++
	}
	return nil
}

func newTestManager(t *testing.T, fe *fakeExec) *Manager {
	t.Helper()
	m := NewManagerWithExec(t.TempDir(), fe.run)
	// An empty mount table: nothing nested.
	m.mountsFile = filepath.Join(t.TempDir(), "mounts")
	return m
}

func TestMountRejectsDuplicateIdent(t *testing.T) {
	fe := &fakeExec{}
	m := newTestManager(t, fe)
	src, dst := t.TempDir(), filepath.Join(t.TempDir(), "mnt")

	require.NoError(t, m.Mount("tenants", src, dst))
	err := m.Mount("tenants", src, filepath.Join(t.TempDir(), "mnt2"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in use")
}

func TestMountCreatesUpperAndWorkDirs(t *testing.T) {
	fe := &fakeExec{}
	m := newTestManager(t, fe)
	dst := filepath.Join(t.TempDir(), "mnt")

	require.NoError(t, m.Mount("snap", t.TempDir(), dst))
	mounts := m.Mounts()
	require.Len(t, mounts, 1)
	assert.DirExists(t, mounts[0].UpperDir)
	assert.DirExists(t, mounts[0].WorkDir)
	assert.Equal(t, 1, fe.mounts)
}

func TestUnmountAndMoveMovesUpperLayer(t *testing.T) {
	fe := &fakeExec{}
	m := newTestManager(t, fe)
	dst := filepath.Join(t.TempDir(), "mnt")
	require.NoError(t, m.Mount("snap", t.TempDir(), dst))

	// Simulate the build writing into the upper layer.
	upper := m.Mounts()[0].UpperDir
	require.NoError(t, os.WriteFile(filepath.Join(upper, "written"), []byte("data"), 0o644))

	moveTo := filepath.Join(t.TempDir(), "snapshot")
	require.NoError(t, m.UnmountAndMove("snap", moveTo))
	assert.FileExists(t, filepath.Join(moveTo, "written"))
	assert.Empty(t, m.Mounts())
	assert.Equal(t, 1, fe.umounts)
}

func TestUnmountAndMoveRefusesNonEmptyDestination(t *testing.T) {
	fe := &fakeExec{}
	m := newTestManager(t, fe)
	require.NoError(t, m.Mount("snap", t.TempDir(), filepath.Join(t.TempDir(), "mnt")))

	full := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(full, "existing"), []byte("x"), 0o644))

	err := m.UnmountAndMove("snap", full)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-empty")
	// Mount must still be tracked after the refused move.
	assert.Len(t, m.Mounts(), 1)
}

func TestUnmountAndMoveUnknownIdent(t *testing.T) {
	fe := &fakeExec{}
	m := newTestManager(t, fe)
	err := m.UnmountAndMove("ghost", t.TempDir())
	assert.Error(t, err)
}

func TestUnmountRefusesWithNestedMounts(t *testing.T) {
	fe := &fakeExec{}
	m := newTestManager(t, fe)
	dst := filepath.Join(t.TempDir(), "mnt")
	require.NoError(t, m.Mount("snap", t.TempDir(), dst))

	mountsFile := filepath.Join(t.TempDir(), "mounts")
	require.NoError(t, os.WriteFile(mountsFile,
		[]byte(fmt.Sprintf("overlay %s/nested overlay rw 0 0\n", dst)), 0o644))
	m.mountsFile = mountsFile

	err := m.UnmountAndMove("snap", filepath.Join(t.TempDir(), "out"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nested mounts")
}

func TestCleanupTeardownUnwindsEverything(t *testing.T) {
	fe := &fakeExec{}
	m := newTestManager(t, fe)
	for i := 0; i < 3; i++ {
		require.NoError(t, m.Mount(fmt.Sprintf("m%d", i), t.TempDir(), filepath.Join(t.TempDir(), "mnt")))
	}

	require.NoError(t, m.CleanupTeardown())
	assert.Empty(t, m.Mounts())
	assert.Equal(t, 3, fe.umounts)
}

func TestCleanupTeardownContinuesPastFailures(t *testing.T) {
	fe := &fakeExec{}
	m := newTestManager(t, fe)
	for i := 0; i < 3; i++ {
		require.NoError(t, m.Mount(fmt.Sprintf("m%d", i), t.TempDir(), filepath.Join(t.TempDir(), "mnt")))
	}

	fe.failOn = "umount"
	err := m.CleanupTeardown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "injected umount failure")
	// All three mounts got an unmount attempt.
	attempts := 0
	for _, call := range fe.calls {
		if len(call) >= 6 && call[:6] == "umount" {
			attempts++
		}
	}
	assert.Equal(t, 3, attempts)
}
