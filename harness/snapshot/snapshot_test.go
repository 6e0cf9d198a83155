package snapshot

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildOnceAcrossGoroutines(t *testing.T) {
	cacheRoot := t.TempDir()

	var builds atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dir, err := SharedDir(cacheRoot, "K")
			require.NoError(t, err)
			err = dir.WithLocked(func(l Locked) error {
				if l.IsInitialized() {
					return nil
				}
				builds.Add(1)
				if err := os.MkdirAll(l.Path(), 0o755); err != nil {
					return err
				}
				if err := os.WriteFile(filepath.Join(l.Path(), "state"), []byte("built"), 0o644); err != nil {
					return err
				}
				return l.SetInitialized()
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), builds.Load(), "builder must run exactly once per key")
}

func TestDistinctKeysAreIndependent(t *testing.T) {
	cacheRoot := t.TempDir()

	for _, key := range []string{"alpha", "beta"} {
		dir, err := SharedDir(cacheRoot, key)
		require.NoError(t, err)
		require.NoError(t, dir.WithLocked(func(l Locked) error {
			assert.False(t, l.IsInitialized())
			require.NoError(t, os.MkdirAll(l.Path(), 0o755))
			return l.SetInitialized()
		}))
	}

	dir, err := SharedDir(cacheRoot, "alpha")
	require.NoError(t, err)
	require.NoError(t, dir.WithLocked(func(l Locked) error {
		assert.True(t, l.IsInitialized())
		return nil
	}))
}

func TestFailedBuildLeavesKeyAbsent(t *testing.T) {
	cacheRoot := t.TempDir()
	boom := errors.New("builder exploded")

	dir, err := SharedDir(cacheRoot, "K")
	require.NoError(t, err)
	err = dir.WithLocked(func(l Locked) error {
		return boom
	})
	require.ErrorIs(t, err, boom)

	// The key is still absent and lockable for a retry.
	require.NoError(t, dir.WithLocked(func(l Locked) error {
		assert.False(t, l.IsInitialized())
		return l.SetInitialized()
	}))
}

func TestLockBlocksSecondHolder(t *testing.T) {
	cacheRoot := t.TempDir()
	dir, err := SharedDir(cacheRoot, "K")
	require.NoError(t, err)

	inside := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		_ = dir.WithLocked(func(l Locked) error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside

	go func() {
		// A second Dir handle for the same key, as another test would open.
		dir2, err := SharedDir(cacheRoot, "K")
		require.NoError(t, err)
		_ = dir2.WithLocked(func(l Locked) error { return nil })
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second locker got the lock while the first still held it")
	default:
	}

	close(release)
	<-done
}
