// Package snapshot caches expensive-to-build cluster state on disk so
// concurrent test workers build it once and reuse it many times. Mutual
// exclusion for the build phase combines an in-process mutex with an OS
// advisory file lock; reads of a ready snapshot are unsynchronized because
// nobody mutates the canonical copy in place.
package snapshot

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/golang/glog"
	"github.com/pkg/errors"
)

const (
	sharedSnapshotsDir = "shared-snapshots"
	lockFilename       = "initializing.flock"
	markerFilename     = "initialized.marker"
	contentDirname     = "snapshot"
)

// Process-wide registry so all threads locking the same path share one
// mutex. The mutex is taken before the file lock and released after it;
// otherwise a thread could hold the file lock while a sibling thread blocks
// on it forever.
var (
	muRegistry   = map[string]*sync.Mutex{}
	muRegistryMu sync.Mutex
)

func threadLockFor(path string) *sync.Mutex {
	muRegistryMu.Lock()
	defer muRegistryMu.Unlock()
	mu, ok := muRegistry[path]
	if !ok {
		mu = &sync.Mutex{}
		muRegistry[path] = mu
	}
	return mu
}

// FileAndThreadLock serializes threads within this process and processes on
// this host. Lock order is fixed: thread lock outer, file lock inner, both
// released on every path.
type FileAndThreadLock struct {
	path string
	mu   *sync.Mutex
	fl   *flock.Flock
}

func NewFileAndThreadLock(path string) *FileAndThreadLock {
	return &FileAndThreadLock{
		path: path,
		mu:   threadLockFor(path),
		fl:   flock.New(path),
	}
}

func (l *FileAndThreadLock) Lock() error {
	l.mu.Lock()
	if err := l.fl.Lock(); err != nil {
		l.mu.Unlock()
		return errors.Wrapf(err, "flock %s", l.path)
	}
	return nil
}

func (l *FileAndThreadLock) Unlock() error {
	err := l.fl.Unlock()
	l.mu.Unlock()
	if err != nil {
		return errors.Wrapf(err, "funlock %s", l.path)
	}
	return nil
}

// Dir is the on-disk cache entry for one snapshot key.
type Dir struct {
	path string
	lock *FileAndThreadLock
}

// SharedDir opens (creating if needed) the cache entry for key under
// cacheRoot.
func SharedDir(cacheRoot, key string) (*Dir, error) {
	path := filepath.Join(cacheRoot, sharedSnapshotsDir, key)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	return &Dir{
		path: path,
		lock: NewFileAndThreadLock(filepath.Join(path, lockFilename)),
	}, nil
}

// Locked is the view of a Dir while its lock is held.
type Locked struct {
	dir *Dir
}

// WithLocked runs fn with the entry exclusively locked across threads and
// processes. The lock is released on every exit path; a failed build leaves
// the key absent so a later caller can retry.
func (d *Dir) WithLocked(fn func(Locked) error) error {
	if err := d.lock.Lock(); err != nil {
		return err
	}
	defer func() {
		if err := d.lock.Unlock(); err != nil {
			glog.Errorf("releasing snapshot lock for %s: %v", d.path, err)
		}
	}()
	return fn(Locked{dir: d})
}

// IsInitialized reports whether a complete snapshot is present. The marker is
// written only after the snapshot content is fully in place, so observers
// never see a partial build.
func (l Locked) IsInitialized() bool {
	_, err := os.Stat(l.dir.markerPath())
	return err == nil
}

// SetInitialized publishes the snapshot. Call only after Path() holds the
// complete content.
func (l Locked) SetInitialized() error {
	return os.WriteFile(l.dir.markerPath(), []byte{}, 0o644)
}

// Path is where the snapshot content lives (or will live).
func (l Locked) Path() string {
	return filepath.Join(l.dir.path, contentDirname)
}

func (d *Dir) markerPath() string {
	return filepath.Join(d.path, markerFilename)
}
