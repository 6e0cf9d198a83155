// Package overlay manages copy-on-write overlayfs views of pre-built
// cluster state. Mount and unmount go through sudo; the harness tracks every
// mount it creates so teardown can unwind them even after a failed test.
package overlay

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/pagestream/harness/harness/util"
)

// Mount records one overlayfs mount created by the manager.
type Mount struct {
	Ident      string
	Source     string
	Mountpoint string
	UpperDir   string
	WorkDir    string
}

// ExecFn runs a privileged command; split out so tests can fake mount/umount.
type ExecFn func(name string, args ...string) error

func sudoExec(name string, args ...string) error {
	cmd := exec.Command("sudo", append([]string{name}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "sudo %s %s: %s", name, strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return nil
}

// Manager tracks the overlay mounts of one cluster build. StateDir holds the
// per-ident upper/work directories.
type Manager struct {
	StateDir string

	mu     sync.Mutex
	mounts []Mount

	run        ExecFn
	mountsFile string // /proc/self/mounts unless overridden in tests
}

func NewManager(stateDir string) *Manager {
	return &Manager{
		StateDir:   stateDir,
		run:        sudoExec,
		mountsFile: "/proc/self/mounts",
	}
}

// NewManagerWithExec is for tests that cannot perform real mounts.
func NewManagerWithExec(stateDir string, run ExecFn) *Manager {
	m := NewManager(stateDir)
	m.run = run
	return m
}

// Mount overlays srcDir (read-only lower layer) at dstDir. Modifications land
// in a dedicated upperdir under StateDir. Idents must be unique among live
// mounts.
func (m *Manager) Mount(ident, srcDir, dstDir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, mnt := range m.mounts {
		if mnt.Ident == ident {
			return fmt.Errorf("overlay ident %q already in use for mountpoint %s", ident, mnt.Mountpoint)
		}
	}

	identStateDir := filepath.Join(m.StateDir, ident)
	upper := filepath.Join(identStateDir, "upper")
	work := filepath.Join(identStateDir, "work")
	for _, dir := range []string{upper, work, dstDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", srcDir, upper, work)
	glog.V(1).Infof("mounting overlayfs ident=%s src=%s dst=%s", ident, srcDir, dstDir)
	if err := m.run("mount", "-t", "overlay", "overlay", "-o", opts, dstDir); err != nil {
		return errors.Wrapf(err, "mount overlay %q", ident)
	}

	m.mounts = append(m.mounts, Mount{
		Ident:      ident,
		Source:     srcDir,
		Mountpoint: dstDir,
		UpperDir:   upper,
		WorkDir:    work,
	})
	return nil
}

// UnmountAndMove tears down the mount registered under ident and relocates
// its modified (upper) content to dst. It refuses to clobber a non-empty dst
// and refuses while nested mounts remain beneath the mountpoint.
func (m *Manager) UnmountAndMove(ident, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, mnt := range m.mounts {
		if mnt.Ident == ident {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("overlay ident %q is not mounted", ident)
	}
	mnt := m.mounts[idx]

	if entries, err := os.ReadDir(dst); err == nil && len(entries) > 0 {
		return fmt.Errorf("refusing to move overlay upper layer onto non-empty %s", dst)
	}

	if err := m.unmountLocked(mnt.Mountpoint); err != nil {
		return err
	}
	m.mounts = append(m.mounts[:idx], m.mounts[idx+1:]...)

	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	if err := os.Rename(mnt.UpperDir, dst); err != nil {
		return errors.Wrapf(err, "move upper layer of %q", ident)
	}
	// The work dir is root-owned, remove it with privileges.
	if err := m.run("rm", "-rf", filepath.Join(m.StateDir, ident)); err != nil {
		return errors.Wrapf(err, "remove overlay state of %q", ident)
	}
	return nil
}

func (m *Manager) unmountLocked(mountpoint string) error {
	if nested, err := m.mountsBeneath(mountpoint); err != nil {
		return err
	} else if len(nested) > 0 {
		return fmt.Errorf("nested mounts remain beneath %s: %v", mountpoint, nested)
	}
	if err := m.run("umount", mountpoint); err != nil {
		return errors.Wrapf(err, "umount %s", mountpoint)
	}
	return nil
}

// mountsBeneath lists mountpoints strictly below path, per the mount table.
func (m *Manager) mountsBeneath(path string) ([]string, error) {
	f, err := os.Open(m.mountsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	prefix := strings.TrimRight(path, "/") + "/"
	var nested []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		if strings.HasPrefix(fields[1], prefix) {
			nested = append(nested, fields[1])
		}
	}
	return nested, scanner.Err()
}

// Mounts returns a snapshot of the live mounts, oldest first.
func (m *Manager) Mounts() []Mount {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Mount, len(m.mounts))
	copy(out, m.mounts)
	return out
}

// CleanupTeardown unwinds every still-tracked mount in reverse creation
// order. Failures are logged and collected; every mount gets an unmount
// attempt and the first error is returned.
func (m *Manager) CleanupTeardown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs util.ErrorCollector
	for i := len(m.mounts) - 1; i >= 0; i-- {
		mnt := m.mounts[i]
		glog.V(1).Infof("unmounting leftover overlayfs ident=%s at %s", mnt.Ident, mnt.Mountpoint)
		if err := m.unmountLocked(mnt.Mountpoint); err != nil {
			errs.Add("overlay unmount "+mnt.Ident, err)
			continue
		}
		if err := m.run("rm", "-rf", filepath.Join(m.StateDir, mnt.Ident)); err != nil {
			errs.Add("overlay state removal "+mnt.Ident, err)
		}
		m.mounts = append(m.mounts[:i], m.mounts[i+1:]...)
	}
	return errs.Err()
}
