package vfs

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/jingkaihe/capfs/internal/errx"
)

// Mount attaches a directory capability at a guest path.
type Mount struct {
	Dir      Dir
	Readonly bool
}

type MountInfo struct {
	Path     string
	Readonly bool
}

type mountEntry struct {
	path  string
	mount Mount
}

// MountRouter maps guest paths onto mounted directory capabilities. The
// longest matching mount path wins.
type MountRouter struct {
	mu     sync.RWMutex
	mounts []mountEntry
	hooks  *HookEngine
}

func NewMountRouter(mounts map[string]Mount) *MountRouter {
	r := &MountRouter{}
	for p, m := range mounts {
		r.mounts = append(r.mounts, mountEntry{path: path.Clean(p), mount: m})
	}
	r.sortLocked()
	return r
}

func (r *MountRouter) sortLocked() {
	sort.Slice(r.mounts, func(i, j int) bool {
		return len(r.mounts[i].path) > len(r.mounts[j].path)
	})
}

// SetHooks installs hooks around every directory OpenDir hands out.
func (r *MountRouter) SetHooks(hooks *HookEngine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = hooks
}

// Resolve finds the mount serving guestPath and the path relative to it.
func (r *MountRouter) Resolve(guestPath string) (Mount, string, error) {
	guestPath = path.Clean("/" + guestPath)

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.mounts {
		if guestPath == m.path {
			return m.mount, ".", nil
		}
		prefix := m.path
		if prefix != "/" {
			prefix += "/"
		}
		if strings.HasPrefix(guestPath, prefix) {
			return m.mount, strings.TrimPrefix(guestPath, prefix), nil
		}
	}
	return Mount{}, "", errx.With(ErrNoMount, " %s: %w", guestPath, syscall.ENOENT)
}

// OpenDir opens a fresh directory capability for guestPath. The caller owns
// the result and must close it. Read-only mounts yield a ReadonlyDir.
func (r *MountRouter) OpenDir(ctx context.Context, guestPath string) (Dir, error) {
	m, rel, err := r.Resolve(guestPath)
	if err != nil {
		return nil, err
	}
	res, err := m.Dir.OpenFile(ctx, rel, OpenOptions{
		OFlags:         OFlagsDirectory,
		Read:           true,
		FollowSymlinks: true,
	})
	if err != nil {
		return nil, err
	}
	if res.Dir == nil {
		res.Close()
		return nil, syscall.ENOTDIR
	}

	var dir Dir = res.Dir
	if m.Readonly {
		dir = NewReadonlyDir(dir)
	}

	r.mu.RLock()
	hooks := r.hooks
	r.mu.RUnlock()
	if hooks != nil {
		dir = NewInterceptDir(dir, hooks, path.Clean("/"+guestPath))
	}
	return dir, nil
}

func (r *MountRouter) AddMount(guestPath string, m Mount) error {
	if !strings.HasPrefix(guestPath, "/") {
		return errx.With(ErrMountPath, ": %s", guestPath)
	}
	guestPath = path.Clean(guestPath)

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.mounts {
		if existing.path == guestPath {
			return errx.With(ErrMountExists, ": %s", guestPath)
		}
	}
	r.mounts = append(r.mounts, mountEntry{path: guestPath, mount: m})
	r.sortLocked()
	return nil
}

// RemoveMount detaches the mount at guestPath and returns it so the caller
// can close its directory.
func (r *MountRouter) RemoveMount(guestPath string) (Mount, bool) {
	guestPath = path.Clean(guestPath)

	r.mu.Lock()
	defer r.mu.Unlock()

	for i, m := range r.mounts {
		if m.path == guestPath {
			r.mounts = append(r.mounts[:i], r.mounts[i+1:]...)
			return m.mount, true
		}
	}
	return Mount{}, false
}

func (r *MountRouter) Mounts() []MountInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]MountInfo, 0, len(r.mounts))
	for _, m := range r.mounts {
		out = append(out, MountInfo{Path: m.path, Readonly: m.mount.Readonly})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Close closes every mounted directory.
func (r *MountRouter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, m := range r.mounts {
		if err := m.mount.Dir.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.mounts = nil
	return firstErr
}
