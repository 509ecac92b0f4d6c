package api

import (
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/jingkaihe/capfs/internal/errx"
	"github.com/jingkaihe/capfs/pkg/vfs"
)

// BuildRouter opens every configured mount and returns a router over them.
// Without mounts the workspace is backed by a fresh memory directory.
// A hook engine is attached when interception is configured or auditing is
// enabled; the returned engine is nil otherwise. The caller owns both.
func (c *Config) BuildRouter() (*vfs.MountRouter, *vfs.HookEngine, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}

	var mountCfgs map[string]MountConfig
	if c.VFS != nil {
		mountCfgs = c.VFS.Mounts
	}
	if len(mountCfgs) == 0 {
		mountCfgs = map[string]MountConfig{c.GetWorkspace(): {Type: MountTypeMemory}}
	}

	guestPaths := make([]string, 0, len(mountCfgs))
	for p := range mountCfgs {
		guestPaths = append(guestPaths, p)
	}
	sort.Strings(guestPaths)

	mounts := make(map[string]vfs.Mount, len(mountCfgs))
	for _, guestPath := range guestPaths {
		dir, err := openMountDir(mountCfgs[guestPath])
		if err != nil {
			var errs []error
			for _, m := range mounts {
				errs = append(errs, m.Dir.Close())
			}
			return nil, nil, errors.Join(errx.With(ErrOpenMount, " %s: %w", guestPath, err), errors.Join(errs...))
		}
		mounts[guestPath] = vfs.Mount{Dir: dir, Readonly: mountCfgs[guestPath].Readonly}
		vfs.Logger().Debug("mount opened",
			zap.String("guest_path", guestPath),
			zap.String("type", mountCfgs[guestPath].Type),
			zap.Bool("readonly", mountCfgs[guestPath].Readonly))
	}
	router := vfs.NewMountRouter(mounts)

	var interception *VFSInterceptionConfig
	if c.VFS != nil {
		interception = c.VFS.Interception
	}
	if !interception.Active() && !c.Audit.Enabled() {
		return router, nil, nil
	}
	rules, err := interception.HookRules()
	if err != nil {
		router.Close()
		return nil, nil, err
	}
	hooks := vfs.NewHookEngine(rules)
	router.SetHooks(hooks)
	return router, hooks, nil
}

func openMountDir(m MountConfig) (vfs.Dir, error) {
	switch m.Type {
	case MountTypeMemory:
		return vfs.NewMemoryDir(), nil
	case MountTypeRealFS:
		return vfs.NewRealDir(m.HostPath)
	default:
		return nil, errx.With(ErrUnknownMountType, " %q", m.Type)
	}
}
