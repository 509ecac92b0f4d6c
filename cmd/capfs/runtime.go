package main

import (
	"context"
	"errors"
	"path"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/jingkaihe/capfs/internal/errx"
	"github.com/jingkaihe/capfs/pkg/api"
	"github.com/jingkaihe/capfs/pkg/audit"
	"github.com/jingkaihe/capfs/pkg/vfs"
)

// loadConfig layers --workspace, --volume and --audit-db over the config
// file. With no mounts at all the workspace gets a memory mount.
func loadConfig() (*api.Config, error) {
	cfg := &api.Config{}
	if p := viper.GetString("config"); p != "" {
		fileCfg, err := api.LoadConfig(p)
		if err != nil {
			return nil, errx.Wrap(ErrLoadConfig, err)
		}
		cfg = cfg.Merge(fileCfg)
	}

	overrides := &api.VFSConfig{Workspace: viper.GetString("workspace")}
	workspace := cfg.GetWorkspace()
	if overrides.Workspace != "" {
		workspace = overrides.Workspace
	}
	mounts, err := api.ParseVolumeMounts(viper.GetStringSlice("volume"), workspace)
	if err != nil {
		return nil, errx.Wrap(ErrInvalidVolume, err)
	}
	overrides.Mounts = mounts
	cfg = cfg.Merge(&api.Config{VFS: overrides})

	if p := viper.GetString("audit-db"); p != "" {
		cfg = cfg.Merge(&api.Config{Audit: &api.AuditConfig{Path: p, Buffer: cfg.Audit.GetBuffer()}})
	}
	return cfg, nil
}

// fsRuntime is the mount router plus everything hanging off its hooks.
type fsRuntime struct {
	cfg      *api.Config
	router   *vfs.MountRouter
	hooks    *vfs.HookEngine
	store    *audit.Store
	recorder *audit.Recorder
}

func openRuntime() (*fsRuntime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newRuntime(cfg)
}

func newRuntime(cfg *api.Config) (*fsRuntime, error) {
	router, hooks, err := cfg.BuildRouter()
	if err != nil {
		return nil, err
	}
	rt := &fsRuntime{cfg: cfg, router: router, hooks: hooks}

	if cfg.Audit.Enabled() {
		store, err := audit.Open(cfg.Audit.Path)
		if err != nil {
			rt.Close()
			return nil, errx.Wrap(ErrOpenAudit, err)
		}
		rt.store = store
		rt.recorder = audit.NewRecorder(store, cfg.Audit.GetBuffer())
		rt.recorder.Attach(hooks)
	}
	return rt, nil
}

// Close drains hooks before the recorder so every emitted event is stored.
func (rt *fsRuntime) Close() error {
	rt.hooks.Close()

	var errs []error
	if rt.recorder != nil {
		errs = append(errs, rt.recorder.Close())
	}
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	errs = append(errs, rt.router.Close())
	return errors.Join(errs...)
}

// openParent opens the directory holding guestPath and returns the name to
// use inside it. A mount root is returned as itself with name ".".
func (rt *fsRuntime) openParent(ctx context.Context, guestPath string) (vfs.Dir, string, error) {
	guestPath = path.Clean("/" + guestPath)
	_, rel, err := rt.router.Resolve(guestPath)
	if err != nil {
		return nil, "", err
	}
	if rel == "." {
		dir, err := rt.router.OpenDir(ctx, guestPath)
		return dir, ".", err
	}
	dir, err := rt.router.OpenDir(ctx, path.Dir(guestPath))
	return dir, path.Base(guestPath), err
}

func cliSession(ctx context.Context) context.Context {
	return vfs.WithSession(ctx, "cli-"+uuid.NewString())
}
