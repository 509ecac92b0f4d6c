package wasmfs

import (
	"context"
	"crypto/rand"
	"errors"
	"io"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/experimental/sysfs"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/jingkaihe/capfs/internal/errx"
	"github.com/jingkaihe/capfs/pkg/vfs"
)

// Runner executes WASI command modules with every mount of Router visible at
// its guest path. Read-only mounts reach the guest already filtered.
type Runner struct {
	Router *vfs.MountRouter

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Env    map[string]string

	// MemoryLimitPages caps guest memory in 64KiB pages. Zero keeps the
	// wazero default.
	MemoryLimitPages uint32
}

// Run compiles and runs wasm with args (args[0] is the program name) and
// returns the guest exit code. A guest that returns from _start exits 0.
func (r *Runner) Run(ctx context.Context, wasm []byte, args []string) (uint32, error) {
	if vfs.SessionFromContext(ctx) == "" {
		ctx = vfs.WithSession(ctx, "wasm-"+uuid.NewString())
	}

	runtimeConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if r.MemoryLimitPages > 0 {
		runtimeConfig = runtimeConfig.WithMemoryLimitPages(r.MemoryLimitPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)
	defer rt.Close(ctx)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return 0, errx.Wrap(ErrInstantiateWASI, err)
	}

	compiled, err := rt.CompileModule(ctx, wasm)
	if err != nil {
		return 0, errx.Wrap(ErrCompileModule, err)
	}

	fsConfig, dirs, err := r.fsConfig(ctx)
	defer func() {
		for _, d := range dirs {
			d.Close()
		}
	}()
	if err != nil {
		return 0, err
	}

	moduleConfig := wazero.NewModuleConfig().
		WithFSConfig(fsConfig).
		WithArgs(args...).
		WithSysWalltime().
		WithSysNanotime().
		WithRandSource(rand.Reader)
	if r.Stdin != nil {
		moduleConfig = moduleConfig.WithStdin(r.Stdin)
	}
	if r.Stdout != nil {
		moduleConfig = moduleConfig.WithStdout(r.Stdout)
	}
	if r.Stderr != nil {
		moduleConfig = moduleConfig.WithStderr(r.Stderr)
	}
	for k, v := range r.Env {
		moduleConfig = moduleConfig.WithEnv(k, v)
	}

	mod, err := rt.InstantiateModule(ctx, compiled, moduleConfig)
	if mod != nil {
		defer mod.Close(ctx)
	}
	if err != nil {
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return 0, errx.Wrap(ErrRunModule, err)
	}
	return 0, nil
}

func (r *Runner) fsConfig(ctx context.Context) (wazero.FSConfig, []vfs.Dir, error) {
	cfg := wazero.NewFSConfig()
	if r.Router == nil {
		return cfg, nil, nil
	}

	var dirs []vfs.Dir
	for _, m := range r.Router.Mounts() {
		dir, err := r.Router.OpenDir(ctx, m.Path)
		if err != nil {
			return nil, dirs, errx.With(ErrOpenMount, " %s: %w", m.Path, err)
		}
		dirs = append(dirs, dir)
		cfg = cfg.(sysfs.FSConfig).WithSysFSMount(newFS(ctx, dir), m.Path)
		vfs.Logger().Debug("wasm mount", zap.String("path", m.Path), zap.Bool("readonly", m.Readonly))
	}
	return cfg, dirs, nil
}
