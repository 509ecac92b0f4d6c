package vfs

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createFile(ctx context.Context, d Dir, path string) (File, error) {
	res, err := d.OpenFile(ctx, path, OpenOptions{OFlags: OFlagsCreate, Read: true, Write: true})
	if err != nil {
		return nil, err
	}
	return res.File, nil
}

func TestInterceptDir_BeforeBlock(t *testing.T) {
	hooks := NewHookEngine([]HookRule{
		{
			Phase:       HookPhaseBefore,
			Ops:         []HookOp{HookOpCreate},
			PathPattern: "/blocked.txt",
			Action:      HookActionBlock,
		},
	})
	defer hooks.Close()

	dir := NewInterceptDir(NewMemoryDir(), hooks, "/")

	_, err := createFile(context.Background(), dir, "blocked.txt")
	require.Error(t, err)
	assert.True(t, os.IsPermission(err))
}

func TestInterceptDir_BeforeActionFuncBlock(t *testing.T) {
	hooks := NewHookEngine([]HookRule{
		{
			Phase:       HookPhaseBefore,
			Ops:         []HookOp{HookOpMkdir},
			PathPattern: "/workspace/blocked-func",
			ActionFunc: func(ctx context.Context, req HookRequest) HookAction {
				assert.Equal(t, HookOpMkdir, req.Op)
				assert.Equal(t, "/workspace/blocked-func", req.Path)
				return HookActionBlock
			},
		},
	})
	defer hooks.Close()

	mem := NewMemoryDir()
	dir := NewInterceptDir(mem, hooks, "/workspace")

	err := dir.CreateDir(context.Background(), "blocked-func")
	require.Error(t, err)
	assert.True(t, os.IsPermission(err))

	_, err = mem.GetPathFilestat(context.Background(), "blocked-func", false)
	assert.ErrorIs(t, err, syscall.ENOENT)
}

func TestInterceptDir_OpenWithCreateFlagUsesCreateHook(t *testing.T) {
	var ops []HookOp
	hooks := NewHookEngineWithCallbacks([]Hook{
		{
			Phase: HookPhaseBefore,
			Before: BeforeHookFunc(func(ctx context.Context, req *HookRequest) error {
				ops = append(ops, req.Op)
				return nil
			}),
		},
	})
	defer hooks.Close()

	ctx := context.Background()
	mem := NewMemoryDir()
	require.NoError(t, mem.WriteFile("existing.txt", nil))
	dir := NewInterceptDir(mem, hooks, "/")

	f, err := createFile(ctx, dir, "new.txt")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	res, err := dir.OpenFile(ctx, "existing.txt", OpenOptions{Read: true})
	require.NoError(t, err)
	require.NoError(t, res.Close())

	assert.Equal(t, []HookOp{HookOpCreate, HookOpClose, HookOpOpen, HookOpClose}, ops)
}

func TestInterceptDir_BeforeMutateWrite(t *testing.T) {
	hooks := NewHookEngine([]HookRule{
		{
			Phase:       HookPhaseBefore,
			Ops:         []HookOp{HookOpWrite},
			PathPattern: "/mutate.txt",
			Action:      HookActionMutateWrite,
			MutateWrite: []byte("mutated"),
		},
	})
	defer hooks.Close()

	ctx := context.Background()
	mem := NewMemoryDir()
	dir := NewInterceptDir(mem, hooks, "/")

	f, err := createFile(ctx, dir, "mutate.txt")
	require.NoError(t, err)
	n, err := f.WriteVectored(ctx, [][]byte{[]byte("orig"), []byte("inal")})
	require.NoError(t, err)
	assert.Equal(t, uint64(8), n)
	require.NoError(t, f.Close())

	data, err := mem.ReadFile("mutate.txt")
	require.NoError(t, err)
	assert.Equal(t, "mutated", string(data))
}

func TestInterceptDir_BeforeMutateWriteDynamic(t *testing.T) {
	hooks := NewHookEngine([]HookRule{
		{
			Phase:       HookPhaseBefore,
			Ops:         []HookOp{HookOpWrite},
			PathPattern: "/data/*.txt",
			Action:      HookActionMutateWrite,
			MutateWriteFunc: func(ctx context.Context, req MutateWriteRequest) ([]byte, error) {
				assert.Equal(t, "/data/dyn.txt", req.Path)
				assert.Equal(t, uint64(4), req.Offset)
				assert.Equal(t, 7, req.Size)
				return []byte("dynamic"), nil
			},
		},
	})
	defer hooks.Close()

	ctx := context.Background()
	mem := NewMemoryDir()
	require.NoError(t, mem.WriteFile("dyn.txt", []byte("head")))
	dir := NewInterceptDir(mem, hooks, "/data")

	res, err := dir.OpenFile(ctx, "dyn.txt", OpenOptions{Write: true})
	require.NoError(t, err)
	_, err = res.File.WriteVectoredAt(ctx, [][]byte{[]byte("payload")}, 4)
	require.NoError(t, err)
	require.NoError(t, res.Close())

	data, err := mem.ReadFile("dyn.txt")
	require.NoError(t, err)
	assert.Equal(t, "headdynamic", string(data))
}

func TestInterceptDir_BeforeMutateWriteDynamicError(t *testing.T) {
	wantErr := errors.New("mutate denied")
	hooks := NewHookEngine([]HookRule{
		{
			Phase:       HookPhaseBefore,
			Ops:         []HookOp{HookOpWrite},
			PathPattern: "/mutate-deny.txt",
			Action:      HookActionMutateWrite,
			MutateWriteFunc: func(ctx context.Context, req MutateWriteRequest) ([]byte, error) {
				return nil, wantErr
			},
		},
	})
	defer hooks.Close()

	ctx := context.Background()
	dir := NewInterceptDir(NewMemoryDir(), hooks, "/")

	f, err := createFile(ctx, dir, "mutate-deny.txt")
	require.NoError(t, err)
	_, err = f.WriteVectored(ctx, [][]byte{[]byte("payload")})
	require.Error(t, err)
	assert.ErrorIs(t, err, wantErr)
}

func TestInterceptDir_AfterSideEffectSuppressesRecursiveSideEffects(t *testing.T) {
	var wrapped Dir
	var hookExecCount atomic.Int32

	hooks := NewHookEngineWithCallbacks([]Hook{
		{
			Phase:      HookPhaseAfter,
			Matcher:    OpPathMatcher{Ops: []HookOp{HookOpWrite}, PathPattern: "/*"},
			Async:      true,
			SideEffect: true,
			After: AfterHookFunc(func(ctx context.Context, req HookRequest, result HookResult) {
				hookExecCount.Add(1)
				f, err := createFile(ctx, wrapped, "audit.log")
				if err != nil {
					return
				}
				defer f.Close()
				_, _ = f.WriteVectored(ctx, [][]byte{[]byte("hook")})
			}),
		},
	})
	defer hooks.Close()

	ctx := context.Background()
	mem := NewMemoryDir()
	wrapped = NewInterceptDir(mem, hooks, "/")

	f, err := createFile(ctx, wrapped, "file.txt")
	require.NoError(t, err)
	_, err = f.WriteVectored(ctx, [][]byte{[]byte("payload")})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	hooks.Wait()

	assert.Equal(t, int32(1), hookExecCount.Load())

	data, err := mem.ReadFile("audit.log")
	require.NoError(t, err)
	assert.Equal(t, "hook", string(data))
}

func TestInterceptDir_CallbackHooks(t *testing.T) {
	hooks := NewHookEngineWithCallbacks([]Hook{
		{
			Phase:   HookPhaseBefore,
			Matcher: OpPathMatcher{Ops: []HookOp{HookOpUnlink}, PathPattern: "/keep.txt"},
			Before: BeforeHookFunc(func(ctx context.Context, req *HookRequest) error {
				return syscall.EPERM
			}),
		},
	})
	defer hooks.Close()

	mem := NewMemoryDir()
	require.NoError(t, mem.WriteFile("keep.txt", nil))
	dir := NewInterceptDir(mem, hooks, "/")

	err := dir.UnlinkFile(context.Background(), "keep.txt")
	require.Error(t, err)
	assert.True(t, os.IsPermission(err))
}

func TestInterceptDir_EmitsEvents(t *testing.T) {
	hooks := NewHookEngineWithCallbacks(nil)
	defer hooks.Close()

	var mu sync.Mutex
	var events []HookRequest
	var writeBytes uint64
	var writeMeta *HookFileMeta
	hooks.SetEventFunc(func(req HookRequest, result HookResult) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, req)
		if req.Op == HookOpWrite && result.Err == nil {
			writeBytes = result.Bytes
			writeMeta = result.Meta
		}
	})

	ctx := WithSession(context.Background(), "session-1")
	dir := NewInterceptDir(NewMemoryDir(), hooks, "/ws")

	f, err := createFile(ctx, dir, "event.txt")
	require.NoError(t, err)
	_, err = f.WriteVectored(ctx, [][]byte{[]byte("x")})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 3)
	for _, ev := range events {
		assert.Equal(t, "/ws/event.txt", ev.Path)
		assert.Equal(t, "session-1", ev.Session)
	}
	assert.Equal(t, uint64(1), writeBytes)
	require.NotNil(t, writeMeta)
	assert.Equal(t, uint64(1), writeMeta.Size)
	assert.Equal(t, FileTypeRegularFile, writeMeta.FileType)
}

func TestInterceptDir_WrapsOpenedDirectories(t *testing.T) {
	var paths []string
	hooks := NewHookEngineWithCallbacks(nil)
	defer hooks.Close()
	hooks.SetEventFunc(func(req HookRequest, result HookResult) {
		paths = append(paths, string(req.Op)+" "+req.Path)
	})

	ctx := context.Background()
	mem := NewMemoryDir()
	require.NoError(t, mem.MkdirAll("a/b"))
	dir := NewInterceptDir(mem, hooks, "/root")

	res, err := dir.OpenFile(ctx, "a", OpenOptions{OFlags: OFlagsDirectory, Read: true})
	require.NoError(t, err)
	require.NoError(t, res.Dir.CreateDir(ctx, "b/c"))

	assert.Equal(t, []string{"open /root/a", "mkdir /root/a/b/c"}, paths)
}

func TestInterceptDir_RecordsReadonlyDenials(t *testing.T) {
	var denied []HookOp
	hooks := NewHookEngineWithCallbacks(nil)
	defer hooks.Close()
	hooks.SetEventFunc(func(req HookRequest, result HookResult) {
		if errors.Is(result.Err, ErrReadOnly) {
			denied = append(denied, req.Op)
		}
	})

	ctx := context.Background()
	mem := NewMemoryDir()
	require.NoError(t, mem.WriteFile("a.txt", []byte("hi")))
	dir := NewInterceptDir(NewReadonlyDir(mem), hooks, "/")

	assert.ErrorIs(t, dir.UnlinkFile(ctx, "a.txt"), ErrReadOnly)
	_, err := createFile(ctx, dir, "b.txt")
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, dir.Rename(ctx, "a.txt", dir, "c.txt"), ErrReadOnly)

	assert.Equal(t, []HookOp{HookOpUnlink, HookOpCreate, HookOpRename}, denied)
}

func TestInterceptDir_RenameUnwrapsDestination(t *testing.T) {
	hooks := NewHookEngineWithCallbacks(nil)
	defer hooks.Close()

	var renamed HookRequest
	hooks.SetEventFunc(func(req HookRequest, result HookResult) {
		if req.Op == HookOpRename {
			renamed = req
		}
	})

	ctx := context.Background()
	mem := NewMemoryDir()
	require.NoError(t, mem.MkdirAll("dst"))
	require.NoError(t, mem.WriteFile("src.txt", []byte("x")))
	dir := NewInterceptDir(mem, hooks, "/")

	res, err := dir.OpenFile(ctx, "dst", OpenOptions{OFlags: OFlagsDirectory, Read: true})
	require.NoError(t, err)

	require.NoError(t, dir.Rename(ctx, "src.txt", res.Dir, "moved.txt"))
	assert.Equal(t, "/src.txt", renamed.Path)
	assert.Equal(t, "/dst/moved.txt", renamed.NewPath)

	_, err = mem.GetPathFilestat(ctx, "dst/moved.txt", false)
	require.NoError(t, err)
}
