package audit

import (
	"context"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/capfs/pkg/vfs"
)

func TestRecorder_RecordsDeniedWritesThroughReadonlyMount(t *testing.T) {
	s, _ := openTestStore(t)

	data := vfs.NewMemoryDir()
	require.NoError(t, data.WriteFile("report.csv", []byte("a,b")))
	router := vfs.NewMountRouter(map[string]vfs.Mount{
		"/data": {Dir: data, Readonly: true},
	})
	hooks := vfs.NewHookEngineWithCallbacks(nil)
	defer hooks.Close()
	router.SetHooks(hooks)

	rec := NewRecorder(s, 0)
	rec.Attach(hooks)

	ctx := vfs.WithSession(context.Background(), "session-1")
	dir, err := router.OpenDir(ctx, "/data")
	require.NoError(t, err)

	res, err := dir.OpenFile(ctx, "report.csv", vfs.OpenOptions{Read: true})
	require.NoError(t, err)
	_, err = vfs.ReadAll(ctx, res.File)
	require.NoError(t, err)
	require.NoError(t, res.Close())

	assert.ErrorIs(t, dir.UnlinkFile(ctx, "report.csv"), vfs.ErrReadOnly)

	require.NoError(t, rec.Close())
	assert.Zero(t, rec.Dropped())

	denied, err := s.List(context.Background(), Filter{DeniedOnly: true})
	require.NoError(t, err)
	require.Len(t, denied, 1)
	assert.Equal(t, vfs.HookOpUnlink, denied[0].Op)
	assert.Equal(t, "/data/report.csv", denied[0].Path)
	assert.Equal(t, "session-1", denied[0].Session)
	assert.Equal(t, syscall.EPERM, denied[0].Errno)

	reads, err := s.List(context.Background(), Filter{Op: vfs.HookOpRead})
	require.NoError(t, err)
	require.NotEmpty(t, reads)
	assert.Equal(t, uint64(3), reads[0].Bytes)
}

func TestRecorder_DropsAfterClose(t *testing.T) {
	s, _ := openTestStore(t)
	rec := NewRecorder(s, 1)
	require.NoError(t, rec.Close())

	rec.Observe(vfs.HookRequest{Op: vfs.HookOpStat, Path: "/"}, vfs.HookResult{})
	require.NoError(t, rec.Close())

	events, err := s.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Empty(t, events)
}
