package vfs

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRealDir(t *testing.T) (*RealDir, string) {
	t.Helper()

	host := t.TempDir()
	d, err := NewRealDir(host)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d, host
}

func TestRealDir_CreateWriteRead(t *testing.T) {
	d, host := newRealDir(t)
	ctx := context.Background()

	require.NoError(t, d.CreateDir(ctx, "sub"))
	res, err := d.OpenFile(ctx, "sub/a.txt", OpenOptions{OFlags: OFlagsCreate, Read: true, Write: true})
	require.NoError(t, err)
	n, err := res.File.WriteVectored(ctx, [][]byte{[]byte("hello "), []byte("world")})
	require.NoError(t, err)
	assert.Equal(t, uint64(11), n)
	require.NoError(t, res.Close())

	data, err := os.ReadFile(filepath.Join(host, "sub", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	sub, err := d.OpenFile(ctx, "sub", OpenOptions{OFlags: OFlagsDirectory, Read: true})
	require.NoError(t, err)
	require.True(t, sub.IsDir())
	defer sub.Close()

	f, err := sub.Dir.OpenFile(ctx, "a.txt", OpenOptions{Read: true})
	require.NoError(t, err)
	got, err := ReadAll(ctx, f.File)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
	require.NoError(t, f.Close())

	st, err := d.GetPathFilestat(ctx, "sub/a.txt", true)
	require.NoError(t, err)
	assert.Equal(t, FileTypeRegularFile, st.FileType)
	assert.Equal(t, uint64(11), st.Size)

	entries, err := ReadDirAll(ctx, sub.Dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.txt", entries[0].Name)
}

func TestRealDir_Confinement(t *testing.T) {
	parent := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(parent, "secret"), []byte("x"), 0o600))
	inside := filepath.Join(parent, "inside")
	require.NoError(t, os.Mkdir(inside, 0o755))
	require.NoError(t, os.Symlink("../secret", filepath.Join(inside, "escape")))

	d, err := NewRealDir(inside)
	require.NoError(t, err)
	defer d.Close()
	ctx := context.Background()

	_, err = d.OpenFile(ctx, "../secret", OpenOptions{Read: true})
	assert.ErrorIs(t, err, syscall.EPERM)

	_, err = d.OpenFile(ctx, filepath.Join(parent, "secret"), OpenOptions{Read: true})
	assert.ErrorIs(t, err, syscall.EPERM)

	_, err = d.OpenFile(ctx, "escape", OpenOptions{Read: true, FollowSymlinks: true})
	assert.Error(t, err)

	_, err = d.OpenFile(ctx, "escape", OpenOptions{Read: true})
	assert.ErrorIs(t, err, syscall.ELOOP)

	target, err := d.ReadLink(ctx, "escape")
	require.NoError(t, err)
	assert.Equal(t, "../secret", target)
}

func TestRealDir_RemoveAndRename(t *testing.T) {
	d, host := newRealDir(t)
	ctx := context.Background()

	require.NoError(t, d.CreateDir(ctx, "dir"))
	require.NoError(t, os.WriteFile(filepath.Join(host, "file"), []byte("x"), 0o644))

	assert.ErrorIs(t, d.UnlinkFile(ctx, "dir"), syscall.EISDIR)
	assert.ErrorIs(t, d.RemoveDir(ctx, "file"), syscall.ENOTDIR)
	assert.ErrorIs(t, d.CreateDir(ctx, "dir"), syscall.EEXIST)

	require.NoError(t, d.Rename(ctx, "file", d, "dir/moved"))
	require.NoError(t, d.HardLink(ctx, "dir/moved", d, "hard"))
	st, err := d.GetPathFilestat(ctx, "hard", false)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), st.NLink)

	assert.ErrorIs(t, d.Rename(ctx, "hard", NewMemoryDir(), "x"), syscall.EXDEV)

	require.NoError(t, d.UnlinkFile(ctx, "dir/moved"))
	require.NoError(t, d.RemoveDir(ctx, "dir"))
	_, err = d.GetPathFilestat(ctx, "dir", false)
	assert.ErrorIs(t, err, syscall.ENOENT)
}

func TestRealDir_ClosedRejectsUse(t *testing.T) {
	d, err := NewRealDir(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, d.Close())

	_, err = d.GetFilestat(context.Background())
	assert.ErrorIs(t, err, syscall.EBADF)
	assert.ErrorIs(t, d.Close(), syscall.EBADF)
}

func TestNewRealDir_MissingHostPath(t *testing.T) {
	_, err := NewRealDir(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, ErrHostRoot)
}

func TestReadonlyDir_OverRealDir(t *testing.T) {
	d, host := newRealDir(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(host, "a.txt"), []byte("hi"), 0o644))

	ro := NewReadonlyDir(d)

	res, err := ro.OpenFile(ctx, "a.txt", OpenOptions{Read: true})
	require.NoError(t, err)
	data, err := ReadAll(ctx, res.File)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))

	_, err = res.File.WriteVectoredAt(ctx, [][]byte{[]byte("x")}, 0)
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, res.File.SetFilestatSize(ctx, 0), ErrReadOnly)
	require.NoError(t, res.Close())

	_, err = ro.OpenFile(ctx, "a.txt", OpenOptions{OFlags: OFlagsTruncate, Read: true})
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, ro.UnlinkFile(ctx, "a.txt"), ErrReadOnly)
	assert.ErrorIs(t, ro.CreateDir(ctx, "new"), ErrReadOnly)

	got, err := os.ReadFile(filepath.Join(host, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(got))
	_, err = os.Stat(filepath.Join(host, "new"))
	assert.True(t, os.IsNotExist(err))
}
