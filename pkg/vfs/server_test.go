package vfs

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchCreateReturnsStat(t *testing.T) {
	s := NewVFSServer(NewMemoryDir())

	resp := s.dispatch(context.Background(), "conn", &VFSRequest{
		Op:   OpCreate,
		Path: "/file.txt",
	})
	require.Equal(t, int32(0), resp.Err)
	require.NotNil(t, resp.Stat)
	assert.False(t, resp.Stat.IsDir)
	assert.Equal(t, FileTypeRegularFile, resp.Stat.Type)
	assert.NotZero(t, resp.Handle)

	release := s.dispatch(context.Background(), "conn", &VFSRequest{Op: OpRelease, Handle: resp.Handle})
	require.Equal(t, int32(0), release.Err)
}

func TestDispatchMkdirReturnsStat(t *testing.T) {
	s := NewVFSServer(NewMemoryDir())

	resp := s.dispatch(context.Background(), "conn", &VFSRequest{
		Op:   OpMkdir,
		Path: "/repo",
	})
	require.Equal(t, int32(0), resp.Err)
	require.NotNil(t, resp.Stat)
	assert.True(t, resp.Stat.IsDir)
	assert.NotZero(t, resp.Stat.Ino)
}

func TestDispatchMkdirSucceedsWhenFollowUpStatDenied(t *testing.T) {
	base := NewMemoryDir()
	s := NewVFSServer(denyStatDir{Dir: base})

	resp := s.dispatch(context.Background(), "conn", &VFSRequest{
		Op:   OpMkdir,
		Path: "/repo",
	})
	require.Equal(t, int32(0), resp.Err)
	assert.Nil(t, resp.Stat)

	st, err := base.GetPathFilestat(context.Background(), "repo", false)
	require.NoError(t, err)
	assert.Equal(t, FileTypeDirectory, st.FileType)

	retry := s.dispatch(context.Background(), "conn", &VFSRequest{
		Op:   OpMkdir,
		Path: "/repo",
	})
	require.Equal(t, -int32(syscall.EEXIST), retry.Err)
}

func TestDispatchReaddirPages(t *testing.T) {
	mem := NewMemoryDir()
	for i := range 5 {
		require.NoError(t, mem.WriteFile(fmt.Sprintf("f%d", i), nil))
	}
	s := NewVFSServer(mem)

	var names []string
	var cursor ReaddirCursor
	for {
		resp := s.dispatch(context.Background(), "conn", &VFSRequest{
			Op:     OpReaddir,
			Path:   "/",
			Offset: uint64(cursor),
			Size:   2,
		})
		require.Equal(t, int32(0), resp.Err)
		if len(resp.Entries) == 0 {
			break
		}
		assert.LessOrEqual(t, len(resp.Entries), 2)
		for _, e := range resp.Entries {
			names = append(names, e.Name)
		}
		cursor = resp.Entries[len(resp.Entries)-1].Next
	}
	assert.Equal(t, []string{"f0", "f1", "f2", "f3", "f4"}, names)
}

func TestDispatchUnknownHandle(t *testing.T) {
	s := NewVFSServer(NewMemoryDir())

	resp := s.dispatch(context.Background(), "conn", &VFSRequest{Op: OpRead, Handle: 42, Size: 10})
	assert.Equal(t, -int32(syscall.EBADF), resp.Err)

	resp = s.dispatch(context.Background(), "conn", &VFSRequest{Op: OpCode(200)})
	assert.Equal(t, -int32(syscall.ENOSYS), resp.Err)
}

func TestDispatchPathsCannotEscapeRoot(t *testing.T) {
	mem := NewMemoryDir()
	require.NoError(t, mem.MkdirAll("sub"))
	require.NoError(t, mem.WriteFile("secret", []byte("x")))

	sub, err := mem.OpenFile(context.Background(), "sub", OpenOptions{OFlags: OFlagsDirectory, Read: true})
	require.NoError(t, err)
	s := NewVFSServer(sub.Dir)

	resp := s.dispatch(context.Background(), "conn", &VFSRequest{Op: OpGetattr, Path: "/../secret"})
	assert.Equal(t, -int32(syscall.ENOENT), resp.Err)
}

func TestErrnoFromError(t *testing.T) {
	assert.Equal(t, int32(0), errnoFromError(nil))
	assert.Equal(t, -int32(syscall.EPERM), errnoFromError(ErrReadOnly))
	assert.Equal(t, -int32(syscall.ENOENT), errnoFromError(fmt.Errorf("wrap: %w", syscall.ENOENT)))
	assert.Equal(t, -int32(syscall.EINTR), errnoFromError(context.Canceled))
	assert.Equal(t, -int32(syscall.EIO), errnoFromError(assert.AnError))
}

func startPipeServer(t *testing.T, root Dir) (*VFSServer, *Client, <-chan struct{}) {
	t.Helper()

	s := NewVFSServer(root)
	serverConn, clientConn := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.HandleConnection(serverConn)
	}()

	c := NewClient(clientConn)
	t.Cleanup(func() { c.Close() })
	return s, c, done
}

func TestClientRoundTrip(t *testing.T) {
	_, c, _ := startPipeServer(t, NewMemoryDir())

	require.NoError(t, c.MkdirAll("/a/b"))
	require.NoError(t, c.WriteFile("/a/b/file.txt", []byte("hello")))

	data, err := c.ReadFile("/a/b/file.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	st, err := c.Stat("/a/b/file.txt")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), st.Size)

	entries, err := c.ReadDir("/a")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b", entries[0].Name)
	assert.True(t, entries[0].IsDir)

	require.NoError(t, c.Rename("/a/b/file.txt", "/a/moved.txt"))
	_, err = c.Lstat("/a/b/file.txt")
	assert.ErrorIs(t, err, syscall.ENOENT)

	require.NoError(t, c.Remove("/a/moved.txt"))
	require.NoError(t, c.Remove("/a/b"))
	entries, err = c.ReadDir("/a")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestClientSymlink(t *testing.T) {
	_, c, _ := startPipeServer(t, NewMemoryDir())

	require.NoError(t, c.WriteFile("/target.txt", []byte("data")))
	require.NoError(t, c.Symlink("target.txt", "/link"))

	target, err := c.Readlink("/link")
	require.NoError(t, err)
	assert.Equal(t, "target.txt", target)

	lst, err := c.Lstat("/link")
	require.NoError(t, err)
	assert.Equal(t, FileTypeSymbolicLink, lst.Type)

	st, err := c.Stat("/link")
	require.NoError(t, err)
	assert.Equal(t, FileTypeRegularFile, st.Type)
	assert.Equal(t, uint64(4), st.Size)
}

func TestClientReadonlyRoot(t *testing.T) {
	mem := NewMemoryDir()
	require.NoError(t, mem.WriteFile("a.txt", []byte("hi")))
	_, c, _ := startPipeServer(t, NewReadonlyDir(mem))

	data, err := c.ReadFile("/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))

	assert.ErrorIs(t, c.WriteFile("/b.txt", []byte("x")), syscall.EPERM)
	assert.ErrorIs(t, c.Mkdir("/dir"), syscall.EPERM)
	assert.ErrorIs(t, c.Remove("/a.txt"), syscall.EPERM)
	assert.ErrorIs(t, c.Rename("/a.txt", "/c.txt"), syscall.EPERM)

	_, err = c.Open("/a.txt", FlagWrite)
	assert.ErrorIs(t, err, syscall.EPERM)

	got, err := mem.ReadFile("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hi", string(got))
}

func TestClientOversizedReadIsClamped(t *testing.T) {
	const size = 20 << 20
	mem := NewMemoryDir()
	require.NoError(t, mem.WriteFile("big.bin", bytes.Repeat([]byte{'x'}, size)))
	_, c, _ := startPipeServer(t, NewReadonlyDir(mem))

	fh, err := c.Open("/big.bin", FlagRead)
	require.NoError(t, err)

	resp, err := c.Call(&VFSRequest{Op: OpRead, Handle: fh, Size: size})
	require.NoError(t, err)
	assert.Len(t, resp.Data, maxReadSize)

	resp, err = c.Call(&VFSRequest{Op: OpRead, Handle: fh, Offset: maxReadSize, Size: size})
	require.NoError(t, err)
	assert.Len(t, resp.Data, size-maxReadSize)
	require.NoError(t, c.Release(fh))

	st, err := c.Stat("/big.bin")
	require.NoError(t, err)
	assert.Equal(t, uint64(size), st.Size)
}

func TestDispatchReaddirCapsEntries(t *testing.T) {
	mem := NewMemoryDir()
	for i := range maxReaddirEntries + 3 {
		require.NoError(t, mem.WriteFile(fmt.Sprintf("f%05d", i), nil))
	}
	s := NewVFSServer(mem)

	resp := s.dispatch(context.Background(), "conn", &VFSRequest{Op: OpReaddir, Path: "/"})
	require.Equal(t, int32(0), resp.Err)
	assert.Len(t, resp.Entries, maxReaddirEntries)

	resp = s.dispatch(context.Background(), "conn", &VFSRequest{
		Op:     OpReaddir,
		Path:   "/",
		Offset: uint64(resp.Entries[len(resp.Entries)-1].Next),
	})
	require.Equal(t, int32(0), resp.Err)
	assert.Len(t, resp.Entries, 3)
}

func TestHandleConnectionReleasesHandlesOnClose(t *testing.T) {
	mem := NewMemoryDir()
	require.NoError(t, mem.WriteFile("a.txt", []byte("hi")))
	s, c, done := startPipeServer(t, mem)

	_, err := c.Open("/a.txt", FlagRead)
	require.NoError(t, err)
	_, err = c.Open("/", FlagDirectory|FlagRead)
	require.NoError(t, err)
	assert.Equal(t, 2, countHandles(s))

	require.NoError(t, c.Close())
	<-done
	assert.Equal(t, 0, countHandles(s))
}

func countHandles(s *VFSServer) int {
	n := 0
	s.handles.Range(func(key, value any) bool {
		n++
		return true
	})
	return n
}

type denyStatDir struct {
	Dir
}

func (d denyStatDir) GetPathFilestat(ctx context.Context, path string, followSymlinks bool) (Filestat, error) {
	return Filestat{}, syscall.EACCES
}
