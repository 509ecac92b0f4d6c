package vfs

import (
	"context"
	"errors"
	"io/fs"
	"iter"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder counts calls that reach a fake capability.
type recorder struct {
	mu    sync.Mutex
	calls map[string]int
}

func (r *recorder) hit(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = make(map[string]int)
	}
	r.calls[name]++
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[name]
}

func (r *recorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		n += c
	}
	return n
}

type fakeDir struct {
	recorder
	err     error
	open    OpenResult
	stat    Filestat
	target  string
	entries []ReaddirEntity
}

func (d *fakeDir) OpenFile(ctx context.Context, path string, opts OpenOptions) (OpenResult, error) {
	d.hit("OpenFile")
	return d.open, d.err
}

func (d *fakeDir) CreateDir(ctx context.Context, path string) error {
	d.hit("CreateDir")
	return d.err
}

func (d *fakeDir) Readdir(ctx context.Context, cursor ReaddirCursor) (iter.Seq2[ReaddirEntity, error], error) {
	d.hit("Readdir")
	if d.err != nil {
		return nil, d.err
	}
	entries := d.entries[min(int(cursor), len(d.entries)):]
	return func(yield func(ReaddirEntity, error) bool) {
		for _, e := range entries {
			if !yield(e, nil) {
				return
			}
		}
	}, nil
}

func (d *fakeDir) Symlink(ctx context.Context, oldPath, newPath string) error {
	d.hit("Symlink")
	return d.err
}

func (d *fakeDir) RemoveDir(ctx context.Context, path string) error {
	d.hit("RemoveDir")
	return d.err
}

func (d *fakeDir) UnlinkFile(ctx context.Context, path string) error {
	d.hit("UnlinkFile")
	return d.err
}

func (d *fakeDir) ReadLink(ctx context.Context, path string) (string, error) {
	d.hit("ReadLink")
	return d.target, d.err
}

func (d *fakeDir) GetFilestat(ctx context.Context) (Filestat, error) {
	d.hit("GetFilestat")
	return d.stat, d.err
}

func (d *fakeDir) GetPathFilestat(ctx context.Context, path string, followSymlinks bool) (Filestat, error) {
	d.hit("GetPathFilestat")
	return d.stat, d.err
}

func (d *fakeDir) Rename(ctx context.Context, path string, destDir Dir, destPath string) error {
	d.hit("Rename")
	return d.err
}

func (d *fakeDir) HardLink(ctx context.Context, path string, targetDir Dir, targetPath string) error {
	d.hit("HardLink")
	return d.err
}

func (d *fakeDir) SetTimes(ctx context.Context, path string, atime, mtime *SystemTimeSpec, followSymlinks bool) error {
	d.hit("SetTimes")
	return d.err
}

func (d *fakeDir) Close() error {
	d.hit("Close")
	return d.err
}

type fakeFile struct {
	recorder
	err   error
	n     uint64
	flags FdFlags
	stat  Filestat
	poll  Pollable
	tty   bool
}

func (f *fakeFile) FileType(ctx context.Context) (FileType, error) {
	f.hit("FileType")
	return f.stat.FileType, f.err
}

func (f *fakeFile) Pollable() (Pollable, bool) {
	f.hit("Pollable")
	return f.poll, true
}

func (f *fakeFile) IsATTY() bool {
	f.hit("IsATTY")
	return f.tty
}

func (f *fakeFile) Datasync(ctx context.Context) error {
	f.hit("Datasync")
	return f.err
}

func (f *fakeFile) Sync(ctx context.Context) error {
	f.hit("Sync")
	return f.err
}

func (f *fakeFile) GetFdFlags(ctx context.Context) (FdFlags, error) {
	f.hit("GetFdFlags")
	return f.flags, f.err
}

func (f *fakeFile) SetFdFlags(ctx context.Context, flags FdFlags) error {
	f.hit("SetFdFlags")
	return f.err
}

func (f *fakeFile) GetFilestat(ctx context.Context) (Filestat, error) {
	f.hit("GetFilestat")
	return f.stat, f.err
}

func (f *fakeFile) SetFilestatSize(ctx context.Context, size uint64) error {
	f.hit("SetFilestatSize")
	return f.err
}

func (f *fakeFile) Advise(ctx context.Context, offset, length uint64, advice Advice) error {
	f.hit("Advise")
	return f.err
}

func (f *fakeFile) SetTimes(ctx context.Context, atime, mtime *SystemTimeSpec) error {
	f.hit("SetTimes")
	return f.err
}

func (f *fakeFile) ReadVectored(ctx context.Context, bufs [][]byte) (uint64, error) {
	f.hit("ReadVectored")
	return f.n, f.err
}

func (f *fakeFile) ReadVectoredAt(ctx context.Context, bufs [][]byte, offset uint64) (uint64, error) {
	f.hit("ReadVectoredAt")
	return f.n, f.err
}

func (f *fakeFile) WriteVectored(ctx context.Context, bufs [][]byte) (uint64, error) {
	f.hit("WriteVectored")
	return f.n, f.err
}

func (f *fakeFile) WriteVectoredAt(ctx context.Context, bufs [][]byte, offset uint64) (uint64, error) {
	f.hit("WriteVectoredAt")
	return f.n, f.err
}

func (f *fakeFile) Seek(ctx context.Context, pos SeekFrom) (uint64, error) {
	f.hit("Seek")
	return f.n, f.err
}

func (f *fakeFile) Peek(ctx context.Context, buf []byte) (uint64, error) {
	f.hit("Peek")
	return f.n, f.err
}

func (f *fakeFile) NumReadyBytes() (uint64, error) {
	f.hit("NumReadyBytes")
	return f.n, f.err
}

func (f *fakeFile) Readable(ctx context.Context) error {
	f.hit("Readable")
	return f.err
}

func (f *fakeFile) Writable(ctx context.Context) error {
	f.hit("Writable")
	return f.err
}

func (f *fakeFile) Close() error {
	f.hit("Close")
	return f.err
}

func assertPermissionDenied(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, syscall.EPERM)
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, err, fs.ErrPermission)
	assert.True(t, os.IsPermission(err))
}

func TestReadonlyDir_MutationsNeverReachInner(t *testing.T) {
	ctx := context.Background()
	now := &SystemTimeSpec{Now: true}
	other := NewMemoryDir()

	cases := []struct {
		name string
		call func(d Dir) error
	}{
		{"CreateDir", func(d Dir) error { return d.CreateDir(ctx, "new") }},
		{"CreateDirEmpty", func(d Dir) error { return d.CreateDir(ctx, "") }},
		{"CreateDirEscape", func(d Dir) error { return d.CreateDir(ctx, "../../etc") }},
		{"Symlink", func(d Dir) error { return d.Symlink(ctx, "target", "link") }},
		{"SymlinkAbsolute", func(d Dir) error { return d.Symlink(ctx, "/etc/passwd", "/link") }},
		{"RemoveDir", func(d Dir) error { return d.RemoveDir(ctx, "sub") }},
		{"RemoveDirMissing", func(d Dir) error { return d.RemoveDir(ctx, "missing") }},
		{"UnlinkFile", func(d Dir) error { return d.UnlinkFile(ctx, "a.txt") }},
		{"Rename", func(d Dir) error { return d.Rename(ctx, "a.txt", d, "b.txt") }},
		{"RenameNilDest", func(d Dir) error { return d.Rename(ctx, "a.txt", nil, "b.txt") }},
		{"RenameOtherTree", func(d Dir) error { return d.Rename(ctx, "a.txt", other, "b.txt") }},
		{"HardLink", func(d Dir) error { return d.HardLink(ctx, "a.txt", d, "b.txt") }},
		{"HardLinkNilDest", func(d Dir) error { return d.HardLink(ctx, "", nil, "") }},
		{"SetTimes", func(d Dir) error { return d.SetTimes(ctx, "a.txt", now, now, true) }},
		{"SetTimesNil", func(d Dir) error { return d.SetTimes(ctx, "a.txt", nil, nil, false) }},
		{"OpenWrite", func(d Dir) error {
			_, err := d.OpenFile(ctx, "a.txt", OpenOptions{Read: true, Write: true})
			return err
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			inner := &fakeDir{}
			ro := NewReadonlyDir(inner)

			assertPermissionDenied(t, tc.call(ro))
			assertPermissionDenied(t, tc.call(ro))
			assert.Zero(t, inner.total())
		})
	}
}

func TestReadonlyDir_MutationsDeniedEvenWhenInnerFails(t *testing.T) {
	inner := &fakeDir{err: syscall.ENOENT}
	ro := NewReadonlyDir(inner)

	err := ro.UnlinkFile(context.Background(), "missing")
	assertPermissionDenied(t, err)
	assert.NotErrorIs(t, err, syscall.ENOENT)
	assert.Zero(t, inner.total())
}

func TestReadonlyDir_OpenRequestingWriteFailsBeforeInner(t *testing.T) {
	cases := map[string]OpenOptions{
		"write":          {Write: true},
		"read_write":     {Read: true, Write: true},
		"create":         {Read: true, OFlags: OFlagsCreate},
		"truncate":       {Read: true, OFlags: OFlagsTruncate},
		"exclusive":      {Read: true, OFlags: OFlagsExclusive},
		"append":         {Read: true, FdFlags: FdFlagsAppend},
		"create_dir":     {OFlags: OFlagsCreate | OFlagsDirectory},
		"write_followed": {Write: true, FollowSymlinks: true},
	}

	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			inner := &fakeDir{open: OpenResult{File: &fakeFile{}}}
			ro := NewReadonlyDir(inner)

			res, err := ro.OpenFile(context.Background(), "a.txt", opts)
			assertPermissionDenied(t, err)
			assert.Nil(t, res.Dir)
			assert.Nil(t, res.File)
			assert.Zero(t, inner.count("OpenFile"))
		})
	}
}

func TestReadonlyDir_DelegatesQueries(t *testing.T) {
	ctx := context.Background()
	mtime := time.Unix(1700000000, 0)
	inner := &fakeDir{
		stat:   Filestat{Inode: 42, FileType: FileTypeDirectory, NLink: 3, Mtim: &mtime},
		target: "a.txt",
		entries: []ReaddirEntity{
			{Next: 1, Inode: 7, Name: "a.txt", FileType: FileTypeRegularFile},
			{Next: 2, Inode: 8, Name: "sub", FileType: FileTypeDirectory},
		},
	}
	ro := NewReadonlyDir(inner)

	st, err := ro.GetFilestat(ctx)
	require.NoError(t, err)
	assert.Equal(t, inner.stat, st)

	st, err = ro.GetPathFilestat(ctx, "a.txt", true)
	require.NoError(t, err)
	assert.Equal(t, inner.stat, st)

	target, err := ro.ReadLink(ctx, "link")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", target)

	entries, err := ReadDirAll(ctx, ro)
	require.NoError(t, err)
	assert.Equal(t, inner.entries, entries)

	seq, err := ro.Readdir(ctx, 1)
	require.NoError(t, err)
	var names []string
	for e, err := range seq {
		require.NoError(t, err)
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"sub"}, names)

	assert.Equal(t, 1, inner.count("GetFilestat"))
	assert.Equal(t, 1, inner.count("GetPathFilestat"))
	assert.Equal(t, 1, inner.count("ReadLink"))
	assert.Equal(t, 2, inner.count("Readdir"))
}

func TestReadonlyDir_DelegatedErrorsPassThroughUnchanged(t *testing.T) {
	ctx := context.Background()
	wantErr := errors.New("inner failure")
	ro := NewReadonlyDir(&fakeDir{err: wantErr})

	_, err := ro.GetFilestat(ctx)
	assert.Same(t, wantErr, err)
	_, err = ro.GetPathFilestat(ctx, "x", false)
	assert.Same(t, wantErr, err)
	_, err = ro.ReadLink(ctx, "x")
	assert.Same(t, wantErr, err)
	_, err = ro.Readdir(ctx, 0)
	assert.Same(t, wantErr, err)
	_, err = ro.OpenFile(ctx, "x", OpenOptions{Read: true})
	assert.Same(t, wantErr, err)
	assert.Same(t, wantErr, ro.Close())

	ro = NewReadonlyDir(&fakeDir{err: syscall.ENOENT})
	_, err = ro.GetPathFilestat(ctx, "missing", true)
	assert.Equal(t, syscall.ENOENT, err)
}

func TestReadonlyDir_OpenWrapsResults(t *testing.T) {
	ctx := context.Background()

	innerFile := &fakeFile{}
	ro := NewReadonlyDir(&fakeDir{open: OpenResult{File: innerFile}})
	res, err := ro.OpenFile(ctx, "a.txt", OpenOptions{Read: true})
	require.NoError(t, err)
	require.IsType(t, &ReadonlyFile{}, res.File)
	assert.Nil(t, res.Dir)

	_, err = res.File.WriteVectored(ctx, [][]byte{[]byte("x")})
	assertPermissionDenied(t, err)
	assert.Zero(t, innerFile.count("WriteVectored"))

	innerDir := &fakeDir{}
	ro = NewReadonlyDir(&fakeDir{open: OpenResult{Dir: innerDir}})
	res, err = ro.OpenFile(ctx, "sub", OpenOptions{OFlags: OFlagsDirectory, Read: true})
	require.NoError(t, err)
	require.IsType(t, &ReadonlyDir{}, res.Dir)
	assert.Nil(t, res.File)

	assertPermissionDenied(t, res.Dir.CreateDir(ctx, "x"))
	assert.Zero(t, innerDir.total())
}

func TestReadonlyDir_CloseDelegates(t *testing.T) {
	inner := &fakeDir{}
	require.NoError(t, NewReadonlyDir(inner).Close())
	assert.Equal(t, 1, inner.count("Close"))

	innerFile := &fakeFile{}
	require.NoError(t, NewReadonlyFile(innerFile).Close())
	assert.Equal(t, 1, innerFile.count("Close"))
}

func TestReadonlyFile_MutationsNeverReachInner(t *testing.T) {
	ctx := context.Background()
	now := &SystemTimeSpec{Now: true}

	cases := []struct {
		name string
		call func(f File) error
	}{
		{"SetFdFlags", func(f File) error { return f.SetFdFlags(ctx, FdFlagsAppend) }},
		{"SetFdFlagsZero", func(f File) error { return f.SetFdFlags(ctx, 0) }},
		{"SetFilestatSize", func(f File) error { return f.SetFilestatSize(ctx, 0) }},
		{"SetFilestatSizeGrow", func(f File) error { return f.SetFilestatSize(ctx, 1<<40) }},
		{"SetTimes", func(f File) error { return f.SetTimes(ctx, now, nil) }},
		{"SetTimesNil", func(f File) error { return f.SetTimes(ctx, nil, nil) }},
		{"Writable", func(f File) error { return f.Writable(ctx) }},
		{"WriteVectored", func(f File) error {
			n, err := f.WriteVectored(ctx, [][]byte{[]byte("hello"), []byte("world")})
			assert.Zero(t, n)
			return err
		}},
		{"WriteVectoredEmpty", func(f File) error {
			_, err := f.WriteVectored(ctx, nil)
			return err
		}},
		{"WriteVectoredAt", func(f File) error {
			n, err := f.WriteVectoredAt(ctx, [][]byte{[]byte("x")}, 1<<62)
			assert.Zero(t, n)
			return err
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			inner := &fakeFile{}
			ro := NewReadonlyFile(inner)

			assertPermissionDenied(t, tc.call(ro))
			assertPermissionDenied(t, tc.call(ro))
			assert.Zero(t, inner.total())
		})
	}
}

func TestReadonlyFile_WritableDoesNotBlock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ro := NewReadonlyFile(&fakeFile{})
	assertPermissionDenied(t, ro.Writable(ctx))
}

func TestReadonlyFile_DelegatesQueries(t *testing.T) {
	ctx := context.Background()
	inner := &fakeFile{
		n:     5,
		flags: FdFlagsNonBlock,
		stat:  Filestat{Inode: 9, FileType: FileTypeRegularFile, Size: 5},
		tty:   true,
	}
	ro := NewReadonlyFile(inner)

	ft, err := ro.FileType(ctx)
	require.NoError(t, err)
	assert.Equal(t, FileTypeRegularFile, ft)

	poll, ok := ro.Pollable()
	assert.True(t, ok)
	assert.Equal(t, inner.poll, poll)
	assert.True(t, ro.IsATTY())

	require.NoError(t, ro.Datasync(ctx))
	require.NoError(t, ro.Sync(ctx))
	require.NoError(t, ro.Advise(ctx, 0, 10, AdviceSequential))
	require.NoError(t, ro.Readable(ctx))

	flags, err := ro.GetFdFlags(ctx)
	require.NoError(t, err)
	assert.Equal(t, FdFlagsNonBlock, flags)

	st, err := ro.GetFilestat(ctx)
	require.NoError(t, err)
	assert.Equal(t, inner.stat, st)

	buf := make([]byte, 8)
	for _, read := range []func() (uint64, error){
		func() (uint64, error) { return ro.ReadVectored(ctx, [][]byte{buf}) },
		func() (uint64, error) { return ro.ReadVectoredAt(ctx, [][]byte{buf}, 3) },
		func() (uint64, error) { return ro.Seek(ctx, SeekEnd(0)) },
		func() (uint64, error) { return ro.Peek(ctx, buf) },
		func() (uint64, error) { return ro.NumReadyBytes() },
	} {
		n, err := read()
		require.NoError(t, err)
		assert.Equal(t, uint64(5), n)
	}

	for _, name := range []string{
		"FileType", "Pollable", "IsATTY", "Datasync", "Sync", "Advise", "Readable",
		"GetFdFlags", "GetFilestat", "ReadVectored", "ReadVectoredAt", "Seek", "Peek", "NumReadyBytes",
	} {
		assert.Equal(t, 1, inner.count(name), name)
	}
}

func TestReadonlyFile_DelegatedErrorsPassThroughUnchanged(t *testing.T) {
	ctx := context.Background()
	ro := NewReadonlyFile(&fakeFile{err: syscall.EIO})

	_, err := ro.ReadVectored(ctx, [][]byte{make([]byte, 1)})
	assert.Equal(t, syscall.EIO, err)
	_, err = ro.Seek(ctx, SeekStart(0))
	assert.Equal(t, syscall.EIO, err)
	assert.Equal(t, syscall.EIO, ro.Readable(ctx))
	assert.Equal(t, syscall.EIO, ro.Sync(ctx))

	// Denials win over whatever the inner file would have said.
	_, err = ro.WriteVectored(ctx, [][]byte{[]byte("x")})
	assertPermissionDenied(t, err)
}

func newScenarioTree(t *testing.T) *MemoryDir {
	t.Helper()
	mem := NewMemoryDir()
	require.NoError(t, mem.WriteFile("a.txt", []byte("hi")))
	require.NoError(t, mem.CreateDir(context.Background(), "sub"))
	return mem
}

func TestReadonlyDir_MemoryScenario(t *testing.T) {
	ctx := context.Background()
	mem := newScenarioTree(t)
	ro := NewReadonlyDir(mem)

	want, err := ReadDirAll(ctx, mem)
	require.NoError(t, err)
	got, err := ReadDirAll(ctx, ro)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	require.Len(t, got, 2)
	assert.Equal(t, "a.txt", got[0].Name)
	assert.Equal(t, "sub", got[1].Name)

	res, err := ro.OpenFile(ctx, "a.txt", OpenOptions{Read: true})
	require.NoError(t, err)
	data, err := ReadAll(ctx, res.File)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
	require.NoError(t, res.Close())

	_, err = ro.OpenFile(ctx, "a.txt", OpenOptions{Read: true, Write: true})
	assertPermissionDenied(t, err)

	assertPermissionDenied(t, ro.UnlinkFile(ctx, "a.txt"))
	data, err = mem.ReadFile("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))

	res, err = ro.OpenFile(ctx, "sub", OpenOptions{OFlags: OFlagsDirectory, Read: true})
	require.NoError(t, err)
	require.NotNil(t, res.Dir)
	assertPermissionDenied(t, res.Dir.CreateDir(ctx, "x"))
	_, err = mem.GetPathFilestat(ctx, "sub/x", false)
	assert.ErrorIs(t, err, syscall.ENOENT)
	require.NoError(t, res.Close())
}

func TestReadonlyDir_TransitiveAtDepth(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryDir()
	require.NoError(t, mem.MkdirAll("a/b/c"))
	require.NoError(t, mem.WriteFile("a/b/c/deep.txt", []byte("deep")))

	var dir Dir = NewReadonlyDir(mem)
	for _, name := range []string{"a", "b", "c"} {
		res, err := dir.OpenFile(ctx, name, OpenOptions{OFlags: OFlagsDirectory, Read: true})
		require.NoError(t, err)
		require.IsType(t, &ReadonlyDir{}, res.Dir)
		assertPermissionDenied(t, res.Dir.CreateDir(ctx, "new"))
		assertPermissionDenied(t, res.Dir.Symlink(ctx, "x", "y"))
		dir = res.Dir
	}

	res, err := dir.OpenFile(ctx, "deep.txt", OpenOptions{Read: true})
	require.NoError(t, err)
	require.IsType(t, &ReadonlyFile{}, res.File)
	assertPermissionDenied(t, res.File.SetFilestatSize(ctx, 0))
	_, err = res.File.WriteVectoredAt(ctx, [][]byte{[]byte("x")}, 0)
	assertPermissionDenied(t, err)

	data, err := mem.ReadFile("a/b/c/deep.txt")
	require.NoError(t, err)
	assert.Equal(t, "deep", string(data))
}

func TestReadonlyDir_RenameIntoReadonlyFromWritableFails(t *testing.T) {
	ctx := context.Background()
	mem := newScenarioTree(t)
	ro := NewReadonlyDir(mem)

	err := mem.Rename(ctx, "a.txt", ro, "moved.txt")
	assert.ErrorIs(t, err, syscall.EXDEV)
	err = mem.HardLink(ctx, "a.txt", ro, "linked.txt")
	assert.ErrorIs(t, err, syscall.EXDEV)

	_, err = mem.GetPathFilestat(ctx, "a.txt", false)
	require.NoError(t, err)
	_, err = mem.GetPathFilestat(ctx, "moved.txt", false)
	assert.ErrorIs(t, err, syscall.ENOENT)
}

func TestReadonlyDir_ConcurrentUse(t *testing.T) {
	ctx := context.Background()
	ro := NewReadonlyDir(newScenarioTree(t))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				_, err := ro.GetPathFilestat(ctx, "a.txt", true)
				assert.NoError(t, err)
				assert.ErrorIs(t, ro.UnlinkFile(ctx, "a.txt"), ErrReadOnly)
			}
		}()
	}
	wg.Wait()
}
