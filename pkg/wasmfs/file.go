package wasmfs

import (
	"context"
	"io"

	experimentalsys "github.com/tetratelabs/wazero/experimental/sys"
	"github.com/tetratelabs/wazero/sys"

	"github.com/jingkaihe/capfs/pkg/vfs"
)

var (
	_ experimentalsys.File = (*file)(nil)
	_ experimentalsys.File = (*dirFile)(nil)
)

type file struct {
	experimentalsys.UnimplementedFile
	ctx context.Context
	f   vfs.File
}

func (f *file) stat() (vfs.Filestat, experimentalsys.Errno) {
	st, err := f.f.GetFilestat(f.ctx)
	return st, toErrno(err)
}

func (f *file) Dev() (uint64, experimentalsys.Errno) {
	st, errno := f.stat()
	return st.Device, errno
}

func (f *file) Ino() (sys.Inode, experimentalsys.Errno) {
	st, errno := f.stat()
	return st.Inode, errno
}

func (f *file) IsDir() (bool, experimentalsys.Errno) { return false, 0 }

func (f *file) IsAppend() bool {
	flags, err := f.f.GetFdFlags(f.ctx)
	return err == nil && flags&vfs.FdFlagsAppend != 0
}

func (f *file) SetAppend(enable bool) experimentalsys.Errno {
	flags, err := f.f.GetFdFlags(f.ctx)
	if err != nil {
		return toErrno(err)
	}
	if enable {
		flags |= vfs.FdFlagsAppend
	} else {
		flags &^= vfs.FdFlagsAppend
	}
	return toErrno(f.f.SetFdFlags(f.ctx, flags))
}

func (f *file) Stat() (sys.Stat_t, experimentalsys.Errno) {
	st, errno := f.stat()
	if errno != 0 {
		return sys.Stat_t{}, errno
	}
	return statOf(st), 0
}

func (f *file) Read(buf []byte) (int, experimentalsys.Errno) {
	if len(buf) == 0 {
		return 0, 0
	}
	n, err := f.f.ReadVectored(f.ctx, [][]byte{buf})
	return int(n), toErrno(err)
}

func (f *file) Pread(buf []byte, off int64) (int, experimentalsys.Errno) {
	if off < 0 {
		return 0, experimentalsys.EINVAL
	}
	if len(buf) == 0 {
		return 0, 0
	}
	n, err := f.f.ReadVectoredAt(f.ctx, [][]byte{buf}, uint64(off))
	return int(n), toErrno(err)
}

func (f *file) Seek(offset int64, whence int) (int64, experimentalsys.Errno) {
	pos, err := f.f.Seek(f.ctx, vfs.SeekFrom{Whence: whence, Offset: offset})
	return int64(pos), toErrno(err)
}

func (f *file) Readdir(n int) ([]experimentalsys.Dirent, experimentalsys.Errno) {
	return nil, experimentalsys.ENOTDIR
}

func (f *file) Write(buf []byte) (int, experimentalsys.Errno) {
	if len(buf) == 0 {
		return 0, 0
	}
	n, err := f.f.WriteVectored(f.ctx, [][]byte{buf})
	return int(n), toErrno(err)
}

func (f *file) Pwrite(buf []byte, off int64) (int, experimentalsys.Errno) {
	if off < 0 {
		return 0, experimentalsys.EINVAL
	}
	if len(buf) == 0 {
		return 0, 0
	}
	n, err := f.f.WriteVectoredAt(f.ctx, [][]byte{buf}, uint64(off))
	return int(n), toErrno(err)
}

func (f *file) Truncate(size int64) experimentalsys.Errno {
	if size < 0 {
		return experimentalsys.EINVAL
	}
	return toErrno(f.f.SetFilestatSize(f.ctx, uint64(size)))
}

func (f *file) Sync() experimentalsys.Errno     { return toErrno(f.f.Sync(f.ctx)) }
func (f *file) Datasync() experimentalsys.Errno { return toErrno(f.f.Datasync(f.ctx)) }
func (f *file) Close() experimentalsys.Errno    { return toErrno(f.f.Close()) }

func (f *file) Utimens(atim, mtim int64) experimentalsys.Errno {
	return toErrno(f.f.SetTimes(f.ctx, timeSpec(atim), timeSpec(mtim)))
}

// dirFile is an open directory. Readdir continues from where the previous
// call stopped until the directory is rewound with Seek(0, io.SeekStart).
type dirFile struct {
	experimentalsys.UnimplementedFile
	ctx    context.Context
	dir    vfs.Dir
	cursor vfs.ReaddirCursor
}

func (d *dirFile) Dev() (uint64, experimentalsys.Errno) {
	st, err := d.dir.GetFilestat(d.ctx)
	return st.Device, toErrno(err)
}

func (d *dirFile) Ino() (sys.Inode, experimentalsys.Errno) {
	st, err := d.dir.GetFilestat(d.ctx)
	return st.Inode, toErrno(err)
}

func (d *dirFile) IsDir() (bool, experimentalsys.Errno) { return true, 0 }

func (d *dirFile) Stat() (sys.Stat_t, experimentalsys.Errno) {
	st, err := d.dir.GetFilestat(d.ctx)
	if err != nil {
		return sys.Stat_t{}, toErrno(err)
	}
	return statOf(st), 0
}

func (d *dirFile) Seek(offset int64, whence int) (int64, experimentalsys.Errno) {
	if offset != 0 || whence != io.SeekStart {
		return 0, experimentalsys.EISDIR
	}
	d.cursor = 0
	return 0, 0
}

// Readdir returns up to n entries, or all remaining entries when n <= 0.
func (d *dirFile) Readdir(n int) ([]experimentalsys.Dirent, experimentalsys.Errno) {
	seq, err := d.dir.Readdir(d.ctx, d.cursor)
	if err != nil {
		return nil, toErrno(err)
	}
	var out []experimentalsys.Dirent
	for e, err := range seq {
		if err != nil {
			return out, toErrno(err)
		}
		out = append(out, experimentalsys.Dirent{
			Ino:  e.Inode,
			Name: e.Name,
			Type: modeOf(e.FileType).Type(),
		})
		d.cursor = e.Next
		if n > 0 && len(out) >= n {
			break
		}
	}
	return out, 0
}

func (d *dirFile) Read([]byte) (int, experimentalsys.Errno) { return 0, experimentalsys.EISDIR }

func (d *dirFile) Pread([]byte, int64) (int, experimentalsys.Errno) {
	return 0, experimentalsys.EISDIR
}

func (d *dirFile) Write([]byte) (int, experimentalsys.Errno) { return 0, experimentalsys.EISDIR }

func (d *dirFile) Pwrite([]byte, int64) (int, experimentalsys.Errno) {
	return 0, experimentalsys.EISDIR
}

func (d *dirFile) Truncate(int64) experimentalsys.Errno { return experimentalsys.EISDIR }
func (d *dirFile) Sync() experimentalsys.Errno          { return 0 }
func (d *dirFile) Datasync() experimentalsys.Errno      { return 0 }
func (d *dirFile) Close() experimentalsys.Errno         { return toErrno(d.dir.Close()) }

func (d *dirFile) Utimens(atim, mtim int64) experimentalsys.Errno {
	return toErrno(d.dir.SetTimes(d.ctx, ".", timeSpec(atim), timeSpec(mtim), true))
}

