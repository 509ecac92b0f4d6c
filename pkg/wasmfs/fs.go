// Package wasmfs exposes directory capabilities to WebAssembly guests running
// under wazero.
package wasmfs

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"syscall"
	"time"

	experimentalsys "github.com/tetratelabs/wazero/experimental/sys"
	"github.com/tetratelabs/wazero/sys"

	"github.com/jingkaihe/capfs/pkg/vfs"
)

var _ experimentalsys.FS = (*dirFS)(nil)

// dirFS serves wazero's filesystem calls from a root directory capability.
// Everything the guest can reach goes through root, so a read-only root
// stays read-only inside the guest.
type dirFS struct {
	experimentalsys.UnimplementedFS
	ctx  context.Context
	root vfs.Dir
}

func NewFS(root vfs.Dir) experimentalsys.FS {
	return newFS(context.Background(), root)
}

func newFS(ctx context.Context, root vfs.Dir) *dirFS {
	return &dirFS{ctx: ctx, root: root}
}

func (d *dirFS) String() string { return "capfs" }

func rel(path string) string {
	path = strings.TrimLeft(path, "/")
	if path == "" {
		return "."
	}
	return path
}

// toErrno folds a capability error into the errno wazero hands the guest.
func toErrno(err error) experimentalsys.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return experimentalsys.UnwrapOSError(errno)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return experimentalsys.EINTR
	}
	return experimentalsys.UnwrapOSError(err)
}

func openOptions(flag experimentalsys.Oflag) vfs.OpenOptions {
	opts := vfs.OpenOptions{FollowSymlinks: flag&experimentalsys.O_NOFOLLOW == 0}
	switch {
	case flag&experimentalsys.O_RDWR != 0:
		opts.Read, opts.Write = true, true
	case flag&experimentalsys.O_WRONLY != 0:
		opts.Write = true
	default:
		opts.Read = true
	}
	if flag&experimentalsys.O_CREAT != 0 {
		opts.OFlags |= vfs.OFlagsCreate
	}
	if flag&experimentalsys.O_EXCL != 0 {
		opts.OFlags |= vfs.OFlagsExclusive
	}
	if flag&experimentalsys.O_TRUNC != 0 {
		opts.OFlags |= vfs.OFlagsTruncate
	}
	if flag&experimentalsys.O_DIRECTORY != 0 {
		opts.OFlags |= vfs.OFlagsDirectory
	}
	if flag&experimentalsys.O_APPEND != 0 {
		opts.FdFlags |= vfs.FdFlagsAppend
	}
	if flag&experimentalsys.O_DSYNC != 0 {
		opts.FdFlags |= vfs.FdFlagsDSync
	}
	if flag&experimentalsys.O_RSYNC != 0 {
		opts.FdFlags |= vfs.FdFlagsRSync
	}
	if flag&experimentalsys.O_SYNC != 0 {
		opts.FdFlags |= vfs.FdFlagsSync
	}
	if flag&experimentalsys.O_NONBLOCK != 0 {
		opts.FdFlags |= vfs.FdFlagsNonBlock
	}
	return opts
}

func modeOf(t vfs.FileType) fs.FileMode {
	switch t {
	case vfs.FileTypeDirectory:
		return fs.ModeDir | 0o755
	case vfs.FileTypeSymbolicLink:
		return fs.ModeSymlink | 0o777
	case vfs.FileTypeCharacterDevice:
		return fs.ModeDevice | fs.ModeCharDevice | 0o666
	case vfs.FileTypeBlockDevice:
		return fs.ModeDevice | 0o660
	case vfs.FileTypePipe:
		return fs.ModeNamedPipe | 0o644
	case vfs.FileTypeSocketStream, vfs.FileTypeSocketDgram:
		return fs.ModeSocket | 0o644
	}
	return 0o644
}

func epochNanos(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixNano()
}

func statOf(st vfs.Filestat) sys.Stat_t {
	return sys.Stat_t{
		Dev:   st.Device,
		Ino:   st.Inode,
		Mode:  modeOf(st.FileType),
		Nlink: st.NLink,
		Size:  int64(st.Size),
		Atim:  epochNanos(st.Atim),
		Mtim:  epochNanos(st.Mtim),
		Ctim:  epochNanos(st.Ctim),
	}
}

func timeSpec(ns int64) *vfs.SystemTimeSpec {
	if ns == experimentalsys.UTIME_OMIT {
		return nil
	}
	return &vfs.SystemTimeSpec{Time: time.Unix(0, ns)}
}

func (d *dirFS) OpenFile(path string, flag experimentalsys.Oflag, perm fs.FileMode) (experimentalsys.File, experimentalsys.Errno) {
	res, err := d.root.OpenFile(d.ctx, rel(path), openOptions(flag))
	if err != nil {
		return nil, toErrno(err)
	}
	if res.Dir != nil {
		return &dirFile{ctx: d.ctx, dir: res.Dir}, 0
	}
	return &file{ctx: d.ctx, f: res.File}, 0
}

func (d *dirFS) Lstat(path string) (sys.Stat_t, experimentalsys.Errno) {
	st, err := d.root.GetPathFilestat(d.ctx, rel(path), false)
	if err != nil {
		return sys.Stat_t{}, toErrno(err)
	}
	return statOf(st), 0
}

func (d *dirFS) Stat(path string) (sys.Stat_t, experimentalsys.Errno) {
	st, err := d.root.GetPathFilestat(d.ctx, rel(path), true)
	if err != nil {
		return sys.Stat_t{}, toErrno(err)
	}
	return statOf(st), 0
}

func (d *dirFS) Mkdir(path string, perm fs.FileMode) experimentalsys.Errno {
	return toErrno(d.root.CreateDir(d.ctx, rel(path)))
}

func (d *dirFS) Rename(from, to string) experimentalsys.Errno {
	return toErrno(d.root.Rename(d.ctx, rel(from), d.root, rel(to)))
}

func (d *dirFS) Rmdir(path string) experimentalsys.Errno {
	return toErrno(d.root.RemoveDir(d.ctx, rel(path)))
}

func (d *dirFS) Unlink(path string) experimentalsys.Errno {
	return toErrno(d.root.UnlinkFile(d.ctx, rel(path)))
}

func (d *dirFS) Link(oldPath, newPath string) experimentalsys.Errno {
	return toErrno(d.root.HardLink(d.ctx, rel(oldPath), d.root, rel(newPath)))
}

func (d *dirFS) Symlink(oldPath, linkName string) experimentalsys.Errno {
	return toErrno(d.root.Symlink(d.ctx, oldPath, rel(linkName)))
}

func (d *dirFS) Readlink(path string) (string, experimentalsys.Errno) {
	target, err := d.root.ReadLink(d.ctx, rel(path))
	if err != nil {
		return "", toErrno(err)
	}
	return target, 0
}

func (d *dirFS) Utimens(path string, atim, mtim int64) experimentalsys.Errno {
	return toErrno(d.root.SetTimes(d.ctx, rel(path), timeSpec(atim), timeSpec(mtim), true))
}
