//go:build linux || darwin

package fusefs

import (
	"context"
	"errors"
	"os"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/jingkaihe/capfs/pkg/vfs"
)

func typeMode(t vfs.FileType) uint32 {
	switch t {
	case vfs.FileTypeDirectory:
		return syscall.S_IFDIR
	case vfs.FileTypeSymbolicLink:
		return syscall.S_IFLNK
	case vfs.FileTypeCharacterDevice:
		return syscall.S_IFCHR
	case vfs.FileTypeBlockDevice:
		return syscall.S_IFBLK
	case vfs.FileTypePipe:
		return syscall.S_IFIFO
	case vfs.FileTypeSocketStream, vfs.FileTypeSocketDgram:
		return syscall.S_IFSOCK
	}
	return syscall.S_IFREG
}

func permBits(t vfs.FileType) uint32 {
	switch t {
	case vfs.FileTypeDirectory:
		return 0o755
	case vfs.FileTypeSymbolicLink:
		return 0o777
	}
	return 0o644
}

func fillAttr(attr *fuse.Attr, st vfs.Filestat) {
	attr.Ino = st.Inode
	attr.Size = st.Size
	attr.Blksize = 4096
	attr.Blocks = (st.Size + 511) / 512
	attr.Mode = typeMode(st.FileType) | permBits(st.FileType)
	attr.Nlink = uint32(st.NLink)
	if attr.Nlink == 0 {
		attr.Nlink = 1
	}
	attr.SetTimes(st.Atim, st.Mtim, st.Ctim)
}

func openOptions(flags uint32) vfs.OpenOptions {
	var opts vfs.OpenOptions
	switch int(flags) & syscall.O_ACCMODE {
	case os.O_WRONLY:
		opts.Write = true
	case os.O_RDWR:
		opts.Read, opts.Write = true, true
	default:
		opts.Read = true
	}
	if flags&syscall.O_TRUNC != 0 {
		opts.OFlags |= vfs.OFlagsTruncate
	}
	if flags&syscall.O_EXCL != 0 {
		opts.OFlags |= vfs.OFlagsExclusive
	}
	if flags&syscall.O_APPEND != 0 {
		opts.FdFlags |= vfs.FdFlagsAppend
	}
	if flags&syscall.O_SYNC != 0 {
		opts.FdFlags |= vfs.FdFlagsSync
	}
	return opts
}

func toErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return syscall.EINTR
	}
	return syscall.EIO
}
