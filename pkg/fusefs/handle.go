//go:build linux || darwin

package fusefs

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/jingkaihe/capfs/pkg/vfs"
)

// fileHandle serves reads and writes on an open file capability.
type fileHandle struct {
	f vfs.File
}

var (
	_ fs.FileReader    = (*fileHandle)(nil)
	_ fs.FileWriter    = (*fileHandle)(nil)
	_ fs.FileFsyncer   = (*fileHandle)(nil)
	_ fs.FileReleaser  = (*fileHandle)(nil)
	_ fs.FileGetattrer = (*fileHandle)(nil)
)

func (h *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if off < 0 {
		return nil, syscall.EINVAL
	}
	n, err := h.f.ReadVectoredAt(withCaller(ctx), [][]byte{dest}, uint64(off))
	if err != nil {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (h *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	if off < 0 {
		return 0, syscall.EINVAL
	}
	n, err := h.f.WriteVectoredAt(withCaller(ctx), [][]byte{data}, uint64(off))
	if err != nil {
		return 0, toErrno(err)
	}
	return uint32(n), 0
}

func (h *fileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return toErrno(h.f.Sync(withCaller(ctx)))
}

func (h *fileHandle) Release(ctx context.Context) syscall.Errno {
	return toErrno(h.f.Close())
}

func (h *fileHandle) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	st, err := h.f.GetFilestat(withCaller(ctx))
	if err != nil {
		return toErrno(err)
	}
	fillAttr(&out.Attr, st)
	return 0
}
