//go:build !linux

package vfs

import (
	"io/fs"
	"os"
	"syscall"
	"time"
)

func statFromInfo(info fs.FileInfo) Filestat {
	mtime := info.ModTime()
	return Filestat{
		FileType: fileTypeOf(info.Mode()),
		NLink:    1,
		Size:     uint64(info.Size()),
		Mtim:     &mtime,
	}
}

func datasync(f *os.File) error { return f.Sync() }

func fadvise(f *os.File, offset, length uint64, advice Advice) error { return nil }

func setFdFlags(f *os.File, flags FdFlags) error { return syscall.ENOTSUP }

func lutimes(hostPath string, atime, mtime *SystemTimeSpec) error {
	info, err := os.Lstat(hostPath)
	if err != nil {
		return err
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		return syscall.ENOTSUP
	}
	now := time.Now()
	at, _ := atime.resolve(now)
	mt, _ := mtime.resolve(now)
	return os.Chtimes(hostPath, at, mt)
}
