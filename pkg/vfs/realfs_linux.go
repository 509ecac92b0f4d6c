//go:build linux

package vfs

import (
	"io/fs"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

func statFromInfo(info fs.FileInfo) Filestat {
	mtime := info.ModTime()
	st := Filestat{
		FileType: fileTypeOf(info.Mode()),
		NLink:    1,
		Size:     uint64(info.Size()),
		Mtim:     &mtime,
	}
	sys, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return st
	}
	atime := time.Unix(sys.Atim.Unix())
	ctime := time.Unix(sys.Ctim.Unix())
	st.Device = uint64(sys.Dev)
	st.Inode = sys.Ino
	st.NLink = uint64(sys.Nlink)
	st.Atim = &atime
	st.Ctim = &ctime
	return st
}

func datasync(f *os.File) error {
	return withFd(f, func(fd uintptr) error {
		return unix.Fdatasync(int(fd))
	})
}

var fadviseAdvice = map[Advice]int{
	AdviceNormal:     unix.FADV_NORMAL,
	AdviceSequential: unix.FADV_SEQUENTIAL,
	AdviceRandom:     unix.FADV_RANDOM,
	AdviceWillNeed:   unix.FADV_WILLNEED,
	AdviceDontNeed:   unix.FADV_DONTNEED,
	AdviceNoReuse:    unix.FADV_NOREUSE,
}

func fadvise(f *os.File, offset, length uint64, advice Advice) error {
	a, ok := fadviseAdvice[advice]
	if !ok {
		return syscall.EINVAL
	}
	return withFd(f, func(fd uintptr) error {
		return unix.Fadvise(int(fd), int64(offset), int64(length), a)
	})
}

// setFdFlags only toggles O_APPEND on the host descriptor. O_NONBLOCK belongs
// to the runtime poller, so FdFlagsNonBlock is tracked by RealFile alone.
func setFdFlags(f *os.File, flags FdFlags) error {
	return withFd(f, func(fd uintptr) error {
		cur, err := unix.FcntlInt(fd, unix.F_GETFL, 0)
		if err != nil {
			return err
		}
		next := cur &^ unix.O_APPEND
		if flags&FdFlagsAppend != 0 {
			next |= unix.O_APPEND
		}
		if next == cur {
			return nil
		}
		_, err = unix.FcntlInt(fd, unix.F_SETFL, next)
		return err
	})
}

func timespecOf(spec *SystemTimeSpec) unix.Timespec {
	switch {
	case spec == nil:
		return unix.Timespec{Nsec: unix.UTIME_OMIT}
	case spec.Now:
		return unix.Timespec{Nsec: unix.UTIME_NOW}
	}
	return unix.NsecToTimespec(spec.Time.UnixNano())
}

func lutimes(hostPath string, atime, mtime *SystemTimeSpec) error {
	ts := []unix.Timespec{timespecOf(atime), timespecOf(mtime)}
	return unix.UtimesNanoAt(unix.AT_FDCWD, hostPath, ts, unix.AT_SYMLINK_NOFOLLOW)
}
