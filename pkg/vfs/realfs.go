package vfs

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/jingkaihe/capfs/internal/errx"
)

var (
	_ Dir  = (*RealDir)(nil)
	_ File = (*RealFile)(nil)
)

// hostRoot is shared by every RealDir opened beneath the same host
// directory and closed when the last of them is.
type hostRoot struct {
	root *os.Root
	path string
	refs atomic.Int32
}

func (h *hostRoot) acquire() *hostRoot {
	h.refs.Add(1)
	return h
}

func (h *hostRoot) release() error {
	if h.refs.Add(-1) == 0 {
		return h.root.Close()
	}
	return nil
}

// RealDir is a directory capability backed by a host directory. Lookups
// cannot leave the host directory the tree was opened on.
type RealDir struct {
	host   *hostRoot
	rel    string
	closed atomic.Bool
}

func NewRealDir(hostPath string) (*RealDir, error) {
	abs, err := filepath.Abs(hostPath)
	if err != nil {
		return nil, errx.Wrap(ErrHostRoot, err)
	}
	root, err := os.OpenRoot(abs)
	if err != nil {
		return nil, errx.Wrap(ErrHostRoot, err)
	}
	h := &hostRoot{root: root, path: abs}
	return &RealDir{host: h.acquire(), rel: "."}, nil
}

// hostErr reduces host errors to the errno the contract carries.
func hostErr(err error) error {
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	switch {
	case errors.As(err, &errno):
		return errno
	case errors.Is(err, os.ErrClosed):
		return syscall.EBADF
	case errors.Is(err, fs.ErrNotExist):
		return syscall.ENOENT
	case errors.Is(err, fs.ErrExist):
		return syscall.EEXIST
	}
	// os.Root reports escapes through symlinks with an untyped error.
	return syscall.EPERM
}

func (d *RealDir) name(path string) (string, error) {
	if d.closed.Load() {
		return "", syscall.EBADF
	}
	if path == "" {
		return "", syscall.ENOENT
	}
	path = filepath.FromSlash(strings.TrimRight(path, "/"))
	if path == "" || !filepath.IsLocal(path) {
		return "", syscall.EPERM
	}
	return filepath.Join(d.rel, path), nil
}

func (d *RealDir) hostPath(name string) string {
	return filepath.Join(d.host.path, name)
}

func openFlags(opts OpenOptions) int {
	flags := os.O_RDONLY
	switch {
	case opts.Write && opts.Read:
		flags = os.O_RDWR
	case opts.Write:
		flags = os.O_WRONLY
	}
	if opts.OFlags&OFlagsCreate != 0 {
		flags |= os.O_CREATE
	}
	if opts.OFlags&OFlagsExclusive != 0 {
		flags |= os.O_EXCL
	}
	if opts.OFlags&OFlagsTruncate != 0 {
		flags |= os.O_TRUNC
	}
	if opts.FdFlags&FdFlagsAppend != 0 {
		flags |= os.O_APPEND
	}
	if opts.FdFlags&(FdFlagsSync|FdFlagsRSync) != 0 {
		flags |= os.O_SYNC
	}
	return flags
}

func (d *RealDir) OpenFile(ctx context.Context, path string, opts OpenOptions) (OpenResult, error) {
	name, err := d.name(path)
	if err != nil {
		return OpenResult{}, err
	}
	if opts.OFlags&OFlagsCreate != 0 && opts.OFlags&OFlagsDirectory != 0 {
		return OpenResult{}, syscall.EINVAL
	}
	if !opts.FollowSymlinks {
		if info, err := d.host.root.Lstat(name); err == nil && info.Mode()&fs.ModeSymlink != 0 {
			return OpenResult{}, syscall.ELOOP
		}
	}

	f, err := d.host.root.OpenFile(name, openFlags(opts), 0o644)
	if err != nil {
		return OpenResult{}, hostErr(err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return OpenResult{}, hostErr(err)
	}

	if info.IsDir() {
		f.Close()
		if opts.Write || opts.OFlags&OFlagsTruncate != 0 {
			return OpenResult{}, syscall.EISDIR
		}
		return OpenResult{Dir: &RealDir{host: d.host.acquire(), rel: name}}, nil
	}
	if opts.OFlags&OFlagsDirectory != 0 {
		f.Close()
		return OpenResult{}, syscall.ENOTDIR
	}

	return OpenResult{File: &RealFile{
		f:     f,
		path:  d.hostPath(name),
		kind:  fileTypeOf(info.Mode()),
		read:  opts.Read || !opts.Write,
		write: opts.Write,
		flags: opts.FdFlags,
	}}, nil
}

func (d *RealDir) CreateDir(ctx context.Context, path string) error {
	name, err := d.name(path)
	if err != nil {
		return err
	}
	return hostErr(d.host.root.Mkdir(name, 0o755))
}

func (d *RealDir) Readdir(ctx context.Context, cursor ReaddirCursor) (iter.Seq2[ReaddirEntity, error], error) {
	if d.closed.Load() {
		return nil, syscall.EBADF
	}
	f, err := d.host.root.Open(d.rel)
	if err != nil {
		return nil, hostErr(err)
	}
	dirents, err := f.ReadDir(-1)
	f.Close()
	if err != nil {
		return nil, hostErr(err)
	}
	slices.SortFunc(dirents, func(a, b fs.DirEntry) int { return strings.Compare(a.Name(), b.Name()) })

	if cursor > ReaddirCursor(len(dirents)) {
		cursor = ReaddirCursor(len(dirents))
	}

	return func(yield func(ReaddirEntity, error) bool) {
		for i := int(cursor); i < len(dirents); i++ {
			if err := ctx.Err(); err != nil {
				yield(ReaddirEntity{}, err)
				return
			}
			e := dirents[i]
			entry := ReaddirEntity{
				Next:     ReaddirCursor(i + 1),
				Name:     e.Name(),
				FileType: fileTypeOf(e.Type()),
			}
			if info, err := e.Info(); err == nil {
				entry.Inode = statFromInfo(info).Inode
			}
			if !yield(entry, nil) {
				return
			}
		}
	}, nil
}

func (d *RealDir) Symlink(ctx context.Context, oldPath, newPath string) error {
	name, err := d.name(newPath)
	if err != nil {
		return err
	}
	return hostErr(d.host.root.Symlink(oldPath, name))
}

func (d *RealDir) RemoveDir(ctx context.Context, path string) error {
	name, err := d.name(path)
	if err != nil {
		return err
	}
	info, err := d.host.root.Lstat(name)
	if err != nil {
		return hostErr(err)
	}
	if !info.IsDir() {
		return syscall.ENOTDIR
	}
	return hostErr(d.host.root.Remove(name))
}

func (d *RealDir) UnlinkFile(ctx context.Context, path string) error {
	name, err := d.name(path)
	if err != nil {
		return err
	}
	info, err := d.host.root.Lstat(name)
	if err != nil {
		return hostErr(err)
	}
	if info.IsDir() {
		return syscall.EISDIR
	}
	return hostErr(d.host.root.Remove(name))
}

func (d *RealDir) ReadLink(ctx context.Context, path string) (string, error) {
	name, err := d.name(path)
	if err != nil {
		return "", err
	}
	target, err := d.host.root.Readlink(name)
	return target, hostErr(err)
}

func (d *RealDir) GetFilestat(ctx context.Context) (Filestat, error) {
	if d.closed.Load() {
		return Filestat{}, syscall.EBADF
	}
	info, err := d.host.root.Stat(d.rel)
	if err != nil {
		return Filestat{}, hostErr(err)
	}
	return statFromInfo(info), nil
}

func (d *RealDir) GetPathFilestat(ctx context.Context, path string, followSymlinks bool) (Filestat, error) {
	name, err := d.name(path)
	if err != nil {
		return Filestat{}, err
	}
	var info fs.FileInfo
	if followSymlinks {
		info, err = d.host.root.Stat(name)
	} else {
		info, err = d.host.root.Lstat(name)
	}
	if err != nil {
		return Filestat{}, hostErr(err)
	}
	return statFromInfo(info), nil
}

func (d *RealDir) sameHost(other Dir) (*RealDir, error) {
	od, ok := other.(*RealDir)
	if !ok || od.host != d.host {
		return nil, syscall.EXDEV
	}
	return od, nil
}

func (d *RealDir) Rename(ctx context.Context, path string, destDir Dir, destPath string) error {
	dst, err := d.sameHost(destDir)
	if err != nil {
		return err
	}
	from, err := d.name(path)
	if err != nil {
		return err
	}
	to, err := dst.name(destPath)
	if err != nil {
		return err
	}
	return hostErr(d.host.root.Rename(from, to))
}

func (d *RealDir) HardLink(ctx context.Context, path string, targetDir Dir, targetPath string) error {
	dst, err := d.sameHost(targetDir)
	if err != nil {
		return err
	}
	from, err := d.name(path)
	if err != nil {
		return err
	}
	to, err := dst.name(targetPath)
	if err != nil {
		return err
	}
	return hostErr(d.host.root.Link(from, to))
}

func (d *RealDir) SetTimes(ctx context.Context, path string, atime, mtime *SystemTimeSpec, followSymlinks bool) error {
	name, err := d.name(path)
	if err != nil {
		return err
	}
	if !followSymlinks {
		if _, err := d.host.root.Lstat(name); err != nil {
			return hostErr(err)
		}
		return hostErr(lutimes(d.hostPath(name), atime, mtime))
	}
	now := time.Now()
	at, _ := atime.resolve(now)
	mt, _ := mtime.resolve(now)
	return hostErr(d.host.root.Chtimes(name, at, mt))
}

func (d *RealDir) Close() error {
	if d.closed.Swap(true) {
		return syscall.EBADF
	}
	return d.host.release()
}

func fileTypeOf(mode fs.FileMode) FileType {
	switch {
	case mode.IsRegular():
		return FileTypeRegularFile
	case mode&fs.ModeDir != 0:
		return FileTypeDirectory
	case mode&fs.ModeSymlink != 0:
		return FileTypeSymbolicLink
	case mode&fs.ModeNamedPipe != 0:
		return FileTypePipe
	case mode&fs.ModeSocket != 0:
		return FileTypeSocketStream
	case mode&fs.ModeCharDevice != 0:
		return FileTypeCharacterDevice
	case mode&fs.ModeDevice != 0:
		return FileTypeBlockDevice
	}
	return FileTypeUnknown
}

// RealFile is an open host file.
type RealFile struct {
	f     *os.File
	path  string
	kind  FileType
	read  bool
	write bool

	mu    sync.Mutex
	flags FdFlags
}

func (f *RealFile) FileType(ctx context.Context) (FileType, error) { return f.kind, nil }
func (f *RealFile) Pollable() (Pollable, bool)                     { return pollableOf(f.f) }
func (f *RealFile) Sync(ctx context.Context) error                 { return hostErr(f.f.Sync()) }
func (f *RealFile) Datasync(ctx context.Context) error             { return hostErr(datasync(f.f)) }
func (f *RealFile) Close() error                                   { return hostErr(f.f.Close()) }

func (f *RealFile) IsATTY() bool {
	var tty bool
	withFd(f.f, func(fd uintptr) error {
		tty = term.IsTerminal(int(fd))
		return nil
	})
	return tty
}

// withFd runs fn with the raw descriptor of f. Unlike f.Fd it leaves the file
// in non-blocking mode, so reads and Readable stay on the runtime poller.
func withFd(f *os.File, fn func(fd uintptr) error) error {
	rc, err := f.SyscallConn()
	if err != nil {
		return err
	}
	var fnErr error
	if err := rc.Control(func(fd uintptr) { fnErr = fn(fd) }); err != nil {
		return err
	}
	return fnErr
}

func (f *RealFile) GetFdFlags(ctx context.Context) (FdFlags, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flags, nil
}

func (f *RealFile) SetFdFlags(ctx context.Context, flags FdFlags) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := setFdFlags(f.f, flags); err != nil {
		return hostErr(err)
	}
	f.flags = flags
	return nil
}

func (f *RealFile) GetFilestat(ctx context.Context) (Filestat, error) {
	info, err := f.f.Stat()
	if err != nil {
		return Filestat{}, hostErr(err)
	}
	return statFromInfo(info), nil
}

func (f *RealFile) SetFilestatSize(ctx context.Context, size uint64) error {
	if !f.write {
		return syscall.EBADF
	}
	return hostErr(f.f.Truncate(int64(size)))
}

func (f *RealFile) Advise(ctx context.Context, offset, length uint64, advice Advice) error {
	return hostErr(fadvise(f.f, offset, length, advice))
}

func (f *RealFile) SetTimes(ctx context.Context, atime, mtime *SystemTimeSpec) error {
	now := time.Now()
	at, _ := atime.resolve(now)
	mt, _ := mtime.resolve(now)
	return hostErr(os.Chtimes(f.path, at, mt))
}

func (f *RealFile) ReadVectored(ctx context.Context, bufs [][]byte) (uint64, error) {
	if !f.read {
		return 0, syscall.EBADF
	}
	var total uint64
	for _, b := range bufs {
		n, err := f.f.Read(b)
		total += uint64(n)
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, hostErr(err)
		}
		if n < len(b) {
			break
		}
	}
	return total, nil
}

func (f *RealFile) ReadVectoredAt(ctx context.Context, bufs [][]byte, offset uint64) (uint64, error) {
	if !f.read {
		return 0, syscall.EBADF
	}
	var total uint64
	for _, b := range bufs {
		n, err := f.f.ReadAt(b, int64(offset+total))
		total += uint64(n)
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, hostErr(err)
		}
	}
	return total, nil
}

func (f *RealFile) WriteVectored(ctx context.Context, bufs [][]byte) (uint64, error) {
	if !f.write {
		return 0, syscall.EBADF
	}
	var total uint64
	for _, b := range bufs {
		n, err := f.f.Write(b)
		total += uint64(n)
		if err != nil {
			return total, hostErr(err)
		}
	}
	return total, nil
}

func (f *RealFile) WriteVectoredAt(ctx context.Context, bufs [][]byte, offset uint64) (uint64, error) {
	if !f.write {
		return 0, syscall.EBADF
	}
	var total uint64
	for _, b := range bufs {
		n, err := f.f.WriteAt(b, int64(offset+total))
		total += uint64(n)
		if err != nil {
			return total, hostErr(err)
		}
	}
	return total, nil
}

func (f *RealFile) Seek(ctx context.Context, pos SeekFrom) (uint64, error) {
	off, err := f.f.Seek(pos.Offset, pos.Whence)
	if err != nil {
		return 0, hostErr(err)
	}
	return uint64(off), nil
}

func (f *RealFile) Peek(ctx context.Context, buf []byte) (uint64, error) {
	if !f.read {
		return 0, syscall.EBADF
	}
	cur, err := f.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, hostErr(err)
	}
	n, err := f.f.ReadAt(buf, cur)
	if err != nil && !errors.Is(err, io.EOF) {
		return uint64(n), hostErr(err)
	}
	return uint64(n), nil
}

func (f *RealFile) NumReadyBytes() (uint64, error) {
	if f.kind != FileTypeRegularFile {
		return 0, nil
	}
	info, err := f.f.Stat()
	if err != nil {
		return 0, hostErr(err)
	}
	cur, err := f.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, hostErr(err)
	}
	if cur >= info.Size() {
		return 0, nil
	}
	return uint64(info.Size() - cur), nil
}

func (f *RealFile) Readable(ctx context.Context) error {
	if !f.read {
		return syscall.EBADF
	}
	return ctx.Err()
}

func (f *RealFile) Writable(ctx context.Context) error {
	if !f.write {
		return syscall.EBADF
	}
	return ctx.Err()
}
