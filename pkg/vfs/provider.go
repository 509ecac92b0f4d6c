package vfs

import (
	"context"
	"io"
	"iter"
	"time"
)

// Dir is a capability over a single directory. Paths passed to its methods
// are relative to that directory and may not escape it.
type Dir interface {
	OpenFile(ctx context.Context, path string, opts OpenOptions) (OpenResult, error)
	CreateDir(ctx context.Context, path string) error
	// Readdir returns the entries after cursor. The sequence is finite and
	// may block while iterating; pass the Next cursor of the last entry seen
	// to resume.
	Readdir(ctx context.Context, cursor ReaddirCursor) (iter.Seq2[ReaddirEntity, error], error)
	Symlink(ctx context.Context, oldPath, newPath string) error
	RemoveDir(ctx context.Context, path string) error
	UnlinkFile(ctx context.Context, path string) error
	ReadLink(ctx context.Context, path string) (string, error)
	GetFilestat(ctx context.Context) (Filestat, error)
	GetPathFilestat(ctx context.Context, path string, followSymlinks bool) (Filestat, error)
	Rename(ctx context.Context, path string, destDir Dir, destPath string) error
	HardLink(ctx context.Context, path string, targetDir Dir, targetPath string) error
	SetTimes(ctx context.Context, path string, atime, mtime *SystemTimeSpec, followSymlinks bool) error
	Close() error
}

// File is a capability over a single open file description.
type File interface {
	FileType(ctx context.Context) (FileType, error)
	// Pollable returns the platform readiness handle, if the file has one.
	Pollable() (Pollable, bool)
	IsATTY() bool
	Datasync(ctx context.Context) error
	Sync(ctx context.Context) error
	GetFdFlags(ctx context.Context) (FdFlags, error)
	SetFdFlags(ctx context.Context, flags FdFlags) error
	GetFilestat(ctx context.Context) (Filestat, error)
	SetFilestatSize(ctx context.Context, size uint64) error
	Advise(ctx context.Context, offset, length uint64, advice Advice) error
	SetTimes(ctx context.Context, atime, mtime *SystemTimeSpec) error
	ReadVectored(ctx context.Context, bufs [][]byte) (uint64, error)
	ReadVectoredAt(ctx context.Context, bufs [][]byte, offset uint64) (uint64, error)
	WriteVectored(ctx context.Context, bufs [][]byte) (uint64, error)
	WriteVectoredAt(ctx context.Context, bufs [][]byte, offset uint64) (uint64, error)
	Seek(ctx context.Context, pos SeekFrom) (uint64, error)
	// Peek reads upcoming bytes without moving the file position.
	Peek(ctx context.Context, buf []byte) (uint64, error)
	// NumReadyBytes reports how many bytes can be read without blocking.
	NumReadyBytes() (uint64, error)
	// Readable blocks until a read would not block.
	Readable(ctx context.Context) error
	// Writable blocks until a write would not block.
	Writable(ctx context.Context) error
	Close() error
}

type FileType uint8

const (
	FileTypeUnknown FileType = iota
	FileTypeBlockDevice
	FileTypeCharacterDevice
	FileTypeDirectory
	FileTypeRegularFile
	FileTypeSocketDgram
	FileTypeSocketStream
	FileTypeSymbolicLink
	FileTypePipe
)

func (t FileType) String() string {
	switch t {
	case FileTypeBlockDevice:
		return "block-device"
	case FileTypeCharacterDevice:
		return "character-device"
	case FileTypeDirectory:
		return "directory"
	case FileTypeRegularFile:
		return "regular-file"
	case FileTypeSocketDgram:
		return "socket-dgram"
	case FileTypeSocketStream:
		return "socket-stream"
	case FileTypeSymbolicLink:
		return "symbolic-link"
	case FileTypePipe:
		return "pipe"
	default:
		return "unknown"
	}
}

type FdFlags uint16

const (
	FdFlagsAppend FdFlags = 1 << iota
	FdFlagsDSync
	FdFlagsNonBlock
	FdFlagsRSync
	FdFlagsSync
)

type OFlags uint16

const (
	OFlagsCreate OFlags = 1 << iota
	OFlagsDirectory
	OFlagsExclusive
	OFlagsTruncate
)

// OpenOptions describes how Dir.OpenFile should open an entry.
type OpenOptions struct {
	OFlags         OFlags
	FdFlags        FdFlags
	Read           bool
	Write          bool
	FollowSymlinks bool
}

// WantsWrite reports whether opening with these options could modify the
// directory tree or the file contents.
func (o OpenOptions) WantsWrite() bool {
	if o.Write {
		return true
	}
	if o.OFlags&(OFlagsCreate|OFlagsTruncate|OFlagsExclusive) != 0 {
		return true
	}
	return o.FdFlags&FdFlagsAppend != 0
}

// OpenResult holds whichever capability Dir.OpenFile produced. Exactly one
// field is set.
type OpenResult struct {
	Dir  Dir
	File File
}

func (r OpenResult) IsDir() bool { return r.Dir != nil }

// Close releases the contained capability.
func (r OpenResult) Close() error {
	switch {
	case r.Dir != nil:
		return r.Dir.Close()
	case r.File != nil:
		return r.File.Close()
	}
	return nil
}

type Filestat struct {
	Device   uint64
	Inode    uint64
	FileType FileType
	NLink    uint64
	Size     uint64
	Atim     *time.Time
	Mtim     *time.Time
	Ctim     *time.Time
}

// SystemTimeSpec selects a timestamp for SetTimes. A nil *SystemTimeSpec
// leaves the timestamp unchanged.
type SystemTimeSpec struct {
	Now  bool
	Time time.Time
}

func (s *SystemTimeSpec) resolve(now time.Time) (time.Time, bool) {
	if s == nil {
		return time.Time{}, false
	}
	if s.Now {
		return now, true
	}
	return s.Time, true
}

type Advice uint8

const (
	AdviceNormal Advice = iota
	AdviceSequential
	AdviceRandom
	AdviceWillNeed
	AdviceDontNeed
	AdviceNoReuse
)

type SeekFrom struct {
	Whence int
	Offset int64
}

func SeekStart(off uint64) SeekFrom  { return SeekFrom{Whence: io.SeekStart, Offset: int64(off)} }
func SeekCurrent(off int64) SeekFrom { return SeekFrom{Whence: io.SeekCurrent, Offset: off} }
func SeekEnd(off int64) SeekFrom     { return SeekFrom{Whence: io.SeekEnd, Offset: off} }

type ReaddirCursor uint64

type ReaddirEntity struct {
	Next     ReaddirCursor
	Inode    uint64
	Name     string
	FileType FileType
}

// ReadDirAll drains Readdir from the start of the directory.
func ReadDirAll(ctx context.Context, d Dir) ([]ReaddirEntity, error) {
	seq, err := d.Readdir(ctx, 0)
	if err != nil {
		return nil, err
	}
	var entries []ReaddirEntity
	for entry, err := range seq {
		if err != nil {
			return entries, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ReadAll reads f from its current position to end of file.
func ReadAll(ctx context.Context, f File) ([]byte, error) {
	var out []byte
	buf := make([]byte, 32*1024)
	for {
		n, err := f.ReadVectored(ctx, [][]byte{buf})
		if err != nil {
			return out, err
		}
		if n == 0 {
			return out, nil
		}
		out = append(out, buf[:n]...)
	}
}
