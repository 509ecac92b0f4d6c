package vfs

import (
	"context"
	"iter"
)

var (
	_ Dir  = (*ReadonlyDir)(nil)
	_ File = (*ReadonlyFile)(nil)
)

// ReadonlyDir exposes a Dir without any way to modify what is beneath it.
// Mutating calls fail with ErrReadOnly before reaching the inner Dir, and
// every capability opened through it is wrapped as well.
type ReadonlyDir struct {
	inner Dir
}

// NewReadonlyDir takes ownership of inner; closing the result closes inner.
func NewReadonlyDir(inner Dir) *ReadonlyDir {
	return &ReadonlyDir{inner: inner}
}

func (d *ReadonlyDir) OpenFile(ctx context.Context, path string, opts OpenOptions) (OpenResult, error) {
	if opts.WantsWrite() {
		return OpenResult{}, ErrReadOnly
	}
	res, err := d.inner.OpenFile(ctx, path, opts)
	if err != nil {
		return OpenResult{}, err
	}
	switch {
	case res.Dir != nil:
		return OpenResult{Dir: NewReadonlyDir(res.Dir)}, nil
	case res.File != nil:
		return OpenResult{File: NewReadonlyFile(res.File)}, nil
	}
	return res, nil
}

func (d *ReadonlyDir) Readdir(ctx context.Context, cursor ReaddirCursor) (iter.Seq2[ReaddirEntity, error], error) {
	return d.inner.Readdir(ctx, cursor)
}

func (d *ReadonlyDir) ReadLink(ctx context.Context, path string) (string, error) {
	return d.inner.ReadLink(ctx, path)
}

func (d *ReadonlyDir) GetFilestat(ctx context.Context) (Filestat, error) {
	return d.inner.GetFilestat(ctx)
}

func (d *ReadonlyDir) GetPathFilestat(ctx context.Context, path string, followSymlinks bool) (Filestat, error) {
	return d.inner.GetPathFilestat(ctx, path, followSymlinks)
}

func (d *ReadonlyDir) Close() error { return d.inner.Close() }

func (d *ReadonlyDir) CreateDir(ctx context.Context, path string) error           { return ErrReadOnly }
func (d *ReadonlyDir) Symlink(ctx context.Context, oldPath, newPath string) error { return ErrReadOnly }
func (d *ReadonlyDir) RemoveDir(ctx context.Context, path string) error           { return ErrReadOnly }
func (d *ReadonlyDir) UnlinkFile(ctx context.Context, path string) error          { return ErrReadOnly }

func (d *ReadonlyDir) Rename(ctx context.Context, path string, destDir Dir, destPath string) error {
	return ErrReadOnly
}

func (d *ReadonlyDir) HardLink(ctx context.Context, path string, targetDir Dir, targetPath string) error {
	return ErrReadOnly
}

func (d *ReadonlyDir) SetTimes(ctx context.Context, path string, atime, mtime *SystemTimeSpec, followSymlinks bool) error {
	return ErrReadOnly
}

// ReadonlyFile exposes a File for reading, seeking and inspection only.
type ReadonlyFile struct {
	inner File
}

// NewReadonlyFile takes ownership of inner; closing the result closes inner.
func NewReadonlyFile(inner File) *ReadonlyFile {
	return &ReadonlyFile{inner: inner}
}

func (f *ReadonlyFile) FileType(ctx context.Context) (FileType, error) { return f.inner.FileType(ctx) }
func (f *ReadonlyFile) Pollable() (Pollable, bool)                     { return f.inner.Pollable() }
func (f *ReadonlyFile) IsATTY() bool                                   { return f.inner.IsATTY() }
func (f *ReadonlyFile) Datasync(ctx context.Context) error             { return f.inner.Datasync(ctx) }
func (f *ReadonlyFile) Sync(ctx context.Context) error                 { return f.inner.Sync(ctx) }

func (f *ReadonlyFile) GetFdFlags(ctx context.Context) (FdFlags, error) {
	return f.inner.GetFdFlags(ctx)
}

func (f *ReadonlyFile) GetFilestat(ctx context.Context) (Filestat, error) {
	return f.inner.GetFilestat(ctx)
}

func (f *ReadonlyFile) Advise(ctx context.Context, offset, length uint64, advice Advice) error {
	return f.inner.Advise(ctx, offset, length, advice)
}

func (f *ReadonlyFile) ReadVectored(ctx context.Context, bufs [][]byte) (uint64, error) {
	return f.inner.ReadVectored(ctx, bufs)
}

func (f *ReadonlyFile) ReadVectoredAt(ctx context.Context, bufs [][]byte, offset uint64) (uint64, error) {
	return f.inner.ReadVectoredAt(ctx, bufs, offset)
}

func (f *ReadonlyFile) Seek(ctx context.Context, pos SeekFrom) (uint64, error) {
	return f.inner.Seek(ctx, pos)
}

func (f *ReadonlyFile) Peek(ctx context.Context, buf []byte) (uint64, error) {
	return f.inner.Peek(ctx, buf)
}

func (f *ReadonlyFile) NumReadyBytes() (uint64, error)     { return f.inner.NumReadyBytes() }
func (f *ReadonlyFile) Readable(ctx context.Context) error { return f.inner.Readable(ctx) }
func (f *ReadonlyFile) Close() error                       { return f.inner.Close() }

func (f *ReadonlyFile) SetFdFlags(ctx context.Context, flags FdFlags) error    { return ErrReadOnly }
func (f *ReadonlyFile) SetFilestatSize(ctx context.Context, size uint64) error { return ErrReadOnly }
func (f *ReadonlyFile) Writable(ctx context.Context) error                     { return ErrReadOnly }

func (f *ReadonlyFile) SetTimes(ctx context.Context, atime, mtime *SystemTimeSpec) error {
	return ErrReadOnly
}

func (f *ReadonlyFile) WriteVectored(ctx context.Context, bufs [][]byte) (uint64, error) {
	return 0, ErrReadOnly
}

func (f *ReadonlyFile) WriteVectoredAt(ctx context.Context, bufs [][]byte, offset uint64) (uint64, error) {
	return 0, ErrReadOnly
}
