package vfs

import (
	"context"
	"iter"
	"path"
)

var (
	_ Dir  = (*interceptDir)(nil)
	_ File = (*interceptFile)(nil)
)

type interceptDir struct {
	inner Dir
	hooks *HookEngine
	base  string
}

// NewInterceptDir runs hooks around every operation on inner and on every
// capability opened through it. base is the guest path of inner and is used
// to report absolute paths to hooks.
func NewInterceptDir(inner Dir, hooks *HookEngine, base string) Dir {
	if inner == nil || hooks == nil {
		return inner
	}
	if base == "" {
		base = "/"
	}
	return &interceptDir{inner: inner, hooks: hooks, base: path.Clean(base)}
}

func (d *interceptDir) request(ctx context.Context, op HookOp, p string) HookRequest {
	return HookRequest{
		Op:      op,
		Path:    path.Join(d.base, p),
		Session: SessionFromContext(ctx),
	}
}

// unwrapDest strips interception from a destination directory so the inner
// implementation sees the capability type it expects.
func unwrapDest(dir Dir, p string) (Dir, string) {
	if id, ok := dir.(*interceptDir); ok {
		return id.inner, path.Join(id.base, p)
	}
	return dir, p
}

func (d *interceptDir) OpenFile(ctx context.Context, p string, opts OpenOptions) (OpenResult, error) {
	op := HookOpOpen
	if opts.OFlags&OFlagsCreate != 0 {
		op = HookOpCreate
	}
	req := d.request(ctx, op, p)
	req.Open = opts
	if err := d.hooks.Before(ctx, &req); err != nil {
		return OpenResult{}, err
	}
	res, err := d.inner.OpenFile(ctx, p, opts)
	d.hooks.After(req, HookResult{Err: err})
	if err != nil {
		return OpenResult{}, err
	}

	switch {
	case res.Dir != nil:
		return OpenResult{Dir: &interceptDir{inner: res.Dir, hooks: d.hooks, base: req.Path}}, nil
	case res.File != nil:
		return OpenResult{File: &interceptFile{
			inner:   res.File,
			hooks:   d.hooks,
			path:    req.Path,
			session: req.Session,
		}}, nil
	}
	return res, nil
}

func (d *interceptDir) CreateDir(ctx context.Context, p string) error {
	req := d.request(ctx, HookOpMkdir, p)
	if err := d.hooks.Before(ctx, &req); err != nil {
		return err
	}
	err := d.inner.CreateDir(ctx, p)
	d.hooks.After(req, HookResult{Err: err})
	return err
}

func (d *interceptDir) Readdir(ctx context.Context, cursor ReaddirCursor) (iter.Seq2[ReaddirEntity, error], error) {
	req := d.request(ctx, HookOpReadDir, ".")
	req.Offset = uint64(cursor)
	if err := d.hooks.Before(ctx, &req); err != nil {
		return nil, err
	}
	seq, err := d.inner.Readdir(ctx, cursor)
	d.hooks.After(req, HookResult{Err: err})
	return seq, err
}

func (d *interceptDir) Symlink(ctx context.Context, oldPath, newPath string) error {
	req := d.request(ctx, HookOpSymlink, newPath)
	req.NewPath = oldPath
	if err := d.hooks.Before(ctx, &req); err != nil {
		return err
	}
	err := d.inner.Symlink(ctx, oldPath, newPath)
	d.hooks.After(req, HookResult{Err: err})
	return err
}

func (d *interceptDir) RemoveDir(ctx context.Context, p string) error {
	req := d.request(ctx, HookOpRemoveDir, p)
	if err := d.hooks.Before(ctx, &req); err != nil {
		return err
	}
	err := d.inner.RemoveDir(ctx, p)
	d.hooks.After(req, HookResult{Err: err})
	return err
}

func (d *interceptDir) UnlinkFile(ctx context.Context, p string) error {
	req := d.request(ctx, HookOpUnlink, p)
	if err := d.hooks.Before(ctx, &req); err != nil {
		return err
	}
	err := d.inner.UnlinkFile(ctx, p)
	d.hooks.After(req, HookResult{Err: err})
	return err
}

func (d *interceptDir) ReadLink(ctx context.Context, p string) (string, error) {
	req := d.request(ctx, HookOpReadlink, p)
	if err := d.hooks.Before(ctx, &req); err != nil {
		return "", err
	}
	target, err := d.inner.ReadLink(ctx, p)
	d.hooks.After(req, HookResult{Err: err})
	return target, err
}

func (d *interceptDir) GetFilestat(ctx context.Context) (Filestat, error) {
	req := d.request(ctx, HookOpStat, ".")
	if err := d.hooks.Before(ctx, &req); err != nil {
		return Filestat{}, err
	}
	st, err := d.inner.GetFilestat(ctx)
	d.hooks.After(req, HookResult{Err: err, Meta: fileMeta(st, err)})
	return st, err
}

func (d *interceptDir) GetPathFilestat(ctx context.Context, p string, followSymlinks bool) (Filestat, error) {
	req := d.request(ctx, HookOpStat, p)
	if err := d.hooks.Before(ctx, &req); err != nil {
		return Filestat{}, err
	}
	st, err := d.inner.GetPathFilestat(ctx, p, followSymlinks)
	d.hooks.After(req, HookResult{Err: err, Meta: fileMeta(st, err)})
	return st, err
}

func (d *interceptDir) Rename(ctx context.Context, p string, destDir Dir, destPath string) error {
	dest, reported := unwrapDest(destDir, destPath)
	req := d.request(ctx, HookOpRename, p)
	req.NewPath = reported
	if err := d.hooks.Before(ctx, &req); err != nil {
		return err
	}
	err := d.inner.Rename(ctx, p, dest, destPath)
	d.hooks.After(req, HookResult{Err: err})
	return err
}

func (d *interceptDir) HardLink(ctx context.Context, p string, targetDir Dir, targetPath string) error {
	target, reported := unwrapDest(targetDir, targetPath)
	req := d.request(ctx, HookOpLink, p)
	req.NewPath = reported
	if err := d.hooks.Before(ctx, &req); err != nil {
		return err
	}
	err := d.inner.HardLink(ctx, p, target, targetPath)
	d.hooks.After(req, HookResult{Err: err})
	return err
}

func (d *interceptDir) SetTimes(ctx context.Context, p string, atime, mtime *SystemTimeSpec, followSymlinks bool) error {
	req := d.request(ctx, HookOpSetTimes, p)
	if err := d.hooks.Before(ctx, &req); err != nil {
		return err
	}
	err := d.inner.SetTimes(ctx, p, atime, mtime, followSymlinks)
	d.hooks.After(req, HookResult{Err: err})
	return err
}

func (d *interceptDir) Close() error { return d.inner.Close() }

type interceptFile struct {
	inner   File
	hooks   *HookEngine
	path    string
	session string
}

func (f *interceptFile) request(ctx context.Context, op HookOp) HookRequest {
	session := SessionFromContext(ctx)
	if session == "" {
		session = f.session
	}
	return HookRequest{Op: op, Path: f.path, Session: session}
}

func (f *interceptFile) FileType(ctx context.Context) (FileType, error) { return f.inner.FileType(ctx) }
func (f *interceptFile) Pollable() (Pollable, bool)                     { return f.inner.Pollable() }
func (f *interceptFile) IsATTY() bool                                   { return f.inner.IsATTY() }
func (f *interceptFile) NumReadyBytes() (uint64, error)                 { return f.inner.NumReadyBytes() }
func (f *interceptFile) Readable(ctx context.Context) error             { return f.inner.Readable(ctx) }
func (f *interceptFile) Writable(ctx context.Context) error             { return f.inner.Writable(ctx) }

func (f *interceptFile) GetFdFlags(ctx context.Context) (FdFlags, error) {
	return f.inner.GetFdFlags(ctx)
}

func (f *interceptFile) GetFilestat(ctx context.Context) (Filestat, error) {
	return f.inner.GetFilestat(ctx)
}

func (f *interceptFile) Advise(ctx context.Context, offset, length uint64, advice Advice) error {
	return f.inner.Advise(ctx, offset, length, advice)
}

func (f *interceptFile) Seek(ctx context.Context, pos SeekFrom) (uint64, error) {
	return f.inner.Seek(ctx, pos)
}

func (f *interceptFile) Peek(ctx context.Context, buf []byte) (uint64, error) {
	return f.inner.Peek(ctx, buf)
}

func (f *interceptFile) sync(ctx context.Context, fn func(context.Context) error) error {
	req := f.request(ctx, HookOpSync)
	if err := f.hooks.Before(ctx, &req); err != nil {
		return err
	}
	err := fn(ctx)
	f.hooks.After(req, HookResult{Err: err})
	return err
}

func (f *interceptFile) Sync(ctx context.Context) error     { return f.sync(ctx, f.inner.Sync) }
func (f *interceptFile) Datasync(ctx context.Context) error { return f.sync(ctx, f.inner.Datasync) }

func (f *interceptFile) SetFdFlags(ctx context.Context, flags FdFlags) error {
	req := f.request(ctx, HookOpSetFdFlags)
	req.Offset = uint64(flags)
	if err := f.hooks.Before(ctx, &req); err != nil {
		return err
	}
	err := f.inner.SetFdFlags(ctx, flags)
	f.hooks.After(req, HookResult{Err: err})
	return err
}

func (f *interceptFile) SetFilestatSize(ctx context.Context, size uint64) error {
	req := f.request(ctx, HookOpTruncate)
	req.Offset = size
	if err := f.hooks.Before(ctx, &req); err != nil {
		return err
	}
	err := f.inner.SetFilestatSize(ctx, size)
	f.hooks.After(req, HookResult{Err: err})
	return err
}

func (f *interceptFile) SetTimes(ctx context.Context, atime, mtime *SystemTimeSpec) error {
	req := f.request(ctx, HookOpSetTimes)
	if err := f.hooks.Before(ctx, &req); err != nil {
		return err
	}
	err := f.inner.SetTimes(ctx, atime, mtime)
	f.hooks.After(req, HookResult{Err: err})
	return err
}

func (f *interceptFile) ReadVectored(ctx context.Context, bufs [][]byte) (uint64, error) {
	req := f.request(ctx, HookOpRead)
	if err := f.hooks.Before(ctx, &req); err != nil {
		return 0, err
	}
	n, err := f.inner.ReadVectored(ctx, bufs)
	f.hooks.After(req, HookResult{Err: err, Bytes: n})
	return n, err
}

func (f *interceptFile) ReadVectoredAt(ctx context.Context, bufs [][]byte, offset uint64) (uint64, error) {
	req := f.request(ctx, HookOpRead)
	req.Offset = offset
	if err := f.hooks.Before(ctx, &req); err != nil {
		return 0, err
	}
	n, err := f.inner.ReadVectoredAt(ctx, bufs, offset)
	f.hooks.After(req, HookResult{Err: err, Bytes: n})
	return n, err
}

func (f *interceptFile) WriteVectored(ctx context.Context, bufs [][]byte) (uint64, error) {
	return f.write(ctx, bufs, nil)
}

func (f *interceptFile) WriteVectoredAt(ctx context.Context, bufs [][]byte, offset uint64) (uint64, error) {
	return f.write(ctx, bufs, &offset)
}

// write gives before hooks the flattened payload, writes whatever they leave
// in req.Data and reports the caller's length when the rewrite succeeded.
func (f *interceptFile) write(ctx context.Context, bufs [][]byte, offset *uint64) (uint64, error) {
	req := f.request(ctx, HookOpWrite)
	var origLen uint64
	for _, b := range bufs {
		req.Data = append(req.Data, b...)
		origLen += uint64(len(b))
	}
	if offset != nil {
		req.Offset = *offset
	}
	if err := f.hooks.Before(ctx, &req); err != nil {
		return 0, err
	}

	var n uint64
	var err error
	if offset != nil {
		n, err = f.inner.WriteVectoredAt(ctx, [][]byte{req.Data}, *offset)
	} else {
		n, err = f.inner.WriteVectored(ctx, [][]byte{req.Data})
	}
	if err == nil && n == uint64(len(req.Data)) {
		n = origLen
	}

	result := HookResult{Err: err, Bytes: n}
	if st, statErr := f.inner.GetFilestat(ctx); statErr == nil {
		result.Meta = fileMeta(st, nil)
	}
	f.hooks.After(req, result)
	return n, err
}

func (f *interceptFile) Close() error {
	req := HookRequest{Op: HookOpClose, Path: f.path, Session: f.session}
	if err := f.hooks.Before(context.Background(), &req); err != nil {
		return err
	}
	err := f.inner.Close()
	f.hooks.After(req, HookResult{Err: err})
	return err
}

func fileMeta(st Filestat, err error) *HookFileMeta {
	if err != nil {
		return nil
	}
	return &HookFileMeta{Size: st.Size, FileType: st.FileType, Inode: st.Inode}
}
