package vfs

import (
	"bytes"
	"context"
	"io"
	"iter"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

const maxSymlinkHops = 40

var (
	_ Dir  = (*MemoryDir)(nil)
	_ File = (*MemoryFile)(nil)

	memDevices atomic.Uint64
)

type memTree struct {
	mu      sync.RWMutex
	dev     uint64
	nextIno uint64
}

type memNode struct {
	ino      uint64
	kind     FileType
	data     []byte
	target   string
	children map[string]*memNode
	parent   *memNode
	nlink    uint64
	atime    time.Time
	mtime    time.Time
	ctime    time.Time
}

// MemoryDir is a fully mutable in-memory directory capability. Directories
// opened from it share the same tree.
type MemoryDir struct {
	tree *memTree
	node *memNode
}

// NewMemoryDir returns the root of a new, empty in-memory tree.
func NewMemoryDir() *MemoryDir {
	t := &memTree{dev: memDevices.Add(1)}
	root := t.newNode(FileTypeDirectory)
	return &MemoryDir{tree: t, node: root}
}

func (t *memTree) newNode(kind FileType) *memNode {
	t.nextIno++
	now := time.Now()
	n := &memNode{ino: t.nextIno, kind: kind, nlink: 1, atime: now, mtime: now, ctime: now}
	if kind == FileTypeDirectory {
		n.children = make(map[string]*memNode)
	}
	return n
}

func splitPath(path string) []string {
	return strings.Split(path, "/")
}

// lookup resolves path relative to d. Symlinks in intermediate components are
// always followed; the final component only when followLast is set. Nothing
// may resolve above d.
func (d *MemoryDir) lookup(path string, followLast bool) (*memNode, error) {
	if path == "" {
		return nil, syscall.ENOENT
	}
	if strings.HasPrefix(path, "/") {
		return nil, syscall.EPERM
	}

	stack := []*memNode{d.node}
	parts := splitPath(path)
	hops := 0
	for len(parts) > 0 {
		name := parts[0]
		parts = parts[1:]
		cur := stack[len(stack)-1]
		if cur.kind != FileTypeDirectory {
			return nil, syscall.ENOTDIR
		}

		switch name {
		case "", ".":
			continue
		case "..":
			if len(stack) == 1 {
				return nil, syscall.EPERM
			}
			stack = stack[:len(stack)-1]
			continue
		}

		child, ok := cur.children[name]
		if !ok {
			return nil, syscall.ENOENT
		}
		if child.kind == FileTypeSymbolicLink && (len(parts) > 0 || followLast) {
			hops++
			if hops > maxSymlinkHops {
				return nil, syscall.ELOOP
			}
			if strings.HasPrefix(child.target, "/") {
				return nil, syscall.EPERM
			}
			parts = append(splitPath(child.target), parts...)
			continue
		}
		stack = append(stack, child)
	}
	return stack[len(stack)-1], nil
}

// lookupParent resolves everything but the last component of path and
// returns the parent directory with the final name.
func (d *MemoryDir) lookupParent(path string) (*memNode, string, error) {
	trimmed := strings.TrimRight(path, "/")
	if trimmed == "" {
		if path == "" {
			return nil, "", syscall.ENOENT
		}
		return nil, "", syscall.EPERM
	}

	dir, name := ".", trimmed
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		dir, name = trimmed[:i], trimmed[i+1:]
		if dir == "" {
			return nil, "", syscall.EPERM
		}
	}
	if name == "." || name == ".." {
		return nil, "", syscall.EINVAL
	}

	parent, err := d.lookup(dir, true)
	if err != nil {
		return nil, "", err
	}
	if parent.kind != FileTypeDirectory {
		return nil, "", syscall.ENOTDIR
	}
	return parent, name, nil
}

func (n *memNode) stat(dev uint64) Filestat {
	atime, mtime, ctime := n.atime, n.mtime, n.ctime
	st := Filestat{
		Device:   dev,
		Inode:    n.ino,
		FileType: n.kind,
		NLink:    n.nlink,
		Atim:     &atime,
		Mtim:     &mtime,
		Ctim:     &ctime,
	}
	switch n.kind {
	case FileTypeRegularFile:
		st.Size = uint64(len(n.data))
	case FileTypeSymbolicLink:
		st.Size = uint64(len(n.target))
	case FileTypeDirectory:
		st.NLink = 2
		for _, c := range n.children {
			if c.kind == FileTypeDirectory {
				st.NLink++
			}
		}
	}
	return st
}

func (n *memNode) touch(now time.Time) {
	n.mtime = now
	n.ctime = now
}

func (n *memNode) setTimes(atime, mtime *SystemTimeSpec) {
	now := time.Now()
	if t, ok := atime.resolve(now); ok {
		n.atime = t
	}
	if t, ok := mtime.resolve(now); ok {
		n.mtime = t
	}
	n.ctime = now
}

func (n *memNode) isAncestorOf(other *memNode) bool {
	for p := other; p != nil; p = p.parent {
		if p == n {
			return true
		}
	}
	return false
}

func (d *MemoryDir) OpenFile(ctx context.Context, path string, opts OpenOptions) (OpenResult, error) {
	d.tree.mu.Lock()
	defer d.tree.mu.Unlock()

	var node *memNode
	if opts.OFlags&OFlagsCreate != 0 {
		if opts.OFlags&OFlagsDirectory != 0 {
			return OpenResult{}, syscall.EINVAL
		}
		parent, name, err := d.lookupParent(path)
		if err != nil {
			return OpenResult{}, err
		}
		if existing, ok := parent.children[name]; ok {
			if opts.OFlags&OFlagsExclusive != 0 {
				return OpenResult{}, syscall.EEXIST
			}
			node = existing
			if existing.kind == FileTypeSymbolicLink && opts.FollowSymlinks {
				if node, err = d.lookup(path, true); err != nil {
					return OpenResult{}, err
				}
			}
		} else {
			node = d.tree.newNode(FileTypeRegularFile)
			parent.children[name] = node
			parent.touch(node.mtime)
		}
	} else {
		var err error
		if node, err = d.lookup(path, opts.FollowSymlinks); err != nil {
			return OpenResult{}, err
		}
	}

	switch node.kind {
	case FileTypeSymbolicLink:
		return OpenResult{}, syscall.ELOOP
	case FileTypeDirectory:
		if opts.Write || opts.OFlags&OFlagsTruncate != 0 {
			return OpenResult{}, syscall.EISDIR
		}
		return OpenResult{Dir: &MemoryDir{tree: d.tree, node: node}}, nil
	}
	if opts.OFlags&OFlagsDirectory != 0 {
		return OpenResult{}, syscall.ENOTDIR
	}

	if opts.OFlags&OFlagsTruncate != 0 && len(node.data) > 0 {
		node.data = nil
		node.touch(time.Now())
	}

	return OpenResult{File: &MemoryFile{
		tree:  d.tree,
		node:  node,
		read:  opts.Read || !opts.Write,
		write: opts.Write,
		flags: opts.FdFlags,
	}}, nil
}

func (d *MemoryDir) CreateDir(ctx context.Context, path string) error {
	d.tree.mu.Lock()
	defer d.tree.mu.Unlock()

	parent, name, err := d.lookupParent(path)
	if err != nil {
		return err
	}
	if _, ok := parent.children[name]; ok {
		return syscall.EEXIST
	}
	n := d.tree.newNode(FileTypeDirectory)
	n.parent = parent
	parent.children[name] = n
	parent.touch(n.mtime)
	return nil
}

func (d *MemoryDir) Readdir(ctx context.Context, cursor ReaddirCursor) (iter.Seq2[ReaddirEntity, error], error) {
	d.tree.mu.RLock()
	names := make([]string, 0, len(d.node.children))
	for name := range d.node.children {
		names = append(names, name)
	}
	slices.Sort(names)
	entries := make([]ReaddirEntity, 0, len(names))
	for i, name := range names {
		c := d.node.children[name]
		entries = append(entries, ReaddirEntity{
			Next:     ReaddirCursor(i + 1),
			Inode:    c.ino,
			Name:     name,
			FileType: c.kind,
		})
	}
	d.tree.mu.RUnlock()

	if cursor > ReaddirCursor(len(entries)) {
		cursor = ReaddirCursor(len(entries))
	}
	entries = entries[cursor:]

	return func(yield func(ReaddirEntity, error) bool) {
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				yield(ReaddirEntity{}, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}, nil
}

func (d *MemoryDir) Symlink(ctx context.Context, oldPath, newPath string) error {
	d.tree.mu.Lock()
	defer d.tree.mu.Unlock()

	parent, name, err := d.lookupParent(newPath)
	if err != nil {
		return err
	}
	if _, ok := parent.children[name]; ok {
		return syscall.EEXIST
	}
	n := d.tree.newNode(FileTypeSymbolicLink)
	n.target = oldPath
	parent.children[name] = n
	parent.touch(n.mtime)
	return nil
}

func (d *MemoryDir) RemoveDir(ctx context.Context, path string) error {
	d.tree.mu.Lock()
	defer d.tree.mu.Unlock()

	parent, name, err := d.lookupParent(path)
	if err != nil {
		return err
	}
	child, ok := parent.children[name]
	if !ok {
		return syscall.ENOENT
	}
	if child.kind != FileTypeDirectory {
		return syscall.ENOTDIR
	}
	if len(child.children) > 0 {
		return syscall.ENOTEMPTY
	}
	delete(parent.children, name)
	child.parent = nil
	parent.touch(time.Now())
	return nil
}

func (d *MemoryDir) UnlinkFile(ctx context.Context, path string) error {
	d.tree.mu.Lock()
	defer d.tree.mu.Unlock()

	parent, name, err := d.lookupParent(path)
	if err != nil {
		return err
	}
	child, ok := parent.children[name]
	if !ok {
		return syscall.ENOENT
	}
	if child.kind == FileTypeDirectory {
		return syscall.EISDIR
	}
	delete(parent.children, name)
	now := time.Now()
	child.nlink--
	child.ctime = now
	parent.touch(now)
	return nil
}

func (d *MemoryDir) ReadLink(ctx context.Context, path string) (string, error) {
	d.tree.mu.RLock()
	defer d.tree.mu.RUnlock()

	n, err := d.lookup(path, false)
	if err != nil {
		return "", err
	}
	if n.kind != FileTypeSymbolicLink {
		return "", syscall.EINVAL
	}
	return n.target, nil
}

func (d *MemoryDir) GetFilestat(ctx context.Context) (Filestat, error) {
	d.tree.mu.RLock()
	defer d.tree.mu.RUnlock()
	return d.node.stat(d.tree.dev), nil
}

func (d *MemoryDir) GetPathFilestat(ctx context.Context, path string, followSymlinks bool) (Filestat, error) {
	d.tree.mu.RLock()
	defer d.tree.mu.RUnlock()

	n, err := d.lookup(path, followSymlinks)
	if err != nil {
		return Filestat{}, err
	}
	return n.stat(d.tree.dev), nil
}

// sameTree returns other as a *MemoryDir when it belongs to d's tree.
func (d *MemoryDir) sameTree(other Dir) (*MemoryDir, error) {
	od, ok := other.(*MemoryDir)
	if !ok || od.tree != d.tree {
		return nil, syscall.EXDEV
	}
	return od, nil
}

func (d *MemoryDir) Rename(ctx context.Context, path string, destDir Dir, destPath string) error {
	dst, err := d.sameTree(destDir)
	if err != nil {
		return err
	}

	d.tree.mu.Lock()
	defer d.tree.mu.Unlock()

	srcParent, srcName, err := d.lookupParent(path)
	if err != nil {
		return err
	}
	child, ok := srcParent.children[srcName]
	if !ok {
		return syscall.ENOENT
	}
	dstParent, dstName, err := dst.lookupParent(destPath)
	if err != nil {
		return err
	}

	if existing, ok := dstParent.children[dstName]; ok {
		if existing == child {
			return nil
		}
		switch {
		case child.kind == FileTypeDirectory && existing.kind != FileTypeDirectory:
			return syscall.ENOTDIR
		case child.kind != FileTypeDirectory && existing.kind == FileTypeDirectory:
			return syscall.EISDIR
		case existing.kind == FileTypeDirectory && len(existing.children) > 0:
			return syscall.ENOTEMPTY
		}
		if existing.kind != FileTypeDirectory {
			existing.nlink--
		}
		existing.parent = nil
	}
	if child.kind == FileTypeDirectory && child.isAncestorOf(dstParent) {
		return syscall.EINVAL
	}

	delete(srcParent.children, srcName)
	dstParent.children[dstName] = child
	if child.kind == FileTypeDirectory {
		child.parent = dstParent
	}
	now := time.Now()
	child.ctime = now
	srcParent.touch(now)
	dstParent.touch(now)
	return nil
}

func (d *MemoryDir) HardLink(ctx context.Context, path string, targetDir Dir, targetPath string) error {
	dst, err := d.sameTree(targetDir)
	if err != nil {
		return err
	}

	d.tree.mu.Lock()
	defer d.tree.mu.Unlock()

	src, err := d.lookup(path, false)
	if err != nil {
		return err
	}
	if src.kind == FileTypeDirectory {
		return syscall.EPERM
	}
	parent, name, err := dst.lookupParent(targetPath)
	if err != nil {
		return err
	}
	if _, ok := parent.children[name]; ok {
		return syscall.EEXIST
	}
	parent.children[name] = src
	now := time.Now()
	src.nlink++
	src.ctime = now
	parent.touch(now)
	return nil
}

func (d *MemoryDir) SetTimes(ctx context.Context, path string, atime, mtime *SystemTimeSpec, followSymlinks bool) error {
	d.tree.mu.Lock()
	defer d.tree.mu.Unlock()

	n, err := d.lookup(path, followSymlinks)
	if err != nil {
		return err
	}
	n.setTimes(atime, mtime)
	return nil
}

func (d *MemoryDir) Close() error { return nil }

// WriteFile creates or replaces the regular file at path. The parent must
// already exist.
func (d *MemoryDir) WriteFile(path string, data []byte) error {
	res, err := d.OpenFile(context.Background(), path, OpenOptions{
		OFlags:         OFlagsCreate | OFlagsTruncate,
		Write:          true,
		FollowSymlinks: true,
	})
	if err != nil {
		return err
	}
	defer res.Close()
	if res.File == nil {
		return syscall.EISDIR
	}
	_, err = res.File.WriteVectored(context.Background(), [][]byte{data})
	return err
}

func (d *MemoryDir) ReadFile(path string) ([]byte, error) {
	d.tree.mu.RLock()
	defer d.tree.mu.RUnlock()

	n, err := d.lookup(path, true)
	if err != nil {
		return nil, err
	}
	if n.kind != FileTypeRegularFile {
		return nil, syscall.EISDIR
	}
	return bytes.Clone(n.data), nil
}

func (d *MemoryDir) MkdirAll(path string) error {
	current := ""
	for _, part := range splitPath(path) {
		if part == "" || part == "." {
			continue
		}
		if current != "" {
			current += "/"
		}
		current += part
		if err := d.CreateDir(context.Background(), current); err != nil && err != syscall.EEXIST {
			return err
		}
	}
	return nil
}

// MemoryFile is an open handle on a MemoryDir regular file.
type MemoryFile struct {
	tree  *memTree
	node  *memNode
	read  bool
	write bool

	mu     sync.Mutex
	flags  FdFlags
	offset uint64
}

func (f *MemoryFile) FileType(ctx context.Context) (FileType, error) { return f.node.kind, nil }
func (f *MemoryFile) Pollable() (Pollable, bool)                     { return Pollable{}, false }
func (f *MemoryFile) IsATTY() bool                                   { return false }
func (f *MemoryFile) Datasync(ctx context.Context) error             { return nil }
func (f *MemoryFile) Sync(ctx context.Context) error                 { return nil }
func (f *MemoryFile) Close() error                                   { return nil }

func (f *MemoryFile) GetFdFlags(ctx context.Context) (FdFlags, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flags, nil
}

func (f *MemoryFile) SetFdFlags(ctx context.Context, flags FdFlags) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags = flags
	return nil
}

func (f *MemoryFile) GetFilestat(ctx context.Context) (Filestat, error) {
	f.tree.mu.RLock()
	defer f.tree.mu.RUnlock()
	return f.node.stat(f.tree.dev), nil
}

func (f *MemoryFile) SetFilestatSize(ctx context.Context, size uint64) error {
	if !f.write {
		return syscall.EBADF
	}
	f.tree.mu.Lock()
	defer f.tree.mu.Unlock()

	switch cur := uint64(len(f.node.data)); {
	case size < cur:
		f.node.data = f.node.data[:size]
	case size > cur:
		f.node.data = append(f.node.data, make([]byte, size-cur)...)
	}
	f.node.touch(time.Now())
	return nil
}

func (f *MemoryFile) Advise(ctx context.Context, offset, length uint64, advice Advice) error {
	return nil
}

func (f *MemoryFile) SetTimes(ctx context.Context, atime, mtime *SystemTimeSpec) error {
	f.tree.mu.Lock()
	defer f.tree.mu.Unlock()
	f.node.setTimes(atime, mtime)
	return nil
}

func (f *MemoryFile) readAt(bufs [][]byte, offset uint64) uint64 {
	f.tree.mu.RLock()
	defer f.tree.mu.RUnlock()

	var total uint64
	for _, b := range bufs {
		if offset >= uint64(len(f.node.data)) {
			break
		}
		n := copy(b, f.node.data[offset:])
		offset += uint64(n)
		total += uint64(n)
	}
	return total
}

func (f *MemoryFile) ReadVectored(ctx context.Context, bufs [][]byte) (uint64, error) {
	if !f.read {
		return 0, syscall.EBADF
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.readAt(bufs, f.offset)
	f.offset += n
	return n, nil
}

func (f *MemoryFile) ReadVectoredAt(ctx context.Context, bufs [][]byte, offset uint64) (uint64, error) {
	if !f.read {
		return 0, syscall.EBADF
	}
	return f.readAt(bufs, offset), nil
}

// writeAt writes bufs at offset, or at end of file when offset is nil, and
// returns the offset just past the written data.
func (f *MemoryFile) writeAt(bufs [][]byte, offset *uint64) (uint64, uint64) {
	f.tree.mu.Lock()
	defer f.tree.mu.Unlock()

	off := uint64(len(f.node.data))
	if offset != nil {
		off = *offset
	}
	var total uint64
	for _, b := range bufs {
		end := off + uint64(len(b))
		if end > uint64(len(f.node.data)) {
			f.node.data = append(f.node.data, make([]byte, end-uint64(len(f.node.data)))...)
		}
		copy(f.node.data[off:], b)
		off = end
		total += uint64(len(b))
	}
	if total > 0 {
		f.node.touch(time.Now())
	}
	return total, off
}

func (f *MemoryFile) WriteVectored(ctx context.Context, bufs [][]byte) (uint64, error) {
	if !f.write {
		return 0, syscall.EBADF
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var at *uint64
	if f.flags&FdFlagsAppend == 0 {
		at = &f.offset
	}
	n, end := f.writeAt(bufs, at)
	f.offset = end
	return n, nil
}

func (f *MemoryFile) WriteVectoredAt(ctx context.Context, bufs [][]byte, offset uint64) (uint64, error) {
	if !f.write {
		return 0, syscall.EBADF
	}
	n, _ := f.writeAt(bufs, &offset)
	return n, nil
}

func (f *MemoryFile) Seek(ctx context.Context, pos SeekFrom) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var base int64
	switch pos.Whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = int64(f.offset)
	case io.SeekEnd:
		f.tree.mu.RLock()
		base = int64(len(f.node.data))
		f.tree.mu.RUnlock()
	default:
		return 0, syscall.EINVAL
	}
	next := base + pos.Offset
	if next < 0 {
		return 0, syscall.EINVAL
	}
	f.offset = uint64(next)
	return f.offset, nil
}

func (f *MemoryFile) Peek(ctx context.Context, buf []byte) (uint64, error) {
	if !f.read {
		return 0, syscall.EBADF
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readAt([][]byte{buf}, f.offset), nil
}

func (f *MemoryFile) NumReadyBytes() (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tree.mu.RLock()
	defer f.tree.mu.RUnlock()

	size := uint64(len(f.node.data))
	if f.offset >= size {
		return 0, nil
	}
	return size - f.offset, nil
}

func (f *MemoryFile) Readable(ctx context.Context) error {
	if !f.read {
		return syscall.EBADF
	}
	return ctx.Err()
}

func (f *MemoryFile) Writable(ctx context.Context) error {
	if !f.write {
		return syscall.EBADF
	}
	return ctx.Err()
}
