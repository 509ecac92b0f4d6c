//go:build linux || darwin

// Package fusefs exports a directory capability as a FUSE filesystem. Every
// kernel request is served by the capability, so a read-only capability
// yields a read-only mount.
package fusefs

import (
	"context"
	"path"
	"strconv"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/jingkaihe/capfs/pkg/vfs"
)

// Node is a file or directory inside the exported tree. p is relative to
// root; the mount root is ".".
type Node struct {
	fs.Inode
	root vfs.Dir
	p    string
}

var (
	_ fs.NodeGetattrer  = (*Node)(nil)
	_ fs.NodeSetattrer  = (*Node)(nil)
	_ fs.NodeLookuper   = (*Node)(nil)
	_ fs.NodeReaddirer  = (*Node)(nil)
	_ fs.NodeOpener     = (*Node)(nil)
	_ fs.NodeReadlinker = (*Node)(nil)
	_ fs.NodeMkdirer    = (*Node)(nil)
	_ fs.NodeCreater    = (*Node)(nil)
	_ fs.NodeUnlinker   = (*Node)(nil)
	_ fs.NodeRmdirer    = (*Node)(nil)
	_ fs.NodeRenamer    = (*Node)(nil)
	_ fs.NodeSymlinker  = (*Node)(nil)
	_ fs.NodeLinker     = (*Node)(nil)
)

// NewRoot returns the root node for root.
func NewRoot(root vfs.Dir) *Node {
	return &Node{root: root, p: "."}
}

func (n *Node) child(name string) string {
	return path.Join(n.p, name)
}

// withCaller tags ctx with the calling process so hooks can tell clients apart.
func withCaller(ctx context.Context) context.Context {
	if caller, ok := fuse.FromContext(ctx); ok {
		return vfs.WithSession(ctx, "fuse-pid-"+strconv.FormatUint(uint64(caller.Pid), 10))
	}
	return ctx
}

func (n *Node) newChild(ctx context.Context, p string, st vfs.Filestat, out *fuse.EntryOut) *fs.Inode {
	fillAttr(&out.Attr, st)
	node := &Node{root: n.root, p: p}
	return n.NewInode(ctx, node, fs.StableAttr{Mode: out.Attr.Mode & syscall.S_IFMT, Ino: st.Inode})
}

func (n *Node) lookupChild(ctx context.Context, p string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	st, err := n.root.GetPathFilestat(ctx, p, false)
	if err != nil {
		return nil, toErrno(err)
	}
	return n.newChild(ctx, p, st, out), 0
}

func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if h, ok := fh.(*fileHandle); ok {
		return h.Getattr(ctx, out)
	}
	st, err := n.root.GetPathFilestat(withCaller(ctx), n.p, false)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(&out.Attr, st)
	return 0
}

func (n *Node) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	ctx = withCaller(ctx)

	if _, ok := in.GetMode(); ok {
		return syscall.ENOTSUP
	}
	if _, ok := in.GetUID(); ok {
		return syscall.ENOTSUP
	}
	if _, ok := in.GetGID(); ok {
		return syscall.ENOTSUP
	}

	if size, ok := in.GetSize(); ok {
		if errno := n.truncate(ctx, fh, size); errno != 0 {
			return errno
		}
	}

	atime, aok := in.GetATime()
	mtime, mok := in.GetMTime()
	if aok || mok {
		var at, mt *vfs.SystemTimeSpec
		if aok {
			at = &vfs.SystemTimeSpec{Time: atime}
		}
		if mok {
			mt = &vfs.SystemTimeSpec{Time: mtime}
		}
		if err := n.root.SetTimes(ctx, n.p, at, mt, false); err != nil {
			return toErrno(err)
		}
	}

	return n.Getattr(ctx, fh, out)
}

func (n *Node) truncate(ctx context.Context, fh fs.FileHandle, size uint64) syscall.Errno {
	if h, ok := fh.(*fileHandle); ok {
		return toErrno(h.f.SetFilestatSize(ctx, size))
	}
	res, err := n.root.OpenFile(ctx, n.p, vfs.OpenOptions{Write: true, FollowSymlinks: true})
	if err != nil {
		return toErrno(err)
	}
	defer res.Close()
	if res.File == nil {
		return syscall.EISDIR
	}
	return toErrno(res.File.SetFilestatSize(ctx, size))
}

func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return n.lookupChild(withCaller(ctx), n.child(name), out)
}

func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	ctx = withCaller(ctx)
	res, err := n.root.OpenFile(ctx, n.p, vfs.OpenOptions{OFlags: vfs.OFlagsDirectory, Read: true, FollowSymlinks: true})
	if err != nil {
		return nil, toErrno(err)
	}
	defer res.Close()
	if res.Dir == nil {
		return nil, syscall.ENOTDIR
	}

	ents, err := vfs.ReadDirAll(ctx, res.Dir)
	if err != nil {
		return nil, toErrno(err)
	}
	entries := make([]fuse.DirEntry, 0, len(ents))
	for _, e := range ents {
		entries = append(entries, fuse.DirEntry{Name: e.Name, Mode: typeMode(e.FileType), Ino: e.Inode})
	}
	return fs.NewListDirStream(entries), 0
}

func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	opts := openOptions(flags)
	opts.FollowSymlinks = true
	res, err := n.root.OpenFile(withCaller(ctx), n.p, opts)
	if err != nil {
		return nil, 0, toErrno(err)
	}
	if res.File == nil {
		res.Close()
		return nil, 0, syscall.EISDIR
	}
	return &fileHandle{f: res.File}, fuse.FOPEN_DIRECT_IO, 0
}

func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.root.ReadLink(withCaller(ctx), n.p)
	if err != nil {
		return nil, toErrno(err)
	}
	return []byte(target), 0
}

func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	ctx = withCaller(ctx)
	p := n.child(name)
	if err := n.root.CreateDir(ctx, p); err != nil {
		return nil, toErrno(err)
	}
	return n.lookupChild(ctx, p, out)
}

func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	ctx = withCaller(ctx)
	p := n.child(name)
	opts := openOptions(flags)
	opts.OFlags |= vfs.OFlagsCreate
	opts.Write = true

	res, err := n.root.OpenFile(ctx, p, opts)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	if res.File == nil {
		res.Close()
		return nil, nil, 0, syscall.EISDIR
	}
	st, err := res.File.GetFilestat(ctx)
	if err != nil {
		res.Close()
		return nil, nil, 0, toErrno(err)
	}
	return n.newChild(ctx, p, st, out), &fileHandle{f: res.File}, fuse.FOPEN_DIRECT_IO, 0
}

func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	return toErrno(n.root.UnlinkFile(withCaller(ctx), n.child(name)))
}

func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return toErrno(n.root.RemoveDir(withCaller(ctx), n.child(name)))
}

func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if flags != 0 {
		return syscall.ENOTSUP
	}
	np, ok := newParent.(*Node)
	if !ok {
		return syscall.EXDEV
	}
	return toErrno(n.root.Rename(withCaller(ctx), n.child(name), np.root, np.child(newName)))
}

func (n *Node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	ctx = withCaller(ctx)
	p := n.child(name)
	if err := n.root.Symlink(ctx, target, p); err != nil {
		return nil, toErrno(err)
	}
	return n.lookupChild(ctx, p, out)
}

func (n *Node) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	src, ok := target.(*Node)
	if !ok {
		return nil, syscall.EXDEV
	}
	ctx = withCaller(ctx)
	p := n.child(name)
	if err := src.root.HardLink(ctx, src.p, n.root, p); err != nil {
		return nil, toErrno(err)
	}
	return n.lookupChild(ctx, p, out)
}
