package vfs

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jingkaihe/capfs/internal/errx"
)

type OpCode uint8

const (
	OpLookup OpCode = iota
	OpGetattr
	OpSetattr
	OpRead
	OpWrite
	OpCreate
	OpMkdir
	OpUnlink
	OpRmdir
	OpRename
	OpOpen
	OpRelease
	OpReaddir
	OpFsync
	OpMkdirAll
	OpTruncate
	OpSymlink
	OpReadlink
	OpLink
)

var opNames = map[OpCode]string{
	OpLookup:   "lookup",
	OpGetattr:  "getattr",
	OpSetattr:  "setattr",
	OpRead:     "read",
	OpWrite:    "write",
	OpCreate:   "create",
	OpMkdir:    "mkdir",
	OpUnlink:   "unlink",
	OpRmdir:    "rmdir",
	OpRename:   "rename",
	OpOpen:     "open",
	OpRelease:  "release",
	OpReaddir:  "readdir",
	OpFsync:    "fsync",
	OpMkdirAll: "mkdir_all",
	OpTruncate: "truncate",
	OpSymlink:  "symlink",
	OpReadlink: "readlink",
	OpLink:     "link",
}

func (o OpCode) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return "unknown"
}

// Request flags.
const (
	FlagRead uint32 = 1 << iota
	FlagWrite
	FlagCreate
	FlagExclusive
	FlagTruncate
	FlagAppend
	FlagDirectory
	FlagFollow
)

const maxFrameSize = 16 << 20

// maxReadSize and maxReaddirEntries bound a single response so it always fits
// in one frame. Clients page past them with Offset.
const (
	maxReadSize       = maxFrameSize - 4096
	maxReaddirEntries = 4096
)

type VFSRequest struct {
	Op      OpCode `cbor:"op"`
	Path    string `cbor:"path,omitempty"`
	NewPath string `cbor:"new_path,omitempty"`
	Handle  uint64 `cbor:"fh,omitempty"`
	Offset  uint64 `cbor:"off,omitempty"`
	Size    uint32 `cbor:"sz,omitempty"`
	Data    []byte `cbor:"data,omitempty"`
	Flags   uint32 `cbor:"flags,omitempty"`
	Atime   *int64 `cbor:"atime,omitempty"`
	Mtime   *int64 `cbor:"mtime,omitempty"`
}

type VFSResponse struct {
	Err     int32         `cbor:"err"`
	Stat    *VFSStat      `cbor:"stat,omitempty"`
	Data    []byte        `cbor:"data,omitempty"`
	Written uint32        `cbor:"written,omitempty"`
	Handle  uint64        `cbor:"fh,omitempty"`
	Entries []VFSDirEntry `cbor:"entries,omitempty"`
}

type VFSStat struct {
	Size  uint64   `cbor:"size"`
	Type  FileType `cbor:"type"`
	NLink uint64   `cbor:"nlink,omitempty"`
	Atime int64    `cbor:"atime,omitempty"`
	Mtime int64    `cbor:"mtime,omitempty"`
	Ctime int64    `cbor:"ctime,omitempty"`
	IsDir bool     `cbor:"is_dir"`
	Ino   uint64   `cbor:"ino,omitempty"`
}

type VFSDirEntry struct {
	Name  string        `cbor:"name"`
	Type  FileType      `cbor:"type"`
	IsDir bool          `cbor:"is_dir"`
	Ino   uint64        `cbor:"ino,omitempty"`
	Next  ReaddirCursor `cbor:"next"`
}

type serverHandle struct {
	file File
	dir  Dir
	conn string
}

func (h *serverHandle) Close() error {
	if h.dir != nil {
		return h.dir.Close()
	}
	return h.file.Close()
}

// VFSServer exports a directory capability over a length-prefixed CBOR
// protocol. Request paths are absolute and rooted at the exported directory.
type VFSServer struct {
	root    Dir
	handles sync.Map
	nextFH  atomic.Uint64
}

func NewVFSServer(root Dir) *VFSServer {
	return &VFSServer{root: root}
}

func (s *VFSServer) Serve(listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			return err
		}
		go s.HandleConnection(conn)
	}
}

// HandleConnection serves requests from conn until it is closed. Handles the
// connection left open are released on return.
func (s *VFSServer) HandleConnection(conn net.Conn) {
	connID := uuid.NewString()
	log := Logger().With(zap.String("conn", connID))
	log.Debug("vfs connection opened", zap.String("remote", conn.RemoteAddr().String()))

	ctx, cancel := context.WithCancel(WithSession(context.Background(), connID))
	defer func() {
		cancel()
		s.releaseConn(connID)
		conn.Close()
		log.Debug("vfs connection closed")
	}()

	for {
		var req VFSRequest
		if err := readFrame(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Warn("vfs read request", zap.Error(err))
			}
			return
		}

		start := time.Now()
		resp := s.dispatch(ctx, connID, &req)
		log.Debug("vfs request",
			zap.Stringer("op", req.Op),
			zap.String("path", req.Path),
			zap.Int32("err", resp.Err),
			zap.Duration("took", time.Since(start)))

		if err := writeFrame(conn, resp); err != nil {
			log.Warn("vfs write response", zap.Error(err))
			return
		}
	}
}

func (s *VFSServer) releaseConn(connID string) {
	s.handles.Range(func(key, value any) bool {
		h := value.(*serverHandle)
		if h.conn == connID {
			s.handles.Delete(key)
			h.Close()
		}
		return true
	})
}

func (s *VFSServer) storeHandle(h *serverHandle) uint64 {
	fh := s.nextFH.Add(1)
	s.handles.Store(fh, h)
	return fh
}

func (s *VFSServer) loadFile(fh uint64) (File, int32) {
	hi, ok := s.handles.Load(fh)
	if !ok {
		return nil, -int32(syscall.EBADF)
	}
	h := hi.(*serverHandle)
	if h.file == nil {
		return nil, -int32(syscall.EISDIR)
	}
	return h.file, 0
}

// relPath turns a guest request path into a path under the exported root.
func relPath(p string) string {
	rel := strings.TrimPrefix(path.Clean("/"+p), "/")
	if rel == "" {
		return "."
	}
	return rel
}

func openOptionsFromFlags(flags uint32) OpenOptions {
	opts := OpenOptions{
		Read:           flags&FlagRead != 0,
		Write:          flags&FlagWrite != 0,
		FollowSymlinks: flags&FlagFollow != 0,
	}
	if flags&FlagCreate != 0 {
		opts.OFlags |= OFlagsCreate
	}
	if flags&FlagExclusive != 0 {
		opts.OFlags |= OFlagsExclusive
	}
	if flags&FlagTruncate != 0 {
		opts.OFlags |= OFlagsTruncate
	}
	if flags&FlagDirectory != 0 {
		opts.OFlags |= OFlagsDirectory
	}
	if flags&FlagAppend != 0 {
		opts.FdFlags |= FdFlagsAppend
	}
	return opts
}

func timeSpecFromWire(ns *int64) *SystemTimeSpec {
	if ns == nil {
		return nil
	}
	if *ns < 0 {
		return &SystemTimeSpec{Now: true}
	}
	return &SystemTimeSpec{Time: time.Unix(0, *ns)}
}

func (s *VFSServer) stat(ctx context.Context, rel string, follow bool) *VFSResponse {
	st, err := s.root.GetPathFilestat(ctx, rel, follow)
	if err != nil {
		return &VFSResponse{Err: errnoFromError(err)}
	}
	return &VFSResponse{Stat: wireStat(st)}
}

func (s *VFSServer) open(ctx context.Context, connID, rel string, opts OpenOptions) *VFSResponse {
	res, err := s.root.OpenFile(ctx, rel, opts)
	if err != nil {
		return &VFSResponse{Err: errnoFromError(err)}
	}
	h := &serverHandle{file: res.File, dir: res.Dir, conn: connID}

	var st Filestat
	if res.Dir != nil {
		st, err = res.Dir.GetFilestat(ctx)
	} else {
		st, err = res.File.GetFilestat(ctx)
	}
	if err != nil {
		h.Close()
		return &VFSResponse{Err: errnoFromError(err)}
	}
	return &VFSResponse{Handle: s.storeHandle(h), Stat: wireStat(st)}
}

func (s *VFSServer) dispatch(ctx context.Context, connID string, req *VFSRequest) *VFSResponse {
	rel := relPath(req.Path)
	follow := req.Flags&FlagFollow != 0

	switch req.Op {
	case OpLookup, OpGetattr:
		return s.stat(ctx, rel, follow)

	case OpSetattr:
		if err := s.root.SetTimes(ctx, rel, timeSpecFromWire(req.Atime), timeSpecFromWire(req.Mtime), follow); err != nil {
			return &VFSResponse{Err: errnoFromError(err)}
		}
		return s.stat(ctx, rel, follow)

	case OpOpen:
		return s.open(ctx, connID, rel, openOptionsFromFlags(req.Flags))

	case OpCreate:
		opts := openOptionsFromFlags(req.Flags)
		opts.OFlags |= OFlagsCreate
		opts.Write = true
		return s.open(ctx, connID, rel, opts)

	case OpRead:
		f, errno := s.loadFile(req.Handle)
		if errno != 0 {
			return &VFSResponse{Err: errno}
		}
		buf := make([]byte, min(req.Size, maxReadSize))
		n, err := f.ReadVectoredAt(ctx, [][]byte{buf}, req.Offset)
		if err != nil {
			return &VFSResponse{Err: errnoFromError(err)}
		}
		return &VFSResponse{Data: buf[:n]}

	case OpWrite:
		f, errno := s.loadFile(req.Handle)
		if errno != 0 {
			return &VFSResponse{Err: errno}
		}
		n, err := f.WriteVectoredAt(ctx, [][]byte{req.Data}, req.Offset)
		if err != nil {
			return &VFSResponse{Err: errnoFromError(err)}
		}
		return &VFSResponse{Written: uint32(n)}

	case OpRelease:
		if hi, ok := s.handles.LoadAndDelete(req.Handle); ok {
			if err := hi.(*serverHandle).Close(); err != nil {
				return &VFSResponse{Err: errnoFromError(err)}
			}
		}
		return &VFSResponse{}

	case OpReaddir:
		entries, err := s.readdir(ctx, rel, ReaddirCursor(req.Offset), int(req.Size))
		if err != nil {
			return &VFSResponse{Err: errnoFromError(err)}
		}
		return &VFSResponse{Entries: entries}

	case OpMkdir:
		if err := s.root.CreateDir(ctx, rel); err != nil {
			return &VFSResponse{Err: errnoFromError(err)}
		}
		// The directory exists even if it cannot be stat'ed afterwards.
		if resp := s.stat(ctx, rel, false); resp.Err == 0 {
			return resp
		}
		return &VFSResponse{}

	case OpMkdirAll:
		current := ""
		for _, part := range strings.Split(rel, "/") {
			if part == "." {
				continue
			}
			current = path.Join(current, part)
			if err := s.root.CreateDir(ctx, current); err != nil && !errors.Is(err, syscall.EEXIST) {
				return &VFSResponse{Err: errnoFromError(err)}
			}
		}
		return &VFSResponse{}

	case OpUnlink:
		if err := s.root.UnlinkFile(ctx, rel); err != nil {
			return &VFSResponse{Err: errnoFromError(err)}
		}
		return &VFSResponse{}

	case OpRmdir:
		if err := s.root.RemoveDir(ctx, rel); err != nil {
			return &VFSResponse{Err: errnoFromError(err)}
		}
		return &VFSResponse{}

	case OpRename:
		if err := s.root.Rename(ctx, rel, s.root, relPath(req.NewPath)); err != nil {
			return &VFSResponse{Err: errnoFromError(err)}
		}
		return &VFSResponse{}

	case OpLink:
		if err := s.root.HardLink(ctx, rel, s.root, relPath(req.NewPath)); err != nil {
			return &VFSResponse{Err: errnoFromError(err)}
		}
		return s.stat(ctx, relPath(req.NewPath), false)

	case OpSymlink:
		if err := s.root.Symlink(ctx, req.NewPath, rel); err != nil {
			return &VFSResponse{Err: errnoFromError(err)}
		}
		return s.stat(ctx, rel, false)

	case OpReadlink:
		target, err := s.root.ReadLink(ctx, rel)
		if err != nil {
			return &VFSResponse{Err: errnoFromError(err)}
		}
		return &VFSResponse{Data: []byte(target)}

	case OpTruncate:
		if req.Handle != 0 {
			f, errno := s.loadFile(req.Handle)
			if errno != 0 {
				return &VFSResponse{Err: errno}
			}
			return &VFSResponse{Err: errnoFromError(f.SetFilestatSize(ctx, req.Offset))}
		}
		res, err := s.root.OpenFile(ctx, rel, OpenOptions{Write: true, FollowSymlinks: true})
		if err != nil {
			return &VFSResponse{Err: errnoFromError(err)}
		}
		defer res.Close()
		if res.File == nil {
			return &VFSResponse{Err: -int32(syscall.EISDIR)}
		}
		return &VFSResponse{Err: errnoFromError(res.File.SetFilestatSize(ctx, req.Offset))}

	case OpFsync:
		f, errno := s.loadFile(req.Handle)
		if errno != 0 {
			return &VFSResponse{Err: errno}
		}
		return &VFSResponse{Err: errnoFromError(f.Sync(ctx))}

	default:
		return &VFSResponse{Err: -int32(syscall.ENOSYS)}
	}
}

// readdir lists rel starting at cursor, returning at most limit entries when
// limit is positive.
func (s *VFSServer) readdir(ctx context.Context, rel string, cursor ReaddirCursor, limit int) ([]VFSDirEntry, error) {
	res, err := s.root.OpenFile(ctx, rel, OpenOptions{OFlags: OFlagsDirectory, Read: true, FollowSymlinks: true})
	if err != nil {
		return nil, err
	}
	defer res.Close()
	if res.Dir == nil {
		return nil, syscall.ENOTDIR
	}

	seq, err := res.Dir.Readdir(ctx, cursor)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxReaddirEntries {
		limit = maxReaddirEntries
	}
	var entries []VFSDirEntry
	for e, err := range seq {
		if err != nil {
			return nil, err
		}
		entries = append(entries, VFSDirEntry{
			Name:  e.Name,
			Type:  e.FileType,
			IsDir: e.FileType == FileTypeDirectory,
			Ino:   e.Inode,
			Next:  e.Next,
		})
		if len(entries) >= limit {
			break
		}
	}
	return entries, nil
}

func errnoFromError(err error) int32 {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return -int32(errno)
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return -int32(syscall.EINTR)
	case os.IsNotExist(err):
		return -int32(syscall.ENOENT)
	case os.IsPermission(err):
		return -int32(syscall.EACCES)
	case os.IsExist(err):
		return -int32(syscall.EEXIST)
	}
	return -int32(syscall.EIO)
}

func unixNano(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixNano()
}

func wireStat(st Filestat) *VFSStat {
	return &VFSStat{
		Size:  st.Size,
		Type:  st.FileType,
		NLink: st.NLink,
		Atime: unixNano(st.Atim),
		Mtime: unixNano(st.Mtim),
		Ctime: unixNano(st.Ctim),
		IsDir: st.FileType == FileTypeDirectory,
		Ino:   st.Inode,
	}
}

func readFrame(r io.Reader, v any) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	msgLen := binary.BigEndian.Uint32(lenBuf[:])
	if msgLen > maxFrameSize {
		return errx.With(ErrFrameTooLarge, ": %d bytes", msgLen)
	}

	msgBuf := make([]byte, msgLen)
	if _, err := io.ReadFull(r, msgBuf); err != nil {
		return err
	}
	if err := cbor.Unmarshal(msgBuf, v); err != nil {
		return errx.Wrap(ErrRequestDecode, err)
	}
	return nil
}

func writeFrame(w io.Writer, v any) error {
	buf, err := cbor.Marshal(v)
	if err != nil {
		return errx.Wrap(ErrRequestEncode, err)
	}
	if len(buf) > maxFrameSize {
		return errx.With(ErrFrameTooLarge, ": %d bytes", len(buf))
	}
	frame := make([]byte, 4+len(buf))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(buf)))
	copy(frame[4:], buf)
	_, err = w.Write(frame)
	return err
}

// ServeUDS starts the VFS server on a Unix domain socket.
func (s *VFSServer) ServeUDS(socketPath string) error {
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return errx.With(ErrServerListen, " %s: %w", socketPath, err)
	}

	return s.Serve(listener)
}

// ServeUDSBackground starts the VFS server on a Unix domain socket in a goroutine
// Returns a function to stop the server
func (s *VFSServer) ServeUDSBackground(socketPath string) (stop func(), err error) {
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, errx.With(ErrServerListen, " %s: %w", socketPath, err)
	}

	go func() {
		if err := s.Serve(listener); err != nil && !errors.Is(err, ErrServerClosed) {
			Logger().Warn("vfs server stopped", zap.Error(err))
		}
	}()

	return func() {
		listener.Close()
	}, nil
}
