//go:build linux

package vsock

import (
	"errors"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jingkaihe/capfs/internal/errx"
)

// Conn is a vsock stream. Reads and writes go through the runtime poller, so
// deadlines work as they do for TCP.
type Conn struct {
	f      *os.File
	local  *Addr
	remote *Addr
}

var _ net.Conn = (*Conn)(nil)

func (c *Conn) Read(b []byte) (int, error)  { return c.f.Read(b) }
func (c *Conn) Write(b []byte) (int, error) { return c.f.Write(b) }
func (c *Conn) Close() error                { return c.f.Close() }

func (c *Conn) LocalAddr() net.Addr  { return c.local }
func (c *Conn) RemoteAddr() net.Addr { return c.remote }

func (c *Conn) SetDeadline(t time.Time) error      { return c.f.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.f.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.f.SetWriteDeadline(t) }

// Listener accepts vsock connections.
type Listener struct {
	f      *os.File
	addr   *Addr
	closed atomic.Bool
}

var _ net.Listener = (*Listener)(nil)

func socket() (int, error) {
	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, errx.Wrap(ErrCreateSocket, err)
	}
	return fd, nil
}

// Listen listens on port for connections from any CID.
func Listen(port uint32) (*Listener, error) {
	return ListenCID(CIDAny, port)
}

func ListenCID(cid, port uint32) (*Listener, error) {
	fd, err := socket()
	if err != nil {
		return nil, err
	}
	if err := unix.Bind(fd, &unix.SockaddrVM{CID: cid, Port: port}); err != nil {
		unix.Close(fd)
		return nil, errx.With(ErrBind, " %d:%d: %w", cid, port, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, errx.Wrap(ErrListen, err)
	}

	addr := &Addr{CID: cid, Port: port}
	if sa, err := unix.Getsockname(fd); err == nil {
		if vm, ok := sa.(*unix.SockaddrVM); ok {
			addr.Port = vm.Port
		}
	}
	return &Listener{f: os.NewFile(uintptr(fd), addr.String()), addr: addr}, nil
}

// Accept waits for the next connection. It returns net.ErrClosed once the
// listener is closed.
func (l *Listener) Accept() (net.Conn, error) {
	rc, err := l.f.SyscallConn()
	if err != nil {
		return nil, l.acceptErr(err)
	}

	var (
		nfd    int
		sa     unix.Sockaddr
		accErr error
	)
	err = rc.Read(func(fd uintptr) bool {
		nfd, sa, accErr = unix.Accept4(int(fd), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		return accErr != unix.EAGAIN
	})
	if err != nil {
		return nil, l.acceptErr(err)
	}
	if accErr != nil {
		return nil, errx.Wrap(ErrAccept, accErr)
	}

	remote := &Addr{}
	if vm, ok := sa.(*unix.SockaddrVM); ok {
		remote.CID, remote.Port = vm.CID, vm.Port
	}
	return &Conn{
		f:      os.NewFile(uintptr(nfd), remote.String()),
		local:  l.addr,
		remote: remote,
	}, nil
}

func (l *Listener) Close() error {
	l.closed.Store(true)
	return l.f.Close()
}

func (l *Listener) Addr() net.Addr {
	return l.addr
}

// Dial connects to port on cid.
func Dial(cid, port uint32) (*Conn, error) {
	fd, err := socket()
	if err != nil {
		return nil, err
	}
	f := os.NewFile(uintptr(fd), "vsock-dial")

	rc, err := f.SyscallConn()
	if err != nil {
		f.Close()
		return nil, errx.Wrap(ErrConnect, err)
	}
	var connErr error
	err = rc.Write(func(fd uintptr) bool {
		if connErr == nil {
			connErr = unix.Connect(int(fd), &unix.SockaddrVM{CID: cid, Port: port})
			if connErr == unix.EINPROGRESS {
				return false
			}
			return true
		}
		// Woken after EINPROGRESS: the outcome is in SO_ERROR.
		code, err := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			connErr = err
		} else if code != 0 {
			connErr = unix.Errno(code)
		} else {
			connErr = nil
		}
		return true
	})
	if err == nil {
		err = connErr
	}
	if err != nil {
		f.Close()
		return nil, errx.With(ErrConnect, " %d:%d: %w", cid, port, err)
	}

	local := &Addr{CID: CIDLocal}
	if sa, err := unix.Getsockname(fd); err == nil {
		if vm, ok := sa.(*unix.SockaddrVM); ok {
			local.CID, local.Port = vm.CID, vm.Port
		}
	}
	return &Conn{f: f, local: local, remote: &Addr{CID: cid, Port: port}}, nil
}

// LocalCID returns the CID of this machine.
func LocalCID() (uint32, error) {
	f, err := os.Open("/dev/vsock")
	if err != nil {
		return 0, errx.Wrap(ErrGetLocalCID, err)
	}
	defer f.Close()

	cid, err := unix.IoctlGetUint32(int(f.Fd()), unix.IOCTL_VM_SOCKETS_GET_LOCAL_CID)
	if err != nil {
		return 0, errx.Wrap(ErrGetLocalCID, err)
	}
	return cid, nil
}

func (l *Listener) acceptErr(err error) error {
	if l.closed.Load() || errors.Is(err, os.ErrClosed) {
		return net.ErrClosed
	}
	return errx.Wrap(ErrAccept, err)
}
