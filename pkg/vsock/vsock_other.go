//go:build !linux

package vsock

import "net"

func Listen(port uint32) (net.Listener, error) {
	return nil, ErrUnsupported
}

func ListenCID(cid, port uint32) (net.Listener, error) {
	return nil, ErrUnsupported
}

func Dial(cid, port uint32) (net.Conn, error) {
	return nil, ErrUnsupported
}

func LocalCID() (uint32, error) {
	return 0, ErrUnsupported
}
