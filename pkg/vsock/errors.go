package vsock

import "errors"

var (
	ErrCreateSocket = errors.New("create vsock socket")
	ErrBind         = errors.New("bind vsock")
	ErrListen       = errors.New("listen on vsock")
	ErrAccept       = errors.New("accept vsock connection")
	ErrConnect      = errors.New("connect to vsock")
	ErrGetLocalCID  = errors.New("get local CID")
	ErrUnsupported  = errors.New("vsock is not supported on this platform")
)
