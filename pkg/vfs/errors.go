package vfs

import (
	"errors"
	"syscall"
)

// ErrReadOnly is returned by every mutating operation on a read-only
// capability. It is a syscall.Errno so it satisfies fs.ErrPermission.
var ErrReadOnly error = syscall.EPERM

var (
	ErrNoMount       = errors.New("no mount for path")
	ErrMountExists   = errors.New("mount already exists")
	ErrMountPath     = errors.New("mount path must be absolute")
	ErrHostRoot      = errors.New("open host root")
	ErrServerListen  = errors.New("vfs server listen")
	ErrServerClosed  = errors.New("vfs server closed")
	ErrRequestEncode = errors.New("encode vfs request")
	ErrRequestDecode = errors.New("decode vfs response")
	ErrFrameTooLarge = errors.New("vfs frame too large")
)
