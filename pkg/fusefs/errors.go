package fusefs

import "errors"

var (
	ErrMount       = errors.New("fuse mount")
	ErrUnsupported = errors.New("fuse is not supported on this platform")
)
