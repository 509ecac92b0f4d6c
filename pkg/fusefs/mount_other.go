//go:build !linux && !darwin

package fusefs

import "github.com/jingkaihe/capfs/pkg/vfs"

// Server stands in for the go-fuse server on platforms without FUSE.
type Server interface {
	Unmount() error
	Wait()
}

func Mount(mountpoint string, root vfs.Dir, opts Options) (Server, error) {
	return nil, ErrUnsupported
}
