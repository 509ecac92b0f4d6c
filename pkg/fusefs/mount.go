//go:build linux || darwin

package fusefs

import (
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/jingkaihe/capfs/internal/errx"
	"github.com/jingkaihe/capfs/pkg/vfs"
)

// Mount serves root at mountpoint until the returned server is unmounted.
func Mount(mountpoint string, root vfs.Dir, opts Options) (*fuse.Server, error) {
	if opts.FsName == "" {
		opts.FsName = "capfs"
	}
	timeout := opts.Timeout

	server, err := fs.Mount(mountpoint, NewRoot(root), &fs.Options{
		MountOptions: fuse.MountOptions{
			AllowOther:        opts.AllowOther,
			FsName:            opts.FsName,
			Name:              "capfs",
			Debug:             opts.Debug,
			DirectMountStrict: opts.DirectMount,
		},
		AttrTimeout:     &timeout,
		EntryTimeout:    &timeout,
		NegativeTimeout: &[]time.Duration{0}[0],
	})
	if err != nil {
		return nil, errx.With(ErrMount, " %s: %w", mountpoint, err)
	}
	vfs.Logger().Info("fuse mounted", zap.String("mountpoint", mountpoint))
	return server, nil
}
