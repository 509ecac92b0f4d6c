//go:build unix

package audit

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/jingkaihe/capfs/internal/errx"
)

// withInitLock serialises schema setup between processes sharing a database.
func withInitLock(lockPath string, fn func() error) error {
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return errx.Wrap(ErrOpenInitLock, err)
	}
	defer lockFile.Close()

	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX); err != nil {
		return errx.Wrap(ErrAcquireInitLock, err)
	}
	defer unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)

	return fn()
}
