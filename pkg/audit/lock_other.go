//go:build !unix

package audit

func withInitLock(lockPath string, fn func() error) error {
	return fn()
}
