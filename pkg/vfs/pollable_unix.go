//go:build unix

package vfs

import "os"

// Pollable is a borrowed file descriptor. It stays valid only while the
// File that returned it is open.
type Pollable struct {
	Fd int
}

func pollableOf(f *os.File) (Pollable, bool) {
	var p Pollable
	if err := withFd(f, func(fd uintptr) error {
		p.Fd = int(fd)
		return nil
	}); err != nil {
		return Pollable{}, false
	}
	return p, true
}
