//go:build windows

package vfs

import (
	"os"

	"golang.org/x/sys/windows"
)

// Pollable is a borrowed handle, or a socket when Socket is set. It stays
// valid only while the File that returned it is open.
type Pollable struct {
	Handle windows.Handle
	Socket bool
}

func pollableOf(f *os.File) (Pollable, bool) {
	var p Pollable
	if err := withFd(f, func(fd uintptr) error {
		p.Handle = windows.Handle(fd)
		return nil
	}); err != nil {
		return Pollable{}, false
	}
	return p, true
}
