//go:build !unix && !windows

package vfs

import "os"

// Pollable has no representation on this platform; files report none.
type Pollable struct{}

func pollableOf(f *os.File) (Pollable, bool) {
	return Pollable{}, false
}
