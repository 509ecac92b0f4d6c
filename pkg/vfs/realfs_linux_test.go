//go:build linux

package vfs

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func hostStatusFlags(t *testing.T, f *RealFile) int {
	t.Helper()

	var flags int
	require.NoError(t, withFd(f.f, func(fd uintptr) error {
		var err error
		flags, err = unix.FcntlInt(fd, unix.F_GETFL, 0)
		return err
	}))
	return flags
}

func TestRealFile_HostCallsKeepPollerMode(t *testing.T) {
	d, host := newRealDir(t)
	ctx := context.Background()
	require.NoError(t, unix.Mkfifo(filepath.Join(host, "fifo"), 0o600))

	// O_RDWR on a FIFO does not wait for a peer.
	res, err := d.OpenFile(ctx, "fifo", OpenOptions{Read: true, Write: true})
	require.NoError(t, err)
	defer res.Close()
	rf := res.File.(*RealFile)

	if hostStatusFlags(t, rf)&unix.O_NONBLOCK == 0 {
		t.Skip("runtime did not register the fifo with the poller")
	}

	_ = rf.Datasync(ctx)
	_ = rf.Advise(ctx, 0, 0, AdviceSequential)
	_, _ = rf.Pollable()
	assert.False(t, rf.IsATTY())
	require.NoError(t, rf.SetFdFlags(ctx, FdFlagsAppend))

	flags := hostStatusFlags(t, rf)
	assert.NotZero(t, flags&unix.O_NONBLOCK, "descriptor switched to blocking mode")
	assert.NotZero(t, flags&unix.O_APPEND)

	got, err := rf.GetFdFlags(ctx)
	require.NoError(t, err)
	assert.Equal(t, FdFlagsAppend, got)

	n, err := rf.WriteVectored(ctx, [][]byte{[]byte("ping")})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), n)
	require.NoError(t, rf.Readable(ctx))
}
