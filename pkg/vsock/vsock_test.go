//go:build linux

package vsock

import (
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/capfs/pkg/vfs"
)

func listenLoopback(t *testing.T) *Listener {
	t.Helper()
	l, err := ListenCID(CIDLocal, PortAny)
	if err != nil {
		t.Skipf("vsock loopback unavailable: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAddr(t *testing.T) {
	a := &Addr{CID: CIDHost, Port: 5000}
	assert.Equal(t, "vsock", a.Network())
	assert.Equal(t, "vsock:2:5000", a.String())
}

func TestListener_CloseUnblocksAccept(t *testing.T) {
	l := listenLoopback(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := l.Accept()
		errCh <- err
	}()
	require.NoError(t, l.Close())
	assert.ErrorIs(t, <-errCh, net.ErrClosed)
}

func TestVFSServerOverVsock(t *testing.T) {
	l := listenLoopback(t)

	root := vfs.NewMemoryDir()
	require.NoError(t, root.MkdirAll("data"))
	require.NoError(t, root.WriteFile("data/report.txt", []byte("quarterly")))
	server := vfs.NewVFSServer(vfs.NewReadonlyDir(root))
	done := make(chan error, 1)
	go func() { done <- server.Serve(l) }()

	addr := l.Addr().(*Addr)
	conn, err := Dial(CIDLocal, addr.Port)
	require.NoError(t, err)
	client := vfs.NewClient(conn)

	data, err := client.ReadFile("/data/report.txt")
	require.NoError(t, err)
	assert.Equal(t, "quarterly", string(data))

	err = client.WriteFile("/data/report.txt", []byte("tampered"))
	assert.ErrorIs(t, err, syscall.EPERM)

	got, err := root.ReadFile("data/report.txt")
	require.NoError(t, err)
	assert.Equal(t, "quarterly", string(got))

	require.NoError(t, client.Close())
	require.NoError(t, l.Close())
	assert.ErrorIs(t, <-done, vfs.ErrServerClosed)
}

func TestDial_NoListener(t *testing.T) {
	l := listenLoopback(t)
	port := l.Addr().(*Addr).Port
	require.NoError(t, l.Close())

	_, err := Dial(CIDLocal, port)
	require.ErrorIs(t, err, ErrConnect)
}
