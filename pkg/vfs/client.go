package vfs

import (
	"errors"
	"net"
	"sync"
	"syscall"
)

const clientChunkSize = 64 * 1024

// Client speaks the VFSServer protocol over a single connection. Calls are
// serialised.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn}
}

// DialUDS connects to a VFSServer listening on a Unix domain socket.
func DialUDS(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends req and waits for its response. A non-zero errno in the
// response is returned as a syscall.Errno.
func (c *Client) Call(req *VFSRequest) (*VFSResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := writeFrame(c.conn, req); err != nil {
		return nil, err
	}
	var resp VFSResponse
	if err := readFrame(c.conn, &resp); err != nil {
		return nil, err
	}
	if resp.Err != 0 {
		return &resp, syscall.Errno(-resp.Err)
	}
	return &resp, nil
}

func (c *Client) Stat(path string) (*VFSStat, error) {
	resp, err := c.Call(&VFSRequest{Op: OpGetattr, Path: path, Flags: FlagFollow})
	if err != nil {
		return nil, err
	}
	return resp.Stat, nil
}

func (c *Client) Lstat(path string) (*VFSStat, error) {
	resp, err := c.Call(&VFSRequest{Op: OpLookup, Path: path})
	if err != nil {
		return nil, err
	}
	return resp.Stat, nil
}

// ReadDir pages through the directory at path until it is exhausted.
func (c *Client) ReadDir(path string) ([]VFSDirEntry, error) {
	var out []VFSDirEntry
	var cursor ReaddirCursor
	for {
		resp, err := c.Call(&VFSRequest{Op: OpReaddir, Path: path, Offset: uint64(cursor), Size: 256})
		if err != nil {
			return out, err
		}
		if len(resp.Entries) == 0 {
			return out, nil
		}
		out = append(out, resp.Entries...)
		cursor = resp.Entries[len(resp.Entries)-1].Next
	}
}

func (c *Client) Open(path string, flags uint32) (uint64, error) {
	resp, err := c.Call(&VFSRequest{Op: OpOpen, Path: path, Flags: flags})
	if err != nil {
		return 0, err
	}
	return resp.Handle, nil
}

func (c *Client) Release(fh uint64) error {
	_, err := c.Call(&VFSRequest{Op: OpRelease, Handle: fh})
	return err
}

func (c *Client) ReadFile(path string) ([]byte, error) {
	fh, err := c.Open(path, FlagRead|FlagFollow)
	if err != nil {
		return nil, err
	}
	defer c.Release(fh)

	var out []byte
	for {
		resp, err := c.Call(&VFSRequest{Op: OpRead, Handle: fh, Offset: uint64(len(out)), Size: clientChunkSize})
		if err != nil {
			return out, err
		}
		if len(resp.Data) == 0 {
			return out, nil
		}
		out = append(out, resp.Data...)
	}
}

func (c *Client) WriteFile(path string, data []byte) error {
	resp, err := c.Call(&VFSRequest{Op: OpCreate, Path: path, Flags: FlagWrite | FlagTruncate | FlagFollow})
	if err != nil {
		return err
	}
	fh := resp.Handle
	defer c.Release(fh)

	for off := 0; off < len(data); off += clientChunkSize {
		end := min(off+clientChunkSize, len(data))
		if _, err := c.Call(&VFSRequest{Op: OpWrite, Handle: fh, Offset: uint64(off), Data: data[off:end]}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) Mkdir(path string) error {
	_, err := c.Call(&VFSRequest{Op: OpMkdir, Path: path})
	return err
}

func (c *Client) MkdirAll(path string) error {
	_, err := c.Call(&VFSRequest{Op: OpMkdirAll, Path: path})
	return err
}

// Remove unlinks a file or removes an empty directory.
func (c *Client) Remove(path string) error {
	_, err := c.Call(&VFSRequest{Op: OpUnlink, Path: path})
	if errors.Is(err, syscall.EISDIR) {
		_, err = c.Call(&VFSRequest{Op: OpRmdir, Path: path})
	}
	return err
}

func (c *Client) Rename(oldPath, newPath string) error {
	_, err := c.Call(&VFSRequest{Op: OpRename, Path: oldPath, NewPath: newPath})
	return err
}

func (c *Client) Symlink(target, link string) error {
	_, err := c.Call(&VFSRequest{Op: OpSymlink, Path: link, NewPath: target})
	return err
}

func (c *Client) Readlink(path string) (string, error) {
	resp, err := c.Call(&VFSRequest{Op: OpReadlink, Path: path})
	if err != nil {
		return "", err
	}
	return string(resp.Data), nil
}
