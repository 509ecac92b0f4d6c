// Package vsock carries the capfs wire protocol over AF_VSOCK so a VM guest
// can reach a server on its host without a network.
package vsock

import "fmt"

const (
	// CIDAny accepts connections from any CID
	CIDAny = 0xFFFFFFFF
	// CIDHypervisor is the hypervisor (the host from a guest's perspective)
	CIDHypervisor = 0
	// CIDLocal is local loopback communication
	CIDLocal = 1
	// CIDHost is the host
	CIDHost = 2

	// PortAny lets the kernel pick a free port
	PortAny = 0xFFFFFFFF
)

// Addr is a vsock address.
type Addr struct {
	CID  uint32
	Port uint32
}

func (a *Addr) Network() string { return "vsock" }
func (a *Addr) String() string  { return fmt.Sprintf("vsock:%d:%d", a.CID, a.Port) }
