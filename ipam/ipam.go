// Package ipam leases and releases virtual IPs from the server's
// configured subnet, the concrete "IPAddressPool" collaborator named
// in spec.md §4.9 ("owns an IPAddressPool that leases virtual IPs
// from its configured subnet; releases on session end").
package ipam

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
)

// Pool leases IPv4 addresses out of a single subnet, reserving the
// network and broadcast addresses plus a fixed gateway address (the
// first usable address, conventionally assigned to the server's own
// tunnel interface).
type Pool struct {
	mu        sync.Mutex
	subnet    *net.IPNet
	gateway   net.IP
	next      uint32
	last      uint32
	leased    map[uint32]bool
	available []uint32
}

// New builds a Pool over subnet. The subnet's first usable address is
// reserved as the gateway and never leased to a client.
func New(subnet *net.IPNet) (*Pool, error) {
	ones, bits := subnet.Mask.Size()
	if bits != 32 {
		return nil, fmt.Errorf("ipam: only IPv4 subnets are supported, got %d bits", bits)
	}
	if bits-ones < 2 {
		return nil, fmt.Errorf("ipam: subnet %s has no usable host addresses", subnet)
	}

	base := binary.BigEndian.Uint32(subnet.IP.To4())
	hostBits := uint32(bits - ones)
	broadcast := base | (1<<hostBits - 1)

	gatewayNum := base + 1
	p := &Pool{
		subnet:  subnet,
		gateway: numToIP(gatewayNum),
		next:    gatewayNum + 1,
		last:    broadcast - 1,
		leased:  make(map[uint32]bool),
	}
	return p, nil
}

// Gateway returns the reserved first-usable address of the subnet.
func (p *Pool) Gateway() net.IP { return p.gateway }

// Subnet returns the pool's backing subnet.
func (p *Pool) Subnet() *net.IPNet { return p.subnet }

// Lease returns the next available address, preferring a previously
// released one (LIFO, matching the teacher's recycle-before-grow
// pattern in its own resource pools) over growing the high-water mark.
func (p *Pool) Lease() (net.IP, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.available); n > 0 {
		addr := p.available[n-1]
		p.available = p.available[:n-1]
		p.leased[addr] = true
		return numToIP(addr), nil
	}

	if p.next > p.last {
		return nil, fmt.Errorf("ipam: subnet %s exhausted", p.subnet)
	}
	addr := p.next
	p.next++
	p.leased[addr] = true
	return numToIP(addr), nil
}

// Release returns ip to the pool so a future Lease can reuse it. A
// release of an address not currently leased is a no-op.
func (p *Pool) Release(ip net.IP) {
	v4 := ip.To4()
	if v4 == nil {
		return
	}
	addr := binary.BigEndian.Uint32(v4)

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.leased[addr] {
		return
	}
	delete(p.leased, addr)
	p.available = append(p.available, addr)
}

func numToIP(n uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, n)
	return ip
}
