package network

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Allocator hands out host addresses from one subnet. The network address,
// the gateway (first usable address), and the broadcast address are excluded;
// everything else is the pool. Allocation is round-robin from the last
// handed-out slot so addresses are not reused immediately after release.
//
// Allocator is not safe for concurrent use on its own; the Provisioner
// serializes access. It is a plain value so tests can construct independent
// pools.
type Allocator struct {
	base      uint32 // network address as u32
	gateway   net.IP
	mask      net.IPMask
	allocated []bool
	next      int
}

// NewAllocator builds an Allocator for the given IPv4 CIDR subnet.
// A /24 yields 253 allocatable addresses (.2 through .254).
func NewAllocator(cidr string) (*Allocator, error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("parse subnet %q: %w", cidr, err)
	}
	ip4 := ipnet.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("subnet %q is not IPv4", cidr)
	}
	ones, bits := ipnet.Mask.Size()
	if bits-ones < 3 {
		return nil, fmt.Errorf("subnet %q too small for a pool", cidr)
	}
	size := (1 << (bits - ones)) - 3 // minus network, gateway, broadcast

	base := binary.BigEndian.Uint32(ip4)
	gw := make(net.IP, 4)
	binary.BigEndian.PutUint32(gw, base+1)

	return &Allocator{
		base:      base,
		gateway:   gw,
		mask:      ipnet.Mask,
		allocated: make([]bool, size),
	}, nil
}

// Allocate returns the next free IP, or ErrPoolExhausted.
func (a *Allocator) Allocate() (net.IP, error) {
	for i := 0; i < len(a.allocated); i++ {
		idx := (a.next + i) % len(a.allocated)
		if a.allocated[idx] {
			continue
		}
		a.allocated[idx] = true
		a.next = (idx + 1) % len(a.allocated)

		ip := make(net.IP, 4)
		binary.BigEndian.PutUint32(ip, a.base+2+uint32(idx))
		return ip, nil
	}
	return nil, ErrPoolExhausted
}

// Release returns ip to the pool. Releasing an address outside the pool is
// an error; releasing a free address is a no-op.
func (a *Allocator) Release(ip net.IP) error {
	idx, err := a.index(ip)
	if err != nil {
		return err
	}
	a.allocated[idx] = false
	return nil
}

// Gateway returns the pool's gateway address.
func (a *Allocator) Gateway() net.IP { return a.gateway }

// Mask returns the subnet mask.
func (a *Allocator) Mask() net.IPMask { return a.mask }

// Offset returns ip's host part within the subnet. Unlike the last octet it
// stays unique across the whole pool for subnets wider than /24, so device
// names and CIDs derived from it never collide.
func (a *Allocator) Offset(ip net.IP) uint32 {
	return binary.BigEndian.Uint32(ip.To4()) - a.base
}

// Size returns the number of allocatable addresses.
func (a *Allocator) Size() int { return len(a.allocated) }

// Free returns the number of currently unallocated addresses.
func (a *Allocator) Free() int {
	n := 0
	for _, used := range a.allocated {
		if !used {
			n++
		}
	}
	return n
}

func (a *Allocator) index(ip net.IP) (int, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0, fmt.Errorf("address %s is not IPv4", ip)
	}
	v := binary.BigEndian.Uint32(ip4)
	if v < a.base+2 || v >= a.base+2+uint32(len(a.allocated)) {
		return 0, fmt.Errorf("address %s is outside the pool", ip)
	}
	return int(v - a.base - 2), nil
}
