package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/projecteru2/core/log"
	"github.com/vishvananda/netlink"

	"github.com/anroOfCode/clawpot/config"
	"github.com/anroOfCode/clawpot/types"
)

// compile-time interface check.
var _ Provisioner = (*TapProvisioner)(nil)

// TapProvisioner implements Provisioner with kernel TAP devices enslaved to
// a host bridge. One mutex serializes all pool and device mutations.
type TapProvisioner struct {
	mu        sync.Mutex
	pool      *Allocator
	bridge    string
	tapPrefix string
}

// NewTapProvisioner builds a TapProvisioner over the configured subnet.
func NewTapProvisioner(conf *config.NetworkConfig) (*TapProvisioner, error) {
	pool, err := NewAllocator(conf.Subnet)
	if err != nil {
		return nil, err
	}
	return &TapProvisioner{
		pool:      pool,
		bridge:    conf.Bridge,
		tapPrefix: conf.TapPrefix,
	}, nil
}

// EnsureBridge creates the host bridge with the gateway address if it does
// not exist, and brings it up. Called once at startup; NAT/forwarding rules
// are host-setup concerns, not per-VM ones.
func (p *TapProvisioner) EnsureBridge(ctx context.Context) error {
	br, err := netlink.LinkByName(p.bridge)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("lookup bridge %s: %w", p.bridge, err)
		}
		b := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: p.bridge}}
		if err := netlink.LinkAdd(b); err != nil {
			return fmt.Errorf("create bridge %s: %w", p.bridge, err)
		}
		addr := &netlink.Addr{IPNet: &net.IPNet{IP: p.pool.Gateway(), Mask: p.pool.Mask()}}
		if err := netlink.AddrAdd(b, addr); err != nil {
			return fmt.Errorf("address bridge %s: %w", p.bridge, err)
		}
		br = b
		log.WithFunc("network.EnsureBridge").Infof(ctx, "created bridge %s gateway %s", p.bridge, p.pool.Gateway())
	}
	if err := netlink.LinkSetUp(br); err != nil {
		return fmt.Errorf("bring up bridge %s: %w", p.bridge, err)
	}
	return nil
}

// Allocate draws an IP, creates a TAP device named <prefix><host-offset>,
// enslaves it to the bridge, and brings it up. All acquired pieces are
// rolled back on any failure.
func (p *TapProvisioner) Allocate(ctx context.Context) (*types.NetworkLease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ip, err := p.pool.Allocate()
	if err != nil {
		return nil, err
	}

	offset := p.pool.Offset(ip)
	tapName := fmt.Sprintf("%s%d", p.tapPrefix, offset)

	if err := p.createTap(tapName); err != nil {
		_ = p.pool.Release(ip)
		return nil, err
	}

	lease := &types.NetworkLease{
		IP:        ip,
		Gateway:   p.pool.Gateway(),
		Netmask:   p.pool.Mask(),
		TapDevice: tapName,
		Bridge:    p.bridge,
		// Guest CIDs 0-2 are reserved; the host offset keeps the handle
		// unique for the lifetime of the lease, whatever the pool width.
		GuestCID: 3 + offset,
	}
	log.WithFunc("network.Allocate").Infof(ctx, "leased %s on %s", ip, tapName)
	return lease, nil
}

// Release deletes the TAP device and returns the IP to the pool. A device
// already removed externally counts as released.
func (p *TapProvisioner) Release(ctx context.Context, lease *types.NetworkLease) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := deleteTap(lease.TapDevice); err != nil {
		return fmt.Errorf("delete tap %s: %w", lease.TapDevice, err)
	}
	if err := p.pool.Release(lease.IP); err != nil {
		return fmt.Errorf("release %s: %w", lease.IP, err)
	}
	log.WithFunc("network.Release").Infof(ctx, "released %s from %s", lease.IP, lease.TapDevice)
	return nil
}

// createTap creates a TAP link, enslaves it to the bridge, and brings it up.
func (p *TapProvisioner) createTap(name string) error {
	tap := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		Mode:      netlink.TUNTAP_MODE_TAP,
		Flags:     netlink.TUNTAP_DEFAULTS,
	}
	if err := netlink.LinkAdd(tap); err != nil {
		return fmt.Errorf("create tap %s: %w", name, err)
	}
	br, err := netlink.LinkByName(p.bridge)
	if err != nil {
		_ = netlink.LinkDel(tap)
		return fmt.Errorf("lookup bridge %s: %w", p.bridge, err)
	}
	if err := netlink.LinkSetMaster(tap, br); err != nil {
		_ = netlink.LinkDel(tap)
		return fmt.Errorf("attach %s to %s: %w", name, p.bridge, err)
	}
	if err := netlink.LinkSetUp(tap); err != nil {
		_ = netlink.LinkDel(tap)
		return fmt.Errorf("bring up %s: %w", name, err)
	}
	return nil
}

// deleteTap removes the named link, treating "no such device" as success.
func deleteTap(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	return netlink.LinkDel(link)
}
