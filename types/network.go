package types

import "net"

// NetworkLease is the network identity assigned to one VM for its lifetime:
// an IP drawn from the shared pool, a TAP device enslaved to the host bridge,
// and the vsock CID derived from the IP. Exclusively owned by one VM record
// and returned to the pool on teardown.
type NetworkLease struct {
	IP        net.IP     `json:"ip"`
	Gateway   net.IP     `json:"gateway"`
	Netmask   net.IPMask `json:"netmask"`
	TapDevice string     `json:"tap_device"`
	Bridge    string     `json:"bridge"`
	GuestCID  uint32     `json:"guest_cid"`
}

// GuestIPBootArg renders the kernel ip= clause for static guest addressing.
// Format: ip=<client-ip>::<gw-ip>:<netmask>::<device>:<autoconf>
func (l *NetworkLease) GuestIPBootArg() string {
	return "ip=" + l.IP.String() + "::" + l.Gateway.String() + ":" +
		net.IP(l.Netmask).String() + "::eth0:off"
}
