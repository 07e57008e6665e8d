package types

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGuestIPBootArg(t *testing.T) {
	lease := &NetworkLease{
		IP:      net.IPv4(192, 168, 100, 7).To4(),
		Gateway: net.IPv4(192, 168, 100, 1).To4(),
		Netmask: net.CIDRMask(24, 32),
	}
	assert.Equal(t, "ip=192.168.100.7::192.168.100.1:255.255.255.0::eth0:off", lease.GuestIPBootArg())
}
