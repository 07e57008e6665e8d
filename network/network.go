// Package network gives each VM a private, host-routable identity: an IP
// from a bounded pool and a TAP device enslaved to the shared host bridge.
package network

import (
	"context"
	"errors"

	"github.com/anroOfCode/clawpot/types"
)

// ErrPoolExhausted is returned when no address is free in the pool.
var ErrPoolExhausted = errors.New("network address pool exhausted")

// Provisioner allocates and releases network leases. The pool and bridge are
// process-wide shared state; implementations serialize Allocate against
// Release so concurrent creates never double-allocate an IP.
type Provisioner interface {
	// Allocate draws the next free IP, creates the TAP device, and attaches
	// it to the bridge. Fails with ErrPoolExhausted when the pool is empty.
	Allocate(ctx context.Context) (*types.NetworkLease, error)

	// Release detaches and deletes the TAP device and returns the IP to the
	// pool. An interface already removed externally is treated as released.
	Release(ctx context.Context, lease *types.NetworkLease) error
}
