package vm

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/anroOfCode/clawpot/hypervisor"
	"github.com/anroOfCode/clawpot/network"
	"github.com/anroOfCode/clawpot/types"
)

// fakeDriver implements hypervisor.Driver without spawning processes.
// failAt names the method that should fail, using the bring-up phase names.
type fakeDriver struct {
	mu         sync.Mutex
	failAt     string
	nextPID    int
	spawned    []string
	terminated []int
	cleaned    []string
}

func (d *fakeDriver) Spawn(_ context.Context, inst *hypervisor.Instance) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failAt == "spawn" {
		return 0, fmt.Errorf("%w: exec firecracker: no such file", hypervisor.ErrSpawnFailed)
	}
	d.nextPID++
	d.spawned = append(d.spawned, inst.ID)
	return 40000 + d.nextPID, nil
}

func (d *fakeDriver) AwaitSocketReady(_ context.Context, inst *hypervisor.Instance, _ int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failAt == "await-socket" {
		return fmt.Errorf("%w: %s", hypervisor.ErrSocketTimeout, inst.SocketPath)
	}
	return nil
}

func (d *fakeDriver) Configure(_ context.Context, _ *hypervisor.Instance) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failAt == "configure" {
		return fmt.Errorf("%w: machine-config: boom", hypervisor.ErrConfigurationRejected)
	}
	return nil
}

func (d *fakeDriver) StartInstance(_ context.Context, _ *hypervisor.Instance) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failAt == "start-instance" {
		return fmt.Errorf("%w: boom", hypervisor.ErrInstanceStartFailed)
	}
	return nil
}

func (d *fakeDriver) Terminate(_ context.Context, _ *hypervisor.Instance, pid int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.terminated = append(d.terminated, pid)
	return nil
}

func (d *fakeDriver) QueryStatus(_ context.Context, inst *hypervisor.Instance) (*hypervisor.Status, error) {
	return &hypervisor.Status{ID: inst.ID, State: "Running", Version: "test"}, nil
}

func (d *fakeDriver) CleanupFiles(inst *hypervisor.Instance) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleaned = append(d.cleaned, inst.ID)
}

func (d *fakeDriver) terminatedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.terminated)
}

// fakeProvisioner hands out leases from a bounded counter without touching
// netlink.
type fakeProvisioner struct {
	mu       sync.Mutex
	capacity int
	leased   map[string]bool
	next     int
}

func newFakeProvisioner(capacity int) *fakeProvisioner {
	return &fakeProvisioner{capacity: capacity, leased: map[string]bool{}}
}

func (p *fakeProvisioner) Allocate(_ context.Context) (*types.NetworkLease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.leased) >= p.capacity {
		return nil, network.ErrPoolExhausted
	}
	p.next++
	octet := 1 + p.next
	ip := net.IPv4(192, 168, 100, byte(octet)).To4()
	p.leased[ip.String()] = true
	return &types.NetworkLease{
		IP:        ip,
		Gateway:   net.IPv4(192, 168, 100, 1).To4(),
		Netmask:   net.CIDRMask(24, 32),
		TapDevice: fmt.Sprintf("cp-tap%d", octet),
		Bridge:    "clawpot0",
		GuestCID:  uint32(3 + octet),
	}, nil
}

func (p *fakeProvisioner) Release(_ context.Context, lease *types.NetworkLease) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.leased[lease.IP.String()] {
		return fmt.Errorf("lease %s not allocated", lease.IP)
	}
	delete(p.leased, lease.IP.String())
	return nil
}

func (p *fakeProvisioner) active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leased)
}

// fakeAgent is an in-memory agentClient. block, when non-nil, stalls Exec
// until the channel is closed.
type fakeAgent struct {
	result  *types.ExecResult
	err     error
	block   chan struct{}
	entered chan struct{}
}

func (a *fakeAgent) Exec(ctx context.Context, _ string, _ []string, _ time.Duration) (*types.ExecResult, error) {
	if a.entered != nil {
		close(a.entered)
		a.entered = nil
	}
	if a.block != nil {
		select {
		case <-a.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if a.err != nil {
		return nil, a.err
	}
	return a.result, nil
}

func (a *fakeAgent) Ping(context.Context) error { return a.err }
