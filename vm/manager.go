// Package vm implements the microVM lifecycle: an in-memory registry of VM
// records, a state machine guarding every transition, and the orchestration
// of network, hypervisor, and guest-agent resources per VM.
//
// Concurrency model: each record carries a lifecycle lock (serialises create
// and delete) and a separate exec lock (serialises guest commands). The
// delete path acquires the lifecycle lock first and the exec lock second, so
// teardown drains any in-flight exec before the transport disappears.
package vm

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/projecteru2/core/log"
	"golang.org/x/sync/errgroup"

	"github.com/anroOfCode/clawpot/agent"
	"github.com/anroOfCode/clawpot/config"
	"github.com/anroOfCode/clawpot/events"
	"github.com/anroOfCode/clawpot/hypervisor"
	"github.com/anroOfCode/clawpot/lock/flock"
	"github.com/anroOfCode/clawpot/lock/memory"
	"github.com/anroOfCode/clawpot/network"
	"github.com/anroOfCode/clawpot/types"
	"github.com/anroOfCode/clawpot/utils"
)

// agentClient is the guest-side command transport for one VM.
type agentClient interface {
	Exec(ctx context.Context, command string, args []string, timeout time.Duration) (*types.ExecResult, error)
	Ping(ctx context.Context) error
}

// agentDialer builds a client for the vsock UDS of one VM.
type agentDialer func(udsPath string, port uint32) agentClient

// Manager owns every VM on this host.
type Manager struct {
	conf    *config.Config
	driver  hypervisor.Driver
	network network.Provisioner
	emitter events.Emitter
	dial    agentDialer

	// guard is the cross-process instance lock on the run dir. Two managers
	// sharing a bridge and address pool would double-allocate.
	guard *flock.Lock

	mu  sync.RWMutex
	vms map[string]*record
}

// record is the mutable per-VM state. info is snapshotted under mu; the
// lifecycle and exec locks serialise the operations that mutate it.
type record struct {
	lifecycle *memory.Mutex
	execLock  *memory.Mutex

	mu    sync.Mutex
	info  types.VMInfo
	lease *types.NetworkLease
	inst  *hypervisor.Instance
}

// NewManager acquires the instance lock and returns a Manager ready for use.
// The caller is expected to have provisioned the bridge already.
func NewManager(conf *config.Config, driver hypervisor.Driver, prov network.Provisioner, emitter events.Emitter) (*Manager, error) {
	if emitter == nil {
		emitter = events.Discard{}
	}
	if err := utils.EnsureDirs(conf.RunDir); err != nil {
		return nil, err
	}

	guard := flock.New(conf.InstanceLock())
	ok, err := guard.TryLock(context.TODO())
	if err != nil {
		return nil, fmt.Errorf("acquire instance lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("another instance is already running (lock %s held)", conf.InstanceLock())
	}

	return &Manager{
		conf:    conf,
		driver:  driver,
		network: prov,
		emitter: emitter,
		guard:   guard,
		dial: func(udsPath string, port uint32) agentClient {
			return agent.NewClient(udsPath, port)
		},
		vms: map[string]*record{},
	}, nil
}

// Get returns a snapshot of one VM record.
func (m *Manager) Get(id string) (*types.VMInfo, error) {
	r, ok := m.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	info := r.snapshot()
	return &info, nil
}

// List returns snapshots of all VM records, oldest first.
func (m *Manager) List() []types.VMInfo {
	m.mu.RLock()
	records := make([]*record, 0, len(m.vms))
	for _, r := range m.vms {
		records = append(records, r)
	}
	m.mu.RUnlock()

	infos := make([]types.VMInfo, 0, len(records))
	for _, r := range records {
		infos = append(infos, r.snapshot())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Status asks the hypervisor for its own view of the instance. Used for
// health checks outside the lifecycle paths.
func (m *Manager) Status(ctx context.Context, id string) (*hypervisor.Status, error) {
	r, ok := m.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	inst := r.instance()
	if inst == nil {
		return nil, fmt.Errorf("%w: %s", ErrVMNotRunning, id)
	}
	return m.driver.QueryStatus(ctx, inst)
}

// Close deletes every VM and releases the instance lock. Deletes run
// concurrently, bounded by the configured pool size.
func (m *Manager) Close(ctx context.Context) error {
	logger := log.WithFunc("vm.Close")

	pool := errgroup.Group{}
	pool.SetLimit(m.conf.PoolSize)
	for _, info := range m.List() {
		id := info.ID
		pool.Go(func() error {
			if err := m.Delete(ctx, id); err != nil {
				logger.Errorf(ctx, err, "delete %s during shutdown", id)
			}
			return nil
		})
	}
	_ = pool.Wait()

	return m.guard.Unlock(ctx)
}

func (m *Manager) lookup(id string) (*record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.vms[id]
	return r, ok
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.vms, id)
	m.mu.Unlock()
}

// setState performs a validated lifecycle transition and emits the event.
func (m *Manager) setState(ctx context.Context, r *record, to types.VMState) error {
	r.mu.Lock()
	from := r.info.State
	next, err := types.Transition(from, to)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	now := time.Now()
	r.info.State = next
	r.info.UpdatedAt = now
	switch next {
	case types.VMStateRunning:
		r.info.StartedAt = &now
	case types.VMStateStopped:
		r.info.StoppedAt = &now
	}
	id := r.info.ID
	r.mu.Unlock()

	log.WithFunc("vm.setState").Debugf(ctx, "%s: %s → %s", id, from, next)
	m.emit("vm.state", "vm", id, map[string]any{"from": string(from), "to": string(next)})
	return nil
}

func (m *Manager) emit(typ, category, vmID string, fields map[string]any) {
	m.emitter.Emit(events.Event{
		Type:     typ,
		Category: category,
		VMID:     vmID,
		Time:     time.Now(),
		Fields:   fields,
	})
}

func (r *record) snapshot() types.VMInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info
}

func (r *record) state() types.VMState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info.State
}

func (r *record) instance() *hypervisor.Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inst
}

// runtime returns the resources currently held, for teardown.
func (r *record) runtime() (pid int, inst *hypervisor.Instance, lease *types.NetworkLease) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info.PID, r.inst, r.lease
}

// setRuntime records acquired resources so teardown can find them.
func (r *record) setLease(lease *types.NetworkLease) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lease = lease
	r.info.IP = lease.IP.String()
	r.info.TapDevice = lease.TapDevice
	r.info.GuestCID = lease.GuestCID
}

func (r *record) setInstance(inst *hypervisor.Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inst = inst
	r.info.SocketPath = inst.SocketPath
}

func (r *record) setPID(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.info.PID = pid
}

// clearRuntime drops released resources from the record so a retried
// teardown is a no-op and snapshots stop advertising dead handles.
func (r *record) clearRuntime() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lease = nil
	r.inst = nil
	r.info.PID = 0
	r.info.SocketPath = ""
	r.info.IP = ""
	r.info.TapDevice = ""
	r.info.GuestCID = 0
}
