package types

import (
	"fmt"
	"time"
)

// VMState represents the lifecycle state of a microVM.
type VMState string

const (
	VMStateNotStarted VMState = "not-started" // record registered, nothing acquired yet
	VMStateStarting   VMState = "starting"    // network + firecracker bring-up in progress
	VMStateRunning    VMState = "running"     // guest is up, exec is allowed
	VMStateStopping   VMState = "stopping"    // teardown in progress
	VMStateStopped    VMState = "stopped"     // process reaped, resources released
	VMStateError      VMState = "error"       // bring-up or teardown failed; delete is the only way out
)

// validTransitions lists the legal edges of the lifecycle state machine.
// Error is reachable from every transient state but is terminal otherwise:
// there is no Error → Running recovery, a failed VM must be deleted.
var validTransitions = map[VMState][]VMState{
	VMStateNotStarted: {VMStateStarting, VMStateError},
	VMStateStarting:   {VMStateRunning, VMStateStopping, VMStateError},
	VMStateRunning:    {VMStateStopping, VMStateError},
	VMStateStopping:   {VMStateStopped, VMStateError},
	VMStateStopped:    {},
	VMStateError:      {VMStateStopping},
}

// CanTransition reports whether from → to is a legal lifecycle edge.
func CanTransition(from, to VMState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates from → to and returns the new state.
func Transition(from, to VMState) (VMState, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("illegal state transition %s → %s", from, to)
	}
	return to, nil
}

// VMConfig describes the resources requested for a new VM.
// Immutable after creation.
type VMConfig struct {
	VCPUs     int   `json:"vcpus"`
	MemoryMiB int64 `json:"memory_mib"`
}

// VMInfo is a read-only snapshot of a VM record. Runtime fields are
// populated only while the VM holds the corresponding resource.
type VMInfo struct {
	ID     string   `json:"id"`
	State  VMState  `json:"state"`
	Config VMConfig `json:"config"`

	PID        int    `json:"pid,omitempty"`
	SocketPath string `json:"socket_path,omitempty"` // firecracker API Unix socket
	IP         string `json:"ip,omitempty"`
	TapDevice  string `json:"tap_device,omitempty"`
	GuestCID   uint32 `json:"guest_cid,omitempty"` // valid only while State == running

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
}
