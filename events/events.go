// Package events carries lifecycle, network, and exec events to an external
// sink for audit and timeline reconstruction. The contract is fire-and-forget:
// Emit never blocks and never fails a control-plane operation.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/projecteru2/core/log"
)

// Event is one structured control-plane occurrence.
type Event struct {
	Type     string         `json:"type"`     // e.g. "vm.state", "network.allocate", "exec.finished"
	Category string         `json:"category"` // "vm", "network", "exec"
	VMID     string         `json:"vm_id,omitempty"`
	Time     time.Time      `json:"time"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// Emitter receives events. Implementations must not block.
type Emitter interface {
	Emit(Event)
}

// Discard drops every event. Useful default for tests.
type Discard struct{}

func (Discard) Emit(Event) {}

// Sink buffers events and forwards them to a consumer goroutine.
// When the buffer is full the event is dropped; the control plane never
// waits on the sink.
type Sink struct {
	mu     sync.RWMutex
	ch     chan Event
	closed bool
}

// NewSink starts a Sink with the given buffer size that hands each event to
// forward. Close stops the consumer.
func NewSink(size int, forward func(Event)) *Sink {
	s := &Sink{ch: make(chan Event, size)}
	go func() {
		for ev := range s.ch {
			forward(ev)
		}
	}()
	return s
}

// Emit enqueues ev, dropping it if the buffer is full or the sink is closed.
func (s *Sink) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
	}
}

// Close stops the consumer goroutine. Events emitted after Close are dropped.
// Safe to call more than once.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// LogSink returns a Sink that writes events to the structured log.
func LogSink(size int) *Sink {
	logger := log.WithFunc("events")
	return NewSink(size, func(ev Event) {
		logger.Infof(context.TODO(), "%s vm=%s fields=%v", ev.Type, ev.VMID, ev.Fields)
	})
}
