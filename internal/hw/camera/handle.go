package camera

import (
	"sync"

	"github.com/cjeanneret/camsession/internal/debug"
	"github.com/pkg/errors"
)

// HandleState is the lifecycle state of a Handle.
type HandleState int

const (
	HandleClosed HandleState = iota
	HandleOpening
	HandleOpen
	HandleError
)

func (s HandleState) String() string {
	switch s {
	case HandleOpening:
		return "opening"
	case HandleOpen:
		return "open"
	case HandleError:
		return "error"
	default:
		return "closed"
	}
}

// Handle owns the connection to one opened device. A Handle is single use:
// once closed (explicitly, by error or by disconnect) it never reopens, so
// callbacks from an earlier lineage can be recognized by their handle.
type Handle struct {
	id string

	mu       sync.Mutex
	state    HandleState
	device   Device
	notified bool
}

// NewHandle creates a closed handle for device id.
func NewHandle(id string) *Handle {
	return &Handle{id: id}
}

// ID returns the device id this handle targets.
func (h *Handle) ID() string { return h.id }

// State returns the current handle state.
func (h *Handle) State() HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Device returns the opened device, or nil unless the handle is open.
func (h *Handle) Device() Device {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != HandleOpen {
		return nil
	}
	return h.device
}

// Open asks the backend to open the device. cb is notified at most once with
// the outcome; a device that finishes opening after Close is closed again
// without notification.
func (h *Handle) Open(b Backend, cb DeviceCallbacks) error {
	h.mu.Lock()
	if h.state != HandleClosed || h.notified {
		h.mu.Unlock()
		return errors.Errorf("camera: handle %s is %s", h.id, h.state)
	}
	h.state = HandleOpening
	h.mu.Unlock()

	debug.Trace("Handle %s: opening", h.id)
	err := b.Open(h.id, DeviceCallbacks{
		OnOpened:       func(d Device) { h.onOpened(d, cb) },
		OnDisconnected: func(d Device) { h.onLost(d, nil, cb) },
		OnError:        func(d Device, err error) { h.onLost(d, err, cb) },
	})
	if err != nil {
		h.mu.Lock()
		h.state = HandleClosed
		h.notified = true
		h.mu.Unlock()
		return errors.Wrapf(err, "open %s", h.id)
	}
	return nil
}

func (h *Handle) onOpened(d Device, cb DeviceCallbacks) {
	h.mu.Lock()
	if h.state == HandleOpen && h.device == d {
		h.mu.Unlock()
		return
	}
	if h.state != HandleOpening {
		h.mu.Unlock()
		debug.Trace("Handle %s: late open after close, releasing device", h.id)
		_ = d.Close()
		return
	}
	h.state = HandleOpen
	h.device = d
	h.notified = true
	h.mu.Unlock()

	debug.Trace("Handle %s: opened", h.id)
	if cb.OnOpened != nil {
		cb.OnOpened(d)
	}
}

// onLost handles both disconnects (err == nil) and device errors.
func (h *Handle) onLost(d Device, err error, cb DeviceCallbacks) {
	h.mu.Lock()
	if h.state == HandleClosed || h.state == HandleError {
		h.mu.Unlock()
		return
	}
	if err != nil {
		h.state = HandleError
	} else {
		h.state = HandleClosed
	}
	h.device = nil
	h.notified = true
	h.mu.Unlock()

	if d != nil {
		_ = d.Close()
	}
	if err != nil {
		debug.Trace("Handle %s: device error: %v", h.id, err)
		if cb.OnError != nil {
			cb.OnError(d, err)
		}
		return
	}
	debug.Trace("Handle %s: disconnected", h.id)
	if cb.OnDisconnected != nil {
		cb.OnDisconnected(d)
	}
}

// Close releases the device. Closing a closed handle is a no-op.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.state == HandleClosed {
		h.mu.Unlock()
		return nil
	}
	d := h.device
	h.state = HandleClosed
	h.device = nil
	h.mu.Unlock()

	debug.Trace("Handle %s: closing", h.id)
	if d == nil {
		return nil
	}
	return d.Close()
}
