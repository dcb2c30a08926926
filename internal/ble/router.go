package ble

import (
	"log/slog"
	"sync"

	"github.com/dkonrad/blufi-setup/internal/blufi"
)

// Role names a logical consumer of inbound frames. At most one handler per
// role is registered at a time; registering replaces, never stacks.
type Role string

const (
	RoleAck      Role = "ack"
	RoleWiFiScan Role = "wifiScan"
	RoleStatus   Role = "status"
)

// NotificationChannel is the single subscription to a device's response
// characteristic. Exactly one exists per live session; it dispatches each
// inbound frame to exactly one registered handler. The channel outlives the
// discovery and provisioning phases: re-subscribing mid-session opens a
// window where frames are silently dropped, so the session reuses it.
type NotificationChannel struct {
	device string

	mu       sync.RWMutex
	handlers map[Role]func(*blufi.Frame)

	// success buffers the WiFi-connected event so a caller that starts
	// waiting after the frame arrived still observes it.
	success chan struct{}
}

func newNotificationChannel(device string) *NotificationChannel {
	return &NotificationChannel{
		device:   device,
		handlers: make(map[Role]func(*blufi.Frame)),
		success:  make(chan struct{}, 1),
	}
}

// Register installs fn as the handler for role, replacing any previous one.
// Handlers must be registered before the write that triggers the response is
// issued; the device can answer faster than the caller reacts.
func (c *NotificationChannel) Register(role Role, fn func(*blufi.Frame)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[role] = fn
}

// Unregister removes the handler for role. Frames for that role are dropped
// afterward; the device-side operation, if any, keeps running.
func (c *NotificationChannel) Unregister(role Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, role)
}

// SuccessEvents exposes the WiFi-connected event. The channel holds at most
// one event; DrainSuccess clears stale ones before a new attempt.
func (c *NotificationChannel) SuccessEvents() <-chan struct{} {
	return c.success
}

// DrainSuccess discards a buffered success event left over from an earlier
// provisioning attempt.
func (c *NotificationChannel) DrainSuccess() {
	select {
	case <-c.success:
	default:
	}
}

func (c *NotificationChannel) handler(role Role) func(*blufi.Frame) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handlers[role]
}

// dispatch routes one raw notification. Priority order matters: acks and
// scan data interleave on the same characteristic, and an ack must never be
// mistaken for scan data or vice versa.
func (c *NotificationChannel) dispatch(raw []byte) {
	// A single-byte notification is a liveness marker, not a frame. It must
	// not reach the reassembler.
	if len(raw) == 1 {
		slog.Debug("[BLE] keep-alive", "device", c.device, "value", raw[0])
		return
	}

	f, err := blufi.Decode(raw)
	if err != nil {
		// The transport delivers spurious notifications; drop and continue.
		slog.Warn("[BLE] dropping malformed frame", "device", c.device, "error", err)
		return
	}

	switch f.Type {
	case blufi.TypeDataAck:
		if fn := c.handler(RoleAck); fn != nil {
			fn(f)
			return
		}
		if fn := c.handler(RoleStatus); fn != nil {
			fn(f)
			return
		}
		slog.Debug("[BLE] unconsumed ack", "device", c.device, "seq", f.Sequence)
	case blufi.TypeDataConnected:
		slog.Info("[BLE] device reports WiFi connected", "device", c.device)
		select {
		case c.success <- struct{}{}:
		default:
		}
	default:
		if fn := c.handler(RoleWiFiScan); fn != nil {
			fn(f)
			return
		}
		slog.Debug("[BLE] unrouted frame", "device", c.device, "type", f.Type)
	}
}
