package ble

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkonrad/blufi-setup/internal/blufi"
)

// ManagerOptions configures session lifecycle behavior.
type ManagerOptions struct {
	ConnectTimeout  time.Duration // per connection attempt
	RestartAttempts int           // reconnect attempts during Restart
	RestartBackoff  time.Duration // linear backoff unit between attempts
	SettleDelay     time.Duration // pause between disconnect and redial
}

// DefaultManagerOptions returns sensible defaults.
func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		ConnectTimeout:  10 * time.Second,
		RestartAttempts: 5,
		RestartBackoff:  time.Second,
		SettleDelay:     time.Second,
	}
}

// Manager owns the GATT sessions, one per device. The session cache and the
// in-flight-open bookkeeping live here rather than in package globals so a
// caller controls their lifetime.
type Manager struct {
	adapter Adapter
	opts    ManagerOptions

	mu       sync.Mutex
	sessions map[string]*Session
	opening  map[string]chan struct{}
}

// NewManager creates a session manager over the given adapter.
func NewManager(adapter Adapter, opts ManagerOptions) *Manager {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.RestartAttempts <= 0 {
		opts.RestartAttempts = 5
	}
	if opts.RestartBackoff <= 0 {
		opts.RestartBackoff = time.Second
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = time.Second
	}
	return &Manager{
		adapter:  adapter,
		opts:     opts,
		sessions: make(map[string]*Session),
		opening:  make(map[string]chan struct{}),
	}
}

// Open returns a live session for the device, establishing one if needed.
// Idempotent: a live cached session is reused, a dead one replaced, and a
// concurrent Open for the same device awaits the in-flight attempt instead
// of dialing a second time. The sequence counter starts at 0 on a fresh
// session.
func (m *Manager) Open(ctx context.Context, device string) (*Session, error) {
	for {
		m.mu.Lock()
		if s := m.sessions[device]; s != nil && s.Alive() {
			m.mu.Unlock()
			return s, nil
		}
		if wait, inflight := m.opening[device]; inflight {
			m.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		wait := make(chan struct{})
		m.opening[device] = wait
		m.mu.Unlock()

		s, err := m.dial(ctx, device)

		m.mu.Lock()
		delete(m.opening, device)
		close(wait)
		if err == nil {
			m.sessions[device] = s
		}
		m.mu.Unlock()

		if err != nil {
			return nil, &ConnectionError{Device: device, Err: err}
		}
		slog.Info("[BLE] session open", "device", device)
		return s, nil
	}
}

// dial establishes the transport link, discovers the BLUFI characteristics,
// and installs the notification channel.
func (m *Manager) dial(ctx context.Context, device string) (*Session, error) {
	if err := m.adapter.Enable(); err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()
	conn, err := m.adapter.Connect(dialCtx, device)
	if err != nil {
		return nil, err
	}

	// The disconnect callback must be in place before discovery starts: a
	// transport drop during setup has to reach the session once it exists,
	// or a dead link gets cached as alive.
	var sess atomic.Pointer[Session]
	var droppedEarly atomic.Bool
	conn.OnDisconnect(func() {
		slog.Warn("[BLE] transport disconnected", "device", device)
		droppedEarly.Store(true)
		if s := sess.Load(); s != nil {
			s.markDead()
		}
	})

	cmd, err := conn.DiscoverCharacteristic(ServiceUUID, CommandCharUUID)
	if err != nil {
		_ = conn.Disconnect()
		return nil, err
	}
	resp, err := conn.DiscoverCharacteristic(ServiceUUID, ResponseCharUUID)
	if err != nil {
		_ = conn.Disconnect()
		return nil, err
	}

	s := newSession(device, conn, cmd, resp)
	if _, err := s.EnsureChannel(); err != nil {
		_ = conn.Disconnect()
		return nil, err
	}
	s.ResetSeq()

	sess.Store(s)
	if droppedEarly.Load() {
		s.markDead()
	}

	return s, nil
}

// Close tears down the device's session, if any.
func (m *Manager) Close(device string) {
	m.mu.Lock()
	s := m.sessions[device]
	delete(m.sessions, device)
	m.mu.Unlock()
	if s != nil {
		s.disconnect()
		slog.Info("[BLE] session closed", "device", device)
	}
}

// CloseAll tears down every live session. Called on process shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for device, s := range sessions {
		s.disconnect()
		slog.Info("[BLE] session closed", "device", device)
	}
}

// Restart tears the session down and brings it back with linear backoff. It
// re-establishes the notification channel and performs a negotiate-frame
// handshake so the device realigns its frame expectations. The sequence
// counter is deliberately carried over, NOT reset: a mid-provisioning
// restart must preserve the sequence the device expects next.
func (m *Manager) Restart(ctx context.Context, device string) (*Session, error) {
	m.mu.Lock()
	old := m.sessions[device]
	delete(m.sessions, device)
	m.mu.Unlock()

	var seq byte
	if old != nil {
		seq = old.seqValue()
		old.disconnect()
	}

	select {
	case <-time.After(m.opts.SettleDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var lastErr error
	for attempt := 1; attempt <= m.opts.RestartAttempts; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(attempt-1) * m.opts.RestartBackoff
			slog.Info("[BLE] restart backoff", "device", device, "attempt", attempt, "delay", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		s, err := m.dial(ctx, device)
		if err != nil {
			slog.Warn("[BLE] restart dial failed", "device", device, "attempt", attempt, "error", err)
			lastErr = err
			continue
		}
		s.SetSeq(seq)

		if err := s.WriteFrame(blufi.TypeCtrlNegotiate, 0, nil); err != nil {
			slog.Warn("[BLE] restart handshake failed", "device", device, "attempt", attempt, "error", err)
			lastErr = err
			s.disconnect()
			continue
		}

		m.mu.Lock()
		m.sessions[device] = s
		m.mu.Unlock()
		slog.Info("[BLE] session restarted", "device", device, "attempt", attempt)
		return s, nil
	}
	return nil, &ConnectionError{Device: device, Err: lastErr}
}
