package ble

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkonrad/blufi-setup/internal/blufi"
)

// WriteError reports a GATT write the transport rejected.
type WriteError struct {
	Device string
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("ble: write to %s failed: %v", e.Device, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Session is one live GATT connection to a BLUFI device: the command and
// response characteristics, the notification channel, and the per-session
// sequence counter. At most one Session per device is live at a time; the
// Manager enforces that.
type Session struct {
	device string
	conn   Connection
	cmd    Characteristic
	resp   Characteristic

	alive atomic.Bool

	// wmu serializes GATT operations. The transport permits one outstanding
	// operation per device; a concurrent write fails at the stack level.
	wmu sync.Mutex

	seqMu sync.Mutex
	seq   byte

	chanMu  sync.Mutex
	channel *NotificationChannel
}

func newSession(device string, conn Connection, cmd, resp Characteristic) *Session {
	s := &Session{device: device, conn: conn, cmd: cmd, resp: resp}
	s.alive.Store(true)
	return s
}

// Device returns the device identifier this session is bound to.
func (s *Session) Device() string { return s.device }

// Alive reports whether the transport link is still up.
func (s *Session) Alive() bool { return s.alive.Load() }

func (s *Session) markDead() { s.alive.Store(false) }

// NextSeq returns the current free-running sequence value and advances the
// counter, wrapping modulo 256.
func (s *Session) NextSeq() byte {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	v := s.seq
	s.seq++
	return v
}

// ResetSeq rewinds the counter to 0. Called exactly once per new session;
// Restart deliberately skips it.
func (s *Session) ResetSeq() {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	s.seq = 0
}

func (s *Session) seqValue() byte {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	return s.seq
}

// SetSeq forces the counter to v. Provisioning writes use protocol-fixed
// sequence numbers; callers realign the free-running counter afterward so
// follow-up frames carry the value the device expects.
func (s *Session) SetSeq(v byte) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	s.seq = v
}

// EnsureChannel returns the session's notification channel, subscribing to
// the response characteristic the first time. Idempotent: a second call
// returns the same channel. A duplicate subscription for one device is
// forbidden.
func (s *Session) EnsureChannel() (*NotificationChannel, error) {
	s.chanMu.Lock()
	defer s.chanMu.Unlock()
	if s.channel != nil {
		return s.channel, nil
	}
	ch := newNotificationChannel(s.device)
	if err := s.resp.Subscribe(ch.dispatch); err != nil {
		return nil, fmt.Errorf("ble: subscribe to responses from %s: %w", s.device, err)
	}
	s.channel = ch
	return ch, nil
}

// Channel returns the notification channel, or nil before EnsureChannel.
func (s *Session) Channel() *NotificationChannel {
	s.chanMu.Lock()
	defer s.chanMu.Unlock()
	return s.channel
}

// WriteFrame encodes and writes one checksummed frame to the command
// characteristic.
func (s *Session) WriteFrame(frameType, sequence byte, data []byte) error {
	raw, err := blufi.Encode(frameType, sequence, data)
	if err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.cmd.Write(raw); err != nil {
		return &WriteError{Device: s.device, Err: err}
	}
	return nil
}

// Poll reads the response characteristic once and feeds the value through
// the normal dispatch path. Fallback for devices that stall notifications
// mid-scan; duplicates are filtered downstream.
func (s *Session) Poll() error {
	s.wmu.Lock()
	raw, err := s.resp.Read()
	s.wmu.Unlock()
	if err != nil {
		return fmt.Errorf("ble: read response from %s: %w", s.device, err)
	}
	if len(raw) == 0 {
		return nil
	}
	ch := s.Channel()
	if ch != nil {
		ch.dispatch(raw)
	}
	return nil
}

func (s *Session) disconnect() {
	s.markDead()
	if s.conn != nil {
		_ = s.conn.Disconnect()
	}
}
