package ble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkonrad/blufi-setup/internal/blufi"
)

const testDevice = "AA:BB:CC:DD:EE:FF"

func fastOpts() ManagerOptions {
	return ManagerOptions{
		ConnectTimeout:  time.Second,
		RestartAttempts: 5,
		RestartBackoff:  time.Millisecond,
		SettleDelay:     time.Millisecond,
	}
}

func TestOpenReusesLiveSession(t *testing.T) {
	adapter := newMockAdapter(nil)
	m := NewManager(adapter, fastOpts())

	s1, err := m.Open(context.Background(), testDevice)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	s2, err := m.Open(context.Background(), testDevice)
	if err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	if s1 != s2 {
		t.Error("second Open() returned a different session for a live link")
	}
	if got := adapter.connectCount(); got != 1 {
		t.Errorf("adapter dialed %d times, want 1", got)
	}
}

func TestOpenReplacesDeadSession(t *testing.T) {
	adapter := newMockAdapter(nil)
	m := NewManager(adapter, fastOpts())

	s1, err := m.Open(context.Background(), testDevice)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	adapter.latestConnection().SimulateDisconnect()
	if s1.Alive() {
		t.Fatal("session should be dead after transport disconnect")
	}

	s2, err := m.Open(context.Background(), testDevice)
	if err != nil {
		t.Fatalf("Open() after disconnect error = %v", err)
	}
	if s1 == s2 {
		t.Error("Open() returned the dead session instead of replacing it")
	}
	if got := adapter.connectCount(); got != 2 {
		t.Errorf("adapter dialed %d times, want 2", got)
	}
}

// dropDuringDiscoveryConn drops the transport while characteristics are
// still being discovered, before the session object exists.
type dropDuringDiscoveryConn struct {
	*mockConnection
}

func (c *dropDuringDiscoveryConn) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	char, err := c.mockConnection.DiscoverCharacteristic(serviceUUID, charUUID)
	if charUUID == ResponseCharUUID {
		c.SimulateDisconnect()
	}
	return char, err
}

type dropDuringDiscoveryAdapter struct {
	*mockAdapter
}

func (a *dropDuringDiscoveryAdapter) Connect(ctx context.Context, addr string) (Connection, error) {
	conn, err := a.mockAdapter.Connect(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &dropDuringDiscoveryConn{conn.(*mockConnection)}, nil
}

func TestOpenMarksSessionDeadOnDropDuringDial(t *testing.T) {
	adapter := &dropDuringDiscoveryAdapter{newMockAdapter(nil)}
	m := NewManager(adapter, fastOpts())

	s, err := m.Open(context.Background(), testDevice)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if s.Alive() {
		t.Fatal("session should be dead when the transport dropped during dial")
	}

	// The dead session must not be served to the next caller.
	s2, err := m.Open(context.Background(), testDevice)
	if err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	if s2 == s {
		t.Error("Open() served the session that died during its own dial")
	}
	if got := adapter.connectCount(); got != 2 {
		t.Errorf("adapter dialed %d times, want 2", got)
	}
}

func TestOpenConcurrentCallsShareOneDial(t *testing.T) {
	adapter := newMockAdapter(nil)
	gate := make(chan struct{})
	adapter.connectGate = gate
	m := NewManager(adapter, fastOpts())

	const callers = 8
	sessions := make([]*Session, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.Open(context.Background(), testDevice)
			if err != nil {
				t.Errorf("Open() error = %v", err)
				return
			}
			sessions[i] = s
		}(i)
	}

	// Let the callers pile up on the in-flight open, then release the dial.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	if got := adapter.connectCount(); got != 1 {
		t.Errorf("adapter dialed %d times for %d concurrent opens, want 1", got, callers)
	}
	for i := 1; i < callers; i++ {
		if sessions[i] != sessions[0] {
			t.Fatalf("caller %d got a different session", i)
		}
	}
}

func TestOpenConnectionError(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.failConnects = 1
	m := NewManager(adapter, fastOpts())

	_, err := m.Open(context.Background(), testDevice)
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("Open() error = %v, want *ConnectionError", err)
	}
	if connErr.Device != testDevice {
		t.Errorf("ConnectionError.Device = %q, want %q", connErr.Device, testDevice)
	}
}

func TestSequenceResetsOnOpen(t *testing.T) {
	adapter := newMockAdapter(nil)
	m := NewManager(adapter, fastOpts())

	s, err := m.Open(context.Background(), testDevice)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got := s.NextSeq(); got != 0 {
		t.Errorf("first NextSeq() = %d, want 0", got)
	}
	if got := s.NextSeq(); got != 1 {
		t.Errorf("second NextSeq() = %d, want 1", got)
	}
}

func TestSequenceWrapsModulo256(t *testing.T) {
	s := newSession(testDevice, newMockConnection(), &mockCharacteristic{}, &mockCharacteristic{})
	s.SetSeq(255)
	if got := s.NextSeq(); got != 255 {
		t.Fatalf("NextSeq() = %d, want 255", got)
	}
	if got := s.NextSeq(); got != 0 {
		t.Errorf("NextSeq() after 255 = %d, want 0 (wrap)", got)
	}
}

func TestRestartPreservesSequence(t *testing.T) {
	adapter := newMockAdapter(nil)
	m := NewManager(adapter, fastOpts())

	s, err := m.Open(context.Background(), testDevice)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	// Burn the scan-phase sequences 0..2.
	s.NextSeq()
	s.NextSeq()
	s.NextSeq()

	s2, err := m.Restart(context.Background(), testDevice)
	if err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	if got := s2.NextSeq(); got != 3 {
		t.Errorf("NextSeq() after restart = %d, want 3 (counter preserved)", got)
	}
}

func TestRestartSendsHandshake(t *testing.T) {
	adapter := newMockAdapter(nil)
	m := NewManager(adapter, fastOpts())

	if _, err := m.Open(context.Background(), testDevice); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := m.Restart(context.Background(), testDevice); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}

	conn := adapter.latestConnection()
	if got := conn.cmdChar.writeCount(); got != 1 {
		t.Fatalf("restart wrote %d frames, want 1 handshake", got)
	}
	f, err := blufi.Decode(conn.cmdChar.writes[0])
	if err != nil {
		t.Fatalf("handshake frame did not decode: %v", err)
	}
	if f.Type != blufi.TypeCtrlNegotiate {
		t.Errorf("handshake type = %#x, want %#x", f.Type, blufi.TypeCtrlNegotiate)
	}
}

func TestRestartRetriesWithBackoffThenFails(t *testing.T) {
	adapter := newMockAdapter(nil)
	m := NewManager(adapter, fastOpts())

	if _, err := m.Open(context.Background(), testDevice); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	adapter.mu.Lock()
	adapter.failConnects = 100 // never recovers
	adapter.mu.Unlock()

	_, err := m.Restart(context.Background(), testDevice)
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("Restart() error = %v, want *ConnectionError", err)
	}
	if connErr.Unwrap() == nil {
		t.Error("ConnectionError should wrap the last dial failure")
	}

	adapter.mu.Lock()
	attempted := 100 - adapter.failConnects
	adapter.mu.Unlock()
	if attempted != 5 {
		t.Errorf("restart attempted %d dials, want 5", attempted)
	}
}

func TestRestartRecoversAfterTransientFailures(t *testing.T) {
	adapter := newMockAdapter(nil)
	m := NewManager(adapter, fastOpts())

	if _, err := m.Open(context.Background(), testDevice); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	adapter.mu.Lock()
	adapter.failConnects = 3
	adapter.mu.Unlock()

	s, err := m.Restart(context.Background(), testDevice)
	if err != nil {
		t.Fatalf("Restart() error = %v, want success on 4th attempt", err)
	}
	if !s.Alive() {
		t.Error("restarted session should be alive")
	}
}

func TestCloseTearsDownSession(t *testing.T) {
	adapter := newMockAdapter(nil)
	m := NewManager(adapter, fastOpts())

	s, err := m.Open(context.Background(), testDevice)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	m.Close(testDevice)
	if s.Alive() {
		t.Error("session should be dead after Close()")
	}
	conn := adapter.latestConnection()
	conn.mu.Lock()
	disconnected := conn.disconnected
	conn.mu.Unlock()
	if !disconnected {
		t.Error("Close() should disconnect the transport")
	}
}

func TestCloseAllTearsDownEverySession(t *testing.T) {
	adapter := newMockAdapter(nil)
	m := NewManager(adapter, fastOpts())

	s1, err := m.Open(context.Background(), testDevice)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	s2, err := m.Open(context.Background(), "11:22:33:44:55:66")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	m.CloseAll()
	if s1.Alive() || s2.Alive() {
		t.Error("all sessions should be dead after CloseAll()")
	}

	// A fresh Open dials again rather than reusing torn-down state.
	before := adapter.connectCount()
	if _, err := m.Open(context.Background(), testDevice); err != nil {
		t.Fatalf("Open() after CloseAll() error = %v", err)
	}
	if adapter.connectCount() != before+1 {
		t.Error("Open() after CloseAll() should dial a new connection")
	}
}

func TestEnsureChannelIdempotent(t *testing.T) {
	adapter := newMockAdapter(nil)
	m := NewManager(adapter, fastOpts())

	s, err := m.Open(context.Background(), testDevice)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	ch1, err := s.EnsureChannel()
	if err != nil {
		t.Fatalf("EnsureChannel() error = %v", err)
	}
	ch2, err := s.EnsureChannel()
	if err != nil {
		t.Fatalf("EnsureChannel() error = %v", err)
	}
	if ch1 != ch2 {
		t.Error("EnsureChannel() returned a new channel for a live session")
	}

	resp := adapter.latestConnection().respChar
	resp.mu.Lock()
	subs := resp.subscribes
	resp.mu.Unlock()
	if subs != 1 {
		t.Errorf("response characteristic subscribed %d times, want 1", subs)
	}
}
