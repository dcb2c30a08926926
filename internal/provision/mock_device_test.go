package provision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkonrad/blufi-setup/internal/ble"
	"github.com/dkonrad/blufi-setup/internal/blufi"
)

const testDevice = "AA:BB:CC:DD:EE:FF"

// fastOpts keeps protocol waits in the millisecond range for tests.
func fastOpts() Options {
	return Options{
		ScanTimeout:        200 * time.Millisecond,
		ScanQuiet:          30 * time.Millisecond,
		FragmentQuiet:      60 * time.Millisecond,
		AckTimeoutCtrl:     50 * time.Millisecond,
		AckTimeoutData:     50 * time.Millisecond,
		InterStepDelay:     time.Millisecond,
		StatusPollAttempts: 2,
		StatusPollInterval: 20 * time.Millisecond,
	}
}

func fastManagerOpts() ble.ManagerOptions {
	return ble.ManagerOptions{
		ConnectTimeout:  time.Second,
		RestartAttempts: 5,
		RestartBackoff:  time.Millisecond,
		SettleDelay:     time.Millisecond,
	}
}

// fakeDevice scripts BLUFI firmware behavior: each command write triggers
// the notifications a real device would emit.
type fakeDevice struct {
	mu sync.Mutex

	ackSteps      bool // ack opmode/ssid/password/connect writes
	ackCode       byte // payload byte of those acks
	successAfter  byte // frame type that triggers a 0x3D, 0 = never
	scanReplies   [][]byte
	keepAlives    int // 1-byte notifications emitted on the scan request
	failWrites    int // make the next N command writes fail
	succeedOnPoll int // emit 0x3D on the Nth status query, 0 = never

	notify func([]byte) // response characteristic subscription
	writes []*blufi.Frame
	polls  int
}

func (d *fakeDevice) recordedWrites() []*blufi.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*blufi.Frame(nil), d.writes...)
}

// handleWrite is the command characteristic's write path.
func (d *fakeDevice) handleWrite(raw []byte) error {
	d.mu.Lock()
	if d.failWrites > 0 {
		d.failWrites--
		d.mu.Unlock()
		return errors.New("fake: operation in progress")
	}
	f, err := blufi.Decode(raw)
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("fake: device received garbage: %w", err)
	}
	d.writes = append(d.writes, f)
	notify := d.notify
	d.mu.Unlock()

	if notify == nil {
		return nil
	}

	switch f.Type {
	case blufi.TypeCtrlSetOpMode, blufi.TypeDataStaSSID, blufi.TypeDataStaPassword, blufi.TypeCtrlConnectAP:
		if d.ackSteps {
			ack, _ := blufi.Encode(blufi.TypeDataAck, f.Sequence, []byte{d.ackCode})
			notify(ack)
		}
	case blufi.TypeCtrlGetWiFiList:
		for i := 0; i < d.keepAlives; i++ {
			notify([]byte{0x00})
		}
		for _, reply := range d.scanReplies {
			notify(reply)
		}
	case blufi.TypeCtrlGetStatus:
		d.mu.Lock()
		d.polls++
		hit := d.succeedOnPoll > 0 && d.polls == d.succeedOnPoll
		d.mu.Unlock()
		if hit {
			done, _ := blufi.Encode(blufi.TypeDataConnected, 0, nil)
			notify(done)
		}
	}

	if d.successAfter != 0 && f.Type == d.successAfter {
		done, _ := blufi.Encode(blufi.TypeDataConnected, 0, nil)
		notify(done)
	}
	return nil
}

type fakeCmdChar struct{ dev *fakeDevice }

func (c *fakeCmdChar) Write(data []byte) error { return c.dev.handleWrite(data) }
func (c *fakeCmdChar) Read() ([]byte, error) { return nil, nil }
func (c *fakeCmdChar) Subscribe(func([]byte)) error { return nil }

type fakeRespChar struct{ dev *fakeDevice }

func (c *fakeRespChar) Write([]byte) error {
	return errors.New("fake: response characteristic is notify-only")
}
func (c *fakeRespChar) Read() ([]byte, error) { return nil, nil }

func (c *fakeRespChar) Subscribe(cb func([]byte)) error {
	c.dev.mu.Lock()
	c.dev.notify = cb
	c.dev.mu.Unlock()
	return nil
}

type fakeConn struct{ dev *fakeDevice }

func (c *fakeConn) DiscoverCharacteristic(_, charUUID string) (ble.Characteristic, error) {
	switch charUUID {
	case ble.CommandCharUUID:
		return &fakeCmdChar{dev: c.dev}, nil
	case ble.ResponseCharUUID:
		return &fakeRespChar{dev: c.dev}, nil
	default:
		return nil, fmt.Errorf("fake: unknown characteristic %q", charUUID)
	}
}

func (c *fakeConn) Disconnect() error { return nil }
func (c *fakeConn) OnDisconnect(cb func()) {}

type fakeAdapter struct{ dev *fakeDevice }

func (a *fakeAdapter) Enable() error { return nil }

func (a *fakeAdapter) Scan(context.Context, string) ([]ble.Device, error) { return nil, nil }

func (a *fakeAdapter) Connect(context.Context, string) (ble.Connection, error) {
	return &fakeConn{dev: a.dev}, nil
}

// newTestProvisioner wires a Provisioner to a scripted device.
func newTestProvisioner(dev *fakeDevice) *Provisioner {
	m := ble.NewManager(&fakeAdapter{dev: dev}, fastManagerOpts())
	return NewProvisioner(m, fastOpts())
}

// rawFrame hand-builds a frame with arbitrary control bits, for fragment
// scripting the Encode API deliberately does not cover.
func rawFrame(t *testing.T, frameType, control, seq byte, data []byte) []byte {
	t.Helper()
	buf := []byte{frameType, control, seq, byte(len(data))}
	buf = append(buf, data...)
	crc := blufi.CRC16(0, append([]byte{seq, byte(len(data))}, data...))
	return append(buf, byte(crc), byte(crc>>8))
}
